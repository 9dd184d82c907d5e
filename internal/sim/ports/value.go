package ports

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"
)

type sentinel uint8

const (
	sentinelNone sentinel = iota
	sentinelGarbage
	sentinelLater
)

// Value is one resolved port value. The zero Value is unset.
// Values are comparable; use Equal to treat NaN payloads as equal.
type Value struct {
	kind Kind
	flag sentinel
	num  float64
	str  string
	vec  mgl64.Vec3
}

var (
	// Garbage marks a permanently invalid output. It propagates downstream unchanged.
	Garbage = Value{flag: sentinelGarbage}
	// AvailableLater means "no new value yet": consumers keep their previous output.
	AvailableLater = Value{flag: sentinelLater}
)

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

func String(s string) Value        { return Value{kind: KindString, str: s} }
func Byte(b uint8) Value           { return Value{kind: KindByte, num: float64(b)} }
func ByteArray(b []byte) Value     { return Value{kind: KindByteArray, str: string(b)} }
func Vector3(v mgl64.Vec3) Value   { return Value{kind: KindVector3, vec: v} }
func Color(r, g, b float64) Value  { return Value{kind: KindColor, vec: mgl64.Vec3{r, g, b}} }
func Key(name string) Value        { return Value{kind: KindKey, str: name} }
func Enum(option string) Value     { return Value{kind: KindEnum, str: option} }
func Code(src string) Value        { return Value{kind: KindCode, str: src} }
func Sound(id string) Value        { return Value{kind: KindSound, str: id} }
func Particle(id string) Value     { return Value{kind: KindParticle, str: id} }
func Vec(x, y, z float64) Value    { return Vector3(mgl64.Vec3{x, y, z}) }

func textValue(k Kind, s string) Value { return Value{kind: k, str: s} }

func (v Value) Kind() Kind             { return v.kind }
func (v Value) IsGarbage() bool        { return v.flag == sentinelGarbage }
func (v Value) IsAvailableLater() bool { return v.flag == sentinelLater }

// IsSet reports whether v carries a concrete value.
func (v Value) IsSet() bool { return v.flag == sentinelNone && v.kind.Primitive() }

// Number returns the numeric payload of number, byte and bool values.
func (v Value) Number() float64 {
	switch v.kind {
	case KindNumber, KindByte, KindBool:
		return v.num
	}
	return 0
}

func (v Value) Bool() bool {
	switch v.kind {
	case KindBool, KindNumber, KindByte:
		return v.num != 0
	}
	return false
}

// Text returns the payload of string-like kinds.
func (v Value) Text() string { return v.str }

func (v Value) Bytes() []byte {
	if v.kind != KindByteArray {
		return nil
	}
	return []byte(v.str)
}

// Vec returns the payload of vector3 and color values.
func (v Value) Vec() mgl64.Vec3 { return v.vec }

// Equal is == except that NaN payloads compare equal, so a NaN does not
// look like a change on every tick.
func (v Value) Equal(o Value) bool {
	if v == o {
		return true
	}
	if v.kind != o.kind || v.flag != o.flag || v.str != o.str {
		return false
	}
	if !sameFloat(v.num, o.num) {
		return false
	}
	for i := range v.vec {
		if !sameFloat(v.vec[i], o.vec[i]) {
			return false
		}
	}
	return true
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func (v Value) String() string {
	switch {
	case v.IsGarbage():
		return "garbage"
	case v.IsAvailableLater():
		return "available_later"
	}
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindByte:
		return strconv.Itoa(int(v.num))
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindVector3, KindColor:
		return fmt.Sprintf("(%g, %g, %g)", v.vec[0], v.vec[1], v.vec[2])
	case KindByteArray:
		return base64.StdEncoding.EncodeToString([]byte(v.str))
	case KindUnset:
		return "unset"
	}
	return v.str
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.IsGarbage():
		return json.Marshal(valueJSON{Type: "garbage"})
	case v.IsAvailableLater():
		return json.Marshal(valueJSON{Type: "available_later"})
	}
	var payload any
	switch v.kind {
	case KindUnset:
		return json.Marshal(valueJSON{Type: KindUnset.String()})
	case KindNumber, KindByte:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			payload = v.String()
		} else {
			payload = v.num
		}
	case KindBool:
		payload = v.num != 0
	case KindVector3, KindColor:
		payload = [3]float64(v.vec)
	case KindByteArray:
		payload = []byte(v.str)
	default:
		payload = v.str
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case "garbage":
		*v = Garbage
		return nil
	case "available_later":
		*v = AvailableLater
		return nil
	case "unset", "":
		*v = Value{}
		return nil
	}
	k, err := ParseKind(wire.Type)
	if err != nil {
		return err
	}
	if k == KindByteArray {
		var raw []byte
		if err := json.Unmarshal(wire.Value, &raw); err != nil {
			return err
		}
		*v = ByteArray(raw)
		return nil
	}
	var raw any
	if len(wire.Value) > 0 {
		if err := json.Unmarshal(wire.Value, &raw); err != nil {
			return err
		}
	}
	out, err := ParseValue(k, raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// ParseValue converts a decoded YAML/JSON scalar or list into a value of kind k.
// A nil raw yields the kind's default.
func ParseValue(k Kind, raw any) (Value, error) {
	if !k.Primitive() {
		return Value{}, &KindError{Kind: k, Reason: "not a value kind"}
	}
	if raw == nil {
		return Default(k), nil
	}
	switch k {
	case KindNumber:
		f, err := toFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case KindByte:
		f, err := toFloat(raw)
		if err != nil {
			return Value{}, err
		}
		if f < 0 || f > 255 || f != math.Trunc(f) {
			return Value{}, fmt.Errorf("byte out of range: %v", raw)
		}
		return Byte(uint8(f)), nil
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("expected bool, got %T", raw)
		}
		return Bool(b), nil
	case KindVector3, KindColor:
		xyz, err := toTriple(raw)
		if err != nil {
			return Value{}, err
		}
		if k == KindColor {
			return Color(xyz[0], xyz[1], xyz[2]), nil
		}
		return Vector3(xyz), nil
	case KindByteArray:
		switch t := raw.(type) {
		case string:
			b, err := base64.StdEncoding.DecodeString(t)
			if err != nil {
				return Value{}, err
			}
			return ByteArray(b), nil
		case []any:
			out := make([]byte, 0, len(t))
			for _, e := range t {
				f, err := toFloat(e)
				if err != nil || f < 0 || f > 255 {
					return Value{}, fmt.Errorf("bytearray element out of range: %v", e)
				}
				out = append(out, byte(f))
			}
			return ByteArray(out), nil
		}
		return Value{}, fmt.Errorf("expected bytearray, got %T", raw)
	default:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("expected %s string, got %T", k, raw)
		}
		return textValue(k, s), nil
	}
}

func toFloat(raw any) (float64, error) {
	switch t := raw.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func toTriple(raw any) (mgl64.Vec3, error) {
	list, ok := raw.([]any)
	if !ok || len(list) != 3 {
		return mgl64.Vec3{}, fmt.Errorf("expected [x, y, z], got %v", raw)
	}
	var out mgl64.Vec3
	for i, e := range list {
		f, err := toFloat(e)
		if err != nil {
			return mgl64.Vec3{}, err
		}
		out[i] = f
	}
	return out, nil
}
