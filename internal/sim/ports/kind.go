package ports

import "fmt"

// Kind is a primitive port type. The set is closed.
type Kind uint8

const (
	KindUnset Kind = iota
	KindNumber
	KindBool
	KindString
	KindByte
	KindByteArray
	KindVector3
	KindColor
	KindKey
	KindEnum
	KindCode
	KindSound
	KindParticle

	// KindWire is the pseudo-kind of a config value that is driven externally.
	KindWire
)

var kindNames = [...]string{
	KindUnset:     "unset",
	KindNumber:    "number",
	KindBool:      "bool",
	KindString:    "string",
	KindByte:      "byte",
	KindByteArray: "bytearray",
	KindVector3:   "vector3",
	KindColor:     "color",
	KindKey:       "key",
	KindEnum:      "enum",
	KindCode:      "code",
	KindSound:     "sound",
	KindParticle:  "particle",
	KindWire:      "wire",
}

// Primitives lists every concrete kind in canonical order.
var Primitives = []Kind{
	KindNumber, KindBool, KindString, KindByte, KindByteArray, KindVector3,
	KindColor, KindKey, KindEnum, KindCode, KindSound, KindParticle,
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Primitive reports whether k is a concrete value kind (not unset, not wire).
func (k Kind) Primitive() bool { return k >= KindNumber && k <= KindParticle }

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindUnset, fmt.Errorf("unknown port kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
