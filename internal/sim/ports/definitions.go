package ports

import (
	"fmt"
	"math"
)

// Clamp bounds a numeric port. Step > 0 snaps values to multiples of Step from Min.
type Clamp struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step,omitempty" yaml:"step,omitempty"`
}

func (c Clamp) Validate() error {
	if math.IsNaN(c.Min) || math.IsNaN(c.Max) || c.Min > c.Max {
		return fmt.Errorf("clamp bounds inverted: min=%g max=%g", c.Min, c.Max)
	}
	if c.Step < 0 {
		return fmt.Errorf("clamp step negative: %g", c.Step)
	}
	return nil
}

func (c Clamp) Apply(x float64) float64 {
	if math.IsNaN(x) {
		return x
	}
	if c.Step > 0 {
		x = c.Min + math.Round((x-c.Min)/c.Step)*c.Step
	}
	return math.Max(c.Min, math.Min(c.Max, x))
}

// ApplyValue clamps number and byte values; other kinds pass through.
func (c Clamp) ApplyValue(v Value) Value {
	switch v.kind {
	case KindNumber, KindByte:
		v.num = c.Apply(v.num)
	}
	return v
}

// ControlDescriptor marks a kind as drivable by a live control.
type ControlDescriptor struct {
	Smooth  bool
	Instant bool
}

// Definition is the static description of one port kind.
type Definition struct {
	Kind        Kind
	DisplayName string
	Color       string
	Default     Value
	Clamp       *Clamp
	Control     *ControlDescriptor
}

func (d Definition) Controllable() bool { return d.Control != nil }

var byteClamp = Clamp{Min: 0, Max: 255, Step: 1}

var definitions = map[Kind]Definition{
	KindNumber: {
		Kind: KindNumber, DisplayName: "Number", Color: "#4aa3ff",
		Default: Number(0),
		Control: &ControlDescriptor{Smooth: true, Instant: true},
	},
	KindBool: {
		Kind: KindBool, DisplayName: "Boolean", Color: "#ff5e5e",
		Default: Bool(false),
		Control: &ControlDescriptor{Instant: true},
	},
	KindString:    {Kind: KindString, DisplayName: "Text", Color: "#f0c23b", Default: String("")},
	KindByte:      {Kind: KindByte, DisplayName: "Byte", Color: "#9a7bff", Default: Byte(0), Clamp: &byteClamp},
	KindByteArray: {Kind: KindByteArray, DisplayName: "Byte array", Color: "#6b4fd8", Default: ByteArray(nil)},
	KindVector3:   {Kind: KindVector3, DisplayName: "Vector3", Color: "#3fd18a", Default: Vec(0, 0, 0)},
	KindColor:     {Kind: KindColor, DisplayName: "Color", Color: "#ff9ad5", Default: Color(1, 1, 1)},
	KindKey:       {Kind: KindKey, DisplayName: "Key", Color: "#c0c0c0", Default: Key("")},
	KindEnum:      {Kind: KindEnum, DisplayName: "Option", Color: "#8fd3ff", Default: Enum("")},
	KindCode:      {Kind: KindCode, DisplayName: "Code", Color: "#2b2b2b", Default: Code("")},
	KindSound:     {Kind: KindSound, DisplayName: "Sound", Color: "#ffb347", Default: Sound("")},
	KindParticle:  {Kind: KindParticle, DisplayName: "Particle", Color: "#b0ffb0", Default: Particle("")},
}

func Lookup(k Kind) (Definition, bool) {
	d, ok := definitions[k]
	return d, ok
}

// Default returns the kind's default value, or the unset value.
func Default(k Kind) Value {
	return definitions[k].Default
}

// Controllable reports whether k can be driven by a live control.
func Controllable(k Kind) bool {
	return definitions[k].Control != nil
}
