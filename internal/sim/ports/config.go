package ports

import (
	"encoding/json"
	"fmt"

	"blockwire.ai/internal/sim/control"
)

// ConfigValue is the stored configuration of one input port:
// {type, static} | {type: wire} | {type, control}.
// Static is kept while the port is wired so disconnecting can revert to it.
type ConfigValue struct {
	Type    Kind              `json:"type"`
	Static  Value             `json:"static"`
	Control *control.Settings `json:"control,omitempty"`
}

func StaticConfig(v Value) ConfigValue {
	return ConfigValue{Type: v.Kind(), Static: v}
}

func ControlConfig(start Value, s control.Settings) ConfigValue {
	return ConfigValue{Type: start.Kind(), Static: start, Control: &s}
}

func (c ConfigValue) Wired() bool { return c.Type == KindWire }

// Controlled reports whether an enabled live control drives the port.
func (c ConfigValue) Controlled() bool {
	return !c.Wired() && c.Control != nil && c.Control.Enabled
}

// Wire marks the config as externally driven, retaining the static value.
func (c ConfigValue) Wire() ConfigValue {
	c.Type = KindWire
	return c
}

// Unwire reverts to the retained static value.
func (c ConfigValue) Unwire() ConfigValue {
	c.Type = c.Static.Kind()
	return c
}

// Validate checks the union is well formed.
func (c ConfigValue) Validate() error {
	if c.Wired() {
		return nil
	}
	if !c.Type.Primitive() {
		return &KindError{Kind: c.Type, Reason: "not a config type"}
	}
	if c.Static.Kind() != c.Type {
		return fmt.Errorf("static value kind %s does not match config type %s", c.Static.Kind(), c.Type)
	}
	if c.Control != nil {
		if !Controllable(c.Type) {
			return &KindError{Kind: c.Type, Reason: "cannot be driven by a control"}
		}
		if err := c.Control.Validate(); err != nil {
			return err
		}
		if c.Type == KindBool && c.Control.Mode == control.ModeSmooth {
			return &KindError{Kind: c.Type, Reason: "smooth control needs a number port"}
		}
	}
	return nil
}

type configJSON struct {
	Type    string            `json:"type"`
	Static  *Value            `json:"static,omitempty"`
	Value   any               `json:"value,omitempty"`
	Control *control.Settings `json:"control,omitempty"`
}

// UnmarshalJSON accepts either {"type","static":{...}} or the short form {"type","value"}.
func (c *ConfigValue) UnmarshalJSON(b []byte) error {
	var wire configJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	k, err := ParseKind(wire.Type)
	if err != nil {
		return err
	}
	out := ConfigValue{Type: k, Control: wire.Control}
	switch {
	case wire.Static != nil:
		out.Static = *wire.Static
	case k.Primitive():
		out.Static, err = ParseValue(k, wire.Value)
		if err != nil {
			return err
		}
	}
	*c = out
	return nil
}
