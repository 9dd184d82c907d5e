// Package control implements the key-driven state machine behind live
// controls on number and bool ports.
package control

import (
	"errors"
	"fmt"
	"math"
)

type Mode string

const (
	ModeInstant Mode = "instant"
	ModeSmooth  Mode = "smooth"
)

// ResetPolicy applies to instant mode.
type ResetPolicy string

const (
	ResetOnRelease     ResetPolicy = "onRelease"
	ResetOnDoublePress ResetPolicy = "onDoublePress"
	ResetNever         ResetPolicy = "never"
)

// StopPolicy applies to smooth mode.
type StopPolicy string

const (
	StopOnRelease             StopPolicy = "stopOnRelease"
	ResetOnReleaseSmooth      StopPolicy = "resetOnRelease"
	InstantResetOnRelease     StopPolicy = "instantResetOnRelease"
	StopOnDoublePress         StopPolicy = "stopOnDoublePress"
	ResetOnDoublePressSmooth  StopPolicy = "resetOnDoublePress"
	InstantResetOnDoublePress StopPolicy = "instantResetOnDoublePress"
	StopNever                 StopPolicy = "never"
)

// Binding maps one input-device key to a magnitude.
type Binding struct {
	Key       string  `json:"key" yaml:"key"`
	Magnitude float64 `json:"magnitude" yaml:"magnitude"`
}

func (b Binding) Bound() bool { return b.Key != "" }

// Settings is the persisted control configuration of one port.
type Settings struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Mode    Mode        `json:"mode" yaml:"mode"`
	Speed   float64     `json:"speed,omitempty" yaml:"speed,omitempty"`
	Reset   ResetPolicy `json:"reset,omitempty" yaml:"reset,omitempty"`
	Stop    StopPolicy  `json:"stop,omitempty" yaml:"stop,omitempty"`
	Raise   Binding     `json:"raise" yaml:"raise"`
	Lower   Binding     `json:"lower" yaml:"lower"`
}

var ErrNoBinding = errors.New("control has no key binding")

func (s Settings) Validate() error {
	switch s.Mode {
	case ModeInstant:
		switch s.Reset {
		case ResetOnRelease, ResetOnDoublePress, ResetNever:
		default:
			return fmt.Errorf("instant control: unknown reset policy %q", s.Reset)
		}
	case ModeSmooth:
		switch s.Stop {
		case StopOnRelease, ResetOnReleaseSmooth, InstantResetOnRelease,
			StopOnDoublePress, ResetOnDoublePressSmooth, InstantResetOnDoublePress, StopNever:
		default:
			return fmt.Errorf("smooth control: unknown stop policy %q", s.Stop)
		}
		if !(s.Speed > 0) || math.IsInf(s.Speed, 0) {
			return fmt.Errorf("smooth control: speed must be positive, got %g", s.Speed)
		}
	default:
		return fmt.Errorf("unknown control mode %q", s.Mode)
	}
	if !s.Raise.Bound() && !s.Lower.Bound() {
		return ErrNoBinding
	}
	for _, b := range []Binding{s.Raise, s.Lower} {
		if b.Bound() && (math.IsNaN(b.Magnitude) || math.IsInf(b.Magnitude, 0)) {
			return fmt.Errorf("binding %q: magnitude must be finite", b.Key)
		}
	}
	return nil
}

func (s Settings) releaseResets() bool {
	if s.Mode == ModeInstant {
		return s.Reset == ResetOnRelease
	}
	switch s.Stop {
	case StopOnRelease, ResetOnReleaseSmooth, InstantResetOnRelease:
		return true
	}
	return false
}

func (s Settings) doublePressResets() bool {
	if s.Mode == ModeInstant {
		return s.Reset == ResetOnDoublePress
	}
	switch s.Stop {
	case StopOnDoublePress, ResetOnDoublePressSmooth, InstantResetOnDoublePress:
		return true
	}
	return false
}

// Keys reports which input-device keys are currently held.
type Keys interface {
	Held(key string) bool
}

// KeySet is a Keys backed by a set of held key names.
type KeySet map[string]bool

func (k KeySet) Held(key string) bool { return k[key] }
