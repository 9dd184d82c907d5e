package logic

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"blockwire.ai/internal/sim/synchronizer"
)

const blockIDSchema = `{"type": "string", "pattern": "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"}`

const (
	ChannelThrust  = "thruster.power"
	ChannelLight   = "light.state"
	ChannelDisplay = "display.text"
	ChannelBurn    = "logic.burn"

	MaxDisplayText = 256
)

var (
	thrustSchema = `{
  "type": "object",
  "required": ["block", "power"],
  "properties": {
    "block": ` + blockIDSchema + `,
    "power": {"type": "number", "minimum": -100, "maximum": 100}
  }
}`
	lightSchema = `{
  "type": "object",
  "required": ["block", "on", "color"],
  "properties": {
    "block": ` + blockIDSchema + `,
    "on": {"type": "boolean"},
    "color": {
      "type": "array",
      "minItems": 3,
      "maxItems": 3,
      "items": {"type": "number", "minimum": 0, "maximum": 1}
    }
  }
}`
	displaySchema = `{
  "type": "object",
  "required": ["block", "text"],
  "properties": {
    "block": ` + blockIDSchema + `,
    "text": {"type": "string", "maxLength": 256}
  }
}`
	burnSchema = `{
  "type": "object",
  "required": ["block", "kind", "reason"],
  "properties": {
    "block": ` + blockIDSchema + `,
    "kind": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  }
}`
)

type ThrustPayload struct {
	Block string  `json:"block"`
	Power float64 `json:"power"`
}

type LightPayload struct {
	Block string     `json:"block"`
	On    bool       `json:"on"`
	Color [3]float64 `json:"color"`
}

type DisplayPayload struct {
	Block string `json:"block"`
	Text  string `json:"text"`
}

type BurnPayload struct {
	Block  string `json:"block"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// EffectSink receives the gameplay consequences of logic, on every side.
type EffectSink interface {
	Thrust(block uuid.UUID, power float64)
	Light(block uuid.UUID, on bool, color mgl64.Vec3)
	Display(block uuid.UUID, text string)
	Burned(block uuid.UUID, kind, reason string)
}

// Channels are the replication channels logic nodes publish effects on.
type Channels struct {
	Thrust  *synchronizer.Channel[ThrustPayload]
	Light   *synchronizer.Channel[LightPayload]
	Display *synchronizer.Channel[DisplayPayload]
	Burn    *synchronizer.Channel[BurnPayload]
}

// DeclareChannels registers the effect channels on hub, applying every
// accepted payload to sink.
func DeclareChannels(hub *synchronizer.Hub, sink EffectSink) (*Channels, error) {
	var (
		c   Channels
		err error
	)
	c.Thrust, err = synchronizer.Declare(hub, ChannelThrust, thrustSchema, func(p ThrustPayload) {
		if id, ok := parseBlock(p.Block); ok {
			sink.Thrust(id, p.Power)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Light, err = synchronizer.Declare(hub, ChannelLight, lightSchema, func(p LightPayload) {
		if id, ok := parseBlock(p.Block); ok {
			sink.Light(id, p.On, mgl64.Vec3(p.Color))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Display, err = synchronizer.Declare(hub, ChannelDisplay, displaySchema, func(p DisplayPayload) {
		if id, ok := parseBlock(p.Block); ok {
			sink.Display(id, p.Text)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Burn, err = synchronizer.Declare(hub, ChannelBurn, burnSchema, func(p BurnPayload) {
		if id, ok := parseBlock(p.Block); ok {
			sink.Burned(id, p.Kind, p.Reason)
		}
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func parseBlock(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	return id, err == nil
}

// Effect is the last known gameplay state of one block.
type Effect struct {
	Power   float64    `json:"power"`
	LightOn bool       `json:"light_on"`
	Color   [3]float64 `json:"color"`
	Text    string     `json:"text,omitempty"`
	Burned  string     `json:"burned,omitempty"`
}

// EffectState is an EffectSink that keeps the latest effect per block.
type EffectState struct {
	blocks map[uuid.UUID]*Effect
}

func NewEffectState() *EffectState {
	return &EffectState{blocks: map[uuid.UUID]*Effect{}}
}

func (s *EffectState) entry(id uuid.UUID) *Effect {
	e := s.blocks[id]
	if e == nil {
		e = &Effect{}
		s.blocks[id] = e
	}
	return e
}

func (s *EffectState) Thrust(id uuid.UUID, power float64) { s.entry(id).Power = power }

func (s *EffectState) Light(id uuid.UUID, on bool, color mgl64.Vec3) {
	e := s.entry(id)
	e.LightOn = on
	e.Color = [3]float64(color)
}

func (s *EffectState) Display(id uuid.UUID, text string) { s.entry(id).Text = text }

func (s *EffectState) Burned(id uuid.UUID, _ string, reason string) { s.entry(id).Burned = reason }

func (s *EffectState) Get(id uuid.UUID) (Effect, bool) {
	e, ok := s.blocks[id]
	if !ok {
		return Effect{}, false
	}
	return *e, true
}

func (s *EffectState) Forget(id uuid.UUID) { delete(s.blocks, id) }

// Blocks lists blocks with a recorded effect.
func (s *EffectState) Blocks() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.blocks))
	for id := range s.blocks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
