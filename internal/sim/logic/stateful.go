package logic

import "blockwire.ai/internal/sim/ports"

func statefulBehaviors() []Behavior {
	return []Behavior{
		{Kind: "memory", New: func(env Env) Instance { return &memory{} }},
		{Kind: "timer", New: func(env Env) Instance { return &timer{} }},
		{Kind: "counter", Subscribe: []string{"increment", "decrement", "reset"}, New: func(env Env) Instance { return &counter{} }},
		{Kind: "altimeter", New: func(env Env) Instance { return &altimeter{env: env} }},
		{Kind: "speedometer", New: func(env Env) Instance { return &speedometer{env: env} }},
		{Kind: "raycast", New: func(env Env) Instance { return &raycast{env: env} }},
		{Kind: "thruster", New: func(env Env) Instance { return &thruster{env: env} }},
		{Kind: "light", New: func(env Env) Instance { return &light{env: env} }},
		{Kind: "display", New: func(env Env) Instance { return &display{env: env} }},
		{Kind: "script", New: newScript},
	}
}

// memory latches value while store is held and clears on reset.
type memory struct {
	held ports.Value
}

func (m *memory) FirstInputs(in Inputs) error {
	m.held = ports.Default(in.Value("value").Kind())
	return nil
}

func (m *memory) Changed(in Inputs) (Outputs, error) {
	v := in.Value("value")
	switch {
	case in.Bool("reset"):
		m.held = ports.Default(v.Kind())
	case in.Bool("store"):
		m.held = v
	}
	if !m.held.IsSet() {
		return nil, ErrAvailableLater
	}
	return Outputs{"stored": m.held}, nil
}

// timer accumulates seconds while run is on.
type timer struct {
	elapsed float64
}

func (t *timer) Changed(in Inputs) (Outputs, error) {
	if in.Bool("reset") {
		t.elapsed = 0
	}
	return Outputs{"elapsed": ports.Number(t.elapsed)}, nil
}

func (t *timer) Tick(in Inputs, dt float64, _ uint64) (Outputs, error) {
	if in.Bool("reset") {
		t.elapsed = 0
	} else if in.Bool("run") {
		t.elapsed += dt
	}
	return Outputs{"elapsed": ports.Number(t.elapsed)}, nil
}

// counter counts rising edges of increment and decrement.
type counter struct {
	count    float64
	inc, dec bool
	primed   bool
}

func (c *counter) Changed(in Inputs) (Outputs, error) {
	inc, dec := in.Bool("increment"), in.Bool("decrement")
	step := in.Number("step")
	if in.Bool("reset") {
		c.count = 0
	} else if c.primed {
		if inc && !c.inc {
			c.count += step
		}
		if dec && !c.dec {
			c.count -= step
		}
	}
	c.inc, c.dec, c.primed = inc, dec, true
	return Outputs{"count": ports.Number(c.count)}, nil
}

type altimeter struct{ env Env }

func (a *altimeter) Changed(Inputs) (Outputs, error) { return a.read() }

func (a *altimeter) Continuous(Inputs) (Outputs, error) { return a.read() }

func (a *altimeter) read() (Outputs, error) {
	if a.env.World == nil {
		return nil, ErrAvailableLater
	}
	return Outputs{"altitude": ports.Number(a.env.World.Position(a.env.Block).Y())}, nil
}

type speedometer struct{ env Env }

func (s *speedometer) Changed(Inputs) (Outputs, error) { return s.read() }

func (s *speedometer) Continuous(Inputs) (Outputs, error) { return s.read() }

func (s *speedometer) read() (Outputs, error) {
	if s.env.World == nil {
		return nil, ErrAvailableLater
	}
	v := s.env.World.Velocity(s.env.Block)
	return Outputs{"speed": ports.Number(v.Len()), "velocity": ports.Vector3(v)}, nil
}

type raycast struct{ env Env }

func (r *raycast) Changed(in Inputs) (Outputs, error) { return r.cast(in) }

func (r *raycast) Continuous(in Inputs) (Outputs, error) { return r.cast(in) }

func (r *raycast) cast(in Inputs) (Outputs, error) {
	if r.env.World == nil {
		return nil, ErrAvailableLater
	}
	limit := in.Number("range")
	d, hit := r.env.World.Raycast(r.env.Block, in.Vec("direction"), limit)
	if !hit {
		d = limit
	}
	return Outputs{"hit": ports.Bool(hit), "distance": ports.Number(d)}, nil
}

// thruster publishes its power input; the physical force is applied by the
// effect sink on every side.
type thruster struct {
	env  Env
	sent bool
	last float64
}

func (t *thruster) Changed(in Inputs) (Outputs, error) {
	p := in.Number("power")
	if !in.Bool("enabled") {
		p = 0
	}
	if t.sent && p == t.last {
		return nil, nil
	}
	if t.env.Channels != nil {
		if err := t.env.Channels.Thrust.SendOrBurn(ThrustPayload{Block: t.env.Block.String(), Power: p}, t.env.Node); err != nil {
			return nil, nil
		}
	}
	t.sent, t.last = true, p
	return nil, nil
}

func (t *thruster) Destroy() {
	if t.env.Channels != nil && t.sent && t.last != 0 && t.env.Node.Burned() == nil {
		_ = t.env.Channels.Thrust.Send(ThrustPayload{Block: t.env.Block.String()})
	}
}

type light struct{ env Env }

func (l *light) Changed(in Inputs) (Outputs, error) {
	if l.env.Channels == nil {
		return nil, nil
	}
	_ = l.env.Channels.Light.SendOrBurn(LightPayload{
		Block: l.env.Block.String(),
		On:    in.Bool("on"),
		Color: [3]float64(in.Vec("color")),
	}, l.env.Node)
	return nil, nil
}

type display struct{ env Env }

func (d *display) Changed(in Inputs) (Outputs, error) {
	if d.env.Channels == nil {
		return nil, nil
	}
	v := in.Value("text")
	text := v.String()
	if v.Kind() == ports.KindString {
		text = v.Text()
	}
	_ = d.env.Channels.Display.SendOrBurn(DisplayPayload{Block: d.env.Block.String(), Text: text}, d.env.Node)
	return nil, nil
}
