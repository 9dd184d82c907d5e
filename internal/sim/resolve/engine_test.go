package resolve

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/control"
	"blockwire.ai/internal/sim/ports"
	"blockwire.ai/internal/sim/wiring"
)

const testBlocks = `
blocks:
  - id: source
    outputs:
      - id: out
        types: [number]
  - id: throttle
    inputs:
      - id: power
        types: [number]
        clamp: {min: -100, max: 100}
  - id: compare
    inputs:
      - id: a
        types: [number, string]
        group: operands
      - id: b
        types: [number, string]
        group: operands
        default: {type: number, value: 7}
`

type fixture struct {
	g   *wiring.Graph
	e   *Engine
	now time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalogs.Parse([]byte(testBlocks))
	require.NoError(t, err)
	g := wiring.NewGraph(cat)
	return &fixture{g: g, e: New(g, 300*time.Millisecond)}
}

func (f *fixture) place(t *testing.T, kind string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.g.AddBlock(id, kind, nil))
	return id
}

func (f *fixture) tick(in wiring.PortRef, keys control.Keys) ports.Value {
	const dt = 50 * time.Millisecond
	f.now += dt
	v, _ := f.e.Refresh(in, keys, f.now, dt.Seconds())
	return v
}

func controlled(mode control.Mode) control.Settings {
	s := control.Settings{
		Enabled: true,
		Mode:    mode,
		Raise:   control.Binding{Key: "R", Magnitude: 45},
		Lower:   control.Binding{Key: "F", Magnitude: -45},
	}
	if mode == control.ModeInstant {
		s.Reset = control.ResetOnRelease
	} else {
		s.Speed = 90
		s.Stop = control.StopOnRelease
	}
	return s
}

func TestInstantAndSmoothControlModes(t *testing.T) {
	f := newFixture(t)
	th := f.place(t, "throttle")
	in := wiring.PortRef{Block: th, Port: "power"}

	require.NoError(t, f.g.SetConfig(in, ports.ControlConfig(ports.Number(0), controlled(control.ModeInstant))))
	require.True(t, f.e.Controlled(in))
	require.Equal(t, ports.Number(45), f.tick(in, control.KeySet{"R": true}))
	require.Equal(t, SourceControl, f.e.SourceOf(in))
	require.Equal(t, ports.Number(0), f.tick(in, control.KeySet{}))

	require.NoError(t, f.g.SetConfig(in, ports.ControlConfig(ports.Number(0), controlled(control.ModeSmooth))))
	var v ports.Value
	for i := 0; i < 5; i++ {
		v = f.tick(in, control.KeySet{"R": true})
	}
	require.InDelta(t, 22.5, v.Number(), 1e-9)
	for i := 0; i < 5; i++ {
		v = f.tick(in, control.KeySet{"R": true})
	}
	require.InDelta(t, 45, v.Number(), 1e-9)
	v = f.tick(in, control.KeySet{"R": true})
	require.Equal(t, 45.0, v.Number(), "no overshoot")
}

func TestStaticAndWiredValuesAreClamped(t *testing.T) {
	f := newFixture(t)
	src := f.place(t, "source")
	th := f.place(t, "throttle")
	in := wiring.PortRef{Block: th, Port: "power"}
	out := wiring.PortRef{Block: src, Port: "out"}

	require.NoError(t, f.g.SetConfig(in, ports.StaticConfig(ports.Number(500))))
	require.Equal(t, ports.Number(100), f.tick(in, nil))
	require.Equal(t, SourceStatic, f.e.SourceOf(in))

	require.NoError(t, f.g.Connect(out, in))
	require.True(t, f.tick(in, nil).IsAvailableLater(), "upstream has not computed yet")

	f.e.SetOutput(out, ports.Number(500))
	require.Equal(t, ports.Number(100), f.tick(in, nil))
	require.Equal(t, SourceWire, f.e.SourceOf(in))

	f.e.SetOutput(out, ports.Number(-250))
	require.Equal(t, ports.Number(-100), f.tick(in, nil))

	f.e.SetOutput(out, ports.Garbage)
	require.True(t, f.tick(in, nil).IsGarbage())

	require.NoError(t, f.g.Disconnect(in))
	require.Equal(t, ports.Number(100), f.tick(in, nil), "reverts to the retained static value")
}

func TestWireOverridesControl(t *testing.T) {
	f := newFixture(t)
	src := f.place(t, "source")
	th := f.place(t, "throttle")
	in := wiring.PortRef{Block: th, Port: "power"}
	out := wiring.PortRef{Block: src, Port: "out"}

	require.NoError(t, f.g.SetConfig(in, ports.ControlConfig(ports.Number(0), controlled(control.ModeInstant))))
	f.tick(in, control.KeySet{"R": true})
	_, ok := f.e.Machine(in)
	require.True(t, ok)

	require.NoError(t, f.g.Connect(out, in))
	require.False(t, f.e.Controlled(in))
	f.e.SetOutput(out, ports.Number(-3))
	require.Equal(t, ports.Number(-3), f.tick(in, control.KeySet{"R": true}))
}

func TestGroupMismatchResolvesToDefault(t *testing.T) {
	f := newFixture(t)
	c := f.place(t, "compare")
	a := wiring.PortRef{Block: c, Port: "a"}
	b := wiring.PortRef{Block: c, Port: "b"}

	require.Equal(t, ports.Number(7), f.e.Value(b))
	require.NoError(t, f.g.SetConfig(a, ports.StaticConfig(ports.String("x"))))
	require.Equal(t, ports.String(""), f.tick(b, nil))
	require.Equal(t, ports.String("x"), f.tick(a, nil))
}

func TestRefreshReportsChange(t *testing.T) {
	f := newFixture(t)
	th := f.place(t, "throttle")
	in := wiring.PortRef{Block: th, Port: "power"}

	_, changed := f.e.Refresh(in, nil, 0, 0)
	require.True(t, changed, "first resolution counts as a change")
	_, changed = f.e.Refresh(in, nil, 0, 0)
	require.False(t, changed)

	require.NoError(t, f.g.SetConfig(in, ports.StaticConfig(ports.Number(2))))
	_, changed = f.e.Refresh(in, nil, 0, 0)
	require.True(t, changed)
}

func TestForgetDropsBlockState(t *testing.T) {
	f := newFixture(t)
	th := f.place(t, "throttle")
	in := wiring.PortRef{Block: th, Port: "power"}
	require.NoError(t, f.g.SetConfig(in, ports.ControlConfig(ports.Number(0), controlled(control.ModeSmooth))))
	f.tick(in, control.KeySet{"R": true})

	f.e.DropMachines(th)
	_, ok := f.e.Machine(in)
	require.False(t, ok)

	f.tick(in, nil)
	f.e.Forget(th)
	_, ok = f.e.Machine(in)
	require.False(t, ok)
	require.Equal(t, Source(0), f.e.SourceOf(in))
}
