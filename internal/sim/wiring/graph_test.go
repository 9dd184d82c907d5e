package wiring

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/ports"
)

const testBlocks = `
blocks:
  - id: source
    outputs:
      - id: out
        types: [number, vector3]
  - id: text_source
    outputs:
      - id: out
        types: [string]
  - id: flag_source
    outputs:
      - id: out
        types: [bool]
  - id: num_sink
    inputs:
      - id: in
        types: [number]
        default: {type: number, value: 5}
  - id: vec_sink
    inputs:
      - id: in
        types: [vector3]
  - id: compare
    inputs:
      - id: a
        types: [number, string, bool]
        group: operands
      - id: b
        types: [number, string, bool]
        group: operands
        default: {type: number, value: 3}
    outputs:
      - id: result
        types: [bool]
  - id: adder
    inputs:
      - id: a
        types: [number, vector3]
        group: ops
      - id: b
        types: [number, vector3]
        group: ops
    outputs:
      - id: sum
        types: [number, vector3]
        group: ops
`

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	cat, err := catalogs.Parse([]byte(testBlocks))
	require.NoError(t, err)
	return NewGraph(cat)
}

func place(t *testing.T, g *Graph, kind string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, g.AddBlock(id, kind, nil))
	return id
}

func ref(id uuid.UUID, port string) PortRef { return PortRef{Block: id, Port: port} }

func TestOutputNarrowsToWireKind(t *testing.T) {
	g := newTestGraph(t)
	x := place(t, g, "source")
	y := place(t, g, "num_sink")
	z := place(t, g, "vec_sink")

	require.NoError(t, g.Connect(ref(x, "out"), ref(y, "in")))
	avail, err := g.AvailableTypes(ref(x, "out"))
	require.NoError(t, err)
	require.Equal(t, ports.SetOf(ports.KindNumber), avail)

	err = g.Connect(ref(x, "out"), ref(z, "in"))
	require.ErrorIs(t, err, ErrIncompatible)
	require.Equal(t, "incompatible types", Reason(err))
	_, ok := g.Source(ref(z, "in"))
	require.False(t, ok, "failed connect must not mutate the graph")
}

func TestCanConnectMatchesIntersectionOnFreeInputs(t *testing.T) {
	g := newTestGraph(t)
	var outs, ins []PortRef
	for _, kind := range []string{"source", "text_source", "flag_source", "num_sink", "vec_sink", "compare", "adder"} {
		id := place(t, g, kind)
		for _, m := range g.Markers(id) {
			if m.Dir == Output {
				outs = append(outs, m.Ref)
			} else {
				ins = append(ins, m.Ref)
			}
		}
	}
	for _, o := range outs {
		for _, i := range ins {
			ao, err := g.AvailableTypes(o)
			require.NoError(t, err)
			ai, err := g.AvailableTypes(i)
			require.NoError(t, err)
			want := !ports.Intersect(ao, ai).Empty()
			if mo, _ := g.Marker(o); o.Block == i.Block && mo.Group != "" {
				want = false
			}
			require.Equal(t, want, g.CanConnect(o, i) == nil, "%s -> %s", o, i)
		}
	}
}

func TestOccupiedInputRejectsUnlessReplace(t *testing.T) {
	g := newTestGraph(t)
	x1 := place(t, g, "source")
	x2 := place(t, g, "source")
	y := place(t, g, "num_sink")

	require.NoError(t, g.Connect(ref(x1, "out"), ref(y, "in")))
	require.ErrorIs(t, g.CanConnect(ref(x2, "out"), ref(y, "in")), ErrInputOccupied)
	require.ErrorIs(t, g.Connect(ref(x2, "out"), ref(y, "in")), ErrInputOccupied)

	require.NoError(t, g.Replace(ref(x2, "out"), ref(y, "in")))
	e, ok := g.Source(ref(y, "in"))
	require.True(t, ok)
	require.Equal(t, ref(x2, "out"), e.From)
	require.Empty(t, g.Targets(ref(x1, "out")))

	avail, err := g.AvailableTypes(ref(x1, "out"))
	require.NoError(t, err)
	require.Equal(t, ports.SetOf(ports.KindNumber, ports.KindVector3), avail, "x1 is unpinned again")
}

func TestConnectDisconnectRoundTrip(t *testing.T) {
	g := newTestGraph(t)
	x := place(t, g, "source")
	y := place(t, g, "num_sink")
	in := ref(y, "in")

	cfgBefore, _ := g.Config(in)
	kindBefore, _ := g.ResolvedKind(in)
	availBefore, _ := g.AvailableTypes(in)

	require.NoError(t, g.Connect(ref(x, "out"), in))
	wired, _ := g.Config(in)
	require.True(t, wired.Wired())
	require.Equal(t, ports.Number(5), wired.Static, "static value retained while wired")

	require.NoError(t, g.Disconnect(in))
	cfgAfter, _ := g.Config(in)
	kindAfter, _ := g.ResolvedKind(in)
	availAfter, _ := g.AvailableTypes(in)
	require.Equal(t, cfgBefore, cfgAfter)
	require.Equal(t, kindBefore, kindAfter)
	require.Equal(t, availBefore, availAfter)

	require.ErrorIs(t, g.Disconnect(in), ErrNotConnected)
}

func TestGroupRoundTripRestoresSiblings(t *testing.T) {
	g := newTestGraph(t)
	txt := place(t, g, "text_source")
	c := place(t, g, "compare")
	a, b := ref(c, "a"), ref(c, "b")

	bCfg, _ := g.Config(b)
	k, _ := g.ResolvedKind(b)
	require.Equal(t, ports.KindNumber, k)

	require.NoError(t, g.Connect(ref(txt, "out"), a))
	ka, _ := g.ResolvedKind(a)
	kb, _ := g.ResolvedKind(b)
	require.Equal(t, ports.KindString, ka)
	require.Equal(t, ports.KindString, kb)
	avail, _ := g.AvailableTypes(b)
	require.Equal(t, ports.SetOf(ports.KindString), avail)

	require.NoError(t, g.Disconnect(a))
	ka, _ = g.ResolvedKind(a)
	kb, _ = g.ResolvedKind(b)
	require.Equal(t, ports.KindNumber, ka)
	require.Equal(t, ports.KindNumber, kb)
	after, _ := g.Config(b)
	require.Equal(t, bCfg, after)
}

func TestGroupSetConfigResetsSiblings(t *testing.T) {
	g := newTestGraph(t)
	c := place(t, g, "compare")
	a, b := ref(c, "a"), ref(c, "b")

	require.NoError(t, g.SetConfig(a, ports.StaticConfig(ports.String("abc"))))
	cb, _ := g.Config(b)
	require.Equal(t, ports.StaticConfig(ports.String("")), cb)
	kb, _ := g.ResolvedKind(b)
	require.Equal(t, ports.KindString, kb)

	err := g.SetConfig(a, ports.StaticConfig(ports.Vec(1, 2, 3)))
	require.ErrorIs(t, err, ErrIncompatible)
	require.ErrorIs(t, g.SetConfig(a, ports.StaticConfig(ports.Number(1)).Wire()), ErrWireConfig)
}

func TestGroupWireBlocksMismatchedSibling(t *testing.T) {
	g := newTestGraph(t)
	txt := place(t, g, "text_source")
	flag := place(t, g, "flag_source")
	c := place(t, g, "compare")

	require.NoError(t, g.Connect(ref(txt, "out"), ref(c, "a")))
	require.ErrorIs(t, g.Connect(ref(flag, "out"), ref(c, "b")), ErrIncompatible)
	require.ErrorIs(t, g.SetConfig(ref(c, "b"), ports.StaticConfig(ports.Bool(true))), ErrIncompatible)
	require.NoError(t, g.SetConfig(ref(c, "b"), ports.StaticConfig(ports.String("x"))))
}

func TestSelfLoopInsideGroupRejected(t *testing.T) {
	g := newTestGraph(t)
	ad := place(t, g, "adder")
	require.ErrorIs(t, g.Connect(ref(ad, "sum"), ref(ad, "a")), ErrSelfLoop)
}

func TestUnknownPortAndDirection(t *testing.T) {
	g := newTestGraph(t)
	x := place(t, g, "source")
	y := place(t, g, "num_sink")
	require.ErrorIs(t, g.Connect(ref(x, "nope"), ref(y, "in")), ErrUnknownPort)
	require.ErrorIs(t, g.Connect(ref(y, "in"), ref(x, "out")), ErrUnknownPort)
	require.ErrorIs(t, g.Connect(ref(uuid.New(), "out"), ref(y, "in")), ErrUnknownPort)
	require.ErrorIs(t, g.AddBlock(x, "source", nil), ErrDuplicateBlock)
	require.ErrorIs(t, g.AddBlock(uuid.New(), "warp_drive", nil), ErrUnknownKind)
}

func TestRemoveBlockUnwiresTargets(t *testing.T) {
	g := newTestGraph(t)
	x := place(t, g, "source")
	y := place(t, g, "num_sink")
	require.NoError(t, g.Connect(ref(x, "out"), ref(y, "in")))

	var events []Event
	g.OnEvent(func(ev Event) { events = append(events, ev) })
	require.NoError(t, g.RemoveBlock(x))

	require.False(t, g.HasBlock(x))
	require.Empty(t, g.Wires())
	cfg, _ := g.Config(ref(y, "in"))
	require.Equal(t, ports.StaticConfig(ports.Number(5)), cfg)
	require.NotEmpty(t, events)
	require.Equal(t, EventDisconnected, events[0].Kind)
	require.Equal(t, ref(y, "in"), events[0].Port)
	require.Equal(t, []uuid.UUID{y}, g.Blocks())
}

func TestEventsOnConnect(t *testing.T) {
	g := newTestGraph(t)
	txt := place(t, g, "text_source")
	c := place(t, g, "compare")

	var events []Event
	g.OnEvent(func(ev Event) { events = append(events, ev) })
	require.NoError(t, g.Connect(ref(txt, "out"), ref(c, "a")))

	require.Equal(t, EventConnected, events[0].Kind)
	retyped := map[PortRef]ports.Kind{}
	for _, ev := range events[1:] {
		require.Equal(t, EventRetyped, ev.Kind)
		retyped[ev.Port] = ev.Type
	}
	require.Equal(t, map[PortRef]ports.Kind{
		ref(c, "a"): ports.KindString,
		ref(c, "b"): ports.KindString,
	}, retyped)
}

func TestGroupInvariantUnderRandomEdits(t *testing.T) {
	g := newTestGraph(t)
	var outs []PortRef
	for _, kind := range []string{"source", "text_source", "flag_source"} {
		outs = append(outs, ref(place(t, g, kind), "out"))
	}
	c1 := place(t, g, "compare")
	c2 := place(t, g, "compare")
	ad := place(t, g, "adder")
	outs = append(outs, ref(c1, "result"), ref(c2, "result"), ref(ad, "sum"))
	ins := []PortRef{ref(c1, "a"), ref(c1, "b"), ref(c2, "a"), ref(c2, "b"), ref(ad, "a"), ref(ad, "b")}
	values := []ports.Value{ports.Number(2), ports.String("s"), ports.Bool(true), ports.Vec(1, 0, 0)}

	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 2000; step++ {
		in := ins[rng.Intn(len(ins))]
		switch rng.Intn(4) {
		case 0:
			_ = g.Connect(outs[rng.Intn(len(outs))], in)
		case 1:
			_ = g.Replace(outs[rng.Intn(len(outs))], in)
		case 2:
			_ = g.Disconnect(in)
		case 3:
			_ = g.SetConfig(in, ports.StaticConfig(values[rng.Intn(len(values))]))
		}

		for _, blk := range []uuid.UUID{c1, c2, ad} {
			ka, _ := g.ResolvedKind(ref(blk, "a"))
			kb, _ := g.ResolvedKind(ref(blk, "b"))
			require.Equal(t, ka, kb, fmt.Sprintf("step %d: group diverged on %s", step, blk))
		}
		ks, _ := g.ResolvedKind(ref(ad, "sum"))
		ka, _ := g.ResolvedKind(ref(ad, "a"))
		require.Equal(t, ka, ks, "step %d", step)
		for _, e := range g.Wires() {
			kf, _ := g.ResolvedKind(e.From)
			kt, _ := g.ResolvedKind(e.To)
			require.Equal(t, e.Kind, kf, "step %d: %s", step, e.From)
			require.Equal(t, e.Kind, kt, "step %d: %s", step, e.To)
		}
	}
}
