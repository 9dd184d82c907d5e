package plot

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/ports"
	"blockwire.ai/internal/sim/wiring"
)

const dt = 0.05

func loadCatalog(t *testing.T) *catalogs.Catalog {
	t.Helper()
	cat, err := catalogs.Load("../../../configs")
	require.NoError(t, err)
	return cat
}

func newTestPlot(t *testing.T, opts Options) *Plot {
	t.Helper()
	if opts.World == nil {
		opts.World = logic.NewFlatWorld()
	}
	if opts.DoublePressWindow == 0 {
		opts.DoublePressWindow = 300 * time.Millisecond
	}
	return New(uuid.New(), loadCatalog(t), opts)
}

func place(t *testing.T, p *Plot, kind string, statics map[string]ports.Value) uuid.UUID {
	t.Helper()
	id := uuid.New()
	var cfgs map[string]ports.ConfigValue
	if len(statics) > 0 {
		cfgs = map[string]ports.ConfigValue{}
		for port, v := range statics {
			cfgs[port] = ports.StaticConfig(v)
		}
	}
	require.NoError(t, p.OnBlockPlaced(id, kind, Transform{}, cfgs))
	return id
}

func ref(id uuid.UUID, port string) wiring.PortRef { return wiring.PortRef{Block: id, Port: port} }

func value(t *testing.T, p *Plot, id uuid.UUID, port string) ports.Value {
	t.Helper()
	v, err := p.GetResolvedValue(id, port)
	require.NoError(t, err)
	return v
}

func TestCatalogCoversEveryBuiltin(t *testing.T) {
	cat := loadCatalog(t)
	for _, kind := range logic.Builtins().Kinds() {
		_, ok := cat.Block(kind)
		require.True(t, ok, "catalog has no block %q", kind)
	}
}

func TestDivideByZeroBurnsUntilRebuilt(t *testing.T) {
	var burns []*logic.BurnError
	p := newTestPlot(t, Options{OnBurn: func(be *logic.BurnError) { burns = append(burns, be) }})
	div := place(t, p, "divide", map[string]ports.Value{"a": ports.Number(6), "b": ports.Number(0)})
	txt := place(t, p, "to_string", nil)
	require.NoError(t, p.TryConnect(ref(div, "result"), ref(txt, "value")))

	st := p.Step(dt, nil)
	require.Equal(t, uint64(1), st.Tick)
	require.Equal(t, 1, st.Burned)
	require.True(t, value(t, p, div, "result").IsGarbage())
	require.Len(t, burns, 1)
	require.Equal(t, "divide", burns[0].Kind)
	require.ErrorIs(t, burns[0], logic.ErrDivideByZero)

	// Garbage flows downstream without burning the reader.
	st = p.Step(dt, nil)
	require.Zero(t, st.Burned)
	require.True(t, value(t, p, txt, "text").IsGarbage())
	n, ok := p.Node(txt)
	require.True(t, ok)
	require.Nil(t, n.Burned())

	require.NoError(t, p.TrySetStaticConfig(div, "b", ports.Number(2)))
	for i := 0; i < 3; i++ {
		st = p.Step(dt, nil)
		require.Zero(t, st.Burned)
		require.True(t, value(t, p, div, "result").IsGarbage())
	}
	require.Len(t, burns, 1)
	n, _ = p.Node(div)
	require.NotNil(t, n.Burned())
}

func TestBurnClearsWhenBlockIsRebuilt(t *testing.T) {
	p := newTestPlot(t, Options{})
	div := place(t, p, "divide", map[string]ports.Value{"a": ports.Number(6), "b": ports.Number(0)})
	p.Step(dt, nil)
	require.True(t, value(t, p, div, "result").IsGarbage())

	require.NoError(t, p.OnBlockDestroyed(div))
	require.NoError(t, p.OnBlockPlaced(div, "divide", Transform{}, map[string]ports.ConfigValue{
		"a": ports.StaticConfig(ports.Number(6)),
		"b": ports.StaticConfig(ports.Number(2)),
	}))
	n, ok := p.Node(div)
	require.True(t, ok)
	require.Nil(t, n.Burned())

	st := p.Step(dt, nil)
	require.Zero(t, st.Burned)
	require.Equal(t, ports.Number(3), value(t, p, div, "result"))
}

func TestGarbageOnUnsubscribedInputReachesOutputs(t *testing.T) {
	p := newTestPlot(t, Options{})
	div := place(t, p, "divide", map[string]ports.Value{"a": ports.Number(6), "b": ports.Number(0)})
	ctr := place(t, p, "counter", map[string]ports.Value{"increment": ports.Bool(true)})
	require.NoError(t, p.TryConnect(ref(div, "result"), ref(ctr, "step")))

	for i := 0; i < 5; i++ {
		p.Step(dt, nil)
	}
	require.True(t, value(t, p, ctr, "count").IsGarbage())
	n, ok := p.Node(ctr)
	require.True(t, ok)
	require.Nil(t, n.Burned())
}

func TestGarbageReachesStepAfterCounterRan(t *testing.T) {
	p := newTestPlot(t, Options{})
	div := place(t, p, "divide", map[string]ports.Value{"a": ports.Number(6), "b": ports.Number(3)})
	ctr := place(t, p, "counter", map[string]ports.Value{"increment": ports.Bool(true)})
	require.NoError(t, p.TryConnect(ref(div, "result"), ref(ctr, "step")))
	for i := 0; i < 3; i++ {
		p.Step(dt, nil)
	}
	require.Equal(t, ports.Number(0), value(t, p, ctr, "count"))

	require.NoError(t, p.TrySetStaticConfig(div, "b", ports.Number(0)))
	for i := 0; i < 3; i++ {
		p.Step(dt, nil)
	}
	require.True(t, value(t, p, div, "result").IsGarbage())
	require.True(t, value(t, p, ctr, "count").IsGarbage())
}

func TestWiredValueIsClampedAtTheInput(t *testing.T) {
	var burns []*logic.BurnError
	p := newTestPlot(t, Options{OnBurn: func(be *logic.BurnError) { burns = append(burns, be) }})
	add := place(t, p, "add", map[string]ports.Value{"a": ports.Number(100), "b": ports.Number(50)})
	th := place(t, p, "thruster", nil)
	require.NoError(t, p.TryConnect(ref(add, "result"), ref(th, "power")))

	for i := 0; i < 3; i++ {
		p.Step(dt, nil)
	}
	require.Equal(t, ports.Number(150), value(t, p, add, "result"))
	require.Equal(t, ports.Number(100), value(t, p, th, "power"))
	require.Empty(t, burns)
	n, ok := p.Node(th)
	require.True(t, ok)
	require.Nil(t, n.Burned())
}

func TestValuesMoveOneWireHopPerTick(t *testing.T) {
	p := newTestPlot(t, Options{})
	a := place(t, p, "add", map[string]ports.Value{"a": ports.Number(1), "b": ports.Number(2)})
	b := place(t, p, "add", nil)
	c := place(t, p, "add", nil)
	require.NoError(t, p.TryConnect(ref(a, "result"), ref(b, "a")))
	require.NoError(t, p.TryConnect(ref(b, "result"), ref(c, "a")))

	p.Step(dt, nil)
	require.Equal(t, ports.Number(3), value(t, p, a, "result"))
	require.False(t, value(t, p, b, "result").IsSet())
	require.True(t, value(t, p, b, "a").IsAvailableLater())

	p.Step(dt, nil)
	require.Equal(t, ports.Number(3), value(t, p, b, "result"))
	require.False(t, value(t, p, c, "result").IsSet())

	p.Step(dt, nil)
	require.Equal(t, ports.Number(3), value(t, p, c, "result"))

	// A change upstream takes the same path.
	require.NoError(t, p.TrySetStaticConfig(a, "a", ports.Number(10)))
	p.Step(dt, nil)
	require.Equal(t, ports.Number(12), value(t, p, a, "result"))
	require.Equal(t, ports.Number(3), value(t, p, c, "result"))
	p.Step(dt, nil)
	p.Step(dt, nil)
	require.Equal(t, ports.Number(12), value(t, p, c, "result"))
}

func TestAvailableLaterKeepsPreviousOutputs(t *testing.T) {
	p := newTestPlot(t, Options{})
	a := place(t, p, "add", map[string]ports.Value{"a": ports.Number(1), "b": ports.Number(2)})
	b := place(t, p, "add", nil)
	require.NoError(t, p.TryConnect(ref(a, "result"), ref(b, "a")))
	p.Step(dt, nil)
	p.Step(dt, nil)
	require.Equal(t, ports.Number(3), value(t, p, b, "result"))

	// The new source has not computed yet when b reads it.
	late := place(t, p, "add", map[string]ports.Value{"a": ports.Number(5)})
	require.NoError(t, p.OnWireConnected(ref(late, "result"), ref(b, "a")))
	p.Step(dt, nil)
	require.True(t, value(t, p, b, "a").IsAvailableLater())
	require.Equal(t, ports.Number(3), value(t, p, b, "result"))

	p.Step(dt, nil)
	require.Equal(t, ports.Number(5), value(t, p, b, "result"))
}

func TestUnwiringRevertsToStatic(t *testing.T) {
	p := newTestPlot(t, Options{})
	a := place(t, p, "add", map[string]ports.Value{"a": ports.Number(1), "b": ports.Number(2)})
	b := place(t, p, "add", map[string]ports.Value{"a": ports.Number(5)})
	require.NoError(t, p.TryConnect(ref(a, "result"), ref(b, "a")))
	p.Step(dt, nil)
	p.Step(dt, nil)
	require.Equal(t, ports.Number(3), value(t, p, b, "result"))

	require.NoError(t, p.TryDisconnect(ref(b, "a")))
	p.Step(dt, nil)
	require.Equal(t, ports.Number(5), value(t, p, b, "result"))

	require.NoError(t, p.TryConnect(ref(a, "result"), ref(b, "a")))
	p.Step(dt, nil)
	require.Equal(t, ports.Number(3), value(t, p, b, "result"))

	require.NoError(t, p.OnBlockDestroyed(a))
	p.Step(dt, nil)
	require.Equal(t, ports.Number(5), value(t, p, b, "result"))
	_, err := p.GetResolvedValue(a, "result")
	require.ErrorIs(t, err, wiring.ErrUnknownPort)
	require.ErrorIs(t, p.OnBlockDestroyed(a), ErrUnknownBlock)
}

func TestTryConnectRejectsOccupiedAndIncompatible(t *testing.T) {
	p := newTestPlot(t, Options{})
	a := place(t, p, "add", nil)
	b := place(t, p, "add", nil)
	cmp := place(t, p, "compare", nil)
	vec := place(t, p, "vector_compose", nil)
	require.NoError(t, p.TryConnect(ref(a, "result"), ref(b, "a")))

	err := p.TryConnect(ref(cmp, "result"), ref(b, "a"))
	require.ErrorIs(t, err, wiring.ErrInputOccupied)
	require.NotEmpty(t, wiring.Reason(err))

	require.ErrorIs(t, p.TryConnect(ref(vec, "vector"), ref(cmp, "a")), wiring.ErrIncompatible)
	require.Len(t, p.Graph().Wires(), 1)
}

func TestGroupNarrowsToWiredVector(t *testing.T) {
	p := newTestPlot(t, Options{})
	vec := place(t, p, "vector_compose", map[string]ports.Value{
		"x": ports.Number(1), "y": ports.Number(2), "z": ports.Number(3),
	})
	sum := place(t, p, "add", nil)
	require.NoError(t, p.TryConnect(ref(vec, "vector"), ref(sum, "a")))

	ts, err := p.GetAvailableTypes(sum, "result")
	require.NoError(t, err)
	require.Equal(t, ports.SetOf(ports.KindVector3), ts)
	ts, err = p.GetAvailableTypes(sum, "b")
	require.NoError(t, err)
	require.Equal(t, ports.SetOf(ports.KindVector3), ts)

	p.Step(dt, nil)
	p.Step(dt, nil)
	require.True(t, value(t, p, sum, "result").Equal(ports.Vec(1, 2, 3)))
}

func TestDisabledBlockHoldsUntilResumed(t *testing.T) {
	p := newTestPlot(t, Options{})
	a := place(t, p, "add", map[string]ports.Value{"a": ports.Number(1), "b": ports.Number(2)})
	b := place(t, p, "add", nil)
	require.NoError(t, p.TryConnect(ref(a, "result"), ref(b, "a")))
	p.Step(dt, nil)
	p.Step(dt, nil)

	require.NoError(t, p.SetEnabled(b, false))
	require.NoError(t, p.TrySetStaticConfig(a, "a", ports.Number(10)))
	for i := 0; i < 3; i++ {
		p.Step(dt, nil)
	}
	require.Equal(t, ports.Number(3), value(t, p, b, "result"))

	require.NoError(t, p.SetEnabled(b, true))
	p.Step(dt, nil)
	require.Equal(t, ports.Number(12), value(t, p, b, "result"))
	require.ErrorIs(t, p.SetEnabled(uuid.New(), true), ErrUnknownBlock)
}

func TestSensorsSampleEveryTick(t *testing.T) {
	w := logic.NewFlatWorld()
	p := newTestPlot(t, Options{World: w})
	id := uuid.New()
	require.NoError(t, p.OnBlockPlaced(id, "altimeter", Transform{Position: mgl64.Vec3{0, 12, 0}}, nil))

	p.Step(dt, nil)
	require.Equal(t, ports.Number(12), value(t, p, id, "altitude"))

	w.Place(id, mgl64.Vec3{0, 20, 0})
	st := p.Step(dt, nil)
	require.Equal(t, 1, st.Invoked)
	require.Equal(t, ports.Number(20), value(t, p, id, "altitude"))

	require.NoError(t, p.OnBlockDestroyed(id))
	require.Equal(t, mgl64.Vec3{}, w.Position(id))
}

func TestPlotBlockLimit(t *testing.T) {
	p := newTestPlot(t, Options{MaxBlocks: 1})
	place(t, p, "add", nil)
	err := p.OnBlockPlaced(uuid.New(), "add", Transform{}, nil)
	require.ErrorIs(t, err, ErrPlotFull)
	require.ErrorIs(t, p.OnBlockPlaced(uuid.New(), "nope", Transform{}, nil), ErrPlotFull)
	require.Equal(t, 1, p.Len())
}

func TestUnknownKindRejected(t *testing.T) {
	p := newTestPlot(t, Options{})
	require.ErrorIs(t, p.OnBlockPlaced(uuid.New(), "nope", Transform{}, nil), wiring.ErrUnknownKind)
	require.Zero(t, p.Len())
}
