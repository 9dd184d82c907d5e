// Package plot runs the logic of one player plot: it owns the wire graph, the
// value resolver and one logic node per placed block, and advances them tick
// by tick.
package plot

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/ports"
	"blockwire.ai/internal/sim/resolve"
	"blockwire.ai/internal/sim/wiring"
	"blockwire.ai/internal/telemetry"
)

var (
	ErrPlotFull     = errors.New("plot block limit reached")
	ErrUnknownBlock = errors.New("unknown block")
)

// Transform places a block in the world.
type Transform struct {
	Position mgl64.Vec3 `json:"position"`
	Rotation mgl64.Vec3 `json:"rotation"`
}

// Placer is implemented by worlds that track block positions.
type Placer interface {
	Place(block uuid.UUID, pos mgl64.Vec3)
	Remove(block uuid.UUID)
}

type Options struct {
	Registry          *logic.Registry
	World             logic.World
	Channels          *logic.Channels
	DoublePressWindow time.Duration
	ScriptTimeout     time.Duration
	MaxBlocks         int
	OnBurn            func(*logic.BurnError)
	Metrics           *telemetry.Metrics
}

// Plot is not safe for concurrent use; a Session serializes access.
type Plot struct {
	id      uuid.UUID
	opts    Options
	graph   *wiring.Graph
	engine  *resolve.Engine
	nodes   map[uuid.UUID]*logic.Node
	placed  map[uuid.UUID]Transform
	fresh   map[uuid.UUID]bool
	dirty   map[wiring.PortRef]bool
	tick    uint64
	now     time.Duration
	burnsIn int
}

func New(id uuid.UUID, cat *catalogs.Catalog, opts Options) *Plot {
	if opts.Registry == nil {
		opts.Registry = logic.Builtins()
	}
	g := wiring.NewGraph(cat)
	p := &Plot{
		id:     id,
		opts:   opts,
		graph:  g,
		engine: resolve.New(g, opts.DoublePressWindow),
		nodes:  map[uuid.UUID]*logic.Node{},
		placed: map[uuid.UUID]Transform{},
		fresh:  map[uuid.UUID]bool{},
		dirty:  map[wiring.PortRef]bool{},
	}
	g.OnEvent(p.onGraphEvent)
	return p
}

func (p *Plot) ID() uuid.UUID           { return p.id }
func (p *Plot) Graph() *wiring.Graph    { return p.graph }
func (p *Plot) Engine() *resolve.Engine { return p.engine }
func (p *Plot) Tick() uint64            { return p.tick }
func (p *Plot) Len() int                { return p.graph.Len() }

func (p *Plot) Node(id uuid.UUID) (*logic.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

func (p *Plot) Transform(id uuid.UUID) (Transform, bool) {
	t, ok := p.placed[id]
	return t, ok
}

func (p *Plot) onGraphEvent(ev wiring.Event) {
	switch ev.Kind {
	case wiring.EventConnected, wiring.EventDisconnected:
		p.dirty[ev.Edge.To] = true
	case wiring.EventRetyped, wiring.EventConfigured:
		if m, ok := p.graph.Marker(ev.Port); ok && m.Dir == wiring.Input {
			p.dirty[ev.Port] = true
		}
	}
}

func (p *Plot) markInputs(id uuid.UUID) {
	for _, m := range p.graph.Markers(id) {
		if m.Dir == wiring.Input {
			p.dirty[m.Ref] = true
		}
	}
}

// OnBlockPlaced binds a freshly placed block. configs override catalog
// defaults for the named inputs.
func (p *Plot) OnBlockPlaced(id uuid.UUID, kind string, tr Transform, configs map[string]ports.ConfigValue) error {
	if p.opts.MaxBlocks > 0 && p.graph.Len() >= p.opts.MaxBlocks {
		return fmt.Errorf("%w (%d)", ErrPlotFull, p.opts.MaxBlocks)
	}
	if err := p.graph.AddBlock(id, kind, configs); err != nil {
		return err
	}
	p.placed[id] = tr
	if pl, ok := p.opts.World.(Placer); ok {
		pl.Place(id, tr.Position)
	}
	if b, ok := p.opts.Registry.Lookup(kind); ok {
		p.nodes[id] = p.newNode(id, kind, b)
		p.fresh[id] = true
	}
	p.markInputs(id)
	return nil
}

func (p *Plot) newNode(id uuid.UUID, kind string, b logic.Behavior) *logic.Node {
	var outs []string
	for _, m := range p.graph.Markers(id) {
		if m.Dir == wiring.Output {
			outs = append(outs, m.Ref.Port)
		}
	}
	env := logic.Env{
		Block:         id,
		Kind:          kind,
		World:         p.opts.World,
		Channels:      p.opts.Channels,
		ScriptTimeout: p.opts.ScriptTimeout,
	}
	return logic.NewNode(b, env, logic.NodeOptions{
		Outputs: outs,
		Accepts: func(port string, k ports.Kind) bool {
			ts, err := p.graph.AvailableTypes(wiring.PortRef{Block: id, Port: port})
			return err == nil && ts.Has(k)
		},
		OnBurn: p.onBurn,
	})
}

func (p *Plot) onBurn(be *logic.BurnError) {
	p.burnsIn++
	p.opts.Metrics.Burned(be.Kind)
	if p.opts.OnBurn != nil {
		p.opts.OnBurn(be)
	}
}

// OnBlockDestroyed drops the block, its node and every wire touching it.
func (p *Plot) OnBlockDestroyed(id uuid.UUID) error {
	if !p.graph.HasBlock(id) {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	if n, ok := p.nodes[id]; ok {
		n.Destroy()
		delete(p.nodes, id)
	}
	if err := p.graph.RemoveBlock(id); err != nil {
		return err
	}
	p.engine.Forget(id)
	for ref := range p.dirty {
		if ref.Block == id {
			delete(p.dirty, ref)
		}
	}
	delete(p.fresh, id)
	delete(p.placed, id)
	if pl, ok := p.opts.World.(Placer); ok {
		pl.Remove(id)
	}
	return nil
}

// OnWireConnected applies a validated wire from the building layer,
// replacing any wire already on in.
func (p *Plot) OnWireConnected(out, in wiring.PortRef) error { return p.graph.Replace(out, in) }

func (p *Plot) OnWireDisconnected(in wiring.PortRef) error { return p.graph.Disconnect(in) }

func (p *Plot) OnConfigUpdated(id uuid.UUID, port string, cfg ports.ConfigValue) error {
	return p.graph.SetConfig(wiring.PortRef{Block: id, Port: port}, cfg)
}

// GetAvailableTypes is the set a GUI may offer for the port right now.
func (p *Plot) GetAvailableTypes(id uuid.UUID, port string) (ports.TypeSet, error) {
	return p.graph.AvailableTypes(wiring.PortRef{Block: id, Port: port})
}

// GetResolvedValue returns the current value of an input or output port.
func (p *Plot) GetResolvedValue(id uuid.UUID, port string) (ports.Value, error) {
	ref := wiring.PortRef{Block: id, Port: port}
	m, ok := p.graph.Marker(ref)
	if !ok {
		return ports.Value{}, fmt.Errorf("%w: %s", wiring.ErrUnknownPort, ref)
	}
	if m.Dir == wiring.Output {
		return p.engine.Output(ref), nil
	}
	return p.engine.Value(ref), nil
}

// TrySetStaticConfig stores a static value on an input. Failures leave the
// plot untouched; wiring.Reason gives the user-facing text.
func (p *Plot) TrySetStaticConfig(id uuid.UUID, port string, v ports.Value) error {
	return p.graph.SetConfig(wiring.PortRef{Block: id, Port: port}, ports.StaticConfig(v))
}

// TryConnect draws a wire only when in is free and the types agree.
func (p *Plot) TryConnect(out, in wiring.PortRef) error { return p.graph.Connect(out, in) }

func (p *Plot) TryDisconnect(in wiring.PortRef) error { return p.graph.Disconnect(in) }

// SetEnabled pauses a block. A disabled block loses its control state.
func (p *Plot) SetEnabled(id uuid.UUID, on bool) error {
	if !p.graph.HasBlock(id) {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	n, ok := p.nodes[id]
	if !ok {
		return nil
	}
	n.SetEnabled(on)
	if on {
		p.markInputs(id)
	} else {
		p.engine.DropMachines(id)
	}
	return nil
}
