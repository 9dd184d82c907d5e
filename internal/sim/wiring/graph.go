// Package wiring holds the plot-wide wire graph: one marker per placed port,
// one edge list for the connection relation, and the type negotiation that
// decides which wires may exist.
package wiring

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/ports"
)

var (
	ErrIncompatible   = errors.New("incompatible types")
	ErrInputOccupied  = errors.New("input already connected")
	ErrInterplot      = errors.New("Interplot connections are not supported")
	ErrUnknownPort    = errors.New("unknown port")
	ErrNotConnected   = errors.New("input is not connected")
	ErrSelfLoop       = errors.New("output cannot be connected to itself")
	ErrUnknownKind    = errors.New("unknown block kind")
	ErrDuplicateBlock = errors.New("block already placed")
	ErrWireConfig     = errors.New("wire state is set by connecting")
)

var reasons = []error{
	ErrIncompatible, ErrInputOccupied, ErrInterplot, ErrUnknownPort, ErrNotConnected,
	ErrSelfLoop, ErrUnknownKind, ErrDuplicateBlock, ErrWireConfig,
}

// Reason returns the user-facing text for a graph error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r) {
			return r.Error()
		}
	}
	return err.Error()
}

type Direction uint8

const (
	Input Direction = iota + 1
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Marker is the runtime endpoint of one placed block's port.
type Marker struct {
	Ref      PortRef
	Dir      Direction
	Declared ports.TypeSet
	Group    string
}

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventRetyped
	EventConfigured
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRetyped:
		return "retyped"
	case EventConfigured:
		return "configured"
	}
	return "unknown"
}

// Event is a change notification. Edge is set for connect and disconnect;
// Type is the new resolved kind for retype.
type Event struct {
	Kind EventKind
	Port PortRef
	Edge Edge
	Type ports.Kind
}

type Listener func(Event)

type block struct {
	id      uuid.UUID
	kind    string
	def     catalogs.BlockDef
	markers map[string]Marker
	order   []string
	configs map[string]ports.ConfigValue
	groups  map[string][]string
	anchors map[string]ports.Kind
}

// Graph is not safe for concurrent use; it is owned by one session loop.
type Graph struct {
	catalog   *catalogs.Catalog
	blocks    map[uuid.UUID]*block
	order     []uuid.UUID
	edges     EdgeList
	listeners []Listener
}

func NewGraph(cat *catalogs.Catalog) *Graph {
	return &Graph{
		catalog: cat,
		blocks:  map[uuid.UUID]*block{},
		edges:   newEdgeList(),
	}
}

func (g *Graph) Catalog() *catalogs.Catalog { return g.catalog }

// OnEvent registers a listener. Listeners run synchronously, in order.
func (g *Graph) OnEvent(l Listener) { g.listeners = append(g.listeners, l) }

func (g *Graph) emit(ev Event) {
	for _, l := range g.listeners {
		l(ev)
	}
}

// AddBlock places a block. configs may override the catalog defaults of any
// input; wire state cannot be set this way.
func (g *Graph) AddBlock(id uuid.UUID, kind string, configs map[string]ports.ConfigValue) error {
	if _, dup := g.blocks[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateBlock, id)
	}
	def, ok := g.catalog.Block(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	b := &block{
		id:      id,
		kind:    kind,
		def:     def,
		markers: map[string]Marker{},
		configs: map[string]ports.ConfigValue{},
		groups:  map[string][]string{},
		anchors: map[string]ports.Kind{},
	}
	for _, in := range def.Inputs {
		b.markers[in.ID] = Marker{Ref: PortRef{id, in.ID}, Dir: Input, Declared: in.Types, Group: in.Group}
		b.order = append(b.order, in.ID)
		cfg := in.Default
		if c, ok := configs[in.ID]; ok {
			if c.Wired() {
				return fmt.Errorf("%s: %w", in.ID, ErrWireConfig)
			}
			if err := c.Validate(); err != nil {
				return fmt.Errorf("%s: %w", in.ID, err)
			}
			if !in.Types.Has(c.Type) {
				return fmt.Errorf("%s: %w: %s not in %s", in.ID, ErrIncompatible, c.Type, in.Types)
			}
			cfg = c
		}
		b.configs[in.ID] = cfg
		if in.Group != "" {
			if _, set := b.anchors[in.Group]; !set {
				b.anchors[in.Group] = cfg.Type
			}
		}
	}
	for _, out := range def.Outputs {
		b.markers[out.ID] = Marker{Ref: PortRef{id, out.ID}, Dir: Output, Declared: out.Types, Group: out.Group}
		b.order = append(b.order, out.ID)
	}
	for _, p := range b.order {
		if grp := b.markers[p].Group; grp != "" {
			b.groups[grp] = append(b.groups[grp], p)
		}
	}
	for p := range configs {
		if _, ok := def.Input(p); !ok {
			return fmt.Errorf("%w: %s has no input %q", ErrUnknownPort, kind, p)
		}
	}
	g.blocks[id] = b
	g.order = append(g.order, id)
	return nil
}

// RemoveBlock drops the block's markers and every wire touching them.
func (g *Graph) RemoveBlock(id uuid.UUID) error {
	b, ok := g.blocks[id]
	if !ok {
		return fmt.Errorf("%w: block %s", ErrUnknownPort, id)
	}
	neighbours := map[uuid.UUID]bool{}
	for _, p := range b.order {
		ref := PortRef{id, p}
		if e, ok := g.edges.Source(ref); ok {
			neighbours[e.From.Block] = true
		}
		for _, e := range g.edges.Targets(ref) {
			neighbours[e.To.Block] = true
		}
	}
	delete(neighbours, id)
	before := g.snapshot(keys(neighbours)...)

	var dropped []Edge
	for _, p := range b.order {
		ref := PortRef{id, p}
		if b.markers[p].Dir == Input {
			if e, ok := g.edges.remove(ref); ok {
				dropped = append(dropped, e)
			}
			continue
		}
		for _, e := range g.edges.Targets(ref) {
			g.edges.remove(e.To)
			if tb := g.blocks[e.To.Block]; tb != nil && tb != b {
				tb.configs[e.To.Port] = tb.configs[e.To.Port].Unwire()
			}
			dropped = append(dropped, e)
		}
	}
	delete(g.blocks, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for _, e := range dropped {
		g.emit(Event{Kind: EventDisconnected, Port: e.To, Edge: e})
	}
	g.emitRetyped(before)
	return nil
}

func keys(m map[uuid.UUID]bool) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func (g *Graph) HasBlock(id uuid.UUID) bool {
	_, ok := g.blocks[id]
	return ok
}

// Blocks returns block ids in placement order.
func (g *Graph) Blocks() []uuid.UUID { return append([]uuid.UUID(nil), g.order...) }

func (g *Graph) Len() int { return len(g.order) }

func (g *Graph) Kind(id uuid.UUID) (string, bool) {
	b, ok := g.blocks[id]
	if !ok {
		return "", false
	}
	return b.kind, true
}

func (g *Graph) Def(id uuid.UUID) (catalogs.BlockDef, bool) {
	b, ok := g.blocks[id]
	if !ok {
		return catalogs.BlockDef{}, false
	}
	return b.def, true
}

func (g *Graph) Marker(ref PortRef) (Marker, bool) {
	b, ok := g.blocks[ref.Block]
	if !ok {
		return Marker{}, false
	}
	m, ok := b.markers[ref.Port]
	return m, ok
}

// Markers returns a block's markers, inputs first, in declaration order.
func (g *Graph) Markers(id uuid.UUID) []Marker {
	b, ok := g.blocks[id]
	if !ok {
		return nil
	}
	out := make([]Marker, 0, len(b.order))
	for _, p := range b.order {
		out = append(out, b.markers[p])
	}
	return out
}

func (g *Graph) Config(in PortRef) (ports.ConfigValue, bool) {
	b, ok := g.blocks[in.Block]
	if !ok {
		return ports.ConfigValue{}, false
	}
	c, ok := b.configs[in.Port]
	return c, ok
}

func (g *Graph) Source(in PortRef) (Edge, bool) { return g.edges.Source(in) }
func (g *Graph) Targets(out PortRef) []Edge     { return g.edges.Targets(out) }
func (g *Graph) Wires() []Edge                  { return g.edges.All() }

func (g *Graph) lookup(ref PortRef, want Direction) (*block, Marker, error) {
	b, ok := g.blocks[ref.Block]
	if !ok {
		return nil, Marker{}, fmt.Errorf("%w: block %s", ErrUnknownPort, ref.Block)
	}
	m, ok := b.markers[ref.Port]
	if !ok {
		return nil, Marker{}, fmt.Errorf("%w: %s has no port %q", ErrUnknownPort, b.kind, ref.Port)
	}
	if want != 0 && m.Dir != want {
		return nil, Marker{}, fmt.Errorf("%w: %s is not an %s", ErrUnknownPort, ref, want)
	}
	return b, m, nil
}
