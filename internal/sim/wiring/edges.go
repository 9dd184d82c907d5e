package wiring

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"blockwire.ai/internal/sim/ports"
)

// PortRef names one port of one placed block.
type PortRef struct {
	Block uuid.UUID `json:"block"`
	Port  string    `json:"port"`
}

func (r PortRef) String() string { return r.Block.String() + "/" + r.Port }

// Less orders refs by block id, then port id.
func (r PortRef) Less(o PortRef) bool {
	if c := bytes.Compare(r.Block[:], o.Block[:]); c != 0 {
		return c < 0
	}
	return r.Port < o.Port
}

// Edge is one live wire. Kind is the type pinned when the wire was drawn.
type Edge struct {
	From PortRef    `json:"from"`
	To   PortRef    `json:"to"`
	Kind ports.Kind `json:"kind"`
}

// EdgeList stores the connection relation once and indexes it both ways.
// An input has at most one edge.
type EdgeList struct {
	byInput  map[PortRef]Edge
	byOutput map[PortRef]map[PortRef]struct{}
}

func newEdgeList() EdgeList {
	return EdgeList{
		byInput:  map[PortRef]Edge{},
		byOutput: map[PortRef]map[PortRef]struct{}{},
	}
}

func (l *EdgeList) add(e Edge) {
	l.byInput[e.To] = e
	t := l.byOutput[e.From]
	if t == nil {
		t = map[PortRef]struct{}{}
		l.byOutput[e.From] = t
	}
	t[e.To] = struct{}{}
}

func (l *EdgeList) remove(in PortRef) (Edge, bool) {
	e, ok := l.byInput[in]
	if !ok {
		return Edge{}, false
	}
	delete(l.byInput, in)
	if t := l.byOutput[e.From]; t != nil {
		delete(t, in)
		if len(t) == 0 {
			delete(l.byOutput, e.From)
		}
	}
	return e, true
}

// Source returns the edge feeding in.
func (l *EdgeList) Source(in PortRef) (Edge, bool) {
	e, ok := l.byInput[in]
	return e, ok
}

// Targets returns the edges leaving out, ordered by target.
func (l *EdgeList) Targets(out PortRef) []Edge {
	t := l.byOutput[out]
	if len(t) == 0 {
		return nil
	}
	edges := make([]Edge, 0, len(t))
	for in := range t {
		edges = append(edges, l.byInput[in])
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].To.Less(edges[j].To) })
	return edges
}

// Connected reports whether out backs at least one input.
func (l *EdgeList) Connected(out PortRef) bool { return len(l.byOutput[out]) > 0 }

// pin returns the kind shared by every wire leaving out.
func (l *EdgeList) pin(out PortRef) (ports.Kind, bool) {
	for in := range l.byOutput[out] {
		return l.byInput[in].Kind, true
	}
	return ports.KindUnset, false
}

func (l *EdgeList) Len() int { return len(l.byInput) }

// All returns every edge ordered by source then target.
func (l *EdgeList) All() []Edge {
	edges := make([]Edge, 0, len(l.byInput))
	for _, e := range l.byInput {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From.Less(edges[j].From)
		}
		return edges[i].To.Less(edges[j].To)
	})
	return edges
}
