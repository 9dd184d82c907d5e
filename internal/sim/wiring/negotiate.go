package wiring

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"blockwire.ai/internal/sim/ports"
)

// A marker is pinned while a wire touches it: a wired input, or an output
// backing at least one input. All wires leaving one output share its pin.
func (g *Graph) pinOf(m Marker) (ports.Kind, bool) {
	if m.Dir == Input {
		e, ok := g.edges.Source(m.Ref)
		return e.Kind, ok
	}
	return g.edges.pin(m.Ref)
}

// structural is what a marker forces on its group siblings.
func (g *Graph) structural(m Marker) ports.TypeSet {
	if k, ok := g.pinOf(m); ok {
		return ports.SetOf(k)
	}
	return m.Declared
}

func (g *Graph) hull(b *block, group, exclude string) ports.TypeSet {
	s := ports.AnyType
	for _, p := range b.groups[group] {
		if p == exclude {
			continue
		}
		s = s.Intersect(g.structural(b.markers[p]))
	}
	return s
}

// groupKind is the single kind every member of a group resolves to: the pin
// of any wired member, else the last configured kind, else the first kind
// all members accept.
func (g *Graph) groupKind(b *block, group string) ports.Kind {
	h := ports.AnyType
	for _, p := range b.groups[group] {
		m := b.markers[p]
		if k, ok := g.pinOf(m); ok {
			return k
		}
		h = h.Intersect(m.Declared)
	}
	if a := b.anchors[group]; h.Has(a) {
		return a
	}
	return h.First()
}

// open is the set a marker would accept if it carried no wire of its own.
func (g *Graph) open(b *block, m Marker) ports.TypeSet {
	if m.Group == "" {
		return m.Declared
	}
	return m.Declared.Intersect(g.hull(b, m.Group, m.Ref.Port))
}

// AvailableTypes is the set a port currently offers: the pinned kind while
// wired, otherwise its declared set narrowed by its group siblings.
func (g *Graph) AvailableTypes(ref PortRef) (ports.TypeSet, error) {
	b, m, err := g.lookup(ref, 0)
	if err != nil {
		return 0, err
	}
	return g.available(b, m), nil
}

func (g *Graph) available(b *block, m Marker) ports.TypeSet {
	if k, ok := g.pinOf(m); ok {
		return ports.SetOf(k)
	}
	return g.open(b, m)
}

// ResolvedKind is the one kind a port carries right now.
func (g *Graph) ResolvedKind(ref PortRef) (ports.Kind, error) {
	b, m, err := g.lookup(ref, 0)
	if err != nil {
		return ports.KindUnset, err
	}
	return g.resolved(b, m), nil
}

func (g *Graph) resolved(b *block, m Marker) ports.Kind {
	if k, ok := g.pinOf(m); ok {
		return k
	}
	if m.Group != "" {
		return g.groupKind(b, m.Group)
	}
	if m.Dir == Input {
		if t := b.configs[m.Ref.Port].Type; m.Declared.Has(t) {
			return t
		}
	}
	return m.Declared.First()
}

// CanConnect reports why out cannot feed in, or nil when it can.
func (g *Graph) CanConnect(out, in PortRef) error {
	_, err := g.check(out, in, false)
	return err
}

func (g *Graph) check(out, in PortRef, replace bool) (ports.Kind, error) {
	ob, om, err := g.lookup(out, Output)
	if err != nil {
		return ports.KindUnset, err
	}
	ib, im, err := g.lookup(in, Input)
	if err != nil {
		return ports.KindUnset, err
	}
	if ob == ib && om.Group != "" && om.Group == im.Group {
		return ports.KindUnset, fmt.Errorf("%w: %s -> %s", ErrSelfLoop, out, in)
	}
	if e, ok := g.edges.Source(in); ok {
		if !replace {
			return ports.KindUnset, fmt.Errorf("%w: %s", ErrInputOccupied, in)
		}
		if e.From == out {
			return e.Kind, nil
		}
	}
	outSet := g.available(ob, om)
	inSet := g.open(ib, im)
	c := outSet.Intersect(inSet)
	if c.Empty() {
		return ports.KindUnset, fmt.Errorf("%w: %s offers %s, %s accepts %s", ErrIncompatible, out, outSet, in, inSet)
	}
	if k, ok := g.pinOf(om); ok {
		return k, nil
	}
	if k := g.resolved(ob, om); c.Has(k) {
		return k, nil
	}
	if k := g.resolved(ib, im); c.Has(k) {
		return k, nil
	}
	return c.First(), nil
}

// Connect draws a wire from out to in. It fails, changing nothing, when the
// ports share no type or in already has a wire.
func (g *Graph) Connect(out, in PortRef) error { return g.connect(out, in, false) }

// Replace is Connect that first drops any wire already feeding in.
func (g *Graph) Replace(out, in PortRef) error { return g.connect(out, in, true) }

func (g *Graph) connect(out, in PortRef, replace bool) error {
	kind, err := g.check(out, in, replace)
	if err != nil {
		return err
	}
	old, had := g.edges.Source(in)
	if had && old.From == out {
		return nil
	}
	affected := []uuid.UUID{out.Block, in.Block}
	if had {
		affected = append(affected, old.From.Block)
	}
	before := g.snapshot(affected...)

	ib := g.blocks[in.Block]
	if had {
		g.edges.remove(in)
		g.emit(Event{Kind: EventDisconnected, Port: in, Edge: old})
	}
	ib.configs[in.Port] = ib.configs[in.Port].Wire()
	e := Edge{From: out, To: in, Kind: kind}
	g.edges.add(e)
	g.emit(Event{Kind: EventConnected, Port: in, Edge: e})
	g.emitRetyped(before)
	return nil
}

// Disconnect removes the wire feeding in; in reverts to its retained static value.
func (g *Graph) Disconnect(in PortRef) error {
	ib, _, err := g.lookup(in, Input)
	if err != nil {
		return err
	}
	e, ok := g.edges.Source(in)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, in)
	}
	before := g.snapshot(e.From.Block, in.Block)
	g.edges.remove(in)
	ib.configs[in.Port] = ib.configs[in.Port].Unwire()
	g.emit(Event{Kind: EventDisconnected, Port: in, Edge: e})
	g.emitRetyped(before)
	return nil
}

// SetConfig stores an input's static or control configuration. On a wired
// input only the retained value changes. On a grouped input the new kind
// becomes the group's kind and unwired siblings holding another kind are
// reset to its default.
func (g *Graph) SetConfig(in PortRef, cfg ports.ConfigValue) error {
	ib, im, err := g.lookup(in, Input)
	if err != nil {
		return err
	}
	if cfg.Wired() {
		return fmt.Errorf("%s: %w", in, ErrWireConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	open := g.open(ib, im)
	if !open.Has(cfg.Type) {
		return fmt.Errorf("%w: %s accepts %s, got %s", ErrIncompatible, in, open, cfg.Type)
	}
	if _, wired := g.edges.Source(in); wired {
		ib.configs[in.Port] = cfg.Wire()
		g.emit(Event{Kind: EventConfigured, Port: in})
		return nil
	}

	before := g.snapshot(in.Block)
	ib.configs[in.Port] = cfg
	changed := []PortRef{in}
	if im.Group != "" {
		ib.anchors[im.Group] = cfg.Type
		for _, p := range ib.groups[im.Group] {
			sib := ib.markers[p]
			if p == in.Port || sib.Dir != Input {
				continue
			}
			if _, wired := g.edges.Source(sib.Ref); wired {
				continue
			}
			if ib.configs[p].Type != cfg.Type {
				ib.configs[p] = ports.StaticConfig(ports.Default(cfg.Type))
				changed = append(changed, sib.Ref)
			}
		}
	}
	for _, ref := range changed {
		g.emit(Event{Kind: EventConfigured, Port: ref})
	}
	g.emitRetyped(before)
	return nil
}

func (g *Graph) snapshot(ids ...uuid.UUID) map[PortRef]ports.Kind {
	out := map[PortRef]ports.Kind{}
	for _, id := range ids {
		b, ok := g.blocks[id]
		if !ok {
			continue
		}
		for _, p := range b.order {
			m := b.markers[p]
			out[m.Ref] = g.resolved(b, m)
		}
	}
	return out
}

func (g *Graph) emitRetyped(before map[PortRef]ports.Kind) {
	refs := make([]PortRef, 0, len(before))
	for ref := range before {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	for _, ref := range refs {
		b, ok := g.blocks[ref.Block]
		if !ok {
			continue
		}
		now := g.resolved(b, b.markers[ref.Port])
		if now != before[ref] {
			g.emit(Event{Kind: EventRetyped, Port: ref, Type: now})
		}
	}
}
