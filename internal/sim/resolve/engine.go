// Package resolve picks the effective value of every input port from its
// ranked sources: a wire, then a live control, then the static config.
package resolve

import (
	"time"

	"github.com/google/uuid"

	"blockwire.ai/internal/sim/control"
	"blockwire.ai/internal/sim/ports"
	"blockwire.ai/internal/sim/wiring"
)

// Source names where a resolved value came from.
type Source uint8

const (
	SourceStatic Source = iota + 1
	SourceControl
	SourceWire
)

func (s Source) String() string {
	switch s {
	case SourceWire:
		return "wire"
	case SourceControl:
		return "control"
	case SourceStatic:
		return "static"
	}
	return "none"
}

type machineEntry struct {
	m        *control.Machine
	settings control.Settings
	start    float64
}

// Engine caches one resolved value per input and the last computed value
// per output. It reads the graph and never mutates it.
type Engine struct {
	graph  *wiring.Graph
	window time.Duration

	inputs   map[wiring.PortRef]ports.Value
	sources  map[wiring.PortRef]Source
	outputs  map[wiring.PortRef]ports.Value
	machines map[wiring.PortRef]*machineEntry
}

func New(g *wiring.Graph, doublePressWindow time.Duration) *Engine {
	return &Engine{
		graph:    g,
		window:   doublePressWindow,
		inputs:   map[wiring.PortRef]ports.Value{},
		sources:  map[wiring.PortRef]Source{},
		outputs:  map[wiring.PortRef]ports.Value{},
		machines: map[wiring.PortRef]*machineEntry{},
	}
}

// Controlled reports whether in is driven by a live control this tick.
func (e *Engine) Controlled(in wiring.PortRef) bool {
	if _, wired := e.graph.Source(in); wired {
		return false
	}
	cfg, ok := e.graph.Config(in)
	if !ok || !cfg.Controlled() {
		return false
	}
	k, err := e.graph.ResolvedKind(in)
	return err == nil && k == cfg.Type && ports.Controllable(k)
}

// Refresh resolves in at simulation time now and caches the result. It
// advances in's control machine by dt, so call it at most once per tick.
func (e *Engine) Refresh(in wiring.PortRef, keys control.Keys, now time.Duration, dt float64) (ports.Value, bool) {
	v, src := e.resolve(in, keys, now, dt, true)
	prev, seen := e.inputs[in]
	e.inputs[in] = v
	e.sources[in] = src
	return v, !seen || !prev.Equal(v)
}

// Value returns the cached value of in, resolving it without advancing any
// control machine when nothing is cached yet.
func (e *Engine) Value(in wiring.PortRef) ports.Value {
	if v, ok := e.inputs[in]; ok {
		return v
	}
	v, _ := e.resolve(in, nil, 0, 0, false)
	return v
}

// SourceOf reports which source produced the cached value of in.
func (e *Engine) SourceOf(in wiring.PortRef) Source { return e.sources[in] }

func (e *Engine) resolve(in wiring.PortRef, keys control.Keys, now time.Duration, dt float64, advance bool) (ports.Value, Source) {
	kind, err := e.graph.ResolvedKind(in)
	if err != nil {
		return ports.Value{}, 0
	}
	if edge, ok := e.graph.Source(in); ok {
		v, computed := e.outputs[edge.From]
		if !computed || (!v.IsSet() && !v.IsGarbage()) {
			return ports.AvailableLater, SourceWire
		}
		if v.IsGarbage() || v.Kind() != kind {
			return v, SourceWire
		}
		return e.clamp(in, kind, v), SourceWire
	}

	cfg, _ := e.graph.Config(in)
	if e.Controlled(in) {
		start := e.clamp(in, kind, cfg.Static).Number()
		entry := e.machines[in]
		if entry == nil || entry.settings != *cfg.Control || entry.start != start {
			entry = &machineEntry{
				m:        control.NewMachine(*cfg.Control, start, e.window),
				settings: *cfg.Control,
				start:    start,
			}
			e.machines[in] = entry
		}
		x := entry.m.Value()
		if advance {
			x = entry.m.Update(keys, now, dt)
		}
		if kind == ports.KindBool {
			return ports.Bool(x != 0), SourceControl
		}
		return e.clamp(in, kind, ports.Number(x)), SourceControl
	}
	delete(e.machines, in)

	if cfg.Static.Kind() != kind {
		return ports.Default(kind), SourceStatic
	}
	return e.clamp(in, kind, cfg.Static), SourceStatic
}

func (e *Engine) clamp(in wiring.PortRef, kind ports.Kind, v ports.Value) ports.Value {
	if v.Kind() != kind {
		return ports.Default(kind)
	}
	def, ok := e.graph.Def(in.Block)
	if !ok {
		return v
	}
	idef, ok := def.Input(in.Port)
	if !ok {
		return v
	}
	if c := idef.ClampFor(kind); c != nil {
		return c.ApplyValue(v)
	}
	return v
}

// Output returns the last value computed for out, or the unset value.
func (e *Engine) Output(out wiring.PortRef) ports.Value { return e.outputs[out] }

// SetOutput records a computed output and reports whether it changed.
func (e *Engine) SetOutput(out wiring.PortRef, v ports.Value) bool {
	prev, seen := e.outputs[out]
	e.outputs[out] = v
	return !seen || !prev.Equal(v)
}

// Machine exposes the control machine of in, if one exists.
func (e *Engine) Machine(in wiring.PortRef) (*control.Machine, bool) {
	entry, ok := e.machines[in]
	if !ok {
		return nil, false
	}
	return entry.m, true
}

// DropMachines discards the control state of a disabled block.
func (e *Engine) DropMachines(block uuid.UUID) {
	for ref := range e.machines {
		if ref.Block == block {
			delete(e.machines, ref)
		}
	}
}

// Forget drops every cached value of a destroyed block.
func (e *Engine) Forget(block uuid.UUID) {
	e.DropMachines(block)
	for ref := range e.inputs {
		if ref.Block == block {
			delete(e.inputs, ref)
			delete(e.sources, ref)
		}
	}
	for ref := range e.outputs {
		if ref.Block == block {
			delete(e.outputs, ref)
		}
	}
}
