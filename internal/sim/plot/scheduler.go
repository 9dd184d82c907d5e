package plot

import (
	"time"

	"github.com/google/uuid"

	"blockwire.ai/internal/sim/control"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/wiring"
)

// StepStats summarizes one tick.
type StepStats struct {
	Tick     uint64 `json:"tick"`
	Resolved int    `json:"resolved"`
	Invoked  int    `json:"invoked"`
	Burned   int    `json:"burned"`
}

// Step advances the plot by dt seconds with keys held.
//
// Inputs marked dirty since the previous tick, and inputs under live control,
// are resolved first. Nodes then run in placement order. An output that
// changes marks its wired inputs dirty for the next tick, so a value moves
// one wire hop per tick.
func (p *Plot) Step(dt float64, keys control.Keys) StepStats {
	p.tick++
	p.now += time.Duration(dt * float64(time.Second))
	p.burnsIn = 0

	dirty := p.dirty
	p.dirty = map[wiring.PortRef]bool{}
	st := StepStats{Tick: p.tick}

	blocks := p.graph.Blocks()
	woke := make(map[wiring.PortRef]bool)
	for _, id := range blocks {
		n := p.nodes[id]
		paused := n != nil && !n.Enabled()
		for _, m := range p.graph.Markers(id) {
			if m.Dir != wiring.Input {
				continue
			}
			if paused {
				if dirty[m.Ref] {
					p.dirty[m.Ref] = true
				}
				continue
			}
			if !dirty[m.Ref] && !p.engine.Controlled(m.Ref) {
				continue
			}
			st.Resolved++
			if _, changed := p.engine.Refresh(m.Ref, keys, p.now, dt); changed {
				woke[m.Ref] = true
			}
		}
	}

	for _, id := range blocks {
		n := p.nodes[id]
		if n == nil || !n.Enabled() {
			continue
		}
		in := logic.Inputs{}
		changed, poisoned := false, false
		for _, m := range p.graph.Markers(id) {
			if m.Dir != wiring.Input {
				continue
			}
			v := p.engine.Value(m.Ref)
			in[m.Ref.Port] = v
			if !woke[m.Ref] {
				continue
			}
			if n.Subscribes(m.Ref.Port) {
				changed = true
			} else if v.IsGarbage() {
				poisoned = true
			}
		}
		fresh := p.fresh[id]
		if !changed && !fresh && !poisoned && !n.EveryTick() {
			continue
		}
		out, ran := n.Step(in, changed || fresh, dt, p.tick)
		if ran {
			st.Invoked++
			p.opts.Metrics.Invoked(n.Kind())
		}
		if ran || n.Burned() != nil {
			delete(p.fresh, id)
		}
		p.publish(id, out)
	}
	st.Burned = p.burnsIn
	return st
}

func (p *Plot) publish(id uuid.UUID, out logic.Outputs) {
	for _, m := range p.graph.Markers(id) {
		if m.Dir != wiring.Output {
			continue
		}
		v, ok := out[m.Ref.Port]
		if !ok {
			continue
		}
		if !p.engine.SetOutput(m.Ref, v) {
			continue
		}
		for _, e := range p.graph.Targets(m.Ref) {
			p.dirty[e.To] = true
		}
	}
}
