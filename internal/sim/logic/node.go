// Package logic binds behavior to placed blocks. A behavior is either a pure
// calculation over resolved inputs or a constructor for a stateful instance
// that may react to the world every tick.
package logic

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"blockwire.ai/internal/sim/ports"
)

// ErrAvailableLater tells the scheduler to keep the previous outputs.
var ErrAvailableLater = errors.New("value available later")

var (
	ErrGarbageOutput = errors.New("output is garbage")
	ErrOutputKind    = errors.New("output kind not accepted by port")
	ErrUnknownOutput = errors.New("unknown output port")
)

// BurnError records why a node was permanently disabled.
type BurnError struct {
	Block  uuid.UUID
	Kind   string
	Reason string
	Err    error
}

func (e *BurnError) Error() string {
	return fmt.Sprintf("block %s (%s) burned: %s", e.Block, e.Kind, e.Reason)
}

func (e *BurnError) Unwrap() error { return e.Err }

// Inputs maps input port ids to their resolved values for one invocation.
type Inputs map[string]ports.Value

func (in Inputs) Value(key string) ports.Value { return in[key] }
func (in Inputs) Number(key string) float64    { return in[key].Number() }
func (in Inputs) Bool(key string) bool         { return in[key].Bool() }
func (in Inputs) Text(key string) string       { return in[key].Text() }
func (in Inputs) Vec(key string) mgl64.Vec3    { return in[key].Vec() }

// Outputs maps output port ids to produced values. A missing key, or an
// AvailableLater value, leaves that output unchanged.
type Outputs map[string]ports.Value

// Instance is the stateful half of a behavior. Changed runs when a subscribed
// input changed.
type Instance interface {
	Changed(in Inputs) (Outputs, error)
}

// FirstInputs seeds an instance once, before its first Changed call.
type FirstInputs interface {
	FirstInputs(in Inputs) error
}

// Continuous instances run every tick regardless of input changes.
type Continuous interface {
	Continuous(in Inputs) (Outputs, error)
}

// Ticker instances receive the tick delta in seconds and the tick index.
type Ticker interface {
	Tick(in Inputs, dt float64, tick uint64) (Outputs, error)
}

// Destroyer instances release resources when their block is removed.
type Destroyer interface {
	Destroy()
}

// Env is what a stateful instance may touch.
type Env struct {
	Block         uuid.UUID
	Kind          string
	World         World
	Channels      *Channels
	ScriptTimeout time.Duration
	// Node is set by NewNode before the instance is constructed.
	Node *Node
}

// Behavior is the closed description of one block kind. Exactly one of
// Calculate and New is set.
type Behavior struct {
	Kind string
	// Subscribe lists the input keys that trigger an invocation. Empty
	// means every input.
	Subscribe []string
	Calculate func(in Inputs) (Outputs, error)
	New       func(env Env) Instance
}

func (b Behavior) Pure() bool { return b.Calculate != nil }

type NodeOptions struct {
	// Outputs lists the block's output ports.
	Outputs []string
	// Accepts reports whether an output port can currently carry kind k.
	Accepts func(port string, k ports.Kind) bool
	OnBurn  func(*BurnError)
}

// Node is the logic instance bound to one placed block.
type Node struct {
	env      Env
	behavior Behavior
	inst     Instance
	opts     NodeOptions

	outputs Outputs
	last    Inputs
	started bool
	enabled bool
	burn    *BurnError
}

func NewNode(b Behavior, env Env, opts NodeOptions) *Node {
	n := &Node{
		behavior: b,
		opts:     opts,
		outputs:  Outputs{},
		enabled:  true,
	}
	if env.Kind == "" {
		env.Kind = b.Kind
	}
	env.Node = n
	n.env = env
	if b.New != nil {
		n.inst = b.New(env)
	}
	return n
}

func (n *Node) Block() uuid.UUID { return n.env.Block }
func (n *Node) Kind() string     { return n.env.Kind }
func (n *Node) Enabled() bool    { return n.enabled }

// SetEnabled pauses or resumes invocation. A disabled node keeps its outputs.
func (n *Node) SetEnabled(on bool) { n.enabled = on }

// Burned returns the burn record, or nil.
func (n *Node) Burned() *BurnError { return n.burn }

// Burn disables the node for good. Later calls are no-ops.
func (n *Node) Burn(reason error) {
	if n.burn != nil {
		return
	}
	if reason == nil {
		reason = errors.New("burned")
	}
	n.burn = &BurnError{Block: n.env.Block, Kind: n.env.Kind, Reason: reason.Error(), Err: reason}
	n.garbage()
	if n.opts.OnBurn != nil {
		n.opts.OnBurn(n.burn)
	}
}

func (n *Node) garbage() {
	for _, p := range n.opts.Outputs {
		n.outputs[p] = ports.Garbage
	}
}

// Outputs returns a copy of the current outputs.
func (n *Node) Outputs() Outputs {
	out := make(Outputs, len(n.outputs))
	for k, v := range n.outputs {
		out[k] = v
	}
	return out
}

// LastInputs returns the inputs of the last invocation.
func (n *Node) LastInputs() Inputs { return n.last }

// EveryTick reports whether the node must be stepped on every tick.
func (n *Node) EveryTick() bool {
	if n.inst == nil {
		return false
	}
	_, c := n.inst.(Continuous)
	_, t := n.inst.(Ticker)
	return c || t
}

func (n *Node) subscribed() []string {
	if len(n.behavior.Subscribe) > 0 {
		return n.behavior.Subscribe
	}
	return nil
}

// Subscribes reports whether a change on input port wakes the node.
func (n *Node) Subscribes(port string) bool {
	keys := n.subscribed()
	if keys == nil {
		return true
	}
	for _, k := range keys {
		if k == port {
			return true
		}
	}
	return false
}

// Step runs the node against the current inputs. changed says a subscribed
// input differs from the previous tick. It returns the outputs after the step
// and whether the behavior body ran.
func (n *Node) Step(in Inputs, changed bool, dt float64, tick uint64) (Outputs, bool) {
	if n.burn != nil || !n.enabled {
		return n.Outputs(), false
	}
	// Every input gates the body, subscribed or not.
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := in[k]
		if v.IsGarbage() {
			n.garbage()
			return n.Outputs(), false
		}
		if v.IsAvailableLater() {
			return n.Outputs(), false
		}
	}

	first := !n.started
	if first {
		n.started = true
		changed = true
		if h, ok := n.inst.(FirstInputs); ok {
			if err := h.FirstInputs(in); err != nil {
				n.Burn(err)
				return n.Outputs(), true
			}
		}
	}
	n.last = in

	ran := false
	if changed {
		ran = true
		if n.behavior.Calculate != nil {
			n.apply(n.behavior.Calculate(in))
		} else if n.inst != nil {
			n.apply(n.inst.Changed(in))
		}
	}
	if h, ok := n.inst.(Continuous); ok && n.burn == nil {
		ran = true
		n.apply(h.Continuous(in))
	}
	if h, ok := n.inst.(Ticker); ok && n.burn == nil {
		ran = true
		n.apply(h.Tick(in, dt, tick))
	}
	return n.Outputs(), ran
}

func (n *Node) apply(out Outputs, err error) {
	if n.burn != nil {
		return
	}
	if err != nil {
		if !errors.Is(err, ErrAvailableLater) {
			n.Burn(err)
		}
		return
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := out[k]
		switch {
		case v.IsAvailableLater():
			continue
		case v.IsGarbage():
			n.Burn(fmt.Errorf("%w: %s", ErrGarbageOutput, k))
			return
		case !n.hasOutput(k):
			n.Burn(fmt.Errorf("%w: %s", ErrUnknownOutput, k))
			return
		case n.opts.Accepts != nil && !n.opts.Accepts(k, v.Kind()):
			n.Burn(fmt.Errorf("%w: %s cannot carry %s", ErrOutputKind, k, v.Kind()))
			return
		}
	}
	for _, k := range keys {
		if v := out[k]; !v.IsAvailableLater() {
			n.outputs[k] = v
		}
	}
}

func (n *Node) hasOutput(port string) bool {
	for _, p := range n.opts.Outputs {
		if p == port {
			return true
		}
	}
	return false
}

// Destroy releases the instance. The node must not be stepped afterwards.
func (n *Node) Destroy() {
	if d, ok := n.inst.(Destroyer); ok {
		d.Destroy()
	}
	n.enabled = false
}
