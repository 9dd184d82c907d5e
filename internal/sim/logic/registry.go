package logic

import (
	"fmt"
	"sort"
)

// Registry maps block kind ids to behaviors. It is built once and read-only
// afterwards.
type Registry struct {
	behaviors map[string]Behavior
}

func NewRegistry(bs ...Behavior) (*Registry, error) {
	r := &Registry{behaviors: make(map[string]Behavior, len(bs))}
	for _, b := range bs {
		if b.Kind == "" {
			return nil, fmt.Errorf("behavior without kind")
		}
		if (b.Calculate == nil) == (b.New == nil) {
			return nil, fmt.Errorf("behavior %s: exactly one of Calculate and New must be set", b.Kind)
		}
		if _, dup := r.behaviors[b.Kind]; dup {
			return nil, fmt.Errorf("behavior %s registered twice", b.Kind)
		}
		r.behaviors[b.Kind] = b
	}
	return r, nil
}

// Builtins returns the registry of every behavior shipped with the engine.
func Builtins() *Registry {
	all := append(pureBehaviors(), statefulBehaviors()...)
	r, err := NewRegistry(all...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(kind string) (Behavior, bool) {
	b, ok := r.behaviors[kind]
	return b, ok
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.behaviors))
	for k := range r.behaviors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
