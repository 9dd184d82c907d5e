package ports

import (
	"encoding/json"
	"math/bits"
	"strings"
)

// TypeSet is a set of primitive kinds stored as a bitmask.
type TypeSet uint16

// AnyType accepts every primitive kind.
var AnyType = SetOf(Primitives...)

func SetOf(kinds ...Kind) TypeSet {
	var s TypeSet
	for _, k := range kinds {
		s = s.Add(k)
	}
	return s
}

func (s TypeSet) Add(k Kind) TypeSet {
	if !k.Primitive() {
		return s
	}
	return s | 1<<k
}

func (s TypeSet) Has(k Kind) bool { return k.Primitive() && s&(1<<k) != 0 }
func (s TypeSet) Empty() bool     { return s == 0 }
func (s TypeSet) Len() int        { return bits.OnesCount16(uint16(s)) }

func (s TypeSet) Intersect(o TypeSet) TypeSet { return s & o }

// Intersect is plain set intersection. With no arguments it returns the empty set.
func Intersect(sets ...TypeSet) TypeSet {
	if len(sets) == 0 {
		return 0
	}
	out := sets[0]
	for _, s := range sets[1:] {
		out &= s
	}
	return out
}

// Kinds returns the members in canonical order.
func (s TypeSet) Kinds() []Kind {
	out := make([]Kind, 0, s.Len())
	for _, k := range Primitives {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// First returns the first member in canonical order, or KindUnset.
func (s TypeSet) First() Kind {
	for _, k := range Primitives {
		if s.Has(k) {
			return k
		}
	}
	return KindUnset
}

// Single returns the only member when the set has exactly one.
func (s TypeSet) Single() (Kind, bool) {
	if s.Len() != 1 {
		return KindUnset, false
	}
	return s.First(), true
}

func (s TypeSet) String() string {
	names := make([]string, 0, s.Len())
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// ParseTypeSet accepts kind names; "any" expands to every primitive.
func ParseTypeSet(names []string) (TypeSet, error) {
	var s TypeSet
	for _, n := range names {
		if n == "any" {
			s |= AnyType
			continue
		}
		k, err := ParseKind(n)
		if err != nil {
			return 0, err
		}
		if !k.Primitive() {
			return 0, &KindError{Kind: k, Reason: "not a value kind"}
		}
		s = s.Add(k)
	}
	return s, nil
}

func (s TypeSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, s.Len())
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return json.Marshal(names)
}

func (s *TypeSet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	v, err := ParseTypeSet(names)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// KindError reports a kind used where it is not allowed.
type KindError struct {
	Kind   Kind
	Reason string
}

func (e *KindError) Error() string { return "port kind " + e.Kind.String() + ": " + e.Reason }
