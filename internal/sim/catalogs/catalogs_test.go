package catalogs

import (
	"testing"

	"blockwire.ai/internal/sim/ports"
)

func TestLoadConfigs(t *testing.T) {
	cat, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cat.Kinds) == 0 || cat.Digest == "" {
		t.Fatalf("empty catalog: kinds=%d digest=%q", len(cat.Kinds), cat.Digest)
	}
	ts, ok := cat.TypesOf("add", "result")
	if !ok || !ts.Has(ports.KindVector3) {
		t.Fatalf("add.result types = %v (%v)", ts, ok)
	}
	thr, _ := cat.Block("thruster")
	power, ok := thr.Input("power")
	if !ok || !power.Default.Controlled() {
		t.Fatalf("thruster power should default to a live control")
	}
	if c := power.ClampFor(ports.KindNumber); c == nil || c.Max != 100 {
		t.Fatalf("thruster power clamp = %+v", c)
	}
}

func TestParseRejectsBadDocs(t *testing.T) {
	cases := map[string]string{
		"empty id": `
blocks:
  - id: ""
`,
		"duplicate block": `
blocks:
  - id: x
  - id: x
`,
		"duplicate port": `
blocks:
  - id: x
    inputs:
      - {id: a, types: [number]}
    outputs:
      - {id: a, types: [number]}
`,
		"unknown kind": `
blocks:
  - id: x
    inputs:
      - {id: a, types: [plasma]}
`,
		"default outside types": `
blocks:
  - id: x
    inputs:
      - {id: a, types: [number], default: {type: bool, value: true}}
`,
		"disjoint group": `
blocks:
  - id: x
    inputs:
      - {id: a, types: [number], group: g}
      - {id: b, types: [string], group: g}
`,
		"inverted clamp": `
blocks:
  - id: x
    inputs:
      - {id: a, types: [number], clamp: {min: 5, max: 1}}
`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	cat, err := Parse([]byte(`
blocks:
  - id: probe
    inputs:
      - {id: a, types: [bool, number]}
      - {id: b, types: [number], default: {type: number, value: 2.5}}
    outputs:
      - {id: out, types: [string]}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, _ := cat.Block("probe")
	if d.DisplayName != "probe" {
		t.Fatalf("display name fallback = %q", d.DisplayName)
	}
	a, _ := d.Input("a")
	if a.Default.Type != ports.KindNumber {
		t.Fatalf("a default type = %s", a.Default.Type)
	}
	b, _ := d.Input("b")
	if !b.Default.Static.Equal(ports.Number(2.5)) {
		t.Fatalf("b default = %s", b.Default.Static)
	}
	if len(cat.Kinds) != 1 || cat.Kinds[0] != "probe" {
		t.Fatalf("kinds = %v", cat.Kinds)
	}
}
