package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"blockwire.ai/internal/sim/control"
	"blockwire.ai/internal/sim/ports"
)

// Catalog is the static set of block definitions known to a session.
type Catalog struct {
	Blocks map[string]BlockDef
	Kinds  []string
	Digest string
}

type BlockDef struct {
	ID          string
	DisplayName string
	Inputs      []InputDef
	Outputs     []OutputDef
}

type InputDef struct {
	ID              string
	DisplayName     string
	Types           ports.TypeSet
	Group           string
	ConnectorHidden bool
	ConfigHidden    bool
	Default         ports.ConfigValue
	Clamp           *ports.Clamp
}

type OutputDef struct {
	ID          string
	DisplayName string
	Types       ports.TypeSet
	Group       string
}

type fileDoc struct {
	Blocks []blockDoc `yaml:"blocks"`
}

type blockDoc struct {
	ID          string      `yaml:"id"`
	DisplayName string      `yaml:"display_name"`
	Inputs      []inputDoc  `yaml:"inputs"`
	Outputs     []outputDoc `yaml:"outputs"`
}

type inputDoc struct {
	ID              string       `yaml:"id"`
	DisplayName     string       `yaml:"display_name"`
	Types           []string     `yaml:"types"`
	Group           string       `yaml:"group"`
	ConnectorHidden bool         `yaml:"connector_hidden"`
	ConfigHidden    bool         `yaml:"config_hidden"`
	Default         *defaultDoc  `yaml:"default"`
	Clamp           *ports.Clamp `yaml:"clamp"`
}

type defaultDoc struct {
	Type    string            `yaml:"type"`
	Value   any               `yaml:"value"`
	Control *control.Settings `yaml:"control"`
}

type outputDoc struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Types       []string `yaml:"types"`
	Group       string   `yaml:"group"`
}

// Load reads <configDir>/blocks.yaml and any *.yaml files under
// <configDir>/blocks.d, in name order.
func Load(configDir string) (*Catalog, error) {
	files := []string{filepath.Join(configDir, "blocks.yaml")}
	extra, err := os.ReadDir(filepath.Join(configDir, "blocks.d"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var names []string
	for _, e := range extra {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		files = append(files, filepath.Join(configDir, "blocks.d", n))
	}

	var concat bytes.Buffer
	var docs []blockDoc
	for _, p := range files {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		concat.Write(raw)
		concat.WriteByte('\n')

		var doc fileDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		docs = append(docs, doc.Blocks...)
	}
	c, err := build(docs)
	if err != nil {
		return nil, err
	}
	c.Digest = sha256Hex(concat.Bytes())
	return c, nil
}

// Parse builds a catalog from one YAML document.
func Parse(raw []byte) (*Catalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("blocks.yaml: %w", err)
	}
	c, err := build(doc.Blocks)
	if err != nil {
		return nil, err
	}
	c.Digest = sha256Hex(raw)
	return c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func build(docs []blockDoc) (*Catalog, error) {
	c := &Catalog{Blocks: map[string]BlockDef{}}
	for _, d := range docs {
		if d.ID == "" {
			return nil, fmt.Errorf("blocks: empty id")
		}
		if _, dup := c.Blocks[d.ID]; dup {
			return nil, fmt.Errorf("blocks: duplicate id %q", d.ID)
		}
		def, err := buildBlock(d)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", d.ID, err)
		}
		c.Blocks[d.ID] = def
		c.Kinds = append(c.Kinds, d.ID)
	}
	sort.Strings(c.Kinds)
	return c, nil
}

func buildBlock(d blockDoc) (BlockDef, error) {
	def := BlockDef{ID: d.ID, DisplayName: d.DisplayName}
	if def.DisplayName == "" {
		def.DisplayName = d.ID
	}
	seen := map[string]bool{}
	groups := map[string]ports.TypeSet{}
	narrow := func(group string, s ports.TypeSet) {
		if group == "" {
			return
		}
		if g, ok := groups[group]; ok {
			groups[group] = g.Intersect(s)
		} else {
			groups[group] = s
		}
	}

	for _, in := range d.Inputs {
		if in.ID == "" {
			return def, fmt.Errorf("input with empty id")
		}
		if seen[in.ID] {
			return def, fmt.Errorf("duplicate port %q", in.ID)
		}
		seen[in.ID] = true
		types, err := ports.ParseTypeSet(in.Types)
		if err != nil {
			return def, fmt.Errorf("input %s: %w", in.ID, err)
		}
		if types.Empty() {
			return def, fmt.Errorf("input %s: no accepted types", in.ID)
		}
		if in.Clamp != nil {
			if err := in.Clamp.Validate(); err != nil {
				return def, fmt.Errorf("input %s: %w", in.ID, err)
			}
		}
		dflt, err := buildDefault(in.Default, types)
		if err != nil {
			return def, fmt.Errorf("input %s: %w", in.ID, err)
		}
		narrow(in.Group, types)
		def.Inputs = append(def.Inputs, InputDef{
			ID:              in.ID,
			DisplayName:     orID(in.DisplayName, in.ID),
			Types:           types,
			Group:           in.Group,
			ConnectorHidden: in.ConnectorHidden,
			ConfigHidden:    in.ConfigHidden,
			Default:         dflt,
			Clamp:           in.Clamp,
		})
	}
	for _, out := range d.Outputs {
		if out.ID == "" {
			return def, fmt.Errorf("output with empty id")
		}
		if seen[out.ID] {
			return def, fmt.Errorf("duplicate port %q", out.ID)
		}
		seen[out.ID] = true
		types, err := ports.ParseTypeSet(out.Types)
		if err != nil {
			return def, fmt.Errorf("output %s: %w", out.ID, err)
		}
		if types.Empty() {
			return def, fmt.Errorf("output %s: no accepted types", out.ID)
		}
		narrow(out.Group, types)
		def.Outputs = append(def.Outputs, OutputDef{
			ID:          out.ID,
			DisplayName: orID(out.DisplayName, out.ID),
			Types:       types,
			Group:       out.Group,
		})
	}
	for g, s := range groups {
		if s.Empty() {
			return def, fmt.Errorf("group %s: members share no type", g)
		}
	}
	return def, nil
}

func buildDefault(d *defaultDoc, types ports.TypeSet) (ports.ConfigValue, error) {
	if d == nil || d.Type == "" {
		k := types.First()
		return ports.StaticConfig(ports.Default(k)), nil
	}
	k, err := ports.ParseKind(d.Type)
	if err != nil {
		return ports.ConfigValue{}, err
	}
	if !types.Has(k) {
		return ports.ConfigValue{}, fmt.Errorf("default type %s not in %s", k, types)
	}
	v, err := ports.ParseValue(k, d.Value)
	if err != nil {
		return ports.ConfigValue{}, fmt.Errorf("default: %w", err)
	}
	cfg := ports.StaticConfig(v)
	if d.Control != nil {
		cfg = ports.ControlConfig(v, *d.Control)
	}
	if err := cfg.Validate(); err != nil {
		return ports.ConfigValue{}, fmt.Errorf("default: %w", err)
	}
	return cfg, nil
}

func orID(name, id string) string {
	if name == "" {
		return id
	}
	return name
}

func (c *Catalog) Block(kind string) (BlockDef, bool) {
	d, ok := c.Blocks[kind]
	return d, ok
}

// TypesOf returns the declared type-set of a block kind's port.
func (c *Catalog) TypesOf(kind, port string) (ports.TypeSet, bool) {
	d, ok := c.Blocks[kind]
	if !ok {
		return 0, false
	}
	if in, ok := d.Input(port); ok {
		return in.Types, true
	}
	if out, ok := d.Output(port); ok {
		return out.Types, true
	}
	return 0, false
}

func (d BlockDef) Input(id string) (InputDef, bool) {
	for _, in := range d.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return InputDef{}, false
}

func (d BlockDef) Output(id string) (OutputDef, bool) {
	for _, out := range d.Outputs {
		if out.ID == id {
			return out, true
		}
	}
	return OutputDef{}, false
}

// ClampFor returns the input's clamp override, else the kind's built-in clamp.
func (in InputDef) ClampFor(k ports.Kind) *ports.Clamp {
	if in.Clamp != nil && (k == ports.KindNumber || k == ports.KindByte) {
		return in.Clamp
	}
	if def, ok := ports.Lookup(k); ok {
		return def.Clamp
	}
	return nil
}
