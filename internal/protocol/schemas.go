package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	envelopeOnce    sync.Once
	envelopeSchemas map[string]*jsonschema.Schema
	envelopeErr     error
)

var schemaFiles = map[string]string{
	TypeHello:   "hello.schema.json",
	TypeWelcome: "welcome.schema.json",
	TypeSync:    "sync.schema.json",
}

func compileEnvelopes() {
	c := jsonschema.NewCompiler()
	for _, name := range schemaFiles {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			envelopeErr = err
			return
		}
		if err := c.AddResource(name, bytes.NewReader(b)); err != nil {
			envelopeErr = fmt.Errorf("%s: %w", name, err)
			return
		}
	}
	envelopeSchemas = map[string]*jsonschema.Schema{}
	for typ, name := range schemaFiles {
		s, err := c.Compile(name)
		if err != nil {
			envelopeErr = fmt.Errorf("%s: %w", name, err)
			return
		}
		envelopeSchemas[typ] = s
	}
}

// ValidateEnvelope checks a raw frame against the schema of its message type.
// Types without a schema pass.
func ValidateEnvelope(typ string, raw []byte) error {
	envelopeOnce.Do(compileEnvelopes)
	if envelopeErr != nil {
		return envelopeErr
	}
	s, ok := envelopeSchemas[typ]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
