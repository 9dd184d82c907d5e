package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	persistlog "blockwire.ai/internal/persistence/log"
	"blockwire.ai/internal/protocol"
	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
)

const configsDir = "../../configs"

func TestCatalogValidateMatchesBuiltins(t *testing.T) {
	cat, err := catalogs.Load(configsDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out bytes.Buffer
	if err := validateCatalog(&out, cat, logic.Builtins()); err != nil {
		t.Fatalf("validate: %v\n%s", err, out.String())
	}
	if !strings.HasPrefix(out.String(), "catalog ok:") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if strings.Contains(out.String(), "warning:") {
		t.Fatalf("builtin kinds without behavior: %s", out.String())
	}
}

func TestCatalogValidateFlagsOrphanBehaviors(t *testing.T) {
	cat, err := catalogs.Parse([]byte(`
blocks:
  - id: not
    inputs:
      - { id: in, types: [bool] }
    outputs:
      - { id: result, types: [bool] }
  - id: lamp_post
    inputs:
      - { id: on, types: [bool] }
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out bytes.Buffer
	err = validateCatalog(&out, cat, logic.Builtins())
	if err == nil || !strings.Contains(err.Error(), "add") {
		t.Fatalf("expected orphan behaviors, got %v", err)
	}
	if !strings.Contains(out.String(), "warning: kind lamp_post has no behavior") {
		t.Fatalf("missing inert warning: %q", out.String())
	}
}

func TestReplayJournalRebuildsEffects(t *testing.T) {
	dir := t.TempDir()
	j := persistlog.NewSyncJournal(dir, "S1", time.Hour, func(err error) { t.Errorf("journal: %v", err) })
	block := uuid.New()
	msg := func(seq, tick uint64, text string) protocol.SyncMsg {
		payload, _ := json.Marshal(logic.DisplayPayload{Block: block.String(), Text: text})
		return protocol.SyncMsg{
			Type:            protocol.TypeSync,
			ProtocolVersion: protocol.Version,
			Channel:         logic.ChannelDisplay,
			Seq:             seq,
			Tick:            tick,
			Origin:          "server",
			Payload:         payload,
		}
	}
	j.Record("send", msg(1, 1, "first"))
	j.Record("recv", msg(9, 1, "ignored"))
	j.Record("send", msg(2, 4, "second"))
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cat, err := catalogs.Load(configsDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fx, m, err := replayJournal(dir, cat)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if m.Tick != 2 {
		t.Fatalf("tick = %d, want 2", m.Tick)
	}
	e, ok := fx.Get(block)
	if !ok || e.Text != "second" {
		t.Fatalf("effect = %+v %v", e, ok)
	}

	if _, _, err := replayJournal(filepath.Join(dir, "missing"), cat); err == nil {
		t.Fatalf("expected error for missing journal")
	}
}
