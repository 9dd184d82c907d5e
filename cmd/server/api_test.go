package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/plot"
	"blockwire.ai/internal/sim/tuning"
	"blockwire.ai/internal/telemetry"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	root := findRepoRootForServerTests(t)
	cat, err := catalogs.Load(filepath.Join(root, "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	quiet := log.New(io.Discard, "", 0)
	s, err := plot.NewSession(plot.Config{
		Catalog: cat,
		Tuning:  tuning.Defaults(),
		World:   logic.NewFlatWorld(),
		Logger:  quiet,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()

	a := &api{session: s, gather: reg, log: quiet}
	hs := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		hs.Close()
		s.Stop()
		cancel()
	})
	return hs
}

func call(t *testing.T, hs *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, hs.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	if out != nil && resp.StatusCode >= 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

type idResp struct {
	ID string `json:"id"`
}

type portResp struct {
	Port      string          `json:"port"`
	Dir       string          `json:"dir"`
	Available []string        `json:"available"`
	Kind      string          `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Source    string          `json:"source"`
}

func portByName(t *testing.T, hs *httptest.Server, block, port string) portResp {
	t.Helper()
	var ps []portResp
	if code := call(t, hs, http.MethodGet, "/v1/blocks/"+block+"/ports", nil, &ps); code != http.StatusOK {
		t.Fatalf("ports status = %d", code)
	}
	for _, p := range ps {
		if p.Port == port {
			return p
		}
	}
	t.Fatalf("port %s not listed", port)
	return portResp{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAPIBuildWireAndInspect(t *testing.T) {
	hs := newTestAPI(t)

	var pl idResp
	if code := call(t, hs, http.MethodPost, "/v1/plots", map[string]any{}, &pl); code != http.StatusCreated {
		t.Fatalf("create plot = %d", code)
	}

	var adder, text idResp
	code := call(t, hs, http.MethodPost, "/v1/plots/"+pl.ID+"/blocks", map[string]any{
		"kind": "add",
		"config": map[string]any{
			"a": map[string]any{"type": "number", "value": 2},
			"b": map[string]any{"type": "number", "value": 3},
		},
	}, &adder)
	if code != http.StatusCreated {
		t.Fatalf("place add = %d", code)
	}
	if code := call(t, hs, http.MethodPost, "/v1/plots/"+pl.ID+"/blocks", map[string]any{"kind": "to_string"}, &text); code != http.StatusCreated {
		t.Fatalf("place to_string = %d", code)
	}

	wire := map[string]any{
		"from": map[string]string{"block": adder.ID, "port": "result"},
		"to":   map[string]string{"block": text.ID, "port": "value"},
	}
	if code := call(t, hs, http.MethodPost, "/v1/wires", wire, nil); code != http.StatusCreated {
		t.Fatalf("connect = %d", code)
	}

	var errBody map[string]string
	if code := call(t, hs, http.MethodPost, "/v1/wires", wire, &errBody); code != http.StatusConflict {
		t.Fatalf("second connect = %d", code)
	}
	if errBody["error"] != "input already connected" {
		t.Fatalf("conflict reason = %q", errBody["error"])
	}
	wire["replace"] = true
	if code := call(t, hs, http.MethodPost, "/v1/wires", wire, nil); code != http.StatusCreated {
		t.Fatalf("replace connect = %d", code)
	}

	var wires []json.RawMessage
	if code := call(t, hs, http.MethodGet, "/v1/plots/"+pl.ID+"/wires", nil, &wires); code != http.StatusOK || len(wires) != 1 {
		t.Fatalf("wires = %d (%d)", len(wires), code)
	}

	waitFor(t, "text output", func() bool {
		p := portByName(t, hs, text.ID, "text")
		return strings.Contains(string(p.Value), `"5"`)
	})
	in := portByName(t, hs, text.ID, "value")
	if in.Source != "wire" || in.Dir != "input" {
		t.Fatalf("unexpected input state: %+v", in)
	}

	if code := call(t, hs, http.MethodDelete, "/v1/blocks/"+text.ID+"/ports/value/wire", nil, nil); code != http.StatusNoContent {
		t.Fatalf("unwire = %d", code)
	}
	if in := portByName(t, hs, text.ID, "value"); in.Source == "wire" {
		t.Fatalf("input still wired: %+v", in)
	}

	var blocks []map[string]any
	if code := call(t, hs, http.MethodGet, "/v1/plots/"+pl.ID+"/blocks", nil, &blocks); code != http.StatusOK || len(blocks) != 2 {
		t.Fatalf("blocks = %v (%d)", blocks, code)
	}
	if code := call(t, hs, http.MethodDelete, "/v1/blocks/"+adder.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("destroy = %d", code)
	}
	if code := call(t, hs, http.MethodGet, "/v1/blocks/"+adder.ID+"/ports", nil, nil); code != http.StatusNotFound {
		t.Fatalf("ports of destroyed block = %d", code)
	}
}

func TestAPIBurnShowsInEffects(t *testing.T) {
	hs := newTestAPI(t)
	var pl, div idResp
	call(t, hs, http.MethodPost, "/v1/plots", map[string]any{}, &pl)
	code := call(t, hs, http.MethodPost, "/v1/plots/"+pl.ID+"/blocks", map[string]any{
		"kind":   "divide",
		"config": map[string]any{"b": map[string]any{"type": "number", "value": 0}},
	}, &div)
	if code != http.StatusCreated {
		t.Fatalf("place divide = %d", code)
	}

	waitFor(t, "burn effect", func() bool {
		var fx []struct {
			Block  string `json:"block"`
			Burned string `json:"burned"`
		}
		call(t, hs, http.MethodGet, "/v1/effects", nil, &fx)
		for _, e := range fx {
			if e.Block == div.ID && e.Burned == logic.ErrDivideByZero.Error() {
				return true
			}
		}
		return false
	})

	var blocks []struct {
		ID     string `json:"id"`
		Burned string `json:"burned"`
	}
	call(t, hs, http.MethodGet, "/v1/plots/"+pl.ID+"/blocks", nil, &blocks)
	if len(blocks) != 1 || blocks[0].Burned == "" {
		t.Fatalf("expected burned block, got %+v", blocks)
	}

	// Without an index the burn history is unavailable.
	if code := call(t, hs, http.MethodGet, "/v1/burns", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("burns = %d", code)
	}
}

func TestAPIRejectsBadRequests(t *testing.T) {
	hs := newTestAPI(t)
	if code := call(t, hs, http.MethodGet, "/v1/blocks/not-a-uuid/ports", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", code)
	}
	if code := call(t, hs, http.MethodDelete, "/v1/plots/6f1c2e1a-0000-4000-8000-000000000000", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown plot = %d", code)
	}
	var pl idResp
	call(t, hs, http.MethodPost, "/v1/plots", map[string]any{}, &pl)
	if code := call(t, hs, http.MethodPost, "/v1/plots", map[string]any{"id": pl.ID}, nil); code != http.StatusConflict {
		t.Fatalf("duplicate plot = %d", code)
	}
	var errBody map[string]string
	if code := call(t, hs, http.MethodPost, "/v1/plots/"+pl.ID+"/blocks", map[string]any{"kind": "teleporter"}, &errBody); code != http.StatusBadRequest {
		t.Fatalf("unknown kind = %d", code)
	}
	if errBody["error"] != "unknown block kind" {
		t.Fatalf("unknown kind reason = %q", errBody["error"])
	}
}

func TestAPIKeysAndState(t *testing.T) {
	hs := newTestAPI(t)
	if code := call(t, hs, http.MethodPut, "/v1/keys", map[string]any{"held": []string{"W", "Space"}}, nil); code != http.StatusNoContent {
		t.Fatalf("keys = %d", code)
	}
	var st struct {
		SessionID string   `json:"session_id"`
		HeldKeys  []string `json:"held_keys"`
		Channels  []string `json:"channels"`
	}
	if code := call(t, hs, http.MethodGet, "/v1/state", nil, &st); code != http.StatusOK {
		t.Fatalf("state = %d", code)
	}
	if st.SessionID == "" || len(st.HeldKeys) != 2 || len(st.Channels) == 0 {
		t.Fatalf("unexpected state: %+v", st)
	}

	var cat struct {
		Digest string            `json:"digest"`
		Blocks []json.RawMessage `json:"blocks"`
	}
	if code := call(t, hs, http.MethodGet, "/v1/catalog", nil, &cat); code != http.StatusOK || cat.Digest == "" || len(cat.Blocks) == 0 {
		t.Fatalf("catalog = %d %+v", code, cat.Digest)
	}

	resp, err := http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
