package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"blockwire.ai/internal/persistence/indexdb"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/plot"
	"blockwire.ai/internal/sim/ports"
	"blockwire.ai/internal/sim/wiring"
	"blockwire.ai/internal/telemetry"
	"blockwire.ai/internal/transport/replication"
)

const requestTimeout = 5 * time.Second

type burnSource interface {
	Burns(ctx context.Context, session string, limit int) ([]indexdb.BurnRow, error)
}

// api is the building and diagnostics surface of one session. Every handler
// reaches engine state through Session.Do.
type api struct {
	session *plot.Session
	repl    *replication.Server
	burns   burnSource
	gather  prometheus.Gatherer
	log     *log.Logger
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	if a.gather != nil {
		r.Handle("/metrics", telemetry.Handler(a.gather))
	}
	if a.repl != nil {
		r.Get("/v1/replication", a.repl.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/state", a.handleState)
		r.Get("/catalog", a.handleCatalog)
		r.Put("/keys", a.handleKeys)
		r.Get("/effects", a.handleEffects)
		r.Get("/burns", a.handleBurns)

		r.Get("/plots", a.handleListPlots)
		r.Post("/plots", a.handleCreatePlot)
		r.Delete("/plots/{plot}", a.handleDeletePlot)
		r.Get("/plots/{plot}/blocks", a.handleListBlocks)
		r.Post("/plots/{plot}/blocks", a.handlePlaceBlock)
		r.Get("/plots/{plot}/wires", a.handleListWires)

		r.Delete("/blocks/{block}", a.handleDestroyBlock)
		r.Get("/blocks/{block}/ports", a.handlePorts)
		r.Put("/blocks/{block}/enabled", a.handleEnabled)
		r.Put("/blocks/{block}/ports/{port}/config", a.handleConfig)
		r.Delete("/blocks/{block}/ports/{port}/wire", a.handleUnwire)

		r.Post("/wires", a.handleConnect)
	})
	return r
}

type stateResponse struct {
	SessionID string                 `json:"session_id"`
	Tick      uint64                 `json:"tick"`
	Metrics   plot.SessionMetrics    `json:"metrics"`
	Channels  []string               `json:"channels"`
	Peers     []replication.PeerInfo `json:"peers"`
	HeldKeys  []string               `json:"held_keys"`
}

func (a *api) handleState(rw http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		SessionID: a.session.ID().String(),
		Tick:      a.session.CurrentTick(),
		Metrics:   a.session.Metrics(),
	}
	if a.repl != nil {
		resp.Peers = a.repl.Peers()
	}
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		resp.Channels = s.Hub().Channels()
		resp.HeldKeys = s.HeldKeys()
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

type catalogBlock struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Inputs      []portInfo `json:"inputs"`
	Outputs     []portInfo `json:"outputs"`
}

type portInfo struct {
	ID    string        `json:"id"`
	Types ports.TypeSet `json:"types"`
	Group string        `json:"group,omitempty"`
}

func (a *api) handleCatalog(rw http.ResponseWriter, _ *http.Request) {
	cat := a.session.Catalog()
	out := make([]catalogBlock, 0, len(cat.Kinds))
	for _, k := range cat.Kinds {
		d := cat.Blocks[k]
		b := catalogBlock{ID: d.ID, DisplayName: d.DisplayName}
		for _, in := range d.Inputs {
			b.Inputs = append(b.Inputs, portInfo{ID: in.ID, Types: in.Types, Group: in.Group})
		}
		for _, o := range d.Outputs {
			b.Outputs = append(b.Outputs, portInfo{ID: o.ID, Types: o.Types, Group: o.Group})
		}
		out = append(out, b)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"digest": cat.Digest, "blocks": out})
}

func (a *api) handleKeys(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Held []string `json:"held"`
	}
	if !readJSON(rw, r, &req) {
		return
	}
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		s.SetKeys(req.Held)
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type effectEntry struct {
	Block string `json:"block"`
	logic.Effect
}

func (a *api) handleEffects(rw http.ResponseWriter, r *http.Request) {
	var out []effectEntry
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		fx := s.Effects()
		for _, id := range fx.Blocks() {
			e, _ := fx.Get(id)
			out = append(out, effectEntry{Block: id.String(), Effect: e})
		}
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *api) handleBurns(rw http.ResponseWriter, r *http.Request) {
	if a.burns == nil {
		writeError(rw, http.StatusServiceUnavailable, "index disabled")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	rows, err := a.burns.Burns(r.Context(), a.session.ID().String(), limit)
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

type plotSummary struct {
	ID     string `json:"id"`
	Blocks int    `json:"blocks"`
	Tick   uint64 `json:"tick"`
	Wires  int    `json:"wires"`
}

func (a *api) handleListPlots(rw http.ResponseWriter, r *http.Request) {
	var out []plotSummary
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		for _, id := range s.Plots() {
			p, _ := s.Plot(id)
			out = append(out, plotSummary{ID: id.String(), Blocks: p.Len(), Tick: p.Tick(), Wires: len(p.Graph().Wires())})
		}
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *api) handleCreatePlot(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 && !readJSON(rw, r, &req) {
		return
	}
	id := uuid.New()
	if req.ID != "" {
		var err error
		if id, err = uuid.Parse(req.ID); err != nil {
			writeError(rw, http.StatusBadRequest, "bad plot id")
			return
		}
	}
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		_, err := s.AddPlot(id)
		return err
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]string{"id": id.String()})
}

func (a *api) handleDeletePlot(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "plot")
	if !ok {
		return
	}
	if err := a.session.Do(r.Context(), func(s *plot.Session) error { return s.RemovePlot(id) }); err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type blockSummary struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Transform plot.Transform `json:"transform"`
	Enabled   bool           `json:"enabled"`
	Burned    string         `json:"burned,omitempty"`
}

func (a *api) handleListBlocks(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "plot")
	if !ok {
		return
	}
	var out []blockSummary
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		p, ok := s.Plot(id)
		if !ok {
			return plot.ErrUnknownPlot
		}
		for _, b := range p.Graph().Blocks() {
			kind, _ := p.Graph().Kind(b)
			tr, _ := p.Transform(b)
			sum := blockSummary{ID: b.String(), Kind: kind, Transform: tr, Enabled: true}
			if n, ok := p.Node(b); ok {
				sum.Enabled = n.Enabled()
				if be := n.Burned(); be != nil {
					sum.Burned = be.Reason
				}
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

type placeRequest struct {
	ID        string                       `json:"id"`
	Kind      string                       `json:"kind"`
	Transform plot.Transform               `json:"transform"`
	Config    map[string]ports.ConfigValue `json:"config"`
}

func (a *api) handlePlaceBlock(rw http.ResponseWriter, r *http.Request) {
	pid, ok := pathID(rw, r, "plot")
	if !ok {
		return
	}
	var req placeRequest
	if !readJSON(rw, r, &req) {
		return
	}
	id := uuid.New()
	if req.ID != "" {
		var err error
		if id, err = uuid.Parse(req.ID); err != nil {
			writeError(rw, http.StatusBadRequest, "bad block id")
			return
		}
	}
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		return s.Place(pid, id, req.Kind, req.Transform, req.Config)
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]string{"id": id.String()})
}

func (a *api) handleListWires(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "plot")
	if !ok {
		return
	}
	var out []wiring.Edge
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		p, ok := s.Plot(id)
		if !ok {
			return plot.ErrUnknownPlot
		}
		out = p.Graph().Wires()
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *api) handleDestroyBlock(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "block")
	if !ok {
		return
	}
	if err := a.session.Do(r.Context(), func(s *plot.Session) error { return s.Destroy(id) }); err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type portState struct {
	Port      string        `json:"port"`
	Dir       string        `json:"dir"`
	Group     string        `json:"group,omitempty"`
	Available ports.TypeSet `json:"available"`
	Kind      ports.Kind    `json:"kind"`
	Value     ports.Value   `json:"value"`
	Source    string        `json:"source,omitempty"`
}

func (a *api) handlePorts(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "block")
	if !ok {
		return
	}
	var out []portState
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		p, err := s.PlotOf(id)
		if err != nil {
			return err
		}
		for _, m := range p.Graph().Markers(id) {
			ts, err := p.GetAvailableTypes(id, m.Ref.Port)
			if err != nil {
				return err
			}
			v, err := p.GetResolvedValue(id, m.Ref.Port)
			if err != nil {
				return err
			}
			k, _ := p.Graph().ResolvedKind(m.Ref)
			st := portState{Port: m.Ref.Port, Dir: m.Dir.String(), Group: m.Group, Available: ts, Kind: k, Value: v}
			if m.Dir == wiring.Input {
				st.Source = p.Engine().SourceOf(m.Ref).String()
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *api) handleEnabled(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "block")
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !readJSON(rw, r, &req) {
		return
	}
	if err := a.session.Do(r.Context(), func(s *plot.Session) error { return s.SetEnabled(id, req.Enabled) }); err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *api) handleConfig(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "block")
	if !ok {
		return
	}
	port := chi.URLParam(r, "port")
	var cfg ports.ConfigValue
	if !readJSON(rw, r, &cfg) {
		return
	}
	if err := a.session.Do(r.Context(), func(s *plot.Session) error { return s.Configure(id, port, cfg) }); err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *api) handleUnwire(rw http.ResponseWriter, r *http.Request) {
	id, ok := pathID(rw, r, "block")
	if !ok {
		return
	}
	in := wiring.PortRef{Block: id, Port: chi.URLParam(r, "port")}
	if err := a.session.Do(r.Context(), func(s *plot.Session) error { return s.Disconnect(in) }); err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type connectRequest struct {
	From    wiring.PortRef `json:"from"`
	To      wiring.PortRef `json:"to"`
	Replace bool           `json:"replace"`
}

func (a *api) handleConnect(rw http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !readJSON(rw, r, &req) {
		return
	}
	err := a.session.Do(r.Context(), func(s *plot.Session) error {
		if req.Replace {
			return s.Connect(req.From, req.To)
		}
		return s.TryConnect(req.From, req.To)
	})
	if err != nil {
		a.fail(rw, err)
		return
	}
	rw.WriteHeader(http.StatusCreated)
}

// fail maps engine errors onto HTTP statuses. Wiring errors carry the
// player-facing reason.
func (a *api) fail(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plot.ErrUnknownPlot), errors.Is(err, plot.ErrUnknownBlock):
		writeError(rw, http.StatusNotFound, err.Error())
	case errors.Is(err, plot.ErrDuplicatePlot), errors.Is(err, wiring.ErrDuplicateBlock):
		writeError(rw, http.StatusConflict, err.Error())
	case errors.Is(err, plot.ErrPlotFull):
		writeError(rw, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, wiring.ErrInputOccupied), errors.Is(err, wiring.ErrIncompatible),
		errors.Is(err, wiring.ErrInterplot), errors.Is(err, wiring.ErrSelfLoop):
		writeError(rw, http.StatusConflict, wiring.Reason(err))
	case errors.Is(err, wiring.ErrUnknownPort), errors.Is(err, wiring.ErrUnknownKind),
		errors.Is(err, wiring.ErrNotConnected), errors.Is(err, wiring.ErrWireConfig):
		writeError(rw, http.StatusBadRequest, wiring.Reason(err))
	case errors.Is(err, plot.ErrStopped):
		writeError(rw, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(rw, http.StatusGatewayTimeout, "session busy")
	default:
		a.log.Printf("request failed: %v", err)
		writeError(rw, http.StatusBadRequest, err.Error())
	}
}

func pathID(rw http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad "+name+" id")
		return uuid.Nil, false
	}
	return id, true
}

func readJSON(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(rw, http.StatusBadRequest, "bad json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
