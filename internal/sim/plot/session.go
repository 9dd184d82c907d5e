package plot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"blockwire.ai/internal/protocol"
	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/control"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/ports"
	"blockwire.ai/internal/sim/synchronizer"
	"blockwire.ai/internal/sim/tuning"
	"blockwire.ai/internal/sim/wiring"
	"blockwire.ai/internal/telemetry"
)

var (
	ErrUnknownPlot   = errors.New("unknown plot")
	ErrDuplicatePlot = errors.New("plot already exists")
	ErrStopped       = errors.New("session stopped")
)

// BurnSink persists burn records.
type BurnSink interface {
	RecordBurn(tick uint64, block, kind, reason string)
}

// BurnSinkFunc adapts a function to BurnSink.
type BurnSinkFunc func(tick uint64, block, kind, reason string)

func (f BurnSinkFunc) RecordBurn(tick uint64, block, kind, reason string) { f(tick, block, kind, reason) }

type Config struct {
	ID uuid.UUID
	// Origin names this side on replication channels.
	Origin   string
	Relay    bool
	Catalog  *catalogs.Catalog
	Tuning   tuning.Tuning
	Registry *logic.Registry
	World    logic.World
	Logger   *log.Logger
	Metrics  *telemetry.Metrics
	Burns    []BurnSink
	Journals []synchronizer.Journal
}

// Inbound is a replication message received from a peer.
type Inbound struct {
	Msg  protocol.SyncMsg
	From string
}

// SessionMetrics is a read-only view updated by the loop goroutine.
type SessionMetrics struct {
	Tick         uint64  `json:"tick"`
	Plots        int     `json:"plots"`
	Blocks       int     `json:"blocks"`
	Resolved     int     `json:"resolved"`
	Invoked      int     `json:"invoked"`
	Burned       int     `json:"burned"`
	InboxDepth   int     `json:"inbox_depth"`
	InboxDropped uint64  `json:"inbox_dropped"`
	SyncGaps     uint64  `json:"sync_gaps"`
	StepMS       float64 `json:"step_ms"`
}

type request struct {
	fn   func(*Session) error
	resp chan error
}

// Session owns every plot of one simulation side and the replication hub
// they publish on. All engine state is touched only by the Run goroutine;
// other goroutines go through Do and Deliver.
type Session struct {
	cfg      Config
	logger   *log.Logger
	plots    map[uuid.UUID]*Plot
	order    []uuid.UUID
	owner    map[uuid.UUID]uuid.UUID
	hub      *synchronizer.Hub
	channels *logic.Channels
	effects  *logic.EffectState
	keys     control.KeySet

	tick     atomic.Uint64
	dropped  atomic.Uint64
	metrics  atomic.Value
	reqs     chan request
	inbox    chan Inbound
	stop     chan struct{}
	stopOnce sync.Once
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("session: catalog required")
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.ID.String()
	}
	if cfg.Registry == nil {
		cfg.Registry = logic.Builtins()
	}
	if cfg.Tuning.TickRateHz == 0 {
		cfg.Tuning = tuning.Defaults()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[plot] ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		plots:   map[uuid.UUID]*Plot{},
		owner:   map[uuid.UUID]uuid.UUID{},
		effects: logic.NewEffectState(),
		keys:    control.KeySet{},
		reqs:    make(chan request, 64),
		inbox:   make(chan Inbound, cfg.Tuning.Replication.InboxQueue),
		stop:    make(chan struct{}),
	}
	s.hub = synchronizer.NewHub(synchronizer.Options{
		Origin:   cfg.Origin,
		Relay:    cfg.Relay,
		Journals: cfg.Journals,
		Observer: cfg.Metrics,
		Tick:     s.tick.Load,
	})
	ch, err := logic.DeclareChannels(s.hub, s.effects)
	if err != nil {
		return nil, err
	}
	s.channels = ch
	s.metrics.Store(SessionMetrics{})
	return s, nil
}

func (s *Session) ID() uuid.UUID               { return s.cfg.ID }
func (s *Session) Catalog() *catalogs.Catalog  { return s.cfg.Catalog }
func (s *Session) Hub() *synchronizer.Hub      { return s.hub }
func (s *Session) Effects() *logic.EffectState { return s.effects }
func (s *Session) CurrentTick() uint64         { return s.tick.Load() }
func (s *Session) TickRateHz() int             { return s.cfg.Tuning.TickRateHz }
func (s *Session) Tuning() tuning.Tuning       { return s.cfg.Tuning }

func (s *Session) SetTransport(t synchronizer.Transport) { s.hub.SetTransport(t) }

func (s *Session) Metrics() SessionMetrics {
	m, _ := s.metrics.Load().(SessionMetrics)
	return m
}

// AddPlot creates an empty plot.
func (s *Session) AddPlot(id uuid.UUID) (*Plot, error) {
	if _, dup := s.plots[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlot, id)
	}
	t := s.cfg.Tuning
	p := New(id, s.cfg.Catalog, Options{
		Registry:          s.cfg.Registry,
		World:             s.cfg.World,
		Channels:          s.channels,
		DoublePressWindow: t.DoublePressWindow(),
		ScriptTimeout:     t.ScriptTimeout(),
		MaxBlocks:         t.MaxBlocksPerPlot,
		OnBurn:            s.recordBurn,
		Metrics:           s.cfg.Metrics,
	})
	s.plots[id] = p
	s.order = append(s.order, id)
	return p, nil
}

// RemovePlot destroys every block of the plot, then the plot.
func (s *Session) RemovePlot(id uuid.UUID) error {
	p, ok := s.plots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlot, id)
	}
	for _, b := range p.Graph().Blocks() {
		if err := p.OnBlockDestroyed(b); err != nil {
			return err
		}
		delete(s.owner, b)
		s.effects.Forget(b)
	}
	delete(s.plots, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Session) Plot(id uuid.UUID) (*Plot, bool) {
	p, ok := s.plots[id]
	return p, ok
}

// Plots lists plot ids in creation order.
func (s *Session) Plots() []uuid.UUID { return append([]uuid.UUID(nil), s.order...) }

// PlotOf returns the plot that owns block.
func (s *Session) PlotOf(block uuid.UUID) (*Plot, error) {
	pid, ok := s.owner[block]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	return s.plots[pid], nil
}

func (s *Session) Place(plotID, block uuid.UUID, kind string, tr Transform, configs map[string]ports.ConfigValue) error {
	p, ok := s.plots[plotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlot, plotID)
	}
	if _, dup := s.owner[block]; dup {
		return fmt.Errorf("%w: %s", wiring.ErrDuplicateBlock, block)
	}
	if err := p.OnBlockPlaced(block, kind, tr, configs); err != nil {
		return err
	}
	s.owner[block] = plotID
	return nil
}

func (s *Session) Destroy(block uuid.UUID) error {
	p, err := s.PlotOf(block)
	if err != nil {
		return err
	}
	if err := p.OnBlockDestroyed(block); err != nil {
		return err
	}
	delete(s.owner, block)
	s.effects.Forget(block)
	return nil
}

func (s *Session) samePlot(out, in wiring.PortRef) (*Plot, error) {
	po, err := s.PlotOf(out.Block)
	if err != nil {
		return nil, err
	}
	pi, err := s.PlotOf(in.Block)
	if err != nil {
		return nil, err
	}
	if po != pi {
		return nil, wiring.ErrInterplot
	}
	return po, nil
}

// TryConnect wires out to in when both live on one plot and in is free.
func (s *Session) TryConnect(out, in wiring.PortRef) error {
	p, err := s.samePlot(out, in)
	if err != nil {
		return err
	}
	return p.TryConnect(out, in)
}

// Connect applies a wire from the building layer, replacing any wire on in.
func (s *Session) Connect(out, in wiring.PortRef) error {
	p, err := s.samePlot(out, in)
	if err != nil {
		return err
	}
	return p.OnWireConnected(out, in)
}

func (s *Session) Disconnect(in wiring.PortRef) error {
	p, err := s.PlotOf(in.Block)
	if err != nil {
		return err
	}
	return p.TryDisconnect(in)
}

func (s *Session) Configure(block uuid.UUID, port string, cfg ports.ConfigValue) error {
	p, err := s.PlotOf(block)
	if err != nil {
		return err
	}
	return p.OnConfigUpdated(block, port, cfg)
}

func (s *Session) SetStatic(block uuid.UUID, port string, v ports.Value) error {
	p, err := s.PlotOf(block)
	if err != nil {
		return err
	}
	return p.TrySetStaticConfig(block, port, v)
}

func (s *Session) SetEnabled(block uuid.UUID, on bool) error {
	p, err := s.PlotOf(block)
	if err != nil {
		return err
	}
	return p.SetEnabled(block, on)
}

// SetKeys replaces the set of held control keys.
func (s *Session) SetKeys(held []string) {
	s.keys = control.KeySet{}
	for _, k := range held {
		s.keys[k] = true
	}
}

// HeldKeys lists held keys in order.
func (s *Session) HeldKeys() []string {
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Session) recordBurn(be *logic.BurnError) {
	tick := s.tick.Load()
	block := be.Block.String()
	s.logger.Printf("burn tick=%d block=%s kind=%s reason=%s", tick, block, be.Kind, be.Reason)
	for _, sink := range s.cfg.Burns {
		sink.RecordBurn(tick, block, be.Kind, be.Reason)
	}
	if err := s.channels.Burn.Send(logic.BurnPayload{Block: block, Kind: be.Kind, Reason: be.Reason}); err != nil {
		s.logger.Printf("burn notice dropped: %v", err)
	}
}

// Deliver queues a replication message for the next tick. It never blocks;
// it reports false when the inbox is full.
func (s *Session) Deliver(msg protocol.SyncMsg, from string) bool {
	select {
	case s.inbox <- Inbound{Msg: msg, From: from}:
		return true
	default:
		s.dropped.Add(1)
		s.cfg.Metrics.InboxDropped()
		return false
	}
}

// Do runs fn on the loop goroutine between ticks and waits for it.
func (s *Session) Do(ctx context.Context, fn func(*Session) error) error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	resp := make(chan error, 1)
	select {
	case s.reqs <- request{fn: fn, resp: resp}:
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Run(ctx context.Context) error {
	interval := s.cfg.Tuning.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []Inbound
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.reqs:
			req.resp <- req.fn(s)
		case in := <-s.inbox:
			pending = append(pending, in)
		case <-ticker.C:
			s.StepOnce(pending)
			pending = pending[:0]
		}
	}
}

func (s *Session) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// StepOnce applies inbound messages, then advances every plot one tick. It is
// what Run calls on each tick and is exported for deterministic tests.
func (s *Session) StepOnce(inbound []Inbound) SessionMetrics {
	start := time.Now()
	m := SessionMetrics{Tick: s.tick.Add(1), Plots: len(s.order)}
	// Inbound messages are journaled with the tick that applies them.
	for _, in := range inbound {
		if err := s.hub.Deliver(in.Msg, in.From); err != nil {
			s.logger.Printf("sync from %s dropped: %v", in.From, err)
		}
	}

	dt := s.cfg.Tuning.TickInterval().Seconds()
	for _, id := range s.order {
		p := s.plots[id]
		st := p.Step(dt, s.keys)
		m.Resolved += st.Resolved
		m.Invoked += st.Invoked
		m.Burned += st.Burned
		m.Blocks += p.Len()
	}
	elapsed := time.Since(start)
	m.StepMS = float64(elapsed.Microseconds()) / 1000
	m.InboxDepth = len(s.inbox)
	m.InboxDropped = s.dropped.Load()
	m.SyncGaps = s.hub.Gaps()
	s.metrics.Store(m)

	s.cfg.Metrics.Tick(elapsed)
	s.cfg.Metrics.ActiveBlocks(m.Blocks)
	return m
}
