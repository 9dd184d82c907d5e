package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"blockwire.ai/internal/persistence/indexdb"
	persistlog "blockwire.ai/internal/persistence/log"
	"blockwire.ai/internal/protocol"
	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/plot"
	"blockwire.ai/internal/sim/synchronizer"
	"blockwire.ai/internal/sim/tuning"
	"blockwire.ai/internal/telemetry"
	"blockwire.ai/internal/transport/replication"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		sessionID  = flag.String("session", "", "session id (default: random)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite burn/sync index")
		upstream   = flag.String("upstream", "", "replicate from this server (ws://host/v1/replication) instead of relaying")
		loopback   = flag.Bool("loopback_replication", false, "accept replication peers from loopback addresses only")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if tune.Journal.Dir == "" {
		tune.Journal.Dir = filepath.Join(*dataDir, "journal")
	}
	if tune.Journal.IndexPath == "" {
		tune.Journal.IndexPath = filepath.Join(*dataDir, "index.sqlite")
	}

	sid := uuid.New()
	if *sessionID != "" {
		if sid, err = uuid.Parse(*sessionID); err != nil {
			logger.Fatalf("bad -session: %v", err)
		}
	}
	rotate := time.Duration(tune.Journal.RotateHours) * time.Hour

	journal := persistlog.NewSyncJournal(tune.Journal.Dir, sid.String(), rotate, func(err error) {
		logger.Printf("sync journal: %v", err)
	})
	defer journal.Close()
	burnLog := persistlog.NewBurnLogger(tune.Journal.Dir, rotate)
	defer burnLog.Close()

	burns := []plot.BurnSink{plot.BurnSinkFunc(func(tick uint64, block, kind, reason string) {
		err := burnLog.WriteBurn(persistlog.BurnEntry{
			Time:    time.Now().UTC(),
			Session: sid.String(),
			Tick:    tick,
			Block:   block,
			Kind:    kind,
			Reason:  reason,
		})
		if err != nil {
			logger.Printf("burn log: %v", err)
		}
	})}
	journals := []synchronizer.Journal{journal}

	var idx *indexdb.SQLiteIndex
	if !*disableDB && !envBool("BW_DISABLE_INDEX", false) {
		idx, err = indexdb.OpenSQLite(tune.Journal.IndexPath, sid.String(), tune.Journal.IndexQueue)
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(cat, tune); err != nil {
			logger.Printf("index catalogs: %v", err)
		}
		burns = append(burns, idx)
		journals = append(journals, idx)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	origin := "server"
	if *upstream != "" {
		origin = "client-" + sid.String()[:8]
	}
	session, err := plot.NewSession(plot.Config{
		ID:       sid,
		Origin:   origin,
		Relay:    *upstream == "",
		Catalog:  cat,
		Tuning:   tune,
		World:    logic.NewFlatWorld(),
		Logger:   log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmicroseconds),
		Metrics:  metrics,
		Burns:    burns,
		Journals: journals,
	})
	if err != nil {
		logger.Fatalf("session: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var repl *replication.Server
	if *upstream == "" {
		repl = replication.NewServer(session, replication.Options{
			SessionID:     sid.String(),
			CatalogDigest: cat.Digest,
			TickRateHz:    tune.TickRateHz,
			Channels:      session.Hub().Channels(),
			Limits:        tune.Replication,
			LoopbackOnly:  *loopback,
			Metrics:       metrics,
		}, log.New(os.Stdout, "[replication] ", log.LstdFlags|log.Lmicroseconds))
		session.SetTransport(repl)
	} else {
		dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := replication.Dial(dctx, *upstream, protocol.HelloMsg{
			PeerName:      origin,
			CatalogDigest: cat.Digest,
		}, session, tune.Replication.PeerQueue, log.New(os.Stdout, "[replication] ", log.LstdFlags|log.Lmicroseconds))
		dcancel()
		if err != nil {
			logger.Fatalf("dial upstream: %v", err)
		}
		defer client.Close()
		w := client.Welcome()
		logger.Printf("joined upstream session %s as %s", w.SessionID, w.PeerID)
		session.SetTransport(client)
		go func() {
			select {
			case <-client.Done():
				logger.Printf("upstream connection closed")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- session.Run(ctx) }()

	a := &api{session: session, repl: repl, gather: reg, log: logger}
	if idx != nil {
		a.burns = idx
	}
	r := chi.NewRouter()
	r.Mount("/", a.routes())
	if envBool("BW_ENABLE_PPROF_HTTP", false) {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (BW_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		session.Stop()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("session %s listening on %s (catalog %s, %d kinds)", sid, *addr, cat.Digest[:12], len(cat.Kinds))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	if err := <-loopDone; err != nil && err != context.Canceled {
		logger.Printf("session loop: %v", err)
	}
	if idx != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.Flush(fctx); err != nil {
			logger.Printf("index flush: %v", err)
		}
		fcancel()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
