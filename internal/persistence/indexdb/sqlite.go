package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"blockwire.ai/internal/protocol"
	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of burns and replication
// traffic. Writes are queued and committed in batches on one goroutine;
// the JSONL journal remains the source of truth.
type SQLiteIndex struct {
	db      *sql.DB
	session string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropBurn atomic.Uint64
	dropSync atomic.Uint64
}

type reqKind int

const (
	reqBurn reqKind = iota + 1
	reqSync
	reqFlush
)

type req struct {
	kind reqKind

	burn BurnRow
	sync syncRow
	done chan struct{}
}

type BurnRow struct {
	Session    string `json:"session"`
	Tick       uint64 `json:"tick"`
	Block      string `json:"block"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	RecordedAt string `json:"recorded_at"`
}

type syncRow struct {
	Session    string
	Dir        string
	Channel    string
	Seq        uint64
	Origin     string
	Tick       uint64
	Payload    string
	RecordedAt string
}

type Stats struct {
	DropBurnTotal uint64 `json:"drop_burn_total"`
	DropSyncTotal uint64 `json:"drop_sync_total"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

func OpenSQLite(path, session string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = 4096
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:      db,
		session: session,
		ch:      make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS burns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			tick INTEGER NOT NULL,
			block TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_burns_session_tick ON burns(session, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_burns_block ON burns(block);`,
		`CREATE TABLE IF NOT EXISTS sync_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			dir TEXT NOT NULL,
			channel TEXT NOT NULL,
			seq INTEGER NOT NULL,
			origin TEXT NOT NULL,
			tick INTEGER NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_session_channel ON sync_events(session, channel, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordBurn queues a burn row. It never blocks the simulation.
func (s *SQLiteIndex) RecordBurn(tick uint64, block, kind, reason string) {
	if s == nil || s.closed.Load() {
		return
	}
	r := BurnRow{
		Session:    s.session,
		Tick:       tick,
		Block:      block,
		Kind:       kind,
		Reason:     reason,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqBurn, burn: r}:
	default:
		s.dropBurn.Add(1)
	}
}

// Record indexes one replication message; dir is "send" or "recv".
func (s *SQLiteIndex) Record(dir string, msg protocol.SyncMsg) {
	if s == nil || s.closed.Load() {
		return
	}
	r := syncRow{
		Session:    s.session,
		Dir:        dir,
		Channel:    msg.Channel,
		Seq:        msg.Seq,
		Origin:     msg.Origin,
		Tick:       msg.Tick,
		Payload:    string(msg.Payload),
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqSync, sync: r}:
	default:
		s.dropSync.Add(1)
	}
}

// Flush waits until every queued row is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropBurnTotal: s.dropBurn.Load(),
		DropSyncTotal: s.dropSync.Load(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
	}
}

func (s *SQLiteIndex) UpsertCatalogs(cat *catalogs.Catalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b, _ := json.Marshal(cat.Kinds); len(b) > 0 {
		rows = append(rows, kv{name: "blocks", digest: cat.Digest, json: b})
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CatalogDigest returns the stored digest of a catalog row.
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name = ?`, name).Scan(&d)
	return d, err
}

// Burns lists the most recent burns of a session, newest first.
func (s *SQLiteIndex) Burns(ctx context.Context, session string, limit int) ([]BurnRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, tick, block, kind, reason, recorded_at FROM burns
		 WHERE session = ? ORDER BY id DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BurnRow
	for rows.Next() {
		var r BurnRow
		var tick int64
		if err := rows.Scan(&r.Session, &tick, &r.Block, &r.Kind, &r.Reason, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SyncCounts returns the number of indexed messages per channel and direction.
func (s *SQLiteIndex) SyncCounts(ctx context.Context, session string) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, dir, COUNT(*) FROM sync_events WHERE session = ? GROUP BY channel, dir`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]map[string]int{}
	for rows.Next() {
		var ch, dir string
		var n int
		if err := rows.Scan(&ch, &dir, &n); err != nil {
			return nil, err
		}
		if out[ch] == nil {
			out[ch] = map[string]int{}
		}
		out[ch][dir] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertBurn, _ := s.db.Prepare(`INSERT INTO burns(session,tick,block,kind,reason,recorded_at) VALUES(?,?,?,?,?,?)`)
	insertSync, _ := s.db.Prepare(`INSERT INTO sync_events(session,dir,channel,seq,origin,tick,payload,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertBurn != nil {
			_ = insertBurn.Close()
		}
		if insertSync != nil {
			_ = insertSync.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqBurn:
			b := r.burn
			if insertBurn != nil {
				if _, err := tx.Stmt(insertBurn).Exec(b.Session, int64(b.Tick), b.Block, b.Kind, b.Reason, b.RecordedAt); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case reqSync:
			y := r.sync
			if insertSync != nil {
				if _, err := tx.Stmt(insertSync).Exec(y.Session, y.Dir, y.Channel, int64(y.Seq), y.Origin, int64(y.Tick), y.Payload, y.RecordedAt); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
