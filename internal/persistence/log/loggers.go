package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockwire.ai/internal/protocol"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	period  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	curSlot string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewJSONLZstdWriter writes <baseDir>/<prefix>-<slot>.jsonl.zst, starting a new
// file every period (hourly when period <= 0).
func NewJSONLZstdWriter(baseDir, prefix string, period time.Duration) *JSONLZstdWriter {
	if period <= 0 {
		period = time.Hour
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		period:  period,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.now().UTC().Truncate(w.period).Format("2006-01-02-15")
	if slot != w.curSlot {
		if err := w.rotateLocked(slot); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(slot string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForSlot(slot), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSlot = slot
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curSlot = ""
	return err1
}

func (w *JSONLZstdWriter) pathForSlot(slot string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, slot))
}

// SyncEntry is one journaled replication message.
type SyncEntry struct {
	Time    time.Time        `json:"time"`
	Session string           `json:"session"`
	Dir     string           `json:"dir"` // "send" or "recv"
	Msg     protocol.SyncMsg `json:"msg"`
}

// SyncJournal records every replication message sent or applied by a hub.
type SyncJournal struct {
	session string
	w       *JSONLZstdWriter
	errs    func(error)
}

func NewSyncJournal(dir, session string, period time.Duration, onErr func(error)) *SyncJournal {
	return &SyncJournal{
		session: session,
		w:       NewJSONLZstdWriter(filepath.Join(dir, "sync"), "sync", period),
		errs:    onErr,
	}
}

func (j *SyncJournal) Record(dir string, msg protocol.SyncMsg) {
	err := j.w.Write(SyncEntry{Time: j.w.now().UTC(), Session: j.session, Dir: dir, Msg: msg})
	if err != nil && j.errs != nil {
		j.errs(err)
	}
}

func (j *SyncJournal) Close() error { return j.w.Close() }

// BurnEntry records a node that was permanently disabled.
type BurnEntry struct {
	Time    time.Time `json:"time"`
	Session string    `json:"session"`
	Tick    uint64    `json:"tick"`
	Block   string    `json:"block"`
	Kind    string    `json:"kind"`
	Reason  string    `json:"reason"`
}

// BurnLogger writes burn JSONL entries (compressed).
type BurnLogger struct{ w *JSONLZstdWriter }

func NewBurnLogger(dir string, period time.Duration) *BurnLogger {
	return &BurnLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "burns"), "burns", period)}
}

func (l *BurnLogger) WriteBurn(v BurnEntry) error { return l.w.Write(v) }
func (l *BurnLogger) Close() error                { return l.w.Close() }

// ListFiles returns <dir>/<prefix>-*.jsonl.zst in name (and so time) order.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadLines calls fn with every line of a .jsonl.zst file.
func ReadLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

// ReadSyncEntries decodes every entry of a sync journal file.
func ReadSyncEntries(path string, fn func(SyncEntry) error) error {
	return ReadLines(path, func(line []byte) error {
		var e SyncEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		return fn(e)
	})
}
