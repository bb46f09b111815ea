// Package audit exports resolved conflicts and the dead set for review
// outside the terminal.
//
// Each export is one object of newline-delimited JSON entries, compressed
// with the snappy framing format, written to a directory or an S3 bucket.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/tillsync/internal/ir"
)

// Entry kinds.
const (
	KindConflict = "conflict"
	KindDead     = "dead"
)

// Extension is the suffix of every export object.
const Extension = ".jsonl.sz"

// DefaultFlushAt is how many conflicts the Recorder buffers before Due
// reports true.
const DefaultFlushAt = 50

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 30 * time.Second

// Sink stores export objects under a key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Entry is one exported operation.
type Entry struct {
	Kind         string             `json:"kind"`
	OperationID  string             `json:"operationId"`
	TenantID     string             `json:"tenantId"`
	StoreID      string             `json:"storeId"`
	TerminalID   string             `json:"terminalId"`
	OpKind       ir.Kind            `json:"opKind"`
	SequenceNo   int64              `json:"sequenceNo"`
	Status       ir.Status          `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Compensates  string             `json:"compensates,omitempty"`
	Resolution   string             `json:"resolution,omitempty"`
	ManualReview bool               `json:"manualReview,omitempty"`
	Server       *ir.ConflictDetail `json:"server,omitempty"`
	Payload      json.RawMessage    `json:"payload"`
	RecordedAt   time.Time          `json:"recordedAt"`
}

func newEntry(kind string, op ir.Operation, at time.Time) (Entry, error) {
	payload, err := ir.EncodePayload(op.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s: %w", op.ID, err)
	}
	return Entry{
		Kind:        kind,
		OperationID: op.ID,
		TenantID:    op.Scope.TenantID,
		StoreID:     op.Scope.StoreID,
		TerminalID:  op.TerminalID,
		OpKind:      op.Kind,
		SequenceNo:  op.SequenceNo,
		Status:      op.Status,
		Reason:      op.Reason,
		Compensates: op.Compensates,
		Payload:     payload,
		RecordedAt:  at.UTC(),
	}, nil
}

// Encode writes entries as compressed JSON lines.
func Encode(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := snappy.NewBufferedWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads an export object written by Encode.
func Decode(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(snappy.NewReader(r))
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)

	entries := []Entry{}
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return entries, nil
}

// Recorder buffers conflict records and writes them to a sink in
// batches. It implements engine.ConflictSink. Safe for concurrent use.
//
// RecordConflict never touches the sink, so a slow bucket cannot stall a
// sync cycle. The owner calls Flush between cycles once Due reports a
// full buffer, and again on shutdown.
type Recorder struct {
	sink         Sink
	flushAt      int
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	pending []Entry
	objects int
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithFlushAt sets how many conflicts are buffered before a write.
func WithFlushAt(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.flushAt = n
		}
	}
}

// WithWriteTimeout bounds each sink write. Zero keeps the default.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithNow overrides the clock used for timestamps and object keys.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, opts ...Option) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit: sink is required")
	}
	r := &Recorder{
		sink:         sink,
		flushAt:      DefaultFlushAt,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecordConflict buffers rec. It does not write; see Due and Flush.
func (r *Recorder) RecordConflict(_ context.Context, rec ir.ConflictRecord) error {
	e, err := newEntry(KindConflict, rec.Operation, r.now())
	if err != nil {
		return err
	}
	e.Resolution = rec.Resolution
	e.ManualReview = rec.ManualReview
	server := rec.Server
	e.Server = &server

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, e)
	return nil
}

// Due reports whether the buffer has reached the flush threshold.
func (r *Recorder) Due() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) >= r.flushAt
}

// Flush writes buffered conflicts. Returns the object key, or "" when
// nothing was buffered. The buffer is detached while the write runs, so
// RecordConflict never waits on the sink; on failure the entries go back
// ahead of anything recorded meanwhile.
func (r *Recorder) Flush(ctx context.Context) (string, error) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return "", nil
	}
	entries := r.pending
	r.pending = nil
	key := r.keyLocked(KindConflict, entries[0])
	r.mu.Unlock()

	if err := r.write(ctx, key, entries); err != nil {
		r.mu.Lock()
		r.pending = append(entries, r.pending...)
		r.mu.Unlock()
		return "", err
	}
	r.logger.Info("conflicts exported", "key", key, "count", len(entries))
	return key, nil
}

// Buffered returns the number of conflicts not yet written.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ExportDeadSet writes ops, normally the dead set, as one object and
// returns its key. An empty set writes nothing and returns "".
func (r *Recorder) ExportDeadSet(ctx context.Context, ops []ir.Operation) (string, error) {
	if len(ops) == 0 {
		return "", nil
	}
	at := r.now()
	entries := make([]Entry, 0, len(ops))
	for _, op := range ops {
		e, err := newEntry(KindDead, op, at)
		if err != nil {
			return "", err
		}
		entries = append(entries, e)
	}

	r.mu.Lock()
	key := r.keyLocked(KindDead, entries[0])
	r.mu.Unlock()

	if err := r.write(ctx, key, entries); err != nil {
		return "", err
	}
	r.logger.Info("dead set exported", "key", key, "count", len(entries))
	return key, nil
}

func (r *Recorder) write(ctx context.Context, key string, entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.sink.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// keyLocked names an object tenant/store/terminal/kind-time-n. The
// counter keeps keys unique within one process.
func (r *Recorder) keyLocked(kind string, first Entry) string {
	r.objects++
	return fmt.Sprintf("%s/%s/%s/%s-%s-%04d%s",
		first.TenantID, first.StoreID, first.TerminalID,
		kind, r.now().UTC().Format("20060102T150405Z"), r.objects, Extension)
}
