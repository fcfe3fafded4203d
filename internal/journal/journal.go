package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tasktree/tasktree-sync/internal/stream"
)

// DB is the subset of *pgxpool.Pool used by the writer.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS project_events (
	event_id    UUID PRIMARY KEY,
	project_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS project_events_project_received
	ON project_events (project_id, received_at);
`

const insertEvent = `
	INSERT INTO project_events (event_id, project_id, event_type, payload, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (event_id) DO NOTHING
`

// eventNamespace scopes derived event ids.
var eventNamespace = uuid.MustParse("6f1c5a2e-8d4b-4c1e-9a57-3b2f0e7d9c14")

// Config configures the writer.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits in the batch
	BufferSize    int           // Queued events before Record drops
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// Metrics tracks writer activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Dropped   int64
	Flushes   int64
}

// row is one project_events record.
type row struct {
	EventID    uuid.UUID
	ProjectID  string
	EventType  string
	Payload    []byte
	ReceivedAt time.Time
}

// Writer batches stream events into project_events.
type Writer struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	input chan stream.Event

	batch   []row
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a stopped writer.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan stream.Event, cfg.BufferSize),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the journal table if missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create project_events: %w", err)
	}
	return nil
}

// Record queues ev. It never blocks; when the buffer is full the event
// is dropped with a warning. Usable directly as a stream.Listener.
func (w *Writer) Record(ev stream.Event) {
	select {
	case w.input <- ev:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("journal buffer full, dropping event", "project", ev.Key, "event", ev.Type)
	}
}

// Start begins consuming queued events.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("event journal started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events and performs a final flush bounded by ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping event journal")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event journal stop timed out")
	}

	// Drain whatever was queued after the consumer exited.
drain:
	for {
		select {
		case ev := <-w.input:
			w.add(ev)
		default:
			break drain
		}
	}

	w.flush(ctx)
	w.logger.Info("event journal stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.input:
			if w.add(ev) {
				w.flush(w.ctx)
			}
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends ev to the batch and reports whether the batch is full.
func (w *Writer) add(ev stream.Event) bool {
	r := transform(ev)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts an event to a row. With a server id, the row id
// is derived from key and server id so a redelivery maps to the same
// row. Without one, the receive time is mixed in so distinct deliveries
// with equal payloads stay distinct.
func transform(ev stream.Event) row {
	payload := []byte(ev.Data)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	var name string
	if ev.ID != "" {
		name = ev.Key + "\x00id\x00" + ev.ID
	} else {
		name = ev.Key + "\x00" + string(ev.Type) + "\x00" + string(payload) +
			"\x00" + ev.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	return row{
		EventID:    uuid.NewSHA1(eventNamespace, []byte(name)),
		ProjectID:  ev.Key,
		EventType:  string(ev.Type),
		Payload:    payload,
		ReceivedAt: ev.ReceivedAt,
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed project events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.EventID, r.ProjectID, r.EventType, r.Payload, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
