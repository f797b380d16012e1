// Package audit records a compliance trail of every user mutation.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"haven-service/internal/bucketing"
	"haven-service/internal/util"
)

type actorKey struct{}

// WithActor tags ctx with who is performing a mutation (onboarding, webhook, admin).
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return "system"
}

type Record struct {
	ID         string
	ClerkID    string
	Action     string
	Fields     []string
	Actor      string
	OccurredAt time.Time
}

func NewRecord(ctx context.Context, clerkID, action string, fields ...string) Record {
	return Record{
		ID:         uuid.New().String(),
		ClerkID:    clerkID,
		Action:     action,
		Fields:     fields,
		Actor:      ActorFrom(ctx),
		OccurredAt: time.Now().UTC(),
	}
}

type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// BatchWriter is the subset of the ClickHouse client used by the sink.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink buffers records and flushes them in batches. Records from a
// failed flush stay buffered for the next one; past maxBuffered the oldest are
// written to the log instead.
type ClickHouseSink struct {
	writer  BatchWriter
	table   string
	buckets *bucketing.Manager

	mu          sync.Mutex
	buf         []Record
	batchSize   int
	maxBuffered int
	overflow    Sink
}

func NewClickHouseSink(w BatchWriter, table string, buckets *bucketing.Manager) *ClickHouseSink {
	return &ClickHouseSink{
		writer:      w,
		table:       table,
		buckets:     buckets,
		batchSize:   100,
		maxBuffered: 10000,
		overflow:    LogSink{},
	}
}

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID,
		clerk_id String,
		action LowCardinality(String),
		fields Array(String),
		actor LowCardinality(String),
		event_bucket UInt16,
		date_bucket Date,
		occurred_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(date_bucket)
	ORDER BY (clerk_id, occurred_at)`, s.table)
	return s.writer.Exec(ctx, ddl)
}

// Record buffers rec, flushing when the batch is full.
func (s *ClickHouseSink) Record(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(pending))
	for _, rec := range pending {
		uid, err := uuid.Parse(rec.ID)
		if err != nil {
			uid = uuid.New()
		}
		date, _ := time.Parse("2006-01-02", s.buckets.DateBucket(rec.OccurredAt))
		rows = append(rows, []interface{}{
			uid, rec.ClerkID, rec.Action, rec.Fields, rec.Actor,
			uint16(s.buckets.EventBucket(rec.ClerkID)), date, rec.OccurredAt,
		})
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", s.table,
		strings.Join([]string{"id", "clerk_id", "action", "fields", "actor", "event_bucket", "date_bucket", "occurred_at"}, ", "))
	if err := s.writer.BatchInsert(ctx, query, rows); err != nil {
		util.Error("Failed to flush audit records", zap.Int("count", len(rows)), zap.Error(err))
		s.requeue(ctx, pending)
		return fmt.Errorf("failed to flush audit records: %w", err)
	}
	return nil
}

// requeue puts unwritten records back ahead of anything recorded since.
func (s *ClickHouseSink) requeue(ctx context.Context, pending []Record) {
	s.mu.Lock()
	s.buf = append(pending, s.buf...)
	var spilled []Record
	if over := len(s.buf) - s.maxBuffered; over > 0 {
		spilled = s.buf[:over]
		s.buf = append([]Record(nil), s.buf[over:]...)
	}
	s.mu.Unlock()

	if len(spilled) > 0 {
		util.Warn("Audit buffer full, spilling oldest records to log", zap.Int("count", len(spilled)))
		for _, rec := range spilled {
			_ = s.overflow.Record(ctx, rec)
		}
	}
}

// Buffered reports how many records are waiting to be written.
func (s *ClickHouseSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (s *ClickHouseSink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = s.Flush(ctx)
		}
	}
}

// LogSink writes audit records to the application log.
type LogSink struct{}

func (LogSink) Record(_ context.Context, rec Record) error {
	util.Info("Audit",
		util.Identity(rec.ClerkID),
		zap.String("action", rec.Action),
		zap.Strings("fields", rec.Fields),
		zap.String("actor", rec.Actor))
	return nil
}
