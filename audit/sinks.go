package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FileSink appends entries as JSON lines. The file is created with 0600.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) path in append-only mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Write marshals outside the lock; only the file write is serialized.
func (s *FileSink) Write(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// entryRecord is the audit_entries row.
type entryRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Timestamp  time.Time `gorm:"index"`
	Operation  string    `gorm:"size:32"`
	Snippet    string
	Safe       bool
	ReadOnly   bool
	Summary    string
	Reasons    string
	Status     string `gorm:"size:16;index"`
	ErrorKind  string `gorm:"size:32"`
	Message    string
	DurationMS float64
	Truncated  bool
	Actor      string `gorm:"size:128"`
	Override   bool
}

func (entryRecord) TableName() string {
	return "audit_entries"
}

// DBSink inserts entries into the audit_entries table. Rows are never
// updated or deleted.
type DBSink struct {
	db *gorm.DB
}

// NewDBSink migrates the audit table and returns the sink.
func NewDBSink(db *gorm.DB) (*DBSink, error) {
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, fmt.Errorf("migrating audit table: %w", err)
	}
	return &DBSink{db: db}, nil
}

// Write inserts e.
func (s *DBSink) Write(ctx context.Context, e Entry) error {
	reasons, err := json.Marshal(e.Classification.Reasons)
	if err != nil {
		return fmt.Errorf("marshaling audit reasons: %w", err)
	}
	rec := entryRecord{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Operation:  e.Operation,
		Snippet:    e.Snippet,
		Safe:       e.Classification.Safe,
		ReadOnly:   e.Classification.ReadOnly,
		Summary:    e.Classification.Summary,
		Reasons:    string(reasons),
		Status:     string(e.Outcome.Status),
		ErrorKind:  e.Outcome.ErrorKind,
		Message:    e.Outcome.Message,
		DurationMS: e.Outcome.DurationMS,
		Truncated:  e.Outcome.Truncated,
		Actor:      e.Actor,
		Override:   e.Override,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Close is a no-op. The database is owned by the catalog.
func (s *DBSink) Close() error {
	return nil
}

// RedisSink appends entries to a Redis stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to stream. A positive maxLen trims the
// stream approximately to that length.
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Write adds e as one stream message.
func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":     e.ID,
			"status": string(e.Outcome.Status),
			"entry":  string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending audit entry to %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// LogSink writes entries to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Write logs e at info level.
func (s *LogSink) Write(_ context.Context, e Entry) error {
	s.logger.Info("audit entry",
		zap.String("id", e.ID),
		zap.String("operation", e.Operation),
		zap.String("status", string(e.Outcome.Status)),
		zap.Bool("safe", e.Classification.Safe),
		zap.Bool("read_only", e.Classification.ReadOnly),
		zap.String("summary", e.Classification.Summary),
		zap.String("actor", e.Actor),
		zap.Bool("override", e.Override),
		zap.Float64("duration_ms", e.Outcome.DurationMS))
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error {
	return nil
}

type multi []Sink

// Multi fans every entry out to all sinks. Errors are combined.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Write(ctx context.Context, e Entry) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, e))
	}
	return err
}

func (m multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
