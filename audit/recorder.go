package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// RecorderConfig sizes the recording queue.
type RecorderConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithDropObserver is called once for every dropped entry.
func WithDropObserver(fn func()) RecorderOption {
	return func(r *Recorder) {
		r.onDrop = fn
	}
}

// Recorder queues entries and writes them to a sink on one background
// goroutine. Record never blocks.
type Recorder struct {
	sink         Sink
	logger       *zap.Logger
	writeTimeout time.Duration
	onDrop       func()

	mu      sync.RWMutex
	closed  bool
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64
}

// NewRecorder starts a Recorder over sink.
func NewRecorder(sink Sink, logger *zap.Logger, cfg RecorderConfig, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	r := &Recorder{
		sink:         sink,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		queue:        make(chan Entry, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()
	return r
}

// Record enqueues e. A full queue or a closed recorder drops it.
func (r *Recorder) Record(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(e, "recorder closed")
		return
	}
	select {
	case r.queue <- e:
	default:
		r.drop(e, "queue full")
	}
}

// Dropped returns the number of entries dropped so far.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) drop(e Entry, reason string) {
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop()
	}
	r.logger.Warn("dropping audit entry",
		zap.String("id", e.ID),
		zap.String("reason", reason))
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		r.write(e)
	}
}

func (r *Recorder) write(e Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.drop(e, fmt.Sprintf("sink panicked: %v", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.sink.Write(ctx, e); err != nil {
		r.drop(e, err.Error())
	}
}

// Close stops accepting entries, writes everything already queued and
// closes the sink. It returns ctx.Err() if ctx ends first.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.sink.Close()
}
