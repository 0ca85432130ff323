package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/storage"
	"github.com/codexlb/codexlb/internal/telemetry"
)

const (
	// DefaultLogQueueSize bounds the in-flight request-log queue.
	DefaultLogQueueSize = 1000
	// DefaultLogBatchSize caps one flush batch.
	DefaultLogBatchSize = 200
	// DefaultLogFlushEvery is the flush cadence.
	DefaultLogFlushEvery = 500 * time.Millisecond

	logDrainTime = 30 * time.Second
)

// RequestLogRecorder buffers request logs and batch-flushes them to the
// store. Enqueue never blocks; entries are dropped (and counted) when the
// queue is full.
type RequestLogRecorder struct {
	ch         chan codexlb.RequestLog
	store      storage.RequestLogStore
	metrics    *telemetry.Metrics
	batchSize  int
	flushEvery time.Duration
}

// RecorderOptions tunes the queue; zero values fall back to defaults.
type RecorderOptions struct {
	QueueSize  int
	BatchSize  int
	FlushEvery time.Duration
}

// NewRequestLogRecorder creates a RequestLogRecorder backed by store.
// metrics may be nil.
func NewRequestLogRecorder(store storage.RequestLogStore, metrics *telemetry.Metrics, opts RecorderOptions) *RequestLogRecorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultLogQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultLogBatchSize
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultLogFlushEvery
	}
	return &RequestLogRecorder{
		ch:         make(chan codexlb.RequestLog, opts.QueueSize),
		store:      store,
		metrics:    metrics,
		batchSize:  opts.BatchSize,
		flushEvery: opts.FlushEvery,
	}
}

// Name returns the worker identifier.
func (r *RequestLogRecorder) Name() string { return "request_log_recorder" }

// Record enqueues a request log. It never blocks; drops on full queue.
func (r *RequestLogRecorder) Record(entry codexlb.RequestLog) {
	select {
	case r.ch <- entry:
		if r.metrics != nil {
			r.metrics.RequestLogQueueDepth.Set(float64(len(r.ch)))
		}
	default:
		if r.metrics != nil {
			r.metrics.RequestLogDropped.Inc()
		}
		slog.Warn("request log dropped, queue full")
	}
}

// Run flushes batches until ctx is cancelled, then drains what remains.
func (r *RequestLogRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	buf := make([]codexlb.RequestLog, 0, r.batchSize)

	for {
		select {
		case entry := <-r.ch:
			buf = append(buf, entry)
			if len(buf) >= r.batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *RequestLogRecorder) drain(buf []codexlb.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case entry := <-r.ch:
			buf = append(buf, entry)
			if len(buf) >= r.batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *RequestLogRecorder) flush(ctx context.Context, buf []codexlb.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]codexlb.RequestLog, len(buf))
	copy(batch, buf)

	if err := r.store.InsertBatch(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.RequestLogQueueDepth.Set(float64(len(r.ch)))
	}
}
