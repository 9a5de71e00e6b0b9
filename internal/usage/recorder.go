// Package usage records consumption events and forwards them to the billing
// collaborator in batches. Recording never blocks callers; the bounded
// buffer drops its oldest entry on overflow.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/metrics"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/retry"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Sink receives flushed usage-event batches. Implemented by platform.Client.
type Sink interface {
	PostUsageEvents(ctx context.Context, events []models.UsageEvent) error
}

// RecorderConfig configures buffering and flush cadence.
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultRecorderConfig returns the default recorder configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 60 * time.Second,
	}
}

// Recorder buffers usage events and flushes them in the background.
type Recorder struct {
	cfg    RecorderConfig
	sink   Sink
	audit  *audit.Logger
	logger *slog.Logger

	mu      sync.Mutex
	buffer  []models.UsageEvent
	dropped int64
	flushed int64

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder creates a recorder. Call Start to begin background flushing.
func NewRecorder(cfg RecorderConfig, sink Sink, auditLogger *audit.Logger, logger *slog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		sink:   sink,
		audit:  auditLogger,
		logger: logger,
		buffer: make([]models.UsageEvent, 0, cfg.BufferSize),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Record appends an event to the buffer. Non-blocking; drop-oldest on
// overflow with an audit marker.
func (r *Recorder) Record(ev models.UsageEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	if len(r.buffer) >= r.cfg.BufferSize {
		r.buffer = r.buffer[1:]
		r.dropped++
		metrics.UsageDropped.Inc()
		r.audit.Log(audit.Event{
			Type:   audit.EventUsageDropped,
			Level:  audit.LevelWarn,
			AppID:  ev.AppID,
			Detail: "usage buffer overflow, oldest event dropped",
		})
	}
	r.buffer = append(r.buffer, ev)
	size := len(r.buffer)
	r.mu.Unlock()

	metrics.UsageEnqueued.Inc()
	if size >= r.cfg.BatchSize {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the background flusher.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.flush(context.Background())
				return
			case <-r.done:
				r.flush(context.Background())
				return
			case <-ticker.C:
				r.flush(ctx)
			case <-r.kick:
				r.flush(ctx)
			}
		}
	}()
}

// flush drains up to BatchSize events and forwards them with retry. Events
// are re-queued at the front on total failure, subject to the buffer bound.
func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	n := len(r.buffer)
	if n > r.cfg.BatchSize {
		n = r.cfg.BatchSize
	}
	batch := make([]models.UsageEvent, n)
	copy(batch, r.buffer[:n])
	r.buffer = r.buffer[n:]
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}, func() error {
		return r.sink.PostUsageEvents(ctx, batch)
	})
	if err != nil {
		r.logger.Warn("usage flush failed, re-queueing batch", "events", len(batch), "error", err)
		r.mu.Lock()
		space := r.cfg.BufferSize - len(r.buffer)
		if space < len(batch) {
			lost := len(batch) - space
			batch = batch[lost:]
			r.dropped += int64(lost)
			for i := 0; i < lost; i++ {
				metrics.UsageDropped.Inc()
			}
		}
		r.buffer = append(batch, r.buffer...)
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.flushed += int64(len(batch))
	r.mu.Unlock()
	metrics.UsageFlushed.Add(float64(len(batch)))
}

// Stats returns (buffered, flushed, dropped) counters. Enqueued equals the
// sum of the three.
func (r *Recorder) Stats() (buffered, flushed, dropped int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.buffer)), r.flushed, r.dropped
}

// Close stops the flusher after a final drain.
func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
}
