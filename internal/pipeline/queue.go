package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruanpv/zapdesk/internal/whatsapp"
)

// DeviceMessageQueue buffers device-origin envelopes until a periodic drain
// persists them in bounded batches. The queue is shared between the webhook
// ingest path and the drain timer, so all state is guarded by a mutex; the
// draining flag under that mutex is the single-flight guard that keeps
// overlapping timer fires from running two drains concurrently.
type DeviceMessageQueue struct {
	mu       sync.Mutex
	items    []whatsapp.Envelope
	draining bool

	batchSize     int
	followUpDelay time.Duration
	process       func(ctx context.Context, env whatsapp.Envelope) error
	log           *slog.Logger
}

// NewDeviceMessageQueue creates a queue draining up to batchSize items per
// pass through the process function.
func NewDeviceMessageQueue(
	batchSize int,
	followUpDelay time.Duration,
	process func(ctx context.Context, env whatsapp.Envelope) error,
	log *slog.Logger,
) *DeviceMessageQueue {
	if batchSize < 1 {
		batchSize = 1
	}
	return &DeviceMessageQueue{
		batchSize:     batchSize,
		followUpDelay: followUpDelay,
		process:       process,
		log:           log.With("component", "device_queue"),
	}
}

// Enqueue appends an envelope to the tail of the queue.
func (q *DeviceMessageQueue) Enqueue(env whatsapp.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	size := len(q.items)
	q.mu.Unlock()

	q.log.Debug("Device message queued", "external_id", env.ExternalID, "queue_size", size)
}

// Len reports the number of buffered envelopes.
func (q *DeviceMessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain pops up to batchSize items and persists them in FIFO order. A failed
// item is logged and skipped; the batch continues without requeueing it. If a
// backlog remains after the batch, a faster follow-up drain is scheduled.
// Concurrent calls beyond the first return immediately.
func (q *DeviceMessageQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	n := len(q.items)
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := make([]whatsapp.Envelope, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	q.mu.Unlock()

	for _, env := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := q.process(ctx, env); err != nil {
			q.log.ErrorContext(ctx, "Failed to persist device message, skipping",
				"external_id", env.ExternalID, "error", err)
		}
	}

	q.mu.Lock()
	q.draining = false
	remaining := len(q.items)
	q.mu.Unlock()

	if len(batch) > 0 {
		q.log.InfoContext(ctx, "Device queue drained", "batch", len(batch), "remaining", remaining)
	}

	if remaining > 0 && ctx.Err() == nil {
		time.AfterFunc(q.followUpDelay, func() {
			if ctx.Err() == nil {
				q.Drain(ctx)
			}
		})
	}
}
