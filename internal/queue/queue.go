// Package queue buffers pending log entries per session and flushes them
// in batches on size or time thresholds.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/logflume/logflume/internal/entry"
	logpkg "github.com/logflume/logflume/internal/log"
	"github.com/logflume/logflume/internal/metrics"
	"github.com/logflume/logflume/internal/transport"
)

// Deliverer sends one detached batch to its destination. The queue depends
// only on this interface; sessions implement it per destination.
type Deliverer interface {
	DeliverBatch(ctx context.Context, batch []entry.Entry) error
}

// State is the queue's position in its flush lifecycle.
type State int

const (
	// StateEmpty means no entries are buffered or held.
	StateEmpty State = iota
	// StateFilling means entries are buffered below the flush thresholds.
	StateFilling
	// StateFlushPending means a threshold is met and the next tick will
	// flush.
	StateFlushPending
	// StateFlushing means a flush is in flight.
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateFlushPending:
		return "flush_pending"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Config bounds the queue's batching and retry behavior.
type Config struct {
	// MaxBatchSize triggers a flush when the buffer reaches this size.
	MaxBatchSize int

	// FlushTimeout triggers a flush when this much time has passed since
	// the last flush and entries are waiting.
	FlushTimeout time.Duration

	// MaxRetryCount bounds how many failed flushes a batch survives
	// before being dropped. Independent of the delivery client's
	// per-request retry budget: one failed flush consumes one retry here
	// no matter how many HTTP attempts it made.
	MaxRetryCount int
}

// Queue is the in-memory buffer of pending entries for one session.
//
// A batch handed to a failed flush is held ahead of newer entries and
// retried first on a later flush; FIFO order across flush attempts is
// preserved.
type Queue struct {
	config    Config
	deliverer Deliverer
	logger    *slog.Logger

	// now is injectable for threshold tests.
	now func() time.Time

	mu        sync.Mutex
	entries   []entry.Entry
	held      []entry.Entry
	failures  int
	lastFlush time.Time
	flushing  bool
}

// New creates a queue delivering through the given Deliverer.
func New(config Config, deliverer Deliverer, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		config:    config,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
	}
	q.lastFlush = q.now()
	return q
}

// Enqueue appends an entry to the tail of the buffer. It never blocks and
// never drops; entries are only dropped through the flush retry-exhaustion
// path.
func (q *Queue) Enqueue(e entry.Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	metrics.EntriesEnqueued.Inc()
}

// Len returns the number of buffered entries, including a held batch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) + len(q.held)
}

// State reports the queue's current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.flushing:
		return StateFlushing
	case q.shouldFlushLocked(q.now()):
		return StateFlushPending
	case len(q.entries)+len(q.held) == 0:
		return StateEmpty
	default:
		return StateFilling
	}
}

// shouldFlushLocked evaluates the size and time thresholds. Callers hold
// q.mu.
func (q *Queue) shouldFlushLocked(now time.Time) bool {
	pending := len(q.entries) + len(q.held)
	if pending == 0 {
		return false
	}
	if q.config.MaxBatchSize > 0 && pending >= q.config.MaxBatchSize {
		return true
	}
	return now.Sub(q.lastFlush) >= q.config.FlushTimeout
}

// Tick evaluates the flush thresholds and flushes if one is met. Called
// periodically by the scheduler; a tick that lands while a flush is in
// flight is a no-op.
func (q *Queue) Tick(ctx context.Context) {
	q.mu.Lock()
	if q.flushing || !q.shouldFlushLocked(q.now()) {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.flush(ctx)
}

// Flush performs a synchronous flush outside the tick cycle, with the
// same success and failure semantics. Returns nil immediately when the
// queue is empty.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if len(q.entries)+len(q.held) == 0 || q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	return q.flush(ctx)
}

// flush detaches the next batch, delivers it, and applies the retention
// and drop rules. The held batch from a previous failed flush goes first
// and is never merged with newer arrivals.
func (q *Queue) flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}

	var batch []entry.Entry
	retrying := len(q.held) > 0
	if retrying {
		batch = q.held
	} else {
		batch = q.entries
		q.entries = nil
	}
	if len(batch) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()

	err := q.deliverer.DeliverBatch(ctx, batch)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushing = false
	// Reset regardless of outcome to avoid immediate re-flush storms.
	q.lastFlush = q.now()

	if err == nil {
		if retrying {
			q.held = nil
		}
		q.failures = 0
		return nil
	}

	var terr *transport.Error
	if errors.As(err, &terr) && terr.Type == transport.ErrorTypeClient {
		// The API rejected the batch itself; retrying cannot succeed.
		q.logger.Error("dropping batch rejected by the remote API",
			slog.String(logpkg.EventKey, "batch_dropped"),
			slog.Int(logpkg.BatchSizeKey, len(batch)),
			logpkg.Error(err),
		)
		metrics.EntriesDropped.WithLabelValues("permanent").Add(float64(len(batch)))
		if retrying {
			q.held = nil
		}
		q.failures = 0
		return err
	}

	q.held = batch
	q.failures++
	metrics.BatchesRetried.Inc()

	if q.failures >= q.config.MaxRetryCount {
		q.logger.Error("dropping batch after repeated flush failures",
			slog.String(logpkg.EventKey, "batch_dropped"),
			slog.Int(logpkg.BatchSizeKey, len(q.held)),
			slog.Int("failures", q.failures),
			logpkg.Error(err),
		)
		metrics.EntriesDropped.WithLabelValues("retry_exhausted").Add(float64(len(q.held)))
		q.held = nil
		q.failures = 0
		return err
	}

	q.logger.Warn("flush failed, batch retained for retry",
		slog.Int(logpkg.BatchSizeKey, len(q.held)),
		slog.Int("failures", q.failures),
		logpkg.Error(err),
	)
	return err
}

// Cancel optionally performs one last best-effort flush. The caller is
// responsible for removing the queue from its scheduler; a failed final
// flush is logged, not escalated.
func (q *Queue) Cancel(ctx context.Context, flushFirst bool) {
	if !flushFirst {
		return
	}
	if err := q.Flush(ctx); err != nil {
		q.logger.Warn("final flush on cancel failed",
			slog.Int("remaining", q.Len()),
			logpkg.Error(err),
		)
	}
}
