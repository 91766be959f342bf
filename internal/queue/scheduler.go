package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler drives the periodic tick across all active queues. It is
// owned by the process lifecycle and started and stopped explicitly; no
// queue ticks before Start or after Stop returns.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	queues  map[string]*Queue
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a scheduler ticking at the given interval.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		logger:   logger,
		queues:   make(map[string]*Queue),
	}
}

// Register adds a queue under the given key, replacing any previous queue
// with that key.
func (s *Scheduler) Register(key string, q *Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[key] = q
}

// Remove drops a queue from the active set. The queue itself is left
// untouched; callers flush it first if they want its contents delivered.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, key)
}

// Start launches the tick loop. Starting twice is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop halts the tick loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// run is the tick loop. Each tick evaluates every active queue;
// independent queues flush concurrently so one slow destination does not
// stall the others.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one evaluation pass over a snapshot of the active queues.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		snapshot = append(snapshot, q)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, q := range snapshot {
		q := q
		g.Go(func() error {
			q.Tick(ctx)
			return nil
		})
	}
	// Tick never returns errors; failures are handled inside each
	// queue's retention logic.
	_ = g.Wait()
}
