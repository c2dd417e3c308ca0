package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically returns tasks whose lease has expired to pending.
// A lease expires when an in_progress task has not been touched for
// LeaseTimeout, which happens when a worker died mid-task.
type Reaper struct {
	store        TaskStore
	leaseTimeout time.Duration
	interval     time.Duration
	logger       *slog.Logger

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewReaper creates a reaper. A zero interval defaults to 5 minutes.
func NewReaper(store TaskStore, leaseTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:        store,
		leaseTimeout: leaseTimeout,
		interval:     interval,
		logger:       logger.With("component", "reaper"),
		stopCh:       make(chan struct{}),
	}
}

// Start begins periodic reaping in a goroutine
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// Stop ends the reaping loop and waits for it to exit
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(context.Background()); err != nil {
				r.logger.Error("failed to check for stale tasks", "error", err)
			}
		}
	}
}

// ReapOnce requeues stale tasks and returns how many were moved
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	n, err := r.store.RequeueStale(ctx, r.leaseTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("requeued stale tasks",
			"count", n,
			"lease_timeout", r.leaseTimeout)
	}
	return n, nil
}
