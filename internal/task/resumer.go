package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResumeSchedule resumes paused tasks at the top of every hour
const DefaultResumeSchedule = "@hourly"

// Resumer moves tasks paused on usage limits back to pending on a cron
// schedule, so they are retried once provider quotas have reset.
type Resumer struct {
	store    TaskStore
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	entry    cron.EntryID
}

// NewResumer creates a resumer. An empty schedule uses DefaultResumeSchedule.
// Standard five-field expressions and descriptors such as "@every 30m" are
// accepted.
func NewResumer(store TaskStore, schedule string, logger *slog.Logger) (*Resumer, error) {
	if schedule == "" {
		schedule = DefaultResumeSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resumer")

	cl := cronLogger{logger: logger}
	r := &Resumer{
		store:    store,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	id, err := r.cron.AddFunc(schedule, r.runScheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid resume schedule %q: %w", schedule, err)
	}
	r.entry = id

	return r, nil
}

// Start starts the scheduler in its own goroutine
func (r *Resumer) Start() {
	r.cron.Start()
	r.logger.Info("resume scheduler started",
		"schedule", r.schedule,
		"next_run", r.cron.Entry(r.entry).Next)
}

// Stop stops the scheduler and waits for a running job to finish
func (r *Resumer) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Resumer) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.ResumeOnce(ctx); err != nil {
		r.logger.Error("failed to resume paused tasks", "error", err)
	}
}

// ResumeOnce moves every paused task back to pending
func (r *Resumer) ResumeOnce(ctx context.Context) (int, error) {
	n, err := r.store.ResumePaused(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("resumed paused tasks", "count", n)
	}
	return n, nil
}

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
