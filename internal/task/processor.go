package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/phrazzld/genqueue/internal/metrics"
	"github.com/phrazzld/genqueue/internal/redact"
	"go.opentelemetry.io/otel/attribute"
)

// ErrExecutorPanic wraps a panic recovered from an Executor
var ErrExecutorPanic = errors.New("executor panicked")

const taskDurationMetric = "genqueue.task.duration"

// ProcessorConfig holds configuration for the processor
type ProcessorConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start.
	// If zero or negative, defaults to 1
	WorkerCount int

	// PollInterval is how long each worker waits between fetch attempts
	PollInterval time.Duration

	// TaskTimeout bounds a single execution
	TaskTimeout time.Duration

	// FetchTimeout bounds a single FetchNext call
	FetchTimeout time.Duration

	// ReportTimeout bounds each status write after execution
	ReportTimeout time.Duration

	// HeartbeatInterval controls how often a running task's lease is
	// refreshed. Zero disables heartbeats
	HeartbeatInterval time.Duration

	// HistogramWindow is the number of task durations kept for percentiles
	HistogramWindow int
}

// DefaultProcessorConfig returns a ProcessorConfig with reasonable defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerCount:     2,
		PollInterval:    time.Second,
		TaskTimeout:     5 * time.Minute,
		FetchTimeout:    5 * time.Second,
		ReportTimeout:   5 * time.Second,
		HistogramWindow: metrics.DefaultWindowSize,
	}
}

// Stats is a snapshot of processor counters and task durations
type Stats struct {
	Processed    int64           `json:"processed"`
	Completed    int64           `json:"completed"`
	Failed       int64           `json:"failed"`
	Paused       int64           `json:"paused"`
	ReportErrors int64           `json:"report_errors"`
	Duration     metrics.Summary `json:"duration"`
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithMetricsSink forwards task durations to sink
func WithMetricsSink(sink metrics.Sink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// Processor polls a TaskStore with a fixed pool of workers and records the
// outcome of every task it claims.
type Processor struct {
	store  TaskStore
	exec   Executor
	config ProcessorConfig
	logger *slog.Logger
	sink   metrics.Sink

	durations *metrics.Recorder

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	processed    atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	paused       atomic.Int64
	reportErrors atomic.Int64
}

// NewProcessor creates a processor. Invalid config values fall back to
// defaults.
func NewProcessor(store TaskStore, exec Executor, config ProcessorConfig, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "processor")

	defaults := DefaultProcessorConfig()
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.ReportTimeout <= 0 {
		config.ReportTimeout = defaults.ReportTimeout
	}

	p := &Processor{
		store:  store,
		exec:   exec,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.durations = metrics.NewRecorder(taskDurationMetric, config.HistogramWindow, p.sink)

	return p
}

// Config returns the effective configuration
func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Start launches the worker goroutines. Calling Start more than once has no
// effect.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	p.logger.Info("starting processor",
		"worker_count", p.config.WorkerCount,
		"poll_interval", p.config.PollInterval,
		"task_timeout", p.config.TaskTimeout)

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals all workers and waits for them to finish the task they are
// running. Workers exit at their next poll boundary.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.logger.Info("processor stopped")
}

// worker runs one fetch-execute-report cycle per tick until stopped
func (p *Processor) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		case <-ticker.C:
		}

		// Shutdown wins over a tick that fired at the same time.
		select {
		case <-p.stopCh:
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		default:
		}

		if _, err := p.processNext(context.Background(), id); err != nil {
			p.logger.Error("failed to fetch task", "worker_id", id, "error", err)
		}
	}
}

// ProcessNext claims and runs at most one task. It reports whether a task
// was found. The returned error only concerns fetching; execution and
// reporting failures are recorded on the task and logged.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	return p.processNext(ctx, -1)
}

func (p *Processor) processNext(ctx context.Context, workerID int) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	t, err := p.store.FetchNext(fetchCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("fetch next task: %w", err)
	}
	if t == nil {
		return false, nil
	}

	p.run(ctx, t, workerID)
	return true, nil
}

// run executes a claimed task and reports its outcome
func (p *Processor) run(ctx context.Context, t *Task, workerID int) {
	logger := p.logger.With(
		"task_id", t.ID,
		"task_type", t.Type,
		"attempt", t.AttemptCount,
		"worker_id", workerID,
	)
	logger.Info("processing task")

	// The execution deadline is independent of the caller's cancellation
	// so that Stop lets running tasks finish.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.TaskTimeout)
	stopHeartbeat := p.heartbeat(execCtx, t.ID, cancel, logger)

	start := time.Now()
	err := p.execute(execCtx, t)
	elapsed := time.Since(start)

	leaseLost := stopHeartbeat()
	cancel()

	p.processed.Add(1)
	p.durations.Observe(ctx, elapsed, attribute.String("task_type", t.Type))

	if leaseLost {
		p.reportErrors.Add(1)
		logger.Warn("task lease lost, outcome not reported", "duration", elapsed, "error", err)
		return
	}
	p.report(t, err, elapsed, logger)
}

// execute calls the executor, converting a panic into an error
func (p *Processor) execute(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
	}()
	return p.exec.Execute(ctx, t)
}

// Classify maps an execution result to the status it should be reported as
func Classify(err error) Status {
	if err == nil {
		return StatusCompleted
	}
	if kind, ok := generation.KindOf(err); ok && kind == generation.KindUsageLimit {
		return StatusPausedTokenLimit
	}
	return StatusFailed
}

// report writes the outcome once. Write failures are logged and counted but
// never retried.
func (p *Processor) report(t *Task, execErr error, elapsed time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ReportTimeout)
	defer cancel()

	status := Classify(execErr)

	var err error
	switch status {
	case StatusCompleted:
		p.completed.Add(1)
		logger.Info("task completed successfully", "duration", elapsed)
		err = p.store.MarkCompleted(ctx, t.ID)
	case StatusPausedTokenLimit:
		p.paused.Add(1)
		logger.Warn("task paused on usage limit", "duration", elapsed, "error", execErr)
		err = p.store.MarkPausedForLimit(ctx, t.ID, redact.Error(execErr))
	default:
		p.failed.Add(1)
		logger.Error("task execution failed", "duration", elapsed, "error", execErr)
		err = p.store.MarkFailed(ctx, t.ID, redact.Error(execErr))
	}

	if err != nil {
		p.reportErrors.Add(1)
		logger.Error("failed to update task status",
			"status", status,
			"error", err)
	}
}

// heartbeat refreshes the task lease until the returned func is called.
// When the store reports the task is no longer in_progress, the lease has
// been reclaimed: execution is cancelled and the stop func reports true.
func (p *Processor) heartbeat(ctx context.Context, id uuid.UUID, cancel context.CancelFunc, logger *slog.Logger) func() bool {
	if p.config.HeartbeatInterval <= 0 {
		return func() bool { return false }
	}

	done := make(chan struct{})
	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			beatCtx, beatCancel := context.WithTimeout(context.Background(), p.config.ReportTimeout)
			err := p.store.MarkInProgress(beatCtx, id)
			beatCancel()
			if errors.Is(err, ErrInvalidTransition) {
				lost.Store(true)
				cancel()
				return
			}
			if err != nil {
				logger.Warn("failed to refresh task lease", "error", err)
			}
		}
	}()

	return func() bool {
		close(done)
		wg.Wait()
		return lost.Load()
	}
}

// Stats returns processor counters and the task duration summary
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Paused:       p.paused.Load(),
		ReportErrors: p.reportErrors.Load(),
		Duration:     p.durations.Histogram().Summary(),
	}
}
