package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrotrace/tracecore/pkg/retry"
)

// ErrQueueFull is returned by Submit when there is no outbox to fall back on.
var ErrQueueFull = errors.New("audit: dispatch queue full")

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("audit: dispatcher stopped")

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Retry     retry.Policy
}

// DefaultDispatcherConfig returns a small pool suitable for one service.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   4,
		QueueSize: 1024,
		Retry:     retry.DefaultPolicy(),
	}
}

// Dispatcher records audit events after the triggering business
// transaction has committed. Failures here never reach the business
// operation: they are retried, logged, or left in the outbox.
type Dispatcher struct {
	recorder *Recorder
	outbox   Outbox
	cfg      DispatcherConfig
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	queue    chan Task
	inflight map[string]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. outbox may be nil, in which case
// tasks live only in memory.
func NewDispatcher(rec *Recorder, outbox Outbox, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		recorder: rec,
		outbox:   outbox,
		cfg:      cfg,
		logger:   logger.With("component", "audit.dispatcher"),
		sleep:    sleepCtx,
		queue:    make(chan Task, cfg.QueueSize),
		inflight: make(map[string]struct{}),
	}
}

// Submit hands an intent over for recording and returns the task id.
// Call it only once the business commit is confirmed.
func (d *Dispatcher) Submit(ctx context.Context, in Intent) (string, error) {
	task := Task{
		ID:          uuid.NewString(),
		Intent:      in,
		ScheduledAt: time.Now().UTC(),
	}
	if d.outbox != nil {
		if err := d.outbox.Schedule(ctx, task); err != nil {
			return "", persistenceErr("schedule audit task", err)
		}
	}

	if d.enqueue(task) {
		return task.ID, nil
	}
	if d.outbox == nil {
		if d.isStopped() {
			return "", ErrDispatcherStopped
		}
		return "", ErrQueueFull
	}
	d.logger.DebugContext(ctx, "queue full, task stays in outbox", "task_id", task.ID)
	return task.ID, nil
}

// Drain re-queues tasks left pending in the outbox, e.g. after a restart.
// It returns how many were queued.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	if d.outbox == nil {
		return 0, nil
	}
	tasks, err := d.outbox.Pending(ctx, d.cfg.QueueSize)
	if err != nil {
		return 0, persistenceErr("read pending audit tasks", err)
	}
	n := 0
	for _, t := range tasks {
		if d.enqueue(t) {
			n++
		}
	}
	if n > 0 {
		d.logger.InfoContext(ctx, "re-queued pending audit tasks", "count", n)
	}
	return n, nil
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-d.queue:
					if !ok {
						return
					}
					d.process(ctx, task)
				}
			}
		}()
	}
}

// Stop closes the queue and waits for the workers to finish what they hold.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) isStopped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stopped
}

// enqueue is non-blocking and skips tasks already queued or running here.
func (d *Dispatcher) enqueue(task Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, dup := d.inflight[task.ID]; dup {
		return false
	}
	select {
	case d.queue <- task:
		d.inflight[task.ID] = struct{}{}
		return true
	default:
		return false
	}
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) process(ctx context.Context, task Task) {
	defer d.done(task.ID)
	log := d.logger.With("task_id", task.ID, "operation", task.Intent.Operation, "entity_type", task.Intent.EntityType)

	for attempt := 0; ; attempt++ {
		_, err := d.recorder.Record(ctx, task.Intent)
		switch {
		case err == nil:
			d.markDone(ctx, task.ID, log)
			return
		case errors.Is(err, ErrMissingActor):
			log.WarnContext(ctx, "dropping audit task without actor", "error", err)
			d.markDone(ctx, task.ID, log)
			return
		case errors.Is(err, ErrHashComputation):
			log.ErrorContext(ctx, "audit hashing unavailable, task left pending", "error", err)
			return
		}

		if d.cfg.Retry.Exhausted(attempt) {
			log.ErrorContext(ctx, "audit task failed, left pending", "attempts", attempt+1, "error", err)
			return
		}
		wait := retry.Backoff(task.ID, attempt, d.cfg.Retry)
		log.WarnContext(ctx, "audit task failed, retrying", "attempt", attempt+1, "backoff", wait, "error", err)
		if err := d.sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (d *Dispatcher) markDone(ctx context.Context, id string, log *slog.Logger) {
	if d.outbox == nil {
		return
	}
	if err := d.outbox.MarkDone(ctx, id); err != nil {
		// The task will be delivered again; a duplicate event is acceptable.
		log.WarnContext(ctx, "failed to mark audit task done", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
