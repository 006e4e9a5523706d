package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/queue"
	"product-analysis-queue/internal/telemetry"
)

var (
	// ErrHalted is returned by Run after too many consecutive failed iterations.
	ErrHalted = errors.New("worker halted after repeated failures")
	// ErrHandlerTimeout is recorded when a handler exceeds the hard timeout.
	ErrHandlerTimeout = errors.New("handler timed out")

	errShutdown = errors.New("shutdown during handler")
)

// TaskStore is the part of the queue manager the worker loop needs.
type TaskStore interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Task, error)
	SaveResult(ctx context.Context, task models.Task, output any) models.Status
	RequeueInflight(ctx context.Context) (int, error)
	RecordHeartbeat(ctx context.Context, hb models.WorkerHeartbeat, ttl time.Duration) error
	GetQueueSize(ctx context.Context) (int64, error)
}

// Handler executes a task and returns its JSON-encodable output.
type Handler func(ctx context.Context, task models.Task) (any, error)

// Completion describes a recorded task for observers.
type Completion struct {
	Task        models.Task
	Status      models.Status
	Output      any
	Duration    time.Duration
	CompletedAt time.Time
}

// Observer is notified after a result is recorded. Errors are logged and otherwise ignored.
type Observer interface {
	Observe(ctx context.Context, c Completion) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg       config.WorkerConfig
	store     TaskStore
	handlers  map[models.TaskType]Handler
	observers []Observer
	sched     *Scheduler
	logger    *zap.Logger
	processed atomic.Int64
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// NewProcessor builds a Processor. Handlers and observers are added afterwards.
func NewProcessor(cfg config.WorkerConfig, store TaskStore, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Minute
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		handlers: make(map[models.TaskType]Handler),
		sched:    NewScheduler(cfg),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType models.TaskType, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// AddObserver appends a post-completion observer.
func (p *Processor) AddObserver(o Observer) {
	if o != nil {
		p.observers = append(p.observers, o)
	}
}

// Health returns the worker's current state as published in heartbeats.
func (p *Processor) Health() models.WorkerHeartbeat {
	return models.WorkerHeartbeat{
		State:               string(p.sched.State()),
		ConsecutiveFailures: p.sched.Failures(),
		Processed:           p.processed.Load(),
		UpdatedAt:           p.now().UTC(),
	}
}

// Run requeues tasks left in flight by a previous process, then loops until the context
// is cancelled or the scheduler halts.
func (p *Processor) Run(ctx context.Context) error {
	if n, err := p.store.RequeueInflight(ctx); err != nil {
		p.logger.Warn("requeue in-flight tasks failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("requeued in-flight tasks", zap.Int("count", n))
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()
	go func() {
		defer close(hbDone)
		p.heartbeatLoop(hbCtx)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev := p.step(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		decision := p.sched.Next(ev)
		if ev == EventStoreError || ev == EventFault {
			telemetry.LoopErrors.Inc()
		}
		if decision.State == StateHalted {
			telemetry.WorkerHalted.Set(1)
			// Stop the loop first so a stale write cannot replace the halted record.
			stopHeartbeat()
			<-hbDone
			p.publishHeartbeat(ctx)
			p.logger.Error("worker halted",
				zap.Int("consecutive_failures", p.sched.Failures()),
				zap.Int("max_consecutive_failures", p.cfg.MaxConsecutiveFailures))
			return ErrHalted
		}
		if decision.Delay > 0 {
			if err := p.sleep(ctx, decision.Delay); err != nil {
				return ctx.Err()
			}
		}
	}
}

// step runs a single iteration. Panics outside the handler are reported as faults.
func (p *Processor) step(ctx context.Context) (ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker iteration panicked", zap.Any("panic", r))
			ev = EventFault
		}
	}()

	p.sched.Enter(StateDequeuing)
	task, err := p.store.Dequeue(ctx, p.cfg.DequeueTimeout)
	switch {
	case err != nil && ctx.Err() != nil:
		return EventEmpty
	case errors.Is(err, queue.ErrCorruptTask):
		p.logger.Warn("skipped corrupt task", zap.Error(err))
		return EventProcessed
	case err != nil:
		p.logger.Error("dequeue failed", zap.Error(err))
		return EventStoreError
	case task == nil:
		return EventEmpty
	}

	p.process(ctx, *task)
	return EventProcessed
}

func (p *Processor) process(ctx context.Context, task models.Task) {
	log := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("client_id", task.ClientID),
		zap.String("type", string(task.Type)))

	p.sched.Enter(StateDispatching)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := p.now()
	output, err := p.dispatch(ctx, task)
	elapsed := p.now().Sub(start)
	telemetry.HandlerDuration.WithLabelValues(string(task.Type)).Observe(elapsed.Seconds())
	if errors.Is(err, errShutdown) {
		log.Warn("shutdown while handling task, leaving it for redelivery")
		return
	}
	if err != nil {
		log.Error("task failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		output = models.NewFailure(err.Error())
	}

	p.sched.Enter(StateRecording)
	status := p.store.SaveResult(ctx, task, output)
	p.processed.Add(1)
	if status == models.StatusFailed {
		telemetry.TasksFailed.WithLabelValues(string(task.Type)).Inc()
	} else {
		telemetry.TasksCompleted.WithLabelValues(string(task.Type)).Inc()
	}
	log.Info("task recorded", zap.String("status", string(status)), zap.Duration("elapsed", elapsed))

	c := Completion{Task: task, Status: status, Output: output, Duration: elapsed, CompletedAt: p.now().UTC()}
	for _, o := range p.observers {
		if err := o.Observe(ctx, c); err != nil {
			log.Warn("observer failed", zap.String("observer", fmt.Sprintf("%T", o)), zap.Error(err))
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, task models.Task) (any, error) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", task.Type)
	}
	return p.runWithTimeout(ctx, handler, task)
}

type outcome struct {
	output any
	err    error
}

// runWithTimeout runs the handler on its own goroutine so a handler that ignores its
// context still cannot hold the loop past the timeout.
func (p *Processor) runWithTimeout(ctx context.Context, h Handler, task models.Task) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := h(hctx, task)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, errShutdown
		}
		return nil, fmt.Errorf("%w after %s", ErrHandlerTimeout, p.cfg.HandlerTimeout)
	}
}

func (p *Processor) heartbeatLoop(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishHeartbeat(ctx)
		}
	}
}

// publishHeartbeat writes the current state. A halted record never expires, so health
// checks keep reporting the halt until a new worker starts.
func (p *Processor) publishHeartbeat(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hb := p.Health()
	ttl := 3 * interval
	if hb.State == string(StateHalted) {
		ttl = 0
	}
	if err := p.store.RecordHeartbeat(ctx, hb, ttl); err != nil && ctx.Err() == nil {
		p.logger.Warn("heartbeat failed", zap.Error(err))
	}
	if depth, err := p.store.GetQueueSize(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
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
