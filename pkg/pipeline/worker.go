package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ingestq/pkg/queue"
)

// WorkerState is the lifecycle position of a Worker.
type WorkerState int32

const (
	WorkerIdle         WorkerState = iota // waiting in Dequeue
	WorkerProcessing                      // holding one message
	WorkerShuttingDown                    // shutdown observed, finishing up
	WorkerStopped                         // terminal
)

func (s WorkerState) String() string {
	switch s {
	case WorkerProcessing:
		return "processing"
	case WorkerShuttingDown:
		return "shutting_down"
	case WorkerStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// ShutdownPolicy decides what happens to messages still queued when the worker stops.
type ShutdownPolicy string

const (
	// ShutdownDrain processes whatever is queued at stop time, bounded by DrainTimeout.
	ShutdownDrain ShutdownPolicy = "drain"
	// ShutdownDiscard stops after the in-flight message and leaves the rest queued.
	ShutdownDiscard ShutdownPolicy = "discard"
)

// ParseShutdownPolicy accepts "drain" or "discard" ("" means drain).
func ParseShutdownPolicy(s string) (ShutdownPolicy, error) {
	switch ShutdownPolicy(s) {
	case "", ShutdownDrain:
		return ShutdownDrain, nil
	case ShutdownDiscard:
		return ShutdownDiscard, nil
	default:
		return "", fmt.Errorf("unknown shutdown policy %q", s)
	}
}

// Source is the consumer side of the queue the worker reads from.
type Source interface {
	Dequeue(ctx context.Context) (queue.Message, error)
	TryDequeue() (queue.Message, bool)
	Len() int
}

// Hooks receive worker events; any of them may be nil. They are called from the worker
// goroutine and must not block.
type Hooks struct {
	OnState     func(WorkerState)
	OnProcessed func(status string, size int, took time.Duration)
	OnDiscarded func(n int)
}

type WorkerConfig struct {
	Policy         ShutdownPolicy
	DrainTimeout   time.Duration // drain policy only; default 5s
	ProcessTimeout time.Duration // per message; default 30s
	Logger         *slog.Logger
	Hooks          Hooks
}

type workerStats struct {
	processed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	drained   atomic.Uint64
	discarded atomic.Uint64
}

// WorkerSnapshot is a point-in-time copy of worker statistics.
type WorkerSnapshot struct {
	State     string `json:"state"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`
	Drained   uint64 `json:"drained"`
	Discarded uint64 `json:"discarded"`
}

// Worker is the single consumer of a queue. It runs one message at a time through a
// Processor and isolates failures per message.
type Worker struct {
	src    Source
	proc   Processor
	cfg    WorkerConfig
	log    *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	state atomic.Int32
	stats workerStats
}

// NewWorker wires a worker to its queue and processor. It does not start it.
func NewWorker(src Source, proc Processor, cfg WorkerConfig) (*Worker, error) {
	if src == nil {
		return nil, errors.New("worker: nil source")
	}
	if proc == nil {
		return nil, errors.New("worker: nil processor")
	}
	if cfg.Policy == "" {
		cfg.Policy = ShutdownDrain
	}
	if cfg.Policy != ShutdownDrain && cfg.Policy != ShutdownDiscard {
		return nil, fmt.Errorf("worker: unknown shutdown policy %q", cfg.Policy)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Worker{
		src:    src,
		proc:   proc,
		cfg:    cfg,
		log:    lg.With("component", "worker"),
		tracer: otel.Tracer("ingestq/worker"),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the processing loop. Only the first call has an effect; it returns
// false for any later call. Cancelling ctx has the same effect as Stop.
func (w *Worker) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.log.Warn("worker already started")
		return false
	}
	w.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(loopCtx)
	return true
}

// Stop signals shutdown and waits until the loop has exited or ctx expires.
// The in-flight message, if any, is always allowed to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.started = true
		w.setState(WorkerStopped)
		close(w.done)
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// Started reports whether Start (or Stop) has been called.
func (w *Worker) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) Snapshot() WorkerSnapshot {
	return WorkerSnapshot{
		State:     w.State().String(),
		Processed: w.stats.processed.Load(),
		Failed:    w.stats.failed.Load(),
		Panicked:  w.stats.panicked.Load(),
		Drained:   w.stats.drained.Load(),
		Discarded: w.stats.discarded.Load(),
	}
}

func (w *Worker) setState(s WorkerState) {
	if WorkerState(w.state.Swap(int32(s))) == s {
		return
	}
	if w.cfg.Hooks.OnState != nil {
		w.cfg.Hooks.OnState(s)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.log.Info("worker started", "policy", string(w.cfg.Policy))
	// Processing runs under a context that shutdown does not cancel so the in-flight
	// message (and drained ones) can complete.
	procBase := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		w.setState(WorkerIdle)
		msg, err := w.src.Dequeue(ctx)
		if err != nil {
			break
		}
		w.handle(procBase, msg)
	}
	w.setState(WorkerShuttingDown)
	w.finish(procBase)
	w.setState(WorkerStopped)
}

func (w *Worker) finish(ctx context.Context) {
	if w.cfg.Policy == ShutdownDrain {
		deadline := time.Now().Add(w.cfg.DrainTimeout)
		for time.Now().Before(deadline) {
			msg, ok := w.src.TryDequeue()
			if !ok {
				break
			}
			w.handle(ctx, msg)
			w.stats.drained.Add(1)
		}
	}
	left := w.src.Len()
	if left > 0 {
		w.stats.discarded.Add(uint64(left))
		if w.cfg.Hooks.OnDiscarded != nil {
			w.cfg.Hooks.OnDiscarded(left)
		}
		w.log.Warn("worker stopped with messages still queued", "policy", string(w.cfg.Policy), "discarded", left)
	}
	w.log.Info("worker stopped", "processed", w.stats.processed.Load(), "failed", w.stats.failed.Load(), "drained", w.stats.drained.Load())
}

func (w *Worker) handle(base context.Context, msg queue.Message) {
	w.setState(WorkerProcessing)
	ctx, cancel := context.WithTimeout(base, w.cfg.ProcessTimeout)
	defer cancel()
	ctx, span := w.tracer.Start(ctx, "worker.process", trace.WithAttributes(attribute.Int("message.size", len(msg))))
	defer span.End()

	start := time.Now()
	err := safeProcess(ctx, w.proc, msg)
	took := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		w.stats.failed.Add(1)
		var pe *PanicError
		if errors.As(err, &pe) {
			status = "panic"
			w.stats.panicked.Add(1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Error("message processing failed", "err", err, "status", status, "size", len(msg), "took_ms", took.Milliseconds())
	} else {
		w.stats.processed.Add(1)
	}
	if w.cfg.Hooks.OnProcessed != nil {
		w.cfg.Hooks.OnProcessed(status, len(msg), took)
	}
}
