package pipeline

import (
	"context"
	"fmt"

	"ingestq/pkg/queue"
)

// Processor handles one dequeued message. Returned errors are logged by the worker and
// end that message's life; they never reach the producer.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) error
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, msg queue.Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

// PanicError reports a panic recovered while processing a message.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("processor panic: %v", e.Value) }

// safeProcess runs p and converts a panic into a *PanicError.
func safeProcess(ctx context.Context, p Processor, msg queue.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
		}
	}()
	return p.Process(ctx, msg)
}

// WithBreaker guards p with cb: while the breaker is open messages fail immediately with
// ErrBreakerOpen instead of waiting on a downstream that is known to be failing.
func WithBreaker(cb *CircuitBreaker, p Processor) Processor {
	if cb == nil {
		return p
	}
	return ProcessorFunc(func(ctx context.Context, msg queue.Message) error {
		return cb.Execute(ctx, func(ctx context.Context) error { return p.Process(ctx, msg) })
	})
}
