// Package ingest decides, per request, whether a payload may enter the processing queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ingestq/pkg/buffer"
	"ingestq/pkg/queue"
)

// Outcome is the admission decision for one payload.
type Outcome int

const (
	Accepted Outcome = iota
	DeclaredSizeExceeded
	ActualSizeExceeded
	CapacityExceeded
	TransportReadFailure
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DeclaredSizeExceeded:
		return "declared_size_exceeded"
	case ActualSizeExceeded:
		return "actual_size_exceeded"
	case CapacityExceeded:
		return "capacity_exceeded"
	case TransportReadFailure:
		return "transport_read_failure"
	default:
		return "unknown"
	}
}

var (
	ErrDeclaredSizeExceeded = errors.New("declared length exceeds max message size")
	ErrActualSizeExceeded   = errors.New("body exceeds max message size")
	ErrCapacityExceeded     = errors.New("queue full")
	ErrTransportRead        = errors.New("body read failed")
)

// Result describes what happened to one payload. Err is nil only for Accepted.
type Result struct {
	Outcome Outcome
	// Read is the number of body bytes consumed.
	Read int
	Err  error
	// Timeout is set for TransportReadFailure caused by an I/O deadline.
	Timeout bool
}

// Enqueuer is the producer side of the queue.
type Enqueuer interface {
	TryEnqueue(queue.Message) bool
}

// Controller applies the size ceiling and the queue's backpressure to incoming payloads.
// It is safe for concurrent use.
type Controller struct {
	q       Enqueuer
	maxSize int64
	pool    *buffer.BytePool
	tracer  trace.Tracer
}

func NewController(q Enqueuer, maxMessageSize int64) (*Controller, error) {
	if q == nil {
		return nil, errors.New("ingest: nil queue")
	}
	if maxMessageSize <= 0 {
		return nil, fmt.Errorf("ingest: max message size must be positive, got %d", maxMessageSize)
	}
	return &Controller{
		q:       q,
		maxSize: maxMessageSize,
		// +1 so an undeclared body one byte over the limit is seen rather than truncated
		pool:   buffer.NewBytePool(int(maxMessageSize) + 1),
		tracer: otel.Tracer("ingestq/ingest"),
	}, nil
}

// MaxMessageSize returns the per-message ceiling in bytes.
func (c *Controller) MaxMessageSize() int64 { return c.maxSize }

// Admit runs one payload through admission. declared is the transport's content length,
// or a negative value when unknown. Body read deadlines are the caller's business; a read
// error of any kind ends in TransportReadFailure.
func (c *Controller) Admit(ctx context.Context, declared int64, body io.Reader) Result {
	_, span := c.tracer.Start(ctx, "ingest.admit", trace.WithAttributes(attribute.Int64("declared_length", declared)))
	defer span.End()
	res := c.admit(declared, body)
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()), attribute.Int("read_bytes", res.Read))
	if res.Err != nil && res.Outcome == TransportReadFailure {
		span.RecordError(res.Err)
	}
	return res
}

func (c *Controller) admit(declared int64, body io.Reader) Result {
	if declared > c.maxSize {
		return Result{Outcome: DeclaredSizeExceeded, Err: ErrDeclaredSizeExceeded}
	}
	ceiling := c.maxSize + 1
	if declared >= 0 {
		ceiling = declared
	}

	bp := c.pool.Get()
	defer c.pool.Put(bp)
	buf := (*bp)[:ceiling]

	n := 0
	if body != nil && ceiling > 0 {
		var err error
		n, err = io.ReadFull(body, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return Result{
				Outcome: TransportReadFailure,
				Read:    n,
				Err:     fmt.Errorf("%w: %w", ErrTransportRead, err),
				Timeout: isTimeout(err),
			}
		}
	}
	if int64(n) > c.maxSize {
		return Result{Outcome: ActualSizeExceeded, Read: n, Err: ErrActualSizeExceeded}
	}

	msg := make(queue.Message, n)
	copy(msg, buf[:n])
	if !c.q.TryEnqueue(msg) {
		return Result{Outcome: CapacityExceeded, Read: n, Err: ErrCapacityExceeded}
	}
	return Result{Outcome: Accepted, Read: n}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
