// Package processors holds the built-in message processors the worker can be configured
// with.
package processors

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"ingestq/internal/config"
	"ingestq/pkg/pipeline"
	"ingestq/pkg/queue"
)

const (
	TypeLog       = "log"
	TypeDiscard   = "discard"
	TypeForward   = "forward"
	TypeAzureBlob = "azure_blob"
)

type Options struct {
	Logger *zap.Logger
	// OnBreakerChange observes every breaker the factory creates, starting with its
	// initial closed state.
	OnBreakerChange func(name string, state pipeline.CircuitState)
	// HTTPClient overrides the forward processor's client.
	HTTPClient *http.Client
}

// New builds the processor selected by cfg.Type. Processors that talk to a downstream are
// wrapped in a circuit breaker.
func New(ctx context.Context, cfg config.ProcessorConfig, opts Options) (pipeline.Processor, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Type {
	case "", TypeLog:
		return NewLog(log), nil
	case TypeDiscard:
		return Discard{}, nil
	case TypeForward:
		fw, err := NewForward(cfg.Forward, opts.HTTPClient, log)
		if err != nil {
			return nil, err
		}
		return pipeline.WithBreaker(newBreaker(TypeForward, cfg.Forward.Breaker, opts), fw), nil
	case TypeAzureBlob:
		ab, err := NewAzureBlob(ctx, cfg.AzureBlob, log)
		if err != nil {
			return nil, err
		}
		return pipeline.WithBreaker(newBreaker(TypeAzureBlob, cfg.AzureBlob.Breaker, opts), ab), nil
	default:
		return nil, fmt.Errorf("unknown processor type %q", cfg.Type)
	}
}

func newBreaker(name string, bc config.BreakerConfig, opts Options) *pipeline.CircuitBreaker {
	cb := pipeline.NewCircuitBreaker(name, uint32(max(bc.MaxFailures, 0)), bc.Timeout, uint32(max(bc.Successes, 0)))
	if opts.OnBreakerChange != nil {
		cb.OnStateChange(opts.OnBreakerChange)
		opts.OnBreakerChange(name, cb.State())
	}
	return cb
}

// Log records each message at debug level and drops it.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (p *Log) Process(_ context.Context, msg queue.Message) error {
	if ce := p.log.Check(zap.DebugLevel, "message processed"); ce != nil {
		ce.Write(zap.Int("size", len(msg)))
	}
	return nil
}

// Discard accepts and drops every message.
type Discard struct{}

func (Discard) Process(context.Context, queue.Message) error { return nil }
