package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ingestq/internal/config"
	"ingestq/pkg/queue"
)

// StatusError is returned when the downstream answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned %d %s", e.Code, http.StatusText(e.Code))
}

// Forward POSTs every message body to a downstream URL.
type Forward struct {
	url    string
	auth   string
	client *http.Client
	log    *zap.Logger
	tracer trace.Tracer
}

func NewForward(cfg config.ForwardConfig, client *http.Client, log *zap.Logger) (*Forward, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("forward: invalid url %q", cfg.URL)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Forward{
		url:    u.String(),
		auth:   cfg.AuthHeader,
		client: client,
		log:    log.Named("forward"),
		tracer: otel.Tracer("ingestq/processors"),
	}, nil
}

func (f *Forward) Process(ctx context.Context, msg queue.Message) error {
	ctx, span := f.tracer.Start(ctx, "forward.post", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("message.size", len(msg))))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if f.auth != "" {
		req.Header.Set("Authorization", f.auth)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("forward: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{Code: resp.StatusCode}
		span.SetStatus(codes.Error, err.Error())
		f.log.Warn("downstream rejected message", zap.Int("status", resp.StatusCode), zap.Int("size", len(msg)))
		return err
	}
	return nil
}

// IsStatus reports whether err is a downstream status error with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
