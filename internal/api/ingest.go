package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"ingestq/internal/ingest"
	"ingestq/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

type IngestOptions struct {
	Addr         string
	ReadTimeout  time.Duration // body read deadline per request
	WriteTimeout time.Duration
	TLS          *tls.Config
	Logger       *slog.Logger
}

// IngestServer is the data plane: a plain net/http server so request bodies are streamed
// into admission rather than buffered by the transport.
type IngestServer struct {
	ctrl   *ingest.Controller
	opts   IngestOptions
	router *mux.Router
	srv    *http.Server
	log    *slog.Logger
	tracer trace.Tracer
}

func NewIngestServer(ctrl *ingest.Controller, opts IngestOptions) (*IngestServer, error) {
	if ctrl == nil {
		return nil, errors.New("api: nil admission controller")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &IngestServer{
		ctrl:   ctrl,
		opts:   opts,
		router: mux.NewRouter(),
		log:    log.With("component", "ingest"),
		tracer: otel.Tracer("ingestq/api"),
	}
	s.router.Use(s.instrument)
	s.router.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	s.router.HandleFunc("/register", s.handleIngest).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         opts.TLS,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *IngestServer) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *IngestServer) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("ingest listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

func (s *IngestServer) Serve(ln net.Listener) error {
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
		s.log.Info("ingest listening", "addr", ln.Addr().String(), "tls", true)
	} else {
		s.log.Info("ingest listening", "addr", ln.Addr().String(), "tls", false)
	}
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *IngestServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *IngestServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.log.Debug("set read deadline", "err", err)
	}

	res := s.ctrl.Admit(r.Context(), r.ContentLength, r.Body)
	metrics.RecordAdmission(res.Outcome.String(), res.Outcome == ingest.Accepted, res.Read)
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ingest.outcome", res.Outcome.String()))

	switch res.Outcome {
	case ingest.Accepted:
		w.WriteHeader(http.StatusAccepted)
	case ingest.CapacityExceeded:
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	case ingest.DeclaredSizeExceeded, ingest.ActualSizeExceeded:
		writeError(w, r, http.StatusBadRequest, codeMessageTooLarge,
			"message exceeds "+strconv.FormatInt(s.ctrl.MaxMessageSize(), 10)+" bytes")
	case ingest.TransportReadFailure:
		s.log.Debug("body read failed", "err", res.Err, "read", res.Read, "timeout", res.Timeout)
		if res.Timeout {
			writeError(w, r, http.StatusRequestTimeout, codeReadTimeout, "request body not received in time")
			return
		}
		writeError(w, r, http.StatusBadRequest, codeReadFailed, "request body could not be read")
	}
}

// statusWriter captures the status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying connection.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func (s *IngestServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+path, trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("request.id", rid), attribute.Int64("http.request.content_length", r.ContentLength)))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic", "err", rec, "requestId", rid)
				if sw.status == 0 {
					writeError(sw, r, http.StatusInternalServerError, "internal", "internal server error")
				}
			}
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			lat := time.Since(start)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			metrics.RecordHTTPRequest(r.Method, path, status, lat)
			s.log.Debug("req", "method", r.Method, "path", path, "status", status, "latency_ms", lat.Milliseconds(), "requestId", rid)
		}()
		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}
