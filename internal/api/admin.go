package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ingestq/internal/config"
	"ingestq/internal/diagnostics"
	"ingestq/internal/metrics"
	"ingestq/internal/platform/logger"
	"ingestq/internal/version"
	"ingestq/pkg/pipeline"
	"ingestq/pkg/queue"
)

// QueueStats is the read side of the queue the admin plane reports on.
type QueueStats interface {
	Stats() queue.Stats
}

// WorkerStatus is the read side of the background worker.
type WorkerStatus interface {
	Started() bool
	State() pipeline.WorkerState
	Snapshot() pipeline.WorkerSnapshot
}

type AdminDeps struct {
	Config *config.Config
	Queue  QueueStats
	Worker WorkerStatus
	Logger *slog.Logger
}

// AdminServer is the control plane: metrics, probes and a small JSON API. It never sees
// ingest traffic.
type AdminServer struct {
	app  *fiber.App
	deps AdminDeps
	log  *slog.Logger
}

func NewAdminServer(deps AdminDeps) *AdminServer {
	cfg := deps.Config
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: true,
	})
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &AdminServer{app: app, deps: deps, log: log.With("component", "admin")}

	metrics.Init()

	app.Use(func(c *fiber.Ctx) (err error) {
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()
		rid := c.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDHeader, rid)
		path := c.Path()
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic", "err", rec, "requestId", rid)
				_ = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error", "requestId": rid})
			}
			lat := time.Since(start)
			status := c.Response().StatusCode()
			metrics.RecordHTTPRequest(c.Method(), path, status, lat)
			s.log.Debug("req", "method", c.Method(), "path", path, "status", status, "latency_ms", lat.Milliseconds(), "requestId", rid)
		}()
		return c.Next()
	})

	prom := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      metrics.Registry(),
	})
	app.Get("/metrics", adaptor.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.deps.Queue.Stats()
		metrics.SetQueue(st.Depth, st.Capacity)
		prom.ServeHTTP(w, r)
	})))

	app.Get("/live", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	// Ready while the worker is still consuming.
	app.Get("/ready", func(c *fiber.Ctx) error {
		if !s.workerRunning() {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	router := mux.NewRouter()
	s.RegisterRoutes(router)
	app.Use("/api", adaptor.HTTPHandler(router))
	return s
}

// workerRunning is false before Start as well; the zero state reads as idle.
func (s *AdminServer) workerRunning() bool {
	if !s.deps.Worker.Started() {
		return false
	}
	switch s.deps.Worker.State() {
	case pipeline.WorkerIdle, pipeline.WorkerProcessing:
		return true
	}
	return false
}

// App exposes the fiber app for tests.
func (s *AdminServer) App() *fiber.App { return s.app }

func (s *AdminServer) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/version", s.handleVersion).Methods("GET")
	v1.HandleFunc("/queue", s.handleQueue).Methods("GET")
	v1.HandleFunc("/config", s.handleConfig).Methods("GET")
	v1.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	v1.HandleFunc("/admin/loglevel", s.handleLogLevel).Methods("GET", "PATCH")
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Queue.Stats()
	status, code := "ok", http.StatusOK
	if !s.deps.Worker.Started() {
		status, code = "starting", http.StatusServiceUnavailable
	} else if !s.workerRunning() {
		status, code = "stopping", http.StatusServiceUnavailable
	} else if st.Capacity > 0 && st.Depth == st.Capacity {
		// still serving, but every new payload is being turned away
		status = "saturated"
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"worker":    s.deps.Worker.State().String(),
		"queue":     map[string]int{"depth": st.Depth, "capacity": st.Capacity},
		"uptime_ms": metrics.Uptime().Milliseconds(),
	})
}

func (s *AdminServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *AdminServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  s.deps.Queue.Stats(),
		"worker": s.deps.Worker.Snapshot(),
		"limits": map[string]int64{
			"max_memory":       s.deps.Config.Ingest.MaxMemory,
			"max_message_size": s.deps.Config.Ingest.MaxMessageSize,
		},
	})
}

func (s *AdminServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	out, err := s.deps.Config.MarshalEffective(format)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidFormat, "format must be json|yaml")
		return
	}
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/yaml")
	}
	_, _ = w.Write(out)
}

func (s *AdminServer) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, diagnostics.Collect(s.deps.Config, r.URL.Query().Get("env") == "1"))
}

// handleLogLevel reports (GET) or changes (PATCH) the global log level.
func (s *AdminServer) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"level": logger.Level()})
		return
	}
	var body struct {
		Level string `json:"level"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Level == "" || logger.SetLevel(body.Level) != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidLevel, "level must be debug|info|warn|error")
		return
	}
	s.log.Info("log level changed", "level", logger.Level())
	writeJSON(w, http.StatusOK, map[string]string{"level": logger.Level()})
}

// Start blocks serving the admin app on addr.
func (s *AdminServer) Start(addr string) error {
	s.log.Info("admin listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
