// Package logger owns the process-wide zap core and the slog front end the rest of the
// service logs through.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string    // text|json
	Output io.Writer // defaults to stdout
}

var (
	mu      sync.RWMutex
	zl      = zap.NewNop()
	slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	level   = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// ParseLevel maps debug|info|warn|error onto zap levels.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds an independent zap/slog pair sharing one core. Tests use it to capture output
// without touching the globals.
func New(cfg Config, lvl zap.AtomicLevel) (*zap.Logger, *slog.Logger) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeTime: func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(t.UTC().Format(time.RFC3339Nano))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), lvl)
	return zap.New(core, zap.AddCaller()), slog.New(&handler{core: core})
}

// Init replaces the global loggers. Safe to call more than once; the last call wins.
func Init(cfg Config) {
	l, err := ParseLevel(cfg.Level)
	if err != nil {
		l = zap.InfoLevel
	}
	level.SetLevel(l)
	z, s := New(cfg, level)
	mu.Lock()
	zl, slogger = z, s
	mu.Unlock()
	slog.SetDefault(s)
}

func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zl
}

func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// SetLevel changes the global level at runtime.
func SetLevel(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// Level reports the current global level name.
func Level() string { return level.Level().String() }

// handler adapts slog records onto a zap core.
type handler struct {
	core   zapcore.Core
	fields []zapcore.Field
	group  string
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zap.ErrorLevel
	case l >= slog.LevelWarn:
		return zap.WarnLevel
	case l >= slog.LevelInfo:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool {
	return h.core.Enabled(zapLevel(l))
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zapcore.Field, 0, len(h.fields)+r.NumAttrs())
	fields = append(fields, h.fields...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, h.field(a))
		return true
	})
	ent := zapcore.Entry{Level: zapLevel(r.Level), Time: r.Time, Message: r.Message}
	if ce := h.core.Check(ent, nil); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.fields = append(append([]zapcore.Field{}, h.fields...), make([]zapcore.Field, 0, len(attrs))...)
	for _, a := range attrs {
		nh.fields = append(nh.fields, h.field(a))
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.group = h.key(name)
	return &nh
}

func (h *handler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *handler) field(a slog.Attr) zapcore.Field {
	a.Value = a.Value.Resolve()
	key := h.key(a.Key)
	switch a.Value.Kind() {
	case slog.KindString:
		return zap.String(key, a.Value.String())
	case slog.KindInt64:
		return zap.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		return zap.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		return zap.Float64(key, a.Value.Float64())
	case slog.KindBool:
		return zap.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		return zap.Duration(key, a.Value.Duration())
	case slog.KindTime:
		return zap.Time(key, a.Value.Time())
	default:
		if err, ok := a.Value.Any().(error); ok {
			return zap.NamedError(key, err)
		}
		return zap.Any(key, a.Value.Any())
	}
}
