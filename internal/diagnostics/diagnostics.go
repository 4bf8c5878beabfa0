package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"ingestq/internal/config"
	"ingestq/internal/version"
)

// SystemInfo is a point-in-time report used for support bundles and the admin API.
type SystemInfo struct {
	Version     VersionInfo     `json:"version"`
	Runtime     RuntimeInfo     `json:"runtime"`
	Environment EnvironmentInfo `json:"environment"`
	Config      ConfigSummary   `json:"config"`
	Timestamp   string          `json:"timestamp"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

type RuntimeInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemStats     struct {
		Alloc     uint64 `json:"alloc_bytes"`
		HeapInuse uint64 `json:"heap_inuse_bytes"`
		Sys       uint64 `json:"sys_bytes"`
		NumGC     uint32 `json:"num_gc"`
	} `json:"mem_stats"`
}

type EnvironmentInfo struct {
	Hostname string            `json:"hostname"`
	WorkDir  string            `json:"work_dir"`
	EnvVars  map[string]string `json:"env_vars,omitempty"`
}

// ConfigSummary carries no secrets, only what shapes the queue and where data goes.
type ConfigSummary struct {
	AdminAddr      string `json:"admin_addr"`
	IngestAddr     string `json:"ingest_addr"`
	IngestTLS      bool   `json:"ingest_tls"`
	MaxMemory      int64  `json:"max_memory"`
	MaxMessageSize int64  `json:"max_message_size"`
	QueueCapacity  int    `json:"queue_capacity"`
	ShutdownPolicy string `json:"shutdown_policy"`
	Processor      string `json:"processor"`
	LogLevel       string `json:"log_level"`
	VaultEnabled   bool   `json:"vault_enabled"`
	TracingEnabled bool   `json:"tracing_enabled"`
}

// Collect gathers diagnostic information.
func Collect(cfg *config.Config, includeEnv bool) SystemInfo {
	info := SystemInfo{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version: VersionInfo{
			Version:   version.Version,
			Commit:    version.Commit,
			BuildDate: version.Date,
			GoVersion: runtime.Version(),
		},
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info.Runtime = RuntimeInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	info.Runtime.MemStats.Alloc = m.Alloc
	info.Runtime.MemStats.HeapInuse = m.HeapInuse
	info.Runtime.MemStats.Sys = m.Sys
	info.Runtime.MemStats.NumGC = m.NumGC

	hostname, _ := os.Hostname()
	workdir, _ := os.Getwd()
	info.Environment = EnvironmentInfo{Hostname: hostname, WorkDir: workdir}
	if includeEnv {
		info.Environment.EnvVars = collectSafeEnvVars()
	}

	if cfg != nil {
		capacity, _ := cfg.QueueCapacity()
		info.Config = ConfigSummary{
			AdminAddr:      cfg.AdminAddr(),
			IngestAddr:     cfg.IngestAddr(),
			IngestTLS:      cfg.Ingest.TLS.Enabled,
			MaxMemory:      cfg.Ingest.MaxMemory,
			MaxMessageSize: cfg.Ingest.MaxMessageSize,
			QueueCapacity:  capacity,
			ShutdownPolicy: cfg.Ingest.ShutdownPolicy,
			Processor:      cfg.Processor.Type,
			LogLevel:       cfg.Logging.Level,
			VaultEnabled:   cfg.Secrets.Vault.Enabled,
			TracingEnabled: cfg.Telemetry.OTLP.Endpoint != "",
		}
	}
	return info
}

// collectSafeEnvVars returns runtime tuning variables only; INGESTQ_* may hold credentials.
func collectSafeEnvVars() map[string]string {
	safe := make(map[string]string)
	for _, key := range []string{"HOSTNAME", "LANG", "TZ", "GOMAXPROCS", "GOGC", "GOMEMLIMIT", "GODEBUG"} {
		if val := os.Getenv(key); val != "" {
			safe[key] = val
		}
	}
	return safe
}

// Print writes info to w as json or text.
func Print(w io.Writer, info SystemInfo, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)

	case "text":
		fmt.Fprintf(w, "ingestq diagnostics\n")
		fmt.Fprintf(w, "===================\n\n")

		fmt.Fprintf(w, "Version:\n")
		fmt.Fprintf(w, "  Version:    %s\n", info.Version.Version)
		fmt.Fprintf(w, "  Commit:     %s\n", info.Version.Commit)
		fmt.Fprintf(w, "  Build Date: %s\n", info.Version.BuildDate)
		fmt.Fprintf(w, "  Go Version: %s\n\n", info.Version.GoVersion)

		fmt.Fprintf(w, "Runtime:\n")
		fmt.Fprintf(w, "  OS/Arch:     %s/%s\n", info.Runtime.OS, info.Runtime.Arch)
		fmt.Fprintf(w, "  CPUs:        %d\n", info.Runtime.NumCPU)
		fmt.Fprintf(w, "  Goroutines:  %d\n", info.Runtime.NumGoroutine)
		fmt.Fprintf(w, "  Heap in use: %d MB\n", info.Runtime.MemStats.HeapInuse/1024/1024)
		fmt.Fprintf(w, "  System:      %d MB\n", info.Runtime.MemStats.Sys/1024/1024)
		fmt.Fprintf(w, "  GC Cycles:   %d\n\n", info.Runtime.MemStats.NumGC)

		fmt.Fprintf(w, "Environment:\n")
		fmt.Fprintf(w, "  Hostname: %s\n", info.Environment.Hostname)
		fmt.Fprintf(w, "  Work Dir: %s\n", info.Environment.WorkDir)
		for k, v := range info.Environment.EnvVars {
			fmt.Fprintf(w, "  %s=%s\n", k, v)
		}
		fmt.Fprintf(w, "\n")

		c := info.Config
		fmt.Fprintf(w, "Configuration:\n")
		fmt.Fprintf(w, "  Admin:     %s\n", c.AdminAddr)
		fmt.Fprintf(w, "  Ingest:    %s (TLS: %v)\n", c.IngestAddr, c.IngestTLS)
		fmt.Fprintf(w, "  Budget:    %d bytes / %d per message = %d slots\n", c.MaxMemory, c.MaxMessageSize, c.QueueCapacity)
		fmt.Fprintf(w, "  Shutdown:  %s\n", c.ShutdownPolicy)
		fmt.Fprintf(w, "  Processor: %s\n", c.Processor)
		fmt.Fprintf(w, "  Log Level: %s\n", c.LogLevel)
		fmt.Fprintf(w, "  Vault:     %v\n", c.VaultEnabled)
		fmt.Fprintf(w, "  Tracing:   %v\n\n", c.TracingEnabled)

		fmt.Fprintf(w, "Timestamp: %s\n", info.Timestamp)
		return nil

	default:
		return fmt.Errorf("unsupported format: %s (use 'json' or 'text')", format)
	}
}
