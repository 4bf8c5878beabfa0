package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ingestq/pkg/queue"
)

type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"
}

// IngestConfig covers the data plane: where payloads arrive and how much may be held.
type IngestConfig struct {
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port"`
	TLS            TLSConfig     `yaml:"tls" json:"tls"`
	MaxMemory      int64         `yaml:"max_memory" json:"max_memory"`             // bytes held by queued messages
	MaxMessageSize int64         `yaml:"max_message_size" json:"max_message_size"` // bytes per message
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownPolicy string        `yaml:"shutdown_policy" json:"shutdown_policy"` // drain|discard
	DrainTimeout   time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	ProcessTimeout time.Duration `yaml:"process_timeout" json:"process_timeout"`
}

type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" json:"max_failures"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	Successes   int           `yaml:"successes" json:"successes"`
}

type ForwardConfig struct {
	URL        string        `yaml:"url" json:"url"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	AuthHeader string        `yaml:"auth_header" json:"auth_header"` // may be a vault:// reference
	Breaker    BreakerConfig `yaml:"breaker" json:"breaker"`
}

type AzureBlobConfig struct {
	AccountURL   string        `yaml:"account_url" json:"account_url"`
	Container    string        `yaml:"container" json:"container"`
	Prefix       string        `yaml:"prefix" json:"prefix"`
	AuthType     string        `yaml:"auth_type" json:"auth_type"` // sas|service_principal|default
	SASToken     string        `yaml:"sas_token" json:"sas_token"`
	TenantID     string        `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string        `yaml:"client_id" json:"client_id"`
	ClientSecret string        `yaml:"client_secret" json:"client_secret"`
	Breaker      BreakerConfig `yaml:"breaker" json:"breaker"`
}

// ProcessorConfig selects what the background worker does with each message.
type ProcessorConfig struct {
	Type      string          `yaml:"type" json:"type"` // log|discard|forward|azure_blob
	Forward   ForwardConfig   `yaml:"forward" json:"forward"`
	AzureBlob AzureBlobConfig `yaml:"azure_blob" json:"azure_blob"`
}

type OTLPConfig struct {
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	Insecure    bool              `yaml:"insecure" json:"insecure"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout"`
	Compression string            `yaml:"compression" json:"compression"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	SampleRatio float64           `yaml:"sample_ratio" json:"sample_ratio"`
}

type TelemetryConfig struct {
	OTLP OTLPConfig `yaml:"otlp" json:"otlp"`
}

type VaultTLS struct {
	CAFile   string `yaml:"ca_file" json:"ca_file"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

type VaultConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Address        string        `yaml:"address" json:"address"`
	Token          string        `yaml:"token" json:"token"`
	TokenFile      string        `yaml:"token_file" json:"token_file"`
	Namespace      string        `yaml:"namespace" json:"namespace"`
	MountPath      string        `yaml:"mount_path" json:"mount_path"`
	KVVersion      int           `yaml:"kv_version" json:"kv_version"`
	CacheTTL       time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	TLSSkipVerify  bool          `yaml:"tls_skip_verify" json:"tls_skip_verify"`
	TLS            VaultTLS      `yaml:"tls" json:"tls"`
}

type Config struct {
	Server struct {
		Host         string        `yaml:"host" json:"host"`
		Port         int           `yaml:"port" json:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	} `yaml:"server" json:"server"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Processor ProcessorConfig `yaml:"processor" json:"processor"`
	Logging   struct {
		Level  string `yaml:"level" json:"level"`   // debug|info|warn|error
		Format string `yaml:"format" json:"format"` // text|json
	} `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Secrets   struct {
		Vault VaultConfig `yaml:"vault" json:"vault"`
	} `yaml:"secrets" json:"secrets"`
}

// Defaults mirror the budget the service was first sized for: 500 MiB of queued data
// split into messages that stay under 80 KiB.
const (
	DefaultMaxMemory      = 500 * 1024 * 1024
	DefaultMaxMessageSize = 80 * 1024
)

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	// Environment variable support. Example: INGESTQ_INGEST_MAX_MEMORY=104857600
	v.SetEnvPrefix("INGESTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9444)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("ingest.host", "127.0.0.1")
	v.SetDefault("ingest.port", 8080)
	v.SetDefault("ingest.tls.enabled", false)
	v.SetDefault("ingest.tls.cert_file", "")
	v.SetDefault("ingest.tls.key_file", "")
	v.SetDefault("ingest.tls.min_version", "1.2")
	v.SetDefault("ingest.max_memory", DefaultMaxMemory)
	v.SetDefault("ingest.max_message_size", DefaultMaxMessageSize)
	v.SetDefault("ingest.read_timeout", "1s")
	v.SetDefault("ingest.shutdown_policy", "drain")
	v.SetDefault("ingest.drain_timeout", "5s")
	v.SetDefault("ingest.process_timeout", "30s")

	v.SetDefault("processor.type", "log")
	v.SetDefault("processor.forward.url", "")
	v.SetDefault("processor.forward.timeout", "5s")
	v.SetDefault("processor.forward.auth_header", "")
	v.SetDefault("processor.forward.breaker.max_failures", 5)
	v.SetDefault("processor.forward.breaker.timeout", "10s")
	v.SetDefault("processor.forward.breaker.successes", 2)
	v.SetDefault("processor.azure_blob.account_url", "")
	v.SetDefault("processor.azure_blob.container", "ingest")
	v.SetDefault("processor.azure_blob.prefix", "messages/")
	v.SetDefault("processor.azure_blob.auth_type", "default")
	v.SetDefault("processor.azure_blob.breaker.max_failures", 5)
	v.SetDefault("processor.azure_blob.breaker.timeout", "30s")
	v.SetDefault("processor.azure_blob.breaker.successes", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("telemetry.otlp.endpoint", "")
	v.SetDefault("telemetry.otlp.insecure", false)
	v.SetDefault("telemetry.otlp.timeout", "10s")
	v.SetDefault("telemetry.otlp.sample_ratio", 1.0)

	v.SetDefault("secrets.vault.enabled", false)
	v.SetDefault("secrets.vault.mount_path", "secret")
	v.SetDefault("secrets.vault.kv_version", 2)
	v.SetDefault("secrets.vault.cache_ttl", "5m")
	v.SetDefault("secrets.vault.request_timeout", "10s")

	_ = v.ReadInConfig()

	cfg := &Config{}
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")

	in := &cfg.Ingest
	in.Host = v.GetString("ingest.host")
	in.Port = v.GetInt("ingest.port")
	in.TLS.Enabled = v.GetBool("ingest.tls.enabled")
	in.TLS.CertFile = v.GetString("ingest.tls.cert_file")
	in.TLS.KeyFile = v.GetString("ingest.tls.key_file")
	in.TLS.MinVersion = v.GetString("ingest.tls.min_version")
	in.MaxMemory = v.GetInt64("ingest.max_memory")
	in.MaxMessageSize = v.GetInt64("ingest.max_message_size")
	in.ReadTimeout = v.GetDuration("ingest.read_timeout")
	in.ShutdownPolicy = strings.ToLower(v.GetString("ingest.shutdown_policy"))
	in.DrainTimeout = v.GetDuration("ingest.drain_timeout")
	in.ProcessTimeout = v.GetDuration("ingest.process_timeout")

	p := &cfg.Processor
	p.Type = strings.ToLower(v.GetString("processor.type"))
	p.Forward.URL = v.GetString("processor.forward.url")
	p.Forward.Timeout = v.GetDuration("processor.forward.timeout")
	p.Forward.AuthHeader = v.GetString("processor.forward.auth_header")
	p.Forward.Breaker = loadBreaker(v, "processor.forward.breaker")
	p.AzureBlob.AccountURL = v.GetString("processor.azure_blob.account_url")
	p.AzureBlob.Container = v.GetString("processor.azure_blob.container")
	p.AzureBlob.Prefix = v.GetString("processor.azure_blob.prefix")
	p.AzureBlob.AuthType = strings.ToLower(v.GetString("processor.azure_blob.auth_type"))
	p.AzureBlob.SASToken = v.GetString("processor.azure_blob.sas_token")
	p.AzureBlob.TenantID = v.GetString("processor.azure_blob.tenant_id")
	p.AzureBlob.ClientID = v.GetString("processor.azure_blob.client_id")
	p.AzureBlob.ClientSecret = v.GetString("processor.azure_blob.client_secret")
	p.AzureBlob.Breaker = loadBreaker(v, "processor.azure_blob.breaker")

	cfg.Logging.Level = strings.ToLower(v.GetString("logging.level"))
	cfg.Logging.Format = v.GetString("logging.format")

	o := &cfg.Telemetry.OTLP
	o.Endpoint = v.GetString("telemetry.otlp.endpoint")
	o.Insecure = v.GetBool("telemetry.otlp.insecure")
	o.Timeout = v.GetDuration("telemetry.otlp.timeout")
	o.Compression = v.GetString("telemetry.otlp.compression")
	o.Headers = v.GetStringMapString("telemetry.otlp.headers")
	o.SampleRatio = v.GetFloat64("telemetry.otlp.sample_ratio")

	vc := &cfg.Secrets.Vault
	vc.Enabled = v.GetBool("secrets.vault.enabled")
	vc.Address = v.GetString("secrets.vault.address")
	vc.Token = v.GetString("secrets.vault.token")
	vc.TokenFile = v.GetString("secrets.vault.token_file")
	vc.Namespace = v.GetString("secrets.vault.namespace")
	vc.MountPath = v.GetString("secrets.vault.mount_path")
	vc.KVVersion = v.GetInt("secrets.vault.kv_version")
	vc.CacheTTL = v.GetDuration("secrets.vault.cache_ttl")
	vc.RequestTimeout = v.GetDuration("secrets.vault.request_timeout")
	vc.TLSSkipVerify = v.GetBool("secrets.vault.tls_skip_verify")
	vc.TLS.CAFile = v.GetString("secrets.vault.tls.ca_file")
	vc.TLS.CertFile = v.GetString("secrets.vault.tls.cert_file")
	vc.TLS.KeyFile = v.GetString("secrets.vault.tls.key_file")
	return cfg
}

func loadBreaker(v *viper.Viper, prefix string) BreakerConfig {
	return BreakerConfig{
		MaxFailures: v.GetInt(prefix + ".max_failures"),
		Timeout:     v.GetDuration(prefix + ".timeout"),
		Successes:   v.GetInt(prefix + ".successes"),
	}
}

// AdminAddr returns host:port for the admin (metrics/health) listener.
func (c *Config) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IngestAddr returns host:port for the ingestion listener.
func (c *Config) IngestAddr() string {
	return fmt.Sprintf("%s:%d", c.Ingest.Host, c.Ingest.Port)
}

// QueueCapacity derives the queue length from the memory budget.
func (c *Config) QueueCapacity() (int, error) {
	return queue.Capacity(c.Ingest.MaxMemory, c.Ingest.MaxMessageSize)
}

// Validate performs static validation and returns a slice of error messages (empty if valid).
func (c *Config) Validate() (errors []string, warnings []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, "server.port must be 1-65535")
	}
	if c.Ingest.Port <= 0 || c.Ingest.Port > 65535 {
		errors = append(errors, "ingest.port must be 1-65535")
	}
	if c.Ingest.Port == c.Server.Port && c.Ingest.Host == c.Server.Host {
		errors = append(errors, "ingest and server listeners must not share an address")
	}
	switch c.Ingest.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errors = append(errors, "ingest.tls.min_version must be 1.2 or 1.3")
	}
	if c.Ingest.MaxMemory <= 0 {
		errors = append(errors, "ingest.max_memory must be positive")
	}
	if c.Ingest.MaxMessageSize <= 0 {
		errors = append(errors, "ingest.max_message_size must be positive")
	}
	if c.Ingest.MaxMemory > 0 && c.Ingest.MaxMessageSize > 0 {
		if _, err := c.QueueCapacity(); err != nil {
			errors = append(errors, fmt.Sprintf("ingest.max_memory/ingest.max_message_size: %v", err))
		}
	}
	if c.Ingest.ReadTimeout <= 0 {
		errors = append(errors, "ingest.read_timeout must be positive")
	}
	switch c.Ingest.ShutdownPolicy {
	case "", "drain", "discard":
	default:
		errors = append(errors, "ingest.shutdown_policy must be drain|discard")
	}
	switch c.Processor.Type {
	case "", "log", "discard":
	case "forward":
		if strings.TrimSpace(c.Processor.Forward.URL) == "" {
			errors = append(errors, "processor.forward.url required when processor.type=forward")
		}
	case "azure_blob":
		ab := c.Processor.AzureBlob
		if ab.AccountURL == "" || ab.Container == "" {
			errors = append(errors, "processor.azure_blob.account_url and container required")
		}
		switch ab.AuthType {
		case "", "default":
		case "sas":
			if ab.SASToken == "" {
				errors = append(errors, "processor.azure_blob.sas_token required for auth_type=sas")
			}
		case "service_principal":
			if ab.TenantID == "" || ab.ClientID == "" || ab.ClientSecret == "" {
				errors = append(errors, "processor.azure_blob tenant_id, client_id and client_secret required for auth_type=service_principal")
			}
		default:
			errors = append(errors, "processor.azure_blob.auth_type must be default|sas|service_principal")
		}
	default:
		errors = append(errors, "processor.type must be log|discard|forward|azure_blob")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "logging.level must be debug|info|warn|error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errors = append(errors, "logging.format must be text|json")
	}
	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Token == "" && c.Secrets.Vault.TokenFile == "" {
		errors = append(errors, "secrets.vault.token or token_file required when vault enabled")
	}
	// warnings (do not block startup)
	if c.Ingest.Host != "127.0.0.1" && c.Ingest.Host != "localhost" && !c.Ingest.TLS.Enabled {
		warnings = append(warnings, "ingest listener exposed without TLS")
	}
	if c.Ingest.DrainTimeout <= 0 && c.Ingest.ShutdownPolicy != "discard" {
		warnings = append(warnings, "ingest.drain_timeout not set - default 5s applies")
	}
	if c.Processor.Type == "discard" {
		warnings = append(warnings, "processor.type=discard - accepted messages are dropped")
	}
	return
}
