// Package vault resolves vault://path#field references against a KV secrets engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"ingestq/internal/config"
)

const scheme = "vault://"

// ErrDisabled is returned when a reference is seen but no Vault client was configured.
var ErrDisabled = errors.New("vault reference found but secrets.vault.enabled=false")

// logical is the slice of *vaultapi.Logical the client reads through.
type logical interface {
	ReadWithContext(ctx context.Context, path string) (*vaultapi.Secret, error)
}

// Client reads KV secrets and caches each path for the configured TTL.
type Client struct {
	mount     string
	kvVersion int
	ttl       time.Duration
	kv        logical
	sys       *vaultapi.Sys
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	data    map[string]any
	expires time.Time
}

// New returns nil, nil when Vault is disabled.
func New(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	conf := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		conf.Address = cfg.Address
	}
	if cfg.RequestTimeout > 0 {
		conf.Timeout = cfg.RequestTimeout
	}
	if err := conf.ConfigureTLS(&vaultapi.TLSConfig{
		CACert:     cfg.TLS.CAFile,
		ClientCert: cfg.TLS.CertFile,
		ClientKey:  cfg.TLS.KeyFile,
		Insecure:   cfg.TLSSkipVerify,
	}); err != nil {
		return nil, fmt.Errorf("vault tls: %w", err)
	}
	api, err := vaultapi.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}
	token, err := loadToken(cfg)
	if err != nil {
		return nil, err
	}
	api.SetToken(token)
	c := newClient(api.Logical(), cfg)
	c.sys = api.Sys()
	return c, nil
}

func newClient(kv logical, cfg config.VaultConfig) *Client {
	return &Client{
		mount:     strings.Trim(cfg.MountPath, "/"),
		kvVersion: cfg.KVVersion,
		ttl:       cfg.CacheTTL,
		kv:        kv,
		now:       time.Now,
		cache:     make(map[string]entry),
	}
}

func loadToken(cfg config.VaultConfig) (string, error) {
	if t := strings.TrimSpace(cfg.Token); t != "" {
		return t, nil
	}
	if cfg.TokenFile == "" {
		return "", errors.New("vault token required when vault enabled")
	}
	b, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read vault token file: %w", err)
	}
	t := strings.TrimSpace(string(b))
	if t == "" {
		return "", fmt.Errorf("vault token file %s is empty", cfg.TokenFile)
	}
	return t, nil
}

// Resolve returns the field a vault:// reference points at. The field defaults to "value".
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	p, field, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	data, err := c.read(ctx, c.fullPath(p))
	if err != nil {
		return "", err
	}
	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault field %q missing at %s", field, p)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return fmt.Sprint(s), nil
	}
}

// Ping checks that Vault answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.sys == nil {
		return nil
	}
	_, err := c.sys.HealthWithContext(ctx)
	return err
}

func (c *Client) read(ctx context.Context, full string) (map[string]any, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.cache[full]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.data, nil
	}
	c.mu.Unlock()

	secret, err := c.kv.ReadWithContext(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", full, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", full)
	}
	data := secret.Data
	if c.kvVersion == 2 {
		if nested, ok := data["data"].(map[string]any); ok {
			data = nested
		}
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[full] = entry{data: data, expires: now.Add(c.ttl)}
		c.mu.Unlock()
	}
	return data, nil
}

// fullPath prefixes the mount and, for KV v2, the data/ segment unless already present.
func (c *Client) fullPath(p string) string {
	p = strings.TrimLeft(p, "/")
	if c.mount == "" || strings.HasPrefix(p, c.mount+"/") {
		return p
	}
	if c.kvVersion == 2 {
		return path.Join(c.mount, "data", p)
	}
	return path.Join(c.mount, p)
}

// IsRef reports whether s is a vault:// reference.
func IsRef(s string) bool { return strings.HasPrefix(strings.TrimSpace(s), scheme) }

// ParseRef splits vault://path#field into its path and field.
func ParseRef(ref string) (p, field string, err error) {
	raw := strings.TrimSpace(ref)
	if !strings.HasPrefix(raw, scheme) {
		return "", "", fmt.Errorf("invalid vault reference %q", ref)
	}
	p, field, _ = strings.Cut(strings.TrimPrefix(raw, scheme), "#")
	p = strings.Trim(p, "/")
	if p == "" {
		return "", "", fmt.Errorf("vault reference %q missing path", ref)
	}
	if field == "" {
		field = "value"
	}
	return p, field, nil
}
