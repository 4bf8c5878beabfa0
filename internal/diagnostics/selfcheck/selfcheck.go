package selfcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"ingestq/internal/config"
)

// Dependencies surfaces optional clients required for checks.
type Dependencies struct {
	Vault interface{ Ping(context.Context) error }
}

// DialTimeout bounds each downstream reachability probe.
var DialTimeout = 5 * time.Second

// Run checks that what the configuration points at is usable before traffic is accepted.
// All failures are reported together.
func Run(ctx context.Context, cfg *config.Config, deps Dependencies) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	var errs []error
	if cfg.Secrets.Vault.Enabled {
		if deps.Vault == nil {
			errs = append(errs, fmt.Errorf("vault enabled but no client available for health check"))
		} else if err := deps.Vault.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vault health check failed: %w", err))
		}
	}
	if cfg.Ingest.TLS.Enabled {
		// A missing pair is generated on startup, so only an unreadable one is a problem.
		for _, p := range []string{cfg.Ingest.TLS.CertFile, cfg.Ingest.TLS.KeyFile} {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("ingest tls file %s: %w", p, err))
			}
		}
	}
	switch cfg.Processor.Type {
	case "forward":
		if err := checkEndpoint(ctx, "processor.forward.url", cfg.Processor.Forward.URL); err != nil {
			errs = append(errs, err)
		}
	case "azure_blob":
		if err := checkEndpoint(ctx, "processor.azure_blob.account_url", cfg.Processor.AzureBlob.AccountURL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkEndpoint(ctx context.Context, key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", key, raw)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%s connectivity (%s) failed: %w", key, host, err)
	}
	_ = conn.Close()
	return nil
}
