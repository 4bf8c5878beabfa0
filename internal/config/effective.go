package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redactedPlaceholder = "<redacted>"

// MarshalEffective returns the effective configuration rendered in the requested format
// after redacting sensitive fields.
func (c *Config) MarshalEffective(format string) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil config")
	}
	sanitized := c.redactedClone()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "yml":
		return yaml.Marshal(&sanitized)
	case "json":
		return json.MarshalIndent(&sanitized, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// redact hides a secret value. Unresolved vault:// references only name where the secret
// lives and are shown as-is.
func redact(s string) string {
	if s == "" || strings.HasPrefix(s, "vault://") {
		return s
	}
	return redactedPlaceholder
}

func (c *Config) redactedClone() Config {
	if c == nil {
		return Config{}
	}
	clone := *c
	clone.Processor.Forward.AuthHeader = redact(clone.Processor.Forward.AuthHeader)
	clone.Processor.AzureBlob.SASToken = redact(clone.Processor.AzureBlob.SASToken)
	clone.Processor.AzureBlob.ClientSecret = redact(clone.Processor.AzureBlob.ClientSecret)
	clone.Secrets.Vault.Token = redact(clone.Secrets.Vault.Token)
	if len(c.Telemetry.OTLP.Headers) > 0 {
		// header values are usually API keys
		hdrs := make(map[string]string, len(c.Telemetry.OTLP.Headers))
		for k := range c.Telemetry.OTLP.Headers {
			hdrs[k] = redactedPlaceholder
		}
		clone.Telemetry.OTLP.Headers = hdrs
	}
	return clone
}
