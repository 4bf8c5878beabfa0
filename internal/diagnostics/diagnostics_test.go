package diagnostics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"ingestq/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host, cfg.Server.Port = "127.0.0.1", 9444
	cfg.Ingest.Host, cfg.Ingest.Port = "0.0.0.0", 8080
	cfg.Ingest.MaxMemory = 1000
	cfg.Ingest.MaxMessageSize = 100
	cfg.Ingest.ShutdownPolicy = "drain"
	cfg.Processor.Type = "forward"
	cfg.Processor.Forward.AuthHeader = "Bearer hunter2"
	cfg.Logging.Level = "info"
	return cfg
}

func TestCollectSummarizesConfig(t *testing.T) {
	info := Collect(testConfig(), false)
	c := info.Config
	if c.QueueCapacity != 10 || c.IngestAddr != "0.0.0.0:8080" || c.Processor != "forward" {
		t.Fatalf("unexpected summary %+v", c)
	}
	if info.Environment.EnvVars != nil {
		t.Fatal("env vars collected without being asked")
	}
	if info.Version.GoVersion == "" || info.Runtime.NumCPU < 1 {
		t.Fatalf("runtime info missing: %+v", info)
	}
}

func TestPrintJSONHasNoSecrets(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, Collect(testConfig(), true), "json"); err != nil {
		t.Fatalf("print: %v", err)
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatal("secret leaked into diagnostics")
	}
	var back SystemInfo
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
}

func TestPrintText(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, Collect(testConfig(), false), "text"); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(buf.String(), "= 10 slots") {
		t.Fatalf("budget line missing:\n%s", buf.String())
	}
	if err := Print(&buf, SystemInfo{}, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
