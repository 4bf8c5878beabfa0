package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"ingestq/internal/config"
)

type fakeKV struct {
	reads   map[string]int
	secrets map[string]map[string]any
}

func (f *fakeKV) ReadWithContext(_ context.Context, p string) (*vaultapi.Secret, error) {
	f.reads[p]++
	d, ok := f.secrets[p]
	if !ok {
		return nil, nil
	}
	return &vaultapi.Secret{Data: d}, nil
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		in, path, field string
		bad             bool
	}{
		{in: "vault://ingestq/forward#token", path: "ingestq/forward", field: "token"},
		{in: "vault:///ingestq/forward", path: "ingestq/forward", field: "value"},
		{in: " vault://a/b# ", path: "a/b", field: "value"},
		{in: "vault://", bad: true},
		{in: "http://x", bad: true},
	}
	for _, tc := range cases {
		p, f, err := ParseRef(tc.in)
		if tc.bad {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || p != tc.path || f != tc.field {
			t.Fatalf("%q: got %q %q %v", tc.in, p, f, err)
		}
	}
}

func TestResolveKV2WithCache(t *testing.T) {
	kv := &fakeKV{reads: map[string]int{}, secrets: map[string]map[string]any{
		"secret/data/ingestq/forward": {"data": map[string]any{"token": "Bearer abc", "port": 8443}},
	}}
	c := newClient(kv, config.VaultConfig{MountPath: "secret", KVVersion: 2, CacheTTL: time.Minute})
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	got, err := c.Resolve(context.Background(), "vault://ingestq/forward#token")
	if err != nil || got != "Bearer abc" {
		t.Fatalf("resolve: %q %v", got, err)
	}
	if got, _ := c.Resolve(context.Background(), "vault://ingestq/forward#port"); got != "8443" {
		t.Fatalf("non-string field: %q", got)
	}
	if kv.reads["secret/data/ingestq/forward"] != 1 {
		t.Fatalf("expected cached read, got %d reads", kv.reads["secret/data/ingestq/forward"])
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.Resolve(context.Background(), "vault://ingestq/forward#token")
	if kv.reads["secret/data/ingestq/forward"] != 2 {
		t.Fatal("expired cache entry not refreshed")
	}
	if _, err := c.Resolve(context.Background(), "vault://ingestq/forward#missing"); err == nil {
		t.Fatal("expected missing field error")
	}
	if _, err := c.Resolve(context.Background(), "vault://nope"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestFullPathKV1(t *testing.T) {
	c := newClient(&fakeKV{}, config.VaultConfig{MountPath: "/kv/", KVVersion: 1})
	if got := c.fullPath("app/creds"); got != "kv/app/creds" {
		t.Fatalf("got %q", got)
	}
	if got := c.fullPath("kv/app/creds"); got != "kv/app/creds" {
		t.Fatalf("mount prefix duplicated: %q", got)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if _, err := c.Resolve(context.Background(), "vault://a#b"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled got %v", err)
	}
	if c, err := New(config.VaultConfig{}); c != nil || err != nil {
		t.Fatalf("disabled config should yield nil client: %v %v", c, err)
	}
}
