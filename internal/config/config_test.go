package config

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/bouncerd/internal/relay"
	"github.com/danmuck/bouncerd/internal/testutil/tlstest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bouncerd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "0.0.0.0:2525"
upstream_addr = "game.internal:6666"
buffer_budget_bytes = 131072
idle_timeout = "5m"
reap_interval = "10s"
admin_addr = "127.0.0.1:9100"
cors_origins = ["http://ops.internal"]
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.ListenAddr != "0.0.0.0:2525" {
		t.Fatalf("listen_addr: %q", cfg.Relay.ListenAddr)
	}
	if cfg.Relay.UpstreamAddr != "game.internal:6666" {
		t.Fatalf("upstream_addr: %q", cfg.Relay.UpstreamAddr)
	}
	if cfg.Relay.BufferBudget != 131072 {
		t.Fatalf("buffer_budget_bytes: %d", cfg.Relay.BufferBudget)
	}
	if cfg.Relay.IdleTimeout != 5*time.Minute {
		t.Fatalf("idle_timeout: %s", cfg.Relay.IdleTimeout)
	}
	if cfg.Relay.ReapInterval != 10*time.Second {
		t.Fatalf("reap_interval: %s", cfg.Relay.ReapInterval)
	}
	if cfg.AdminAddr != "127.0.0.1:9100" {
		t.Fatalf("admin_addr: %q", cfg.AdminAddr)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://ops.internal" {
		t.Fatalf("cors_origins: %v", cfg.CorsOrigins)
	}
	if cfg.Relay.TLS != nil {
		t.Fatalf("tls enabled without a [tls] table")
	}
}

func TestLoadServerConfigKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := writeConfig(t, `upstream_addr = "127.0.0.1:7000"`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := relay.DefaultConfig()
	if cfg.Relay.ListenAddr != def.ListenAddr {
		t.Fatalf("listen_addr not defaulted: %q", cfg.Relay.ListenAddr)
	}
	if cfg.Relay.BufferBudget != def.BufferBudget {
		t.Fatalf("buffer budget not defaulted: %d", cfg.Relay.BufferBudget)
	}
	if cfg.Relay.IdleTimeout != def.IdleTimeout {
		t.Fatalf("idle timeout not defaulted: %s", cfg.Relay.IdleTimeout)
	}
	if cfg.Relay.UpstreamAddr != "127.0.0.1:7000" {
		t.Fatalf("upstream_addr: %q", cfg.Relay.UpstreamAddr)
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("admin_addr not defaulted: %q", cfg.AdminAddr)
	}
}

func TestLoadServerConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `idle_timeout = "sometime"`)
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected load error for a missing file")
	}
}

func TestLoadServerConfigTLS(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "config test ca")
	certPath, keyPath := ca.IssueServerCert(t, dir, "localhost")

	path := writeConfig(t, `
[tls]
enabled = true
cert_file = "`+certPath+`"
key_file = "`+keyPath+`"
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.TLS == nil {
		t.Fatalf("tls config missing")
	}
	if len(cfg.Relay.TLS.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cfg.Relay.TLS.Certificates))
	}
	if cfg.Relay.TLS.ClientAuth != tls.NoClientCert {
		t.Fatalf("client auth enabled without mutual = true")
	}
}

func TestLoadServerConfigMutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "config test ca")
	certPath, keyPath := ca.IssueServerCert(t, dir, "localhost")

	path := writeConfig(t, `
[tls]
enabled = true
cert_file = "`+certPath+`"
key_file = "`+keyPath+`"
ca_file = "`+ca.CAPath()+`"
mutual = true
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.TLS.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("mutual tls not enforced: %v", cfg.Relay.TLS.ClientAuth)
	}
	if cfg.Relay.TLS.ClientCAs == nil {
		t.Fatalf("client ca pool missing")
	}
}

func TestLoadServerConfigTLSRequiresFiles(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "config test ca")
	certPath, keyPath := ca.IssueServerCert(t, dir, "localhost")

	cases := []struct {
		name string
		body string
		want error
	}{
		{
			name: "missing cert",
			body: "[tls]\nenabled = true\nkey_file = \"" + keyPath + "\"\n",
			want: ErrTLSCertFileRequired,
		},
		{
			name: "missing key",
			body: "[tls]\nenabled = true\ncert_file = \"" + certPath + "\"\n",
			want: ErrTLSKeyFileRequired,
		},
		{
			name: "mutual without ca",
			body: "[tls]\nenabled = true\ncert_file = \"" + certPath + "\"\nkey_file = \"" + keyPath + "\"\nmutual = true\n",
			want: ErrTLSCAFileRequired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := LoadServerConfig(path); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
