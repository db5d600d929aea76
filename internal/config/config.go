package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/bouncerd/internal/relay"
)

var (
	ErrTLSCertFileRequired = errors.New("config: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("config: tls key file required")
	ErrTLSCAFileRequired   = errors.New("config: tls ca file required for mutual tls")
)

// ServerConfig is the full bouncerd process configuration.
type ServerConfig struct {
	Relay       relay.Config
	AdminAddr   string
	CorsOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Relay: relay.DefaultConfig(),
	}
}

type fileConfig struct {
	ListenAddr   string        `toml:"listen_addr"`
	UpstreamAddr string        `toml:"upstream_addr"`
	BufferBudget int64         `toml:"buffer_budget_bytes"`
	IdleTimeout  string        `toml:"idle_timeout"`
	ReapInterval string        `toml:"reap_interval"`
	AdminAddr    string        `toml:"admin_addr"`
	CorsOrigins  []string      `toml:"cors_origins"`
	TLS          tlsFileConfig `toml:"tls"`
}

type tlsFileConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
	Mutual   bool   `toml:"mutual"`
}

// LoadServerConfig reads a TOML file over the defaults; absent keys keep
// their default values.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Relay.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("upstream_addr") {
		cfg.Relay.UpstreamAddr = strings.TrimSpace(raw.UpstreamAddr)
	}
	if meta.IsDefined("buffer_budget_bytes") {
		cfg.Relay.BufferBudget = raw.BufferBudget
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Relay.IdleTimeout = d
	}
	if meta.IsDefined("reap_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReapInterval))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse reap_interval: %w", err)
		}
		cfg.Relay.ReapInterval = d
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	if raw.TLS.Enabled {
		tlsCfg, err := buildServerTLS(raw.TLS)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.Relay.TLS = tlsCfg
	}
	return cfg, nil
}

func buildServerTLS(raw tlsFileConfig) (*tls.Config, error) {
	if strings.TrimSpace(raw.CertFile) == "" {
		return nil, ErrTLSCertFileRequired
	}
	if strings.TrimSpace(raw.KeyFile) == "" {
		return nil, ErrTLSKeyFileRequired
	}
	cert, err := tls.LoadX509KeyPair(raw.CertFile, raw.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if raw.Mutual {
		if strings.TrimSpace(raw.CAFile) == "" {
			return nil, ErrTLSCAFileRequired
		}
		caPEM, err := os.ReadFile(raw.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse tls ca bundle: %s", raw.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
