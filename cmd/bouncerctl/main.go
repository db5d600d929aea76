package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/bouncerd/internal/client"
	"github.com/danmuck/bouncerd/internal/observability"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:12345", "relay address")
	tokenFile := flag.String("token-file", "", "file persisting the session token across runs")
	ackEvery := flag.Int64("ack-every", 4096, "bytes received between acknowledgements")
	attempts := flag.Int("attempts", 0, "max connect attempts, 0 for unlimited")
	caFile := flag.String("ca", "", "CA bundle enabling TLS to the relay")
	flag.Parse()

	observability.InitLogger("bouncerctl")

	cfg := client.Config{
		Address:            *addr,
		AckEvery:           *ackEvery,
		MaxConnectAttempts: *attempts,
	}
	if *caFile != "" {
		tlsCfg, err := clientTLS(*caFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bouncerctl: %v\n", err)
			os.Exit(1)
		}
		cfg.TLS = tlsCfg
	}
	if *tokenFile != "" {
		cfg.Token = loadToken(*tokenFile)
		path := *tokenFile
		cfg.OnToken = func(token string) {
			if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
				log.Warn().Str("path", path).Err(err).Msg("persist session token failed")
			}
		}
	}

	c, err := client.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bouncerctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx, stdio{}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "bouncerctl: %v\n", err)
		os.Exit(1)
	}
}

func loadToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func clientTLS(caFile string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read tls ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("parse tls ca bundle: %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// stdio bridges the terminal to the relay client.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

var _ io.ReadWriter = stdio{}
