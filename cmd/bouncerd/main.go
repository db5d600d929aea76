package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/bouncerd/internal/config"
	"github.com/danmuck/bouncerd/internal/observability"
	"github.com/danmuck/bouncerd/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to bouncerd TOML config")
	flag.Parse()

	observability.InitLogger("bouncerd")

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bouncerd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	srv, err := relay.NewServer(cfg.Relay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bouncerd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AdminAddr != "" {
		router := srv.AdminRouter(cfg.CorsOrigins)
		go func() {
			if err := router.Run(cfg.AdminAddr); err != nil {
				log.Error().Str("addr", cfg.AdminAddr).Err(err).Msg("admin server failed")
			}
		}()
	}

	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bouncerd: %v\n", err)
		os.Exit(1)
	}
}
