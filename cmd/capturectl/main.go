package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/corrstream/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/capturectl/config.toml", "capture config path")
	adminAddr := flag.String("admin", "", "override admin_addr")
	flag.Parse()

	logging.ConfigureRuntime("capturectl")
	cfg, err := loadCaptureConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load capture config")
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	log.Info().Str("path", *configPath).Int("boards", len(cfg.Boards)).Msg("loaded capture config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err == nil {
		err = a.run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "capturectl: %v\n", err)
		os.Exit(1)
	}
}
