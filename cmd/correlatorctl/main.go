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
	configPath := flag.String("config", "cmd/correlatorctl/config.toml", "correlator config path")
	var o overrides
	flag.StringVar(&o.AdminAddr, "admin", "", "override admin_addr")
	flag.StringVar(&o.Sink, "sink", "", "override sink descriptor")
	flag.StringVar(&o.NatsURL, "nats", "", "override rendezvous.nats_url")
	flag.Parse()

	logging.ConfigureRuntime("correlatorctl")
	cfg, err := loadCorrelatorConfig(*configPath, o)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load correlator config")
	}
	log.Info().
		Str("path", *configPath).
		Int("cores", len(cfg.Cores)).
		Int("subbands", cfg.Subbands).
		Str("sink", cfg.Sink).
		Msg("loaded correlator config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err == nil {
		err = a.run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "correlatorctl: %v\n", err)
		os.Exit(1)
	}
}
