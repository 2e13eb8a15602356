package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/corrstream/internal/config"
)

type overrides struct {
	AdminAddr string
	Sink      string
	NatsURL   string
}

func loadCorrelatorConfig(path string, o overrides) (config.CorrelatorConfig, error) {
	cfg := config.DefaultCorrelatorConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return config.CorrelatorConfig{}, fmt.Errorf("load correlator config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.CorrelatorConfig{}, fmt.Errorf("load correlator config: unknown key %s", undecoded[0])
	}

	// beamlets defaults to an even split of the layout across subbands.
	if !meta.IsDefined("beamlets") && cfg.Subbands > 0 {
		cfg.Beamlets = cfg.Layout.Beamlets / cfg.Subbands
	}
	if meta.IsDefined("sink") {
		cfg.Sink = strings.TrimSpace(cfg.Sink)
	}

	if o.AdminAddr != "" {
		cfg.AdminAddr = o.AdminAddr
	}
	if o.Sink != "" {
		cfg.Sink = o.Sink
	}
	if o.NatsURL != "" {
		cfg.Rendezvous.NatsURL = o.NatsURL
	}

	if err := config.ValidateCorrelatorConfig(cfg); err != nil {
		return config.CorrelatorConfig{}, err
	}
	return cfg, nil
}
