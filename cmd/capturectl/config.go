package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/corrstream/internal/config"
)

// loadCaptureConfig decodes path over the defaults. Unknown keys are
// rejected so a misspelled option does not silently fall back.
func loadCaptureConfig(path string) (config.CaptureConfig, error) {
	cfg := config.DefaultCaptureConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return config.CaptureConfig{}, fmt.Errorf("load capture config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return config.CaptureConfig{}, fmt.Errorf("load capture config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(cfg.Name)
	}
	if !meta.IsDefined("rendezvous", "bucket") || strings.TrimSpace(cfg.Rendezvous.Bucket) == "" {
		cfg.Rendezvous.Bucket = config.DefaultRendezvousConfig().Bucket
	}
	for i := range cfg.Boards {
		cfg.Boards[i].Source = strings.TrimSpace(cfg.Boards[i].Source)
	}

	if err := config.ValidateCaptureConfig(cfg); err != nil {
		return config.CaptureConfig{}, err
	}
	return cfg, nil
}
