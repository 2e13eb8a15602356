package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/stream"
)

func ValidateCaptureConfig(cfg CaptureConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.Name) == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if err := (clock.Timebase{BlocksPerSeq: cfg.BlocksPerSeq}).Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Layout.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.BufferDepth <= 0 {
		errs = append(errs, fmt.Errorf("buffer_depth must be positive"))
	}
	if cfg.LateWindow < 0 {
		errs = append(errs, fmt.Errorf("late_window must not be negative"))
	}
	if cfg.RecvTimeout <= 0 {
		errs = append(errs, fmt.Errorf("recv_timeout must be positive"))
	}
	if len(cfg.Boards) == 0 {
		errs = append(errs, fmt.Errorf("at least one board is required"))
	}
	seen := make(map[int]bool, len(cfg.Boards))
	for i, b := range cfg.Boards {
		if b.ID < 0 || b.ID > 255 {
			errs = append(errs, fmt.Errorf("boards[%d]: id %d out of range", i, b.ID))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("boards[%d]: duplicate id %d", i, b.ID))
		}
		seen[b.ID] = true
		if err := validateDescriptor(b.Source); err != nil {
			errs = append(errs, fmt.Errorf("boards[%d]: %w", i, err))
		}
	}
	errs = append(errs, validateTranspose(cfg.Transpose, cfg.Layout.Beamlets)...)
	errs = append(errs, validateRetry(cfg.Retry)...)
	return joinInvalid(errs)
}

func validateTranspose(t TransposeConfig, beamlets int) []error {
	var errs []error
	if t.Cores <= 0 {
		errs = append(errs, fmt.Errorf("transpose.cores must be positive"))
	}
	if t.Wait <= 0 {
		errs = append(errs, fmt.Errorf("transpose.wait must be positive"))
	}
	if t.LostAfter < 0 {
		errs = append(errs, fmt.Errorf("transpose.lost_after must not be negative"))
	}
	if t.Start != "" {
		if _, err := clock.ParseSampleClock(t.Start); err != nil {
			errs = append(errs, fmt.Errorf("transpose.start: %w", err))
		}
	}
	if len(t.Outputs) == 0 {
		errs = append(errs, fmt.Errorf("transpose needs at least one output"))
	}
	for i, o := range t.Outputs {
		if o.First < 0 || o.Count <= 0 || o.First+o.Count > beamlets {
			errs = append(errs, fmt.Errorf("transpose.outputs[%d]: beamlets [%d,%d) outside [0,%d)", i, o.First, o.First+o.Count, beamlets))
		}
		if t.Cores > 0 && len(o.Destinations) != t.Cores {
			errs = append(errs, fmt.Errorf("transpose.outputs[%d]: %d destinations for %d cores", i, len(o.Destinations), t.Cores))
		}
		for j, d := range o.Destinations {
			if err := validateDescriptor(d); err != nil {
				errs = append(errs, fmt.Errorf("transpose.outputs[%d].destinations[%d]: %w", i, j, err))
			}
		}
	}
	return errs
}

func ValidateCorrelatorConfig(cfg CorrelatorConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.Name) == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if cfg.Boards <= 0 {
		errs = append(errs, fmt.Errorf("boards must be positive"))
	}
	if err := cfg.Layout.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Beamlets <= 0 || cfg.Beamlets > cfg.Layout.Beamlets {
		errs = append(errs, fmt.Errorf("beamlets must be in [1,%d]", cfg.Layout.Beamlets))
	}
	if cfg.Subbands <= 0 {
		errs = append(errs, fmt.Errorf("subbands must be positive"))
	}
	if cfg.IntegrationSteps <= 0 {
		errs = append(errs, fmt.Errorf("integration_steps must be positive"))
	}
	if len(cfg.Cores) == 0 {
		errs = append(errs, fmt.Errorf("at least one core is required"))
	}
	for i, c := range cfg.Cores {
		if cfg.Subbands > 0 && len(c.Inputs) != cfg.Subbands {
			errs = append(errs, fmt.Errorf("cores[%d]: %d inputs for %d subbands", i, len(c.Inputs), cfg.Subbands))
		}
		for j, in := range c.Inputs {
			if err := validateDescriptor(in); err != nil {
				errs = append(errs, fmt.Errorf("cores[%d].inputs[%d]: %w", i, j, err))
			}
		}
	}
	if err := validateDescriptor(cfg.Sink); err != nil {
		errs = append(errs, fmt.Errorf("sink: %w", err))
	}
	errs = append(errs, validateRetry(cfg.Retry)...)
	return joinInvalid(errs)
}

func validateRetry(r RetryConfig) []error {
	var errs []error
	if r.Attempts < 0 {
		errs = append(errs, fmt.Errorf("retry.attempts must not be negative"))
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delays must not be negative"))
	}
	return errs
}

func validateDescriptor(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("stream descriptor is required")
	}
	_, err := stream.ParseDescriptor(raw)
	return err
}

func joinInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
