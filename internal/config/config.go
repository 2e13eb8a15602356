package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that reads and writes as "250ms" in toml.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type RendezvousConfig struct {
	// NatsURL selects the NATS key-value rendezvous. Empty keeps keyed
	// streams in-process.
	NatsURL       string `toml:"nats_url"`
	Bucket        string `toml:"bucket"`
	AdvertiseHost string `toml:"advertise_host"`
}

type RetryConfig struct {
	Attempts     int      `toml:"attempts"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
}

type BoardConfig struct {
	ID     int    `toml:"id"`
	Source string `toml:"source"`
}

// OutputConfig is one subband of the transpose stage. Destinations holds one
// stream descriptor per core.
type OutputConfig struct {
	First        int      `toml:"first"`
	Count        int      `toml:"count"`
	Destinations []string `toml:"destinations"`
}

type TransposeConfig struct {
	Cores     int      `toml:"cores"`
	Wait      Duration `toml:"wait"`
	LostAfter Duration `toml:"lost_after"`
	// Start is "seq.block"; blocks before it are discarded.
	Start     string         `toml:"start"`
	MaxBlocks uint64         `toml:"max_blocks"`
	Outputs   []OutputConfig `toml:"outputs"`
}

type CaptureConfig struct {
	Name         string           `toml:"name"`
	AdminAddr    string           `toml:"admin_addr"`
	CorsOrigins  []string         `toml:"cors_origins"`
	BlocksPerSeq uint32           `toml:"blocks_per_seq"`
	Layout       beamlet.Layout   `toml:"layout"`
	BufferDepth  int              `toml:"buffer_depth"`
	LateWindow   int              `toml:"late_window"`
	RecvTimeout  Duration         `toml:"recv_timeout"`
	ReadBuffer   int              `toml:"read_buffer"`
	Boards       []BoardConfig    `toml:"boards"`
	Transpose    TransposeConfig  `toml:"transpose"`
	Rendezvous   RendezvousConfig `toml:"rendezvous"`
	Retry        RetryConfig      `toml:"retry"`
}

// CoreConfig lists the transposed streams one correlator core listens on,
// one per subband.
type CoreConfig struct {
	Inputs []string `toml:"inputs"`
}

type CorrelatorConfig struct {
	Name             string           `toml:"name"`
	AdminAddr        string           `toml:"admin_addr"`
	CorsOrigins      []string         `toml:"cors_origins"`
	Boards           int              `toml:"boards"`
	Layout           beamlet.Layout   `toml:"layout"`
	Beamlets         int              `toml:"beamlets"`
	Subbands         int              `toml:"subbands"`
	IntegrationSteps int              `toml:"integration_steps"`
	Cores            []CoreConfig     `toml:"cores"`
	Sink             string           `toml:"sink"`
	MaxWindows       uint64           `toml:"max_windows"`
	Rendezvous       RendezvousConfig `toml:"rendezvous"`
	Retry            RetryConfig      `toml:"retry"`
}

func DefaultRetryConfig() RetryConfig {
	p := stream.DefaultRetryPolicy()
	return RetryConfig{
		Attempts:     p.Attempts,
		InitialDelay: Duration(p.Backoff.InitialDelay),
		MaxDelay:     Duration(p.Backoff.MaxDelay),
	}
}

func DefaultRendezvousConfig() RendezvousConfig {
	return RendezvousConfig{
		Bucket:        stream.DefaultRendezvousBucket,
		AdvertiseHost: "127.0.0.1",
	}
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Name:         "capturectl",
		AdminAddr:    "127.0.0.1:9200",
		CorsOrigins:  []string{"http://localhost:3000"},
		BlocksPerSeq: clock.DefaultBlocksPerSeq,
		Layout:       beamlet.DefaultLayout(),
		BufferDepth:  256,
		LateWindow:   16,
		RecvTimeout:  Duration(100 * time.Millisecond),
		Transpose: TransposeConfig{
			Cores:     1,
			Wait:      Duration(100 * time.Millisecond),
			LostAfter: Duration(time.Second),
		},
		Rendezvous: DefaultRendezvousConfig(),
		Retry:      DefaultRetryConfig(),
	}
}

func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		Name:             "correlatorctl",
		AdminAddr:        "127.0.0.1:9300",
		CorsOrigins:      []string{"http://localhost:3000"},
		Layout:           beamlet.DefaultLayout(),
		Subbands:         1,
		IntegrationSteps: 1,
		Sink:             "null:",
		Rendezvous:       DefaultRendezvousConfig(),
		Retry:            DefaultRetryConfig(),
	}
}

// LoadCaptureConfig decodes path over the defaults and validates the result.
func LoadCaptureConfig(path string) (CaptureConfig, error) {
	cfg := DefaultCaptureConfig()
	if err := loadToml(path, &cfg); err != nil {
		return CaptureConfig{}, err
	}
	if err := ValidateCaptureConfig(cfg); err != nil {
		return CaptureConfig{}, err
	}
	return cfg, nil
}

func LoadCorrelatorConfig(path string) (CorrelatorConfig, error) {
	cfg := DefaultCorrelatorConfig()
	if err := loadToml(path, &cfg); err != nil {
		return CorrelatorConfig{}, err
	}
	if err := ValidateCorrelatorConfig(cfg); err != nil {
		return CorrelatorConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
