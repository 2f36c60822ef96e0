package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string decoding ("24h", "60s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// KeyExchange holds tunables for epub verification. The freshness window and
// clock-skew tolerance mirror the shared-node replay guard; they are
// configurable because no hard rationale fixes the exact values.
type KeyExchange struct {
	FreshnessWindow Duration `toml:"freshness_window"`
	MaxClockSkew    Duration `toml:"max_clock_skew"`
	RetryCap        int      `toml:"retry_cap"`
	HealDelay       Duration `toml:"heal_delay"`
}

// Queue holds delivery-queue tunables. Backoff is the per-retry delay table;
// the last entry caps all later retries.
type Queue struct {
	Backoff      []Duration `toml:"backoff"`
	PollInterval Duration   `toml:"poll_interval"`
}

// Config represents the global ~/.talkflow/config.toml.
type Config struct {
	DefaultSession string      `toml:"default_session"`
	Peers          []string    `toml:"peers"`
	ListenAddr     string      `toml:"listen_addr"` // relay accept address, empty = don't listen
	KeyExchange    KeyExchange `toml:"key_exchange"`
	Queue          Queue       `toml:"queue"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "",
		KeyExchange: KeyExchange{
			FreshnessWindow: Duration{24 * time.Hour},
			MaxClockSkew:    Duration{60 * time.Second},
			RetryCap:        10,
			HealDelay:       Duration{2 * time.Second},
		},
		Queue: Queue{
			Backoff: []Duration{
				{1 * time.Second},
				{2 * time.Second},
				{5 * time.Second},
				{10 * time.Second},
				{30 * time.Second},
				{60 * time.Second},
			},
			PollInterval: Duration{500 * time.Millisecond},
		},
	}
}

// Load reads config from the given path over the defaults. Returns the
// defaults and an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return Default(), err
	}
	if len(cfg.Queue.Backoff) == 0 {
		cfg.Queue.Backoff = Default().Queue.Backoff
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// BackoffAt returns the retry delay for the given attempt number (0-based),
// capped at the last table entry.
func (q Queue) BackoffAt(attempt int) time.Duration {
	if len(q.Backoff) == 0 {
		return time.Minute
	}
	if attempt >= len(q.Backoff) {
		attempt = len(q.Backoff) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	return q.Backoff[attempt].Duration
}
