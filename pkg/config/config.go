// Package config is the TOML configuration of a sync client. Values left
// unset in a file keep their defaults; command line flags are applied over
// the loaded file by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

const (
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Duration is a time.Duration written as a string like "10s" in TOML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(b))
	return
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Relays []string `toml:"relays"`
	// DataDir holds the graph store and, by default, the key file.
	DataDir string `toml:"data_dir"`
	Store   string `toml:"store"`
	// KeyFile is relative to DataDir unless absolute.
	KeyFile        string   `toml:"key_file"`
	LogLevel       string   `toml:"log_level"`
	PublishTimeout Duration `toml:"publish_timeout"`
	MinAccepts     int      `toml:"min_accepts"`
	BackoffMin     Duration `toml:"backoff_min"`
	BackoffMax     Duration `toml:"backoff_max"`
	// DiagListen is the address of the diagnostics HTTP server, empty to
	// disable it.
	DiagListen string `toml:"diag_listen"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir := ".nostrsync"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".nostrsync")
	}
	return &Config{
		Relays:         []string{"wss://relay.damus.io", "wss://nos.lol"},
		DataDir:        dir,
		Store:          StoreBadger,
		KeyFile:        "key.age",
		LogLevel:       "info",
		PublishTimeout: Duration{10 * time.Second},
		MinAccepts:     1,
		BackoffMin:     Duration{time.Second},
		BackoffMax:     Duration{2 * time.Minute},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (cfg *Config, err error) {
	cfg = Default()
	if _, err = toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.D.Ln("no config file at", path, "using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return
}

// Save writes cfg to path, creating the directory.
func (cfg *Config) Save(path string) (err error) {
	var buf bytes.Buffer
	if err = toml.NewEncoder(&buf).Encode(cfg); chk.E(err) {
		return
	}
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}

// Validate normalizes relay URLs and checks the store kind.
func (cfg *Config) Validate() error {
	relays := cfg.Relays[:0]
	for _, r := range cfg.Relays {
		n := normalize.URL(r)
		if n == "" {
			return fmt.Errorf("invalid relay URL %q", r)
		}
		relays = append(relays, n)
	}
	cfg.Relays = relays
	switch cfg.Store {
	case StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q, want %s or %s", cfg.Store,
			StoreBadger, StoreMemory)
	}
	if cfg.MinAccepts < 0 {
		return fmt.Errorf("min_accepts must not be negative")
	}
	if cfg.BackoffMax.Duration < cfg.BackoffMin.Duration {
		return fmt.Errorf("backoff_max %v below backoff_min %v",
			cfg.BackoffMax, cfg.BackoffMin)
	}
	return nil
}

// KeyPath is the key file location.
func (cfg *Config) KeyPath() string {
	if filepath.IsAbs(cfg.KeyFile) {
		return cfg.KeyFile
	}
	return filepath.Join(cfg.DataDir, cfg.KeyFile)
}

// StorePath is the badger directory.
func (cfg *Config) StorePath() string { return filepath.Join(cfg.DataDir, "graph") }
