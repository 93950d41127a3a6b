// Package config loads node configuration from DAN_* environment variables.
// Command-line flags override what is loaded here.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/cenwadike/dan/internal/ledger"
)

// DefaultProgramName derives the program id when DAN_PROGRAM_ID is unset.
const DefaultProgramName = "dan-program"

// Config is the node configuration.
type Config struct {
	DBPath          string `env:"DAN_DB_PATH"           envDefault:"dan.db"`
	ListenAddr      string `env:"DAN_LISTEN_ADDR"       envDefault:"127.0.0.1:8899"`
	Keypair         string `env:"DAN_KEYPAIR"`
	ProgramID       string `env:"DAN_PROGRAM_ID"`
	ArchiveDir      string `env:"DAN_ARCHIVE_DIR"`
	LogLevel        string `env:"DAN_LOG_LEVEL"         envDefault:"info"`
	LogFormat       string `env:"DAN_LOG_FORMAT"        envDefault:"text"`
	OTelEndpoint    string `env:"DAN_OTEL_ENDPOINT"`
	LamportsPerByte uint64 `env:"DAN_LAMPORTS_PER_BYTE" envDefault:"6960"`

	Keeper Keeper
}

// Keeper configures the channel keeper.
type Keeper struct {
	Interval time.Duration `env:"DAN_KEEPER_INTERVAL" envDefault:"1m"`
	MaxAge   time.Duration `env:"DAN_KEEPER_MAX_AGE"  envDefault:"8h"`
	Timelock time.Duration `env:"DAN_KEEPER_TIMELOCK" envDefault:"24h"`
	Template string        `env:"DAN_KEEPER_TEMPLATE" envDefault:"default"`
	Charge   uint64        `env:"DAN_KEEPER_CHARGE"   envDefault:"1000"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env.Parse cannot.
func (c Config) Validate() error {
	if _, err := c.Program(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("DAN_LOG_FORMAT: want text or json, got %q", c.LogFormat)
	}
	if c.Keeper.Interval <= 0 {
		return fmt.Errorf("DAN_KEEPER_INTERVAL must be positive")
	}
	return nil
}

// Program returns the program id, derived from DefaultProgramName when unset.
func (c Config) Program() (ledger.Pubkey, error) {
	if c.ProgramID == "" {
		return ledger.KeypairFromName(DefaultProgramName).Pubkey(), nil
	}
	pk, err := ledger.ParsePubkey(c.ProgramID)
	if err != nil {
		return ledger.Pubkey{}, fmt.Errorf("DAN_PROGRAM_ID: %w", err)
	}
	return pk, nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("DAN_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
