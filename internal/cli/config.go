package cli

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries environment defaults. Command line flags win over these.
type Config struct {
	Database    string        `env:"STAGEHAND_DATABASE"`
	Source      string        `env:"STAGEHAND_SOURCE"`
	LockTimeout time.Duration `env:"STAGEHAND_LOCK_TIMEOUT" envDefault:"5m"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
