// Package config loads service configuration from a YAML file with
// environment-variable overrides and sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stockfighter/battle-engine/internal/market"
)

// Instrument is the YAML shape of one universe entry. Starting prices are
// always randomized at battle setup, so only identity fields appear here.
type Instrument struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name"`
	Sector string `yaml:"sector"`
}

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Battle struct {
		StartingCash   string       `yaml:"starting_cash"`    // decimal string
		TimeframeDays  int          `yaml:"timeframe_days"`   // default per battle
		SecondsPerDay  int          `yaml:"seconds_per_day"`  // real seconds per simulated day
		BotEveryDays   int          `yaml:"bot_every_days"`   // days between bot decisions
		EventEveryDays int          `yaml:"event_every_days"` // 0 disables narrative events
		Instruments    []Instrument `yaml:"instruments"`
	} `yaml:"battle"`
	Simulation struct {
		BaseURL        string `yaml:"base_url"`
		AuthToken      string `yaml:"auth_token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"simulation"`
	Narrative struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"narrative"`
	Database struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"database"`
	Sweep struct {
		Schedule    string `yaml:"schedule"` // cron spec
		IdleMinutes int    `yaml:"idle_minutes"`
	} `yaml:"sweep"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Database.RedisURL = v
	}
	if v := os.Getenv("SIMULATION_BASE_URL"); v != "" {
		cfg.Simulation.BaseURL = v
	}
	if v := os.Getenv("SIMULATION_AUTH_TOKEN"); v != "" {
		cfg.Simulation.AuthToken = v
	}
	if v := os.Getenv("NARRATIVE_BASE_URL"); v != "" {
		cfg.Narrative.BaseURL = v
	}
	if v := os.Getenv("NARRATIVE_MODEL"); v != "" {
		cfg.Narrative.Model = v
	}
	if v := os.Getenv("SECONDS_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Battle.SecondsPerDay = n
		}
	}
	if v := os.Getenv("STARTING_CASH"); v != "" {
		cfg.Battle.StartingCash = v
	}

	// Defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Battle.StartingCash == "" {
		cfg.Battle.StartingCash = "10000"
	}
	if cfg.Battle.TimeframeDays == 0 {
		cfg.Battle.TimeframeDays = 30
	}
	if cfg.Battle.SecondsPerDay == 0 {
		cfg.Battle.SecondsPerDay = 1
	}
	if cfg.Battle.BotEveryDays == 0 {
		cfg.Battle.BotEveryDays = 3
	}
	if cfg.Simulation.TimeoutSeconds == 0 {
		cfg.Simulation.TimeoutSeconds = 10
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "@every 1m"
	}
	if cfg.Sweep.IdleMinutes == 0 {
		cfg.Sweep.IdleMinutes = 30
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is usable.
func (c *Config) Validate() error {
	if _, err := c.StartingCash(); err != nil {
		return err
	}
	if c.Battle.TimeframeDays <= 0 {
		return fmt.Errorf("battle.timeframe_days must be positive")
	}
	if c.Battle.SecondsPerDay <= 0 {
		return fmt.Errorf("battle.seconds_per_day must be positive")
	}
	return nil
}

// StartingCash parses the configured default starting cash.
func (c *Config) StartingCash() (decimal.Decimal, error) {
	cash, err := decimal.NewFromString(c.Battle.StartingCash)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("battle.starting_cash: %w", err)
	}
	if cash.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("battle.starting_cash must be positive")
	}
	return cash, nil
}

// Universe converts the configured instrument list to market definitions,
// falling back to the default universe when none are configured.
func (c *Config) Universe() []market.InstrumentDef {
	if len(c.Battle.Instruments) == 0 {
		return market.DefaultUniverse
	}
	defs := make([]market.InstrumentDef, 0, len(c.Battle.Instruments))
	for _, inst := range c.Battle.Instruments {
		defs = append(defs, market.InstrumentDef{
			Symbol: inst.Symbol,
			Name:   inst.Name,
			Sector: inst.Sector,
		})
	}
	return defs
}
