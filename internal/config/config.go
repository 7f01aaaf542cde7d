package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It captures accounts, rate limits, filters, storage, and runtime knobs.
type Config struct {
	Accounts   []AccountConfig `yaml:"accounts"`
	RateLimits RateLimits      `yaml:"rateLimits"`
	Filters    FiltersConfig   `yaml:"filters"`
	Storage    StorageConfig   `yaml:"storage"`
	Runtime    RuntimeConfig   `yaml:"runtime"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

type AccountConfig struct {
	Name        string `yaml:"name"`
	Phone       string `yaml:"phone"`
	APIID       int    `yaml:"apiId"`
	APIHash     string `yaml:"apiHash"`
	SessionName string `yaml:"sessionName"`
}

// RateLimits are the anti-abuse ceilings. Delays are seconds; the hourly
// group ceiling is advisory input to the daily quota check, not an
// independent counter.
type RateLimits struct {
	JoinDelayMin      int `yaml:"joinDelayMinSec"`
	JoinDelayMax      int `yaml:"joinDelayMaxSec"`
	FetchDelayMin     int `yaml:"fetchDelayMinSec"`
	FetchDelayMax     int `yaml:"fetchDelayMaxSec"`
	MaxGroupsPerDay   int `yaml:"maxGroupsPerDay"`
	MaxGroupsPerHour  int `yaml:"maxGroupsPerHour"`
	DailyMessageLimit int `yaml:"dailyMessageLimit"`
	WorkingHoursStart int `yaml:"workingHoursStart"`
	WorkingHoursEnd   int `yaml:"workingHoursEnd"`
}

type FiltersConfig struct {
	// Only messages dated within this year are ingested.
	MessageYear int `yaml:"messageYear"`
	// Minimum text length the verifier will attempt extraction on.
	MinJobDescriptionLength int `yaml:"minJobDescriptionLength"`
}

type StorageConfig struct {
	DBPath     string `yaml:"dbPath"`
	GroupsFile string `yaml:"groupsFile"`
}

type RuntimeConfig struct {
	CheckIntervalSec int `yaml:"checkIntervalSec"`
	TotalDays        int `yaml:"totalDays"`
	StartupDelayMin  int `yaml:"startupDelayMinSec"`
	StartupDelayMax  int `yaml:"startupDelayMaxSec"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // e.g. ":9090"; empty disables the server
}

// Default returns a sensible default configuration. The ceilings are
// deliberately conservative to stay under abuse detection.
func Default() Config {
	return Config{
		RateLimits: RateLimits{
			JoinDelayMin:      1800,
			JoinDelayMax:      3600,
			FetchDelayMin:     2,
			FetchDelayMax:     5,
			MaxGroupsPerDay:   2,
			MaxGroupsPerHour:  1,
			DailyMessageLimit: 75,
			WorkingHoursStart: 9,
			WorkingHoursEnd:   23,
		},
		Filters: FiltersConfig{MessageYear: 2025, MinJobDescriptionLength: 50},
		Storage: StorageConfig{DBPath: "./data/tgharvest.db", GroupsFile: "./data.json"},
		Runtime: RuntimeConfig{CheckIntervalSec: 3600, TotalDays: 30, StartupDelayMin: 5, StartupDelayMax: 15},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// ResolveEnv fills in account credentials from the environment when the
// config file omits them: TG_API_ID_<NAME>, TG_API_HASH_<NAME>, TG_PHONE_<NAME>.
// A .env file in the working directory is honored if present.
func (c *Config) ResolveEnv() {
	_ = godotenv.Load()
	for i := range c.Accounts {
		a := &c.Accounts[i]
		key := envKey(a.Name)
		if a.APIID == 0 {
			if v := os.Getenv("TG_API_ID_" + key); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					a.APIID = n
				}
			}
		}
		if a.APIHash == "" {
			a.APIHash = os.Getenv("TG_API_HASH_" + key)
		}
		if a.Phone == "" {
			a.Phone = os.Getenv("TG_PHONE_" + key)
		}
		if a.SessionName == "" {
			a.SessionName = a.Name
		}
	}
}

func envKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-('a'-'A'))
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Validate checks the invariants the engine depends on.
func (c Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("no accounts configured")
	}
	if c.RateLimits.MaxGroupsPerDay <= 0 {
		return errors.New("maxGroupsPerDay must be positive")
	}
	if c.RateLimits.JoinDelayMin > c.RateLimits.JoinDelayMax {
		return fmt.Errorf("join delay range inverted: %d > %d", c.RateLimits.JoinDelayMin, c.RateLimits.JoinDelayMax)
	}
	if c.RateLimits.FetchDelayMin > c.RateLimits.FetchDelayMax {
		return fmt.Errorf("fetch delay range inverted: %d > %d", c.RateLimits.FetchDelayMin, c.RateLimits.FetchDelayMax)
	}
	h := c.RateLimits
	if h.WorkingHoursStart < 0 || h.WorkingHoursEnd > 24 || h.WorkingHoursStart >= h.WorkingHoursEnd {
		return fmt.Errorf("invalid working hours %d-%d", h.WorkingHoursStart, h.WorkingHoursEnd)
	}
	return nil
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
