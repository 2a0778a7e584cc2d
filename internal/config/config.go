// Package config loads velos configuration from a YAML file, the VELOS_*
// environment and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. VELOS_DB_PATH.
	EnvPrefix = "VELOS"
	// DefaultConfigName is looked up under <root>/configs when no file is given.
	DefaultConfigName = "velos"
)

// DefaultKeywords is the operational and risk vocabulary used for importance.
var DefaultKeywords = []string{
	"error", "failure", "root cause", "rca", "outage", "schedule", "deadline",
	"launch", "prod", "incident", "policy", "security", "secrets", "credential",
	"owner", "contact", "path", "endpoint", "api", "db", "config",
}

// Load reads configuration from path, or from <root>/configs/velos.yaml
// when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(expandHome(v.GetString("root")), "configs"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// Default returns the built-in configuration rooted at root, still honouring
// environment overrides other than VELOS_ROOT.
func Default(root string) (*Config, error) {
	v := newViper()
	v.Set("root", root)
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// legacy switch name
	v.BindEnv("store.write_forbidden", "VELOS_STORE_WRITE_FORBIDDEN", "VELOS_DB_WRITE_FORBIDDEN")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolve()
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("root", filepath.Join(home, ".velos"))
	v.SetDefault("journal_path", "data/memory/learning_memory.jsonl")
	v.SetDefault("db_path", "data/memory/velos.db")
	v.SetDefault("state_path", "data/memory/maintenance.yaml")
	v.SetDefault("reports_dir", "data/reports")
	v.SetDefault("inbox_dirs", []string{"data/memory/inbox"})
	v.SetDefault("inbox_pattern", "*.jsonl")
	v.SetDefault("reflections_dir", "data/reflections")

	v.SetDefault("cache.query_size", 512)
	v.SetDefault("cache.query_ttl", "10m")
	v.SetDefault("cache.record_size", 1024)
	v.SetDefault("cache.record_ttl", "10m")

	v.SetDefault("ingest.near_dup_threshold", 0.90)
	v.SetDefault("ingest.near_dup_window", 512)
	v.SetDefault("ingest.half_life_days", 14.0)
	v.SetDefault("ingest.keywords", DefaultKeywords)
	v.SetDefault("ingest.max_records", 50000)

	v.SetDefault("store.required_version", 3)
	v.SetDefault("store.busy_timeout", "5s")
	v.SetDefault("store.write_forbidden", false)

	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.keyword_max_len", 24)
	v.SetDefault("search.canary", "velos")

	v.SetDefault("maintenance.deadline", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("server.addr", "127.0.0.1:8077")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.burst", 40)

	v.SetDefault("schedule.ingest", "0s")
	v.SetDefault("schedule.clean", "0s")
	v.SetDefault("schedule.recover", "0s")
	v.SetDefault("schedule.health", "0s")
}

// resolve expands ~ and anchors relative paths at Root.
func (c *Config) resolve() {
	c.Root = expandHome(c.Root)
	abs := func(p string) string {
		p = expandHome(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Root, p)
	}
	c.JournalPath = abs(c.JournalPath)
	c.DBPath = abs(c.DBPath)
	c.StatePath = abs(c.StatePath)
	c.ReportsDir = abs(c.ReportsDir)
	c.ReflectionsDir = abs(c.ReflectionsDir)
	for i, d := range c.InboxDirs {
		c.InboxDirs[i] = abs(d)
	}
	if c.Log.Output != "" && c.Log.Output != "stdout" && c.Log.Output != "stderr" {
		c.Log.Output = abs(c.Log.Output)
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

var validate = func() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg *Config) error {
		return v.Struct(cfg)
	}
}()
