package config

import "time"

// Config is the host configuration for velos. Relative paths are resolved
// against Root after loading.
type Config struct {
	Root           string   `mapstructure:"root" yaml:"root" validate:"required"`
	JournalPath    string   `mapstructure:"journal_path" yaml:"journal_path" validate:"required"`
	DBPath         string   `mapstructure:"db_path" yaml:"db_path" validate:"required"`
	StatePath      string   `mapstructure:"state_path" yaml:"state_path" validate:"required"`
	ReportsDir     string   `mapstructure:"reports_dir" yaml:"reports_dir" validate:"required"`
	InboxDirs      []string `mapstructure:"inbox_dirs" yaml:"inbox_dirs"`
	InboxPattern   string   `mapstructure:"inbox_pattern" yaml:"inbox_pattern" validate:"required"`
	ReflectionsDir string   `mapstructure:"reflections_dir" yaml:"reflections_dir"`

	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Ingest      IngestConfig      `mapstructure:"ingest" yaml:"ingest"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Search      SearchConfig      `mapstructure:"search" yaml:"search"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Schedule    ScheduleConfig    `mapstructure:"schedule" yaml:"schedule"`
}

// CacheConfig bounds the query-result and hot-record caches.
type CacheConfig struct {
	QuerySize  int           `mapstructure:"query_size" yaml:"query_size" validate:"gt=0"`
	QueryTTL   time.Duration `mapstructure:"query_ttl" yaml:"query_ttl" validate:"gt=0"`
	RecordSize int           `mapstructure:"record_size" yaml:"record_size" validate:"gt=0"`
	RecordTTL  time.Duration `mapstructure:"record_ttl" yaml:"record_ttl" validate:"gt=0"`
}

// IngestConfig tunes dedup and scoring.
type IngestConfig struct {
	NearDupThreshold float64  `mapstructure:"near_dup_threshold" yaml:"near_dup_threshold" validate:"gt=0,lte=1"`
	NearDupWindow    int      `mapstructure:"near_dup_window" yaml:"near_dup_window" validate:"gte=0"`
	HalfLifeDays     float64  `mapstructure:"half_life_days" yaml:"half_life_days" validate:"gt=0"`
	Keywords         []string `mapstructure:"keywords" yaml:"keywords" validate:"dive,required"`
	MaxRecords       int      `mapstructure:"max_records" yaml:"max_records" validate:"gt=0"`
}

// StoreConfig configures the indexed store.
type StoreConfig struct {
	RequiredVersion int           `mapstructure:"required_version" yaml:"required_version" validate:"gte=1"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"gte=0"`
	WriteForbidden  bool          `mapstructure:"write_forbidden" yaml:"write_forbidden"`
}

// SearchConfig configures the query router.
type SearchConfig struct {
	DefaultLimit  int    `mapstructure:"default_limit" yaml:"default_limit" validate:"gt=0,lte=1000"`
	KeywordMaxLen int    `mapstructure:"keyword_max_len" yaml:"keyword_max_len" validate:"gt=0"`
	Canary        string `mapstructure:"canary" yaml:"canary" validate:"required"`
}

// MaintenanceConfig bounds maintenance runs.
type MaintenanceConfig struct {
	Deadline time.Duration `mapstructure:"deadline" yaml:"deadline" validate:"gt=0"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr" validate:"required"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gt=0"`
	Burst     int     `mapstructure:"burst" yaml:"burst" validate:"gt=0"`
}

// ScheduleConfig sets the cadence of background jobs under serve. Zero
// disables a job.
type ScheduleConfig struct {
	Ingest  time.Duration `mapstructure:"ingest" yaml:"ingest" validate:"gte=0"`
	Clean   time.Duration `mapstructure:"clean" yaml:"clean" validate:"gte=0"`
	Recover time.Duration `mapstructure:"recover" yaml:"recover" validate:"gte=0"`
	Health  time.Duration `mapstructure:"health" yaml:"health" validate:"gte=0"`
}
