package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the warehouse ETL service
type Config struct {
	Service    ServiceConfig     `yaml:"service"`
	Warehouse  WarehouseConfig   `yaml:"warehouse"`
	Retry      RetryConfig       `yaml:"retry"`
	Refresh    RefreshConfig     `yaml:"refresh"`
	Dimensions []DimensionConfig `yaml:"dimensions"`
	Streams    []StreamConfig    `yaml:"streams"`
}

// ServiceConfig contains service-level settings
type ServiceConfig struct {
	Name       string `yaml:"name"`
	HealthPort string `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
}

// WarehouseConfig contains the target PostgreSQL connection settings
type WarehouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// DSN returns the pgx connection string for the warehouse
func (w WarehouseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		w.User, w.Password, w.Host, w.Port, w.Database, w.SSLMode)
}

// RetryConfig controls extraction retry and batch conflict retry behavior
type RetryConfig struct {
	MaxAttempts           int `yaml:"max_attempts"`
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     int `yaml:"max_backoff_seconds"`
	BatchRetries          int `yaml:"batch_retries"`
}

// InitialBackoff returns the initial retry backoff as a Duration
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffSeconds) * time.Second
}

// MaxBackoff returns the retry backoff ceiling as a Duration
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSeconds) * time.Second
}

// RefreshConfig controls periodic materialized view refresh
type RefreshConfig struct {
	Enabled         bool     `yaml:"enabled"`
	IntervalMinutes int      `yaml:"interval_minutes"`
	Views           []string `yaml:"views"`
}

// Interval returns the refresh interval as a Duration
func (r RefreshConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// AttributeConfig maps one raw record field onto a dimension column.
// Tracked attributes participate in SCD Type 2 change detection; untracked
// attributes are carried along but never trigger a new version.
type AttributeConfig struct {
	Field   string `yaml:"field"`
	Column  string `yaml:"column"`
	Tracked bool   `yaml:"tracked"`
}

// DimensionConfig describes one SCD Type 2 dimension table
type DimensionConfig struct {
	Name               string            `yaml:"name"`
	Table              string            `yaml:"table"`
	BusinessKeyColumn  string            `yaml:"business_key_column"`
	SurrogateKeyColumn string            `yaml:"surrogate_key_column"`
	Attributes         []AttributeConfig `yaml:"attributes"`
}

// TrackedColumns returns the columns compared during SCD change detection
func (d DimensionConfig) TrackedColumns() []string {
	var cols []string
	for _, a := range d.Attributes {
		if a.Tracked {
			cols = append(cols, a.Column)
		}
	}
	return cols
}

// DimensionRefConfig maps a raw foreign-business-key field onto a fact
// table's surrogate-key column via a named dimension
type DimensionRefConfig struct {
	Field     string `yaml:"field"`
	Dimension string `yaml:"dimension"`
	Column    string `yaml:"column"`
	// AsOfField overrides the stream's event_date_field for point-in-time
	// resolution of this reference
	AsOfField string `yaml:"as_of_field"`
}

// MeasureConfig maps a raw (or derived) numeric field onto a fact column
type MeasureConfig struct {
	Field  string `yaml:"field"`
	Column string `yaml:"column"`
}

// FlagConfig maps a raw (or derived) boolean field onto a fact column
type FlagConfig struct {
	Field  string `yaml:"field"`
	Column string `yaml:"column"`
}

// FactConfig describes one fact table load target
type FactConfig struct {
	Table         string               `yaml:"table"`
	KeyColumn     string               `yaml:"key_column"`
	DateKeyColumn string               `yaml:"date_key_column"`
	DimensionRefs []DimensionRefConfig `yaml:"dimension_refs"`
	Measures      []MeasureConfig      `yaml:"measures"`
	Flags         []FlagConfig         `yaml:"flags"`
}

// MeasureColumns returns the fact columns updated on a late-arriving upsert
func (f FactConfig) MeasureColumns() []string {
	var cols []string
	for _, m := range f.Measures {
		cols = append(cols, m.Column)
	}
	return cols
}

// RangeRule bounds a numeric field; records outside the bounds are rejected
type RangeRule struct {
	Field string  `yaml:"field"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// ValidationConfig holds the per-stream data quality rules
type ValidationConfig struct {
	Required []string               `yaml:"required"`
	Ranges   []RangeRule            `yaml:"ranges"`
	Defaults map[string]interface{} `yaml:"defaults"`
	// Checks names cross-field rules implemented by the validator, e.g.
	// arrival_not_before_departure, seats_filled_within_available
	Checks     []string `yaml:"checks"`
	DateFields []string `yaml:"date_fields"`
}

// SourceConfig describes where a stream's raw records come from
type SourceConfig struct {
	// Type is one of: sql, http, csv
	Type string `yaml:"type"`

	// sql
	DSN            string `yaml:"dsn"`
	Query          string `yaml:"query"`
	PositionColumn string `yaml:"position_column"`

	// http
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// csv
	Dir             string   `yaml:"dir"`
	RequiredColumns []string `yaml:"required_columns"`

	BatchLimit     int `yaml:"batch_limit"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-pull source timeout as a Duration
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// StreamConfig describes one source-to-target pipeline
type StreamConfig struct {
	Name string `yaml:"name"`
	// Kind is "dimension" or "fact"
	Kind    string       `yaml:"kind"`
	Cadence string       `yaml:"cadence"`
	Source  SourceConfig `yaml:"source"`

	// KeyField is the natural/business key field in raw records
	KeyField       string `yaml:"key_field"`
	EventDateField string `yaml:"event_date_field"`
	// Derive names the registered derived-metric transform for fact streams
	Derive string `yaml:"derive"`

	// Dimension names the target dimension for kind=dimension streams
	Dimension  string           `yaml:"dimension"`
	Fact       FactConfig       `yaml:"fact"`
	Validation ValidationConfig `yaml:"validation"`
}

// CadenceInterval parses the stream cadence, e.g. "15m", "1h", "24h"
func (s StreamConfig) CadenceInterval() (time.Duration, error) {
	return time.ParseDuration(s.Cadence)
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "warehouse-etl"
	}
	if c.Service.HealthPort == "" {
		c.Service.HealthPort = "8091"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Warehouse.Port == 0 {
		c.Warehouse.Port = 5432
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "disable"
	}
	if c.Warehouse.MaxConns == 0 {
		c.Warehouse.MaxConns = 8
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialBackoffSeconds == 0 {
		c.Retry.InitialBackoffSeconds = 1
	}
	if c.Retry.MaxBackoffSeconds == 0 {
		c.Retry.MaxBackoffSeconds = 30
	}
	if c.Retry.BatchRetries == 0 {
		c.Retry.BatchRetries = 3
	}
	if c.Refresh.IntervalMinutes == 0 {
		c.Refresh.IntervalMinutes = 60
	}
	for i := range c.Dimensions {
		if c.Dimensions[i].SurrogateKeyColumn == "" {
			c.Dimensions[i].SurrogateKeyColumn = c.Dimensions[i].Name + "key"
		}
	}
	for i := range c.Streams {
		if c.Streams[i].Cadence == "" {
			c.Streams[i].Cadence = "1h"
		}
		if c.Streams[i].Source.BatchLimit == 0 {
			c.Streams[i].Source.BatchLimit = 5000
		}
		if c.Streams[i].Source.TimeoutSeconds == 0 {
			c.Streams[i].Source.TimeoutSeconds = 30
		}
	}
}

// DimensionByName resolves a dimension referenced by a stream or a fact
func (c *Config) DimensionByName(name string) (DimensionConfig, bool) {
	for _, d := range c.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return DimensionConfig{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Warehouse.Host == "" {
		return fmt.Errorf("warehouse.host is required")
	}
	if c.Warehouse.Database == "" {
		return fmt.Errorf("warehouse.database is required")
	}
	if c.Warehouse.User == "" {
		return fmt.Errorf("warehouse.user is required")
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}

	seen := make(map[string]bool)
	for _, d := range c.Dimensions {
		if d.Name == "" || d.Table == "" || d.BusinessKeyColumn == "" {
			return fmt.Errorf("dimension %q: name, table and business_key_column are required", d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate dimension %q", d.Name)
		}
		seen[d.Name] = true
	}

	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream name is required")
		}
		if _, err := s.CadenceInterval(); err != nil {
			return fmt.Errorf("stream %q: invalid cadence %q: %w", s.Name, s.Cadence, err)
		}
		if s.KeyField == "" {
			return fmt.Errorf("stream %q: key_field is required", s.Name)
		}
		switch s.Kind {
		case "dimension":
			if _, ok := c.DimensionByName(s.Dimension); !ok {
				return fmt.Errorf("stream %q: unknown dimension %q", s.Name, s.Dimension)
			}
		case "fact":
			if s.Fact.Table == "" || s.Fact.KeyColumn == "" {
				return fmt.Errorf("stream %q: fact.table and fact.key_column are required", s.Name)
			}
			if s.EventDateField == "" {
				return fmt.Errorf("stream %q: event_date_field is required for fact streams", s.Name)
			}
			for _, ref := range s.Fact.DimensionRefs {
				if _, ok := c.DimensionByName(ref.Dimension); !ok {
					return fmt.Errorf("stream %q: dimension ref %q: unknown dimension %q", s.Name, ref.Field, ref.Dimension)
				}
			}
		default:
			return fmt.Errorf("stream %q: kind must be dimension or fact, got %q", s.Name, s.Kind)
		}
		switch s.Source.Type {
		case "sql":
			if s.Source.DSN == "" || s.Source.Query == "" || s.Source.PositionColumn == "" {
				return fmt.Errorf("stream %q: sql source requires dsn, query and position_column", s.Name)
			}
		case "http":
			if s.Source.URL == "" {
				return fmt.Errorf("stream %q: http source requires url", s.Name)
			}
		case "csv":
			if s.Source.Dir == "" {
				return fmt.Errorf("stream %q: csv source requires dir", s.Name)
			}
		default:
			return fmt.Errorf("stream %q: source.type must be sql, http or csv, got %q", s.Name, s.Source.Type)
		}
	}
	return nil
}
