// Package config loads the engine's configuration from environment
// variables, an optional YAML overlay, and command-line flag overrides,
// in that order of increasing precedence — the same
// Load/LoadWithFlags/setDefaults/applyFlags shape the teacher's
// config.go uses, generalized from server/database settings to the CDC
// engine's own fields.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of environment variables of spec.md §6 plus
// the supplements SPEC_FULL.md adds.
type Config struct {
	DatabaseURL     string   `yaml:"database_url"`
	SlotName        string   `yaml:"slot_name"`
	PublicationName string   `yaml:"publication_name"`
	Tables          []string `yaml:"tables"`

	StarRocksURL  string `yaml:"starrocks_url"`
	StarRocksPort int    `yaml:"starrocks_port"` // supplemented: control-plane MySQL port, default 9030
	StarRocksDB   string `yaml:"starrocks_db"`
	StarRocksUser string `yaml:"starrocks_user"`
	StarRocksPass string `yaml:"starrocks_pass"`

	FlushSize           int `yaml:"flush_size"`
	FlushIntervalMs     int `yaml:"flush_interval_ms"`
	SafetyCapMultiplier int `yaml:"safety_cap_multiplier"`

	MaxRetries               int     `yaml:"max_retries"`
	StreamLoadMaxFilterRatio float64 `yaml:"stream_load_max_filter_ratio"`
	HTTPTimeoutMs            int     `yaml:"http_timeout_ms"`
	SQLTimeoutMs             int     `yaml:"sql_timeout_ms"`
	StandbyStatusIntervalMs  int     `yaml:"standby_status_interval_ms"`

	ControlPort int `yaml:"grpc_port"` // GRPC_PORT in spec.md §6; this build serves it as a thin HTTP facade, see internal/control

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`
}

// FlushInterval is FlushIntervalMs as a time.Duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// HTTPTimeout is HTTPTimeoutMs as a time.Duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}

// SQLTimeout is SQLTimeoutMs as a time.Duration.
func (c *Config) SQLTimeout() time.Duration { return time.Duration(c.SQLTimeoutMs) * time.Millisecond }

// StandbyStatusInterval is StandbyStatusIntervalMs as a time.Duration.
func (c *Config) StandbyStatusInterval() time.Duration {
	return time.Duration(c.StandbyStatusIntervalMs) * time.Millisecond
}

// Flags are the command-line overrides, applied after env/YAML.
type Flags struct {
	ConfigPath      string
	FlushSize       int
	FlushIntervalMs int
	LogLevel        string
	LogFormat       string
	LogOutput       string
	ShowVersion     bool
}

// LoadWithFlags reads environment variables first, overlays an optional
// YAML file (CDC_CONFIG env var or -config flag), fills in defaults, and
// finally applies command-line flag overrides, returning both the
// resolved Config and the parsed Flags for callers that want them (e.g.
// to detect -version).
func LoadWithFlags() (*Config, *Flags, error) {
	flags := parseFlags()

	cfg := fromEnv()

	if flags.ConfigPath != "" {
		data, err := os.ReadFile(flags.ConfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("config: reading %s: %w", flags.ConfigPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("config: parsing %s: %w", flags.ConfigPath, err)
		}
	}

	setDefaults(cfg)
	applyFlags(cfg, flags)

	if err := validate(cfg); err != nil {
		return nil, nil, err
	}

	return cfg, flags, nil
}

func fromEnv() *Config {
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SlotName:        os.Getenv("SLOT_NAME"),
		PublicationName: os.Getenv("PUBLICATION_NAME"),
		StarRocksURL:    os.Getenv("STARROCKS_URL"),
		StarRocksDB:     os.Getenv("STARROCKS_DB"),
		StarRocksUser:   os.Getenv("STARROCKS_USER"),
		StarRocksPass:   os.Getenv("STARROCKS_PASS"),
	}
	if t := os.Getenv("TABLES"); t != "" {
		for _, part := range strings.Split(t, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cfg.Tables = append(cfg.Tables, trimmed)
			}
		}
	}
	cfg.FlushSize = envInt("FLUSH_SIZE", 0)
	cfg.FlushIntervalMs = envInt("FLUSH_INTERVAL_MS", 0)
	cfg.ControlPort = envInt("GRPC_PORT", 0)
	cfg.StarRocksPort = envInt("STARROCKS_PORT", 0)
	cfg.MaxRetries = envInt("MAX_RETRIES", 0)
	cfg.SafetyCapMultiplier = envInt("SAFETY_CAP_MULTIPLIER", 0)
	cfg.HTTPTimeoutMs = envInt("HTTP_TIMEOUT_MS", 0)
	cfg.SQLTimeoutMs = envInt("SQL_TIMEOUT_MS", 0)
	cfg.StandbyStatusIntervalMs = envInt("STANDBY_STATUS_INTERVAL_MS", 0)
	cfg.StreamLoadMaxFilterRatio = envFloat("STREAM_LOAD_MAX_FILTER_RATIO", 0)
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	cfg.LogFormat = os.Getenv("LOG_FORMAT")
	cfg.LogOutput = os.Getenv("LOG_OUTPUT")
	return cfg
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseFlags() *Flags {
	f := &Flags{}
	f.ConfigPath = os.Getenv("CDC_CONFIG")
	flag.StringVar(&f.ConfigPath, "config", f.ConfigPath, "optional YAML config overlay path")
	flag.IntVar(&f.FlushSize, "flush-size", 0, "override FLUSH_SIZE")
	flag.IntVar(&f.FlushIntervalMs, "flush-interval-ms", 0, "override FLUSH_INTERVAL_MS")
	flag.StringVar(&f.LogLevel, "log-level", "", "override LOG_LEVEL")
	flag.StringVar(&f.LogFormat, "log-format", "", "override LOG_FORMAT")
	flag.StringVar(&f.LogOutput, "log-output", "", "override LOG_OUTPUT")
	flag.BoolVar(&f.ShowVersion, "version", false, "print version and exit")
	flag.Parse()
	return f
}

func setDefaults(c *Config) {
	if c.FlushSize == 0 {
		c.FlushSize = 10000
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 5000
	}
	if c.SafetyCapMultiplier == 0 {
		c.SafetyCapMultiplier = 2
	}
	if c.StarRocksPort == 0 {
		c.StarRocksPort = 9030
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.HTTPTimeoutMs == 0 {
		c.HTTPTimeoutMs = 30000
	}
	if c.SQLTimeoutMs == 0 {
		c.SQLTimeoutMs = 10000
	}
	if c.StandbyStatusIntervalMs == 0 {
		c.StandbyStatusIntervalMs = 10000
	}
	if c.ControlPort == 0 {
		c.ControlPort = 8090
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LogOutput == "" {
		c.LogOutput = "stdout"
	}
}

func applyFlags(c *Config, f *Flags) {
	if f.FlushSize > 0 {
		c.FlushSize = f.FlushSize
	}
	if f.FlushIntervalMs > 0 {
		c.FlushIntervalMs = f.FlushIntervalMs
	}
	if f.LogLevel != "" {
		c.LogLevel = strings.ToLower(f.LogLevel)
	}
	if f.LogFormat != "" {
		c.LogFormat = strings.ToLower(f.LogFormat)
	}
	if f.LogOutput != "" {
		c.LogOutput = f.LogOutput
	}
}

func validate(c *Config) error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.SlotName == "" {
		missing = append(missing, "SLOT_NAME")
	}
	if c.PublicationName == "" {
		missing = append(missing, "PUBLICATION_NAME")
	}
	if len(c.Tables) == 0 {
		missing = append(missing, "TABLES")
	}
	if c.StarRocksURL == "" {
		missing = append(missing, "STARROCKS_URL")
	}
	if c.StarRocksDB == "" {
		missing = append(missing, "STARROCKS_DB")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PrintUsage prints flags and environment variable names, matching the
// teacher's PrintUsage.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	for _, name := range []string{
		"DATABASE_URL", "SLOT_NAME", "PUBLICATION_NAME", "TABLES",
		"STARROCKS_URL", "STARROCKS_PORT", "STARROCKS_DB", "STARROCKS_USER", "STARROCKS_PASS",
		"FLUSH_SIZE", "FLUSH_INTERVAL_MS", "SAFETY_CAP_MULTIPLIER",
		"MAX_RETRIES", "STREAM_LOAD_MAX_FILTER_RATIO",
		"HTTP_TIMEOUT_MS", "SQL_TIMEOUT_MS", "STANDBY_STATUS_INTERVAL_MS",
		"GRPC_PORT", "LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT", "CDC_CONFIG",
	} {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}
