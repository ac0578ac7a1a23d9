package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFileName = "keyboard-monitor.yaml"
	DotEnvFileName  = ".env"
	EnvPrefix       = "KEYBOARD_MONITOR"
)

// Config captures the user-adjustable knobs for the agent.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Paths    PathsConfig    `mapstructure:"paths" yaml:"paths"`

	// Source indicates where the configuration originated (defaults or a file path).
	Source string `mapstructure:"-" yaml:"-"`
}

// DatabaseConfig locates the GreptimeDB table.
type DatabaseConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Table string `mapstructure:"table" yaml:"table"`
	TTL   string `mapstructure:"ttl" yaml:"ttl"`
}

// DeliveryConfig paces retries after a lost connection.
type DeliveryConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// CaptureConfig selects the key hook backend.
type CaptureConfig struct {
	Provider string   `mapstructure:"provider" yaml:"provider"`
	Devices  []string `mapstructure:"devices" yaml:"devices"`
	Script   string   `mapstructure:"script" yaml:"script"`
}

// LoggingConfig defines the two log sinks.
type LoggingConfig struct {
	File         string `mapstructure:"file" yaml:"file"`
	FileLevel    string `mapstructure:"file_level" yaml:"file_level"`
	ConsoleLevel string `mapstructure:"console_level" yaml:"console_level"`
	Format       string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// PathsConfig controls filesystem locations used by the CLI.
type PathsConfig struct {
	RecordFile string `mapstructure:"record_file" yaml:"record_file"`
}

// Default returns the baseline configuration used when no overrides are supplied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Table: "keyboard_monitor",
			TTL:   "3months",
		},
		Delivery: DeliveryConfig{
			BackoffInitial: 250 * time.Millisecond,
			BackoffMax:     30 * time.Second,
		},
		Capture: CaptureConfig{
			Provider: "auto",
			Devices:  []string{},
		},
		Logging: LoggingConfig{
			File:         "agent.log",
			FileLevel:    "debug",
			ConsoleLevel: "info",
			Format:       "text",
		},
		Paths: PathsConfig{
			RecordFile: "keyboard-monitor.run.json",
		},
		Source: "<defaults>",
	}
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// Path is an explicit config file; it must exist when set.
	Path string
	// Dir is searched for the default config file and .env. Empty means the
	// working directory.
	Dir string
	// Overrides are applied last, keyed by dotted config key.
	Overrides map[string]any
	// SkipValidate returns the merged configuration even when it would not
	// pass Validate. Diagnostics commands use it.
	SkipValidate bool
}

// Load merges defaults, the config file, .env, the environment and
// overrides, in increasing precedence, and validates the result.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()
	v := newViper(cfg)

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := loadDotEnv(filepath.Join(dir, DotEnvFileName)); err != nil {
		return cfg, err
	}

	candidate := strings.TrimSpace(opts.Path)
	explicit := candidate != ""
	if !explicit {
		candidate = filepath.Join(dir, DefaultFileName)
	}
	source := cfg.Source
	if _, err := os.Stat(candidate); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("stat config file %q: %w", candidate, err)
		}
		if explicit {
			return cfg, fmt.Errorf("config file %q not found", candidate)
		}
	} else {
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", candidate, err)
		}
		source = candidate
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.Source = source
	cfg.normalize()

	if opts.SkipValidate {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newViper(defaults Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATABASE_URL is the conventional name and what existing .env files use.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")

	v.SetDefault("database.url", defaults.Database.URL)
	v.SetDefault("database.table", defaults.Database.Table)
	v.SetDefault("database.ttl", defaults.Database.TTL)
	v.SetDefault("delivery.backoff_initial", defaults.Delivery.BackoffInitial)
	v.SetDefault("delivery.backoff_max", defaults.Delivery.BackoffMax)
	v.SetDefault("capture.provider", defaults.Capture.Provider)
	v.SetDefault("capture.devices", defaults.Capture.Devices)
	v.SetDefault("capture.script", defaults.Capture.Script)
	v.SetDefault("logging.file", defaults.Logging.File)
	v.SetDefault("logging.file_level", defaults.Logging.FileLevel)
	v.SetDefault("logging.console_level", defaults.Logging.ConsoleLevel)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
	v.SetDefault("paths.record_file", defaults.Paths.RecordFile)
	return v
}

// loadDotEnv exports the variables of a dotenv file into the process
// environment. Variables that are already set win; a missing file is fine.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, key := range env.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, env.GetString(key)); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

// Validate ensures essential configuration values are present and sensible.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("database.url must be set (or DATABASE_URL in the environment or .env)")
	}
	if strings.TrimSpace(c.Database.Table) == "" {
		return errors.New("database.table must not be empty")
	}
	if c.Delivery.BackoffInitial <= 0 {
		return errors.New("delivery.backoff_initial must be positive")
	}
	if c.Delivery.BackoffMax < c.Delivery.BackoffInitial {
		return errors.New("delivery.backoff_max must not be below delivery.backoff_initial")
	}

	switch c.Capture.Provider {
	case "auto", "quartz", "evdev":
	case "script":
		if strings.TrimSpace(c.Capture.Script) == "" {
			return errors.New("capture.script is required with the script provider")
		}
	default:
		return fmt.Errorf("unsupported capture.provider %q", c.Capture.Provider)
	}

	if _, err := NormalizeLogLevel(c.Logging.FileLevel); err != nil {
		return fmt.Errorf("logging.file_level: %w", err)
	}
	if _, err := NormalizeLogLevel(c.Logging.ConsoleLevel); err != nil {
		return fmt.Errorf("logging.console_level: %w", err)
	}
	if _, err := NormalizeFormat(c.Logging.Format); err != nil {
		return err
	}
	if strings.TrimSpace(c.Paths.RecordFile) == "" {
		return errors.New("paths.record_file must not be empty")
	}
	return nil
}

func (c *Config) normalize() {
	defaults := Default()

	c.Database.URL = strings.TrimSpace(c.Database.URL)
	if strings.TrimSpace(c.Database.Table) == "" {
		c.Database.Table = defaults.Database.Table
	}
	if strings.TrimSpace(c.Database.TTL) == "" {
		c.Database.TTL = defaults.Database.TTL
	}
	c.Capture.Provider = strings.ToLower(strings.TrimSpace(c.Capture.Provider))
	if c.Capture.Provider == "" {
		c.Capture.Provider = defaults.Capture.Provider
	}
	if c.Capture.Devices == nil {
		c.Capture.Devices = []string{}
	}
	if level, err := NormalizeLogLevel(c.Logging.FileLevel); err == nil {
		c.Logging.FileLevel = level
	}
	if level, err := NormalizeLogLevel(c.Logging.ConsoleLevel); err == nil {
		c.Logging.ConsoleLevel = level
	}
	if format, err := NormalizeFormat(c.Logging.Format); err == nil {
		c.Logging.Format = format
	}
	if path := strings.TrimSpace(c.Paths.RecordFile); path != "" {
		c.Paths.RecordFile = filepath.Clean(path)
	}
}

// NormalizeLogLevel validates and lowercases known logging levels.
func NormalizeLogLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return "info", nil
	case "debug":
		return "debug", nil
	case "warn", "warning":
		return "warn", nil
	case "error":
		return "error", nil
	default:
		return "", fmt.Errorf("unsupported log level %q", level)
	}
}

// NormalizeFormat validates and canonicalizes logging format identifiers.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text", "console":
		return "text", nil
	case "json":
		return "json", nil
	case "auto":
		return "auto", nil
	default:
		return "", fmt.Errorf("unsupported log format %q", format)
	}
}

var dsnPassword = regexp.MustCompile(`(password=)(\S+)`)

// Redacted returns a copy safe to print: the database password is masked.
func (c Config) Redacted() Config {
	out := c
	out.Capture.Devices = append([]string(nil), c.Capture.Devices...)
	if c.Database.URL == "" {
		return out
	}
	if u, err := url.Parse(c.Database.URL); err == nil && u.Scheme != "" {
		out.Database.URL = u.Redacted()
		return out
	}
	out.Database.URL = dsnPassword.ReplaceAllString(c.Database.URL, "${1}xxxxx")
	return out
}

// YAML renders the configuration, with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
