package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // scale zone must resolve on hosts without zoneinfo

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Spool      SpoolConfig      `yaml:"spool" mapstructure:"spool"`
	FTP        FTPConfig        `yaml:"ftp" mapstructure:"ftp"`
	Watch      WatchConfig      `yaml:"watch" mapstructure:"watch"`
	Sweep      SweepConfig      `yaml:"sweep" mapstructure:"sweep"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`

	// Retry settings for reads and file registration.
	RetryAttempts  int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IngestConfig configures file processing.
type IngestConfig struct {
	SourceLabel      string `yaml:"source_label" mapstructure:"source_label"`
	Timezone         string `yaml:"timezone" mapstructure:"timezone"`
	SchemaPath       string `yaml:"schema_path" mapstructure:"schema_path"`
	Charset          string `yaml:"charset" mapstructure:"charset"`
	MaxErrorLength   int    `yaml:"max_error_length" mapstructure:"max_error_length"`
	MaxRejections    int    `yaml:"max_rejections" mapstructure:"max_rejections"`
	StoreTimeoutSecs int    `yaml:"store_timeout_secs" mapstructure:"store_timeout_secs"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// StoreTimeout returns the per-call storage deadline.
func (c IngestConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSecs) * time.Second
}

// SpoolConfig configures the local spool directory source.
type SpoolConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir"`
	ProcessedDir string `yaml:"processed_dir" mapstructure:"processed_dir"`
	FailedDir    string `yaml:"failed_dir" mapstructure:"failed_dir"`
	DuplicateDir string `yaml:"duplicate_dir" mapstructure:"duplicate_dir"`
	Pattern      string `yaml:"pattern" mapstructure:"pattern"`
}

// FTPConfig configures the FTP drop folder source.
type FTPConfig struct {
	Addr         string `yaml:"addr" mapstructure:"addr"`
	User         string `yaml:"user" mapstructure:"user"`
	Password     string `yaml:"password" mapstructure:"password"`
	Dir          string `yaml:"dir" mapstructure:"dir"`
	ProcessedDir string `yaml:"processed_dir" mapstructure:"processed_dir"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// WatchConfig configures the continuous worker loop.
type WatchConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// SweepConfig configures the stuck-file reconciliation sweep.
type SweepConfig struct {
	StuckAfterMins int `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	IntervalSecs   int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// StuckAfter returns how long a file may sit in PROCESSING.
func (c SweepConfig) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterMins) * time.Minute
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCALEINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "scale-ingest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_backoff_ms", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ingest.source_label", "imap")
	v.SetDefault("ingest.timezone", "Africa/Johannesburg")
	v.SetDefault("ingest.max_error_length", 1000)
	v.SetDefault("ingest.max_rejections", 50)
	v.SetDefault("ingest.store_timeout_secs", 30)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("spool.pattern", "*.csv")
	v.SetDefault("ftp.timeout_secs", 30)
	v.SetDefault("watch.interval_secs", 60)
	v.SetDefault("sweep.stuck_after_mins", 30)
	v.SetDefault("sweep.interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given mode. Mode is one of
// "ingest", "watch", "serve" or "admin".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "admin":
	case "ingest", "watch":
		errs = append(errs, c.validateIngest()...)
		if mode == "watch" && c.Watch.IntervalSecs <= 0 {
			errs = append(errs, "watch.interval_secs must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateMonitoring()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateIngest() []string {
	var errs []string
	if _, err := time.LoadLocation(c.Ingest.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("ingest.timezone %q cannot be loaded", c.Ingest.Timezone))
	}
	if c.Ingest.MaxErrorLength <= 0 {
		errs = append(errs, "ingest.max_error_length must be > 0")
	}
	if c.Ingest.StoreTimeoutSecs <= 0 {
		errs = append(errs, "ingest.store_timeout_secs must be > 0")
	}
	if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 32 {
		errs = append(errs, "ingest.concurrency must be between 1 and 32")
	}
	if c.Ingest.MaxRejections < 0 {
		errs = append(errs, "ingest.max_rejections must be >= 0")
	}
	return errs
}

func (c *Config) validateMonitoring() []string {
	var errs []string
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Monitoring.LookbackHours <= 0 {
		errs = append(errs, "monitoring.lookback_hours must be > 0")
	}
	if c.Sweep.StuckAfterMins <= 0 {
		errs = append(errs, "sweep.stuck_after_mins must be > 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
