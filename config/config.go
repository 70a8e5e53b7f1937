// Package config loads server configuration from an optional YAML file and
// PSPRELAY_* environment variables, in that order, over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr      = ":8080"
	defaultLoadTimeout     = 30 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultPingInterval    = 30 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultReadLimit       = 64 << 20
	defaultAcceptBurst     = 16
	defaultShutdownTimeout = 10 * time.Second

	envListenAddr       = "PSPRELAY_LISTEN_ADDR"
	envEnginePath       = "PSPRELAY_ENGINE_PATH"
	envLoadTimeout      = "PSPRELAY_LOAD_TIMEOUT"
	envLogLevel         = "PSPRELAY_LOG_LEVEL"
	envLogFormat        = "PSPRELAY_LOG_FORMAT"
	envMemoryLimitPages = "PSPRELAY_MEMORY_LIMIT_PAGES"
	envDiskCache        = "PSPRELAY_DISK_CACHE"
	envCacheDir         = "PSPRELAY_CACHE_DIR"
	envMaxConnections   = "PSPRELAY_MAX_CONNECTIONS"
	envAcceptRate       = "PSPRELAY_ACCEPT_RATE"
	envAcceptBurst      = "PSPRELAY_ACCEPT_BURST"
	envPingInterval     = "PSPRELAY_PING_INTERVAL"
	envWriteTimeout     = "PSPRELAY_WRITE_TIMEOUT"
	envShutdownTimeout  = "PSPRELAY_SHUTDOWN_TIMEOUT"
	envReadLimit        = "PSPRELAY_READ_LIMIT"
	envAllowedOrigins   = "PSPRELAY_ALLOWED_ORIGINS"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// EnginePath is the default engine binary, loaded when an init carries
	// none.
	EnginePath  string        `yaml:"engine_path"`
	LoadTimeout time.Duration `yaml:"load_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console

	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
	DiskCache        bool   `yaml:"disk_cache"`
	CacheDir         string `yaml:"cache_dir"`

	MaxConnections int     `yaml:"max_connections"` // 0 = unlimited
	AcceptRate     float64 `yaml:"accept_rate"`     // new connections per second, 0 = unlimited
	AcceptBurst    int     `yaml:"accept_burst"`

	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      defaultListenAddr,
		LoadTimeout:     defaultLoadTimeout,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		DiskCache:       true,
		AcceptBurst:     defaultAcceptBurst,
		PingInterval:    defaultPingInterval,
		WriteTimeout:    defaultWriteTimeout,
		ReadLimit:       defaultReadLimit,
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str(envListenAddr, &cfg.ListenAddr)
	str(envEnginePath, &cfg.EnginePath)
	dur(envLoadTimeout, &cfg.LoadTimeout)
	str(envLogLevel, &cfg.LogLevel)
	str(envLogFormat, &cfg.LogFormat)
	str(envCacheDir, &cfg.CacheDir)
	integer(envMaxConnections, &cfg.MaxConnections)
	integer(envAcceptBurst, &cfg.AcceptBurst)
	dur(envPingInterval, &cfg.PingInterval)
	dur(envWriteTimeout, &cfg.WriteTimeout)
	dur(envShutdownTimeout, &cfg.ShutdownTimeout)

	if v := os.Getenv(envMemoryLimitPages); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envMemoryLimitPages, err))
		} else {
			cfg.MemoryLimitPages = uint32(n)
		}
	}
	if v := os.Getenv(envDiskCache); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envDiskCache, err))
		} else {
			cfg.DiskCache = b
		}
	}
	if v := os.Getenv(envAcceptRate); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envAcceptRate, err))
		} else {
			cfg.AcceptRate = f
		}
	}
	if v := os.Getenv(envReadLimit); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envReadLimit, err))
		} else {
			cfg.ReadLimit = n
		}
	}
	if v := os.Getenv(envAllowedOrigins); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}

	return errors.Join(errs...)
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.LoadTimeout <= 0 {
		errs = append(errs, errors.New("load_timeout must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("max_connections must not be negative"))
	}
	if c.AcceptRate < 0 {
		errs = append(errs, errors.New("accept_rate must not be negative"))
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		errs = append(errs, errors.New("accept_burst must be at least 1 when accept_rate is set"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping_interval must not be negative"))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, errors.New("read_limit must be positive"))
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps a level name to a zap level, defaulting to info.
func ParseLogLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// NewLogger creates a structured logger writing to w at level. format
// "console" selects the human-readable encoder; anything else is JSON.
func NewLogger(w io.Writer, level zapcore.Level, format string) *zap.Logger {
	var enc zapcore.Encoder
	if format == "console" {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}
