package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port pair the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// SessionConfig controls the conversation window and its lifetime.
type SessionConfig struct {
	HistoryLimit int           `mapstructure:"history_limit"`
	TTL          time.Duration `mapstructure:"ttl"`
	// PersistFailedTurns keeps the user turn when generation fails.
	PersistFailedTurns bool `mapstructure:"persist_failed_turns"`
}

// StoreConfig selects and configures the history backend.
type StoreConfig struct {
	Driver        string       `mapstructure:"driver"`
	KeyPrefix     string       `mapstructure:"key_prefix"`
	SweepSchedule string       `mapstructure:"sweep_schedule"`
	SQLite        SQLiteConfig `mapstructure:"sqlite"`
	Redis         RedisConfig  `mapstructure:"redis"`
	Pebble        PebbleConfig `mapstructure:"pebble"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PebbleConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Store drivers understood by history.Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverPebble = "pebble"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrInvalidConfig = errors.New("invalid configuration")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.history_limit", 20)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.persist_failed_turns", false)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.key_prefix", "chat:")
	v.SetDefault("store.sweep_schedule", "@every 10m")
	v.SetDefault("store.sqlite.path", "history.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.pebble.path", "history.pebble")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from a config.yaml file, the environment and defaults.
// path may be empty, in which case CONFIG_PATH and then ./config.yaml are tried.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("JARVIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare variables understood by the original deployment.
	_ = v.BindEnv("llm.api_key", "JARVIS_LLM_API_KEY", "API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("server.port", "JARVIS_SERVER_PORT", "PORT")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports configuration values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverRedis, DriverPebble:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("%w: session.history_limit must be positive", ErrInvalidConfig)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("%w: session.ttl must be positive", ErrInvalidConfig)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("%w: llm.model is required", ErrInvalidConfig)
	}
	return nil
}
