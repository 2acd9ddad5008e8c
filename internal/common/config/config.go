// Package config loads application configuration from defaults, an optional
// config.yaml, and BOTMANAGER_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the botmanager service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Nomad    NomadConfig    `mapstructure:"nomad"`
	Bot      BotConfig      `mapstructure:"bot"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// CallbackBaseURL is the URL bots use to reach the internal callback
	// endpoints, as seen from inside the bot's network namespace.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
}

// DatabaseConfig holds storage settings. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
	default:
		return d.Path
	}
}

// NATSConfig holds message-bus settings.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Enabled        bool          `mapstructure:"enabled"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	// SessionCacheTTL bounds entries in the meeting_current_session KV bucket.
	SessionCacheTTL time.Duration `mapstructure:"session_cache_ttl"`
}

// DockerConfig holds Docker runtime launcher settings.
type DockerConfig struct {
	Host        string `mapstructure:"host"` // empty uses environment defaults
	NetworkName string `mapstructure:"network_name"`
}

// NomadConfig holds Nomad runtime launcher settings.
type NomadConfig struct {
	Address string `mapstructure:"address"`
	JobName string `mapstructure:"job_name"`
}

// BotConfig holds settings for launched bot workloads.
type BotConfig struct {
	Runtime        string        `mapstructure:"runtime"` // docker or nomad
	Image          string        `mapstructure:"image"`
	DefaultName    string        `mapstructure:"default_name"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout"`
	StopReapDelay  time.Duration `mapstructure:"stop_reap_delay"`
	ExitReapDelay  time.Duration `mapstructure:"exit_reap_delay"`
	FastStopWindow time.Duration `mapstructure:"fast_stop_window"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// SeedToken, when set, provisions a development user with this API
	// token at startup. Never set in production.
	SeedToken string `mapstructure:"seed_token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.callback_base_url", "http://host.docker.internal:8080")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "botmanager.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "botmanager")
	v.SetDefault("database.name", "botmanager")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.publish_timeout", 5*time.Second)
	v.SetDefault("nats.session_cache_ttl", 24*time.Hour)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.network_name", "")

	v.SetDefault("nomad.address", "http://localhost:4646")
	v.SetDefault("nomad.job_name", "meeting-bot")

	v.SetDefault("bot.runtime", "docker")
	v.SetDefault("bot.image", "vexly/meeting-bot:latest")
	v.SetDefault("bot.default_name", "Vexly Notetaker")
	v.SetDefault("bot.launch_timeout", 10*time.Second)
	v.SetDefault("bot.stop_reap_delay", 30*time.Second)
	v.SetDefault("bot.exit_reap_delay", 10*time.Second)
	v.SetDefault("bot.fast_stop_window", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
}

// Load reads configuration from defaults, config.yaml (if present), and
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("BOTMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	switch c.Bot.Runtime {
	case "docker", "nomad":
	default:
		return fmt.Errorf("bot.runtime must be docker or nomad, got %q", c.Bot.Runtime)
	}
	if c.Bot.Image == "" {
		return fmt.Errorf("bot.image is required")
	}
	if c.Bot.Runtime == "nomad" && c.Nomad.Address == "" {
		return fmt.Errorf("nomad.address is required for the nomad runtime")
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
