// Package config loads the static service configuration. Values come from
// built-in defaults, an optional YAML file, and RELAY_-prefixed environment
// variables, in increasing order of precedence. There is no live reload.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable recognized by the service. It is built once at
// startup and passed by value to the components that need it.
type Config struct {
	ListenPort     int      `mapstructure:"listen_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	DataDir        string   `mapstructure:"data_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Agent process
	AgentCommand        string        `mapstructure:"agent_command"`
	AgentArgs           []string      `mapstructure:"agent_args"`
	ReadyTimeout        time.Duration `mapstructure:"ready_timeout"`
	KillGracePeriod     time.Duration `mapstructure:"kill_grace_period"`
	RestartDelay        time.Duration `mapstructure:"restart_delay"`
	ErrorThreshold      int           `mapstructure:"error_threshold"`
	StaleThreshold      time.Duration `mapstructure:"stale_threshold"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`

	// Sessions
	TokenBudget          int           `mapstructure:"token_budget"`
	SessionSweepInterval time.Duration `mapstructure:"session_sweep_interval"`
	SessionMaxInactive   time.Duration `mapstructure:"session_max_inactive"`
	SessionMaxAge        time.Duration `mapstructure:"session_max_age"`

	// Connections
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax      int           `mapstructure:"rate_limit_max"`
	MaxMessageLength  int           `mapstructure:"max_message_length"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Load reads configuration from the given file path (optional, "" skips the
// file) plus the environment and returns the resolved Config.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_port", 8080)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("agent_command", "")
	v.SetDefault("agent_args", []string{})
	v.SetDefault("ready_timeout", 10*time.Second)
	v.SetDefault("kill_grace_period", 5*time.Second)
	v.SetDefault("restart_delay", 5*time.Second)
	v.SetDefault("error_threshold", 10)
	v.SetDefault("stale_threshold", 5*time.Minute)
	v.SetDefault("health_check_interval", 30*time.Second)

	v.SetDefault("token_budget", 4000)
	v.SetDefault("session_sweep_interval", 5*time.Minute)
	v.SetDefault("session_max_inactive", time.Hour)
	v.SetDefault("session_max_age", 24*time.Hour)

	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("rate_limit_max", 30)
	v.SetDefault("max_message_length", 10000)
	v.SetDefault("heartbeat_interval", 30*time.Second)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.ListenPort)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive, got %d", c.TokenBudget)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate_limit_max must be positive, got %d", c.RateLimitMax)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive, got %d", c.MaxMessageLength)
	}
	return nil
}
