package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opensai/secop-search/internal/socrata"
)

// The hard ceiling on any timeout-like setting.
const timeoutCap = 120 * time.Second

type Config struct {
	Server struct {
		Port string
	}
	Socrata struct {
		BaseURL        string
		AppToken       string
		UserAgent      string
		MaxRetries     int
		RetryBase      time.Duration
		RetryMaxDelay  time.Duration
		ConnectTimeout time.Duration
		PerCallCap     time.Duration
		MinAttempt     time.Duration
		DefaultMode    string
		Unaccent       bool
	}
	Budget struct {
		Request time.Duration
	}
	Health struct {
		Timeout      time.Duration
		Staleness    time.Duration
		ShortCircuit bool
	}
	Throttle struct {
		GlobalRate  float64
		GlobalBurst int
		ClientRate  float64
		ClientBurst int
		IdleTTL     time.Duration
	}
	Search struct {
		PerPage        int
		MaxQueryWindow int
	}
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", "5000")
	viper.SetDefault("socrata.base_url", "https://www.datos.gov.co")
	viper.SetDefault("socrata.app_token", "")
	viper.SetDefault("socrata.user_agent", "OpenSAI-Bot/3.0")
	viper.SetDefault("socrata.max_retries", 2)
	viper.SetDefault("socrata.retry_base_seconds", 0.4)
	viper.SetDefault("socrata.max_retry_delay_seconds", 1.2)
	viper.SetDefault("socrata.connect_timeout_seconds", 5.0)
	viper.SetDefault("socrata.per_call_timeout_seconds", 120.0)
	viper.SetDefault("socrata.min_attempt_seconds", 1.0)
	viper.SetDefault("socrata.default_mode", string(socrata.ModeExactOrComposed))
	viper.SetDefault("socrata.unaccent", false)
	viper.SetDefault("budget.request_seconds", 120.0)
	viper.SetDefault("health.timeout_seconds", 5.0)
	viper.SetDefault("health.staleness_seconds", 30.0)
	viper.SetDefault("health.short_circuit", true)
	viper.SetDefault("throttle.global_rate", 4.0)
	viper.SetDefault("throttle.global_burst", 240)
	viper.SetDefault("throttle.client_rate", 1.0)
	viper.SetDefault("throttle.client_burst", 60)
	viper.SetDefault("throttle.idle_ttl_seconds", 300.0)
	viper.SetDefault("search.per_page", 50)
	viper.SetDefault("search.max_query_window", 5000)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	cfg.Server.Port = viper.GetString("server.port")
	cfg.Socrata.BaseURL = strings.TrimRight(viper.GetString("socrata.base_url"), "/")
	cfg.Socrata.AppToken = viper.GetString("socrata.app_token")
	cfg.Socrata.UserAgent = viper.GetString("socrata.user_agent")
	cfg.Socrata.MaxRetries = viper.GetInt("socrata.max_retries")
	cfg.Socrata.RetryBase = secondsSetting("socrata.retry_base_seconds", 100*time.Millisecond)
	cfg.Socrata.RetryMaxDelay = secondsSetting("socrata.max_retry_delay_seconds", 200*time.Millisecond)
	cfg.Socrata.ConnectTimeout = secondsSetting("socrata.connect_timeout_seconds", 200*time.Millisecond)
	cfg.Socrata.PerCallCap = secondsSetting("socrata.per_call_timeout_seconds", 200*time.Millisecond)
	cfg.Socrata.MinAttempt = secondsSetting("socrata.min_attempt_seconds", 200*time.Millisecond)
	cfg.Socrata.DefaultMode = viper.GetString("socrata.default_mode")
	cfg.Socrata.Unaccent = viper.GetBool("socrata.unaccent")
	cfg.Budget.Request = secondsSetting("budget.request_seconds", 10*time.Second)
	cfg.Health.Timeout = secondsSetting("health.timeout_seconds", 200*time.Millisecond)
	cfg.Health.Staleness = secondsSetting("health.staleness_seconds", time.Second)
	cfg.Health.ShortCircuit = viper.GetBool("health.short_circuit")
	cfg.Throttle.GlobalRate = viper.GetFloat64("throttle.global_rate")
	cfg.Throttle.GlobalBurst = viper.GetInt("throttle.global_burst")
	cfg.Throttle.ClientRate = viper.GetFloat64("throttle.client_rate")
	cfg.Throttle.ClientBurst = viper.GetInt("throttle.client_burst")
	cfg.Throttle.IdleTTL = secondsSetting("throttle.idle_ttl_seconds", time.Minute)
	cfg.Search.PerPage = viper.GetInt("search.per_page")
	cfg.Search.MaxQueryWindow = viper.GetInt("search.max_query_window")

	return &cfg, nil
}

// secondsSetting reads a float seconds value, clamped between a floor and
// the global timeout cap.
func secondsSetting(key string, floor time.Duration) time.Duration {
	d := time.Duration(viper.GetFloat64(key) * float64(time.Second))
	if d < floor {
		return floor
	}
	if d > timeoutCap {
		return timeoutCap
	}
	return d
}

func (c *Config) Validate() error {
	if _, err := socrata.ParseMode(c.Socrata.DefaultMode, socrata.ModeExactOrComposed); err != nil {
		return fmt.Errorf("socrata.default_mode: %w", err)
	}
	if c.Socrata.BaseURL == "" {
		return fmt.Errorf("socrata.base_url is required")
	}
	if c.Throttle.GlobalRate <= 0 || c.Throttle.ClientRate <= 0 {
		return fmt.Errorf("throttle rates must be positive")
	}
	if c.Throttle.GlobalBurst < 1 || c.Throttle.ClientBurst < 1 {
		return fmt.Errorf("throttle bursts must be at least 1")
	}
	if c.Search.PerPage < 1 {
		return fmt.Errorf("search.per_page must be at least 1")
	}
	if c.Search.MaxQueryWindow < c.Search.PerPage {
		return fmt.Errorf("search.max_query_window must be at least search.per_page")
	}
	return nil
}

// DefaultMode returns the parsed deployment-level search mode.
func (c *Config) DefaultMode() socrata.Mode {
	mode, err := socrata.ParseMode(c.Socrata.DefaultMode, socrata.ModeExactOrComposed)
	if err != nil {
		return socrata.ModeExactOrComposed
	}
	return mode
}
