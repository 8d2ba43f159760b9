// Package config loads the server settings from environment variables and an
// optional config file. Every tunable the protocol leaves open (heartbeat
// cadence, context TTL, plugin timeouts, reorder window) lives here.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the full server configuration.
type Settings struct {
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	AuthToken  string `mapstructure:"auth_token"`

	// Context store
	RedisURL      string        `mapstructure:"redis_url"`
	ContextTTL    time.Duration `mapstructure:"context_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Session liveness
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMissMax  int           `mapstructure:"heartbeat_miss_max"`

	// Plugin dispatch
	PluginsDir        string        `mapstructure:"plugins_dir"`
	PluginTimeout     time.Duration `mapstructure:"plugin_timeout"`
	PluginMaxInFlight int           `mapstructure:"plugin_max_in_flight"`
	ActionConfirmTTL  time.Duration `mapstructure:"action_confirm_ttl"`

	// Response streaming
	ReorderWindow int `mapstructure:"reorder_window"`
	StreamBuffer  int `mapstructure:"stream_buffer"`

	// Inference collaborator
	LLMEndpoint    string        `mapstructure:"llm_endpoint"`
	LLMModel       string        `mapstructure:"llm_model"`
	LLMMaxTokens   int           `mapstructure:"llm_max_tokens"`
	LLMTemperature float64       `mapstructure:"llm_temperature"`
	LLMTimeout     time.Duration `mapstructure:"llm_timeout"`

	// Third-party credentials for bundled plugins
	OpenWeatherAPIKey string `mapstructure:"openweather_api_key"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

// Load reads settings from the environment (HIVEMIND_ prefix) and, when
// present, a hivemind.yaml in the working directory. Environment wins.
func Load() (*Settings, error) {
	v := viper.New()

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8000)
	v.SetDefault("auth_token", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("context_ttl", 7*24*time.Hour)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("heartbeat_miss_max", 2)
	v.SetDefault("plugins_dir", "plugins")
	v.SetDefault("plugin_timeout", 10*time.Second)
	v.SetDefault("plugin_max_in_flight", 4)
	v.SetDefault("action_confirm_ttl", 10*time.Minute)
	v.SetDefault("reorder_window", 8)
	v.SetDefault("stream_buffer", 16)
	v.SetDefault("llm_endpoint", "http://localhost:11434/api/generate")
	v.SetDefault("llm_model", "phi3:mini")
	v.SetDefault("llm_max_tokens", 512)
	v.SetDefault("llm_temperature", 0.7)
	v.SetDefault("llm_timeout", 60*time.Second)
	v.SetDefault("openweather_api_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("hivemind")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("hivemind")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the server cannot run with.
func (s *Settings) Validate() error {
	if s.ServerPort < 1 || s.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", s.ServerPort)
	}
	if s.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if s.RedisURL != "" && !strings.HasPrefix(s.RedisURL, "redis://") {
		return fmt.Errorf("redis_url must start with redis://")
	}
	if s.ContextTTL < time.Hour {
		return fmt.Errorf("context_ttl %s below minimum of 1h", s.ContextTTL)
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if s.HeartbeatMissMax < 1 {
		return fmt.Errorf("heartbeat_miss_max must be at least 1")
	}
	if s.PluginTimeout <= 0 {
		return fmt.Errorf("plugin_timeout must be positive")
	}
	if s.PluginMaxInFlight < 1 {
		return fmt.Errorf("plugin_max_in_flight must be at least 1")
	}
	if s.ReorderWindow < 1 {
		return fmt.Errorf("reorder_window must be at least 1")
	}
	if s.StreamBuffer < 1 {
		return fmt.Errorf("stream_buffer must be at least 1")
	}
	if s.LLMEndpoint == "" {
		return fmt.Errorf("llm_endpoint is required")
	}
	return nil
}

// MaskedMap exports the settings for startup logging with secrets hidden.
func (s *Settings) MaskedMap() map[string]any {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "***MASKED***"
	}
	return map[string]any{
		"server_host":          s.ServerHost,
		"server_port":          s.ServerPort,
		"auth_token":           mask(s.AuthToken),
		"redis_url":            s.RedisURL,
		"context_ttl":          s.ContextTTL.String(),
		"heartbeat_interval":   s.HeartbeatInterval.String(),
		"heartbeat_miss_max":   s.HeartbeatMissMax,
		"plugins_dir":          s.PluginsDir,
		"plugin_timeout":       s.PluginTimeout.String(),
		"plugin_max_in_flight": s.PluginMaxInFlight,
		"action_confirm_ttl":   s.ActionConfirmTTL.String(),
		"reorder_window":       s.ReorderWindow,
		"stream_buffer":        s.StreamBuffer,
		"llm_endpoint":         s.LLMEndpoint,
		"llm_model":            s.LLMModel,
		"openweather_api_key":  mask(s.OpenWeatherAPIKey),
		"log_level":            s.LogLevel,
	}
}
