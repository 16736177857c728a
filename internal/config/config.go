package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// DiscoveryURL is the base URL of the source "Discovery" registry.
	DiscoveryURL string `mapstructure:"DISCOVERY_URL"`
	// OpenEHRHosts maps a destination registry host name to its base URL,
	// parsed from "name=url,name=url".
	OpenEHRHosts map[string]string `mapstructure:"-"`

	SessionTTLSeconds int `mapstructure:"SESSION_TTL_SECONDS"`

	TokenSecret     string `mapstructure:"TOKEN_SECRET"`
	TokenTTLSeconds int    `mapstructure:"TOKEN_TTL_SECONDS"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8070")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("SESSION_TTL_SECONDS", 120)
	v.SetDefault("TOKEN_TTL_SECONDS", 300)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("DISCOVERY_URL")
	v.BindEnv("OPENEHR_HOSTS")
	v.BindEnv("SESSION_TTL_SECONDS")
	v.BindEnv("TOKEN_SECRET")
	v.BindEnv("TOKEN_TTL_SECONDS")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	hosts, err := ParseHosts(v.GetString("OPENEHR_HOSTS"))
	if err != nil {
		return nil, err
	}
	cfg.OpenEHRHosts = hosts

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// ParseHosts parses a "name=url,name=url" destination registry list.
func ParseHosts(s string) (map[string]string, error) {
	hosts := make(map[string]string)
	if s == "" {
		return hosts, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("OPENEHR_HOSTS entry %q is not name=url", pair)
		}
		hosts[name] = url
	}
	return hosts, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SessionTTL returns the configured backend session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// TokenTTL returns the lifetime of outbound service tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a token secret and at least one destination registry are required.
func (c *Config) Validate() error {
	if !c.IsDev() && c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required when ENV=%q", c.Env)
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be positive, got %d", c.SessionTTLSeconds)
	}
	if !c.IsDev() && len(c.OpenEHRHosts) == 0 {
		return fmt.Errorf("OPENEHR_HOSTS must name at least one destination registry")
	}
	return nil
}
