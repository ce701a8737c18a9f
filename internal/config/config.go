package config

import (
	"fmt"
	"os"
	"time"

	"quizflow-service/internal/domain"
	"quizflow-service/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		// Mode is "production" (JSON) or "development" (console).
		Mode  string `yaml:"mode"`
		Level string `yaml:"level"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
		// Dir holds quiz documents served when Postgres is not configured.
		Dir string `yaml:"dir"`
	} `yaml:"quiz"`
	Session struct {
		TTL string `yaml:"ttl"`
	} `yaml:"session"`
	Tokens struct {
		Secret string `yaml:"secret"`
		TTL    string `yaml:"ttl"`
	} `yaml:"tokens"`
	Safety struct {
		Allowlist       []string `yaml:"allowlist"`
		Ports           []string `yaml:"ports"`
		DNSTimeout      string   `yaml:"dns_timeout"`
		RequestTimeout  string   `yaml:"request_timeout"`
		MaxBodyBytes    int64    `yaml:"max_body_bytes"`
		MaxRetries      int      `yaml:"max_retries"`
		RetryInterval   string   `yaml:"retry_interval"`
		FollowRedirects int      `yaml:"follow_redirects"`
	} `yaml:"safety"`
	Limits   ratelimit.Limits `yaml:"limits"`
	Creators []domain.Creator `yaml:"creators"`
}

// Load reads YAML config from path. Limits left out of the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Config{Limits: ratelimit.DefaultLimits}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if secret := os.Getenv("QUIZ_TOKEN_SECRET"); secret != "" {
		cfg.Tokens.Secret = secret
	}
	for i, c := range cfg.Creators {
		if c.ID == "" {
			return cfg, fmt.Errorf("creators[%d]: id is required", i)
		}
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
