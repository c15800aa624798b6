// Package config loads chatview settings from the YAML config file, a .env
// file and CHATVIEW_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	EnvPrefix = "CHATVIEW_"
	appDir    = "chatview"
)

type Config struct {
	Profile      string  `yaml:"profile" json:"profile"`
	APIBaseURL   string  `yaml:"api_base_url" json:"api_base_url"`
	WSBaseURL    string  `yaml:"ws_base_url" json:"ws_base_url"`
	RefreshPath  string  `yaml:"refresh_path" json:"refresh_path"`
	CallbackAddr string  `yaml:"callback_addr" json:"callback_addr"`
	StoreBackend string  `yaml:"store_backend" json:"store_backend"`
	StorePath    string  `yaml:"store_path,omitempty" json:"store_path,omitempty"`
	RedisURL     string  `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	PageSize     int     `yaml:"page_size" json:"page_size"`
	RateLimit    float64 `yaml:"rate_limit" json:"rate_limit"`
	LogLevel     string  `yaml:"log_level" json:"log_level"`
	LogFormat    string  `yaml:"log_format" json:"log_format"`
	MetricsAddr  string  `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
}

func Defaults() Config {
	return Config{
		Profile:      "default",
		APIBaseURL:   "http://localhost:8080/v1/api",
		WSBaseURL:    "ws://localhost:8080/v1/api",
		RefreshPath:  "auth/refresh-token",
		CallbackAddr: "127.0.0.1:3000",
		StoreBackend: "pebble",
		PageSize:     10,
		RateLimit:    10,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func str(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = strings.TrimSpace(v); return nil },
	}
}

var fields = map[string]field{
	"profile":       str(func(c *Config) *string { return &c.Profile }),
	"api_base_url":  str(func(c *Config) *string { return &c.APIBaseURL }),
	"ws_base_url":   str(func(c *Config) *string { return &c.WSBaseURL }),
	"refresh_path":  str(func(c *Config) *string { return &c.RefreshPath }),
	"callback_addr": str(func(c *Config) *string { return &c.CallbackAddr }),
	"store_backend": str(func(c *Config) *string { return &c.StoreBackend }),
	"store_path":    str(func(c *Config) *string { return &c.StorePath }),
	"redis_url":     str(func(c *Config) *string { return &c.RedisURL }),
	"log_level":     str(func(c *Config) *string { return &c.LogLevel }),
	"log_format":    str(func(c *Config) *string { return &c.LogFormat }),
	"metrics_addr":  str(func(c *Config) *string { return &c.MetricsAddr }),
	"page_size": {
		get: func(c *Config) string { return strconv.Itoa(c.PageSize) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer, got %q", v)
			}
			c.PageSize = n
			return nil
		},
	},
	"rate_limit": {
		get: func(c *Config) string { return strconv.FormatFloat(c.RateLimit, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || f < 0 {
				return fmt.Errorf("rate_limit must be a number >= 0 (0 disables pacing), got %q", v)
			}
			c.RateLimit = f
			return nil
		},
	},
}

// Keys lists the settable keys in display order.
func Keys() []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", unknownKey(key)
	}
	return f.get(c), nil
}

func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return unknownKey(key)
	}
	return f.set(c, value)
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key %q; valid keys: %s", key, strings.Join(Keys(), ", "))
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "pebble", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store_backend must be pebble|redis|memory, got %q", c.StoreBackend))
	}
	if c.StoreBackend == "redis" && strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("redis_url is required when store_backend is redis"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be console|json, got %q", c.LogFormat))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be greater than 0"))
	}
	if strings.TrimSpace(c.Profile) == "" {
		errs = append(errs, errors.New("profile must not be empty"))
	}
	return errors.Join(errs...)
}

// Dir is the per-user config directory, created 0700 on first use.
// CHATVIEW_CONFIG_DIR overrides it.
func Dir() (string, error) {
	d := os.Getenv(EnvPrefix + "CONFIG_DIR")
	if strings.TrimSpace(d) == "" {
		root, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		d = filepath.Join(root, appDir)
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return "", err
	}
	return d, nil
}

func DefaultPath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// ResolvedStorePath is the pebble directory for the active profile.
func (c *Config) ResolvedStorePath() (string, error) {
	if strings.TrimSpace(c.StorePath) != "" {
		return c.StorePath, nil
	}
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "store", safeName(c.Profile)), nil
}

func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return strings.NewReplacer("\\", "_", "/", "_", ":", "_", " ", "_").Replace(s)
}

// LoadFromFile reads path over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load applies defaults, then the file at path when it exists, then .env,
// then CHATVIEW_* variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		fromFile, err := LoadFromFile(path)
		switch {
		case err == nil:
			cfg = *fromFile
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	// .env never overrides variables already present in the environment.
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, key := range Keys() {
		v, ok := lookup(EnvPrefix + strings.ToUpper(key))
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := c.Set(key, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}
