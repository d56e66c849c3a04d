package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rendis/drip/internal/delivery"
	"github.com/rendis/drip/internal/engine"
)

// Config holds all drip configuration.
// Priority: DRIP_* env vars (including .env) > settings.yaml > defaults.
type Config struct {
	DBPath            string             `yaml:"db_path"`
	LogLevel          string             `yaml:"log_level"`
	LogJSON           bool               `yaml:"log_json"`
	PoolSize          int                `yaml:"pool_size"`
	BatchSize         int                `yaml:"batch_size"`
	DispatchSchedule  string             `yaml:"dispatch_schedule"`
	Tenants           []string           `yaml:"tenants"`
	SendTimeout       time.Duration      `yaml:"send_timeout"`
	ActionTimeout     time.Duration      `yaml:"action_timeout"`
	ClaimLease        time.Duration      `yaml:"claim_lease"`
	WebhookTimeout    time.Duration      `yaml:"webhook_timeout"`
	RedisURL          string             `yaml:"redis_url"`
	SendRatePerMinute int                `yaml:"send_rate_per_minute"`
	SES               delivery.SESConfig `yaml:"ses"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(dripDir(), "drip.db"),
		LogLevel:         "info",
		PoolSize:         10,
		BatchSize:        100,
		DispatchSchedule: "@every 1m",
		SendTimeout:      30 * time.Second,
		ActionTimeout:    15 * time.Second,
		ClaimLease:       5 * time.Minute,
		WebhookTimeout:   10 * time.Second,
	}
}

func dripDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drip"
	}
	return filepath.Join(home, ".drip")
}

func settingsPath() string {
	if v := os.Getenv("DRIP_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(dripDir(), "settings.yaml")
}

func loadConfig() (Config, error) {
	// .env only fills variables that are not already set.
	_ = godotenv.Load()

	cfg := defaultConfig()

	// Layer 2: settings.yaml (ignore if missing).
	path := settingsPath()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// validate rejects a claim lease that could expire while a step is still
// talking to a collaborator.
func (c Config) validate() error {
	budget := max(c.SendTimeout, c.ActionTimeout, c.WebhookTimeout)
	if c.ClaimLease < budget+engine.LeaseMargin {
		return fmt.Errorf("claim_lease %s must exceed the longest send/action timeout (%s) by at least %s",
			c.ClaimLease, budget, engine.LeaseMargin)
	}
	return nil
}

// applyEnv overlays DRIP_* variables. lookup is os.LookupEnv outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := cast.ToDurationE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("DRIP_DB_PATH", &cfg.DBPath)
	str("DRIP_LOG_LEVEL", &cfg.LogLevel)
	str("DRIP_DISPATCH_SCHEDULE", &cfg.DispatchSchedule)
	str("DRIP_REDIS_URL", &cfg.RedisURL)
	str("DRIP_SES_REGION", &cfg.SES.Region)
	str("DRIP_SES_ACCESS_KEY", &cfg.SES.AccessKey)
	str("DRIP_SES_SECRET_KEY", &cfg.SES.SecretKey)
	str("DRIP_SES_FROM_EMAIL", &cfg.SES.FromEmail)
	str("DRIP_SES_FROM_NAME", &cfg.SES.FromName)
	if v, ok := lookup("DRIP_LOG_JSON"); ok && v != "" {
		cfg.LogJSON = cast.ToBool(v)
	}
	if v, ok := lookup("DRIP_TENANTS"); ok && v != "" {
		cfg.Tenants = splitList(v)
	}

	for key, dst := range map[string]*int{
		"DRIP_POOL_SIZE":            &cfg.PoolSize,
		"DRIP_BATCH_SIZE":           &cfg.BatchSize,
		"DRIP_SEND_RATE_PER_MINUTE": &cfg.SendRatePerMinute,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"DRIP_SEND_TIMEOUT":    &cfg.SendTimeout,
		"DRIP_ACTION_TIMEOUT":  &cfg.ActionTimeout,
		"DRIP_CLAIM_LEASE":     &cfg.ClaimLease,
		"DRIP_WEBHOOK_TIMEOUT": &cfg.WebhookTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
