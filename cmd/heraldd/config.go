package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/herald"
)

// daemonConfig holds the process wiring that sits outside herald.Config.
type daemonConfig struct {
	ConfigPath string
	HTTPAddr   string

	Backend     string
	RedisURL    string
	PostgresURL string

	WebhookURL   string
	WebhookToken string

	KafkaBrokers []string
	KafkaTopic   string

	BillingURL      string
	BillingToken    string
	DunningSchedule string

	AuditLog bool

	ClientRate  float64
	ClientBurst int

	ShutdownTimeout time.Duration
}

func loadDaemonConfig() (daemonConfig, error) {
	cfg := daemonConfig{
		ConfigPath:      herald.EnvOrDefault("HERALD_CONFIG", ""),
		HTTPAddr:        herald.EnvOrDefault("HERALD_HTTP_ADDR", ":8080"),
		Backend:         strings.ToLower(herald.EnvOrDefault("HERALD_STORE", "memory")),
		RedisURL:        herald.EnvOrDefault("HERALD_REDIS_URL", "redis://localhost:6379/0"),
		PostgresURL:     herald.EnvOrDefault("HERALD_POSTGRES_URL", ""),
		WebhookURL:      herald.EnvOrDefault("HERALD_WEBHOOK_URL", ""),
		WebhookToken:    herald.EnvOrDefault("HERALD_WEBHOOK_TOKEN", ""),
		KafkaBrokers:    splitCSV(herald.EnvOrDefault("HERALD_KAFKA_BROKERS", "")),
		KafkaTopic:      herald.EnvOrDefault("HERALD_KAFKA_TOPIC", "herald.events"),
		BillingURL:      herald.EnvOrDefault("HERALD_BILLING_URL", ""),
		BillingToken:    herald.EnvOrDefault("HERALD_BILLING_TOKEN", ""),
		DunningSchedule: herald.EnvOrDefault("HERALD_DUNNING_SCHEDULE", "@every 5m"),
		ClientBurst:     100,
		ClientRate:      50,
		ShutdownTimeout: 30 * time.Second,
	}

	var err error
	if v := herald.EnvOrDefault("HERALD_AUDIT_LOG", ""); v != "" {
		if cfg.AuditLog, err = strconv.ParseBool(v); err != nil {
			return daemonConfig{}, fmt.Errorf("HERALD_AUDIT_LOG: invalid value %q", v)
		}
	}
	if v := herald.EnvOrDefault("HERALD_CLIENT_RATE", ""); v != "" {
		if cfg.ClientRate, err = strconv.ParseFloat(v, 64); err != nil || cfg.ClientRate < 0 {
			return daemonConfig{}, fmt.Errorf("HERALD_CLIENT_RATE: invalid value %q", v)
		}
	}
	if v := herald.EnvOrDefault("HERALD_CLIENT_BURST", ""); v != "" {
		if cfg.ClientBurst, err = strconv.Atoi(v); err != nil || cfg.ClientBurst < 1 {
			return daemonConfig{}, fmt.Errorf("HERALD_CLIENT_BURST: invalid value %q", v)
		}
	}
	if v := herald.EnvOrDefault("HERALD_SHUTDOWN_TIMEOUT", ""); v != "" {
		if cfg.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return daemonConfig{}, fmt.Errorf("HERALD_SHUTDOWN_TIMEOUT: %w", err)
		}
	}

	switch cfg.Backend {
	case "memory", "redis":
	case "postgres":
		if cfg.PostgresURL == "" {
			return daemonConfig{}, errors.New("HERALD_POSTGRES_URL is required for the postgres store")
		}
	default:
		return daemonConfig{}, fmt.Errorf("HERALD_STORE: unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
