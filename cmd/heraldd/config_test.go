package main

import (
	"slices"
	"testing"
	"time"
)

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	cfg, err := loadDaemonConfig()
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.Backend != "memory" || cfg.HTTPAddr != ":8080" {
		t.Errorf("backend %q addr %q", cfg.Backend, cfg.HTTPAddr)
	}
	if cfg.ClientRate != 50 || cfg.ClientBurst != 100 {
		t.Errorf("client rate %v burst %d", cfg.ClientRate, cfg.ClientBurst)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadDaemonConfig_Env(t *testing.T) {
	t.Setenv("HERALD_STORE", "Postgres")
	t.Setenv("HERALD_POSTGRES_URL", "postgres://localhost/herald")
	t.Setenv("HERALD_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HERALD_CLIENT_RATE", "2.5")
	t.Setenv("HERALD_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := loadDaemonConfig()
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if !slices.Equal(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.ClientRate != 2.5 || cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("rate %v timeout %v", cfg.ClientRate, cfg.ShutdownTimeout)
	}
}

func TestLoadDaemonConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"HERALD_STORE": "mongo"}},
		{name: "postgres without url", env: map[string]string{"HERALD_STORE": "postgres"}},
		{name: "bad rate", env: map[string]string{"HERALD_CLIENT_RATE": "fast"}},
		{name: "zero burst", env: map[string]string{"HERALD_CLIENT_BURST": "0"}},
		{name: "bad audit flag", env: map[string]string{"HERALD_AUDIT_LOG": "maybe"}},
		{name: "bad timeout", env: map[string]string{"HERALD_SHUTDOWN_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadDaemonConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
