package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "MASTERFLOW_STORE", "MASTERFLOW_LOCK_TIMEOUT_MS", "MASTERFLOW_MAJORITY_RULE", "REDIS_URL", "MINIO_USE_SSL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" || cfg.Store != StorePostgres {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LockTimeout != 2*time.Second || cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: lock=%v store=%v", cfg.LockTimeout, cfg.StoreTimeout)
	}
	if cfg.RedisURL != "" || cfg.MinioUseSSL {
		t.Fatalf("optional integrations should be off by default: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MASTERFLOW_STORE", "memory")
	t.Setenv("MASTERFLOW_LOCK_TIMEOUT_MS", "250")
	t.Setenv("MASTERFLOW_STORE_TIMEOUT_MS", "not-a-number")
	t.Setenv("MASTERFLOW_MAJORITY_RULE", "STRICT")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := Load()
	if cfg.Store != StoreMemory || cfg.LockTimeout != 250*time.Millisecond || !cfg.MinioUseSSL {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("invalid int should fall back, got %v", cfg.StoreTimeout)
	}
	threshold, err := cfg.MajorityThreshold()
	if err != nil {
		t.Fatalf("MajorityThreshold() error = %v", err)
	}
	if threshold(4) != 3 {
		t.Fatalf("strict majority of 4 should be 3, got %d", threshold(4))
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "sqlite" }, wantErr: true},
		{name: "unknown majority rule", mutate: func(c *Config) { c.MajorityRule = "half" }, wantErr: true},
		{name: "missing secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Store: StoreMemory, MajorityRule: "ceil", JWTSecret: "secret"}
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
