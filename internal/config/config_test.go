package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DatabaseBackend != "sqlite" {
		t.Errorf("DatabaseBackend = %q, want sqlite", cfg.DatabaseBackend)
	}
	if cfg.SessionTTLHours != 24 {
		t.Errorf("SessionTTLHours = %d, want 24", cfg.SessionTTLHours)
	}
	if cfg.MinChunkSize != 1048576 {
		t.Errorf("MinChunkSize = %d, want 1048576", cfg.MinChunkSize)
	}
	if cfg.StorageBackend != "filesystem" {
		t.Errorf("StorageBackend = %q, want filesystem", cfg.StorageBackend)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_TTL_HOURS", "48")
	t.Setenv("S3_PATH_STYLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.SessionTTLHours != 48 {
		t.Errorf("SessionTTLHours = %d, want 48", cfg.SessionTTLHours)
	}
	if !cfg.S3PathStyle {
		t.Error("S3PathStyle should be true")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty port",
			mutate:  func(c *Config) { c.Port = "" },
			wantErr: "PORT",
		},
		{
			name:    "unknown database backend",
			mutate:  func(c *Config) { c.DatabaseBackend = "mysql" },
			wantErr: "DATABASE_BACKEND",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.DatabaseBackend = "postgres"; c.PostgresURL = "" },
			wantErr: "POSTGRES_URL",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *Config) { c.SessionTTLHours = 0 },
			wantErr: "SESSION_TTL_HOURS",
		},
		{
			name:    "max chunk below min",
			mutate:  func(c *Config) { c.MaxChunkSize = c.MinChunkSize - 1 },
			wantErr: "MAX_CHUNK_SIZE",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.StorageBackend = "s3"; c.S3Bucket = "" },
			wantErr: "S3_BUCKET",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.StorageBackend = "tape" },
			wantErr: "STORAGE_BACKEND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			tt.mutate(cfg)
			err = cfg.validate()
			if err == nil {
				t.Fatal("validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}
