package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	Port    string
	DBPath  string // SQLite database path (ignored when DatabaseBackend is postgres)
	DataDir string // Root directory for transient chunk storage

	DatabaseBackend string // "sqlite" or "postgres"
	PostgresURL     string // Connection string, required for postgres backend
	PostgresMaxConn int

	SessionTTLHours       int   // Fixed TTL applied at session creation
	RetentionHours        int   // How long terminal sessions are kept for status queries
	ReaperIntervalMinutes int   // Interval of the expiry/cleanup sweep
	AssemblyStallMinutes  int   // Age before an assembling session is considered stuck
	MaxFileSize           int64 // Maximum total_size accepted at session creation
	MinChunkSize          int64
	MaxChunkSize          int64
	MaxChunks             int // Upper bound on total_chunks (DoS guard)
	MinFreeDiskBytes      int64

	StorageBackend string // "s3" or "filesystem"

	// S3 object store settings
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathStyle       bool

	// Filesystem object store settings
	ObjectDir     string
	ObjectBaseURL string

	SignedURLTTLMinutes int

	RedisAddr     string // Optional: cross-process progress fan-out
	RedisPassword string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:    getEnv("PORT", "8080"),
		DBPath:  getEnv("DB_PATH", "./reelvault.db"),
		DataDir: getEnv("DATA_DIR", "./data"),

		DatabaseBackend: getEnv("DATABASE_BACKEND", "sqlite"),
		PostgresURL:     getEnv("POSTGRES_URL", ""),
		PostgresMaxConn: getEnvInt("POSTGRES_MAX_CONNS", 25),

		SessionTTLHours:       getEnvInt("SESSION_TTL_HOURS", 24),
		RetentionHours:        getEnvInt("RETENTION_HOURS", 24),
		ReaperIntervalMinutes: getEnvInt("REAPER_INTERVAL_MINUTES", 30),
		AssemblyStallMinutes:  getEnvInt("ASSEMBLY_STALL_MINUTES", 30),
		MaxFileSize:           getEnvInt64("MAX_FILE_SIZE", 10*1024*1024*1024), // 10GB default
		MinChunkSize:          getEnvInt64("MIN_CHUNK_SIZE", 1048576),          // 1MB
		MaxChunkSize:          getEnvInt64("MAX_CHUNK_SIZE", 104857600),        // 100MB
		MaxChunks:             getEnvInt("MAX_CHUNKS", 10000),
		MinFreeDiskBytes:      getEnvInt64("MIN_FREE_DISK_BYTES", 1024*1024*1024), // 1GB

		StorageBackend: getEnv("STORAGE_BACKEND", "filesystem"),

		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PathStyle:       getEnvBool("S3_PATH_STYLE", false),

		ObjectDir:     getEnv("OBJECT_DIR", "./objects"),
		ObjectBaseURL: getEnv("OBJECT_BASE_URL", ""),

		SignedURLTTLMinutes: getEnvInt("SIGNED_URL_TTL_MINUTES", 60),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures configuration values are sensible
func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}

	switch c.DatabaseBackend {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("DATABASE_BACKEND must be \"sqlite\" or \"postgres\", got %q", c.DatabaseBackend)
	}

	if c.SessionTTLHours <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be positive, got %d", c.SessionTTLHours)
	}

	if c.RetentionHours < 0 {
		return fmt.Errorf("RETENTION_HOURS cannot be negative, got %d", c.RetentionHours)
	}

	if c.ReaperIntervalMinutes <= 0 {
		return fmt.Errorf("REAPER_INTERVAL_MINUTES must be positive, got %d", c.ReaperIntervalMinutes)
	}

	if c.AssemblyStallMinutes <= 0 {
		return fmt.Errorf("ASSEMBLY_STALL_MINUTES must be positive, got %d", c.AssemblyStallMinutes)
	}

	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}

	if c.MinChunkSize <= 0 {
		return fmt.Errorf("MIN_CHUNK_SIZE must be positive, got %d", c.MinChunkSize)
	}

	if c.MaxChunkSize < c.MinChunkSize {
		return fmt.Errorf("MAX_CHUNK_SIZE (%d) cannot be below MIN_CHUNK_SIZE (%d)", c.MaxChunkSize, c.MinChunkSize)
	}

	if c.MaxChunks <= 0 {
		return fmt.Errorf("MAX_CHUNKS must be positive, got %d", c.MaxChunks)
	}

	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	case "filesystem":
		if c.ObjectDir == "" {
			return fmt.Errorf("OBJECT_DIR cannot be empty")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"s3\" or \"filesystem\", got %q", c.StorageBackend)
	}

	if c.SignedURLTTLMinutes <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL_MINUTES must be positive, got %d", c.SignedURLTTLMinutes)
	}

	return nil
}

// SessionTTL is a convenience accessor used at session creation.
func (c *Config) SessionTTL() int {
	return c.SessionTTLHours
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves an environment variable as int64 or returns a default value
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as bool or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
