// Package testutil provides shared helpers for handler and worker tests.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/tmarkov/reelvault/internal/config"
	"github.com/tmarkov/reelvault/internal/database"
)

// SetupTestDB creates an in-memory SQLite database for testing.
// The database is automatically closed when the test completes.
func SetupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	// IMPORTANT: Force single connection for in-memory databases.
	// Each connection in the pool gets its own separate :memory: database.
	db.SetMaxOpenConns(1)

	if err := database.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// SetupTestConfig creates a test configuration with temporary directories.
func SetupTestConfig(t testing.TB) *config.Config {
	t.Helper()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	cfg.Port = "8080"
	cfg.DBPath = ":memory:"
	cfg.DataDir = t.TempDir()
	cfg.DatabaseBackend = "sqlite"
	cfg.StorageBackend = "filesystem"
	cfg.ObjectDir = t.TempDir()
	cfg.SessionTTLHours = 24
	cfg.RetentionHours = 24
	cfg.ReaperIntervalMinutes = 60
	cfg.AssemblyStallMinutes = 30
	cfg.MaxFileSize = 1024 * 1024 * 1024
	cfg.MinChunkSize = 1 // tests use tiny chunks
	cfg.MaxChunkSize = 100 * 1024 * 1024
	cfg.MaxChunks = 10000
	cfg.MinFreeDiskBytes = 0 // disable the disk guard in tests
	cfg.RedisAddr = ""

	return cfg
}
