// Package storagetest opens throwaway gateways for tests.
package storagetest

import (
	"context"
	"testing"

	"memochat/internal/config"
	"memochat/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

// NewSQLite returns a gateway over a migrated in-memory sqlite database that
// is closed when the test ends.
func NewSQLite(t testing.TB) *storage.Gateway {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			storage.DialectSQLite: {DSN: ":memory:"},
		},
	}
	db, err := storage.Open(storage.DialectSQLite, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, storage.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewGateway(db, storage.DialectSQLite)
}

// SeedUser registers identity with password and fails the test on error.
func SeedUser(t testing.TB, gw *storage.Gateway, identity, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := gw.CreateUser(context.Background(), identity, string(hash)); err != nil {
		t.Fatalf("create user %s: %v", identity, err)
	}
}

// SeedThread registers a thread for owner and fails the test on error.
func SeedThread(t testing.TB, gw *storage.Gateway, threadID, name, owner string) {
	t.Helper()
	if err := gw.CreateOrRenameThread(context.Background(), threadID, name, owner); err != nil {
		t.Fatalf("create thread %s: %v", threadID, err)
	}
}
