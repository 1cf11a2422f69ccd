package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/tmuxbridge/internal/db"
	"github.com/g960059/tmuxbridge/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "tmuxbridge-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedSession(t *testing.T, store *db.Store, ctx context.Context, name string, createdBy model.CreatedBy) model.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := model.Session{
		Name:           name,
		CreatedBy:      createdBy,
		LastActivityAt: &now,
		UpdatedAt:      now,
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}
