package db_test

import (
	"errors"
	"testing"
	"time"

	"github.com/g960059/tmuxbridge/internal/db"
	"github.com/g960059/tmuxbridge/internal/model"
	"github.com/g960059/tmuxbridge/internal/testutil"
)

func TestUpsertAndGetSession(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	markedAt := now.Add(-time.Minute)
	sess := model.Session{
		Name:           "agent-1",
		WorkDir:        "/work",
		CreatedBy:      model.CreatedByBridge,
		Owned:          true,
		MarkedForExit:  true,
		MarkedAt:       &markedAt,
		LastActivityAt: &now,
		UpdatedAt:      now,
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetSession(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkDir != "/work" || got.CreatedBy != model.CreatedByBridge || !got.Owned || !got.MarkedForExit {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.MarkedAt == nil || !got.MarkedAt.Equal(markedAt) {
		t.Fatalf("MarkedAt = %v, want %v", got.MarkedAt, markedAt)
	}
	if got.LastActivityAt == nil || !got.LastActivityAt.Equal(now) {
		t.Fatalf("LastActivityAt = %v, want %v", got.LastActivityAt, now)
	}
}

func TestUpsertSessionOverwrites(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedSession(t, store, ctx, "s", model.CreatedByExternal)

	if err := store.UpsertSession(ctx, model.Session{Name: "s", WorkDir: "/new", CreatedBy: model.CreatedByExternal}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetSession(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkDir != "/new" {
		t.Fatalf("WorkDir = %q, want /new", got.WorkDir)
	}
}

func TestUpsertSessionDefaultsCreatedBy(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	if err := store.UpsertSession(ctx, model.Session{Name: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetSession(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CreatedBy != model.CreatedByExternal {
		t.Fatalf("CreatedBy = %q, want external default", got.CreatedBy)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsOrdered(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedSession(t, store, ctx, "b", model.CreatedByExternal)
	testutil.SeedSession(t, store, ctx, "a", model.CreatedByBridge)

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Name != "a" || sessions[1].Name != "b" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestSetOwnedSingleOwner(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedSession(t, store, ctx, "a", model.CreatedByBridge)
	testutil.SeedSession(t, store, ctx, "b", model.CreatedByBridge)
	now := time.Now().UTC()

	if err := store.SetOwned(ctx, "a", true, now); err != nil {
		t.Fatalf("own a: %v", err)
	}
	if err := store.SetOwned(ctx, "b", true, now); err != nil {
		t.Fatalf("own b: %v", err)
	}

	a, err := store.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := store.GetSession(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if a.Owned {
		t.Fatalf("a still owned after b took ownership")
	}
	if !b.Owned {
		t.Fatalf("b not owned")
	}
}

func TestSetOwnedMissingSession(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	if err := store.SetOwned(ctx, "missing", true, time.Now().UTC()); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetMarkedForExit(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedSession(t, store, ctx, "s", model.CreatedByBridge)
	now := time.Now().UTC()

	if err := store.SetMarkedForExit(ctx, "s", true, now); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, err := store.GetSession(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.MarkedForExit || got.MarkedAt == nil {
		t.Fatalf("mark not persisted: %+v", got)
	}

	if err := store.SetMarkedForExit(ctx, "s", false, now); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	got, err = store.GetSession(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MarkedForExit || got.MarkedAt != nil {
		t.Fatalf("unmark did not clear: %+v", got)
	}

	if err := store.SetMarkedForExit(ctx, "missing", true, now); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTouchActivity(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedSession(t, store, ctx, "s", model.CreatedByExternal)
	later := time.Now().UTC().Add(time.Hour)

	if err := store.TouchActivity(ctx, "s", later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := store.GetSession(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastActivityAt == nil || !got.LastActivityAt.Equal(later) {
		t.Fatalf("LastActivityAt = %v, want %v", got.LastActivityAt, later)
	}

	// Touching a missing session is a no-op, not an error.
	if err := store.TouchActivity(ctx, "missing", later); err != nil {
		t.Fatalf("touch missing: %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedSession(t, store, ctx, "s", model.CreatedByBridge)

	if err := store.DeleteSession(ctx, "s"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSession(ctx, "s"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.DeleteSession(ctx, "s"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestInsertLockDuplicate(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	lock := model.Lock{SessionName: "s", Holder: "h1", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.InsertLock(ctx, lock); err != nil {
		t.Fatalf("insert: %v", err)
	}

	lock.Holder = "h2"
	if err := store.InsertLock(ctx, lock); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	got, err := store.GetLock(ctx, "s")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if got.Holder != "h1" {
		t.Fatalf("losing insert replaced holder: %+v", got)
	}
}

func TestInsertLockPurgesExpiredHolder(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	base := time.Now().UTC()
	stale := model.Lock{SessionName: "s", Holder: "dead", AcquiredAt: base.Add(-2 * time.Minute), ExpiresAt: base.Add(-time.Minute)}
	if err := store.InsertLock(ctx, stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}

	fresh := model.Lock{SessionName: "s", Holder: "live", AcquiredAt: base, ExpiresAt: base.Add(time.Minute)}
	if err := store.InsertLock(ctx, fresh); err != nil {
		t.Fatalf("insert over expired: %v", err)
	}
	got, err := store.GetLock(ctx, "s")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if got.Holder != "live" {
		t.Fatalf("holder = %q, want live", got.Holder)
	}
}

func TestDeleteLockIdempotent(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	if err := store.InsertLock(ctx, model.Lock{SessionName: "s", Holder: "h", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.DeleteLock(ctx, "s"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteLock(ctx, "s"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.GetLock(ctx, "s"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPurgeExpiredLocksKeepsLive(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	expired := model.Lock{SessionName: "old", Holder: "h", AcquiredAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute)}
	live := model.Lock{SessionName: "new", Holder: "h", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.InsertLock(ctx, expired); err != nil {
		t.Fatalf("insert expired: %v", err)
	}
	if err := store.InsertLock(ctx, live); err != nil {
		t.Fatalf("insert live: %v", err)
	}

	if err := store.PurgeExpiredLocks(ctx, now); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := store.GetLock(ctx, "old"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expired lock survived purge")
	}
	if _, err := store.GetLock(ctx, "new"); err != nil {
		t.Fatalf("live lock purged: %v", err)
	}
}
