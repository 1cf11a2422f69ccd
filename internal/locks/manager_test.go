package locks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/g960059/tmuxbridge/internal/testutil"
)

func TestAcquireAndRelease(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	m := NewManager(store, time.Minute)

	lock, err := m.Acquire(ctx, "s", "holder-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock.Holder != "holder-1" {
		t.Fatalf("holder = %q", lock.Holder)
	}
	if got := lock.ExpiresAt.Sub(lock.AcquiredAt); got != time.Minute {
		t.Fatalf("lease = %s, want 1m", got)
	}

	if err := m.Release(ctx, "s"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "s", "holder-2"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestAcquireBusy(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	m := NewManager(store, time.Minute)

	if _, err := m.Acquire(ctx, "s", "holder-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := m.Acquire(ctx, "s", "holder-2")
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("err = %v, want *BusyError", err)
	}
	if busy.Holder != "holder-1" {
		t.Fatalf("busy holder = %q", busy.Holder)
	}
	if busy.Wait < time.Second || busy.Wait > time.Minute {
		t.Fatalf("wait = %s, want within (1s, lease]", busy.Wait)
	}

	// A different session is unaffected.
	if _, err := m.Acquire(ctx, "other", "holder-2"); err != nil {
		t.Fatalf("acquire other session: %v", err)
	}
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	m := NewManager(store, time.Minute)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	if _, err := m.Acquire(ctx, "s", "crashed"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	lock, err := m.Acquire(ctx, "s", "successor")
	if err != nil {
		t.Fatalf("acquire over expired: %v", err)
	}
	if lock.Holder != "successor" {
		t.Fatalf("holder = %q", lock.Holder)
	}
}

func TestCurrent(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	m := NewManager(store, time.Minute)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	lock, err := m.Current(ctx, "s")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if lock != nil {
		t.Fatalf("lock = %+v, want nil", lock)
	}

	if _, err := m.Acquire(ctx, "s", "h"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lock, err = m.Current(ctx, "s")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if lock == nil || lock.Holder != "h" {
		t.Fatalf("lock = %+v", lock)
	}

	// Past expiry the lock is purged on read.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	lock, err = m.Current(ctx, "s")
	if err != nil {
		t.Fatalf("current after expiry: %v", err)
	}
	if lock != nil {
		t.Fatalf("expired lock still reported: %+v", lock)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	m := NewManager(store, time.Minute)

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(ctx, "s", "holder")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var busy *BusyError
			if !errors.As(err, &busy) {
				t.Fatalf("contender %d: unexpected error %v", i, err)
			}
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}
