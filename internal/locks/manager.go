// Package locks serializes interactive control of a session. One lock per
// session name; expiry reclaims locks left behind by a crashed holder.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/tmuxbridge/internal/db"
	"github.com/g960059/tmuxbridge/internal/model"
)

// BusyError reports a lock held by another caller, with an estimate of how
// long until expiry frees it.
type BusyError struct {
	SessionName string
	Holder      string
	Wait        time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session %s is busy (held by %s, ~%s until expiry)", e.SessionName, e.Holder, e.Wait.Round(time.Second))
}

type Manager struct {
	store   *db.Store
	timeout time.Duration
	now     func() time.Time
}

func NewManager(store *db.Store, timeout time.Duration) *Manager {
	return &Manager{store: store, timeout: timeout, now: time.Now}
}

// Acquire claims the lock for sessionName or returns *BusyError. Expired
// locks are purged as part of the claim itself; there is no background
// sweeper. Atomicity rests on the store's uniqueness constraint.
func (m *Manager) Acquire(ctx context.Context, sessionName, holder string) (model.Lock, error) {
	now := m.now().UTC()
	lock := model.Lock{
		SessionName: sessionName,
		Holder:      holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.timeout),
	}
	err := m.store.InsertLock(ctx, lock)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, db.ErrDuplicate) {
		return model.Lock{}, err
	}
	existing, getErr := m.store.GetLock(ctx, sessionName)
	if getErr != nil {
		// Holder released between our insert and read; report minimal wait.
		return model.Lock{}, &BusyError{SessionName: sessionName, Wait: time.Second}
	}
	wait := existing.ExpiresAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return model.Lock{}, &BusyError{SessionName: sessionName, Holder: existing.Holder, Wait: wait}
}

// Release drops the lock. Safe to call when no lock exists.
func (m *Manager) Release(ctx context.Context, sessionName string) error {
	return m.store.DeleteLock(ctx, sessionName)
}

// Current returns the non-expired lock for sessionName, or nil. Expired
// rows found along the way are purged.
func (m *Manager) Current(ctx context.Context, sessionName string) (*model.Lock, error) {
	now := m.now().UTC()
	if err := m.store.PurgeExpiredLocks(ctx, now); err != nil {
		return nil, err
	}
	lock, err := m.store.GetLock(ctx, sessionName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
