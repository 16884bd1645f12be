// Package lock guarantees at most one fix loop per project across
// processes, using a conditional update on the project row.
package lock

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// DefaultStaleAfter is how long a lock may be held before another run may
// take it over. It must exceed the longest possible run.
const DefaultStaleAfter = 45 * time.Minute

// Store is the persistence the manager needs.
type Store interface {
	TryLockProject(ctx context.Context, projectID, owner string, staleBefore time.Time) (bool, error)
	UnlockProject(ctx context.Context, projectID, owner string) error
	ForceUnlockProject(ctx context.Context, projectID string) error
}

// Manager acquires and releases project locks on behalf of one process.
type Manager struct {
	store      Store
	owner      string
	staleAfter time.Duration
	now        func() time.Time
	seq        atomic.Uint64
}

// NewManager creates a Manager. An empty owner defaults to host:pid and a
// zero staleAfter to DefaultStaleAfter.
func NewManager(store Store, owner string, staleAfter time.Duration) *Manager {
	if owner == "" {
		owner = DefaultOwner()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{store: store, owner: owner, staleAfter: staleAfter, now: time.Now}
}

// DefaultOwner identifies this process in lock metadata.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Owner returns the identity written into acquired locks.
func (m *Manager) Owner() string {
	return m.owner
}

// Lease is one held project lock. Its owner token is unique per
// acquisition, so releasing a lease that was taken over leaves the new
// holder's lock in place.
type Lease struct {
	store     Store
	ProjectID string
	Owner     string
}

// Release clears the lock if this lease still holds it. It is safe to call
// more than once and on a nil lease.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.store.UnlockProject(ctx, l.ProjectID, l.Owner); err != nil {
		return fmt.Errorf("release lock for %s: %w", l.ProjectID, err)
	}
	return nil
}

// Acquire reports whether the caller now holds the project's lock and
// returns the lease to release it with.
func (m *Manager) Acquire(ctx context.Context, projectID string) (*Lease, bool, error) {
	owner := fmt.Sprintf("%s#%d", m.owner, m.seq.Add(1))
	ok, err := m.store.TryLockProject(ctx, projectID, owner, m.now().Add(-m.staleAfter))
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock for %s: %w", projectID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{store: m.store, ProjectID: projectID, Owner: owner}, true, nil
}

// ForceRelease clears the project's lock whoever holds it. It is meant for
// an operator clearing a lock left by a dead process.
func (m *Manager) ForceRelease(ctx context.Context, projectID string) error {
	if err := m.store.ForceUnlockProject(ctx, projectID); err != nil {
		return fmt.Errorf("force release lock for %s: %w", projectID, err)
	}
	return nil
}
