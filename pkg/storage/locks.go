package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redinklabs/redink-core/pkg/domain"
)

// keyedLocks provides one exclusive lock per key with bounded acquisition.
// Documents for different config types never share a lock.
type keyedLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{sems: make(map[string]chan struct{})}
}

// acquire takes the lock for key, waiting at most wait. It returns a
// release function on success and domain.ErrLockTimeout when the wait
// elapses; callers serving interactive requests surface that as a busy
// storage error rather than blocking indefinitely.
func (k *keyedLocks) acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k.mu.Lock()
	sem, ok := k.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		k.sems[key] = sem
	}
	k.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-timer.C:
		return nil, domain.ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
