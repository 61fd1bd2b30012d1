package intermediary

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// LockMap serializes side effects per swap identifier. Locks carry a bounded
// lease: a holder that never releases (crash, hung RPC) loses the lock once
// the lease expires, so the watchdog can reclaim the swap.
type LockMap struct {
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]*lease
}

type lease struct {
	token   uint64
	expires time.Time
}

// Unlock releases one acquired lock. Releasing after the lease was reclaimed
// is a no-op.
type Unlock struct {
	m     *LockMap
	key   string
	token uint64
}

// NewLockMap creates an empty lock map.
func NewLockMap(clk clock.Clock) *LockMap {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &LockMap{clock: clk, locks: make(map[string]*lease)}
}

// TryLock acquires the lock for key with the given lease duration. Returns
// nil when the lock is contested and its lease has not yet expired; callers
// skip the swap and let the watchdog retry.
func (m *LockMap) TryLock(key string, leaseDuration time.Duration) *Unlock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if held, ok := m.locks[key]; ok && now.Before(held.expires) {
		return nil
	}

	var token uint64
	if held, ok := m.locks[key]; ok {
		token = held.token + 1
	}
	m.locks[key] = &lease{token: token, expires: now.Add(leaseDuration)}
	return &Unlock{m: m, key: key, token: token}
}

// Release gives the lock back. Only the current lease holder's release has
// any effect.
func (u *Unlock) Release() {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()

	if held, ok := u.m.locks[u.key]; ok && held.token == u.token {
		delete(u.m.locks, u.key)
	}
}
