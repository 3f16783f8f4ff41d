// Package pgconn implements the connection registry (C8) and the request
// dispatch core (C11) that owns a shared backend connection across
// concurrent client requests, plus the Rows async iterator (C12).
// Grounded on original_source/server/connections.rs, pg/backend.rs, and
// pg/rows.rs.
package pgconn

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Connection is the minimal surface the registry needs from whatever it's
// tracking (a ClientConnection or BackendConnection).
type Connection interface {
	ID() uint32
	SetID(id uint32)
	LastActive() uint32
	Close()
}

// Registry is a fixed-capacity slot table of active connections, sized at
// 110% of the configured maximum so a uniformly-random probe almost always
// finds a free slot in O(1). Grounded on connections.rs's AtomicPtr array;
// translated to a mutex-guarded slice since Go has no safe lock-free
// CAS-on-interface without unsafe, and the teacher repo itself favors plain
// mutexes throughout.
type Registry[C Connection] struct {
	mu             sync.Mutex
	slots          []C
	timeoutSeconds uint32
	maxConnections uint32
	added          int64
	removed        int64
}

// NewRegistry returns a Registry sized for maxConnections concurrent
// connections. timeoutSeconds of 0 disables the idle sweep.
func NewRegistry[C Connection](maxConnections, timeoutSeconds uint32) *Registry[C] {
	size := int(float64(maxConnections) * 1.1)
	if size < 1 {
		size = 1
	}
	return &Registry[C]{
		slots:          make([]C, size),
		timeoutSeconds: timeoutSeconds,
		maxConnections: maxConnections,
	}
}

// Len returns the number of active connections at this moment. It may
// slightly overstate the true count under concurrent Add/Remove (added is
// incremented before removed catches up) but never understate it, matching
// the original's documented bias, which callers rely on to decide whether
// iterating is worth doing at all.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.added - r.removed)
}

// Add claims a free slot for a connection built by newConnection, assigning
// it a stable 1-based id. Returns an error if the registry is at capacity.
func (r *Registry[C]) Add(newConnection func() C) (C, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero C
	if r.added-r.removed >= int64(r.maxConnections) {
		return zero, fmt.Errorf("pgconn: reached connection limit of %d", r.maxConnections)
	}

	conn := newConnection()

	end := len(r.slots)
	mid := rand.IntN(end)
	i := (mid + 1) % end
	for i != mid {
		if isZero(r.slots[i]) {
			r.slots[i] = conn
			conn.SetID(uint32(i + 1))
			r.added++
			return conn, nil
		}
		i = (i + 1) % end
	}

	return zero, fmt.Errorf("pgconn: no free slot found despite capacity headroom")
}

// Remove frees the slot held by id. id must have come from a successful Add.
func (r *Registry[C]) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := int(id) - 1
	if idx < 0 || idx >= len(r.slots) || isZero(r.slots[idx]) {
		panic(fmt.Sprintf("pgconn: invalid connection id %d", id))
	}
	var zero C
	r.slots[idx] = zero
	r.removed++
}

// IterAll calls f for every active connection. It's read-only access used
// for statistics and the idle-timeout sweep; it holds the registry lock for
// its duration, so f must not call back into the registry. If f returns
// true, iteration stops early.
func (r *Registry[C]) IterAll(f func(C) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.added-r.removed == 0 {
		return
	}
	for _, c := range r.slots {
		if !isZero(c) && f(c) {
			return
		}
	}
}

// SweepIdle closes every connection whose LastActive timestamp is older
// than the registry's configured timeout, in coarse monotonic seconds. It
// is a no-op if no timeout was configured.
func (r *Registry[C]) SweepIdle(nowCoarseMonotonic uint32) {
	if r.timeoutSeconds == 0 {
		return
	}
	r.IterAll(func(c C) bool {
		if c.LastActive()+r.timeoutSeconds < nowCoarseMonotonic {
			c.Close()
		}
		return false
	})
}

func isZero[C Connection](c C) bool {
	var zero C
	return any(c) == any(zero)
}

// CoarseMonotonicNow returns the current time as whole seconds since the
// Unix epoch, the same coarse granularity used for BackendConnection's
// last-pooled timestamp and idle-timeout comparisons throughout the spec.
func CoarseMonotonicNow() uint32 {
	return uint32(time.Now().Unix())
}
