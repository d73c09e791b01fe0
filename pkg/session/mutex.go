package session

import (
	"sync"
	"time"
)

// StaleClaimTimeout is the age at which an unreleased claim is considered
// abandoned and may be taken over by a new holder.
const StaleClaimTimeout = 30 * time.Second

// ConnectionMutex is a single-holder claim on the host's BLE radio. It is
// not a mutual-exclusion fence for goroutines — it is a resource claim that
// survives across the coroutines that make up a Session's lifetime, and it
// recovers on its own if a holder crashes without releasing.
type ConnectionMutex struct {
	mu        sync.Mutex
	holder    string
	claimedAt time.Time
}

// NewConnectionMutex returns an unheld mutex.
func NewConnectionMutex() *ConnectionMutex {
	return &ConnectionMutex{}
}

// TryClaim succeeds if the mutex is unheld, or if the current holder's
// claim is older than StaleClaimTimeout. On success it records token as the
// new holder with a fresh claim time. It also returns true, without changing
// the claim time, when token already holds a claim that is not stale.
func (m *ConnectionMutex) TryClaim(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == "" || time.Since(m.claimedAt) > StaleClaimTimeout {
		m.holder = token
		m.claimedAt = time.Now()
		return true
	}
	return m.holder == token
}

// Refresh resets the claim time if token is the current holder. Sessions
// call this while demonstrably alive (on every write/receive) so a busy
// session is never mistaken for a stale one.
func (m *ConnectionMutex) Refresh(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == token {
		m.claimedAt = time.Now()
	}
}

// Release releases the claim only if token is the current holder. It
// returns false if some other token holds the claim.
func (m *ConnectionMutex) Release(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != token {
		return false
	}
	m.holder = ""
	m.claimedAt = time.Time{}
	return true
}

// ForceRelease unconditionally clears the claim, regardless of holder. Used
// by the zombie sweep and process shutdown.
func (m *ConnectionMutex) ForceRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holder = ""
	m.claimedAt = time.Time{}
}

// IsFree reports whether the mutex currently has no holder.
func (m *ConnectionMutex) IsFree() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.holder == ""
}

// Holder returns the current holder token, or "" if free. Exposed for the
// zombie sweep's stale-claim check.
func (m *ConnectionMutex) Holder() (token string, claimedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.holder, m.claimedAt
}
