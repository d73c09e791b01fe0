package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionMutexClaimReleaseClaim(t *testing.T) {
	m := NewConnectionMutex()

	require.True(t, m.TryClaim("t1"), "expected first claim to succeed")
	assert.False(t, m.TryClaim("t2"), "expected second claim by a different token to fail while t1 holds")
	require.True(t, m.Release("t1"), "expected release by the holder to succeed")
	assert.True(t, m.IsFree(), "expected mutex to be free after release")
	assert.True(t, m.TryClaim("t1"), "expected re-claim after release to succeed")
}

func TestConnectionMutexReleaseWrongToken(t *testing.T) {
	m := NewConnectionMutex()
	m.TryClaim("t1")

	assert.False(t, m.Release("t2"), "expected release by a non-holder to fail")
	assert.False(t, m.IsFree(), "expected mutex to remain held")
}

func TestConnectionMutexStaleClaimRecovered(t *testing.T) {
	m := NewConnectionMutex()
	m.TryClaim("crashed")
	m.mu.Lock()
	m.claimedAt = time.Now().Add(-StaleClaimTimeout - time.Second)
	m.mu.Unlock()

	require.True(t, m.TryClaim("rescuer"), "expected stale claim to be reclaimable")
	holder, _ := m.Holder()
	assert.Equal(t, "rescuer", holder, "expected rescuer to hold the mutex")
}

func TestConnectionMutexForceRelease(t *testing.T) {
	m := NewConnectionMutex()
	m.TryClaim("t1")
	m.ForceRelease()

	assert.True(t, m.IsFree(), "expected force release to always free the mutex")
	assert.True(t, m.TryClaim("t2"), "expected claim after force release to succeed")
}

func TestConnectionMutexRefreshExtendsClaim(t *testing.T) {
	m := NewConnectionMutex()
	m.TryClaim("t1")
	m.mu.Lock()
	m.claimedAt = time.Now().Add(-StaleClaimTimeout + time.Second)
	m.mu.Unlock()

	m.Refresh("t1")

	assert.False(t, m.TryClaim("t2"), "expected refreshed claim to not be stale")
}
