package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/logger"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	adapter := &stubAdapter{
		result: ble.ScanResult{
			Address:      "AA:BB:CC:DD:EE:FF",
			LocalName:    "widget-1",
			ServiceUUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
		},
		peripheral: &stubPeripheral{chars: map[string]ble.Characteristic{}},
	}
	return NewManager(adapter, log, nil, Options{
		GracePeriod:   50 * time.Millisecond,
		IdleTimeout:   time.Hour,
		EvictionGrace: 50 * time.Millisecond,
		ConnectWindow: 2 * time.Second,
	})
}

func testCfg() ble.Config {
	return ble.Config{
		ServiceUUID:       "0000180d-0000-1000-8000-00805f9b34fb",
		Timeout:           2 * time.Second,
		OnMultipleDevices: ble.PolicyFirst,
	}
}

func TestManagerGetOrCreateReusesSession(t *testing.T) {
	m := testManager(t)

	s1, err := m.GetOrCreate("sess-1", testCfg())
	require.NoError(t, err, "GetOrCreate failed")
	s2, err := m.GetOrCreate("sess-1", testCfg())
	require.NoError(t, err, "second GetOrCreate failed")
	assert.Same(t, s1, s2, "expected the same Session instance on repeated GetOrCreate with matching config")
	assert.Equal(t, 1, m.Count())
}

func TestManagerGetOrCreateConflictingConfigIsBusy(t *testing.T) {
	m := testManager(t)

	_, err := m.GetOrCreate("sess-1", testCfg())
	require.NoError(t, err, "GetOrCreate failed")

	conflicting := testCfg()
	conflicting.DevicePrefix = "other-"

	_, err = m.GetOrCreate("sess-1", conflicting)
	assert.ErrorIs(t, err, ErrBusy, "expected ErrBusy for a conflicting config under the same key")
}

func TestManagerRemovalOnForceCleanup(t *testing.T) {
	m := testManager(t)

	s, err := m.GetOrCreate("sess-1", testCfg())
	require.NoError(t, err, "GetOrCreate failed")
	s.Attach(context.Background(), "sock1")

	s.ForceCleanup("test")

	_, ok := m.Get("sess-1")
	assert.False(t, ok, "expected session to be removed from the registry after force cleanup")
	assert.Equal(t, 0, m.Count())
}

func TestManagerStopAllCleansEverySession(t *testing.T) {
	m := testManager(t)

	m.GetOrCreate("sess-1", testCfg())
	m.GetOrCreate("sess-2", testCfg())

	m.StopAll()

	assert.Equal(t, 0, m.Count(), "expected 0 sessions after StopAll")
}

func TestManagerSweepReclaimsStaleMutexZombie(t *testing.T) {
	m := testManager(t)

	s, err := m.GetOrCreate("sess-1", testCfg())
	require.NoError(t, err, "GetOrCreate failed")
	s.Attach(context.Background(), "sock1")

	s.claim.mu.Lock()
	s.claim.claimedAt = time.Now().Add(-StaleClaimTimeout - time.Second)
	s.claim.mu.Unlock()

	m.Sweep()

	_, ok := m.Get("sess-1")
	assert.False(t, ok, "expected sweep to reclaim a session with a stale mutex claim")
}
