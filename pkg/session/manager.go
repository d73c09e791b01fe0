package session

import (
	"time"

	"github.com/cornelk/hashmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/metrics"
)

// DefaultSweepInterval is how often Manager.sweep runs when driven by Run.
const DefaultSweepInterval = 30 * time.Second

// Manager is the process-wide keyed registry of Sessions. Registry
// mutations take a short critical section; connecting a Session's Transport
// never happens while that section is held.
type Manager struct {
	sessions *hashmap.Map[string, *Session]

	adapter   ble.Adapter
	log       *logger.Logger
	packetLog PacketLogger
	opts      Options

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// NewManager constructs an empty registry. adapter is the single BLE stack
// handle shared by every Session created through this Manager.
func NewManager(adapter ble.Adapter, log *logger.Logger, packetLog PacketLogger, opts Options) *Manager {
	return &Manager{
		sessions:      hashmap.New[string, *Session](),
		adapter:       adapter,
		log:           log,
		packetLog:     packetLog,
		opts:          opts,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
	}
}

// GetOrCreate resolves sessionID to a Session. If an entry exists with a
// compatible BleConfig it is reused. If an entry exists with a conflicting
// config, ErrBusy is returned — the Connection Mutex is the ultimate
// arbiter of exclusivity, so a conflicting config while the existing
// session is actively holding its claim can never be satisfied silently. If
// no entry exists but a session under another key is not IDLE, ErrBusy is
// returned. Otherwise a fresh Session is created with an unclaimed mutex
// token.
func (m *Manager) GetOrCreate(sessionID string, cfg ble.Config) (*Session, error) {
	if existing, ok := m.sessions.Get(sessionID); ok {
		if configsCompatible(existing.Config(), cfg) {
			return existing, nil
		}
		return nil, ErrBusy
	}

	busy := false
	m.sessions.Range(func(key string, other *Session) bool {
		if key != sessionID && other.State() != StateIdle {
			busy = true
			return false
		}
		return true
	})
	if busy {
		return nil, ErrBusy
	}

	s := New(sessionID, cfg, m.adapter, m.log, m.packetLog, m.opts, func(reason string) {
		m.sessions.Del(sessionID)
		metrics.SetActiveSessions(m.Count())
		m.log.Info("session removed", "session", sessionID, "reason", reason)
	})
	m.sessions.Set(sessionID, s)
	metrics.SetActiveSessions(m.Count())
	return s, nil
}

// configsCompatible reports whether two BleConfigs describe the same
// logical target. UUIDs are compared via bleuuid's normalized equality
// inside ble.Config's own fields, so plain equality here is sufficient once
// both configs have already been normalized by the caller.
func configsCompatible(a, b ble.Config) bool {
	return a.ServiceUUID == b.ServiceUUID &&
		a.WriteUUID == b.WriteUUID &&
		a.NotifyUUID == b.NotifyUUID &&
		a.DevicePrefix == b.DevicePrefix
}

// SetSweepInterval overrides the zombie-sweep cadence Run uses. Call before
// Run; Run reads the interval once when it starts, so changing it afterwards
// has no effect on the running loop.
func (m *Manager) SetSweepInterval(d time.Duration) {
	if d > 0 {
		m.sweepInterval = d
	}
}

// Get returns the session for sessionID, or nil if none exists.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	return m.sessions.Get(sessionID)
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	return int(m.sessions.Len())
}

// List returns a snapshot of every registered session ID.
func (m *Manager) List() []string {
	ids := make([]string, 0, m.sessions.Len())
	m.sessions.Range(func(key string, _ *Session) bool {
		ids = append(ids, key)
		return true
	})
	return ids
}

// Sweep classifies and reclaims zombie sessions: those stuck in EVICTING
// past their deadline, holding a stale mutex claim, or reporting
// unrecoverable listener pressure. Zombies are ordered by earliest
// lastActivityTs only (how long a session has been EVICTING is not tracked
// or considered, and the order of equal timestamps is not defined), then
// force-cleaned in that order; an occasional session that panics during cleanup is caught and
// downgraded to a second forceCleanup("sweep-error") rather than crashing
// the sweep loop.
func (m *Manager) Sweep() {
	now := time.Now()
	zombies := orderedmap.New[string, *Session]()

	m.sessions.Range(func(key string, s *Session) bool {
		if s.IsZombie(now) {
			zombies.Set(key, s)
		}
		return true
	})

	type candidate struct {
		id           string
		s            *Session
		lastActivity time.Time
	}
	ordered := make([]candidate, 0, zombies.Len())
	for pair := zombies.Oldest(); pair != nil; pair = pair.Next() {
		ordered = append(ordered, candidate{id: pair.Key, s: pair.Value, lastActivity: pair.Value.LastActivity()})
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].lastActivity.Before(ordered[i].lastActivity) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	for _, c := range ordered {
		m.cleanupWithRecover(c.s, "zombie")
	}
}

func (m *Manager) cleanupWithRecover(s *Session, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session: panic during cleanup, downgrading to sweep-error", "session", s.ID(), "panic", r)
			s.ForceCleanup("sweep-error")
		}
	}()
	s.ForceCleanup(reason)
}

// StopAll force-cleans every registered session; used on process shutdown.
func (m *Manager) StopAll() {
	var ids []string
	m.sessions.Range(func(key string, _ *Session) bool {
		ids = append(ids, key)
		return true
	})
	for _, id := range ids {
		if s, ok := m.sessions.Get(id); ok {
			s.ForceCleanup("shutdown")
		}
	}
}

// Run drives the periodic zombie sweep until ctx-equivalent Stop is called.
// It is started as its own goroutine by the caller (typically cmd/bled).
func (m *Manager) Run() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// Stop ends the Run loop.
func (m *Manager) Stop() {
	close(m.stopSweep)
}
