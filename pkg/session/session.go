package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/metrics"
	"github.com/commatea/ble-bridge/pkg/packetlog"
)

// ErrBusy is returned from Attach when the session is in EVICTING and
// cannot accept a new socket, and from Manager.GetOrCreate when the
// caller's BleConfig conflicts with an existing session's claim or another
// session key is not IDLE.
var ErrBusy = errors.New("session: another connection is active")

// EventType distinguishes the two things a Session ever pushes to an
// attached socket.
type EventType string

const (
	EventData         EventType = "data"
	EventDisconnected EventType = "disconnected"
)

// Event is the typed publish/subscribe message a Session hands to every
// attached socket's receive channel. This replaces the emitter-tree
// (Session.emit("data"/"disconnected"), handler.on(...)) pattern with one
// sender per Session and one receiver per attached socket; a detaching
// socket just stops reading, no explicit unsubscribe bookkeeping needed
// beyond closing its channel.
type Event struct {
	Type EventType
	Data []byte
}

// PacketLogger is the subset of the packet log the Session needs. Session
// does not own the ring buffer; it only appends to it and keeps its
// connection snapshot current.
type PacketLogger interface {
	Append(direction string, sessionID string, data []byte)
	UpdateSnapshot(snap packetlog.ConnectionSnapshot)
}

const (
	DirectionTX = "TX"
	DirectionRX = "RX"
)

// Timing defaults, all overridable via Options.
const (
	DefaultGracePeriod        = 5 * time.Second
	DefaultIdleTimeout        = 45 * time.Second
	DefaultEvictionGrace      = 5 * time.Second
	MaxWriteFailuresInWindow  = 3
	WriteFailureWindow        = 10 * time.Second
)

// Options configures a Session's timers and BLE connect behavior.
type Options struct {
	GracePeriod   time.Duration
	IdleTimeout   time.Duration
	EvictionGrace time.Duration
	ConnectWindow time.Duration // bounds attach's blocking connect call, default 5s

	// Recovery tunes the Transport's scanner-recovery delay. Zero value
	// means ble.DefaultRecoveryParams().
	Recovery ble.RecoveryParams
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.EvictionGrace <= 0 {
		o.EvictionGrace = DefaultEvictionGrace
	}
	if o.ConnectWindow <= 0 {
		o.ConnectWindow = 5 * time.Second
	}
	return o
}

// Session owns one BLE Transport, one Connection-Mutex token, and the set
// of WebSockets currently attached to it. It is the sole place retries,
// timers, and state transitions are decided; the Transport and Mutex are
// dumb resources it drives.
type Session struct {
	mu sync.Mutex
	// writeMu serializes Write calls so TX operations on one session are
	// totally ordered; it is held across reconnect and the transport write.
	writeMu sync.Mutex

	id        string
	config    ble.Config
	transport *ble.Transport
	claim     *ConnectionMutex
	sm        *StateMachine
	log       *logger.Logger
	packetLog PacketLogger
	opts      Options

	token string

	sockets        map[string]chan Event
	graceTimer     *time.Timer
	evictionTimer  *time.Timer
	idleTimer      *time.Timer
	lastActivityTs time.Time

	writeFailures    int
	firstFailureTime time.Time

	// onRemove is invoked at the end of every forceCleanup call, so the
	// owning Session Manager can drop this session from its registry without
	// the two having a circular reference.
	onRemove func(reason string)
}

// New constructs a Session in IDLE. The Transport is created eagerly but
// not connected; connect happens lazily on the first Attach that needs BLE.
func New(id string, cfg ble.Config, adapter ble.Adapter, log *logger.Logger, packetLog PacketLogger, opts Options, onRemove func(reason string)) *Session {
	opts = opts.withDefaults()
	recovery := opts.Recovery
	if recovery.Base <= 0 {
		recovery = ble.DefaultRecoveryParams()
	}
	s := &Session{
		id:        id,
		config:    cfg,
		transport: ble.NewTransport(adapter, log, recovery),
		claim:     NewConnectionMutex(),
		log:       log,
		packetLog: packetLog,
		opts:      opts,
		sockets:   make(map[string]chan Event),
		onRemove:  onRemove,
	}
	s.sm = NewStateMachine(func(from, to State, reason string) {
		log.Info("session state transition", "session", id, "from", from, "to", to, "reason", reason)
	})
	return s
}

// ID returns the session's key.
func (s *Session) ID() string { return s.id }

// Config returns the BleConfig this session was created with, for the
// Session Manager's compatibility check on reuse.
func (s *Session) Config() ble.Config {
	return s.config
}

// State returns the current state-machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current()
}

// LastActivity returns the timestamp of the most recent TX or RX, for the
// Session Manager's zombie-sweep tie-break.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityTs
}

// DeviceName returns the connected peripheral's advertised name, or "".
func (s *Session) DeviceName() string {
	return s.transport.GetDeviceName()
}

// Attach adds socketID to the fan-out set. If this is the first attachment
// while IDLE, it claims the Connection Mutex and blocks connecting the
// Transport; on success it transitions to ACTIVE and returns the session's
// connectionToken alongside a receive channel for this socket's events. If
// the session is already ACTIVE with a live grace timer, the timer is
// cancelled. EVICTING rejects with ErrBusy.
func (s *Session) Attach(ctx context.Context, socketID string) (<-chan Event, string, error) {
	s.mu.Lock()
	if s.sm.Current() == StateEvicting {
		s.mu.Unlock()
		return nil, "", ErrBusy
	}

	needsConnect := s.sm.Current() == StateIdle
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	ch := make(chan Event, 16)
	s.sockets[socketID] = ch
	s.mu.Unlock()

	if needsConnect {
		if err := s.connect(ctx); err != nil {
			s.mu.Lock()
			delete(s.sockets, socketID)
			close(ch)
			s.mu.Unlock()
			return nil, "", err
		}
	}

	s.mu.Lock()
	if s.sm.Current() == StateIdle {
		if err := s.sm.Transition(StateActive, "first socket attached"); err != nil {
			s.mu.Unlock()
			return nil, "", err
		}
	}
	token := s.token
	s.resetIdleTimerLocked()
	s.updateSnapshotLocked()
	s.mu.Unlock()

	return ch, token, nil
}

// connect claims the mutex and drives the Transport through scan/connect.
// It runs without holding s.mu so Detach/Write on other sessions (and
// Session-level observers) are never blocked by a slow scan.
func (s *Session) connect(ctx context.Context) error {
	return s.connectWithToken(ctx, uuid.NewString())
}

// reconnectForWrite re-runs scan/connect/subscribe when Write finds the
// Transport disconnected while sockets remain attached. It reuses the
// session's existing connectionToken rather than minting a new one: the
// Connection Mutex claim from the original Attach was never released (only
// forceCleanup releases it), so TryClaim with the same token succeeds
// against that claim instead of contending for a fresh one.
func (s *Session) reconnectForWrite(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		token = uuid.NewString()
	}
	return s.connectWithToken(ctx, token)
}

// connectWithToken claims the mutex under token and drives the Transport
// through scan/connect. It runs without holding s.mu so Detach/Write on
// other sessions (and Session-level observers) are never blocked by a slow
// scan.
func (s *Session) connectWithToken(ctx context.Context, token string) error {
	if !s.claim.TryClaim(token) {
		return ErrBusy
	}
	if !s.transport.TryClaimConnection() {
		s.claim.Release(token)
		return fmt.Errorf("session: transport already claiming a connection")
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectWindow)
	defer cancel()

	err := s.transport.Connect(connectCtx, s.config, ble.Callbacks{
		OnData:         s.onTransportData,
		OnDisconnected: s.onTransportDisconnected,
	})
	if err != nil {
		s.claim.Release(token)
		return err
	}

	s.mu.Lock()
	s.token = token
	s.lastActivityTs = time.Now()
	s.mu.Unlock()
	return nil
}

// Detach removes socketID from the fan-out set. If the set becomes empty
// while ACTIVE, it arms the grace timer; on expiry the session transitions
// to EVICTING and schedules forceCleanup after the eviction grace.
func (s *Session) Detach(socketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.sockets[socketID]; ok {
		delete(s.sockets, socketID)
		close(ch)
	}
	s.updateSnapshotLocked()

	if len(s.sockets) > 0 || s.sm.Current() != StateActive {
		return
	}

	s.graceTimer = time.AfterFunc(s.opts.GracePeriod, func() {
		s.onGraceExpired()
	})
}

func (s *Session) onGraceExpired() {
	s.mu.Lock()
	if len(s.sockets) > 0 || s.sm.Current() != StateActive {
		s.mu.Unlock()
		return
	}
	s.graceTimer = nil
	s.sm.Transition(StateEvicting, "grace expired")
	s.evictionTimer = time.AfterFunc(s.opts.EvictionGrace, func() {
		s.forceCleanup("grace expired")
	})
	s.mu.Unlock()
}

// Write requires ACTIVE. If the Transport lost its link while sockets stayed
// attached, Write lazily re-runs the scan/connect/subscribe sequence before
// sending: per §4.4, the peripheral dropping link must never by itself
// discard a session clients are still attached to, so the reconnect is
// attempted here, on demand, rather than never happening at all. It
// serializes writes for this session (s.writeMu is held for the duration),
// updates lastActivityTs, resets the idle timer, and appends a TX
// packet-log entry.
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.sm.Current() != StateActive {
		s.mu.Unlock()
		return fmt.Errorf("session: write requires ACTIVE state, currently %s", s.sm.Current())
	}
	s.mu.Unlock()

	if s.transport.GetState() != ble.StateConnected {
		if err := s.reconnectForWrite(ctx); err != nil {
			s.mu.Lock()
			s.recordWriteFailureLocked()
			s.mu.Unlock()
			return err
		}
	}

	err := s.transport.Write(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.recordWriteFailureLocked()
		return err
	}

	s.lastActivityTs = time.Now()
	s.resetIdleTimerLocked()
	if s.packetLog != nil {
		s.packetLog.Append(DirectionTX, s.id, data)
	}
	s.updateSnapshotLocked()
	metrics.IncPacket(DirectionTX)
	return nil
}

// recordWriteFailureLocked counts write failures in a rolling window; once
// MaxWriteFailuresInWindow failures have occurred within WriteFailureWindow
// the session tears itself down rather
// than keep surfacing errors to a transport that will not recover on its
// own. Must be called with s.mu held.
func (s *Session) recordWriteFailureLocked() {
	now := time.Now()
	if s.firstFailureTime.IsZero() || now.Sub(s.firstFailureTime) > WriteFailureWindow {
		s.firstFailureTime = now
		s.writeFailures = 0
	}
	s.writeFailures++
	if s.writeFailures >= MaxWriteFailuresInWindow {
		go s.forceCleanup("transport-unhealthy")
	}
}

// onTransportData is the Transport's OnData callback. It fans the bytes out
// to every attached socket's event channel, in delivery order per socket.
func (s *Session) onTransportData(data []byte) {
	s.mu.Lock()
	s.lastActivityTs = time.Now()
	s.resetIdleTimerLocked()
	if s.packetLog != nil {
		s.packetLog.Append(DirectionRX, s.id, data)
	}
	metrics.IncPacket(DirectionRX)
	recipients := make([]chan Event, 0, len(s.sockets))
	for _, ch := range s.sockets {
		recipients = append(recipients, ch)
	}
	s.mu.Unlock()

	for _, ch := range recipients {
		select {
		case ch <- Event{Type: EventData, Data: data}:
		default:
			s.log.Warn("session: dropping data event, socket receiver is full", "session", s.id)
		}
	}
}

// onTransportDisconnected is the Transport's OnDisconnected callback. If no
// sockets are attached the session cleans itself up immediately; otherwise
// it only surfaces a `disconnected` event and leaves the session ACTIVE so
// a subsequent Write can lazily reconnect. The peripheral losing link while
// clients remain attached must never by itself discard the session.
func (s *Session) onTransportDisconnected() {
	s.mu.Lock()
	empty := len(s.sockets) == 0
	recipients := make([]chan Event, 0, len(s.sockets))
	for _, ch := range s.sockets {
		recipients = append(recipients, ch)
	}
	s.updateSnapshotLocked()
	s.mu.Unlock()

	for _, ch := range recipients {
		select {
		case ch <- Event{Type: EventDisconnected}:
		default:
		}
	}

	if empty {
		s.forceCleanup("transport disconnected, no sockets attached")
	}
}

// updateSnapshotLocked refreshes the packet log's connection snapshot from
// current transport/session state (§4.7: updated on every state
// transition, so /health-style consumers see the link drop even when the
// Session itself stays ACTIVE for attached sockets). Must be called with
// s.mu held; transport.GetState/GetDeviceName take the Transport's own
// mutex, never s.mu, so this never deadlocks.
func (s *Session) updateSnapshotLocked() {
	if s.packetLog == nil {
		return
	}
	s.packetLog.UpdateSnapshot(packetlog.ConnectionSnapshot{
		Connected:    s.transport.GetState() == ble.StateConnected,
		DeviceName:   s.transport.GetDeviceName(),
		SessionID:    s.id,
		LastActivity: s.lastActivityTs,
	})
}

// resetIdleTimerLocked rearms the idle timer and refreshes the Connection
// Mutex claim. Resets on both RX and TX (the union interpretation of the
// spec's ambiguous reset semantics). Must be called with s.mu held.
func (s *Session) resetIdleTimerLocked() {
	if s.token != "" {
		s.claim.Refresh(s.token)
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, s.onIdleTimeout)
}

func (s *Session) onIdleTimeout() {
	s.mu.Lock()
	if s.sm.Current() != StateActive {
		s.mu.Unlock()
		return
	}
	s.sm.Transition(StateEvicting, "idle timeout")
	s.evictionTimer = time.AfterFunc(s.opts.EvictionGrace, func() {
		s.forceCleanup("idle eviction")
	})
	s.mu.Unlock()
}

// ForceCleanup is the exported entry point for client-triggered and
// zombie-sweep teardown; it delegates to the same path as internal timer
// expiry.
func (s *Session) ForceCleanup(reason string) {
	s.forceCleanup(reason)
}

// forceCleanup cancels every timer, disconnects the Transport, releases the
// mutex claim, transitions to IDLE, and closes every attached socket's
// event channel. It is safe to call more than once: a repeated call finds no
// timers, sockets or claim left to release, but it still records the
// eviction metric and invokes onRemove again.
func (s *Session) forceCleanup(reason string) {
	s.mu.Lock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.evictionTimer != nil {
		s.evictionTimer.Stop()
		s.evictionTimer = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	sockets := s.sockets
	s.sockets = make(map[string]chan Event)
	token := s.token
	s.mu.Unlock()

	if err := s.transport.Disconnect(); err != nil {
		s.log.Warn("session: transport disconnect during cleanup failed", "session", s.id, "error", err)
	}
	if token != "" {
		s.claim.Release(token)
	}

	s.mu.Lock()
	if s.sm.Current() != StateIdle {
		s.sm.Transition(StateIdle, reason)
	}
	s.token = ""
	s.updateSnapshotLocked()
	s.mu.Unlock()

	for _, ch := range sockets {
		close(ch)
	}

	metrics.IncSessionEvicted(reason)
	if s.onRemove != nil {
		s.onRemove(reason)
	}
}

// IsZombie reports whether the Session Manager's sweep should classify this
// session unrecoverable: stuck EVICTING past its deadline, a stale mutex
// claim, or transport listener pressure beyond what a single write/notify
// pair should ever need.
func (s *Session) IsZombie(now time.Time) bool {
	s.mu.Lock()
	state := s.sm.Current()
	evicting := s.evictionTimer != nil
	s.mu.Unlock()

	if state == StateEvicting && !evicting {
		// An EVICTING session with no armed eviction timer has fallen out
		// of its own teardown path; the sweep reclaims it.
		return true
	}

	if _, claimedAt := s.claim.Holder(); !claimedAt.IsZero() && now.Sub(claimedAt) > StaleClaimTimeout {
		return true
	}

	snap := s.transport.ResourceSnapshot()
	return snap.ListenerCount > 2
}
