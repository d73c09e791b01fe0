// Package ble implements the radio-side worker that scans, connects,
// subscribes, writes, and tears down a single BLE peripheral on behalf of
// one Session. It never inspects payload contents; every []byte it moves is
// opaque.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/commatea/ble-bridge/pkg/bleuuid"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/metrics"
)

// Connect failure kinds. All are terminal for the attempt in progress;
// retries happen at the Session layer, never inside the Transport.
var (
	ErrPoweredOff             = errors.New("ble: adapter did not power on in time")
	ErrScanTimeout            = errors.New("ble: scan timeout, no matching device found")
	ErrMultipleDevices        = errors.New("ble: multiple matching devices found")
	ErrCharacteristicsMissing = errors.New("ble: required characteristic not found")
	ErrSubscribeFailed        = errors.New("ble: failed to subscribe to notifications")
	ErrConnectFailed          = errors.New("ble: failed to connect to peripheral")
	ErrNotConnected           = errors.New("ble: not connected")
)

// MultipleDevicesPolicy governs scan resolution when more than one
// advertisement matches.
type MultipleDevicesPolicy string

const (
	// PolicyFirst accepts the first match seen.
	PolicyFirst MultipleDevicesPolicy = "first"
	// PolicyError fails the connect attempt with ErrMultipleDevices.
	PolicyError MultipleDevicesPolicy = "error"
)

// State is the Transport's own connection state, independent of the
// Session's IDLE/ACTIVE/EVICTING state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Config is a BLE session's connection target, normalized from the client's
// query-string BleConfig (§3 of the spec).
type Config struct {
	ServiceUUID       string
	WriteUUID         string
	NotifyUUID        string
	DevicePrefix      string
	Timeout           time.Duration
	OnMultipleDevices MultipleDevicesPolicy
}

// Callbacks are invoked from the Transport's internal goroutines; callers
// must not block in them for long, since they run on the notification and
// disconnect-hook paths.
type Callbacks struct {
	OnData         func([]byte)
	OnDisconnected func()
}

// RecoveryParams tunes the scanner-recovery delay (§4.3).
type RecoveryParams struct {
	Base      time.Duration
	Step      time.Duration
	Cap       time.Duration
	Thresholds []int
}

// DefaultRecoveryParams matches the spec's literal thresholds: delay grows
// by floor(count/5)*500ms once accumulated listener pressure crosses 5, 10,
// 25, 50, or 100, capped at 10s.
func DefaultRecoveryParams() RecoveryParams {
	return RecoveryParams{
		Base:       2 * time.Second,
		Step:       500 * time.Millisecond,
		Cap:        10 * time.Second,
		Thresholds: []int{5, 10, 25, 50, 100},
	}
}

const scanDeadline = 10 * time.Second

// Transport is the BLE worker owned by exactly one Session.
type Transport struct {
	mu sync.Mutex

	adapter  Adapter
	log      *logger.Logger
	recovery RecoveryParams

	state     State
	peripheral Peripheral
	writeChar  Characteristic
	notifyChar Characteristic
	deviceName string

	scannerBusy         bool
	lastScannerTearDown time.Time
	listenerCount       int

	scanCount int
}

// NewTransport constructs a Transport around the given adapter handle.
func NewTransport(adapter Adapter, log *logger.Logger, recovery RecoveryParams) *Transport {
	return &Transport{
		adapter:  adapter,
		log:      log,
		recovery: recovery,
		state:    StateDisconnected,
	}
}

// TryClaimConnection atomically moves DISCONNECTED -> CONNECTING. It is the
// Transport-side half of "only one Session drives this Transport"; the
// Session's ConnectionMutex is the session-side half, and the Session
// Manager refuses a new session key while another session is not IDLE.
func (t *Transport) TryClaimConnection() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateDisconnected {
		return false
	}
	t.state = StateConnecting
	return true
}

// GetState returns the current connection state.
func (t *Transport) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// GetDeviceName returns the connected peripheral's advertised name, or "" if
// not connected.
func (t *Transport) GetDeviceName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceName
}

// ResourceSnapshot reports the bookkeeping the zombie detector inspects.
type ResourceSnapshot struct {
	ListenerCount int
	HasPeripheral bool
}

func (t *Transport) ResourceSnapshot() ResourceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ResourceSnapshot{
		ListenerCount: t.listenerCount,
		HasPeripheral: t.peripheral != nil,
	}
}

// recoveryDelay computes the scanner-recovery delay for the current
// listener pressure: once the listener count exceeds any threshold, the
// base delay grows by floor(listenerCount/5)*recovery.Step, capped at
// recovery.Cap.
func (t *Transport) recoveryDelay() time.Duration {
	delay := t.recovery.Base
	crossed := 0
	for _, threshold := range t.recovery.Thresholds {
		if t.listenerCount > threshold {
			crossed++
		}
	}
	if crossed > 0 {
		delay += time.Duration(t.listenerCount/5) * t.recovery.Step
	}
	if delay > t.recovery.Cap {
		delay = t.recovery.Cap
	}
	return delay
}

// waitForScannerRecovery blocks until at least the recovery delay has
// elapsed since the last scanner teardown.
func (t *Transport) waitForScannerRecovery(ctx context.Context) error {
	t.mu.Lock()
	since := time.Since(t.lastScannerTearDown)
	delay := t.recoveryDelay()
	t.mu.Unlock()

	if t.lastScannerTearDown.IsZero() || since >= delay {
		return nil
	}

	remaining := delay - since
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect is valid only immediately after TryClaimConnection. It waits for
// the adapter to power on, enforces the scanner-recovery delay, scans for a
// matching peripheral, connects, discovers characteristics, subscribes, and
// transitions to CONNECTED. Any failure transitions back to DISCONNECTED
// and returns one of the typed errors above.
func (t *Transport) Connect(ctx context.Context, cfg Config, cb Callbacks) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := t.adapter.Enable(); err != nil {
		t.fail()
		metrics.IncConnect(metrics.OutcomePoweredOff)
		return fmt.Errorf("%w: %v", ErrPoweredOff, err)
	}

	if err := t.waitForScannerRecovery(ctx); err != nil {
		t.fail()
		metrics.IncConnect(metrics.OutcomeConnectFailed)
		return fmt.Errorf("%w: waiting for scanner recovery: %v", ErrConnectFailed, err)
	}

	scanStart := time.Now()
	result, err := t.scan(ctx, cfg)
	metrics.ObserveScanDuration(time.Since(scanStart))
	if err != nil {
		t.fail()
		if errors.Is(err, ErrMultipleDevices) {
			metrics.IncConnect(metrics.OutcomeMultipleDevices)
		} else {
			metrics.IncConnect(metrics.OutcomeScanTimeout)
		}
		return err
	}

	peripheral, err := t.adapter.Connect(result.Address)
	if err != nil {
		t.fail()
		metrics.IncConnect(metrics.OutcomeConnectFailed)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	wantChars := []string{}
	if cfg.WriteUUID != "" {
		wantChars = append(wantChars, cfg.WriteUUID)
	}
	if cfg.NotifyUUID != "" {
		wantChars = append(wantChars, cfg.NotifyUUID)
	}

	chars, err := peripheral.DiscoverCharacteristics(cfg.ServiceUUID, wantChars)
	if err != nil {
		peripheral.Disconnect()
		t.fail()
		metrics.IncConnect(metrics.OutcomeCharacteristicsMissing)
		return fmt.Errorf("%w: %v", ErrCharacteristicsMissing, err)
	}

	byUUID := make(map[string]Characteristic, len(chars))
	for u, c := range chars {
		byUUID[bleuuid.Normalize(u)] = c
	}

	var writeChar, notifyChar Characteristic
	if cfg.WriteUUID != "" {
		writeChar = byUUID[bleuuid.Normalize(cfg.WriteUUID)]
		if writeChar == nil {
			peripheral.Disconnect()
			t.fail()
			metrics.IncConnect(metrics.OutcomeCharacteristicsMissing)
			return fmt.Errorf("%w: write characteristic %s", ErrCharacteristicsMissing, cfg.WriteUUID)
		}
	}
	if cfg.NotifyUUID != "" {
		notifyChar = byUUID[bleuuid.Normalize(cfg.NotifyUUID)]
		if notifyChar == nil {
			peripheral.Disconnect()
			t.fail()
			metrics.IncConnect(metrics.OutcomeCharacteristicsMissing)
			return fmt.Errorf("%w: notify characteristic %s", ErrCharacteristicsMissing, cfg.NotifyUUID)
		}
		if err := notifyChar.EnableNotifications(cb.OnData); err != nil {
			peripheral.Disconnect()
			t.fail()
			metrics.IncConnect(metrics.OutcomeSubscribeFailed)
			return fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
		}
		t.mu.Lock()
		t.listenerCount++
		t.mu.Unlock()
	}

	peripheral.SetDisconnectHandler(func() {
		t.handleTransportDisconnect(cb)
	})

	t.mu.Lock()
	t.peripheral = peripheral
	t.writeChar = writeChar
	t.notifyChar = notifyChar
	t.deviceName = result.LocalName
	t.state = StateConnected
	t.mu.Unlock()

	metrics.IncConnect(metrics.OutcomeSuccess)
	t.log.Info("ble transport connected", "device", result.LocalName, "address", result.Address)
	return nil
}

// scan runs a bounded scan and applies the name-prefix/service match policy.
// Name prefix beats service filter when both are provided; UUID comparisons
// are always against normalized forms.
func (t *Transport) scan(ctx context.Context, cfg Config) (ScanResult, error) {
	t.mu.Lock()
	t.scannerBusy = true
	t.scanCount++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.scannerBusy = false
		t.lastScannerTearDown = time.Now()
		t.mu.Unlock()
	}()

	scanCtx, cancel := context.WithTimeout(ctx, scanDeadline)
	defer cancel()

	matches := make(map[string]ScanResult)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- t.adapter.Scan(func(result ScanResult) bool {
			if !t.matches(result, cfg) {
				return false
			}
			matches[result.Address] = result
			if cfg.OnMultipleDevices == PolicyFirst {
				return true
			}
			return false
		})
	}()

	select {
	case err := <-scanDone:
		if err != nil {
			return ScanResult{}, fmt.Errorf("%w: %v", ErrScanTimeout, err)
		}
	case <-scanCtx.Done():
		t.adapter.StopScan()
		<-scanDone
	}

	switch len(matches) {
	case 0:
		return ScanResult{}, ErrScanTimeout
	case 1:
		for _, r := range matches {
			return r, nil
		}
	}

	if cfg.OnMultipleDevices == PolicyError {
		return ScanResult{}, ErrMultipleDevices
	}
	// PolicyFirst with a race that admitted two matches before StopScan took
	// effect: pick deterministically by address.
	var first ScanResult
	for _, r := range matches {
		if first.Address == "" || r.Address < first.Address {
			first = r
		}
	}
	return first, nil
}

// matches implements §4.3's scan-match policy: name prefix beats service
// filter when both are given; with no prefix, a service-UUID advertisement
// match is required.
func (t *Transport) matches(result ScanResult, cfg Config) bool {
	if cfg.DevicePrefix != "" {
		return bleuuid.HasPrefix(result.LocalName, cfg.DevicePrefix)
	}
	for _, uuid := range result.ServiceUUIDs {
		if bleuuid.Equal(uuid, cfg.ServiceUUID) {
			return true
		}
	}
	return false
}

func (t *Transport) fail() {
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
}

func (t *Transport) handleTransportDisconnect(cb Callbacks) {
	t.mu.Lock()
	if t.notifyChar != nil && t.listenerCount > 0 {
		t.listenerCount--
	}
	t.peripheral = nil
	t.writeChar = nil
	t.notifyChar = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if cb.OnDisconnected != nil {
		cb.OnDisconnected()
	}
}

// Write sends bytes to the write characteristic. Valid only in CONNECTED.
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	if t.state != StateConnected || t.writeChar == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	char := t.writeChar
	t.mu.Unlock()

	_, err := char.WriteWithoutResponse(data)
	return err
}

// Disconnect tears the Transport down deterministically: unsubscribe,
// peripheral-disconnect, reference-clear, in that order, with each step
// wrapped so a later step still runs if an earlier one fails. It is
// idempotent: calling it again on an already-disconnected Transport is a
// no-op.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateDisconnecting
	peripheral := t.peripheral
	hadNotify := t.notifyChar != nil
	t.mu.Unlock()

	// Step 1: unsubscribe is implicit in tinygo's API (no explicit
	// unsubscribe call beyond disconnecting); we only adjust bookkeeping.
	if hadNotify {
		t.mu.Lock()
		if t.listenerCount > 0 {
			t.listenerCount--
		}
		t.mu.Unlock()
	}

	// Step 2: peripheral disconnect, errors logged not propagated.
	if peripheral != nil {
		if err := peripheral.Disconnect(); err != nil {
			t.log.Warn("ble transport: peripheral disconnect failed", "error", err)
		}
	}

	// Step 3: clear references and land in DISCONNECTED unconditionally.
	t.mu.Lock()
	t.peripheral = nil
	t.writeChar = nil
	t.notifyChar = nil
	t.deviceName = ""
	t.state = StateDisconnected
	t.mu.Unlock()

	return nil
}
