// Package wsbridge is the per-socket WebSocket adapter: it resolves a
// Session from the Session Manager, pumps inbound JSON frames to it, and
// pumps the Session's outbound data/disconnected events back to the
// client. It never throws outward — every failure becomes a frame.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/bleuuid"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/packetlog"
	"github.com/commatea/ble-bridge/pkg/session"
)

// Frame types, per the wire protocol in the spec's external interfaces
// section.
const (
	FrameConnected            = "connected"
	FrameDisconnected         = "disconnected"
	FrameData                 = "data"
	FrameForceCleanup         = "force_cleanup"
	FrameForceCleanupComplete = "force_cleanup_complete"
	FrameError                = "error"
)

// ByteArray marshals as a plain JSON array of byte values ([1,2,3]), not
// base64 — the wire protocol's `data` field is an explicit octet array so
// that a browser's mock Web Bluetooth shim can build it without a decoder.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Frame is the single JSON object shape used in both directions.
type Frame struct {
	Type    string    `json:"type"`
	Data    ByteArray `json:"data,omitempty"`
	Token   string    `json:"token,omitempty"`
	Device  string    `json:"device,omitempty"`
	Error   string    `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}

const (
	pingInterval      = 30 * time.Second
	writeWaitTimeout  = 10 * time.Second
	defaultTimeoutMs  = 5000
	sendBufferSize    = 64
)

// Handler upgrades HTTP connections to WebSocket and bridges them to
// Sessions held by a shared Manager.
type Handler struct {
	manager   *session.Manager
	log       *logger.Logger
	packetLog *packetlog.Log
	upgrader  websocket.Upgrader
}

// New constructs a Handler bound to manager and a shared packet log.
func New(manager *session.Manager, log *logger.Logger, pktLog *packetlog.Log) *Handler {
	return &Handler{
		manager:   manager,
		log:       log,
		packetLog: pktLog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler. ?command=log-stream upgrades to the
// observability stream instead of a bridge session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("command") == "log-stream" {
		h.serveLogStream(w, r)
		return
	}
	h.serveBridge(w, r)
}

// parseConfig derives a sessionID and BleConfig from the request's query
// string, per §6 of the wire protocol.
func parseConfig(r *http.Request) (sessionID string, cfg ble.Config, err error) {
	q := r.URL.Query()

	sessionID = q.Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	service := q.Get("service")
	if service == "" {
		return "", ble.Config{}, errMissingService
	}

	timeoutMs := defaultTimeoutMs
	if raw := q.Get("timeout"); raw != "" {
		if parsed, perr := strconv.Atoi(raw); perr == nil && parsed > 0 {
			timeoutMs = parsed
		}
	}

	policy := ble.PolicyFirst
	if q.Get("onMultipleDevices") == "error" {
		policy = ble.PolicyError
	}

	cfg = ble.Config{
		ServiceUUID:       bleuuid.Normalize(service),
		WriteUUID:         normalizeOrEmpty(q.Get("write")),
		NotifyUUID:        normalizeOrEmpty(q.Get("notify")),
		DevicePrefix:      q.Get("device"),
		Timeout:           time.Duration(timeoutMs) * time.Millisecond,
		OnMultipleDevices: policy,
	}
	return sessionID, cfg, nil
}

func normalizeOrEmpty(rawUUID string) string {
	if rawUUID == "" {
		return ""
	}
	return bleuuid.Normalize(rawUUID)
}

var errMissingService = &frameError{"service is required"}

type frameError struct{ msg string }

func (e *frameError) Error() string { return e.msg }

// serveBridge handles the main bridge protocol: resolve a Session, attach,
// pump frames in both directions until the socket closes.
func (h *Handler) serveBridge(w http.ResponseWriter, r *http.Request) {
	sessionID, cfg, err := parseConfig(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := h.manager.GetOrCreate(sessionID, cfg)
	if err != nil {
		writeFatal(conn, "Another connection is active")
		return
	}

	socketID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout+5*time.Second)
	events, token, err := sess.Attach(ctx, socketID)
	cancel()
	if err != nil {
		writeFatal(conn, connectErrorMessage(err))
		return
	}

	send := make(chan Frame, sendBufferSize)
	send <- Frame{Type: FrameConnected, Device: sess.DeviceName(), Token: token}

	done := make(chan struct{})
	go h.writePump(conn, send, events, done)
	h.readPump(conn, sess, socketID, token, send)

	sess.Detach(socketID)
	close(send)
	<-done
	conn.Close()
}

func connectErrorMessage(err error) string {
	switch err {
	case ble.ErrScanTimeout, ble.ErrMultipleDevices:
		return "No matching device found"
	default:
		return "Failed to connect to device"
	}
}

func writeFatal(conn *websocket.Conn, reason string) {
	frame := Frame{Type: FrameError, Error: reason}
	data, _ := json.Marshal(frame)
	conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
	conn.WriteMessage(websocket.TextMessage, data)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	conn.Close()
}

// readPump parses inbound frames and drives the Session; it never panics
// or returns an error to the caller — every failure becomes an outbound
// frame, per §7's WebSocket Handler propagation policy.
func (h *Handler) readPump(conn *websocket.Conn, sess *session.Session, socketID, token string, send chan<- Frame) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			send <- Frame{Type: FrameError, Error: "malformed frame"}
			continue
		}

		switch frame.Type {
		case FrameData:
			if err := sess.Write(context.Background(), frame.Data); err != nil {
				h.log.Warn("wsbridge: write failed", "session", sess.ID(), "error", err)
			}
		case FrameForceCleanup:
			if frame.Token != token {
				send <- Frame{Type: FrameError, Error: "Invalid token"}
				continue
			}
			sess.ForceCleanup("client request")
			send <- Frame{Type: FrameForceCleanupComplete, Message: "Cleanup complete"}
			return
		default:
			send <- Frame{Type: FrameError, Error: "unknown frame type"}
		}
	}
}

// writePump serializes every outbound frame (both explicit replies queued
// on send, and Session events forwarded from events) onto the socket, plus
// periodic pings. It owns the only goroutine allowed to call WriteMessage
// on this connection.
func (h *Handler) writePump(conn *websocket.Conn, send <-chan Frame, events <-chan session.Event, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !h.writeFrame(conn, frame) {
				return
			}

		case ev, ok := <-events:
			if !ok {
				continue
			}
			switch ev.Type {
			case session.EventData:
				if !h.writeFrame(conn, Frame{Type: FrameData, Data: ev.Data}) {
					return
				}
			case session.EventDisconnected:
				if !h.writeFrame(conn, Frame{Type: FrameDisconnected}) {
					return
				}
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// logStreamFrame is the observability stream's own frame shape, separate
// from the bridge protocol's Frame since it carries packet-log records
// rather than BLE payloads.
type logStreamFrame struct {
	Type         string                       `json:"type"`
	Timestamp    time.Time                    `json:"timestamp,omitempty"`
	Direction    string                       `json:"direction,omitempty"`
	SessionID    string                       `json:"sessionId,omitempty"`
	Data         ByteArray                    `json:"data,omitempty"`
	Snapshot     *packetlog.ConnectionSnapshot `json:"snapshot,omitempty"`
}

const logStreamPollInterval = 200 * time.Millisecond

// serveLogStream upgrades to the observability stream: an initial
// connection snapshot, then every new packet-log entry as it is appended,
// optionally restricted by a `filter` hex-substring query parameter.
func (h *Handler) serveLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := r.URL.Query().Get("filter")
	subID := h.packetLog.Subscribe(filter)
	defer h.packetLog.Unsubscribe(subID)

	snap := h.packetLog.Snapshot()
	h.writeLogFrame(conn, logStreamFrame{Type: "snapshot", Snapshot: &snap})

	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			for {
				entry, ok := h.packetLog.Next(subID)
				if !ok {
					break
				}
				if !h.writeLogFrame(conn, logStreamFrame{
					Type:      "entry",
					Timestamp: entry.Timestamp,
					Direction: string(entry.Direction),
					SessionID: entry.SessionID,
					Data:      entry.Bytes,
				}) {
					return
				}
			}
		}
	}
}

func (h *Handler) writeLogFrame(conn *websocket.Conn, frame logStreamFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}
