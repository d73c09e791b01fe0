package wsbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/packetlog"
	"github.com/commatea/ble-bridge/pkg/session"
)

type stubCharacteristic struct {
	notifyFn func([]byte)
	writes   [][]byte
}

func (c *stubCharacteristic) EnableNotifications(fn func([]byte)) error {
	c.notifyFn = fn
	return nil
}

func (c *stubCharacteristic) WriteWithoutResponse(data []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), data...))
	return len(data), nil
}

type stubPeripheral struct {
	chars map[string]ble.Characteristic
}

func (p *stubPeripheral) DiscoverCharacteristics(serviceUUID string, charUUIDs []string) (map[string]ble.Characteristic, error) {
	out := make(map[string]ble.Characteristic)
	for _, u := range charUUIDs {
		if c, ok := p.chars[u]; ok {
			out[u] = c
		}
	}
	return out, nil
}

func (p *stubPeripheral) Disconnect() error          { return nil }
func (p *stubPeripheral) SetDisconnectHandler(func()) {}

type stubAdapter struct {
	result     ble.ScanResult
	peripheral *stubPeripheral
}

func (a *stubAdapter) Enable() error { return nil }
func (a *stubAdapter) Scan(callback func(ble.ScanResult) (stop bool)) error {
	callback(a.result)
	return nil
}
func (a *stubAdapter) StopScan() error { return nil }
func (a *stubAdapter) Connect(address string) (ble.Peripheral, error) {
	return a.peripheral, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	writeChar := &stubCharacteristic{}
	notifyChar := &stubCharacteristic{}
	adapter := &stubAdapter{
		result: ble.ScanResult{
			Address:      "AA:BB:CC:DD:EE:FF",
			LocalName:    "widget-1",
			ServiceUUIDs: []string{"1234"},
		},
		peripheral: &stubPeripheral{chars: map[string]ble.Characteristic{
			"2a39": writeChar,
			"2a37": notifyChar,
		}},
	}
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	mgr := session.NewManager(adapter, log, nil, session.Options{
		GracePeriod:   100 * time.Millisecond,
		IdleTimeout:   time.Hour,
		EvictionGrace: 100 * time.Millisecond,
		ConnectWindow: 2 * time.Second,
	})
	h := New(mgr, log, packetlog.New())
	return httptest.NewServer(h)
}

func dialWS(t *testing.T, server *httptest.Server, query string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn, resp
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return frame
}

func TestBasicRoundTrip(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	conn, _ := dialWS(t, server, "session=s1&service=1234&write=2a39&notify=2a37")
	defer conn.Close()

	connected := readFrame(t, conn)
	if connected.Type != FrameConnected || connected.Device != "widget-1" || connected.Token == "" {
		t.Fatalf("unexpected connected frame: %+v", connected)
	}

	out, _ := json.Marshal(Frame{Type: FrameData, Data: []byte{1, 2, 3}})
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestBusyRejection(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	conn1, _ := dialWS(t, server, "session=s1&service=1234")
	defer conn1.Close()
	readFrame(t, conn1) // connected

	conn2, _ := dialWS(t, server, "session=s2&service=1234")
	defer conn2.Close()

	frame := readFrame(t, conn2)
	if frame.Type != FrameError || frame.Error != "Another connection is active" {
		t.Fatalf("expected busy error, got %+v", frame)
	}
}

func TestForceCleanupWithValidToken(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	conn, _ := dialWS(t, server, "session=s1&service=1234")
	defer conn.Close()

	connected := readFrame(t, conn)

	req, _ := json.Marshal(Frame{Type: FrameForceCleanup, Token: connected.Token})
	conn.WriteMessage(websocket.TextMessage, req)

	frame := readFrame(t, conn)
	if frame.Type != FrameForceCleanupComplete {
		t.Fatalf("expected force_cleanup_complete, got %+v", frame)
	}
}

func TestForceCleanupWithInvalidToken(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	conn, _ := dialWS(t, server, "session=s1&service=1234")
	defer conn.Close()

	readFrame(t, conn) // connected

	req, _ := json.Marshal(Frame{Type: FrameForceCleanup, Token: "WRONG"})
	conn.WriteMessage(websocket.TextMessage, req)

	frame := readFrame(t, conn)
	if frame.Type != FrameError || frame.Error != "Invalid token" {
		t.Fatalf("expected invalid token error, got %+v", frame)
	}
}

func TestMissingServiceIsBadRequest(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/?session=s1", nil)
	if err == nil {
		t.Fatal("expected dial to fail on missing service param")
	}
	if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestByteArrayMarshalsAsPlainArray(t *testing.T) {
	frame := Frame{Type: FrameData, Data: ByteArray{1, 2, 3}}
	out, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"data":[1,2,3]`) {
		t.Fatalf("expected plain-array encoding, got %s", out)
	}
}
