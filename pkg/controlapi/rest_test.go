package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/packetlog"
	"github.com/commatea/ble-bridge/pkg/session"
)

type fakeCharacteristic struct{}

func (f *fakeCharacteristic) EnableNotifications(func([]byte)) error { return nil }
func (f *fakeCharacteristic) WriteWithoutResponse(b []byte) (int, error) { return len(b), nil }

type fakePeripheral struct{}

func (f *fakePeripheral) DiscoverCharacteristics(serviceUUID string, charUUIDs []string) (map[string]ble.Characteristic, error) {
	out := make(map[string]ble.Characteristic, len(charUUIDs))
	for _, u := range charUUIDs {
		out[u] = &fakeCharacteristic{}
	}
	return out, nil
}
func (f *fakePeripheral) Disconnect() error            { return nil }
func (f *fakePeripheral) SetDisconnectHandler(func()) {}

type fakeAdapter struct{}

func (f *fakeAdapter) Enable() error { return nil }
func (f *fakeAdapter) Scan(callback func(ble.ScanResult) (stop bool)) error {
	callback(ble.ScanResult{
		Address:      "AA:BB:CC:DD:EE:FF",
		LocalName:    "widget-1",
		ServiceUUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
	})
	return nil
}
func (f *fakeAdapter) StopScan() error                             { return nil }
func (f *fakeAdapter) Connect(address string) (ble.Peripheral, error) { return &fakePeripheral{}, nil }

func testManager(t *testing.T) *session.Manager {
	t.Helper()
	mgr, _ := testManagerWithLog(t)
	return mgr
}

func testManagerWithLog(t *testing.T) (*session.Manager, *packetlog.Log) {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	pktLog := packetlog.New()
	mgr := session.NewManager(&fakeAdapter{}, log, pktLog, session.Options{
		GracePeriod:   50 * time.Millisecond,
		IdleTimeout:   time.Hour,
		EvictionGrace: 50 * time.Millisecond,
		ConnectWindow: 2 * time.Second,
	})
	return mgr, pktLog
}

func testCfg() ble.Config {
	return ble.Config{
		ServiceUUID:       "0000180d-0000-1000-8000-00805f9b34fb",
		Timeout:           2 * time.Second,
		OnMultipleDevices: ble.PolicyFirst,
	}
}

func TestHealthEndpoint(t *testing.T) {
	mgr := testManager(t)
	s := NewServer(mgr, logger.New(logger.Config{Level: "error", Format: "text"}), nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthEndpointReflectsConnectionSnapshot(t *testing.T) {
	mgr, pktLog := testManagerWithLog(t)
	sess, err := mgr.GetOrCreate("sess-1", testCfg())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, _, err := sess.Attach(context.Background(), "sock1"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	s := NewServer(mgr, logger.New(logger.Config{Level: "error", Format: "text"}), pktLog, Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view healthView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !view.Connected || view.SessionID != "sess-1" {
		t.Fatalf("expected health to reflect the attached session, got %+v", view)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	mgr := testManager(t)
	sess, err := mgr.GetOrCreate("sess-1", testCfg())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, _, err := sess.Attach(context.Background(), "sock1"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	s := NewServer(mgr, logger.New(logger.Config{Level: "error", Format: "text"}), nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	s.handleListSessions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []sessionView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(views) != 1 || views[0].ID != "sess-1" {
		t.Fatalf("expected one session sess-1, got %+v", views)
	}
}

func TestEvictSessionEndpointNotFound(t *testing.T) {
	mgr := testManager(t)
	s := NewServer(mgr, logger.New(logger.Config{Level: "error", Format: "text"}), nil, Config{})

	req := httptest.NewRequest(http.MethodPost, "/sessions/missing/evict", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	w := httptest.NewRecorder()
	s.handleEvictSession(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestEvictSessionEndpointRemovesSession(t *testing.T) {
	mgr := testManager(t)
	if _, err := mgr.GetOrCreate("sess-1", testCfg()); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	s := NewServer(mgr, logger.New(logger.Config{Level: "error", Format: "text"}), nil, Config{})
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/evict", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "sess-1"})
	w := httptest.NewRecorder()
	s.handleEvictSession(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := mgr.Get("sess-1"); ok {
		t.Fatal("expected session to be removed after evict")
	}
}
