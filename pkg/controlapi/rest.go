// Package controlapi is the bridge's operator-facing surface: health,
// Prometheus metrics, and a thin read/evict view onto the Session Manager's
// registry. It never touches BLE payloads or the WebSocket frame protocol —
// those stay inside pkg/wsbridge and pkg/session.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commatea/ble-bridge/pkg/api/middleware"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/packetlog"
	"github.com/commatea/ble-bridge/pkg/session"
)

// Config holds the REST control-plane server's listen address and optional
// operator authentication.
type Config struct {
	Addr      string
	APIKeys   []string
	JWTSecret string
}

// Server is the control-plane REST API: GET /health, GET /metrics,
// GET /sessions, POST /sessions/{id}/evict.
type Server struct {
	manager   *session.Manager
	log       *logger.Logger
	cfg       Config
	packetLog *packetlog.Log
	srv       *http.Server
}

// NewServer constructs a REST control API bound to manager's session
// registry and packetLog's connection snapshot.
func NewServer(manager *session.Manager, log *logger.Logger, packetLog *packetlog.Log, cfg Config) *Server {
	return &Server{manager: manager, log: log, packetLog: packetLog, cfg: cfg}
}

// Start brings the REST listener up in a background goroutine. Start
// returns once the listener is constructed; Serve errors are logged, not
// returned, matching the teacher's fire-and-forget server goroutine.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/evict", s.handleEvictSession).Methods(http.MethodPost)

	if len(s.cfg.APIKeys) > 0 || s.cfg.JWTSecret != "" {
		auth := middleware.NewAPIKeyAuth(s.cfg.APIKeys, s.cfg.JWTSecret)
		r.Use(auth.Handler)
		s.log.Info("control api authentication enabled")
	}

	addr := s.cfg.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.srv = &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("control api server error", "error", err)
		}
	}()
	s.log.Info("control api listening", "addr", addr)
	return nil
}

// Stop gracefully shuts the REST listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// healthView reports the bridge's current BLE connection snapshot alongside
// the usual liveness flag, per §4.7's "connected/deviceName/sessionId/
// lastActivity" health surface.
type healthView struct {
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
	DeviceName   string `json:"deviceName,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "ok"}
	if s.packetLog != nil {
		snap := s.packetLog.Snapshot()
		view.Connected = snap.Connected
		view.DeviceName = snap.DeviceName
		view.SessionID = snap.SessionID
		if !snap.LastActivity.IsZero() {
			view.LastActivity = snap.LastActivity.Format(time.RFC3339)
		}
	}
	respondJSON(w, http.StatusOK, view)
}

// sessionView is the wire shape of one registry entry. It mirrors the
// fields an operator needs to decide whether to evict — never the BLE
// payloads flowing through it.
type sessionView struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	DeviceName   string `json:"deviceName,omitempty"`
	ServiceUUID  string `json:"serviceUuid"`
	LastActivity string `json:"lastActivity"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.List()
	views := make([]sessionView, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.manager.Get(id)
		if !ok {
			continue
		}
		views = append(views, sessionView{
			ID:           sess.ID(),
			State:        sess.State().String(),
			DeviceName:   sess.DeviceName(),
			ServiceUUID:  sess.Config().ServiceUUID,
			LastActivity: sess.LastActivity().Format(time.RFC3339),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleEvictSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.manager.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.ForceCleanup("operator eviction")
	respondJSON(w, http.StatusOK, map[string]string{"status": "evicted", "id": id})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
