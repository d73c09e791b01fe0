package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListSessions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"sess-1","state":"active","deviceName":"widget-1"}]`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "")
	sessions, err := c.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestEvictSendsAPIKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret")
	if err := c.Evict("sess-1"); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if gotKey != "secret" {
		t.Fatalf("expected api key header to be sent, got %q", gotKey)
	}
}

func TestEvictErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "")
	if err := c.Evict("missing"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
