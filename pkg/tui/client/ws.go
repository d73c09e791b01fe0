package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	pongTimeout        = 60 * time.Second
)

// LogEntry mirrors pkg/wsbridge's logStreamFrame wire shape for "entry"
// frames.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	SessionID string    `json:"sessionId"`
	Data      []int     `json:"data"`
}

// ConnectionSnapshot mirrors pkg/packetlog.ConnectionSnapshot.
type ConnectionSnapshot struct {
	Connected    bool      `json:"connected"`
	DeviceName   string    `json:"deviceName"`
	SessionID    string    `json:"sessionId"`
	LastActivity time.Time `json:"lastActivity"`
}

type logStreamFrame struct {
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Direction string              `json:"direction"`
	SessionID string              `json:"sessionId"`
	Data      []int               `json:"data"`
	Snapshot  *ConnectionSnapshot `json:"snapshot"`
}

// LogWSClient tails bled's ?command=log-stream observability WebSocket.
type LogWSClient struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewLogWSClient creates a client for the given log-stream WebSocket URL.
func NewLogWSClient(url string) *LogWSClient {
	return &LogWSClient{url: url}
}

// LogWSConnectedMsg is sent when the log stream connects.
type LogWSConnectedMsg struct{}

// LogWSDisconnectedMsg is sent when the log stream connection drops.
type LogWSDisconnectedMsg struct{ Err error }

// LogWSSnapshotMsg delivers the initial connection snapshot.
type LogWSSnapshotMsg struct{ Snapshot ConnectionSnapshot }

// LogWSEntryMsg delivers one packet-log entry.
type LogWSEntryMsg struct{ Entry LogEntry }

// Listen returns a Bubble Tea command that connects and reconnects on
// disconnect, grounded on the reconnect-backoff pattern used by the rest of
// the pack's TUI WebSocket client.
func (c *LogWSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
			if err != nil {
				log.Printf("log stream dial error: %v (retry in %v)", err, delay)
				time.Sleep(delay)
				delay = minDuration(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()

			return LogWSConnectedMsg{}
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads one frame from the
// connection. Call it again after every message to keep tailing.
func (c *LogWSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return LogWSDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return LogWSDisconnectedMsg{Err: err}
			}

			var frame logStreamFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}

			switch frame.Type {
			case "snapshot":
				if frame.Snapshot != nil {
					return LogWSSnapshotMsg{Snapshot: *frame.Snapshot}
				}
			case "entry":
				return LogWSEntryMsg{Entry: LogEntry{
					Timestamp: frame.Timestamp,
					Direction: frame.Direction,
					SessionID: frame.SessionID,
					Data:      frame.Data,
				}}
			}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
