// Package packetlog is the bridge's one piece of externally-observable
// history: a bounded log of every TX/RX packet and the current connection
// snapshot, fanned out to any number of observability subscribers without
// ever blocking the Session goroutines that produce the data.
package packetlog

import (
	"strings"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/commatea/ble-bridge/pkg/bleuuid"
)

// Direction marks which way a packet moved relative to the bridge.
type Direction string

const (
	TX Direction = "TX"
	RX Direction = "RX"
)

// Entry is one packet-log record.
type Entry struct {
	Timestamp time.Time
	Direction Direction
	SessionID string
	Bytes     []byte
}

// ConnectionSnapshot is the health-endpoint's view of the bridge's current
// BLE link, updated on every Session state transition.
type ConnectionSnapshot struct {
	Connected    bool
	DeviceName   string
	SessionID    string
	LastActivity time.Time
}

const (
	// historyCapacity bounds the in-memory TX/RX history kept for new
	// subscribers and for /health-style summaries.
	historyCapacity = 4096
	// subscriberBufferSize bounds each subscriber's pending queue; a slow
	// reader starts losing its oldest unread entries rather than stalling
	// the writer.
	subscriberBufferSize = 512
)

// subscription is one observability reader's private queue plus its
// optional hex-pattern filter.
type subscription struct {
	buffer mpmc.RichOverlappedRingBuffer[Entry]
	filter string
}

// Log is the bridge's single packet log and connection snapshot. Writers
// are Session forwarders (single writer per session, many concurrent
// sessions); readers are observability subscribers. Readers never block
// writers: Append only ever does non-blocking ring-buffer pushes.
type Log struct {
	mu   sync.Mutex
	seq  uint64
	hist []Entry

	subs   map[int]*subscription
	nextID int

	snapshot ConnectionSnapshot
}

// New constructs an empty Log.
func New() *Log {
	return &Log{
		subs: make(map[int]*subscription),
	}
}

// Append records a new packet and fans it out to every subscriber whose
// filter matches.
func (l *Log) Append(direction string, sessionID string, data []byte) {
	entry := Entry{
		Timestamp: time.Now(),
		Direction: Direction(direction),
		SessionID: sessionID,
		Bytes:     append([]byte(nil), data...),
	}

	l.mu.Lock()
	l.seq++
	l.hist = append(l.hist, entry)
	if len(l.hist) > historyCapacity {
		l.hist = l.hist[len(l.hist)-historyCapacity:]
	}
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		if s.filter != "" && !strings.Contains(bleuuid.FormatBytes(entry.Bytes), strings.ToLower(s.filter)) {
			continue
		}
		s.buffer.EnqueueM(entry)
	}
}

// Subscribe registers a new observability reader. hexFilter, if non-empty,
// restricts delivery to entries whose hex-encoded bytes contain it
// (case-insensitive substring match). The returned id is passed to Next and
// Unsubscribe.
func (l *Log) Subscribe(hexFilter string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.subs[id] = &subscription{
		buffer: mpmc.NewOverlappedRingBuffer[Entry](subscriberBufferSize),
		filter: hexFilter,
	}
	return id
}

// Unsubscribe drops a subscriber's queue.
func (l *Log) Unsubscribe(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, id)
}

// Next returns the subscriber's next unread entry, or ok=false if its queue
// is currently empty.
func (l *Log) Next(id int) (Entry, bool) {
	l.mu.Lock()
	sub, ok := l.subs[id]
	l.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	entry, err := sub.buffer.Dequeue()
	if err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Recent returns up to limit of the most recent history entries, oldest
// first, for a subscriber's initial catch-up read.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.hist) {
		limit = len(l.hist)
	}
	out := make([]Entry, limit)
	copy(out, l.hist[len(l.hist)-limit:])
	return out
}

// UpdateSnapshot records the bridge's current connection state. Called on
// every Session state transition.
func (l *Log) UpdateSnapshot(snap ConnectionSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot = snap
}

// Snapshot returns the current connection snapshot.
func (l *Log) Snapshot() ConnectionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}
