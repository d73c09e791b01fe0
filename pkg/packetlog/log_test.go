package packetlog

import (
	"testing"
	"time"
)

func TestAppendAndSubscribeFanOut(t *testing.T) {
	log := New()
	id := log.Subscribe("")

	log.Append("TX", "s1", []byte{0xAA, 0xBB})

	entry, ok := log.Next(id)
	if !ok {
		t.Fatal("expected an entry to be available")
	}
	if entry.Direction != TX || entry.SessionID != "s1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Bytes[0] != 0xAA || entry.Bytes[1] != 0xBB {
		t.Fatalf("unexpected bytes: %v", entry.Bytes)
	}

	if _, ok := log.Next(id); ok {
		t.Fatal("expected no further entries after draining the one append")
	}
}

func TestSubscribeHexFilter(t *testing.T) {
	log := New()
	id := log.Subscribe("aabb")

	log.Append("TX", "s1", []byte{0xCC, 0xDD})
	log.Append("RX", "s1", []byte{0xAA, 0xBB})

	entry, ok := log.Next(id)
	if !ok {
		t.Fatal("expected the matching entry to pass the filter")
	}
	if entry.Direction != RX {
		t.Fatalf("expected only the RX entry to match the filter, got %+v", entry)
	}
	if _, ok := log.Next(id); ok {
		t.Fatal("expected the non-matching entry to have been filtered out")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	log := New()
	id := log.Subscribe("")
	log.Unsubscribe(id)

	log.Append("TX", "s1", []byte{0x01})

	if _, ok := log.Next(id); ok {
		t.Fatal("expected no delivery to an unsubscribed reader")
	}
}

func TestRecentReturnsBoundedHistory(t *testing.T) {
	log := New()
	for i := 0; i < 5; i++ {
		log.Append("TX", "s1", []byte{byte(i)})
	}

	recent := log.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[2].Bytes[0] != 4 {
		t.Fatalf("expected most recent entry last, got %v", recent[2].Bytes)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	log := New()
	log.UpdateSnapshot(ConnectionSnapshot{Connected: true, DeviceName: "widget-1", SessionID: "s1", LastActivity: time.Now()})

	snap := log.Snapshot()
	if !snap.Connected || snap.DeviceName != "widget-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
