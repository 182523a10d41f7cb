package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"mower-go-home/internal/events"
	"mower-go-home/internal/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWSHub(logger)
}

func statusEvent(serial, status string) events.Event {
	return events.Event{Type: events.EventStatusChanged, Serial: serial, Data: status}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client

	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcastFrame(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}

	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(statusEvent("WX1001", "mowing"))
	time.Sleep(10 * time.Millisecond)

	for _, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var frame wsFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				t.Fatal(err)
			}
			if frame.Type != events.EventStatusChanged || frame.Serial != "WX1001" {
				t.Errorf("frame = %+v", frame)
			}
		default:
			t.Error("client did not receive broadcast")
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	// First event fills the slow client's buffer, the second evicts it.
	hub.Broadcast(statusEvent("WX1001", "mowing"))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(statusEvent("WX1001", "home"))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	for i := 0; i < 256; i++ {
		hub.Broadcast(statusEvent("WX1001", "mowing"))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(statusEvent("WX1001", "overflow"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	_, ok := <-client.send
	if ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestBusEventsReachHub(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewEventBus(logger)

	db := newTestStore(t)
	srv := NewServer(db, bus, logger)
	t.Cleanup(srv.Stop)

	client := &wsClient{send: make(chan []byte, 16)}
	srv.wsHub.register <- client
	time.Sleep(10 * time.Millisecond)

	bus.Emit(statusEvent("WX1001", "mowing"))
	time.Sleep(20 * time.Millisecond)

	select {
	case msg := <-client.send:
		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatal(err)
		}
		if frame.Serial != "WX1001" {
			t.Errorf("frame = %+v", frame)
		}
	default:
		t.Error("bus event did not reach websocket client")
	}
}
