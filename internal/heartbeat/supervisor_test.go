package heartbeat_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/liudong-work/funnychatbackend/internal/heartbeat"
	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id uuid.UUID

	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	closeErr error
	alive    bool
}

func newFakeConn(alive bool) *fakeConn {
	return &fakeConn{id: uuid.New(), alive: alive}
}

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeConn) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeErr = err
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) ResetAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.alive
	c.alive = false
	return prev
}

func (c *fakeConn) isClosed() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeErr
}

func TestSweepProbesResponsiveConnections(t *testing.T) {
	reg := registry.New(newTestLogger())
	s := heartbeat.NewSupervisor(reg, 0, newTestLogger())

	conn := newFakeConn(true)
	reg.Register("user-1", "alice", conn)

	s.Sweep()

	if closed, _ := conn.isClosed(); closed {
		t.Fatal("Responsive connection was closed")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("Expected 1 ping, got %d frames", len(conn.sent))
	}
	var env protocol.Envelope
	if err := json.Unmarshal(conn.sent[0], &env); err != nil {
		t.Fatalf("Invalid ping frame: %v", err)
	}
	if env.Event != protocol.EventPing {
		t.Errorf("Expected ping event, got %s", env.Event)
	}
	if conn.Alive() {
		t.Error("Sweep did not clear the liveness flag")
	}
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	reg := registry.New(newTestLogger())
	s := heartbeat.NewSupervisor(reg, 0, newTestLogger())

	conn := newFakeConn(false) // never answered the previous probe
	reg.Register("user-1", "alice", conn)

	s.Sweep()

	closed, closeErr := conn.isClosed()
	if !closed {
		t.Fatal("Silent connection was not closed")
	}
	if !errors.Is(closeErr, heartbeat.ErrTimeout) {
		t.Errorf("Expected ErrTimeout close reason, got %v", closeErr)
	}
	if _, ok := reg.Lookup("user-1"); ok {
		t.Error("Evicted identity still registered")
	}
}

func TestSweepOneStrikeCycle(t *testing.T) {
	reg := registry.New(newTestLogger())
	s := heartbeat.NewSupervisor(reg, 0, newTestLogger())

	conn := newFakeConn(true)
	reg.Register("user-1", "alice", conn)

	// First sweep probes and clears the flag; with no heartbeat in between,
	// the second sweep evicts.
	s.Sweep()
	s.Sweep()

	if closed, _ := conn.isClosed(); !closed {
		t.Fatal("Connection survived a full silent cycle")
	}
	if _, ok := reg.Lookup("user-1"); ok {
		t.Error("Evicted identity still registered")
	}
}

func TestSweepEvictionFiresOfflineSubscribers(t *testing.T) {
	reg := registry.New(newTestLogger())
	s := heartbeat.NewSupervisor(reg, 0, newTestLogger())

	var gone []string
	reg.SubscribeOffline(func(e *registry.Entry) { gone = append(gone, e.Identity) })

	reg.Register("user-1", "alice", newFakeConn(false))
	s.Sweep()

	if len(gone) != 1 || gone[0] != "user-1" {
		t.Errorf("Expected offline notification for evicted identity, got %v", gone)
	}
}
