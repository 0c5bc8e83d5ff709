package server

import (
	"sync"
	"time"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
)

// mockStream is an in-memory domain.StreamSession for tests.
type mockStream struct {
	id        string
	events    chan string
	notifs    chan domain.JSONRPCNotification
	done      chan struct{}
	closeOnce sync.Once
}

func newMockStream(id string) *mockStream {
	return &mockStream{
		id:     id,
		events: make(chan string, 16),
		notifs: make(chan domain.JSONRPCNotification, 16),
		done:   make(chan struct{}),
	}
}

func (m *mockStream) ID() string {
	return m.id
}

func (m *mockStream) Publish(event string) error {
	select {
	case m.events <- event:
		return nil
	case <-m.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

func (m *mockStream) NotificationChannel() chan<- domain.JSONRPCNotification {
	return m.notifs
}

func (m *mockStream) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *mockStream) Done() <-chan struct{} {
	return m.done
}

// mockHandshake is a no-op domain.HandshakeSession for registry tests.
type mockHandshake struct {
	mu       sync.Mutex
	ready    bool
	activity time.Time
	stream   domain.StreamSession
}

func (m *mockHandshake) Initialize() error {
	return nil
}

func (m *mockHandshake) Initialized() error {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	return nil
}

func (m *mockHandshake) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *mockHandshake) RecordActivity() {
	m.mu.Lock()
	m.activity = time.Now()
	m.mu.Unlock()
}

func (m *mockHandshake) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activity
}

func (m *mockHandshake) BindStream(stream domain.StreamSession) {
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
}
