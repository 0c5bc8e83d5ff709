package server

import (
	"fmt"
	"sync"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
)

// NotificationSender delivers server-originated JSON-RPC notifications onto
// the notification channel of registered streams. Delivery is best-effort:
// a full or closed channel sheds the notification rather than blocking.
type NotificationSender struct {
	streams sync.Map
}

// NewNotificationSender creates a new NotificationSender.
func NewNotificationSender() *NotificationSender {
	return &NotificationSender{}
}

// Register makes a stream reachable for notifications.
func (n *NotificationSender) Register(stream domain.StreamSession) {
	n.streams.Store(stream.ID(), stream)
}

// Unregister removes a stream.
func (n *NotificationSender) Unregister(sessionID string) {
	n.streams.Delete(sessionID)
}

// Release removes a stream only while it is still the one registered for
// its session id, so tearing down a superseded stream cannot unregister
// its replacement.
func (n *NotificationSender) Release(stream domain.StreamSession) {
	n.streams.CompareAndDelete(stream.ID(), stream)
}

// Send delivers a notification to one session.
func (n *NotificationSender) Send(sessionID, method string, params map[string]interface{}) error {
	value, ok := n.streams.Load(sessionID)
	if !ok {
		return fmt.Errorf("notify %s: %w", sessionID, ErrSessionNotFound)
	}
	stream := value.(domain.StreamSession)

	notif := domain.JSONRPCNotification{
		JSONRPC: domain.JSONRPCVersion,
		Method:  method,
		Params:  params,
	}

	return deliver(stream, notif)
}

// deliver pushes one notification without ever blocking the caller.
func deliver(stream domain.StreamSession, notif domain.JSONRPCNotification) error {
	select {
	case <-stream.Done():
		return fmt.Errorf("notify %s: %w", stream.ID(), ErrSessionClosed)
	default:
	}

	select {
	case stream.NotificationChannel() <- notif:
		return nil
	default:
		return fmt.Errorf("notify %s: %w", stream.ID(), ErrQueueFull)
	}
}

// Broadcast delivers a notification to every registered session. Sessions
// with a full queue are skipped; the first failure is reported.
func (n *NotificationSender) Broadcast(method string, params map[string]interface{}) error {
	notif := domain.JSONRPCNotification{
		JSONRPC: domain.JSONRPCVersion,
		Method:  method,
		Params:  params,
	}

	var firstErr error
	n.streams.Range(func(key, value interface{}) bool {
		stream := value.(domain.StreamSession)
		if err := deliver(stream, notif); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
