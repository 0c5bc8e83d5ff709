package domain

import (
	"context"
	"encoding/json"
	"time"
)

// StreamSession represents one client's open event stream. It is the only
// writer of protocol-visible events for its session.
type StreamSession interface {
	// ID returns the session identifier.
	ID() string

	// Publish queues a pre-formatted SSE frame for delivery.
	Publish(event string) error

	// NotificationChannel returns the channel used to push server-originated
	// notifications to this session.
	NotificationChannel() chan<- JSONRPCNotification

	// Close releases the stream and unblocks its event loop.
	Close()

	// Done is closed when the stream has been torn down.
	Done() <-chan struct{}
}

// HandshakeSession is the per-session protocol state machine handle the
// dispatcher drives. All methods are processed serially by the session's
// own event loop.
type HandshakeSession interface {
	// Initialize moves the session from Connected to Initializing.
	Initialize() error

	// Initialized moves the session from Initializing to Ready. Returns
	// ErrNotInitialized when no initialize was seen first.
	Initialized() error

	// Ready reports whether the handshake has completed.
	Ready() bool

	// RecordActivity updates the session's last-activity timestamp.
	RecordActivity()

	// LastActivity returns the last-activity timestamp.
	LastActivity() time.Time

	// BindStream rebinds the stream the session pushes outbound frames to.
	BindStream(stream StreamSession)
}

// SessionStore is the discovery index mapping session ids to their stream
// and handshake handles.
type SessionStore interface {
	// Insert stores a record for the session, overwriting any previous one.
	// A zero ttl stores a record that never expires.
	Insert(sessionID string, stream StreamSession, handshake HandshakeSession, ttl time.Duration)

	// Lookup resolves a live session. Expired records are dropped as a side
	// effect and reported as absent.
	Lookup(sessionID string) (StreamSession, HandshakeSession, bool)

	// Delete removes the session's record if present.
	Delete(sessionID string)

	// Len returns the number of physically present records.
	Len() int
}

// MessageHandler defines the interface for handling application-level
// JSON-RPC requests once a session's handshake has completed.
type MessageHandler interface {
	// HandleMessage processes a raw JSON message and returns a response,
	// or nil when the message needs no response.
	HandleMessage(ctx context.Context, rawMessage json.RawMessage) interface{}
}
