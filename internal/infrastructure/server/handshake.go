package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/logging"
)

// HandshakeState tracks how far a session has progressed through the
// initialize exchange. Transitions only move forward.
type HandshakeState int32

// Handshake states
const (
	StateConnected HandshakeState = iota
	StateInitializing
	StateReady
)

func (s HandshakeState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// actorEvent is one unit of work for the session loop. The reply channel
// carries the outcome back to the caller; it is buffered so the loop never
// blocks on a caller that gave up.
type actorEvent struct {
	apply func() error
	reply chan error
}

// HandshakeActor enforces the initialize -> initialized ordering for exactly
// one session. All events funnel through a single channel consumed by one
// goroutine, so no two events for the same session are ever handled
// concurrently. The state itself is stored atomically so Ready can be
// answered without going through the loop.
type HandshakeActor struct {
	sessionID string
	state     atomic.Int32

	activityMu   sync.RWMutex
	lastActivity time.Time

	// stream is only touched from the event loop.
	stream domain.StreamSession

	events      chan actorEvent
	done        chan struct{}
	stopOnce    sync.Once
	initTimeout time.Duration

	logger *logging.Logger
}

// NewHandshakeActor creates the state machine for one session. Call Start
// to arm the initialize timeout and begin consuming events.
func NewHandshakeActor(sessionID string, stream domain.StreamSession, initTimeout time.Duration, logger *logging.Logger) *HandshakeActor {
	if logger == nil {
		logger = logging.Default()
	}
	a := &HandshakeActor{
		sessionID:    sessionID,
		lastActivity: time.Now(),
		stream:       stream,
		events:       make(chan actorEvent, 16),
		done:         make(chan struct{}),
		initTimeout:  initTimeout,
		logger:       logger,
	}
	a.state.Store(int32(StateConnected))
	return a
}

// Start launches the session loop.
func (a *HandshakeActor) Start() {
	go a.run()
}

// Stop terminates the session loop. Safe to call more than once; events
// sent after Stop fail with ErrActorStopped.
func (a *HandshakeActor) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
}

// State returns the current handshake state.
func (a *HandshakeActor) State() HandshakeState {
	return HandshakeState(a.state.Load())
}

// Ready reports whether the handshake has completed.
func (a *HandshakeActor) Ready() bool {
	return a.State() == StateReady
}

// LastActivity returns the time of the last accepted protocol event.
func (a *HandshakeActor) LastActivity() time.Time {
	a.activityMu.RLock()
	defer a.activityMu.RUnlock()
	return a.lastActivity
}

// CheckActivityTimeout reports whether the session has been idle longer
// than limit. Informational only; nothing acts on the answer.
func (a *HandshakeActor) CheckActivityTimeout(limit time.Duration) bool {
	return time.Since(a.LastActivity()) > limit
}

// Initialize handles the client's initialize request. Valid from Connected;
// a repeat once Ready is an idempotent no-op.
func (a *HandshakeActor) Initialize() error {
	return a.send(func() error {
		if a.State() == StateConnected {
			a.state.Store(int32(StateInitializing))
		}
		a.touch()
		return nil
	})
}

// Initialized handles the client's initialized notification. Arriving
// before Initialize is a protocol violation reported as ErrNotInitialized
// with the state left unchanged.
func (a *HandshakeActor) Initialized() error {
	return a.send(func() error {
		switch a.State() {
		case StateInitializing:
			a.state.Store(int32(StateReady))
			a.touch()
			return nil
		case StateReady:
			a.touch()
			return nil
		default:
			return ErrNotInitialized
		}
	})
}

// RecordActivity updates the last-activity timestamp.
func (a *HandshakeActor) RecordActivity() {
	_ = a.send(func() error {
		a.touch()
		return nil
	})
}

// BindStream rebinds the stream the session pushes outbound frames to.
// Used when a client reconnects with a still-live session id.
func (a *HandshakeActor) BindStream(stream domain.StreamSession) {
	_ = a.send(func() error {
		a.stream = stream
		return nil
	})
}

func (a *HandshakeActor) touch() {
	a.activityMu.Lock()
	a.lastActivity = time.Now()
	a.activityMu.Unlock()
}

// send enqueues one event and waits for the loop to process it. A stopped
// actor rejects events deterministically.
func (a *HandshakeActor) send(apply func() error) error {
	select {
	case <-a.done:
		return ErrActorStopped
	default:
	}

	ev := actorEvent{apply: apply, reply: make(chan error, 1)}

	select {
	case a.events <- ev:
	case <-a.done:
		return ErrActorStopped
	}

	select {
	case err := <-ev.reply:
		return err
	case <-a.done:
		return ErrActorStopped
	}
}

// run is the session loop. The initialize timeout is armed once at start
// and disarmed as soon as the handshake completes; a fire that races the
// Ready transition is swallowed by the state check in onInitTimeout.
func (a *HandshakeActor) run() {
	timer := time.NewTimer(a.initTimeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-a.events:
			ev.reply <- ev.apply()
			if a.Ready() {
				timer.Stop()
			}
		case <-timer.C:
			a.onInitTimeout()
		case <-a.done:
			return
		}
	}
}

// onInitTimeout emits the diagnostic for a session that never finished its
// handshake. The session stays alive; this is observability, not teardown.
func (a *HandshakeActor) onInitTimeout() {
	state := a.State()
	if state == StateReady {
		return
	}

	a.logger.Warn("session initialize timed out", logging.Fields{
		"sessionID": a.sessionID,
		"state":     state.String(),
		"timeout":   a.initTimeout.String(),
	})

	if a.stream == nil {
		return
	}

	notif := domain.JSONRPCNotification{
		JSONRPC: domain.JSONRPCVersion,
		Method:  domain.MethodInitializeTimeout,
		Params: map[string]interface{}{
			"sessionId": a.sessionID,
			"state":     state.String(),
		},
	}

	select {
	case a.stream.NotificationChannel() <- notif:
	default:
		// Queue full or nobody draining; the warn above already recorded it.
	}
}
