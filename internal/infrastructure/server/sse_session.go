package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
)

// sseSession is the stream sink for one open SSE connection. It is the only
// writer of protocol-visible events for its session: the HTTP handler
// goroutine runs the write loop, everything else enqueues.
type sseSession struct {
	writer     http.ResponseWriter
	flusher    http.Flusher
	done       chan struct{}
	closeOnce  sync.Once
	eventQueue chan string
	id         string
	notifChan  chan domain.JSONRPCNotification
}

// newSSESession wraps a ResponseWriter as a stream sink. Fails when the
// writer cannot flush, since SSE is useless behind full buffering.
func newSSESession(w http.ResponseWriter, sessionID string, bufferSize int) (*sseSession, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrResponseWriterNotFlusher
	}

	return &sseSession{
		writer:     w,
		flusher:    flusher,
		done:       make(chan struct{}),
		eventQueue: make(chan string, bufferSize),
		id:         sessionID,
		notifChan:  make(chan domain.JSONRPCNotification, bufferSize),
	}, nil
}

// ID returns the session ID.
func (s *sseSession) ID() string {
	return s.id
}

// Publish queues a pre-formatted SSE frame for delivery. Publishing never
// blocks: a closed session or a full queue sheds the frame with an error.
func (s *sseSession) Publish(event string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.eventQueue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// NotificationChannel returns the channel for server-originated notifications.
func (s *sseSession) NotificationChannel() chan<- domain.JSONRPCNotification {
	return s.notifChan
}

// Close releases the stream and unblocks the write loop. Safe to call
// more than once.
func (s *sseSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done is closed when the stream has been torn down.
func (s *sseSession) Done() <-chan struct{} {
	return s.done
}

// run is the write loop. It owns the ResponseWriter until the client
// disconnects or the session is closed.
func (s *sseSession) run(ctx context.Context) {
	for {
		select {
		case event := <-s.eventQueue:
			_, _ = fmt.Fprint(s.writer, event)
			s.flusher.Flush()
		case notification := <-s.notifChan:
			data, err := json.Marshal(notification)
			if err == nil {
				_, _ = fmt.Fprint(s.writer, formatEvent("message", data))
				s.flusher.Flush()
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// formatEvent renders one SSE frame.
func formatEvent(name string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}
