package server

import "errors"

// Common errors in the server package
var (
	// ErrResponseWriterNotFlusher is returned when the ResponseWriter doesn't support Flusher interface
	ErrResponseWriterNotFlusher = errors.New("response writer does not implement http.Flusher")

	// ErrSessionNotFound is returned when a session cannot be found
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when attempting to use a closed session
	ErrSessionClosed = errors.New("session is closed")

	// ErrQueueFull is returned when a session's event queue is full
	ErrQueueFull = errors.New("event queue is full")

	// ErrNotInitialized is returned when initialized arrives before initialize
	ErrNotInitialized = errors.New("session not initialized")

	// ErrActorStopped is returned when an event is sent to a stopped session loop
	ErrActorStopped = errors.New("session event loop stopped")
)
