package server

import (
	"sync"
	"time"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/logging"
)

// sessionRecord pairs a session's stream with its handshake handle. A zero
// expiresAt marks a record that never expires.
type sessionRecord struct {
	stream    domain.StreamSession
	handshake domain.HandshakeSession
	expiresAt time.Time
}

func (rec *sessionRecord) expired(now time.Time) bool {
	return !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt)
}

// SessionRegistry is the concurrency-safe discovery index for live sessions.
// Lookup enforces expiry lazily; a periodic reaper sweeps entries abandoned
// without an explicit close.
type SessionRegistry struct {
	mu      sync.RWMutex
	records map[string]*sessionRecord

	logger *logging.Logger
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *logging.Logger) *SessionRegistry {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionRegistry{
		records: make(map[string]*sessionRecord),
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Insert stores a record for the session, overwriting any existing one for
// the same id. A ttl of zero or less stores a record that never expires.
func (r *SessionRegistry) Insert(sessionID string, stream domain.StreamSession, handshake domain.HandshakeSession, ttl time.Duration) {
	rec := &sessionRecord{
		stream:    stream,
		handshake: handshake,
	}
	if ttl > 0 {
		rec.expiresAt = r.now().Add(ttl)
	}

	r.mu.Lock()
	r.records[sessionID] = rec
	r.mu.Unlock()
}

// Lookup resolves a live session. An expired record is deleted as a side
// effect and reported as absent.
func (r *SessionRegistry) Lookup(sessionID string) (domain.StreamSession, domain.HandshakeSession, bool) {
	r.mu.RLock()
	rec, ok := r.records[sessionID]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, false
	}

	if rec.expired(r.now()) {
		r.mu.Lock()
		// Re-check under the write lock; the entry may have been replaced
		// by a concurrent Insert.
		if cur, ok := r.records[sessionID]; ok && cur == rec {
			delete(r.records, sessionID)
		}
		r.mu.Unlock()

		r.logger.Debug("dropped expired session record", logging.Fields{"sessionID": sessionID})
		return nil, nil, false
	}

	return rec.stream, rec.handshake, true
}

// Delete removes the session's record if present. Deleting an absent id is
// a no-op.
func (r *SessionRegistry) Delete(sessionID string) {
	r.mu.Lock()
	delete(r.records, sessionID)
	r.mu.Unlock()
}

// Len returns the number of physically present records, expired or not.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CleanupExpired removes every record whose expiry has passed and returns
// how many were dropped. The scan collects stale ids under the read lock
// and deletes them one key at a time, so a large sweep never holds the
// whole table against concurrent inserts and lookups.
func (r *SessionRegistry) CleanupExpired() int {
	now := r.now()

	r.mu.RLock()
	var stale []string
	for id, rec := range r.records {
		if rec.expired(now) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var dropped int
	for _, id := range stale {
		r.mu.Lock()
		if rec, ok := r.records[id]; ok && rec.expired(now) {
			delete(r.records, id)
			dropped++
		}
		r.mu.Unlock()
	}

	if dropped > 0 {
		r.logger.Info("reaped expired sessions", logging.Fields{"count": dropped})
	}
	return dropped
}

// Release deletes the session's record only while it still references the
// given stream, so a handler tearing down a superseded stream cannot drop
// the record of the stream that replaced it. Reports whether the record
// was removed.
func (r *SessionRegistry) Release(sessionID string, stream domain.StreamSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[sessionID]; ok && rec.stream == stream {
		delete(r.records, sessionID)
		return true
	}
	return false
}

// Drain removes and returns every record, expired or not. Used during
// shutdown so the caller can close the streams and stop the loops it owns.
func (r *SessionRegistry) Drain() map[string]*sessionRecord {
	r.mu.Lock()
	drained := r.records
	r.records = make(map[string]*sessionRecord)
	r.mu.Unlock()
	return drained
}

// StartReaper runs the periodic sweep until Stop is called.
func (r *SessionRegistry) StartReaper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.CleanupExpired()
			case <-r.done:
				return
			}
		}
	}()
}

// Stop halts the reaper. Safe to call more than once.
func (r *SessionRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}
