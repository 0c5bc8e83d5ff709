package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/config"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/logging"
)

// SSEServer implements a Server-Sent Events (SSE) based JSON-RPC transport.
// A GET on the SSE endpoint opens a long-lived stream and advertises the
// message endpoint for that session; POSTs to the message endpoint are
// correlated back to the stream by session id.
type SSEServer struct {
	registry *SessionRegistry
	notifier *NotificationSender
	handler  domain.MessageHandler
	logger   *logging.Logger
	cfg      config.Config

	router chi.Router
	srv    *http.Server

	serverInfo   domain.ServerInfo
	capabilities domain.Capabilities
}

// SSEOption defines a function type for configuring SSEServer
type SSEOption func(*SSEServer)

// WithMessageHandler sets the handler application-level requests are
// forwarded to once a session is ready.
func WithMessageHandler(handler domain.MessageHandler) SSEOption {
	return func(s *SSEServer) {
		s.handler = handler
	}
}

// WithLogger sets the logger used by the server and its registry.
func WithLogger(logger *logging.Logger) SSEOption {
	return func(s *SSEServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerInfo sets the server identity reported in initialize results.
func WithServerInfo(info domain.ServerInfo) SSEOption {
	return func(s *SSEServer) {
		s.serverInfo = info
	}
}

// WithCapabilities sets the capabilities reported in initialize results.
func WithCapabilities(caps domain.Capabilities) SSEOption {
	return func(s *SSEServer) {
		s.capabilities = caps
	}
}

// NewSSEServer creates a new SSE server with the given configuration and
// options. The registry reaper starts immediately; call Shutdown to stop it.
func NewSSEServer(cfg config.Config, opts ...SSEOption) *SSEServer {
	s := &SSEServer{
		notifier: NewNotificationSender(),
		logger:   logging.Default(),
		cfg:      cfg,
		serverInfo: domain.ServerInfo{
			Name:    "mcp-sse-transport",
			Version: "0.1.0",
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registry = NewSessionRegistry(s.logger)
	s.registry.StartReaper(cfg.ReaperInterval)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get(cfg.SSEEndpoint, s.handleStream)
	router.Post(cfg.MessageEndpoint, s.handleMessage)
	s.router = router

	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving on the configured listen address.
func (s *SSEServer) Start() error {
	s.srv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s,
	}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server: the reaper is halted, every open
// stream is closed and its session loop stopped, then the HTTP server is
// shut down.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.registry.Stop()

	for id, rec := range s.registry.Drain() {
		s.notifier.Unregister(id)
		rec.stream.Close()
		if actor, ok := rec.handshake.(*HandshakeActor); ok {
			actor.Stop()
		}
	}

	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// SessionCount returns the number of registered sessions.
func (s *SSEServer) SessionCount() int {
	return s.registry.Len()
}

// SendNotification delivers a server-originated notification to one session.
func (s *SSEServer) SendNotification(sessionID, method string, params map[string]interface{}) error {
	return s.notifier.Send(sessionID, method, params)
}

// BroadcastNotification delivers a server-originated notification to every
// connected session.
func (s *SSEServer) BroadcastNotification(method string, params map[string]interface{}) error {
	return s.notifier.Broadcast(method, params)
}

// MessageEndpointFor returns the message-post URL advertised to a session.
func (s *SSEServer) MessageEndpointFor(sessionID string) string {
	return fmt.Sprintf("%s%s?sessionId=%s", s.cfg.BaseURL, s.cfg.MessageEndpoint, sessionID)
}

// handleStream handles a stream-open request. It registers a fresh session,
// or rebinds an existing one when the client presents a still-live session
// id, then holds the response open as the session's push channel until the
// transport closes.
func (s *SSEServer) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Resume-by-session-id: a GET naming a live session rebinds that
	// session's stream instead of minting a new one.
	var handshake domain.HandshakeSession
	var prev domain.StreamSession
	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if p, h, ok := s.registry.Lookup(sessionID); ok {
			handshake = h
			prev = p
		} else {
			sessionID = ""
		}
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	stream, err := newSSESession(w, sessionID, s.cfg.EventBufferSize)
	if err != nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if handshake == nil {
		actor := NewHandshakeActor(sessionID, stream, s.cfg.InitTimeout, s.logger)
		actor.Start()
		handshake = actor
	} else {
		handshake.BindStream(stream)
	}

	s.registry.Insert(sessionID, stream, handshake, s.cfg.SessionTTL)
	s.notifier.Register(stream)

	// Close the superseded stream only after the new record is in place:
	// its handler's teardown compares streams before touching the record
	// or the actor, so it cannot tear down the rebound session.
	if prev != nil {
		prev.Close()
	}

	defer func() {
		owned := s.registry.Release(sessionID, stream)
		s.notifier.Release(stream)
		stream.Close()
		if owned {
			if actor, ok := handshake.(*HandshakeActor); ok {
				actor.Stop()
			}
		}
		s.logger.Info("stream closed", logging.Fields{"sessionID": sessionID})
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"sessionId\": \"%s\"}\n\n", sessionID)
	stream.flusher.Flush()

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", s.MessageEndpointFor(sessionID))
	stream.flusher.Flush()

	s.logger.Info("stream opened", logging.Fields{
		"sessionID": sessionID,
		"userAgent": r.UserAgent(),
	})

	stream.run(r.Context())
}

// handleMessage routes one inbound JSON-RPC message to its session: the
// synchronous HTTP response only acknowledges receipt while the JSON-RPC
// response itself is pushed on the session's stream.
func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if _, present := query["sessionId"]; !present {
		s.logger.Warn("message rejected: no sessionId parameter")
		s.writeHTTPError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sessionID := query.Get("sessionId")
	if strings.TrimSpace(sessionID) == "" {
		s.logger.Warn("message rejected: blank sessionId parameter")
		s.writeHTTPError(w, http.StatusBadRequest, "Invalid session ID")
		return
	}

	stream, handshake, ok := s.registry.Lookup(sessionID)
	if !ok {
		s.logger.Warn("message for unknown session", logging.Fields{"sessionID": sessionID})
		s.writeHTTPError(w, http.StatusNotFound, "Could not find session")
		return
	}

	var req domain.JSONRPCRequest
	raw, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil || !req.Valid() {
		s.logger.Warn("could not parse message", logging.Fields{"sessionID": sessionID})
		s.writeRPCError(w, req.ID, domain.InvalidRequest, "Could not parse message")
		return
	}

	switch req.Method {
	case domain.MethodInitialize:
		if err := handshake.Initialize(); err != nil {
			s.logger.Warn("initialize failed", logging.Fields{"sessionID": sessionID, "error": err.Error()})
			s.writeRPCError(w, req.ID, domain.InternalError, domain.ErrorMessage(domain.InternalError))
			return
		}
		s.push(stream, domain.NewResponse(req.ID, domain.InitializeResult{
			ProtocolVersion: domain.ProtocolVersion,
			ServerInfo:      s.serverInfo,
			Capabilities:    s.capabilities,
		}))
		s.writeAck(w)

	case domain.MethodInitialized:
		// A violation still gets a 202: notifications have no response
		// channel, the session just stays un-ready.
		if err := handshake.Initialized(); err != nil {
			s.logger.Warn("initialized before initialize", logging.Fields{"sessionID": sessionID})
		}
		s.writeAck(w)

	case domain.MethodCancelled:
		handshake.RecordActivity()
		s.writeAck(w)

	case domain.MethodPing:
		handshake.RecordActivity()
		s.push(stream, domain.NewResponse(req.ID, struct{}{}))
		s.writeAck(w)

	default:
		if !handshake.Ready() {
			s.logger.Warn("method before handshake completed", logging.Fields{
				"sessionID": sessionID,
				"method":    req.Method,
			})
			s.writeRPCError(w, req.ID, domain.NotReady, domain.ErrorMessage(domain.NotReady))
			return
		}
		handshake.RecordActivity()

		if s.handler == nil {
			s.writeRPCError(w, req.ID, domain.MethodNotFound, domain.ErrorMessage(domain.MethodNotFound))
			return
		}

		if response := s.handler.HandleMessage(r.Context(), raw); response != nil {
			s.push(stream, response)
		}
		s.writeAck(w)
	}
}

// push marshals a response and queues it on the session's stream.
func (s *SSEServer) push(stream domain.StreamSession, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("failed to marshal response", logging.Fields{
			"sessionID": stream.ID(),
			"error":     err.Error(),
		})
		return
	}

	if err := stream.Publish(formatEvent("message", data)); err != nil {
		s.logger.Warn("failed to push response on stream", logging.Fields{
			"sessionID": stream.ID(),
			"error":     err.Error(),
		})
	}
}

// writeAck acknowledges an accepted message post.
func (s *SSEServer) writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeHTTPError writes a routing-level error with a structured body.
func (s *SSEServer) writeHTTPError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeRPCError writes a protocol-level error in-band: HTTP 200 carrying a
// JSON-RPC error object, per JSON-RPC convention.
func (s *SSEServer) writeRPCError(w http.ResponseWriter, id json.RawMessage, code domain.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(domain.NewErrorResponse(id, code, message))
}
