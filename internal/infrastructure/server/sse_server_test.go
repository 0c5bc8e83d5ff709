package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/config"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/logging"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/server"
)

// echoHandler answers any application method with its method name.
type echoHandler struct{}

func (echoHandler) HandleMessage(ctx context.Context, rawMessage json.RawMessage) interface{} {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	_ = json.Unmarshal(rawMessage, &req)

	return domain.JSONRPCResponse{
		JSONRPC: domain.JSONRPCVersion,
		ID:      req.ID,
		Result:  map[string]string{"echo": req.Method},
	}
}

func newTestServer(t *testing.T, opts ...server.SSEOption) (*server.SSEServer, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.InitTimeout = time.Minute

	opts = append([]server.SSEOption{server.WithLogger(logging.NewNop())}, opts...)
	srv := server.NewSSEServer(cfg, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, ts
}

type streamClient struct {
	reader *bufio.Reader
	cancel context.CancelFunc
	id     string
}

// openStream opens the SSE stream at the given URL and consumes the
// connected and endpoint events.
func openStream(t *testing.T, url string) *streamClient {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := &streamClient{reader: bufio.NewReader(resp.Body), cancel: cancel}

	event, data := sc.readEvent(t)
	require.Equal(t, "connected", event)
	var connected struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &connected))
	require.NotEmpty(t, connected.SessionID)
	sc.id = connected.SessionID

	event, data = sc.readEvent(t)
	require.Equal(t, "endpoint", event)
	require.Contains(t, data, "sessionId="+sc.id)

	return sc
}

// readEvent reads one SSE frame, failing the test after a timeout.
func (sc *streamClient) readEvent(t *testing.T) (string, string) {
	t.Helper()

	type frame struct {
		event string
		data  string
		err   error
	}
	ch := make(chan frame, 1)

	go func() {
		var event, data string
		for {
			line, err := sc.reader.ReadString('\n')
			if err != nil {
				ch <- frame{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				if event != "" || data != "" {
					ch <- frame{event: event, data: data}
					return
				}
				continue
			}
			if strings.HasPrefix(line, "event: ") {
				event = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	select {
	case f := <-ch:
		require.NoError(t, f.err)
		return f.event, f.data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return "", ""
	}
}

// readResponse reads the next message event as a JSON-RPC response.
func (sc *streamClient) readResponse(t *testing.T) domain.JSONRPCResponse {
	t.Helper()

	event, data := sc.readEvent(t)
	require.Equal(t, "message", event)

	var resp domain.JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(data), &resp))
	return resp
}

func postMessage(t *testing.T, url, body string) (int, []byte) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func messageURL(ts *httptest.Server, sessionID string) string {
	return fmt.Sprintf("%s/message?sessionId=%s", ts.URL, sessionID)
}

func TestStreamOpen(t *testing.T) {
	srv, ts := newTestServer(t)

	sc := openStream(t, ts.URL+"/sse")
	assert.NotEmpty(t, sc.id)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestInitializeHandshake(t *testing.T) {
	_, ts := newTestServer(t, server.WithMessageHandler(echoHandler{}), server.WithServerInfo(domain.ServerInfo{
		Name:    "test-server",
		Version: "1.2.3",
	}))

	sc := openStream(t, ts.URL+"/sse")

	status, body := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"initialize","id":"1","params":{"protocolVersion":"2024-11-05"}}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp := sc.readResponse(t)
	require.Nil(t, resp.Error)
	assert.Equal(t, `"1"`, string(resp.ID))

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"name":"test-server"`)
	assert.Contains(t, string(result), domain.ProtocolVersion)

	status, _ = postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, status)

	// Application methods flow to the handler once ready, with the
	// response relayed on the stream.
	status, body = postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"tools/list","id":"2"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp = sc.readResponse(t)
	require.Nil(t, resp.Error)
	assert.Equal(t, `"2"`, string(resp.ID))
	result, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"tools/list"}`, string(result))
}

func TestMessagePost_MissingSessionID(t *testing.T) {
	_, ts := newTestServer(t)

	status, body := postMessage(t, ts.URL+"/message",
		`{"jsonrpc":"2.0","method":"initialize","id":"1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"session_id is required"}`, string(body))
}

func TestMessagePost_BlankSessionID(t *testing.T) {
	_, ts := newTestServer(t)

	status, body := postMessage(t, ts.URL+"/message?sessionId=",
		`{"jsonrpc":"2.0","method":"initialize","id":"1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"Invalid session ID"}`, string(body))
}

func TestMessagePost_UnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	status, body := postMessage(t, messageURL(ts, "nonexistent"),
		`{"jsonrpc":"2.0","method":"initialize","id":"1"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Could not find session"}`, string(body))
}

func TestMessagePost_MalformedEnvelope(t *testing.T) {
	_, ts := newTestServer(t)
	sc := openStream(t, ts.URL+"/sse")

	for _, body := range []string{
		`{"foo":1}`,
		`{"jsonrpc":"2.0"}`,
		`{"method":"initialize"}`,
		`not json at all`,
	} {
		status, data := postMessage(t, messageURL(ts, sc.id), body)
		assert.Equal(t, http.StatusOK, status, body)

		var resp domain.JSONRPCResponse
		require.NoError(t, json.Unmarshal(data, &resp), body)
		require.NotNil(t, resp.Error, body)
		assert.Equal(t, int(domain.InvalidRequest), resp.Error.Code, body)
		assert.Equal(t, "Could not parse message", resp.Error.Message, body)
	}
}

func TestMessagePost_MethodBeforeReady(t *testing.T) {
	_, ts := newTestServer(t, server.WithMessageHandler(echoHandler{}))
	sc := openStream(t, ts.URL+"/sse")

	status, data := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"tools/list","id":"1"}`)
	assert.Equal(t, http.StatusOK, status)

	var resp domain.JSONRPCResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(domain.NotReady), resp.Error.Code)
}

func TestMessagePost_InitializedBeforeInitialize(t *testing.T) {
	_, ts := newTestServer(t, server.WithMessageHandler(echoHandler{}))
	sc := openStream(t, ts.URL+"/sse")

	// The out-of-order notification is still acked; the session just
	// never becomes ready.
	status, body := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, data := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"tools/list","id":"1"}`)
	assert.Equal(t, http.StatusOK, status)

	var resp domain.JSONRPCResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(domain.NotReady), resp.Error.Code)
}

func TestMessagePost_NotificationsCancelled(t *testing.T) {
	_, ts := newTestServer(t)
	sc := openStream(t, ts.URL+"/sse")

	status, body := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"notifications/cancelled"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMessagePost_Ping(t *testing.T) {
	_, ts := newTestServer(t)
	sc := openStream(t, ts.URL+"/sse")

	status, _ := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"ping","id":"7"}`)
	assert.Equal(t, http.StatusAccepted, status)

	resp := sc.readResponse(t)
	assert.Nil(t, resp.Error)
	assert.Equal(t, `"7"`, string(resp.ID))
}

func TestConcurrentStreamOpens(t *testing.T) {
	srv, ts := newTestServer(t)

	const n = 10
	var mu sync.Mutex
	ids := make(map[string]struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := openStream(t, ts.URL+"/sse")
			mu.Lock()
			ids[sc.id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.Equal(t, n, srv.SessionCount())
}

func TestStreamClose_DeletesSession(t *testing.T) {
	srv, ts := newTestServer(t)

	sc := openStream(t, ts.URL+"/sse")
	require.Equal(t, 1, srv.SessionCount())

	sc.cancel()

	assert.Eventually(t, func() bool {
		return srv.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	status, body := postMessage(t, messageURL(ts, sc.id),
		`{"jsonrpc":"2.0","method":"initialize","id":"1"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Could not find session"}`, string(body))
}

func TestStreamResume_RebindsSession(t *testing.T) {
	srv, ts := newTestServer(t)

	first := openStream(t, ts.URL+"/sse")

	status, _ := postMessage(t, messageURL(ts, first.id),
		`{"jsonrpc":"2.0","method":"initialize","id":"1"}`)
	require.Equal(t, http.StatusAccepted, status)
	_ = first.readResponse(t)

	// Reconnect with the same session id: same session, new stream.
	second := openStream(t, fmt.Sprintf("%s/sse?session=%s", ts.URL, first.id))
	assert.Equal(t, first.id, second.id)
	assert.Equal(t, 1, srv.SessionCount())

	// The handshake state survived the reconnect.
	status, _ = postMessage(t, messageURL(ts, second.id),
		`{"jsonrpc":"2.0","method":"ping","id":"2"}`)
	require.Equal(t, http.StatusAccepted, status)

	resp := second.readResponse(t)
	assert.Equal(t, `"2"`, string(resp.ID))
}

func TestServerNotification(t *testing.T) {
	srv, ts := newTestServer(t)
	sc := openStream(t, ts.URL+"/sse")

	require.NoError(t, srv.SendNotification(sc.id, "notifications/test", map[string]interface{}{
		"hello": "world",
	}))

	event, data := sc.readEvent(t)
	assert.Equal(t, "message", event)
	assert.Contains(t, data, `"method":"notifications/test"`)
	assert.Contains(t, data, `"hello":"world"`)
}

func TestShutdown_ClosesSessions(t *testing.T) {
	cfg := config.Default()
	srv := server.NewSSEServer(cfg, server.WithLogger(logging.NewNop()))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sc := openStream(t, ts.URL+"/sse")
	require.Equal(t, 1, srv.SessionCount())
	_ = sc

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, 0, srv.SessionCount())
}
