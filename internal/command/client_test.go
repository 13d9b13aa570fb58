package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHarness is a fake provider push channel: a test pushes preformatted
// SSE frames and can drop the live connection to exercise reconnection.
type sseHarness struct {
	srv    *httptest.Server
	events chan string
	drop   chan struct{}

	conns      atomic.Int32
	statusCode atomic.Int32
	lastAuth   atomic.Value
}

func newSSEHarness(t *testing.T) *sseHarness {
	t.Helper()
	h := &sseHarness{
		events: make(chan string, 16),
		drop:   make(chan struct{}),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *sseHarness) handle(w http.ResponseWriter, r *http.Request) {
	h.conns.Add(1)
	h.lastAuth.Store(r.Header.Get("Authorization"))

	if code := h.statusCode.Load(); code != 0 {
		http.Error(w, "denied", int(code))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for {
		select {
		case frame := <-h.events:
			io.WriteString(w, frame)
			flusher.Flush()
		case <-h.drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *sseHarness) push(event string, payload eventPayload) {
	data, _ := json.Marshal(payload)
	h.events <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

// stubStrategy records the request IDs the client hands it and optionally
// fails the out-of-band transmission.
type stubStrategy struct {
	mu       sync.Mutex
	requests []string
	execErr  error
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) DefaultConfig() Config {
	return Config{
		EventsPath:           "/events",
		RequestTimeout:       5 * time.Second,
		CommandTimeout:       5 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectDelay:    50 * time.Millisecond,
	}
}

func (s *stubStrategy) ExecuteCommand(ctx context.Context, requestID string, command any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, requestID)
	return s.execErr
}

func (s *stubStrategy) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func connectedClient(t *testing.T, h *sseHarness) (*Client, *stubStrategy) {
	t.Helper()
	strategy := &stubStrategy{}
	client := New(strategy, "test-token", &Config{BaseURL: h.srv.URL})
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.WaitConnected(ctx))
	return client, strategy
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendCommandSuccess(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := client.SendCommand(context.Background(), map[string]string{"action": "list"}, 0)
		done <- outcome{result, err}
	}()

	waitFor(t, func() bool { return len(strategy.sent()) == 1 }, "command was never transmitted")
	requestID := strategy.sent()[0]

	h.push(eventCommandComplete, eventPayload{
		RequestID: requestID,
		Success:   true,
		Result:    json.RawMessage(`{"items":[1,2]}`),
	})

	o := <-done
	require.NoError(t, o.err)
	assert.JSONEq(t, `{"items":[1,2]}`, string(o.result))
	assert.Equal(t, "Bearer test-token", h.lastAuth.Load())
}

func TestSendCommandTimeout(t *testing.T) {
	h := newSSEHarness(t)
	client, _ := connectedClient(t, h)

	start := time.Now()
	_, err := client.SendCommand(context.Background(), "noop", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	client.mu.Lock()
	remaining := len(client.pending)
	client.mu.Unlock()
	assert.Zero(t, remaining, "timed out command must be removed from the pending table")
}

func TestAckDoesNotSettle(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendCommand(context.Background(), "noop", 0)
		done <- err
	}()
	waitFor(t, func() bool { return len(strategy.sent()) == 1 }, "command was never transmitted")
	requestID := strategy.sent()[0]

	h.push(eventCommandAck, eventPayload{RequestID: requestID})

	select {
	case err := <-done:
		t.Fatalf("ack settled the command: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	h.push(eventCommandComplete, eventPayload{RequestID: requestID, Success: true})
	require.NoError(t, <-done)
}

func TestCommandCompleteFailure(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendCommand(context.Background(), "noop", 0)
		done <- err
	}()
	waitFor(t, func() bool { return len(strategy.sent()) == 1 }, "command was never transmitted")
	requestID := strategy.sent()[0]

	h.push(eventCommandComplete, eventPayload{RequestID: requestID, Success: false, Error: "board not found"})

	err := <-done
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, requestID, cmdErr.RequestID)
	assert.Contains(t, cmdErr.Error(), "board not found")
}

func TestErrorEventSettlesOneCommand(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.SendCommand(context.Background(), "noop", 0)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return len(strategy.sent()) == 2 }, "commands were never transmitted")
	failed := strategy.sent()[0]
	surviving := strategy.sent()[1]

	h.push(eventError, eventPayload{RequestID: failed, Message: "rate limited"})

	err := <-errs
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, failed, cmdErr.RequestID)

	// The other command and the channel itself are unaffected.
	assert.True(t, client.Connected())
	h.push(eventCommandComplete, eventPayload{RequestID: surviving, Success: true})
	require.NoError(t, <-errs)
}

func TestErrorEventAuthTerminatesWithoutReconnect(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendCommand(context.Background(), "noop", 0)
		done <- err
	}()
	waitFor(t, func() bool { return len(strategy.sent()) == 1 }, "command was never transmitted")

	h.push(eventError, eventPayload{Code: http.StatusUnauthorized, Message: "token revoked"})

	err := <-done
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Code)

	waitFor(t, func() bool { return client.State() == StateDisconnected }, "client did not land in disconnected")
	conns := h.conns.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, conns, h.conns.Load(), "auth failure must not trigger reconnection")
}

func TestConnectRejectedWithAuthStatus(t *testing.T) {
	h := newSSEHarness(t)
	h.statusCode.Store(http.StatusUnauthorized)

	client := New(&stubStrategy{}, "bad-token", &Config{BaseURL: h.srv.URL})
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, client.WaitConnected(ctx), ErrNotConnected)
	assert.Equal(t, int32(1), h.conns.Load())
}

func TestSendCommandWhileDisconnected(t *testing.T) {
	client := New(&stubStrategy{}, "token", &Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.SendCommand(context.Background(), "noop", 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStrategyFailureSettlesAsSendError(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)
	strategy.execErr = fmt.Errorf("provider rejected command")

	_, err := client.SendCommand(context.Background(), "noop", 0)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, sendErr.Error(), "provider rejected command")
}

func TestDisconnectRejectsPending(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.SendCommand(context.Background(), "noop", 0)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return len(strategy.sent()) == 2 }, "commands were never transmitted")

	client.Disconnect()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrConnectionClosed)
	}
	client.mu.Lock()
	remaining := len(client.pending)
	client.mu.Unlock()
	assert.Zero(t, remaining)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendCommand(context.Background(), "noop", 0)
		done <- err
	}()
	waitFor(t, func() bool { return len(strategy.sent()) == 1 }, "command was never transmitted")

	h.drop <- struct{}{}

	// In-flight work fails fast rather than waiting out the reopen.
	assert.ErrorIs(t, <-done, ErrConnectionLost)

	waitFor(t, func() bool { return h.conns.Load() >= 2 && client.Connected() }, "client did not reconnect")
}

func TestDuplicateCompletionIsIgnored(t *testing.T) {
	h := newSSEHarness(t)
	client, strategy := connectedClient(t, h)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := client.SendCommand(context.Background(), "noop", 0)
		done <- outcome{result, err}
	}()
	waitFor(t, func() bool { return len(strategy.sent()) == 1 }, "command was never transmitted")
	requestID := strategy.sent()[0]

	h.push(eventCommandComplete, eventPayload{RequestID: requestID, Success: true, Result: json.RawMessage(`"first"`)})
	h.push(eventCommandComplete, eventPayload{RequestID: requestID, Success: false, Error: "late duplicate"})

	o := <-done
	require.NoError(t, o.err)
	assert.JSONEq(t, `"first"`, string(o.result))

	// The duplicate must not poison the channel.
	waitFor(t, func() bool { return client.Connected() }, "client lost connection after duplicate completion")
}

func TestConnectInvalidBaseURL(t *testing.T) {
	client := New(&stubStrategy{}, "token", &Config{BaseURL: "not a url"})
	err := client.Connect()
	var initErr *InitializationError
	assert.ErrorAs(t, err, &initErr)
}

func TestReconnectDelayBackoff(t *testing.T) {
	cfg := Config{ReconnectInterval: time.Second, MaxReconnectDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
		{64, 30 * time.Second}, // shift overflow guard
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reconnectDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}
