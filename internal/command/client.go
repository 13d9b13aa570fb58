package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ConnectionState is the push channel lifecycle state, owned exclusively by
// one Client instance.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Strategy encapsulates everything provider-specific: how a command is
// transmitted out-of-band and what client defaults apply. Strategies must
// not swallow transmission failures; they return them so the client can
// settle the pending command.
type Strategy interface {
	Name() string
	DefaultConfig() Config
	ExecuteCommand(ctx context.Context, requestID string, command any) error
}

// settled carries the terminal outcome of one pending command.
type settled struct {
	result json.RawMessage
	err    error
}

// pendingCommand tracks one in-flight request awaiting a correlated
// response. Exactly one settlement wins: deleting the entry from the
// pending table under the client mutex is the arbitration point.
type pendingCommand struct {
	done  chan settled // buffered, single send by the winner
	timer *time.Timer
}

// Client multiplexes pending commands over one push channel connection.
// All inbound events are handled by a single reader loop; SendCommand may
// be called from any number of goroutines.
type Client struct {
	cfg         Config
	strategy    Strategy
	accessToken string
	streamURL   string

	// streamClient has no overall timeout: the push channel is long-lived.
	streamClient *http.Client

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	pending  map[string]*pendingCommand
	runCtx   context.Context
	cancel   context.CancelFunc

	handlers map[string]func(eventPayload) error
	log      *log.Entry
}

// New creates a client for the given strategy. A nil cfg uses the
// strategy's defaults; zero fields of a non-nil cfg are filled from them.
func New(strategy Strategy, accessToken string, cfg *Config) *Client {
	merged := Config{}
	if cfg != nil {
		merged = *cfg
	}
	merged.applyDefaults(strategy.DefaultConfig())

	c := &Client{
		cfg:          merged,
		strategy:     strategy,
		accessToken:  accessToken,
		streamClient: &http.Client{},
		state:        StateDisconnected,
		pending:      make(map[string]*pendingCommand),
		log: log.WithFields(log.Fields{
			"component": "command-client",
			"provider":  strategy.Name(),
		}),
	}

	// Dispatch table for inbound events, invoked synchronously from the
	// single reader loop.
	c.handlers = map[string]func(eventPayload) error{
		eventMessage:         c.handleMessage,
		eventCommandAck:      c.handleAck,
		eventCommandComplete: c.handleComplete,
		eventError:           c.handleErrorEvent,
	}
	return c
}

// Connect opens the push channel and starts the reader loop. It returns
// once the channel is constructed; it does not wait for the transport-level
// open event. Callers that need a connected guarantee use WaitConnected or
// Connected. Idempotent while a connection is live.
func (c *Client) Connect() error {
	streamURL, err := url.JoinPath(c.cfg.BaseURL, c.cfg.EventsPath)
	if err != nil {
		return &InitializationError{Err: err}
	}
	if parsed, err := url.Parse(streamURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		if err == nil {
			err = fmt.Errorf("invalid base URL %q", c.cfg.BaseURL)
		}
		return &InitializationError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return nil
	}

	c.streamURL = streamURL
	c.state = StateConnecting
	c.attempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	c.runCtx = ctx
	c.cancel = cancel
	go c.run(ctx)
	return nil
}

// Disconnect closes the push channel and rejects every pending command
// with ErrConnectionClosed, distinguishing "we closed" from "we gave up
// waiting". The client can be connected again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runCtx = nil
	c.state = StateDisconnected
	c.attempts = 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.failPending(ErrConnectionClosed)
	c.log.Info("push channel disconnected")
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the push channel is currently usable.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// WaitConnected blocks until the channel reaches the Connected state, the
// client lands in terminal Disconnected, or the context expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.State() {
		case StateConnected:
			return nil
		case StateDisconnected:
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendCommand transmits a command through the provider strategy and blocks
// until the matching completion event arrives, the timeout fires, the
// connection closes, or ctx expires — whichever comes first. A timeout of
// zero uses the configured CommandTimeout.
func (c *Client) SendCommand(ctx context.Context, command any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}

	requestID := uuid.NewString()
	p := &pendingCommand{done: make(chan settled, 1)}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[requestID] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(requestID, nil, ErrCommandTimeout)
	})
	c.mu.Unlock()

	c.log.WithField("request_id", requestID).Debug("sending command")
	if err := c.strategy.ExecuteCommand(ctx, requestID, command); err != nil {
		c.settle(requestID, nil, &SendError{Err: err})
	}

	select {
	case s := <-p.done:
		return s.result, s.err
	case <-ctx.Done():
		c.settle(requestID, nil, ctx.Err())
		// The winner's outcome is already buffered, read it so a
		// completion that raced the cancellation still reaches the caller.
		s := <-p.done
		return s.result, s.err
	}
}

// settle removes the pending entry for requestID and delivers the outcome.
// The first caller to remove the entry wins; later attempts are no-ops.
func (c *Client) settle(requestID string, result json.RawMessage, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- settled{result: result, err: err}
	return true
}

// failPending settles every pending command with the given error.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	swept := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	for _, p := range swept {
		p.timer.Stop()
		p.done <- settled{err: err}
	}
	if len(swept) > 0 {
		c.log.WithField("count", len(swept)).Warnf("rejected pending commands: %v", err)
	}
}

// run owns the reconnection state machine: it keeps the stream alive until
// the context is canceled, attempts are exhausted, or the provider signals
// an authentication failure.
func (c *Client) run(ctx context.Context) {
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			// Explicit Disconnect already rejected pending commands.
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.log.Errorf("authentication failure on push channel: %v", authErr)
			c.failPending(authErr)
			c.transition(ctx, StateDisconnected)
			return
		}

		c.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, err))

		c.mu.Lock()
		if c.runCtx != ctx {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.log.WithField("attempts", c.cfg.MaxReconnectAttempts).
				Error("reconnect attempts exhausted, giving up")
			return
		}
		delay := reconnectDelay(c.cfg, c.attempts)
		c.attempts++
		c.state = StateReconnecting
		attempt := c.attempts
		c.mu.Unlock()

		c.log.WithFields(log.Fields{"attempt": attempt, "delay": delay}).
			Warnf("push channel error, reconnecting: %v", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		c.transition(ctx, StateConnecting)
	}
}

// stream opens one SSE connection and dispatches its events until it fails.
func (c *Client) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &AuthError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d opening push channel: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Channel is open: reset the reconnect counter and become Connected.
	c.mu.Lock()
	if c.runCtx == ctx {
		c.state = StateConnected
		c.attempts = 0
	}
	c.mu.Unlock()
	c.log.Info("push channel open")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 || eventType != "" {
				if err := c.dispatch(eventType, []byte(data.String())); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment line, used by providers as a heartbeat.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("push channel closed by server")
}

// dispatch routes one inbound event through the handler table. Handler
// errors terminate the stream (connection-level failures); unknown event
// types are observed and dropped.
func (c *Client) dispatch(eventType string, data []byte) error {
	if eventType == "" {
		eventType = eventMessage
	}

	payload, err := parseEventPayload(data)
	if err != nil {
		c.log.WithField("event", eventType).Warnf("dropping unparseable event: %v", err)
		return nil
	}

	handler, ok := c.handlers[eventType]
	if !ok {
		c.log.WithField("event", eventType).Debug("ignoring unknown event type")
		return nil
	}
	return handler(payload)
}

func (c *Client) handleMessage(payload eventPayload) error {
	c.log.WithField("request_id", payload.RequestID).Debug("push message received")
	return nil
}

// handleAck observes a provider acknowledgement. Acks are informational
// only: they never settle a command and never touch its timeout.
func (c *Client) handleAck(payload eventPayload) error {
	c.log.WithField("request_id", payload.RequestID).Debug("command acknowledged by provider")
	return nil
}

func (c *Client) handleComplete(payload eventPayload) error {
	if payload.RequestID == "" {
		c.log.Warn("command_complete event without requestId")
		return nil
	}

	var settledNow bool
	if payload.Success {
		settledNow = c.settle(payload.RequestID, payload.Result, nil)
	} else {
		message := payload.Error
		if message == "" {
			message = "provider reported failure"
		}
		settledNow = c.settle(payload.RequestID, nil, &CommandError{RequestID: payload.RequestID, Message: message})
	}
	if !settledNow {
		c.log.WithField("request_id", payload.RequestID).
			Debug("completion for unknown or already settled command")
	}
	return nil
}

// handleErrorEvent applies the error event rules: 401/403 is an
// authentication failure that terminates the channel without reconnecting;
// an error carrying a requestId fails that one command; anything else is a
// connection-level error handled by the reconnect machinery.
func (c *Client) handleErrorEvent(payload eventPayload) error {
	if payload.Code == http.StatusUnauthorized || payload.Code == http.StatusForbidden {
		return &AuthError{Code: payload.Code, Message: payload.Message}
	}
	if payload.RequestID != "" {
		c.settle(payload.RequestID, nil, &CommandError{RequestID: payload.RequestID, Message: payload.Message})
		return nil
	}
	return fmt.Errorf("provider error event (code %d): %s", payload.Code, payload.Message)
}

// transition updates the state if ctx still owns the connection.
func (c *Client) transition(ctx context.Context, state ConnectionState) {
	c.mu.Lock()
	if c.runCtx == ctx {
		c.state = state
	}
	c.mu.Unlock()
}
