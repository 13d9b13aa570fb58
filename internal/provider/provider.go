package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/providentiaww/trilix-command-bridge/internal/command"
)

// Shared HTTP client with connection pooling for command transmission.
var sharedHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// defaults holds each provider's baseline client configuration. The
// command client fills unset Config fields from these.
var defaults = map[string]command.Config{
	"asana": {
		BaseURL:              "https://app.asana.com/api/bridge",
		EventsPath:           "/events",
		RequestTimeout:       30 * time.Second,
		CommandTimeout:       60 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    time.Second,
		MaxReconnectDelay:    30 * time.Second,
	},
	"linear": {
		BaseURL:              "https://api.linear.app/bridge",
		EventsPath:           "/events",
		RequestTimeout:       30 * time.Second,
		CommandTimeout:       60 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    time.Second,
		MaxReconnectDelay:    30 * time.Second,
	},
}

// Names lists the providers with a registered command strategy.
func Names() []string {
	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}
	return names
}

// Supported reports whether a command strategy exists for the provider.
func Supported(name string) bool {
	_, ok := defaults[strings.ToLower(name)]
	return ok
}

// New builds the command strategy for a provider. Unset cfg fields fall
// back to the provider defaults.
func New(name, accessToken string, cfg command.Config) (command.Strategy, error) {
	name = strings.ToLower(name)
	if _, ok := defaults[name]; !ok {
		return nil, fmt.Errorf("no command strategy for provider %q", name)
	}
	return &httpStrategy{
		name:        name,
		cfg:         cfg,
		accessToken: accessToken,
		httpClient:  commandHTTPClient(cfg.RequestTimeout),
		log:         log.WithField("component", name+"-commands"),
	}, nil
}

func commandHTTPClient(timeout time.Duration) *http.Client {
	if timeout > 0 && timeout != sharedHTTPClient.Timeout {
		return &http.Client{
			Timeout:   timeout,
			Transport: sharedHTTPClient.Transport,
		}
	}
	return sharedHTTPClient
}

// httpStrategy transmits commands with an out-of-band HTTP POST. The
// result never arrives on this call; it comes back later on the push
// channel, correlated by requestId.
type httpStrategy struct {
	name        string
	cfg         command.Config
	accessToken string
	httpClient  *http.Client
	log         *log.Entry
}

func (s *httpStrategy) Name() string {
	return s.name
}

func (s *httpStrategy) DefaultConfig() command.Config {
	return defaults[s.name]
}

// ExecuteCommand posts {requestId, command} to the provider command
// endpoint. Transmission failures are returned to the command client,
// which settles the pending entry; nothing is swallowed here.
func (s *httpStrategy) ExecuteCommand(ctx context.Context, requestID string, cmd any) error {
	baseURL := s.cfg.BaseURL
	if baseURL == "" {
		baseURL = defaults[s.name].BaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/commands"

	payload, err := json.Marshal(map[string]any{
		"requestId": requestID,
		"command":   cmd,
	})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("command endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.log.WithField("request_id", requestID).Debug("command transmitted")
	return nil
}
