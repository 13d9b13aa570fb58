package command

import "time"

// Config holds the immutable tuning parameters for one client instance.
// Zero fields are filled from the provider strategy's defaults.
type Config struct {
	// BaseURL is the provider command endpoint root. The push channel is
	// opened at BaseURL+EventsPath and commands are posted to
	// BaseURL+"/commands".
	BaseURL string

	// EventsPath is the push channel path under BaseURL.
	EventsPath string

	// RequestTimeout bounds individual outbound HTTP calls (not the
	// long-lived push channel itself).
	RequestTimeout time.Duration

	// CommandTimeout is the default per-command completion window.
	CommandTimeout time.Duration

	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	MaxReconnectDelay    time.Duration
}

func (c *Config) applyDefaults(defaults Config) {
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.EventsPath == "" {
		c.EventsPath = defaults.EventsPath
	}
	if c.EventsPath == "" {
		c.EventsPath = "/events"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaults.CommandTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaults.ReconnectInterval
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
}

// reconnectDelay computes the backoff before reconnect attempt n:
// min(interval * 2^n, maxDelay).
func reconnectDelay(cfg Config, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.ReconnectInterval * time.Duration(1<<uint(attempt))
	if delay <= 0 || delay > cfg.MaxReconnectDelay {
		delay = cfg.MaxReconnectDelay
	}
	return delay
}
