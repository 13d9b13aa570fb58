package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/providentiaww/trilix-command-bridge/internal/command"
	"github.com/providentiaww/trilix-command-bridge/internal/models"
)

// Config is the parsed providers.yaml: client tuning shared by all
// command clients plus the per-provider OAuth and endpoint settings.
type Config struct {
	Client    command.Config
	Providers map[string]models.ProviderConfig
}

// fileConfig is the raw YAML shape; durations are strings so the file can
// say "30s" the same way the env vars do.
type fileConfig struct {
	Client struct {
		RequestTimeout       string `yaml:"request_timeout"`
		CommandTimeout       string `yaml:"command_timeout"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
		ReconnectInterval    string `yaml:"reconnect_interval"`
		MaxReconnectDelay    string `yaml:"max_reconnect_delay"`
	} `yaml:"client"`
	Providers map[string]models.ProviderConfig `yaml:"providers"`
}

// Load reads providers.yaml. Provider client credentials left empty in the
// file are filled from <PROVIDER>_CLIENT_ID / <PROVIDER>_CLIENT_SECRET env
// vars so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{
		Providers: make(map[string]models.ProviderConfig, len(raw.Providers)),
	}
	cfg.Client.MaxReconnectAttempts = raw.Client.MaxReconnectAttempts
	if cfg.Client.RequestTimeout, err = parseOptionalDuration(raw.Client.RequestTimeout); err != nil {
		return nil, fmt.Errorf("client.request_timeout: %w", err)
	}
	if cfg.Client.CommandTimeout, err = parseOptionalDuration(raw.Client.CommandTimeout); err != nil {
		return nil, fmt.Errorf("client.command_timeout: %w", err)
	}
	if cfg.Client.ReconnectInterval, err = parseOptionalDuration(raw.Client.ReconnectInterval); err != nil {
		return nil, fmt.Errorf("client.reconnect_interval: %w", err)
	}
	if cfg.Client.MaxReconnectDelay, err = parseOptionalDuration(raw.Client.MaxReconnectDelay); err != nil {
		return nil, fmt.Errorf("client.max_reconnect_delay: %w", err)
	}

	for name, provider := range raw.Providers {
		name = strings.ToLower(name)
		provider.Name = name

		envPrefix := strings.ToUpper(name)
		if provider.ClientID == "" {
			provider.ClientID = os.Getenv(envPrefix + "_CLIENT_ID")
		}
		if provider.ClientSecret == "" {
			provider.ClientSecret = os.Getenv(envPrefix + "_CLIENT_SECRET")
		}
		if provider.TokenEndpoint == "" {
			return nil, fmt.Errorf("provider %s: token_endpoint is required", name)
		}

		cfg.Providers[name] = provider
	}

	return cfg, nil
}

func parseOptionalDuration(val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	return time.ParseDuration(val)
}
