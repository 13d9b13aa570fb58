package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/providentiaww/trilix-command-bridge/internal/command"
	"github.com/providentiaww/trilix-command-bridge/internal/models"
	"github.com/providentiaww/trilix-command-bridge/internal/provider"
	"github.com/providentiaww/trilix-command-bridge/internal/token"
)

// Registry maintains one connected command client per (user, provider)
// pair, constructed lazily with a fresh token and evicted when its token
// rotates, its channel authentication fails, or it lands in terminal
// disconnect.
type Registry struct {
	tokens    *token.Manager
	clientCfg command.Config
	providers map[string]models.ProviderConfig

	mu       sync.Mutex
	sessions map[string]*session
	group    singleflight.Group
	log      *log.Entry
}

type session struct {
	client      *command.Client
	accessToken string
}

// NewRegistry creates a session registry. clientCfg supplies shared client
// tuning; per-provider base URLs come from the provider configs.
func NewRegistry(tokens *token.Manager, clientCfg command.Config, providers map[string]models.ProviderConfig) *Registry {
	return &Registry{
		tokens:    tokens,
		clientCfg: clientCfg,
		providers: providers,
		sessions:  make(map[string]*session),
		log:       log.WithField("component", "bridge"),
	}
}

// Execute sends one command on behalf of a user and waits for its settled
// result. Authentication failures invalidate the in-flight token
// registration and evict the session so the next call starts clean.
func (r *Registry) Execute(ctx context.Context, userID, providerName string, cmd any, timeout time.Duration) (json.RawMessage, error) {
	providerName = strings.ToLower(providerName)
	client, err := r.session(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}

	result, err := client.SendCommand(ctx, cmd, timeout)
	if err != nil {
		var authErr *command.AuthError
		switch {
		case errors.As(err, &authErr):
			r.tokens.InvalidateToken(userID, providerName)
			r.Evict(userID, providerName)
		case errors.Is(err, command.ErrNotConnected), errors.Is(err, command.ErrConnectionClosed):
			r.Evict(userID, providerName)
		}
		return nil, err
	}
	return result, nil
}

// Evict disconnects and removes the session for a (user, provider) pair.
func (r *Registry) Evict(userID, providerName string) {
	providerName = strings.ToLower(providerName)
	key := userID + ":" + providerName
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		s.client.Disconnect()
		r.log.WithFields(log.Fields{"user_id": userID, "provider": providerName}).
			Info("evicted command session")
	}
}

// Close disconnects every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.client.Disconnect()
	}
}

// session returns a connected client for the pair, reusing the existing
// one when its token still matches the store. Concurrent callers for the
// same pair join one in-flight construction instead of each opening their
// own push channel.
func (r *Registry) session(ctx context.Context, userID, providerName string) (*command.Client, error) {
	rec, err := r.tokens.GetToken(ctx, userID, providerName, nil)
	if err != nil {
		return nil, err
	}

	key := userID + ":" + providerName
	if client, ok := r.lookup(key, rec.AccessToken); ok {
		return client, nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		// A caller that joined late may find the winner's session already
		// stored; re-check before building another client.
		if client, ok := r.lookup(key, rec.AccessToken); ok {
			return client, nil
		}

		cfg := r.clientCfg
		if providerCfg, ok := r.providers[providerName]; ok && providerCfg.CommandBaseURL != "" {
			cfg.BaseURL = providerCfg.CommandBaseURL
		}

		strategy, err := provider.New(providerName, rec.AccessToken, cfg)
		if err != nil {
			return nil, err
		}

		client := command.New(strategy, rec.AccessToken, &cfg)
		if err := client.Connect(); err != nil {
			return nil, err
		}
		if err := client.WaitConnected(ctx); err != nil {
			client.Disconnect()
			return nil, err
		}

		r.mu.Lock()
		stale, existed := r.sessions[key]
		r.sessions[key] = &session{client: client, accessToken: rec.AccessToken}
		r.mu.Unlock()
		if existed {
			// A dead or token-rotated session was still stored; release it.
			stale.client.Disconnect()
		}

		r.log.WithFields(log.Fields{"user_id": userID, "provider": providerName}).
			Info("opened command session")
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*command.Client), nil
}

// lookup returns the stored session's client when it is still usable for
// the given access token.
func (r *Registry) lookup(key, accessToken string) (*command.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	if s.accessToken != accessToken || s.client.State() == command.StateDisconnected {
		return nil, false
	}
	return s.client, true
}

// ErrorCode maps an error from Execute onto a service error code and an
// HTTP status for embedding surfaces.
func ErrorCode(err error) (string, int) {
	var authErr *command.AuthError
	var sendErr *command.SendError
	var cmdErr *command.CommandError
	var refreshErr *token.RefreshEndpointError

	switch {
	case errors.Is(err, token.ErrCredentialNotFound):
		return models.ErrCodeNotFound, 404
	case errors.Is(err, token.ErrUnsupportedProvider):
		return models.ErrCodeInvalidRequest, 400
	case errors.Is(err, token.ErrMissingRefreshToken):
		return models.ErrCodeAuthFailed, 401
	case errors.As(err, &refreshErr):
		return models.ErrCodeAuthFailed, 502
	case errors.As(err, &authErr):
		return models.ErrCodeAuthFailed, 401
	case errors.Is(err, command.ErrCommandTimeout):
		return models.ErrCodeTimeout, 504
	case errors.As(err, &sendErr):
		return models.ErrCodeSendFailed, 502
	case errors.As(err, &cmdErr):
		return models.ErrCodeCommandFailed, 502
	case errors.Is(err, command.ErrNotConnected),
		errors.Is(err, command.ErrConnectionClosed),
		errors.Is(err, command.ErrConnectionLost):
		return models.ErrCodeConnection, 502
	default:
		return models.ErrCodeInternal, 500
	}
}
