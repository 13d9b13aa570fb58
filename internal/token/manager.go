package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/providentiaww/trilix-command-bridge/internal/models"
	"github.com/providentiaww/trilix-command-bridge/internal/storage"
)

// DefaultExpiryBuffer is subtracted from the stored expiry when deciding
// whether a token still counts as fresh.
const DefaultExpiryBuffer = 5 * time.Minute

// GetTokenOptions tune one GetToken call.
type GetTokenOptions struct {
	// ForceRefresh refreshes even if the stored token looks fresh.
	ForceRefresh bool

	// ExpiryBuffer overrides DefaultExpiryBuffer when positive.
	ExpiryBuffer time.Duration
}

// Manager produces usable access tokens for (user, provider) pairs,
// refreshing transparently near expiry. Concurrent callers for the same
// pair join one in-flight fetch-or-refresh instead of each starting their
// own; the credential store stays the owner of durable state.
type Manager struct {
	store      storage.Store
	providers  map[string]models.ProviderConfig
	group      singleflight.Group
	httpClient *http.Client
	now        func() time.Time
	log        *log.Entry
}

// NewManager creates a token manager over the given credential store and
// provider configurations.
func NewManager(store storage.Store, providers map[string]models.ProviderConfig) *Manager {
	return &Manager{
		store:      store,
		providers:  providers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		log:        log.WithField("component", "token-manager"),
	}
}

// GetToken returns a token record guaranteed fresh at the moment of
// return. Long-lived operations must re-request rather than hold it.
func (m *Manager) GetToken(ctx context.Context, userID, provider string, opts *GetTokenOptions) (*models.TokenRecord, error) {
	if userID == "" || provider == "" {
		return nil, fmt.Errorf("userID and provider are required")
	}
	// Provider names are canonically lower case; the normalized name keys
	// the config, the singleflight group and the store alike.
	provider = strings.ToLower(provider)
	providerCfg, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	options := GetTokenOptions{}
	if opts != nil {
		options = *opts
	}
	if options.ExpiryBuffer <= 0 {
		options.ExpiryBuffer = DefaultExpiryBuffer
	}

	key := userID + ":" + provider
	result, err, shared := m.group.Do(key, func() (any, error) {
		return m.fetchOrRefresh(ctx, userID, provider, providerCfg, options)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.WithFields(log.Fields{"user_id": userID, "provider": provider}).
			Debug("joined in-flight token fetch")
	}
	return result.(*models.TokenRecord), nil
}

// InvalidateToken drops any in-flight fetch registration for the pair so
// the next GetToken does not join a stale operation. The store itself is
// untouched; callers use this after observing a 401 out of band.
func (m *Manager) InvalidateToken(userID, provider string) {
	m.group.Forget(userID + ":" + strings.ToLower(provider))
}

// fetchOrRefresh reads the current record and refreshes it when required.
// It performs one store read and at most one store write.
func (m *Manager) fetchOrRefresh(ctx context.Context, userID, provider string, providerCfg models.ProviderConfig, opts GetTokenOptions) (*models.TokenRecord, error) {
	rec, err := m.store.FindAccount(userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, userID, provider)
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	needsRefresh := opts.ForceRefresh ||
		rec.AccessToken == "" ||
		rec.Expired(m.now(), opts.ExpiryBuffer)
	if !needsRefresh {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingRefreshToken, userID, provider)
	}

	refreshed, err := m.refreshGrant(ctx, providerCfg, rec.RefreshToken)
	if err != nil {
		return nil, err
	}

	update := models.TokenUpdate{AccessToken: &refreshed.AccessToken}
	if refreshed.RefreshToken != "" {
		update.RefreshToken = &refreshed.RefreshToken
	}
	if refreshed.ExpiresIn > 0 {
		expiresAt := m.now().Add(time.Duration(refreshed.ExpiresIn) * time.Second)
		update.ExpiresAt = &expiresAt
	}
	if refreshed.TokenType != "" {
		update.TokenType = &refreshed.TokenType
	}
	if refreshed.Scope != "" {
		update.Scope = &refreshed.Scope
	}

	if err := m.store.UpdateAccount(userID, provider, update); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	update.Apply(rec)
	m.log.WithFields(log.Fields{"user_id": userID, "provider": provider}).
		Info("refreshed access token")
	return rec, nil
}
