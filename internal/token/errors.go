package token

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialNotFound means no account exists in the credential
	// store for the (user, provider) pair.
	ErrCredentialNotFound = errors.New("no stored credentials for account")

	// ErrMissingRefreshToken means a refresh is required but the stored
	// record carries no refresh token; such records cannot be proactively
	// refreshed.
	ErrMissingRefreshToken = errors.New("stored credentials have no refresh token")

	// ErrUnsupportedProvider means the provider name does not map to a
	// known provider configuration.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// RefreshEndpointError is a non-2xx response from the provider's token
// endpoint. The status and raw body are kept for diagnostics.
type RefreshEndpointError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *RefreshEndpointError) Error() string {
	return fmt.Sprintf("%s token endpoint returned %d: %s", e.Provider, e.StatusCode, e.Body)
}
