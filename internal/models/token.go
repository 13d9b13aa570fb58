package models

import "time"

// TokenRecord is the OAuth credential state stored for one (user, provider)
// pair. The persistent store owns the durable state; a TokenRecord is an
// observation of that store at read time, never a long-lived cache.
type TokenRecord struct {
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil means unknown/never
	TokenType    string     `json:"token_type,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
}

// Expired reports whether the access token is at or past expiry, with the
// given buffer subtracted from the stored expiry. An unknown expiry never
// counts as expired.
func (r *TokenRecord) Expired(now time.Time, buffer time.Duration) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return !now.Before(r.ExpiresAt.Add(-buffer))
}

// TokenUpdate is a partial update applied to a stored token record. Nil
// fields are left unchanged.
type TokenUpdate struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
	TokenType    *string
	Scope        *string
}

// Apply copies the non-nil fields of the update onto a record.
func (u TokenUpdate) Apply(rec *TokenRecord) {
	if u.AccessToken != nil {
		rec.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		rec.RefreshToken = *u.RefreshToken
	}
	if u.ExpiresAt != nil {
		rec.ExpiresAt = u.ExpiresAt
	}
	if u.TokenType != nil {
		rec.TokenType = *u.TokenType
	}
	if u.Scope != nil {
		rec.Scope = *u.Scope
	}
}

// ProviderConfig is the static per-provider configuration resolved by
// provider name at call time.
type ProviderConfig struct {
	Name           string `yaml:"-"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TokenEndpoint  string `yaml:"token_endpoint"`
	CommandBaseURL string `yaml:"command_base_url"`
}
