package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing user information
type contextKey string

const UserContextKey contextKey = "user"

// Verifier validates caller-issued RS256 JWTs against a JWKS endpoint.
type Verifier struct {
	jwksURL    string
	issuer     string
	publicKeys map[string]*rsa.PublicKey
	keysMutex  sync.RWMutex
	httpClient *http.Client
}

// UserContext represents authenticated caller information.
type UserContext struct {
	UserID string
	Email  string
}

// Claims are the JWT claims expected from the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// NewVerifierFromEnv builds a verifier from AUTH_JWKS_URL and optional
// AUTH_ISSUER. Returns nil when no JWKS URL is configured, which disables
// JWT verification (the service token path still applies).
func NewVerifierFromEnv() *Verifier {
	jwksURL := os.Getenv("AUTH_JWKS_URL")
	if jwksURL == "" {
		return nil
	}

	v := &Verifier{
		jwksURL:    jwksURL,
		issuer:     strings.TrimRight(os.Getenv("AUTH_ISSUER"), "/"),
		publicKeys: make(map[string]*rsa.PublicKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	// Warm the key cache; verification refreshes on unknown kid anyway.
	go v.refreshPublicKeys()
	return v
}

// VerifyToken validates a bearer JWT and extracts the caller identity.
func (v *Verifier) VerifyToken(tokenString string) (*UserContext, error) {
	if v == nil {
		return nil, fmt.Errorf("JWT authentication not configured")
	}

	var opts []jwt.ParserOption
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return v.getPublicKey(kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return &UserContext{
		UserID: claims.Subject,
		Email:  claims.Email,
	}, nil
}

func (v *Verifier) getPublicKey(kid string) (*rsa.PublicKey, error) {
	v.keysMutex.RLock()
	key, exists := v.publicKeys[kid]
	v.keysMutex.RUnlock()
	if exists {
		return key, nil
	}

	if err := v.refreshPublicKeys(); err != nil {
		return nil, err
	}

	v.keysMutex.RLock()
	key, exists = v.publicKeys[kid]
	v.keysMutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("public key not found for kid: %s", kid)
	}
	return key, nil
}

func (v *Verifier) refreshPublicKeys() error {
	resp, err := v.httpClient.Get(v.jwksURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	v.keysMutex.Lock()
	defer v.keysMutex.Unlock()

	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			continue
		}
		var eInt int
		for _, b := range eBytes {
			eInt = eInt<<8 + int(b)
		}
		v.publicKeys[key.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: eInt,
		}
	}
	return nil
}

// UserFromContext extracts the caller identity set by the middleware.
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	return user, ok
}

// TokenFromHeader extracts the bearer token from an Authorization header.
func TokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
