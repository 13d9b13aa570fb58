package storage

import (
	"os"

	"github.com/providentiaww/trilix-command-bridge/internal/models"
)

// Store defines the credential store boundary used by the token manager.
// Implementations perform one read per FindAccount and one write per
// UpdateAccount; they never cache decrypted tokens past the call.
type Store interface {
	FindAccount(userID, provider string) (*models.TokenRecord, error)
	SaveAccount(rec *models.TokenRecord) error
	UpdateAccount(userID, provider string, update models.TokenUpdate) error
	DeleteAccount(userID, provider string) error
	ListAccounts(userID string) ([]models.TokenRecord, error)
	Ping() error
	Close() error
}

// NewStoreFromEnv selects a store implementation from the environment:
// Postgres when DATABASE_URL is set, otherwise a local JSON file store at
// CREDENTIAL_STORE_FILE (default accounts.json).
func NewStoreFromEnv() (Store, error) {
	if os.Getenv("DATABASE_URL") != "" {
		return NewPostgresStoreFromEnv()
	}

	filePath := os.Getenv("CREDENTIAL_STORE_FILE")
	if filePath == "" {
		filePath = "accounts.json"
	}
	return NewFileStore(filePath)
}

var ErrNotFound = &NotFoundError{}

type NotFoundError struct{}

func (e *NotFoundError) Error() string {
	return "account not found"
}
