package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/providentiaww/trilix-command-bridge/internal/models"
)

// FileStore keeps connected accounts in a local JSON file. Intended for
// development and tests; tokens are stored in the clear.
type FileStore struct {
	filePath string
	accounts map[string]models.TokenRecord // keyed userID:provider
	mu       sync.RWMutex
}

// NewFileStore creates a file-backed credential store at the given path.
func NewFileStore(filePath string) (*FileStore, error) {
	store := &FileStore{
		filePath: filePath,
		accounts: make(map[string]models.TokenRecord),
	}
	if err := store.load(); err != nil {
		return nil, fmt.Errorf("failed to load accounts file: %w", err)
	}
	return store, nil
}

func accountKey(userID, provider string) string {
	return userID + ":" + provider
}

func (s *FileStore) load() error {
	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return err
	}

	var records []models.TokenRecord
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.accounts[accountKey(rec.UserID, rec.Provider)] = rec
	}
	return nil
}

// flushLocked persists the account map. Callers hold the write lock so
// racing updates cannot persist their snapshots out of order.
func (s *FileStore) flushLocked() error {
	records := make([]models.TokenRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		records = append(records, rec)
	}

	// Stable output for diffable files.
	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		return records[i].Provider < records[j].Provider
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0o600)
}

// FindAccount returns a copy of the stored record for a user/provider pair.
func (s *FileStore) FindAccount(userID, provider string) (*models.TokenRecord, error) {
	s.mu.RLock()
	rec, ok := s.accounts[accountKey(userID, provider)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SaveAccount stores a full account record.
func (s *FileStore) SaveAccount(rec *models.TokenRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey(rec.UserID, rec.Provider)] = *rec
	return s.flushLocked()
}

// UpdateAccount applies a partial update to a stored record.
func (s *FileStore) UpdateAccount(userID, provider string, update models.TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[accountKey(userID, provider)]
	if !ok {
		return ErrNotFound
	}
	update.Apply(&rec)
	rec.UpdatedAt = time.Now()
	s.accounts[accountKey(userID, provider)] = rec
	return s.flushLocked()
}

// DeleteAccount removes the record for a user/provider pair.
func (s *FileStore) DeleteAccount(userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountKey(userID, provider))
	return s.flushLocked()
}

// ListAccounts returns all accounts for a user.
func (s *FileStore) ListAccounts(userID string) ([]models.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []models.TokenRecord
	for _, rec := range s.accounts {
		if rec.UserID == userID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Provider < records[j].Provider
	})
	return records, nil
}

// Ping is a no-op for the file store.
func (s *FileStore) Ping() error {
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
