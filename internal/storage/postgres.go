package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/providentiaww/trilix-command-bridge/internal/crypto"
	"github.com/providentiaww/trilix-command-bridge/internal/models"
)

// PostgresStore persists connected accounts in Postgres with tokens
// encrypted at rest. An optional Redis client caches encrypted rows;
// every write invalidates the cached row so the database stays the owner
// of durable state.
type PostgresStore struct {
	db            *sql.DB
	redis         *redis.Client
	encryptionKey string
	cacheTTL      time.Duration
}

// accountRow is the encrypted shape stored in Postgres and cached in Redis.
type accountRow struct {
	UserID                string     `json:"user_id"`
	Provider              string     `json:"provider"`
	AccessTokenEncrypted  string     `json:"access_token_encrypted"`
	RefreshTokenEncrypted string     `json:"refresh_token_encrypted"`
	ExpiresAt             *time.Time `json:"expires_at"`
	TokenType             string     `json:"token_type"`
	Scope                 string     `json:"scope"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// NewPostgresStore creates a credential store on an existing connection string.
func NewPostgresStore(connString, encryptionKey string) (*PostgresStore, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is required")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("CREDENTIAL_DB_MAX_OPEN_CONNS", 25))
	db.SetMaxIdleConns(parseEnvInt("CREDENTIAL_DB_MAX_IDLE_CONNS", 5))
	db.SetConnMaxLifetime(parseEnvDuration("CREDENTIAL_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		db:            db,
		encryptionKey: encryptionKey,
		cacheTTL:      parseEnvDuration("CREDENTIAL_CACHE_TTL", 30*time.Second),
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromEnv initializes the store from DATABASE_URL,
// CREDENTIAL_ENCRYPTION_KEY and optional REDIS_URL.
func NewPostgresStoreFromEnv() (*PostgresStore, error) {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	encryptionKey := os.Getenv("CREDENTIAL_ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is required")
	}

	store, err := NewPostgresStore(connString, encryptionKey)
	if err != nil {
		return nil, err
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		store.redis = redis.NewClient(opts)
		if err := store.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	log.WithField("component", "storage").Info("connected to postgres credential store")
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS connected_accounts (
		user_id VARCHAR(255) NOT NULL,
		provider VARCHAR(64) NOT NULL,
		access_token_encrypted TEXT,
		refresh_token_encrypted TEXT,
		expires_at TIMESTAMPTZ,
		token_type VARCHAR(64),
		scope TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, provider)
	);

	CREATE INDEX IF NOT EXISTS idx_connected_accounts_user ON connected_accounts(user_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// FindAccount retrieves and decrypts the account for a user/provider pair.
func (s *PostgresStore) FindAccount(userID, provider string) (*models.TokenRecord, error) {
	row, err := s.findRow(userID, provider)
	if err != nil {
		return nil, err
	}
	return s.decryptRow(row)
}

func (s *PostgresStore) findRow(userID, provider string) (*accountRow, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(context.Background(), cacheKey(userID, provider)).Result(); err == nil {
			var row accountRow
			if err := json.Unmarshal([]byte(cached), &row); err == nil {
				return &row, nil
			}
		}
	}

	query := `
		SELECT user_id, provider, access_token_encrypted, refresh_token_encrypted, expires_at, token_type, scope, created_at, updated_at
		FROM connected_accounts
		WHERE user_id = $1 AND provider = $2
	`

	var row accountRow
	var accessEnc, refreshEnc, tokenType, scope sql.NullString
	var expiresAt sql.NullTime

	err := s.db.QueryRow(query, userID, provider).Scan(
		&row.UserID,
		&row.Provider,
		&accessEnc,
		&refreshEnc,
		&expiresAt,
		&tokenType,
		&scope,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	row.AccessTokenEncrypted = accessEnc.String
	row.RefreshTokenEncrypted = refreshEnc.String
	row.TokenType = tokenType.String
	row.Scope = scope.String
	if expiresAt.Valid {
		row.ExpiresAt = &expiresAt.Time
	}

	if s.redis != nil {
		if payload, err := json.Marshal(&row); err == nil {
			_ = s.redis.Set(context.Background(), cacheKey(userID, provider), payload, s.cacheTTL).Err()
		}
	}
	return &row, nil
}

func (s *PostgresStore) decryptRow(row *accountRow) (*models.TokenRecord, error) {
	rec := &models.TokenRecord{
		UserID:    row.UserID,
		Provider:  row.Provider,
		ExpiresAt: row.ExpiresAt,
		TokenType: row.TokenType,
		Scope:     row.Scope,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}

	if row.AccessTokenEncrypted != "" {
		token, err := crypto.Decrypt(row.AccessTokenEncrypted, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		rec.AccessToken = token
	}
	if row.RefreshTokenEncrypted != "" {
		token, err := crypto.Decrypt(row.RefreshTokenEncrypted, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		rec.RefreshToken = token
	}
	return rec, nil
}

// SaveAccount encrypts and upserts a full account record.
func (s *PostgresStore) SaveAccount(rec *models.TokenRecord) error {
	accessEnc, err := s.encryptOptional(rec.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := s.encryptOptional(rec.RefreshToken)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO connected_accounts
			(user_id, provider, access_token_encrypted, refresh_token_encrypted, expires_at, token_type, scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			expires_at = EXCLUDED.expires_at,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.Exec(query,
		rec.UserID,
		rec.Provider,
		accessEnc,
		refreshEnc,
		nullableTime(rec.ExpiresAt),
		nullableString(rec.TokenType),
		nullableString(rec.Scope),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}

	s.invalidate(rec.UserID, rec.Provider)
	return nil
}

// UpdateAccount applies a partial update in a single write. Unset fields
// keep their stored values.
func (s *PostgresStore) UpdateAccount(userID, provider string, update models.TokenUpdate) error {
	accessEnc, err := s.encryptPtr(update.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := s.encryptPtr(update.RefreshToken)
	if err != nil {
		return err
	}

	query := `
		UPDATE connected_accounts SET
			access_token_encrypted = COALESCE($3, access_token_encrypted),
			refresh_token_encrypted = COALESCE($4, refresh_token_encrypted),
			expires_at = COALESCE($5, expires_at),
			token_type = COALESCE($6, token_type),
			scope = COALESCE($7, scope),
			updated_at = $8
		WHERE user_id = $1 AND provider = $2
	`

	result, err := s.db.Exec(query,
		userID,
		provider,
		accessEnc,
		refreshEnc,
		nullableTime(update.ExpiresAt),
		nullablePtr(update.TokenType),
		nullablePtr(update.Scope),
		time.Now(),
	)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	s.invalidate(userID, provider)
	return nil
}

// DeleteAccount removes the account for a user/provider pair.
func (s *PostgresStore) DeleteAccount(userID, provider string) error {
	_, err := s.db.Exec(`DELETE FROM connected_accounts WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return err
	}
	s.invalidate(userID, provider)
	return nil
}

// ListAccounts returns all connected accounts for a user, tokens omitted.
func (s *PostgresStore) ListAccounts(userID string) ([]models.TokenRecord, error) {
	query := `
		SELECT user_id, provider, expires_at, token_type, scope, created_at, updated_at
		FROM connected_accounts
		WHERE user_id = $1
		ORDER BY provider
	`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.TokenRecord
	for rows.Next() {
		var rec models.TokenRecord
		var tokenType, scope sql.NullString
		var expiresAt sql.NullTime
		err := rows.Scan(
			&rec.UserID,
			&rec.Provider,
			&expiresAt,
			&tokenType,
			&scope,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.TokenType = tokenType.String
		rec.Scope = scope.String
		if expiresAt.Valid {
			rec.ExpiresAt = &expiresAt.Time
		}
		accounts = append(accounts, rec)
	}

	return accounts, rows.Err()
}

// Ping tests database and Redis connectivity.
func (s *PostgresStore) Ping() error {
	if err := s.db.Ping(); err != nil {
		return err
	}
	if s.redis != nil {
		return s.redis.Ping(context.Background()).Err()
	}
	return nil
}

// Close closes the database and Redis connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.db.Close()
}

func (s *PostgresStore) invalidate(userID, provider string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(context.Background(), cacheKey(userID, provider)).Err(); err != nil {
		log.WithField("component", "storage").Warnf("failed to invalidate cached account: %v", err)
	}
}

func (s *PostgresStore) encryptOptional(value string) (sql.NullString, error) {
	if value == "" {
		return sql.NullString{}, nil
	}
	encrypted, err := crypto.Encrypt(value, s.encryptionKey)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: encrypted, Valid: true}, nil
}

func (s *PostgresStore) encryptPtr(value *string) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	return s.encryptOptional(*value)
}

func cacheKey(userID, provider string) string {
	return fmt.Sprintf("bridge:acct:%s:%s", userID, provider)
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func nullablePtr(val *string) sql.NullString {
	if val == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *val, Valid: true}
}

func nullableTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *val, Valid: true}
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
