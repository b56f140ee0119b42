// Package db provides the optional Postgres layer: connection, schema, the
// encrypted token store and the publish log.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/tgscribe/crypto"
)

// Connect opens a Postgres connection for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DB_DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes. RunMigrations is the versioned
// alternative; both produce the same tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
		`CREATE TABLE IF NOT EXISTS publish_log (
			id TEXT PRIMARY KEY,
			chat_key TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			paste_url TEXT,
			paste_error TEXT,
			draft_id TEXT,
			cms_error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_publish_log_chat_started ON publish_log(chat_key, started_at DESC)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// TokenStore persists provider access tokens. With a nil Enc tokens are
// stored in plaintext (encryption_version 0); otherwise AES-GCM (version 1).
type TokenStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// SaveToken upserts the token for provider.
func (s *TokenStore) SaveToken(ctx context.Context, provider, access string, expiry time.Time) error {
	encVersion, keyID, stored := 0, "", access
	if s.Enc != nil && access != "" {
		ct, err := crypto.EncryptString(s.Enc, access)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		encVersion, keyID, stored = 1, "default", ct
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, expires_at, encryption_version, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   expires_at=EXCLUDED.expires_at,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		provider, stored, expiry, encVersion, keyID)
	return err
}

// LoadToken returns the stored token, or zero values when none exists.
// Plaintext rows are read as is.
func (s *TokenStore) LoadToken(ctx context.Context, provider string) (string, time.Time, error) {
	var (
		access     sql.NullString
		expiry     sql.NullTime
		encVersion int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, expires_at, COALESCE(encryption_version, 0) FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&access, &expiry, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	tok := access.String
	if encVersion == 1 && tok != "" {
		if s.Enc == nil {
			return "", time.Time{}, fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", provider)
		}
		if tok, err = crypto.DecryptString(s.Enc, tok); err != nil {
			return "", time.Time{}, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	return tok, expiry.Time, nil
}

// TokenExpiry reports when provider's stored token expires; zero if none.
func (s *TokenStore) TokenExpiry(ctx context.Context, provider string) (time.Time, error) {
	var expiry sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT expires_at FROM oauth_tokens WHERE provider = $1`, provider).Scan(&expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return expiry.Time, err
}
