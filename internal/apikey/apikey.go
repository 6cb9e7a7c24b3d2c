// Package apikey manages operator keys for the administrative endpoints
// (model promotion, manual materialization, cache invalidation). Raw keys are
// generated with crypto/rand and only their SHA-256 digest is stored.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrExpiredKey = errors.New("api key expired")
)

// Schema creates the operator_keys table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS operator_keys (
    id          BIGSERIAL PRIMARY KEY,
    key_hash    TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    is_active   BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ
)`,
}

// KeyInfo describes a stored key. The raw key is never part of it.
type KeyInfo struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validator checks a presented raw key.
type Validator interface {
	Validate(ctx context.Context, rawKey string) (*KeyInfo, error)
}

// Store keeps operator keys in PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "apikey-store"),
		now:    time.Now,
	}
}

// Validate returns ErrInvalidKey for unknown or revoked keys and
// ErrExpiredKey for keys past their expiry.
func (s *Store) Validate(ctx context.Context, rawKey string) (*KeyInfo, error) {
	var (
		info      KeyInfo
		expiresAt sql.NullTime
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, name, created_at, expires_at
		 FROM operator_keys
		 WHERE key_hash = $1 AND is_active = true`,
		HashKey(rawKey),
	).Scan(&info.ID, &info.Name, &info.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	if expiresAt.Valid {
		if expiresAt.Time.Before(s.now()) {
			return nil, ErrExpiredKey
		}
		info.ExpiresAt = &expiresAt.Time
	}
	return &info, nil
}

// Create stores a new key and returns the raw value. It cannot be recovered
// later.
func (s *Store) Create(ctx context.Context, name string, expiresAt *time.Time) (string, error) {
	rawKey, err := generateRawKey()
	if err != nil {
		return "", err
	}
	var expiry sql.NullTime
	if expiresAt != nil {
		expiry = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	if _, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO operator_keys (key_hash, name, expires_at) VALUES ($1, $2, $3)`,
		HashKey(rawKey), name, expiry,
	); err != nil {
		return "", fmt.Errorf("creating api key: %w", err)
	}
	s.logger.Info("api key created", "name", name)
	return rawKey, nil
}

// Revoke deactivates a key.
func (s *Store) Revoke(ctx context.Context, rawKey string) error {
	result, err := s.db.DB.ExecContext(ctx,
		`UPDATE operator_keys SET is_active = false WHERE key_hash = $1 AND is_active = true`,
		HashKey(rawKey),
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidKey
	}
	s.logger.Info("api key revoked")
	return nil
}

// List returns active keys, newest first.
func (s *Store) List(ctx context.Context) ([]KeyInfo, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, name, created_at, expires_at FROM operator_keys WHERE is_active = true ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var (
			k         KeyInfo
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// HashKey returns the SHA-256 hex digest of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRawKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
