// Package apikey issues and validates marketplace API keys. Every key is
// bound to one buyer public key, which the gateway forwards to the content
// service. Raw keys are generated with crypto/rand and only their SHA-256
// digest is stored.
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

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
	"github.com/google/uuid"
)

var (
	ErrInvalidKey = fmt.Errorf("%w: invalid api key", apperrors.ErrUnauthorized)
	ErrExpiredKey = fmt.Errorf("%w: api key expired", apperrors.ErrUnauthorized)
)

const schema = `CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	public_key TEXT NOT NULL,
	rate_limit INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP
)`

// DefaultRateLimit applies when a key is created without one.
const DefaultRateLimit = 100

// KeyInfo holds metadata about a validated API key.
type KeyInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	PublicKey string     `json:"public_key"`
	RateLimit int        `json:"rate_limit"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validator validates API keys against the api_keys table.
type Validator struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewValidator(db *postgres.Client) *Validator {
	return &Validator{
		db:     db,
		logger: slog.Default().With("component", "apikey-validator"),
	}
}

// Migrate creates the api_keys table if it does not exist.
func (v *Validator) Migrate(ctx context.Context) error {
	if _, err := v.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating api_keys: %w", err)
	}
	return nil
}

// Validate resolves a raw key to its metadata. Unknown or revoked keys are
// ErrInvalidKey; keys past their expiry are ErrExpiredKey.
func (v *Validator) Validate(ctx context.Context, rawKey string) (*KeyInfo, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}
	var (
		info      KeyInfo
		expiresAt sql.NullTime
	)
	err := v.db.DB.QueryRowContext(ctx, v.db.Rebind(
		`SELECT id, name, public_key, rate_limit, is_active, created_at, expires_at
		 FROM api_keys
		 WHERE key_hash = ? AND is_active = TRUE`),
		HashKey(rawKey),
	).Scan(&info.ID, &info.Name, &info.PublicKey, &info.RateLimit, &info.IsActive, &info.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}

	if expiresAt.Valid {
		if expiresAt.Time.Before(time.Now()) {
			return nil, ErrExpiredKey
		}
		info.ExpiresAt = &expiresAt.Time
	}
	return &info, nil
}

// CreateKey binds a new key to publicKey and returns the raw key, which
// cannot be retrieved again. publicKey is stored in checksummed form.
func (v *Validator) CreateKey(ctx context.Context, name, publicKey string, rateLimit int, expiresAt *time.Time) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: name is required", apperrors.ErrInvalidInput)
	}
	addr, err := escrow.NormalizeAddress(publicKey)
	if err != nil {
		return "", err
	}
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	rawKey := generateRawKey()

	var expiry sql.NullTime
	if expiresAt != nil {
		expiry = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}
	_, err = v.db.DB.ExecContext(ctx, v.db.Rebind(
		`INSERT INTO api_keys (id, key_hash, name, public_key, rate_limit, is_active, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, TRUE, ?, ?)`),
		uuid.NewString(), HashKey(rawKey), name, addr.String(), rateLimit, time.Now().UTC(), expiry,
	)
	if err != nil {
		return "", fmt.Errorf("creating api key: %w", err)
	}

	v.logger.Info("api key created", "name", name, "public_key", addr, "rate_limit", rateLimit)
	return rawKey, nil
}

// RevokeKey deactivates an API key so it can no longer be used.
func (v *Validator) RevokeKey(ctx context.Context, rawKey string) error {
	result, err := v.db.DB.ExecContext(ctx, v.db.Rebind(
		`UPDATE api_keys SET is_active = FALSE WHERE key_hash = ? AND is_active = TRUE`),
		HashKey(rawKey),
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidKey
	}
	v.logger.Info("api key revoked")
	return nil
}

// ListKeys returns all active API keys, newest first, without hashes.
func (v *Validator) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	rows, err := v.db.DB.QueryContext(ctx,
		`SELECT id, name, public_key, rate_limit, is_active, created_at, expires_at
		 FROM api_keys WHERE is_active = TRUE ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	keys := []KeyInfo{}
	for rows.Next() {
		var (
			k         KeyInfo
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.Name, &k.PublicKey, &k.RateLimit, &k.IsActive, &k.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// HashKey returns the SHA-256 hex digest of a raw API key.
func HashKey(raw string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(raw)))
}

func generateRawKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
