// Package blobstore keeps whole-document files: the encrypted upload
// (<id>.raw) and, once a buyer has paid for it, the decrypted file
// (<id>.pdf).
package blobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
)

// Store is a flat key/value blob store. Get returns an error matching
// apperrors.ErrNotFound for a missing key; Delete of a missing key succeeds.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RawKey names the encrypted document file.
func RawKey(documentID string) string { return documentID + ".raw" }

// FileKey names the decrypted document file.
func FileKey(documentID string) string { return documentID + ".pdf" }

// Open builds the backend selected by cfg.Provider.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "gcs":
		return NewGCS(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Provider)
	}
}

func validateKey(key string) error {
	if key == "" || strings.Contains(key, "/") || strings.Contains(key, `\`) || key == "." || key == ".." {
		return fmt.Errorf("%w: invalid blob key %q", apperrors.ErrInvalidInput, key)
	}
	return nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: blob %s", apperrors.ErrNotFound, key)
}
