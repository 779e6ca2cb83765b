package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/blobstore"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/chunkledger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/similarity"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/google/uuid"
)

// DocumentStore is the part of the chunk ledger the catalog writes.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc chunkledger.Document, chunks []chunkledger.Chunk, beforeCommit func(ctx context.Context) error) error
	DeleteDocument(ctx context.Context, name, owner string, beforeCommit func(ctx context.Context, documentID string, chunkIDs []string) error) (string, error)
}

// Catalog adds and removes documents. The ledger rows, the vector index and
// the raw blob change together: index and blob writes run before the ledger
// commits, and a failure there rolls the rows back.
type Catalog struct {
	store  DocumentStore
	oracle similarity.Oracle
	blobs  blobstore.Store
	logger *slog.Logger
}

func NewCatalog(store DocumentStore, oracle similarity.Oracle, blobs blobstore.Store) *Catalog {
	return &Catalog{
		store:  store,
		oracle: oracle,
		blobs:  blobs,
		logger: logger.WithComponent("catalog"),
	}
}

// Upload stores an encrypted document. Every chunk starts encrypted with a
// zero reward; a missing document id is generated. A taken title is
// ErrConflict.
func (c *Catalog) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	var raw []byte
	if req.EncryptedDocument != "" {
		var err error
		if raw, err = base64.StdEncoding.DecodeString(req.EncryptedDocument); err != nil {
			return nil, fmt.Errorf("%w: encrypted document is not base64: %v", apperrors.ErrInvalidInput, err)
		}
	}

	doc := chunkledger.Document{ID: docID, Name: req.DocumentTitle, Encrypted: true}
	rows := make([]chunkledger.Chunk, len(req.Chunks))
	vectors := make([]similarity.Vector, len(req.Chunks))
	for i, ch := range req.Chunks {
		rows[i] = chunkledger.Chunk{
			ID:                 ch.ID,
			DocumentID:         docID,
			Content:            ch.EncryptedContent,
			Encrypted:          true,
			OwnerPublicKey:     req.PublicKey,
			KeyServerPublicKey: req.KeyServerPublicKey,
		}
		vectors[i] = similarity.Vector{ID: ch.ID, Values: ch.Embedding}
	}

	rawKey := blobstore.RawKey(docID)
	err := c.store.CreateDocument(ctx, doc, rows, func(ctx context.Context) error {
		if raw != nil {
			if err := c.blobs.Put(ctx, rawKey, raw); err != nil {
				return fmt.Errorf("storing raw document: %w", err)
			}
		}
		if err := c.oracle.Upsert(ctx, vectors); err != nil {
			if raw != nil {
				c.removeBlob(ctx, rawKey)
			}
			return fmt.Errorf("indexing chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("document uploaded",
		"document_id", docID,
		"title", req.DocumentTitle,
		"chunks", len(rows),
		"owner", req.PublicKey,
	)
	return &UploadResponse{
		DocumentID: docID,
		Chunks:     len(rows),
		Message:    fmt.Sprintf("Successfully uploaded %d chunks", len(rows)),
	}, nil
}

// Delete removes the named document. Only the chunks owned by owner are
// dropped from the vector index; all rows of the document are deleted.
// Blob cleanup happens after commit and never fails the call.
func (c *Catalog) Delete(ctx context.Context, owner, name string) (string, error) {
	docID, err := c.store.DeleteDocument(ctx, name, owner, func(ctx context.Context, documentID string, chunkIDs []string) error {
		if len(chunkIDs) == 0 {
			return nil
		}
		if err := c.oracle.Delete(ctx, chunkIDs); err != nil {
			return fmt.Errorf("removing chunks from index: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	c.removeBlob(ctx, blobstore.RawKey(docID))
	c.removeBlob(ctx, blobstore.FileKey(docID))
	logger.FromContext(ctx).Info("document deleted", "document_id", docID, "name", name, "owner", owner)
	return docID, nil
}

func (c *Catalog) removeBlob(ctx context.Context, key string) {
	if err := c.blobs.Delete(ctx, key); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		c.logger.Warn("blob cleanup failed", "key", key, "error", err)
	}
}
