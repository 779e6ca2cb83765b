// Package validator checks content-service requests before they reach the
// catalog or the purchase flow, reporting every failing field at once.
package validator

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/purchase"
)

const (
	maxTitleLength = 1024
	maxChunks      = 10000
	maxResults     = 100
	maxBatch       = 1000
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func result(errs map[string]string) error {
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateUpload checks the document fields and that every chunk has an id,
// ciphertext and an embedding of the same dimension as the first.
func ValidateUpload(req *content.UploadRequest) error {
	errs := make(map[string]string)

	title := strings.TrimSpace(req.DocumentTitle)
	if title == "" {
		errs["document_title"] = "document title is required"
	} else if len(title) > maxTitleLength {
		errs["document_title"] = fmt.Sprintf("document title must be at most %d characters", maxTitleLength)
	}
	if strings.TrimSpace(req.PublicKey) == "" {
		errs["public_key"] = "public key is required"
	}
	if strings.TrimSpace(req.KeyServerPublicKey) == "" {
		errs["key_server_public_key"] = "key server public key is required"
	}
	if req.EncryptedDocument != "" {
		if _, err := base64.StdEncoding.DecodeString(req.EncryptedDocument); err != nil {
			errs["encrypted_document"] = "encrypted document must be base64"
		}
	}

	switch {
	case len(req.Chunks) == 0:
		errs["chunks"] = "at least one chunk is required"
	case len(req.Chunks) > maxChunks:
		errs["chunks"] = fmt.Sprintf("at most %d chunks per document", maxChunks)
	default:
		dim := len(req.Chunks[0].Embedding)
		seen := make(map[string]struct{}, len(req.Chunks))
		for i, c := range req.Chunks {
			field := fmt.Sprintf("chunks[%d]", i)
			if _, dup := seen[c.ID]; dup && c.ID != "" {
				errs[field] = fmt.Sprintf("duplicate chunk id %q", c.ID)
				continue
			}
			seen[c.ID] = struct{}{}
			switch {
			case c.ID == "":
				errs[field] = "chunk id is required"
			case c.EncryptedContent == "":
				errs[field] = "encrypted content is required"
			case len(c.Embedding) == 0:
				errs[field] = "embedding is required"
			case len(c.Embedding) != dim:
				errs[field] = fmt.Sprintf("embedding has dimension %d, want %d", len(c.Embedding), dim)
			}
		}
	}
	return result(errs)
}

func ValidateQuery(req *purchase.QueryRequest) error {
	errs := make(map[string]string)
	if len(req.Embedding) == 0 {
		errs["query_embedding"] = "query embedding is required"
	}
	if req.NResults < 1 || req.NResults > maxResults {
		errs["n_results"] = fmt.Sprintf("n_results must be between 1 and %d", maxResults)
	}
	return result(errs)
}

func ValidateDelete(req *content.DeleteRequest) error {
	errs := make(map[string]string)
	if strings.TrimSpace(req.PublicKey) == "" {
		errs["public_key"] = "public key is required"
	}
	if strings.TrimSpace(req.DocumentName) == "" {
		errs["document_name"] = "document name is required"
	}
	return result(errs)
}

// ValidateBuyChunks requires aligned, non-negative prices.
func ValidateBuyChunks(req *content.BuyChunksRequest) error {
	errs := make(map[string]string)
	switch {
	case len(req.ChunkIDs) == 0:
		errs["chunk_ids"] = "at least one chunk id is required"
	case len(req.ChunkIDs) > maxBatch:
		errs["chunk_ids"] = fmt.Sprintf("at most %d chunk ids", maxBatch)
	case len(req.Prices) != len(req.ChunkIDs):
		errs["prices"] = fmt.Sprintf("got %d prices for %d chunk ids", len(req.Prices), len(req.ChunkIDs))
	}
	for i, p := range req.Prices {
		if p < 0 {
			errs[fmt.Sprintf("prices[%d]", i)] = "price must not be negative"
		}
	}
	return result(errs)
}

// ValidateRating accepts an up vote, a down vote or a reset.
func ValidateRating(req *content.RatingRequest) error {
	errs := make(map[string]string)
	if strings.TrimSpace(req.PublicKey) == "" {
		errs["public_key"] = "public key is required"
	}
	if req.ChunkID == "" {
		errs["chunk_id"] = "chunk id is required"
	}
	if req.Rating < -1 || req.Rating > 1 {
		errs["rating"] = "rating must be -1, 0 or 1"
	}
	return result(errs)
}

func ValidateChunkRatings(req *content.ChunkRatingsRequest) error {
	errs := make(map[string]string)
	if strings.TrimSpace(req.PublicKey) == "" {
		errs["public_key"] = "public key is required"
	}
	if len(req.ChunkIDs) == 0 {
		errs["chunk_ids"] = "at least one chunk id is required"
	} else if len(req.ChunkIDs) > maxBatch {
		errs["chunk_ids"] = fmt.Sprintf("at most %d chunk ids", maxBatch)
	}
	return result(errs)
}
