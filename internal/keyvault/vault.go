// Package keyvault is the key custodian. It stores per-chunk and
// per-document secrets, releases chunk keys only against the open escrow
// request addressed to this custodian, and publishes released keys to the
// ledger after the response has been delivered.
package keyvault

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
)

// Mode selects the authorization path for a key release.
type Mode uint8

const (
	// ModeChunked releases keys against an open escrow request and
	// publishes them afterwards.
	ModeChunked Mode = iota
	// ModeWholeDocument releases keys for a document that was paid for at
	// the price gate. No escrow check, no publish.
	ModeWholeDocument
)

func (m Mode) String() string {
	if m == ModeWholeDocument {
		return "whole_document"
	}
	return "chunked"
}

// KeyRecord is one released chunk key and the identity credited for it.
type KeyRecord struct {
	ChunkID   string `json:"chunk_id"`
	SecretKey string `json:"secret_key"`
	PublicKey string `json:"public_key"`
}

// DocumentKey is the secret for a whole encrypted document file.
type DocumentKey struct {
	DocumentID string
	SecretKey  string
	PublicKey  string
}

// Upload is a key-upload request from a document owner.
type Upload struct {
	ChunkIDs       []string `json:"chunk_ids"`
	EncryptionKeys []string `json:"encryption_keys"`
	DocumentID     string   `json:"document_id"`
	DocumentKey    string   `json:"document_key"`
	PublicKey      string   `json:"public_key"`
}

// Release is the result of a successful FetchKeys. Records are in request
// order.
type Release struct {
	Mode    Mode
	Records []KeyRecord
}

// Scheduler accepts deferred escrow work.
type Scheduler interface {
	Enqueue(job escrow.Job) bool
}

// Vault is the custodian service.
type Vault struct {
	store        *Store
	ledger       escrow.Ledger
	scheduler    Scheduler
	identity     string
	sharedSecret string
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a Vault. m may be nil.
func New(store *Store, ledger escrow.Ledger, scheduler Scheduler, cfg config.KeyVaultConfig, m *metrics.Metrics) *Vault {
	return &Vault{
		store:        store,
		ledger:       ledger,
		scheduler:    scheduler,
		identity:     cfg.Identity,
		sharedSecret: cfg.SharedSecret,
		metrics:      m,
		logger:       slog.Default().With("component", "keyvault", "identity", cfg.Identity),
	}
}

// RecordKeys stores one record per chunk id and, when a document id is
// given, the document secret, all under the upload's owner. Re-uploading a
// chunk id replaces its record.
func (v *Vault) RecordKeys(ctx context.Context, up Upload) error {
	if len(up.ChunkIDs) != len(up.EncryptionKeys) {
		return fmt.Errorf("%w: %d chunk ids but %d encryption keys", apperrors.ErrInvalidInput, len(up.ChunkIDs), len(up.EncryptionKeys))
	}
	if strings.TrimSpace(up.PublicKey) == "" {
		return fmt.Errorf("%w: public_key is required", apperrors.ErrInvalidInput)
	}
	records := make([]KeyRecord, len(up.ChunkIDs))
	for i, id := range up.ChunkIDs {
		if id == "" {
			return fmt.Errorf("%w: empty chunk id at index %d", apperrors.ErrInvalidInput, i)
		}
		records[i] = KeyRecord{ChunkID: id, SecretKey: up.EncryptionKeys[i], PublicKey: up.PublicKey}
	}
	var doc *DocumentKey
	if up.DocumentID != "" {
		doc = &DocumentKey{DocumentID: up.DocumentID, SecretKey: up.DocumentKey, PublicKey: up.PublicKey}
	}
	if err := v.store.Put(records, doc); err != nil {
		return fmt.Errorf("recording keys: %w", err)
	}
	v.logger.Info("keys recorded", "chunks", len(records), "document_id", up.DocumentID, "owner", up.PublicKey)
	return nil
}

// FetchKeys releases the keys for ids. In chunked mode ids must equal, in
// order, the chunk ids of the escrow request currently open for this
// custodian; the ledger is read on every call. Whole-document releases have
// no escrow request behind them and require the shared secret instead.
// Either every id has a record or nothing is released.
func (v *Vault) FetchKeys(ctx context.Context, ids []string, mode Mode, sharedSecret string) (*Release, error) {
	rel, err := v.fetchKeys(ctx, ids, mode, sharedSecret)
	v.recordRelease("chunk", mode, err)
	return rel, err
}

func (v *Vault) fetchKeys(ctx context.Context, ids []string, mode Mode, sharedSecret string) (*Release, error) {
	if mode == ModeWholeDocument && !v.authorized(sharedSecret) {
		v.logger.Warn("whole-document keys requested with bad shared secret", "chunk_ids", ids)
		return nil, apperrors.ErrUnauthorized
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no chunk ids requested", apperrors.ErrInvalidInput)
	}
	if mode == ModeChunked {
		pending, err := v.ledger.PendingChunkRequest(ctx, v.identity)
		if err != nil {
			return nil, err
		}
		if !slices.Equal(pending, ids) {
			v.logger.Warn("key request does not match escrow",
				"requested", ids,
				"pending", pending,
			)
			return nil, fmt.Errorf("%w: requested chunk ids do not match the open escrow request", apperrors.ErrRequestMismatch)
		}
	}

	found, missing, err := v.store.ChunkKeys(ids)
	if err != nil {
		return nil, fmt.Errorf("looking up keys: %w", err)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no key for chunk ids %v", apperrors.ErrNotFound, missing)
	}
	v.logger.Info("keys released", "mode", mode, "chunk_ids", ids)
	return &Release{Mode: mode, Records: found}, nil
}

// SchedulePublish queues the on-chain publish of a chunked release. Call it
// only after the release has been handed to the caller.
func (v *Vault) SchedulePublish(rel *Release) {
	if rel == nil || rel.Mode != ModeChunked || len(rel.Records) == 0 {
		return
	}
	job := escrow.PublishKeysJob{
		ChunkIDs: make([]string, len(rel.Records)),
		Keys:     make([]string, len(rel.Records)),
		Owners:   make([]string, len(rel.Records)),
	}
	for i, r := range rel.Records {
		job.ChunkIDs[i] = r.ChunkID
		job.Keys[i] = r.SecretKey
		job.Owners[i] = r.PublicKey
	}
	v.scheduler.Enqueue(job)
}

// FetchDocumentSecret returns the secret of documentID to a caller holding
// the custodian's shared secret.
func (v *Vault) FetchDocumentSecret(ctx context.Context, documentID, sharedSecret string) (string, error) {
	secret, err := v.fetchDocumentSecret(documentID, sharedSecret)
	v.recordRelease("document", ModeWholeDocument, err)
	return secret, err
}

func (v *Vault) fetchDocumentSecret(documentID, sharedSecret string) (string, error) {
	if !v.authorized(sharedSecret) {
		v.logger.Warn("document secret requested with bad shared secret", "document_id", documentID)
		return "", apperrors.ErrUnauthorized
	}
	doc, err := v.store.DocumentKey(documentID)
	if err != nil {
		return "", err
	}
	return doc.SecretKey, nil
}

func (v *Vault) authorized(sharedSecret string) bool {
	return v.sharedSecret != "" && subtle.ConstantTimeCompare([]byte(sharedSecret), []byte(v.sharedSecret)) == 1
}

func (v *Vault) recordRelease(kind string, mode Mode, err error) {
	if v.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(apperrors.KindOf(err))
	}
	v.metrics.KeyReleasesTotal.WithLabelValues(kind+"_"+mode.String(), result).Inc()
}
