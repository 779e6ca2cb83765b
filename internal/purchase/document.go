package purchase

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/blobstore"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/chunkledger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/cipher"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/tracing"
)

// PriceQuote is the whole-document price gate.
type PriceQuote struct {
	DocumentID   string  `json:"document_id"`
	ChunkCount   int     `json:"chunk_count"`
	Price        float64 `json:"price"`
	DocumentName string  `json:"document_name"`
}

// DocumentPurchase reports a completed whole-document purchase.
type DocumentPurchase struct {
	PriceQuote
	OwnerPublicKey  string `json:"public_key,omitempty"`
	Disclosed       int    `json:"disclosed"`
	DecryptFailures int    `json:"decrypt_failures"`
}

// DocumentPrice quotes a document. A document without chunks is NotFound.
func (o *Orchestrator) DocumentPrice(ctx context.Context, documentID string) (*PriceQuote, error) {
	q, _, _, err := o.quote(ctx, documentID)
	return q, err
}

func (o *Orchestrator) quote(ctx context.Context, documentID string) (*PriceQuote, *chunkledger.Document, []chunkledger.Chunk, error) {
	doc, err := o.deps.Chunks.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, nil, err
	}
	chunks, err := o.deps.Chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listing chunks of %s: %w", documentID, err)
	}
	if len(chunks) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: document %s has no chunks", apperrors.ErrNotFound, documentID)
	}
	return &PriceQuote{
		DocumentID:   documentID,
		ChunkCount:   len(chunks),
		Price:        DocumentPrice(o.cfg.DocumentPricePerChunk, len(chunks)),
		DocumentName: doc.Name,
	}, doc, chunks, nil
}

// BuyDocument discloses a whole document that was paid for at the price
// gate. The encrypted document file is decrypted first; then every
// encrypted chunk is released without an escrow request and decrypted.
// Every chunk accrues an equal share of the price. No ratings are sent.
func (o *Orchestrator) BuyDocument(ctx context.Context, documentID string) (res *DocumentPurchase, err error) {
	start := time.Now()
	requestID := logger.RequestID(ctx)
	ctx, span := tracing.StartSpan(ctx, "purchase.buy_document", requestID)
	span.SetAttr("document_id", documentID)
	log := logger.FromContext(ctx).With("component", "purchase", "document_id", documentID)

	ev := analytics.DocumentPurchaseEvent{Type: analytics.EventDocumentPurchase, RequestID: requestID, DocumentID: documentID}
	defer func() {
		span.EndErr(err)
		span.Log(log)
		ev.Outcome = outcome(err)
		ev.LatencyMs = time.Since(start).Milliseconds()
		ev.Timestamp = time.Now().UTC()
		o.deps.Tracker.Track(ev)
		o.observe(ModeWholeDocument, ev.Outcome, start)
	}()

	q, doc, chunks, err := o.quote(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ev.ChunkCount, ev.Price = q.ChunkCount, q.Price
	res = &DocumentPurchase{PriceQuote: *q, OwnerPublicKey: chunks[0].OwnerPublicKey}

	if doc.Encrypted {
		if err := o.discloseDocumentFile(ctx, documentID, chunks[0].KeyServerPublicKey); err != nil {
			return nil, err
		}
	}

	var encrypted []*candidate
	for i, c := range chunks {
		if c.Encrypted {
			encrypted = append(encrypted, &candidate{chunk: c, index: i})
		}
	}
	if len(encrypted) > 0 {
		keys, err := o.releaseKeys(ctx, partitionByCustodian(encrypted), ModeWholeDocument)
		if err != nil {
			return nil, err
		}
		for _, c := range encrypted {
			if _, ok := o.disclose(ctx, c.chunk, keys[c.chunk.ID]); ok {
				res.Disclosed++
			} else {
				res.DecryptFailures++
			}
		}
	}
	ev.Disclosed, ev.DecryptFailures = res.Disclosed, res.DecryptFailures

	share := q.Price / float64(q.ChunkCount)
	if err := o.deps.Chunks.AccrueReward(ctx, chunkledger.DocumentTarget(documentID), share); err != nil {
		return nil, fmt.Errorf("accruing document reward: %w", err)
	}
	log.Info("document purchased",
		"chunks", q.ChunkCount,
		"price", q.Price,
		"disclosed", res.Disclosed,
		"decrypt_failures", res.DecryptFailures,
	)
	return res, nil
}

// discloseDocumentFile turns <id>.raw into <id>.pdf. The raw file decrypts
// to the base64 text of the document.
func (o *Orchestrator) discloseDocumentFile(ctx context.Context, documentID, custodian string) (err error) {
	ctx, span := tracing.StartChildSpan(ctx, "document.decrypt_file")
	defer func() { span.EndErr(err) }()

	secret, err := o.deps.Keys.DocumentSecret(ctx, custodian, documentID)
	if err != nil {
		return fmt.Errorf("fetching document secret: %w", err)
	}
	raw, err := o.deps.Blobs.Get(ctx, blobstore.RawKey(documentID))
	if err != nil {
		return fmt.Errorf("reading encrypted document: %w", err)
	}
	encoded, err := cipher.DecryptBytes(raw, secret)
	if err != nil {
		return fmt.Errorf("decrypting document %s: %w", documentID, err)
	}
	file, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return fmt.Errorf("%w: decrypted document %s is not base64", apperrors.ErrWrongPassphrase, documentID)
	}
	if err := o.deps.Blobs.Put(ctx, blobstore.FileKey(documentID), file); err != nil {
		return fmt.Errorf("writing decrypted document: %w", err)
	}
	if _, err := o.deps.Chunks.MarkDocumentDisclosed(ctx, documentID); err != nil {
		return fmt.Errorf("recording document disclosure: %w", err)
	}
	span.SetAttr("bytes", len(file))
	return nil
}

// DocumentFile returns the decrypted document file. It is NotFound until the
// document has been bought.
func (o *Orchestrator) DocumentFile(ctx context.Context, documentID string) ([]byte, error) {
	data, err := o.deps.Blobs.Get(ctx, blobstore.FileKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("document file %s: %w", documentID, err)
	}
	return data, nil
}

// BuyChunks credits each chunk with its aligned price.
func (o *Orchestrator) BuyChunks(ctx context.Context, chunkIDs []string, prices []float64) (err error) {
	ev := analytics.ChunkPurchaseEvent{Type: analytics.EventChunkPurchase, RequestID: logger.RequestID(ctx), ChunkIDs: chunkIDs}
	defer func() {
		ev.Outcome = outcome(err)
		ev.Timestamp = time.Now().UTC()
		o.deps.Tracker.Track(ev)
	}()
	if len(chunkIDs) == 0 {
		return fmt.Errorf("%w: no chunk ids", apperrors.ErrInvalidInput)
	}
	for _, p := range prices {
		ev.Total += p
	}
	return o.deps.Chunks.AccrueRewards(ctx, chunkIDs, prices)
}
