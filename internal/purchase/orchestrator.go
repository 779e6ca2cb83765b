// Package purchase drives the marketplace purchase cycles: a similarity
// query that buys the encrypted chunks it returns, a whole-document
// purchase, and direct reward payments.
package purchase

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/blobstore"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/chunkledger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/cipher"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/keyvault"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/similarity"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Mode is the key-release authorization path of a purchase.
type Mode = keyvault.Mode

const (
	ModeChunked       = keyvault.ModeChunked
	ModeWholeDocument = keyvault.ModeWholeDocument
)

// ChunkStore is the ledger surface the orchestrator needs.
type ChunkStore interface {
	GetMany(ctx context.Context, ids []string) (map[string]chunkledger.Chunk, error)
	ListByDocument(ctx context.Context, documentID string) ([]chunkledger.Chunk, error)
	MarkDisclosed(ctx context.Context, chunkID, plaintext string) (bool, error)
	AccrueReward(ctx context.Context, target chunkledger.RewardTarget, amount float64) error
	AccrueRewards(ctx context.Context, chunkIDs []string, amounts []float64) error
	GetDocument(ctx context.Context, documentID string) (*chunkledger.Document, error)
	MarkDocumentDisclosed(ctx context.Context, documentID string) (bool, error)
	ChunkIDsOwnedBy(ctx context.Context, publicKey string) ([]string, error)
}

// KeySource releases keys held by a custodian.
type KeySource interface {
	FetchKeys(ctx context.Context, custodian string, ids []string, mode Mode) ([]keyvault.KeyRecord, error)
	DocumentSecret(ctx context.Context, custodian, documentID string) (string, error)
}

// KeyRequester records the on-chain intent to buy.
type KeyRequester interface {
	RequestKeys(ctx context.Context, chunkIDs []string, prices []int64, custodian string) error
}

// Scheduler accepts deferred escrow work without blocking.
type Scheduler interface {
	Enqueue(job escrow.Job) bool
}

// Config holds the pricing settings, read once at startup.
type Config struct {
	MaxChunkPrice         float64
	DocumentPricePerChunk float64
}

func ConfigFrom(m config.MarketplaceConfig) Config {
	return Config{MaxChunkPrice: m.MaxChunkPrice, DocumentPricePerChunk: m.DocumentPricePerChunk}
}

// Deps are the collaborators of an Orchestrator. Tracker and Metrics may be
// nil.
type Deps struct {
	Oracle    similarity.Oracle
	Chunks    ChunkStore
	Keys      KeySource
	Escrow    KeyRequester
	Scheduler Scheduler
	Blobs     blobstore.Store
	Tracker   analytics.Tracker
	Metrics   *metrics.Metrics
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Tracker == nil {
		deps.Tracker = analytics.NopTracker{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithComponent("purchase"),
	}
}

// QueryRequest is a similarity query from a buyer.
type QueryRequest struct {
	Embedding      []float32 `json:"query_embedding"`
	NResults       int       `json:"n_results"`
	BuyerPublicKey string    `json:"public_key"`
}

// ChunkView is one chunk in a query response. Encrypted reports the state
// the chunk was in when the query found it. Undecrypted marks a chunk whose
// key failed to decrypt it in this cycle; its Content is empty.
type ChunkView struct {
	ChunkID            string  `json:"chunk_id"`
	DocumentID         string  `json:"document_id"`
	DocumentName       string  `json:"document_name"`
	Content            string  `json:"content"`
	ContentPreview     string  `json:"content_preview"`
	Encrypted          bool    `json:"encrypted"`
	Undecrypted        bool    `json:"undecrypted"`
	Price              int64   `json:"price"`
	Reward             float64 `json:"reward"`
	OwnerPublicKey     string  `json:"public_key"`
	KeyServerPublicKey string  `json:"key_server_public_key"`
	Distance           float64 `json:"distance"`
}

type QueryResponse struct {
	Chunks        []ChunkView `json:"chunks"`
	ChunkIDsOwned []string    `json:"chunk_ids_owned"`
}

// candidate is an encrypted chunk being bought in one cycle.
type candidate struct {
	chunk    chunkledger.Chunk
	distance float64
	price    int64
	index    int
}

// partition groups the encrypted candidates of one custodian.
type partition struct {
	custodian  string
	candidates []*candidate
}

func (p partition) ids() []string {
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.chunk.ID
	}
	return out
}

func (p partition) prices() []int64 {
	out := make([]int64, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.price
	}
	return out
}

// partitionByCustodian keeps first-seen custodian order and, within a
// custodian, the order of cands.
func partitionByCustodian(cands []*candidate) []partition {
	var parts []partition
	index := make(map[string]int)
	for _, c := range cands {
		k := c.chunk.KeyServerPublicKey
		i, ok := index[k]
		if !ok {
			i = len(parts)
			index[k] = i
			parts = append(parts, partition{custodian: k})
		}
		parts[i].candidates = append(parts[i].candidates, c)
	}
	return parts
}

// Query runs the similarity oracle and buys every encrypted chunk it
// returns. Each custodian's batch is bought all or nothing. Escrow or
// key-release failure for any custodian fails the query, but batches other
// custodians already released are still disclosed and rated, since their
// buyer has paid. A chunk whose key does not decrypt it is returned
// undecrypted and stays encrypted; the others proceed.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) (resp *QueryResponse, err error) {
	start := time.Now()
	requestID := logger.RequestID(ctx)
	ctx, span := tracing.StartSpan(ctx, "purchase.query", requestID)
	log := logger.FromContext(ctx).With("component", "purchase")

	ev := analytics.QueryEvent{Type: analytics.EventQuery, RequestID: requestID, BuyerPublicKey: req.BuyerPublicKey}
	defer func() {
		span.EndErr(err)
		span.Log(log)
		ev.Outcome = outcome(err)
		ev.LatencyMs = time.Since(start).Milliseconds()
		ev.Timestamp = time.Now().UTC()
		o.deps.Tracker.Track(ev)
		o.observe(ModeChunked, ev.Outcome, start)
	}()

	matches, err := o.similar(ctx, req.Embedding, req.NResults)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	rows, err := o.deps.Chunks.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading candidate chunks: %w", err)
	}

	views := make([]ChunkView, 0, len(matches))
	var encrypted []*candidate
	docs := make(map[string]struct{})
	for _, m := range matches {
		c, ok := rows[m.ID]
		if !ok {
			log.Warn("similarity match without ledger row", "chunk_id", m.ID)
			continue
		}
		docs[c.DocumentID] = struct{}{}
		v := newView(c, m.Distance)
		if c.Encrypted {
			v.Price = ChunkPrice(o.cfg.MaxChunkPrice, m.Distance)
			encrypted = append(encrypted, &candidate{chunk: c, distance: m.Distance, price: v.Price, index: len(views)})
			ev.TotalPrice += v.Price
		}
		views = append(views, v)
	}
	ev.Candidates = len(views)
	ev.Encrypted = len(encrypted)
	for id := range docs {
		ev.DocumentIDs = append(ev.DocumentIDs, id)
	}
	span.SetAttr("candidates", len(views))
	span.SetAttr("encrypted", len(encrypted))

	if len(encrypted) > 0 {
		parts := partitionByCustodian(encrypted)
		ev.Custodians = len(parts)
		keys, releaseErr := o.releaseKeys(ctx, parts, ModeChunked)

		job := escrow.RateKeyOwnersJob{}
		for _, c := range encrypted {
			key, released := keys[c.chunk.ID]
			if !released {
				continue
			}
			v := &views[c.index]
			plaintext, ok := o.disclose(ctx, c.chunk, key)
			job.ChunkIDs = append(job.ChunkIDs, c.chunk.ID)
			job.Owners = append(job.Owners, c.chunk.OwnerPublicKey)
			job.Outcomes = append(job.Outcomes, ok)
			if !ok {
				ev.DecryptFailures++
				v.Content, v.ContentPreview, v.Undecrypted = "", "", true
				continue
			}
			ev.Disclosed++
			v.Content, v.ContentPreview = plaintext, preview(plaintext)
		}
		if len(job.ChunkIDs) > 0 {
			defer o.scheduleRatings(job)
		}
		if releaseErr != nil {
			if len(keys) > 0 {
				log.Warn("key release failed after other custodians released",
					"released", len(keys),
					"error", releaseErr,
				)
			}
			return nil, releaseErr
		}
	}

	sortViews(views)
	var owned []string
	if req.BuyerPublicKey != "" {
		if owned, err = o.deps.Chunks.ChunkIDsOwnedBy(ctx, req.BuyerPublicKey); err != nil {
			return nil, fmt.Errorf("listing owned chunks: %w", err)
		}
	}
	if owned == nil {
		owned = []string{}
	}
	return &QueryResponse{Chunks: views, ChunkIDsOwned: owned}, nil
}

func (o *Orchestrator) similar(ctx context.Context, vec []float32, n int) ([]similarity.Match, error) {
	ctx, span := tracing.StartChildSpan(ctx, "similarity.query")
	matches, err := o.deps.Oracle.Query(ctx, vec, n)
	span.SetAttr("matches", len(matches))
	span.EndErr(err)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	return matches, nil
}

// releaseKeys runs every custodian partition concurrently. In chunked mode
// each partition first records the escrow request, then fetches the keys.
// A partition contributes keys only when it released one for every
// candidate. Partitions never cancel each other: the keys of the released
// partitions are returned together with the first failure, if any.
func (o *Orchestrator) releaseKeys(ctx context.Context, parts []partition, mode Mode) (map[string]keyvault.KeyRecord, error) {
	results := make([][]keyvault.KeyRecord, len(parts))
	var g errgroup.Group
	for i, p := range parts {
		g.Go(func() error {
			recs, err := o.releasePartition(ctx, p, mode)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	err := g.Wait()

	keys := make(map[string]keyvault.KeyRecord)
	for _, recs := range results {
		for _, r := range recs {
			keys[r.ChunkID] = r
		}
	}
	return keys, err
}

func (o *Orchestrator) releasePartition(ctx context.Context, p partition, mode Mode) ([]keyvault.KeyRecord, error) {
	ids := p.ids()
	if mode == ModeChunked {
		sctx, span := tracing.StartChildSpan(ctx, "escrow.request_keys")
		span.SetAttr("custodian", p.custodian)
		err := o.deps.Escrow.RequestKeys(sctx, ids, p.prices(), p.custodian)
		span.EndErr(err)
		if err != nil {
			return nil, fmt.Errorf("requesting keys from %s: %w", p.custodian, err)
		}
	}
	sctx, span := tracing.StartChildSpan(ctx, "keyvault.fetch_keys")
	span.SetAttr("custodian", p.custodian)
	recs, err := o.deps.Keys.FetchKeys(sctx, p.custodian, ids, mode)
	span.EndErr(err)
	if err != nil {
		return nil, fmt.Errorf("fetching keys from %s: %w", p.custodian, err)
	}

	got := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		got[r.ChunkID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s released no key for chunk ids %v", apperrors.ErrNotFound, p.custodian, missing)
	}
	return recs, nil
}

// disclose decrypts one chunk and records the disclosure. A ledger error
// after a successful decrypt is logged; the plaintext is still returned.
func (o *Orchestrator) disclose(ctx context.Context, c chunkledger.Chunk, key keyvault.KeyRecord) (string, bool) {
	plaintext, err := cipher.Decrypt(c.Content, key.SecretKey)
	if err != nil {
		o.logger.Warn("chunk did not decrypt", "chunk_id", c.ID, "owner", c.OwnerPublicKey, "error", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.DecryptFailuresTotal.Inc()
		}
		return "", false
	}
	changed, err := o.deps.Chunks.MarkDisclosed(ctx, c.ID, plaintext)
	if err != nil {
		o.logger.Error("recording disclosure failed", "chunk_id", c.ID, "error", err)
	}
	if changed && o.deps.Metrics != nil {
		o.deps.Metrics.ChunksDisclosedTotal.Inc()
	}
	return plaintext, true
}

// scheduleRatings hands the owner outcomes to the deferred worker. A full
// queue drops the job; the dispatcher logs it.
func (o *Orchestrator) scheduleRatings(job escrow.RateKeyOwnersJob) {
	if len(job.Owners) > 0 {
		o.deps.Scheduler.Enqueue(job)
	}
}

func (o *Orchestrator) observe(mode Mode, result string, start time.Time) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.PurchaseCyclesTotal.WithLabelValues(mode.String(), result).Inc()
	o.deps.Metrics.PurchaseCycleDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	if err == nil {
		return analytics.OutcomeOK
	}
	return string(apperrors.KindOf(err))
}

func newView(c chunkledger.Chunk, distance float64) ChunkView {
	v := ChunkView{
		ChunkID:            c.ID,
		DocumentID:         c.DocumentID,
		DocumentName:       c.DocumentName,
		Encrypted:          c.Encrypted,
		Reward:             c.Reward,
		OwnerPublicKey:     c.OwnerPublicKey,
		KeyServerPublicKey: c.KeyServerPublicKey,
		Distance:           distance,
	}
	if !c.Encrypted {
		v.Content, v.ContentPreview = c.Content, preview(c.Content)
	}
	return v
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 100 {
		return string(r[:100])
	}
	return s
}

func sortViews(views []ChunkView) {
	slices.SortStableFunc(views, func(a, b ChunkView) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
}
