package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/blobstore"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/chunkledger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/purchase"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/similarity"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret = "service-secret"
	owner  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

func newServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ledger := chunkledger.NewStore(postgres.Wrap(db, "sqlite3"))
	require.NoError(t, ledger.Migrate(context.Background()))

	index := similarity.NewMemoryIndex(2)
	blobs, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	orch := purchase.New(purchase.Config{MaxChunkPrice: 5, DocumentPricePerChunk: 2}, purchase.Deps{
		Oracle: index,
		Chunks: ledger,
		Blobs:  blobs,
	})
	r := mux.NewRouter()
	New(content.NewCatalog(ledger, index, blobs), orch, ledger).Register(r)
	return middleware.ServiceSecret(secret)(r)
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(middleware.ServiceSecretHeader, secret)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func upload(title string) content.UploadRequest {
	return content.UploadRequest{
		DocumentID:         "doc-" + title,
		DocumentTitle:      title,
		PublicKey:          owner,
		KeyServerPublicKey: "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		Chunks: []content.UploadChunk{
			{ID: title + "-1", Embedding: []float32{1, 0}, EncryptedContent: "U2FsdGVkX1+a"},
			{ID: title + "-2", Embedding: []float32{0, 1}, EncryptedContent: "U2FsdGVkX1+b"},
		},
	}
}

func TestRequiresServiceSecret(t *testing.T) {
	h := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ratings/documents", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadLifecycle(t *testing.T) {
	h := newServer(t)

	rec := do(t, h, http.MethodPost, "/upload", upload("manual"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/upload", upload("manual"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/chunks/manual-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c chunkledger.Chunk
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.True(t, c.Encrypted)
	assert.Equal(t, "doc-manual", c.DocumentID)

	rec = do(t, h, http.MethodGet, "/documents/doc-manual/price", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var quote purchase.PriceQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.Equal(t, 4.0, quote.Price)
	assert.Equal(t, 2, quote.ChunkCount)
	assert.Equal(t, "manual", quote.DocumentName)

	rec = do(t, h, http.MethodGet, "/documents/doc-manual/file", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/buy-chunks", content.BuyChunksRequest{ChunkIDs: []string{"manual-1"}, Prices: []float64{3}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/documents", nil, middleware.BuyerPublicKeyHeader, owner)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs struct {
		Documents []chunkledger.DocumentStats `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs.Documents, 1)
	assert.Equal(t, 3.0, docs.Documents[0].TotalReward)
	assert.Equal(t, 100.0, docs.Documents[0].EncryptedPercentage)

	rec = do(t, h, http.MethodPost, "/delete-document", content.DeleteRequest{PublicKey: owner, DocumentName: "manual"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodGet, "/chunks/manual-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRatings(t *testing.T) {
	h := newServer(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/upload", upload("manual")).Code)

	rec := do(t, h, http.MethodPost, "/ratings", content.RatingRequest{ChunkID: "manual-1", Rating: 1},
		middleware.BuyerPublicKeyHeader, "0xbuyer")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/ratings", content.RatingRequest{PublicKey: "0xother", ChunkID: "manual-2", Rating: -1})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/ratings", content.RatingRequest{PublicKey: "0xother", ChunkID: "manual-2", Rating: 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/ratings/chunks", content.ChunkRatingsRequest{PublicKey: "0xbuyer", ChunkIDs: []string{"manual-1", "manual-2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var chunkRatings struct {
		Ratings map[string]int `json:"ratings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chunkRatings))
	assert.Equal(t, map[string]int{"manual-1": 1}, chunkRatings.Ratings)

	rec = do(t, h, http.MethodGet, "/ratings/documents/doc-manual", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rating":0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/ratings/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Ratings []chunkledger.DocumentRating `json:"ratings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all.Ratings, 1)
	assert.Equal(t, "manual", all.Ratings[0].Name)
}

func TestValidationErrors(t *testing.T) {
	h := newServer(t)

	rec := do(t, h, http.MethodPost, "/query", purchase.QueryRequest{NResults: 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation failed", body.Error)
	assert.Contains(t, body.Fields, "query_embedding")

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString("{not json"))
	req.Header.Set(middleware.ServiceSecretHeader, secret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = do(t, h, http.MethodGet, "/documents", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/missing/price", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
