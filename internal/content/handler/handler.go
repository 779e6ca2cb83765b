package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/chunkledger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content/validator"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/purchase"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 64 << 20

// Ledger is the read side of the chunk ledger plus ratings.
type Ledger interface {
	Get(ctx context.Context, chunkID string) (*chunkledger.Chunk, error)
	OwnerDocuments(ctx context.Context, publicKey string) ([]chunkledger.DocumentStats, error)
	UpsertRating(ctx context.Context, chunkID, publicKey string, rating int) error
	ChunkRatings(ctx context.Context, publicKey string, chunkIDs []string) (map[string]int, error)
	DocumentRating(ctx context.Context, documentID string) (int, error)
	DocumentRatings(ctx context.Context) ([]chunkledger.DocumentRating, error)
}

type Handler struct {
	catalog  *content.Catalog
	purchase *purchase.Orchestrator
	ledger   Ledger
	logger   *slog.Logger
}

func New(catalog *content.Catalog, orch *purchase.Orchestrator, ledger Ledger) *Handler {
	return &Handler{
		catalog:  catalog,
		purchase: orch,
		ledger:   ledger,
		logger:   logger.WithComponent("content-handler"),
	}
}

// Register mounts the content routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/query", h.Query).Methods(http.MethodPost)
	r.HandleFunc("/upload", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/delete-document", h.DeleteDocument).Methods(http.MethodPost)
	r.HandleFunc("/chunks/{id}", h.GetChunk).Methods(http.MethodGet)
	r.HandleFunc("/buy-chunks", h.BuyChunks).Methods(http.MethodPost)
	r.HandleFunc("/documents", h.OwnerDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/price", h.DocumentPrice).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/buy", h.BuyDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}/file", h.DocumentFile).Methods(http.MethodGet)
	r.HandleFunc("/ratings", h.RateChunk).Methods(http.MethodPost)
	r.HandleFunc("/ratings/chunks", h.ChunkRatings).Methods(http.MethodPost)
	r.HandleFunc("/ratings/documents", h.DocumentRatings).Methods(http.MethodGet)
	r.HandleFunc("/ratings/documents/{id}", h.DocumentRating).Methods(http.MethodGet)
}

// callerKey prefers the key the gateway bound to the caller's API key.
func callerKey(r *http.Request, fromBody string) string {
	if k := strings.TrimSpace(r.Header.Get(middleware.BuyerPublicKeyHeader)); k != "" {
		return k
	}
	return strings.TrimSpace(fromBody)
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req purchase.QueryRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.BuyerPublicKey = callerKey(r, req.BuyerPublicKey)
	if !h.validate(w, validator.ValidateQuery(&req)) {
		return
	}
	resp, err := h.purchase.Query(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var req content.UploadRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PublicKey = callerKey(r, req.PublicKey)
	if !h.validate(w, validator.ValidateUpload(&req)) {
		return
	}
	resp, err := h.catalog.Upload(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	var req content.DeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PublicKey = callerKey(r, req.PublicKey)
	if !h.validate(w, validator.ValidateDelete(&req)) {
		return
	}
	docID, err := h.catalog.Delete(r.Context(), req.PublicKey, req.DocumentName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"document_id": docID,
		"message":     fmt.Sprintf("Successfully deleted document: %s", req.DocumentName),
	})
}

func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	c, err := h.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) BuyChunks(w http.ResponseWriter, r *http.Request) {
	var req content.BuyChunksRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.validate(w, validator.ValidateBuyChunks(&req)) {
		return
	}
	if err := h.purchase.BuyChunks(r.Context(), req.ChunkIDs, req.Prices); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully bought chunks"})
}

func (h *Handler) OwnerDocuments(w http.ResponseWriter, r *http.Request) {
	owner := callerKey(r, r.URL.Query().Get("public_key"))
	if owner == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"public_key": "public key is required"},
		})
		return
	}
	docs, err := h.ledger.OwnerDocuments(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []chunkledger.DocumentStats{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) DocumentPrice(w http.ResponseWriter, r *http.Request) {
	quote, err := h.purchase.DocumentPrice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) BuyDocument(w http.ResponseWriter, r *http.Request) {
	res, err := h.purchase.BuyDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) DocumentFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	data, err := h.purchase.DocumentFile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".pdf"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write document file", "document_id", id, "error", err)
	}
}

func (h *Handler) RateChunk(w http.ResponseWriter, r *http.Request) {
	var req content.RatingRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PublicKey = callerKey(r, req.PublicKey)
	if !h.validate(w, validator.ValidateRating(&req)) {
		return
	}
	if err := h.ledger.UpsertRating(r.Context(), req.ChunkID, req.PublicKey, req.Rating); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully rated chunk"})
}

func (h *Handler) ChunkRatings(w http.ResponseWriter, r *http.Request) {
	var req content.ChunkRatingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PublicKey = callerKey(r, req.PublicKey)
	if !h.validate(w, validator.ValidateChunkRatings(&req)) {
		return
	}
	ratings, err := h.ledger.ChunkRatings(r.Context(), req.PublicKey, req.ChunkIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ratings": ratings})
}

func (h *Handler) DocumentRatings(w http.ResponseWriter, r *http.Request) {
	ratings, err := h.ledger.DocumentRatings(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ratings == nil {
		ratings = []chunkledger.DocumentRating{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ratings": ratings})
}

func (h *Handler) DocumentRating(w http.ResponseWriter, r *http.Request) {
	rating, err := h.ledger.DocumentRating(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"rating": rating})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body: %v", err))
		return false
	}
	return true
}

func (h *Handler) validate(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return false
	}
	h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("content request failed", "path", r.URL.Path, "status_code", status, "error", err)
	} else {
		log.Info("content request rejected", "path", r.URL.Path, "status_code", status, "error", err)
	}
	h.writeJSON(w, status, apperrors.ToBody(err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
