package keyvault

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/gorilla/mux"
)

type getKeysRequest struct {
	ChunkIDs      []string `json:"chunk_ids"`
	WholeDocument bool     `json:"whole_document"`
	SharedSecret  string   `json:"shared_secret,omitempty"`
}

type documentSecretRequest struct {
	DocumentID   string `json:"document_id"`
	SharedSecret string `json:"shared_secret"`
}

// Handler serves the custodian HTTP boundary.
type Handler struct {
	vault  *Vault
	logger *slog.Logger
}

func NewHandler(v *Vault) *Handler {
	return &Handler{
		vault:  v,
		logger: slog.Default().With("component", "keyvault-handler"),
	}
}

// Register mounts the custodian routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/get-keys", h.GetKeys).Methods(http.MethodPost)
	r.HandleFunc("/get-keys/", h.GetKeys).Methods(http.MethodPost)
	r.HandleFunc("/get-document-secret", h.GetDocumentSecret).Methods(http.MethodPost)
	r.HandleFunc("/upload-keys", h.UploadKeys).Methods(http.MethodPost)
}

// GetKeys answers with the released records and only then schedules the
// on-chain publish, so the ledger write never delays key delivery.
func (h *Handler) GetKeys(w http.ResponseWriter, r *http.Request) {
	var req getKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid request body: %v", err))
		return
	}
	mode := ModeChunked
	if req.WholeDocument {
		mode = ModeWholeDocument
	}
	rel, err := h.vault.FetchKeys(r.Context(), req.ChunkIDs, mode, req.SharedSecret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel.Records)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	h.vault.SchedulePublish(rel)
}

func (h *Handler) GetDocumentSecret(w http.ResponseWriter, r *http.Request) {
	var req documentSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid request body: %v", err))
		return
	}
	secret, err := h.vault.FetchDocumentSecret(r.Context(), req.DocumentID, req.SharedSecret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (h *Handler) UploadKeys(w http.ResponseWriter, r *http.Request) {
	var req Upload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid request body: %v", err))
		return
	}
	if err := h.vault.RecordKeys(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Keys uploaded successfully"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("key vault request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, apperrors.ToBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
