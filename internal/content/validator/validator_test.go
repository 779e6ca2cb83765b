package validator

import (
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/purchase"
)

func validUpload() *content.UploadRequest {
	return &content.UploadRequest{
		DocumentTitle:      "Manual",
		PublicKey:          "0xowner",
		KeyServerPublicKey: "0xcustodian",
		Chunks: []content.UploadChunk{
			{ID: "c1", Embedding: []float32{1, 2}, EncryptedContent: "x"},
			{ID: "c2", Embedding: []float32{3, 4}, EncryptedContent: "y"},
		},
	}
}

func fields(t *testing.T, err error) map[string]string {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return ve.Fields
}

func TestValidateUpload(t *testing.T) {
	if err := ValidateUpload(validUpload()); err != nil {
		t.Fatalf("valid upload rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*content.UploadRequest)
		field  string
	}{
		{"missing title", func(r *content.UploadRequest) { r.DocumentTitle = "  " }, "document_title"},
		{"missing owner", func(r *content.UploadRequest) { r.PublicKey = "" }, "public_key"},
		{"missing custodian", func(r *content.UploadRequest) { r.KeyServerPublicKey = "" }, "key_server_public_key"},
		{"bad base64", func(r *content.UploadRequest) { r.EncryptedDocument = "%%%" }, "encrypted_document"},
		{"no chunks", func(r *content.UploadRequest) { r.Chunks = nil }, "chunks"},
		{"duplicate id", func(r *content.UploadRequest) { r.Chunks[1].ID = "c1" }, "chunks[1]"},
		{"dimension mismatch", func(r *content.UploadRequest) { r.Chunks[1].Embedding = []float32{1} }, "chunks[1]"},
		{"empty ciphertext", func(r *content.UploadRequest) { r.Chunks[0].EncryptedContent = "" }, "chunks[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validUpload()
			tt.mutate(req)
			got := fields(t, ValidateUpload(req))
			if _, ok := got[tt.field]; !ok {
				t.Errorf("expected error on %s, got %v", tt.field, got)
			}
		})
	}
}

func TestValidateQuery(t *testing.T) {
	if err := ValidateQuery(&purchase.QueryRequest{Embedding: []float32{1}, NResults: 2}); err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}
	got := fields(t, ValidateQuery(&purchase.QueryRequest{NResults: 0}))
	if len(got) != 2 {
		t.Errorf("expected 2 field errors, got %v", got)
	}
}

func TestValidateBuyChunks(t *testing.T) {
	if err := ValidateBuyChunks(&content.BuyChunksRequest{ChunkIDs: []string{"a"}, Prices: []float64{1}}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	got := fields(t, ValidateBuyChunks(&content.BuyChunksRequest{ChunkIDs: []string{"a", "b"}, Prices: []float64{-1}}))
	if _, ok := got["prices"]; !ok {
		t.Errorf("expected misaligned prices error, got %v", got)
	}
	if _, ok := got["prices[0]"]; !ok {
		t.Errorf("expected negative price error, got %v", got)
	}
}

func TestValidateRating(t *testing.T) {
	for _, r := range []int{-1, 0, 1} {
		if err := ValidateRating(&content.RatingRequest{PublicKey: "k", ChunkID: "c", Rating: r}); err != nil {
			t.Errorf("rating %d rejected: %v", r, err)
		}
	}
	got := fields(t, ValidateRating(&content.RatingRequest{PublicKey: "k", ChunkID: "c", Rating: 5}))
	if _, ok := got["rating"]; !ok {
		t.Errorf("expected rating error, got %v", got)
	}
}

func TestValidationErrorMessageIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"b": "two", "a": "one"}}
	if got, want := err.Error(), "a:one; b:two"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
