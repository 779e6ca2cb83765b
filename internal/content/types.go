// Package content defines the request types of the content service and the
// catalog that adds and removes documents.
package content

// UploadChunk is one encrypted chunk and its embedding.
type UploadChunk struct {
	ID               string    `json:"id"`
	Embedding        []float32 `json:"embedding"`
	EncryptedContent string    `json:"encrypted_content"`
}

// UploadRequest publishes a document. EncryptedDocument is the base64 of the
// encrypted file; it is stored as the document's raw blob.
type UploadRequest struct {
	DocumentID         string        `json:"document_id"`
	DocumentTitle      string        `json:"document_title"`
	PublicKey          string        `json:"public_key"`
	KeyServerPublicKey string        `json:"key_server_public_key"`
	EncryptedDocument  string        `json:"encrypted_document"`
	Chunks             []UploadChunk `json:"chunks"`
}

// UploadResponse is returned with 201 Created.
type UploadResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Message    string `json:"message"`
}

type DeleteRequest struct {
	PublicKey    string `json:"public_key"`
	DocumentName string `json:"document_name"`
}

type BuyChunksRequest struct {
	ChunkIDs []string  `json:"chunk_ids"`
	Prices   []float64 `json:"prices"`
}

type RatingRequest struct {
	PublicKey string `json:"public_key"`
	ChunkID   string `json:"chunk_id"`
	Rating    int    `json:"rating"`
}

type ChunkRatingsRequest struct {
	PublicKey string   `json:"public_key"`
	ChunkIDs  []string `json:"chunk_ids"`
}
