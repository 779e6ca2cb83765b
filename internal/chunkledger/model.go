package chunkledger

// Chunk is one sellable unit of a document. Content holds ciphertext while
// Encrypted is true and plaintext afterwards.
type Chunk struct {
	ID                 string  `json:"chunk_id"`
	DocumentID         string  `json:"document_id"`
	DocumentName       string  `json:"document_name,omitempty"`
	Content            string  `json:"content"`
	Encrypted          bool    `json:"encrypted"`
	Reward             float64 `json:"reward"`
	OwnerPublicKey     string  `json:"public_key"`
	KeyServerPublicKey string  `json:"key_server_public_key"`
}

// Document groups chunks under a unique name. Encrypted tracks the
// whole-document file, independently of the per-chunk flags.
type Document struct {
	ID        string `json:"document_id"`
	Name      string `json:"document_name"`
	Encrypted bool   `json:"encrypted"`
}

// DocumentStats summarises an owner's document.
type DocumentStats struct {
	DocumentID          string  `json:"document_id"`
	Name                string  `json:"name"`
	EncryptedPercentage float64 `json:"encrypted_percentage"`
	TotalReward         float64 `json:"total_reward"`
	Rating              int     `json:"rating"`
	Upvotes             int     `json:"upvotes"`
	Downvotes           int     `json:"downvotes"`
}

// DocumentRating is the sum of all chunk ratings of a document.
type DocumentRating struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"document_name"`
	Rating     int    `json:"rating"`
}

// RewardTarget names what AccrueReward credits: one chunk, or every chunk
// of a document.
type RewardTarget struct {
	ChunkID    string
	DocumentID string
}

func ChunkTarget(id string) RewardTarget    { return RewardTarget{ChunkID: id} }
func DocumentTarget(id string) RewardTarget { return RewardTarget{DocumentID: id} }
