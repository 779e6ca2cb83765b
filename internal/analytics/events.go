// Package analytics carries marketplace events from the content service to
// the analytics service over Kafka and aggregates them there.
package analytics

import "time"

type EventType string

const (
	EventQuery            EventType = "query"
	EventDocumentPurchase EventType = "document_purchase"
	EventChunkPurchase    EventType = "chunk_purchase"
)

// OutcomeOK marks a successful cycle. Failed cycles carry the error kind
// (see pkg/errors), e.g. "request_mismatch" or "escrow_failure".
const OutcomeOK = "ok"

// Event is anything the collector can publish.
type Event interface {
	EventType() EventType
	// PartitionKey keeps events for one document on one partition.
	PartitionKey() string
}

// QueryEvent describes one similarity query and the per-chunk purchase it
// triggered.
type QueryEvent struct {
	Type            EventType `json:"type"`
	RequestID       string    `json:"request_id"`
	BuyerPublicKey  string    `json:"buyer_public_key,omitempty"`
	Candidates      int       `json:"candidates"`
	Encrypted       int       `json:"encrypted"`
	Disclosed       int       `json:"disclosed"`
	DecryptFailures int       `json:"decrypt_failures"`
	Custodians      int       `json:"custodians"`
	TotalPrice      int64     `json:"total_price"`
	DocumentIDs     []string  `json:"document_ids,omitempty"`
	Outcome         string    `json:"outcome"`
	LatencyMs       int64     `json:"latency_ms"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e QueryEvent) EventType() EventType { return EventQuery }
func (e QueryEvent) PartitionKey() string { return e.RequestID }

// DocumentPurchaseEvent describes a whole-document purchase.
type DocumentPurchaseEvent struct {
	Type            EventType `json:"type"`
	RequestID       string    `json:"request_id"`
	DocumentID      string    `json:"document_id"`
	ChunkCount      int       `json:"chunk_count"`
	Price           float64   `json:"price"`
	Disclosed       int       `json:"disclosed"`
	DecryptFailures int       `json:"decrypt_failures"`
	Outcome         string    `json:"outcome"`
	LatencyMs       int64     `json:"latency_ms"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e DocumentPurchaseEvent) EventType() EventType { return EventDocumentPurchase }
func (e DocumentPurchaseEvent) PartitionKey() string { return e.DocumentID }

// ChunkPurchaseEvent describes a direct reward payment for chunks.
type ChunkPurchaseEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`
	ChunkIDs  []string  `json:"chunk_ids"`
	Total     float64   `json:"total"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ChunkPurchaseEvent) EventType() EventType { return EventChunkPurchase }
func (e ChunkPurchaseEvent) PartitionKey() string { return e.RequestID }
