package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/kafka"
)

type AggregatedStats struct {
	TotalQueries      int64           `json:"total_queries"`
	FailedQueries     int64           `json:"failed_queries"`
	DocumentPurchases int64           `json:"document_purchases"`
	ChunkPurchases    int64           `json:"chunk_purchases"`
	ChunksDisclosed   int64           `json:"chunks_disclosed"`
	DecryptFailures   int64           `json:"decrypt_failures"`
	EscrowAborts      int64           `json:"escrow_aborts"`
	RequestMismatches int64           `json:"request_mismatches"`
	Revenue           float64         `json:"revenue"`
	AvgLatencyMs      float64         `json:"avg_latency_ms"`
	P50LatencyMs      int64           `json:"p50_latency_ms"`
	P95LatencyMs      int64           `json:"p95_latency_ms"`
	P99LatencyMs      int64           `json:"p99_latency_ms"`
	TopDocuments      []DocumentCount `json:"top_documents"`
	QueriesPerMinute  float64         `json:"queries_per_minute"`
}

type DocumentCount struct {
	DocumentID string `json:"document_id"`
	Count      int64  `json:"count"`
}

// maxLatencySamples bounds memory; older samples are discarded first.
const maxLatencySamples = 10000

type Aggregator struct {
	mu                sync.RWMutex
	totalQueries      atomic.Int64
	failedQueries     atomic.Int64
	documentPurchases atomic.Int64
	chunkPurchases    atomic.Int64
	chunksDisclosed   atomic.Int64
	decryptFailures   atomic.Int64
	escrowAborts      atomic.Int64
	mismatches        atomic.Int64
	revenue           float64
	latencies         []int64
	documentCounts    map[string]int64
	startTime         time.Time
	logger            *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:      make([]int64, 0, 1024),
		documentCounts: make(map[string]int64),
		startTime:      time.Now(),
		logger:         slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent routes a Kafka message by its type header, falling back to the
// "type" field of the body. Undecodable messages are logged and committed.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		typ := EventType(msg.Type)
		if typ == "" {
			var envelope struct {
				Type EventType `json:"type"`
			}
			if err := json.Unmarshal(msg.Value, &envelope); err != nil {
				agg.logger.Error("failed to decode analytics event", "error", err)
				return nil
			}
			typ = envelope.Type
		}
		switch typ {
		case EventQuery:
			ev, err := kafka.DecodeJSON[QueryEvent](msg.Value)
			if err != nil {
				agg.logger.Error("failed to decode query event", "error", err)
				return nil
			}
			agg.RecordQuery(ev)
		case EventDocumentPurchase:
			ev, err := kafka.DecodeJSON[DocumentPurchaseEvent](msg.Value)
			if err != nil {
				agg.logger.Error("failed to decode document purchase event", "error", err)
				return nil
			}
			agg.RecordDocumentPurchase(ev)
		case EventChunkPurchase:
			ev, err := kafka.DecodeJSON[ChunkPurchaseEvent](msg.Value)
			if err != nil {
				agg.logger.Error("failed to decode chunk purchase event", "error", err)
				return nil
			}
			agg.RecordChunkPurchase(ev)
		default:
			agg.logger.Warn("unknown analytics event type", "type", typ)
		}
		return nil
	}
}

func (a *Aggregator) RecordQuery(ev QueryEvent) {
	a.totalQueries.Add(1)
	a.recordOutcome(ev.Outcome)
	a.chunksDisclosed.Add(int64(ev.Disclosed))
	a.decryptFailures.Add(int64(ev.DecryptFailures))

	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Outcome == OutcomeOK {
		a.revenue += float64(ev.TotalPrice)
	}
	a.addLatency(ev.LatencyMs)
	for _, id := range ev.DocumentIDs {
		a.documentCounts[id]++
	}
}

func (a *Aggregator) RecordDocumentPurchase(ev DocumentPurchaseEvent) {
	a.documentPurchases.Add(1)
	a.recordOutcome(ev.Outcome)
	a.chunksDisclosed.Add(int64(ev.Disclosed))
	a.decryptFailures.Add(int64(ev.DecryptFailures))

	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Outcome == OutcomeOK {
		a.revenue += ev.Price
		a.documentCounts[ev.DocumentID]++
	}
	a.addLatency(ev.LatencyMs)
}

func (a *Aggregator) RecordChunkPurchase(ev ChunkPurchaseEvent) {
	a.chunkPurchases.Add(1)
	if ev.Outcome != OutcomeOK {
		return
	}
	a.mu.Lock()
	a.revenue += ev.Total
	a.mu.Unlock()
}

func (a *Aggregator) recordOutcome(outcome string) {
	switch outcome {
	case OutcomeOK:
		return
	case "escrow_failure":
		a.escrowAborts.Add(1)
	case "request_mismatch":
		a.mismatches.Add(1)
	}
	a.failedQueries.Add(1)
}

// addLatency must be called with mu held.
func (a *Aggregator) addLatency(ms int64) {
	if len(a.latencies) >= maxLatencySamples {
		a.latencies = a.latencies[1:]
	}
	a.latencies = append(a.latencies, ms)
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalQueries:      a.totalQueries.Load(),
		FailedQueries:     a.failedQueries.Load(),
		DocumentPurchases: a.documentPurchases.Load(),
		ChunkPurchases:    a.chunkPurchases.Load(),
		ChunksDisclosed:   a.chunksDisclosed.Load(),
		DecryptFailures:   a.decryptFailures.Load(),
		EscrowAborts:      a.escrowAborts.Load(),
		RequestMismatches: a.mismatches.Load(),
		Revenue:           a.revenue,
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopDocuments = topN(a.documentCounts, 10)
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []DocumentCount {
	result := make([]DocumentCount, 0, len(counts))
	for id, count := range counts {
		result = append(result, DocumentCount{DocumentID: id, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].DocumentID < result[j].DocumentID
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
