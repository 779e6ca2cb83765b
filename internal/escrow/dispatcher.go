package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
)

// Job is deferred escrow work. Jobs are never retried.
type Job interface {
	Kind() string
	Run(ctx context.Context, l Ledger) error
	LogAttrs() []any
}

// PublishKeysJob publishes keys released by the vault.
type PublishKeysJob struct {
	ChunkIDs []string
	Keys     []string
	Owners   []string
}

func (j PublishKeysJob) Kind() string { return OpPublishKeys }

func (j PublishKeysJob) Run(ctx context.Context, l Ledger) error {
	return l.PublishKeys(ctx, j.ChunkIDs, j.Keys, j.Owners)
}

// LogAttrs omits the keys themselves.
func (j PublishKeysJob) LogAttrs() []any {
	return []any{"chunk_ids", j.ChunkIDs, "owners", j.Owners}
}

// RateKeyOwnersJob reports decrypt outcomes for each key owner.
type RateKeyOwnersJob struct {
	ChunkIDs []string
	Owners   []string
	Outcomes []bool
}

func (j RateKeyOwnersJob) Kind() string { return OpRateKeyOwners }

func (j RateKeyOwnersJob) Run(ctx context.Context, l Ledger) error {
	return l.RateKeyOwners(ctx, j.Owners, j.Outcomes)
}

func (j RateKeyOwnersJob) LogAttrs() []any {
	return []any{"chunk_ids", j.ChunkIDs, "owners", j.Owners, "outcomes", j.Outcomes}
}

// Dispatcher runs jobs on a single worker goroutine fed by a bounded
// channel. Enqueue never blocks: when the queue is full the job is dropped.
type Dispatcher struct {
	ledger     Ledger
	jobCh      chan Job
	jobTimeout time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a Dispatcher. m may be nil. Call Start before
// Enqueue and Close on shutdown.
func NewDispatcher(ledger Ledger, cfg config.EscrowConfig, m *metrics.Metrics) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		ledger:     ledger,
		jobCh:      make(chan Job, size),
		jobTimeout: cfg.JobTimeout,
		metrics:    m,
		logger:     slog.Default().With("component", "escrow-dispatcher"),
		done:       make(chan struct{}),
	}
}

// Start launches the worker. Jobs run on a context detached from any
// request; ctx only bounds the worker's lifetime. When ctx ends the
// dispatcher stops accepting jobs, as after Close, and runs what is queued.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for {
			select {
			case job, ok := <-d.jobCh:
				if !ok {
					return
				}
				d.run(job)
			case <-ctx.Done():
				d.stopAccepting()
				d.drainRemaining()
				return
			}
		}
	}()
	d.logger.Info("escrow dispatcher started", "queue_size", cap(d.jobCh), "job_timeout", d.jobTimeout)
}

// Enqueue schedules job and reports whether it was accepted.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.record(job.Kind(), "dropped")
		d.logger.Warn("escrow job dropped (dispatcher closed)", append([]any{"kind", job.Kind()}, job.LogAttrs()...)...)
		return false
	}
	select {
	case d.jobCh <- job:
		return true
	default:
		d.record(job.Kind(), "dropped")
		d.logger.Warn("escrow job dropped (queue full)", append([]any{"kind", job.Kind()}, job.LogAttrs()...)...)
		return false
	}
}

// Close stops accepting jobs, runs everything already queued, and waits for
// the worker to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.jobCh)
	d.mu.Unlock()
	<-d.done
}

// stopAccepting rejects later Enqueue calls. Once it returns no send can be
// in flight, so a non-blocking drain sees every accepted job.
func (d *Dispatcher) stopAccepting() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dispatcher) run(job Job) {
	ctx := context.Background()
	if d.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.jobTimeout)
		defer cancel()
	}
	start := time.Now()
	err := job.Run(ctx, d.ledger)
	attrs := append([]any{"kind", job.Kind(), "duration_ms", time.Since(start).Milliseconds()}, job.LogAttrs()...)
	if err != nil {
		d.record(job.Kind(), "failed")
		d.logger.Error("escrow job failed", append(attrs, "error", err)...)
		return
	}
	d.record(job.Kind(), "ok")
	d.logger.Info("escrow job completed", attrs...)
}

func (d *Dispatcher) drainRemaining() {
	for {
		select {
		case job, ok := <-d.jobCh:
			if !ok {
				return
			}
			d.run(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) record(kind, result string) {
	if d.metrics != nil {
		d.metrics.DeferredJobs.WithLabelValues(kind, result).Inc()
	}
}
