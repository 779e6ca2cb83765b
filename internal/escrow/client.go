// Package escrow is the content service's and key vault's view of the
// on-chain key escrow contract. Client wraps a Contract with timeouts,
// address normalisation, and a uniform EscrowFailure error; Dispatcher runs
// the best-effort publish and rating calls off the request path.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/resilience"
)

// Contract method names.
const (
	MethodGetChunkKeyRequest = "getChunkKeyRequest"
	MethodPublishChunkKeys   = "publishChunkKeys"
	MethodRequestChunkKeys   = "requestChunkKeys"
	MethodRateKeyOwners      = "rateKeyOwners"
)

// Operation labels used in errors, logs and metrics.
const (
	OpPendingRequest = "pending_request"
	OpPublishKeys    = "publish_keys"
	OpRequestKeys    = "request_keys"
	OpRateKeyOwners  = "rate_key_owners"
)

// ReceiptStatusSuccessful marks a transaction that executed without revert.
const ReceiptStatusSuccessful uint64 = 1

// Receipt is the inclusion record of a submitted transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
}

// Contract is a ledger contract binding. Call is a read-only invocation;
// Transact signs and submits a transaction and blocks until it is included.
// Address arguments arrive as Address or []Address, amounts as []*big.Int.
type Contract interface {
	Call(ctx context.Context, method string, args ...any) ([]any, error)
	Transact(ctx context.Context, method string, args ...any) (*Receipt, error)
}

// Ledger is the set of escrow operations the marketplace depends on.
type Ledger interface {
	PendingChunkRequest(ctx context.Context, custodian string) ([]string, error)
	PublishKeys(ctx context.Context, chunkIDs, keys, owners []string) error
	RequestKeys(ctx context.Context, chunkIDs []string, prices []int64, custodian string) error
	RateKeyOwners(ctx context.Context, owners []string, outcomes []bool) error
}

// Failure reports a rejected, reverted or timed-out escrow operation. It
// matches both apperrors.ErrEscrowFailure and the underlying cause.
type Failure struct {
	Op  string
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("escrow %s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() []error {
	return []error{apperrors.ErrEscrowFailure, f.Err}
}

// ErrReverted is the cause recorded when a receipt reports failure.
var ErrReverted = errors.New("transaction reverted")

// Client implements Ledger over a Contract. It never retries.
type Client struct {
	contract Contract
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewClient builds a Client. m may be nil.
func NewClient(contract Contract, cfg config.EscrowConfig, m *metrics.Metrics) *Client {
	return &Client{
		contract: contract,
		timeout:  cfg.CallTimeout,
		metrics:  m,
		logger:   slog.Default().With("component", "escrow-client"),
	}
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.EscrowCallsTotal.WithLabelValues(op, status).Inc()
	c.metrics.EscrowLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Client) transact(ctx context.Context, op, method string, args ...any) (err error) {
	start := time.Now()
	defer func() { c.observe(op, start, err) }()

	var receipt *Receipt
	err = resilience.WithTimeout(ctx, c.timeout, op, func(ctx context.Context) error {
		var terr error
		receipt, terr = c.contract.Transact(ctx, method, args...)
		return terr
	})
	if err != nil {
		return &Failure{Op: op, Err: err}
	}
	if receipt == nil || receipt.Status != ReceiptStatusSuccessful {
		return &Failure{Op: op, Err: ErrReverted}
	}
	c.logger.Debug("transaction included", "op", op, "tx", receipt.TxHash, "block", receipt.BlockNumber)
	return nil
}

// PendingChunkRequest returns the ordered chunk ids of the open escrow
// request addressed to custodian.
func (c *Client) PendingChunkRequest(ctx context.Context, custodian string) (ids []string, err error) {
	addr, err := NormalizeAddress(custodian)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { c.observe(OpPendingRequest, start, err) }()

	var out []any
	err = resilience.WithTimeout(ctx, c.timeout, OpPendingRequest, func(ctx context.Context) error {
		var cerr error
		out, cerr = c.contract.Call(ctx, MethodGetChunkKeyRequest, addr)
		return cerr
	})
	if err != nil {
		return nil, &Failure{Op: OpPendingRequest, Err: err}
	}
	if len(out) == 0 {
		return nil, nil
	}
	ids, ok := out[0].([]string)
	if !ok {
		return nil, &Failure{Op: OpPendingRequest, Err: fmt.Errorf("unexpected result type %T", out[0])}
	}
	return ids, nil
}

// PublishKeys records released keys against their chunk ids and credits
// each owner.
func (c *Client) PublishKeys(ctx context.Context, chunkIDs, keys, owners []string) error {
	if len(chunkIDs) != len(keys) || len(chunkIDs) != len(owners) {
		return fmt.Errorf("%w: publish keys needs aligned inputs (%d ids, %d keys, %d owners)",
			apperrors.ErrInvalidInput, len(chunkIDs), len(keys), len(owners))
	}
	addrs, err := NormalizeAddresses(owners)
	if err != nil {
		return err
	}
	return c.transact(ctx, OpPublishKeys, MethodPublishChunkKeys, chunkIDs, keys, addrs)
}

// RequestKeys records an intent to buy chunkIDs at prices from custodian.
func (c *Client) RequestKeys(ctx context.Context, chunkIDs []string, prices []int64, custodian string) error {
	if len(chunkIDs) != len(prices) {
		return fmt.Errorf("%w: request keys needs aligned inputs (%d ids, %d prices)",
			apperrors.ErrInvalidInput, len(chunkIDs), len(prices))
	}
	addr, err := NormalizeAddress(custodian)
	if err != nil {
		return err
	}
	amounts := make([]*big.Int, len(prices))
	for i, p := range prices {
		if p < 0 {
			return fmt.Errorf("%w: negative price for chunk %s", apperrors.ErrInvalidInput, chunkIDs[i])
		}
		amounts[i] = big.NewInt(p)
	}
	return c.transact(ctx, OpRequestKeys, MethodRequestChunkKeys, chunkIDs, amounts, addr)
}

// RateKeyOwners submits one outcome per owner. Mixed outcomes are expected.
func (c *Client) RateKeyOwners(ctx context.Context, owners []string, outcomes []bool) error {
	if len(owners) != len(outcomes) {
		return fmt.Errorf("%w: rate key owners needs aligned inputs (%d owners, %d outcomes)",
			apperrors.ErrInvalidInput, len(owners), len(outcomes))
	}
	addrs, err := NormalizeAddresses(owners)
	if err != nil {
		return err
	}
	return c.transact(ctx, OpRateKeyOwners, MethodRateKeyOwners, addrs, outcomes)
}
