package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerLower   = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	ownerChecked = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

type call struct {
	method string
	args   []any
}

type fakeContract struct {
	mu      sync.Mutex
	calls   []call
	pending []string
	status  uint64
	err     error
	delay   time.Duration
}

func (f *fakeContract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{method, args})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []any{f.pending}, nil
}

func (f *fakeContract) Transact(ctx context.Context, method string, args ...any) (*Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{method, args})
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Receipt{TxHash: "0xabc", Status: f.status, BlockNumber: 7}, nil
}

func (f *fakeContract) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestClient(c Contract) *Client {
	return NewClient(c, config.EscrowConfig{CallTimeout: time.Second}, metrics.NewWithRegistry(prometheus.NewRegistry()))
}

func TestNormalizeAddressEIP55(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		got, err := NormalizeAddress(want[2:])
		require.NoError(t, err)
		assert.Equal(t, Address(want), got)

		got, err = NormalizeAddress(want)
		require.NoError(t, err)
		assert.Equal(t, Address(want), got)

		got, err = NormalizeAddress(" 0X" + strings.ToLower(want[2:]) + " ")
		require.NoError(t, err)
		assert.Equal(t, Address(want), got)
	}
}

func TestNormalizeAddressRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "0x1234", "0xzzzzeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		_, err := NormalizeAddress(in)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, in)
	}
}

func TestPendingChunkRequest(t *testing.T) {
	fc := &fakeContract{pending: []string{"c1", "c2"}}
	ids, err := newTestClient(fc).PendingChunkRequest(context.Background(), ownerLower)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	last := fc.lastCall()
	assert.Equal(t, MethodGetChunkKeyRequest, last.method)
	assert.Equal(t, Address(ownerChecked), last.args[0])
}

func TestPublishKeysNormalizesOwners(t *testing.T) {
	fc := &fakeContract{status: ReceiptStatusSuccessful}
	err := newTestClient(fc).PublishKeys(context.Background(), []string{"c1"}, []string{"K"}, []string{ownerLower})
	require.NoError(t, err)

	last := fc.lastCall()
	assert.Equal(t, MethodPublishChunkKeys, last.method)
	assert.Equal(t, []Address{ownerChecked}, last.args[2])
}

func TestRequestKeysConvertsPrices(t *testing.T) {
	fc := &fakeContract{status: ReceiptStatusSuccessful}
	err := newTestClient(fc).RequestKeys(context.Background(), []string{"c1", "c2"}, []int64{3, 1}, ownerLower)
	require.NoError(t, err)

	last := fc.lastCall()
	assert.Equal(t, MethodRequestChunkKeys, last.method)
	amounts := last.args[1].([]*big.Int)
	require.Len(t, amounts, 2)
	assert.Equal(t, int64(3), amounts[0].Int64())
	assert.Equal(t, Address(ownerChecked), last.args[2])
}

func TestMisalignedInputsRejectedBeforeSubmit(t *testing.T) {
	fc := &fakeContract{status: ReceiptStatusSuccessful}
	c := newTestClient(fc)
	ctx := context.Background()

	assert.ErrorIs(t, c.PublishKeys(ctx, []string{"c1", "c2"}, []string{"K"}, []string{ownerLower}), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, c.RequestKeys(ctx, []string{"c1"}, nil, ownerLower), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, c.RateKeyOwners(ctx, []string{ownerLower}, []bool{true, false}), apperrors.ErrInvalidInput)
	assert.Empty(t, fc.calls)
}

func TestFailuresMapToEscrowFailure(t *testing.T) {
	ctx := context.Background()
	rpcErr := errors.New("connection refused")

	tests := []struct {
		name  string
		fc    *fakeContract
		cause error
	}{
		{"rejected", &fakeContract{err: rpcErr}, rpcErr},
		{"reverted", &fakeContract{status: 0}, ErrReverted},
		{"timeout", &fakeContract{status: ReceiptStatusSuccessful, delay: time.Second}, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.fc, config.EscrowConfig{CallTimeout: 20 * time.Millisecond}, nil)
			err := c.RateKeyOwners(ctx, []string{ownerLower}, []bool{false})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrEscrowFailure)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, apperrors.KindEscrowFailure, apperrors.KindOf(err))

			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, OpRateKeyOwners, f.Op)
		})
	}
}

type recordingLedger struct {
	mu     sync.Mutex
	rated  [][]bool
	block  chan struct{}
	failOn string
}

func (r *recordingLedger) PendingChunkRequest(context.Context, string) ([]string, error) {
	return nil, nil
}

func (r *recordingLedger) PublishKeys(ctx context.Context, ids, keys, owners []string) error {
	if r.failOn == OpPublishKeys {
		return &Failure{Op: OpPublishKeys, Err: ErrReverted}
	}
	return nil
}

func (r *recordingLedger) RequestKeys(context.Context, []string, []int64, string) error {
	return nil
}

func (r *recordingLedger) RateKeyOwners(ctx context.Context, owners []string, outcomes []bool) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.rated = append(r.rated, outcomes)
	r.mu.Unlock()
	return nil
}

func TestDispatcherRunsAndDrainsOnClose(t *testing.T) {
	led := &recordingLedger{failOn: OpPublishKeys}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	d := NewDispatcher(led, config.EscrowConfig{QueueSize: 8, JobTimeout: time.Second}, m)
	d.Start(context.Background())

	assert.True(t, d.Enqueue(RateKeyOwnersJob{ChunkIDs: []string{"c1", "c2"}, Owners: []string{ownerLower, ownerLower}, Outcomes: []bool{true, false}}))
	assert.True(t, d.Enqueue(PublishKeysJob{ChunkIDs: []string{"c1"}, Keys: []string{"K"}, Owners: []string{ownerLower}}))
	d.Close()

	led.mu.Lock()
	defer led.mu.Unlock()
	require.Len(t, led.rated, 1)
	assert.Equal(t, []bool{true, false}, led.rated[0])

	assert.False(t, d.Enqueue(RateKeyOwnersJob{}), "enqueue after close must be rejected")
}

func TestDispatcherRejectsJobsAfterContextEnds(t *testing.T) {
	led := &recordingLedger{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	d := NewDispatcher(led, config.EscrowConfig{QueueSize: 8, JobTimeout: time.Second}, m)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	<-d.done

	assert.False(t, d.Enqueue(RateKeyOwnersJob{ChunkIDs: []string{"c1"}, Owners: []string{ownerLower}, Outcomes: []bool{true}}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeferredJobs.WithLabelValues(OpRateKeyOwners, "dropped")))
	assert.Empty(t, d.jobCh)
	d.Close()

	led.mu.Lock()
	defer led.mu.Unlock()
	assert.Empty(t, led.rated)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	led := &recordingLedger{block: make(chan struct{})}
	d := NewDispatcher(led, config.EscrowConfig{QueueSize: 1}, nil)
	d.Start(context.Background())

	// First job occupies the worker, second fills the queue.
	require.True(t, d.Enqueue(RateKeyOwnersJob{Outcomes: []bool{true}}))
	require.Eventually(t, func() bool { return len(d.jobCh) == 0 }, time.Second, time.Millisecond)
	require.True(t, d.Enqueue(RateKeyOwnersJob{Outcomes: []bool{true}}))
	assert.False(t, d.Enqueue(RateKeyOwnersJob{Outcomes: []bool{false}}))

	close(led.block)
	d.Close()
	assert.Len(t, led.rated, 2)
}
