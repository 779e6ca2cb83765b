// Package evm binds the escrow contract over an EVM JSON-RPC relay.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Contract implements escrow.Contract. Transactions from the operator
// account are serialised so each one takes the pending nonce read
// immediately before its submission.
type Contract struct {
	client   *ethclient.Client
	bound    *bind.BoundContract
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64

	txMu   sync.Mutex
	logger *slog.Logger
}

// Dial connects to the relay, loads the contract ABI and operator key.
func Dial(ctx context.Context, cfg config.EscrowConfig) (*Contract, error) {
	parsed, err := loadABI(cfg.ContractABIPath)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing operator key: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing escrow relay: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("reading chain id: %w", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	return &Contract{
		client:   client,
		bound:    bind.NewBoundContract(addr, parsed, client, client, client),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: cfg.GasLimit,
		logger:   slog.Default().With("component", "escrow-evm", "contract", addr.Hex()),
	}, nil
}

// loadABI accepts either a bare ABI array or a build artifact with an
// "abi" field.
func loadABI(path string) (abi.ABI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("reading contract abi: %w", err)
	}
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("decoding contract artifact: %w", err)
		}
		raw = artifact.ABI
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parsing contract abi: %w", err)
	}
	return parsed, nil
}

// Call performs a read-only contract call from the operator account.
func (c *Contract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: c.from}
	if err := c.bound.Call(opts, &out, method, toABIArgs(args)...); err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	return out, nil
}

// Transact signs and submits method, then waits for its receipt.
func (c *Contract) Transact(ctx context.Context, method string, args ...any) (*escrow.Receipt, error) {
	c.txMu.Lock()
	tx, err := c.submit(ctx, method, args)
	c.txMu.Unlock()
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s receipt %s: %w", method, tx.Hash().Hex(), err)
	}
	c.logger.Info("transaction mined",
		"method", method,
		"tx", tx.Hash().Hex(),
		"block", receipt.BlockNumber,
		"status", receipt.Status,
		"gas_used", receipt.GasUsed,
	)
	return &escrow.Receipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// submit must be called with txMu held.
func (c *Contract) submit(ctx context.Context, method string, args []any) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("building transactor: %w", err)
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = c.gasLimit

	tx, err := c.bound.Transact(opts, method, toABIArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("submitting %s (nonce %d): %w", method, nonce, err)
	}
	c.logger.Debug("transaction submitted", "method", method, "tx", tx.Hash().Hex(), "nonce", nonce)
	return tx, nil
}

// Ping reports whether the relay answers.
func (c *Contract) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}

// Close releases the RPC connection.
func (c *Contract) Close() {
	c.client.Close()
}

func toABIArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case escrow.Address:
			out[i] = common.HexToAddress(string(v))
		case []escrow.Address:
			addrs := make([]common.Address, len(v))
			for j, s := range v {
				addrs[j] = common.HexToAddress(string(s))
			}
			out[i] = addrs
		default:
			out[i] = a
		}
	}
	return out
}
