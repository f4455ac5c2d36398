// Package settlement submits verified EIP-3009 authorizations on-chain via
// receiveWithAuthorization and tracks them to a final receipt.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Dream-Voyage/v402/internal/circuitbreaker"
	"github.com/Dream-Voyage/v402/internal/eip712"
	"github.com/Dream-Voyage/v402/internal/gas"
	"github.com/Dream-Voyage/v402/internal/metrics"
	"github.com/Dream-Voyage/v402/internal/retry"
	"github.com/Dream-Voyage/v402/internal/syncutil"
	"github.com/Dream-Voyage/v402/internal/traces"
	"github.com/Dream-Voyage/v402/internal/transactions"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// EthClient is the subset of ethclient.Client the engine uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

const eip3009ABI = `[
	{"name":"receiveWithAuthorization","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
	{"name":"authorizationState","type":"function","stateMutability":"view","outputs":[{"name":"","type":"bool"}],"inputs":[
		{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}]}
]`

const (
	// DefaultGasLimit is used when estimation fails for a reason other
	// than a revert.
	DefaultGasLimit = uint64(150_000)

	DefaultConfirmTimeout = 300 * time.Second
	DefaultPollInterval   = 2 * time.Second

	// breakerKey groups every RPC call of one engine.
	breakerKey = "rpc"

	nonceAttempts   = 3
	nonceRetryDelay = 100 * time.Millisecond
)

// Config for creating an Engine.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x
	ChainID        int64
	Network        string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	GasLimit       uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClient sets the Ethereum client instead of dialing RPCURL.
func WithClient(c EthClient) Option {
	return func(e *Engine) { e.client = c }
}

// WithStore sets the transaction store. Default: in-memory.
func WithStore(s transactions.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBreaker replaces the RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// Engine settles exact-scheme payments. Settle calls for the same
// authorization are serialized; unrelated authorizations proceed
// concurrently except for the brief nonce-and-send step.
type Engine struct {
	cfg     Config
	client  EthClient
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	abi     abi.ABI
	store   transactions.Store
	gas     *gas.PriceCache
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	locks  *syncutil.KeyLock
	sendMu sync.Mutex
}

// New validates cfg and builds an Engine, dialing RPCURL unless a client
// is supplied.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(eip3009ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse EIP-3009 ABI: %w", err)
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}

	e := &Engine{
		cfg:     cfg,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		abi:     parsed,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks:   syncutil.NewKeyLock(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
		}
		e.client = client
	}
	if e.store == nil {
		e.store = transactions.NewMemoryStore()
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.New(5, 30*time.Second,
			circuitbreaker.WithFailurePredicate(func(err error) bool { return err != nil && !isRevert(err) }))
	}
	e.gas = gas.NewPriceCache(e.client, 15*time.Second)
	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrInvalidConfig)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("%w: chain ID required", ErrInvalidConfig)
	}
	return nil
}

// Address returns the facilitator's operating address.
func (e *Engine) Address() string {
	return e.address.Hex()
}

// Store returns the engine's transaction store.
func (e *Engine) Store() transactions.Store {
	return e.store
}

// CheckChain confirms the RPC endpoint is reachable and serves the
// configured chain.
func (e *Engine) CheckChain(ctx context.Context) error {
	var id *big.Int
	err := e.breaker.Do(breakerKey, func() error {
		var err error
		id, err = e.client.ChainID(ctx)
		return err
	})
	if err != nil {
		return rpcErr("chain_id", err)
	}
	if id.Cmp(e.chainID) != 0 {
		return fmt.Errorf("%w: node serves chain %s, configured %s", ErrInvalidConfig, id, e.chainID)
	}
	return nil
}

// Settle submits payload on-chain and waits for its receipt. The returned
// response is never nil; on failure it carries the reason code and, if the
// transaction was broadcast, its hash.
func (e *Engine) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements, payer string) (resp *x402.SettlementResponse, err error) {
	resp = &x402.SettlementResponse{Network: req.Network, Payer: payer}
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.Network(req.Network),
		traces.Payer(payer),
		traces.Amount(req.MaxAmountRequired),
	)
	defer func() {
		outcome := "confirmed"
		if err != nil {
			resp.Success = false
			resp.ErrorReason = Reason(err)
			outcome = resp.ErrorReason
		}
		if resp.Transaction != "" {
			span.SetAttributes(traces.TxHash(resp.Transaction))
		}
		metrics.ObserveSettlement(req.Network, outcome, time.Since(start))
		traces.End(span, err)
	}()

	if payload.Scheme != x402.SchemeExact {
		return resp, &SettleError{Op: "validate", Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, payload.Scheme)}
	}
	auth, err := payload.Payload.Authorization.Typed()
	if err != nil {
		return resp, &SettleError{Op: "validate", Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	sig, err := eip712.ParseSignature(payload.Payload.Signature)
	if err != nil {
		return resp, &SettleError{Op: "validate", Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	if !common.IsHexAddress(req.Asset) {
		return resp, &SettleError{Op: "validate", Err: fmt.Errorf("%w: asset %q", ErrInvalidPayload, req.Asset)}
	}
	asset := common.HexToAddress(req.Asset)
	key := transactions.NonceKey{Asset: asset.Hex(), Payer: auth.From.Hex(), Nonce: eip712.NonceHex(auth.Nonce)}

	unlock, err := e.locks.LockContext(ctx, key.String())
	if err != nil {
		return resp, &SettleError{Op: "lock", Err: err}
	}
	defer unlock()

	if hash, used, err := e.store.NonceUsed(ctx, key); err != nil {
		return resp, &SettleError{Op: "nonce_lookup", Err: err}
	} else if used {
		resp.Transaction = hash
		return resp, &SettleError{Op: "nonce_lookup", TxHash: hash, Err: ErrAlreadySettled}
	}

	// An earlier call may have broadcast this authorization and given up
	// waiting. Follow that transaction instead of sending a second one,
	// which could only revert.
	prior, err := e.store.PendingByNonce(ctx, key)
	switch {
	case err == nil:
		resp.Transaction = prior.Hash
		e.logger.Info("resuming pending settlement", "tx_hash", prior.Hash, "payer", auth.From.Hex())
		if err := e.confirm(ctx, key, prior.Hash, auth, req.Network); err != nil {
			return resp, err
		}
		resp.Success = true
		return resp, nil
	case !errors.Is(err, transactions.ErrNotFound):
		return resp, &SettleError{Op: "pending_lookup", Err: err}
	}

	used, err := e.AuthorizationUsed(ctx, asset, auth.From, auth.Nonce)
	if err != nil {
		return resp, err
	}
	if used {
		return resp, &SettleError{Op: "authorization_state", Err: ErrAlreadySettled}
	}

	signed, err := e.submit(ctx, asset, auth, sig)
	if err != nil {
		return resp, err
	}
	hash := signed.Hash().Hex()
	resp.Transaction = hash

	// The transaction is broadcast; bookkeeping must outlive the caller.
	bg := context.WithoutCancel(ctx)
	if err := e.store.Create(bg, &transactions.Transaction{
		Hash:     hash,
		Payer:    auth.From.Hex(),
		Payee:    auth.To.Hex(),
		Amount:   auth.Value.String(),
		Asset:    asset.Hex(),
		Network:  req.Network,
		Scheme:   payload.Scheme,
		Resource: req.Resource,
		Nonce:    key.Nonce,
		Status:   transactions.StatusPending,
	}); err != nil {
		e.logger.Error("failed to record transaction", "tx_hash", hash, "error", err)
	}

	if err := e.confirm(ctx, key, hash, auth, req.Network); err != nil {
		return resp, err
	}
	resp.Success = true
	return resp, nil
}

// confirm waits for hash to be mined and records the outcome.
func (e *Engine) confirm(ctx context.Context, key transactions.NonceKey, hash string, auth eip712.Authorization, network string) error {
	receipt, err := e.waitForReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		e.logger.Warn("settlement outcome unknown", "tx_hash", hash, "error", err)
		return &SettleError{Op: "confirm", TxHash: hash, Err: err}
	}

	if err := e.finalize(context.WithoutCancel(ctx), key, hash, receipt); err != nil {
		return err
	}
	e.logger.Info("payment settled",
		"tx_hash", hash,
		"payer", auth.From.Hex(),
		"amount", auth.Value.String(),
		"network", network,
		"block", receipt.BlockNumber.Uint64(),
	)
	return nil
}

// AuthorizationUsed asks the token contract whether (from, nonce) has
// already been consumed.
func (e *Engine) AuthorizationUsed(ctx context.Context, asset, from common.Address, nonce [32]byte) (bool, error) {
	data, err := e.abi.Pack("authorizationState", from, nonce)
	if err != nil {
		return false, &SettleError{Op: "pack", Err: err}
	}

	var out []byte
	err = e.breaker.Do(breakerKey, func() error {
		var err error
		out, err = e.client.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
		return err
	})
	if err != nil {
		return false, rpcErr("authorization_state", err)
	}

	values, err := e.abi.Unpack("authorizationState", out)
	if err != nil || len(values) != 1 {
		return false, rpcErr("authorization_state", fmt.Errorf("unexpected result %x", out))
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, rpcErr("authorization_state", fmt.Errorf("unexpected result type %T", values[0]))
	}
	return used, nil
}

// submit builds, signs and broadcasts the receiveWithAuthorization call.
func (e *Engine) submit(ctx context.Context, asset common.Address, auth eip712.Authorization, sig eip712.Signature) (*types.Transaction, error) {
	v, r, s := sig.Split()
	data, err := e.abi.Pack("receiveWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return nil, &SettleError{Op: "pack", Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}

	var gasPrice *big.Int
	err = e.breaker.Do(breakerKey, func() error {
		var err error
		gasPrice, err = e.gas.Price(ctx)
		return err
	})
	if err != nil {
		return nil, rpcErr("gas_price", err)
	}

	var gasLimit uint64
	err = e.breaker.Do(breakerKey, func() error {
		var err error
		gasLimit, err = e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.address, To: &asset, Data: data})
		return err
	})
	switch {
	case isRevert(err):
		return nil, &SettleError{Op: "estimate_gas", Err: fmt.Errorf("%w: %v", ErrTransactionReverted, err)}
	case err != nil:
		e.logger.Debug("gas estimation failed, using default", "error", err)
		gasLimit = e.cfg.GasLimit
	}

	// The account nonce is shared by every settlement, so fetching it and
	// broadcasting must not interleave.
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	// Reading the nonce is side-effect free, so a flaky node gets a couple
	// more tries before the settlement is abandoned.
	var nonce uint64
	err = retry.Do(ctx, nonceAttempts, nonceRetryDelay, func() error {
		err := e.breaker.Do(breakerKey, func() error {
			var err error
			nonce, err = e.client.PendingNonceAt(ctx, e.address)
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, rpcErr("nonce", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &asset,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, &SettleError{Op: "sign", Err: err}
	}

	err = e.breaker.Do(breakerKey, func() error {
		return e.client.SendTransaction(ctx, signed)
	})
	if err != nil {
		if isRevert(err) {
			return nil, &SettleError{Op: "send", TxHash: signed.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrTransactionReverted, err)}
		}
		return nil, rpcErr("send", err)
	}
	return signed, nil
}

// waitForReceipt polls until the transaction is mined, ConfirmTimeout
// elapses, or ctx ends. Both of the latter leave the outcome unknown.
func (e *Engine) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			e.logger.Debug("receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// finalize records a mined transaction's outcome. A reverted receipt
// returns ErrTransactionReverted.
func (e *Engine) finalize(ctx context.Context, key transactions.NonceKey, hash string, receipt *types.Receipt) error {
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		if err := e.store.UpdateStatus(ctx, hash, transactions.StatusFailed, block, ReasonTransactionReverted); err != nil {
			e.logger.Error("failed to update transaction", "tx_hash", hash, "error", err)
		}
		return &SettleError{Op: "confirm", TxHash: hash, Err: ErrTransactionReverted}
	}

	if err := e.store.UpdateStatus(ctx, hash, transactions.StatusConfirmed, block, ""); err != nil {
		e.logger.Error("failed to update transaction", "tx_hash", hash, "error", err)
	}
	if err := e.store.MarkNonceUsed(ctx, key, hash); err != nil && !errors.Is(err, transactions.ErrNonceUsed) {
		e.logger.Error("failed to mark nonce used", "tx_hash", hash, "error", err)
	}
	return nil
}

// Close releases the RPC connection.
func (e *Engine) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}
