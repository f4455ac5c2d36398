package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dream-Voyage/v402/internal/transactions"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

const (
	payerKey       = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	facilitatorKey = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	payee          = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"
	usdc           = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	chainID        = 84532
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// mockClient simulates a node. Sent transactions are mined after
// lookupsBeforeMined receipt lookups when mine is set.
type mockClient struct {
	mu sync.Mutex

	chainID            int64
	used               bool
	callErr            error
	estimateErr        error
	nonceErr           error
	nonceFailures      int
	sendErr            error
	mine               bool
	status             uint64
	lookupsBeforeMined int

	calls    int
	nonce    uint64
	sent     []*types.Transaction
	lookups  map[common.Hash]int
	receipts map[common.Hash]*types.Receipt
	closed   bool
}

func newMockClient() *mockClient {
	return &mockClient{
		chainID:  chainID,
		mine:     true,
		status:   types.ReceiptStatusSuccessful,
		lookups:  make(map[common.Hash]int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (m *mockClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonceErr != nil {
		return 0, m.nonceErr
	}
	if m.nonceFailures > 0 {
		m.nonceFailures--
		return 0, errConnRefused
	}
	return m.nonce, nil
}

func (m *mockClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 87_000, nil
}

func (m *mockClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	m.nonce++
	return nil
}

func (m *mockClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[h]; ok {
		return r, nil
	}
	if !m.mine || !m.wasSent(h) {
		return nil, ethereum.NotFound
	}
	m.lookups[h]++
	if m.lookups[h] <= m.lookupsBeforeMined {
		return nil, ethereum.NotFound
	}
	r := &types.Receipt{Status: m.status, TxHash: h, BlockNumber: big.NewInt(42)}
	m.receipts[h] = r
	return r, nil
}

func (m *mockClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.callErr != nil {
		return nil, m.callErr
	}
	out := make([]byte, 32)
	if m.used {
		out[31] = 1
	}
	return out, nil
}

func (m *mockClient) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(m.chainID), nil
}

func (m *mockClient) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Caller must hold m.mu.
func (m *mockClient) wasSent(h common.Hash) bool {
	for _, tx := range m.sent {
		if tx.Hash() == h {
			return true
		}
	}
	return false
}

func (m *mockClient) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestEngine(t *testing.T, client *mockClient, opts ...Option) (*Engine, *transactions.MemoryStore) {
	t.Helper()
	store := transactions.NewMemoryStore()
	cfg := Config{
		RPCURL:         "http://localhost:8545",
		PrivateKey:     facilitatorKey,
		ChainID:        chainID,
		Network:        "base-sepolia",
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}
	e, err := New(cfg, append([]Option{WithClient(client), WithStore(store)}, opts...)...)
	require.NoError(t, err)
	return e, store
}

func requirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "10000000",
		Resource:          "https://api.example.com/premium",
		PayTo:             payee,
		Asset:             usdc,
		MaxTimeoutSeconds: 900,
		Extra:             &x402.DomainExtra{Name: "USDC", Version: "2"},
	}
}

func signedPayment(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements, string) {
	t.Helper()
	s, err := x402.NewSigner(payerKey)
	require.NoError(t, err)
	req := requirements()
	p, err := s.Sign(req)
	require.NoError(t, err)
	return p, req, s.Address().Hex()
}

func TestNew_ValidatesConfig(t *testing.T) {
	client := newMockClient()
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing rpc", Config{PrivateKey: facilitatorKey, ChainID: 1}, ErrInvalidConfig},
		{"missing key", Config{RPCURL: "http://x", ChainID: 1}, ErrInvalidPrivateKey},
		{"short key", Config{RPCURL: "http://x", PrivateKey: "0xabcd", ChainID: 1}, ErrInvalidPrivateKey},
		{"bad hex", Config{RPCURL: "http://x", PrivateKey: "zz" + facilitatorKey[4:], ChainID: 1}, ErrInvalidPrivateKey},
		{"missing chain", Config{RPCURL: "http://x", PrivateKey: facilitatorKey}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, WithClient(client))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSettle_Confirmed(t *testing.T) {
	client := newMockClient()
	client.lookupsBeforeMined = 2
	e, store := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, client.sent, 1)

	tx := client.sent[0]
	assert.Equal(t, tx.Hash().Hex(), resp.Transaction)
	assert.Equal(t, "base-sepolia", resp.Network)
	assert.Equal(t, payer, resp.Payer)
	assert.Empty(t, resp.ErrorReason)

	assert.Equal(t, common.HexToAddress(usdc), *tx.To())
	assert.Equal(t, uint64(87_000), tx.Gas())
	assert.Equal(t, big.NewInt(chainID), tx.ChainId())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, e.Address(), sender.Hex())

	method := e.abi.Methods["receiveWithAuthorization"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(payer), args[0])
	assert.Equal(t, common.HexToAddress(payee), args[1])
	assert.Equal(t, "10000000", args[2].(*big.Int).String())
	v := args[6].(uint8)
	assert.True(t, v == 27 || v == 28, "v = %d", v)

	stored, err := store.Get(context.Background(), resp.Transaction)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusConfirmed, stored.Status)
	assert.Equal(t, uint64(42), stored.BlockNumber)
	assert.Equal(t, req.Resource, stored.Resource)

	hash, used, err := store.NonceUsed(context.Background(), transactions.NonceKey{
		Asset: usdc, Payer: payer, Nonce: p.Payload.Authorization.Nonce,
	})
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, resp.Transaction, hash)
}

func TestSettle_Reverted(t *testing.T) {
	client := newMockClient()
	client.status = types.ReceiptStatusFailed
	e, store := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrTransactionReverted)
	assert.False(t, Retryable(err))
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonTransactionReverted, resp.ErrorReason)
	require.NotEmpty(t, resp.Transaction)

	stored, err := store.Get(context.Background(), resp.Transaction)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusFailed, stored.Status)

	_, used, err := store.NonceUsed(context.Background(), transactions.NonceKey{
		Asset: usdc, Payer: payer, Nonce: p.Payload.Authorization.Nonce,
	})
	require.NoError(t, err)
	assert.False(t, used)
}

func TestSettle_EstimateRevertNotSubmitted(t *testing.T) {
	client := newMockClient()
	client.estimateErr = errors.New("execution reverted: FiatTokenV2: invalid signature")
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrTransactionReverted)
	assert.Equal(t, ReasonTransactionReverted, resp.ErrorReason)
	assert.Empty(t, resp.Transaction)
	assert.Zero(t, client.sentCount())
	assert.Equal(t, "closed", e.breaker.State(breakerKey).String())
}

func TestSettle_EstimateFailureUsesDefaultGas(t *testing.T) {
	client := newMockClient()
	client.estimateErr = errors.New("estimation unavailable")
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	_, err := e.Settle(context.Background(), p, req, payer)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, DefaultGasLimit, client.sent[0].Gas())
}

func TestSettle_TimeoutLeavesPending(t *testing.T) {
	client := newMockClient()
	client.mine = false
	e, store := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, Retryable(err))
	assert.Equal(t, ReasonTimeout, resp.ErrorReason)
	require.NotEmpty(t, resp.Transaction)

	var se *SettleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, resp.Transaction, se.TxHash)

	stored, err := store.Get(context.Background(), resp.Transaction)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, stored.Status)
}

func TestSettle_RetryAfterTimeoutResumesPending(t *testing.T) {
	client := newMockClient()
	client.mine = false
	e, store := newTestEngine(t, client)
	p, req, payer := signedPayment(t)
	ctx := context.Background()

	first, err := e.Settle(ctx, p, req, payer)
	require.ErrorIs(t, err, ErrTimeout)

	second, err := e.Settle(ctx, p, req, payer)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, first.Transaction, second.Transaction)
	assert.Equal(t, 1, client.sentCount())

	client.mu.Lock()
	client.mine = true
	client.mu.Unlock()

	third, err := e.Settle(ctx, p, req, payer)
	require.NoError(t, err)
	assert.True(t, third.Success)
	assert.Equal(t, first.Transaction, third.Transaction)
	assert.Equal(t, 1, client.sentCount())

	stored, err := store.Get(ctx, first.Transaction)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusConfirmed, stored.Status)

	pending, err := store.ListPending(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = e.Settle(ctx, p, req, payer)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, 1, client.sentCount())
}

func TestSettle_CancelledWaitIsUnknownOutcome(t *testing.T) {
	client := newMockClient()
	client.mine = false
	e, store := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := e.Settle(ctx, p, req, payer)
	require.ErrorIs(t, err, ErrTimeout)

	// Recorded despite the caller's context being done.
	_, err = store.Get(context.Background(), resp.Transaction)
	require.NoError(t, err)
}

func TestSettle_AlreadySettledIsIdempotent(t *testing.T) {
	client := newMockClient()
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	first, err := e.Settle(context.Background(), p, req, payer)
	require.NoError(t, err)

	second, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrAlreadySettled)
	assert.False(t, Retryable(err))
	assert.Equal(t, ReasonAlreadySettled, second.ErrorReason)
	assert.Equal(t, first.Transaction, second.Transaction)
	assert.Equal(t, 1, client.sentCount())
}

func TestSettle_AuthorizationUsedOnChain(t *testing.T) {
	client := newMockClient()
	client.used = true
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, ReasonAlreadySettled, resp.ErrorReason)
	assert.Zero(t, client.sentCount())
}

func TestSettle_RPCUnavailableTripsBreaker(t *testing.T) {
	client := newMockClient()
	client.callErr = errConnRefused
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	for i := 0; i < 5; i++ {
		resp, err := e.Settle(context.Background(), p, req, payer)
		require.ErrorIs(t, err, ErrRPCUnavailable)
		assert.True(t, Retryable(err))
		assert.Equal(t, ReasonRPCUnavailable, resp.ErrorReason)
	}
	assert.Equal(t, 5, client.callCount())

	// Open circuit: rejected without touching the node.
	_, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrRPCUnavailable)
	assert.Equal(t, 5, client.callCount())
	assert.Zero(t, client.sentCount())
}

func TestSettle_SendFailure(t *testing.T) {
	client := newMockClient()
	client.sendErr = errConnRefused
	e, store := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrRPCUnavailable)
	assert.Empty(t, resp.Transaction)

	pending, err := store.ListPending(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSettle_RetriesNonceLookup(t *testing.T) {
	client := newMockClient()
	client.nonceFailures = 2
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, client.sentCount())
}

func TestSettle_NonceLookupExhausted(t *testing.T) {
	client := newMockClient()
	client.nonceErr = errConnRefused
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrRPCUnavailable)
	assert.Equal(t, ReasonRPCUnavailable, resp.ErrorReason)
	assert.Zero(t, client.sentCount())
}

func TestSettle_ConcurrentSameAuthorization(t *testing.T) {
	client := newMockClient()
	client.lookupsBeforeMined = 5
	e, _ := newTestEngine(t, client)
	p, req, payer := signedPayment(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Settle(context.Background(), p, req, payer)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadySettled)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, client.sentCount())
}

func TestSettle_DistinctAuthorizationsUseDistinctNonces(t *testing.T) {
	client := newMockClient()
	e, _ := newTestEngine(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p, req, payer := signedPayment(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Settle(context.Background(), p, req, payer)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range client.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 4)
}

func TestSettle_RejectsInvalidInput(t *testing.T) {
	client := newMockClient()
	e, _ := newTestEngine(t, client)

	p, req, payer := signedPayment(t)
	p.Scheme = x402.SchemeUpTo
	resp, err := e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.Equal(t, ReasonUnsupportedScheme, resp.ErrorReason)

	p, req, payer = signedPayment(t)
	p.Payload.Signature = "0x1234"
	_, err = e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrInvalidPayload)

	p, req, payer = signedPayment(t)
	req.Asset = "not-an-address"
	_, err = e.Settle(context.Background(), p, req, payer)
	require.ErrorIs(t, err, ErrInvalidPayload)

	assert.Zero(t, client.sentCount())
}

func TestCheckChain(t *testing.T) {
	client := newMockClient()
	e, _ := newTestEngine(t, client)
	require.NoError(t, e.CheckChain(context.Background()))

	client.chainID = 1
	assert.ErrorIs(t, e.CheckChain(context.Background()), ErrInvalidConfig)
}

func TestClose(t *testing.T) {
	client := newMockClient()
	e, _ := newTestEngine(t, client)
	require.NoError(t, e.Close())
	assert.True(t, client.closed)
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&SettleError{Op: "confirm", Err: ErrTransactionReverted}, ReasonTransactionReverted},
		{rpcErr("send", errConnRefused), ReasonRPCUnavailable},
		{errors.New("boom"), ReasonFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err))
	}
}
