package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dream-Voyage/v402/internal/settlement"
	"github.com/Dream-Voyage/v402/internal/transactions"
	"github.com/Dream-Voyage/v402/internal/verifier"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

const (
	payerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	payee    = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"
	usdc     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	txHash   = "0x8f1b0c5c1e7d2a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f80910a1b"
)

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSettler) Settle(_ context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements, payer string) (*x402.SettlementResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	resp := &x402.SettlementResponse{Network: req.Network, Payer: payer, Transaction: txHash}
	if f.err != nil {
		resp.ErrorReason = settlement.Reason(f.err)
		return resp, f.err
	}
	resp.Success = true
	return resp, nil
}

func requirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
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

func signedRequest(t *testing.T) x402.VerifyRequest {
	t.Helper()
	s, err := x402.NewSigner(payerKey)
	require.NoError(t, err)
	req := requirements()
	p, err := s.Sign(&req)
	require.NoError(t, err)
	return x402.VerifyRequest{X402Version: x402.Version, PaymentPayload: *p, PaymentRequirements: req}
}

func setupRouter(settler Settler, store transactions.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(verifier.New(), settler, store, "base-sepolia", []string{x402.SchemeExact})
	h.RegisterRoutes(r)
	return r
}

func post(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestVerify_Valid(t *testing.T) {
	r := setupRouter(&fakeSettler{}, nil)
	body := signedRequest(t)

	w := post(t, r, "/verify", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)
	assert.Empty(t, resp.InvalidReason)
	assert.True(t, strings.EqualFold(body.PaymentPayload.Payload.Authorization.From, resp.Payer))
}

func TestVerify_BusinessFailureIs200(t *testing.T) {
	r := setupRouter(&fakeSettler{}, nil)

	tests := []struct {
		name   string
		mutate func(*x402.VerifyRequest)
		reason string
	}{
		{"amount", func(b *x402.VerifyRequest) { b.PaymentRequirements.MaxAmountRequired = "20000000" }, verifier.ReasonAmountMismatch},
		{"recipient", func(b *x402.VerifyRequest) { b.PaymentRequirements.PayTo = usdc }, verifier.ReasonRecipientMismatch},
		{"scheme", func(b *x402.VerifyRequest) { b.PaymentPayload.Scheme = x402.SchemeUpTo }, verifier.ReasonSchemeMismatch},
		{"network", func(b *x402.VerifyRequest) {
			b.PaymentRequirements.Network = "base"
			b.PaymentPayload.Network = "base"
		}, ReasonUnsupportedNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := signedRequest(t)
			tt.mutate(&body)

			w := post(t, r, "/verify", body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp x402.VerifyResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
}

func TestVerify_MalformedIs400(t *testing.T) {
	r := setupRouter(&fakeSettler{}, nil)

	w := post(t, r, "/verify", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	body := signedRequest(t)
	body.PaymentRequirements.PayTo = "nobody"
	w = post(t, r, "/verify", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_requirements")

	body = signedRequest(t)
	body.PaymentPayload.Payload.Authorization.Value = "ten"
	w = post(t, r, "/verify", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_payload")
}

func TestSettle_Success(t *testing.T) {
	settler := &fakeSettler{}
	r := setupRouter(settler, nil)

	w := post(t, r, "/settle", signedRequest(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, txHash, resp.Transaction)
	assert.Equal(t, "base-sepolia", resp.Network)
	assert.Equal(t, 1, settler.calls)
}

func TestSettle_ReverifiesBeforeSubmitting(t *testing.T) {
	settler := &fakeSettler{}
	r := setupRouter(settler, nil)

	body := signedRequest(t)
	body.PaymentPayload.Payload.Authorization.ValidBefore = "1"
	w := post(t, r, "/settle", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, verifier.ReasonExpired, resp.ErrorReason)
	assert.Zero(t, settler.calls)
}

func TestSettle_FailureReason(t *testing.T) {
	settler := &fakeSettler{err: &settlement.SettleError{Op: "confirm", TxHash: txHash, Err: settlement.ErrTransactionReverted}}
	r := setupRouter(settler, nil)

	w := post(t, r, "/settle", signedRequest(t))
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, settlement.ReasonTransactionReverted, resp.ErrorReason)
	assert.Equal(t, txHash, resp.Transaction)
}

func TestSupported(t *testing.T) {
	r := setupRouter(&fakeSettler{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/supported", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []x402.SupportedKind{{X402Version: x402.Version, Scheme: "exact", Network: "base-sepolia"}}, resp.Kinds)
}

func TestGetTransaction(t *testing.T) {
	store := transactions.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &transactions.Transaction{
		Hash:      txHash,
		Payer:     "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
		Amount:    "10000000",
		Status:    transactions.StatusPending,
		CreatedAt: time.Now(),
	}))
	r := setupRouter(&fakeSettler{}, store)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/transactions/" + txHash)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Transaction transactions.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, transactions.StatusPending, body.Transaction.Status)

	assert.Equal(t, http.StatusNotFound, get("/transactions/0x"+strings.Repeat("0", 64)).Code)
	assert.Equal(t, http.StatusBadRequest, get("/transactions/0x1234").Code)
}

func TestListTransactions(t *testing.T) {
	store := transactions.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	payers := []string{"0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", payee}
	for i := 0; i < 5; i++ {
		status := transactions.StatusConfirmed
		if i == 4 {
			status = transactions.StatusPending
		}
		require.NoError(t, store.Create(ctx, &transactions.Transaction{
			Hash:      "0x" + strings.Repeat(string("abcde"[i]), 64),
			Payer:     payers[i%2],
			Amount:    "10000",
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	r := setupRouter(&fakeSettler{}, store)

	type page struct {
		Transactions []transactions.Transaction `json:"transactions"`
		NextCursor   string                     `json:"next_cursor"`
		HasMore      bool                       `json:"has_more"`
	}
	list := func(query string) (int, page) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transactions"+query, nil))
		var p page
		if w.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		}
		return w.Code, p
	}

	code, p := list("?limit=2")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, p.Transactions, 2)
	assert.True(t, p.HasMore)
	assert.Equal(t, "0x"+strings.Repeat("e", 64), p.Transactions[0].Hash)

	var seen []string
	for _, tx := range p.Transactions {
		seen = append(seen, tx.Hash)
	}
	for p.HasMore {
		code, p = list("?limit=2&cursor=" + p.NextCursor)
		require.Equal(t, http.StatusOK, code)
		for _, tx := range p.Transactions {
			seen = append(seen, tx.Hash)
		}
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, "0x"+strings.Repeat("a", 64), seen[4])

	_, p = list("?status=pending")
	require.Len(t, p.Transactions, 1)
	assert.False(t, p.HasMore)
	assert.Empty(t, p.NextCursor)

	_, p = list("?payer=" + strings.ToLower(payee))
	assert.Len(t, p.Transactions, 2)

	for _, q := range []string{"?limit=0", "?cursor=bm9waXBl", "?status=settled", "?payer=bob"} {
		code, _ := list(q)
		assert.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestListTransactions_NoStore(t *testing.T) {
	r := setupRouter(&fakeSettler{}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transactions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"transactions":[],"has_more":false}`, w.Body.String())
}

func TestFacilitatorClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(setupRouter(&fakeSettler{}, nil))
	defer srv.Close()

	fc := x402.NewFacilitatorClient(srv.URL, srv.Client())
	body := signedRequest(t)
	ctx := context.Background()

	vr, err := fc.Verify(ctx, &body.PaymentPayload, &body.PaymentRequirements)
	require.NoError(t, err)
	assert.True(t, vr.IsValid)

	sr, err := fc.Settle(ctx, &body.PaymentPayload, &body.PaymentRequirements)
	require.NoError(t, err)
	assert.True(t, sr.Success)

	kinds, err := fc.Supported(ctx)
	require.NoError(t, err)
	assert.Len(t, kinds.Kinds, 1)
}

func TestLocal(t *testing.T) {
	settler := &fakeSettler{}
	l := &Local{Verifier: verifier.New(), Settler: settler}
	body := signedRequest(t)
	ctx := context.Background()

	vr, err := l.Verify(ctx, &body.PaymentPayload, &body.PaymentRequirements)
	require.NoError(t, err)
	assert.True(t, vr.IsValid)

	sr, err := l.Settle(ctx, &body.PaymentPayload, &body.PaymentRequirements)
	require.NoError(t, err)
	assert.True(t, sr.Success)

	settler.err = &settlement.SettleError{Op: "send", Err: settlement.ErrRPCUnavailable}
	sr, err = l.Settle(ctx, &body.PaymentPayload, &body.PaymentRequirements)
	require.NoError(t, err)
	assert.False(t, sr.Success)
	assert.Equal(t, settlement.ReasonRPCUnavailable, sr.ErrorReason)

	body.PaymentRequirements.MaxAmountRequired = "1"
	sr, err = l.Settle(ctx, &body.PaymentPayload, &body.PaymentRequirements)
	require.NoError(t, err)
	assert.Equal(t, verifier.ReasonAmountMismatch, sr.ErrorReason)
	assert.Equal(t, 2, settler.calls)
}
