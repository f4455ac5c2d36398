// Package facilitator serves the x402 facilitator API: POST /verify,
// POST /settle and GET /supported, plus read access to recorded
// settlements under /transactions.
package facilitator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dream-Voyage/v402/internal/logging"
	"github.com/Dream-Voyage/v402/internal/metrics"
	"github.com/Dream-Voyage/v402/internal/pagination"
	"github.com/Dream-Voyage/v402/internal/settlement"
	"github.com/Dream-Voyage/v402/internal/transactions"
	"github.com/Dream-Voyage/v402/internal/validation"
	"github.com/Dream-Voyage/v402/internal/verifier"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// ReasonUnsupportedNetwork rejects payments for networks this facilitator
// does not settle on.
const ReasonUnsupportedNetwork = "unsupported_network"

// Verifier checks a payment without touching the chain.
type Verifier interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (verifier.Result, error)
}

// Settler submits a verified payment on-chain.
type Settler interface {
	Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements, payer string) (*x402.SettlementResponse, error)
}

// Handler provides the facilitator endpoints.
type Handler struct {
	verifier Verifier
	settler  Settler
	store    transactions.Store
	kinds    []x402.SupportedKind
}

// NewHandler creates a handler that advertises every scheme in schemes on
// network. store may be nil, which disables transaction lookups.
func NewHandler(v Verifier, s Settler, store transactions.Store, network string, schemes []string) *Handler {
	kinds := make([]x402.SupportedKind, 0, len(schemes))
	for _, scheme := range schemes {
		kinds = append(kinds, x402.SupportedKind{X402Version: x402.Version, Scheme: scheme, Network: network})
	}
	return &Handler{verifier: v, settler: s, store: store, kinds: kinds}
}

// RegisterRoutes mounts the facilitator API on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/verify", h.Verify)
	r.POST("/settle", h.Settle)
	r.GET("/supported", h.Supported)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:hash", h.GetTransaction)
}

// Verify handles POST /verify. Business failures are a 200 with
// isValid=false; only malformed input is a 400.
func (h *Handler) Verify(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	res, ok := h.verify(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

// Settle handles POST /settle. The payment is verified again before any
// transaction is submitted.
func (h *Handler) Settle(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	network := req.PaymentRequirements.Network

	res, ok := h.verify(c, req)
	if !ok {
		return
	}
	if !res.IsValid {
		c.JSON(http.StatusOK, x402.SettleResponse{
			Success:     false,
			ErrorReason: res.InvalidReason,
			Network:     network,
			Payer:       res.Payer,
		})
		return
	}

	resp, err := h.settler.Settle(ctx, &req.PaymentPayload, &req.PaymentRequirements, res.Payer)
	if resp == nil {
		resp = &x402.SettlementResponse{Network: network, Payer: res.Payer}
	}
	if err != nil {
		resp.Success = false
		resp.ErrorReason = settlement.Reason(err)
		logging.L(ctx).Warn("settlement failed",
			"payer", res.Payer,
			"network", network,
			"tx_hash", resp.Transaction,
			"reason", resp.ErrorReason,
			"retryable", settlement.Retryable(err),
			"error", err,
		)
	} else {
		logging.L(ctx).Info("settlement confirmed",
			"payer", res.Payer,
			"network", network,
			"tx_hash", resp.Transaction,
			"resource", req.PaymentRequirements.Resource,
		)
	}
	c.JSON(http.StatusOK, resp)
}

// Supported handles GET /supported.
func (h *Handler) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, x402.SupportedResponse{Kinds: h.kinds})
}

// GetTransaction handles GET /transactions/:hash, letting a resource server
// follow up on a settlement that timed out.
func (h *Handler) GetTransaction(c *gin.Context) {
	hash := c.Param("hash")
	if !validation.IsValidTxHash(hash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_hash",
			"message": "Transaction hash must be 0x followed by 64 hex characters",
		})
		return
	}
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}

	tx, err := h.store.Get(c.Request.Context(), hash)
	if err != nil {
		if errors.Is(err, transactions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transaction",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /transactions. Query parameters: status,
// payer, limit and cursor (from a previous page's next_cursor).
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, err := pagination.Limit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	status := transactions.Status(c.Query("status"))
	switch status {
	case "", transactions.StatusPending, transactions.StatusConfirmed, transactions.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be pending, confirmed or failed",
		})
		return
	}
	payer := c.Query("payer")
	if payer != "" && !validation.IsValidEthAddress(payer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payer", "message": "payer must be a 0x address"})
		return
	}

	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"transactions": []*transactions.Transaction{}, "has_more": false})
		return
	}

	txs, err := h.store.List(c.Request.Context(), transactions.ListFilter{
		Status: status,
		Payer:  payer,
		After:  cursor,
		Limit:  limit + 1,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("list transactions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	txs, next, more := pagination.Page(txs, limit, func(tx *transactions.Transaction) (time.Time, string) {
		return tx.CreatedAt, strings.ToLower(tx.Hash)
	})
	if txs == nil {
		txs = []*transactions.Transaction{}
	}
	resp := gin.H{"transactions": txs, "has_more": more}
	if more {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) bind(c *gin.Context) (*x402.VerifyRequest, bool) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return nil, false
	}
	if err := req.PaymentRequirements.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_requirements",
			"message": err.Error(),
		})
		return nil, false
	}
	return &req, true
}

// verify runs the verifier and records the outcome. It writes a 400 and
// returns false for malformed payloads.
func (h *Handler) verify(c *gin.Context, req *x402.VerifyRequest) (verifier.Result, bool) {
	network := req.PaymentRequirements.Network

	if !h.supportsNetwork(network) {
		res := verifier.Invalid(ReasonUnsupportedNetwork)
		metrics.ObserveVerification(network, false, res.InvalidReason)
		return res, true
	}

	res, err := h.verifier.Verify(c.Request.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if err != nil {
		code := "invalid_payload"
		if errors.Is(err, x402.ErrUnknownNetwork) {
			code = "unknown_network"
		}
		metrics.ObserveVerification(network, false, code)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return verifier.Result{}, false
	}
	metrics.ObserveVerification(network, res.IsValid, res.InvalidReason)
	return res, true
}

func (h *Handler) supportsNetwork(network string) bool {
	for _, k := range h.kinds {
		if strings.EqualFold(k.Network, network) {
			return true
		}
	}
	return false
}
