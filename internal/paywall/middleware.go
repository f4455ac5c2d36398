// Package paywall puts x402 payment in front of gin routes. Unpaid
// requests get a 402 with payment requirements; paid requests are
// verified and settled through a facilitator before the handler runs.
package paywall

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Dream-Voyage/v402/internal/usdc"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

const (
	settlementKey = "x402_settlement"
	payerKey      = "x402_payer"
)

// Facilitator verifies and settles payments. *x402.FacilitatorClient
// satisfies it for a remote facilitator.
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettlementResponse, error)
}

// Config for the paywall middleware.
type Config struct {
	Facilitator Facilitator

	// Payment settings
	PayTo             string
	Asset             string
	Network           string
	DefaultPrice      string // USDC, e.g. "0.01"
	MaxTimeoutSeconds int64
	Extra             *x402.DomainExtra
	MimeType          string

	// Hooks
	OnPaymentSettled func(c *gin.Context, s *x402.SettlementResponse)
	OnPaymentFailed  func(c *gin.Context, reason string)

	Logger *slog.Logger
}

// Middleware charges cfg.DefaultPrice.
func Middleware(cfg Config) gin.HandlerFunc {
	return MiddlewareWithPrice(cfg, cfg.DefaultPrice, "API access")
}

// MiddlewareWithPrice charges price (USDC) for the wrapped routes.
func MiddlewareWithPrice(cfg Config, price string, description string) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	amount, ok := usdc.Parse(price)
	valid := ok && amount.Sign() > 0
	if !valid {
		logger.Error("paywall price is invalid, all requests will fail", "price", price)
	}

	return func(c *gin.Context) {
		if !valid {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "invalid_price",
				"message": "Paywall is misconfigured",
			})
			return
		}

		req := x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           cfg.Network,
			MaxAmountRequired: amount.String(),
			Resource:          resourceURL(c.Request),
			Description:       description,
			MimeType:          cfg.MimeType,
			PayTo:             cfg.PayTo,
			MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
			Asset:             cfg.Asset,
			Extra:             cfg.Extra,
		}

		header := c.GetHeader(x402.HeaderPayment)
		if header == "" {
			paymentRequired(c, req, "X-PAYMENT header is required")
			return
		}

		payload, err := x402.DecodePayment(header)
		if err != nil {
			fail(c, cfg, req, "invalid_payment_header")
			return
		}

		ctx := c.Request.Context()
		vr, err := cfg.Facilitator.Verify(ctx, payload, &req)
		if err != nil {
			logger.Error("facilitator verify failed", "resource", req.Resource, "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "facilitator_unavailable",
				"message": "Payment could not be verified",
			})
			return
		}
		if !vr.IsValid {
			fail(c, cfg, req, vr.InvalidReason)
			return
		}

		sr, err := cfg.Facilitator.Settle(ctx, payload, &req)
		if err != nil {
			logger.Error("facilitator settle failed", "resource", req.Resource, "payer", vr.Payer, "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "facilitator_unavailable",
				"message": "Payment could not be settled",
			})
			return
		}
		if !sr.Success {
			fail(c, cfg, req, sr.ErrorReason)
			return
		}

		if encoded, err := x402.EncodeSettlement(sr); err == nil {
			c.Header(x402.HeaderPaymentResponse, encoded)
		}
		c.Header("Access-Control-Expose-Headers", x402.HeaderPaymentResponse)

		logger.Info("payment accepted",
			"resource", req.Resource,
			"payer", vr.Payer,
			"amount", req.MaxAmountRequired,
			"tx_hash", sr.Transaction,
		)
		if cfg.OnPaymentSettled != nil {
			cfg.OnPaymentSettled(c, sr)
		}

		c.Set(settlementKey, sr)
		c.Set(payerKey, vr.Payer)
		c.Next()
	}
}

func fail(c *gin.Context, cfg Config, req x402.PaymentRequirements, reason string) {
	if cfg.OnPaymentFailed != nil {
		cfg.OnPaymentFailed(c, reason)
	}
	paymentRequired(c, req, reason)
}

func paymentRequired(c *gin.Context, req x402.PaymentRequirements, reason string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
		X402Version: x402.Version,
		Accepts:     []x402.PaymentRequirements{req},
		Error:       reason,
	})
}

// resourceURL reconstructs the absolute URL the client requested.
func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/")
}

// GetSettlement returns the settlement of the request's payment.
func GetSettlement(c *gin.Context) *x402.SettlementResponse {
	if v, ok := c.Get(settlementKey); ok {
		return v.(*x402.SettlementResponse)
	}
	return nil
}

// GetPayer returns the address that paid for the request.
func GetPayer(c *gin.Context) string {
	return c.GetString(payerKey)
}
