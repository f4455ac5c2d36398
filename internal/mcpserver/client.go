package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dream-Voyage/v402/internal/config"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// Payer is the subset of *x402.Client the tools use.
type Payer interface {
	Address() string
	Get(ctx context.Context, url string) (*x402.Response, error)
	Post(ctx context.Context, url, contentType string, body []byte) (*x402.Response, error)
	BatchGet(ctx context.Context, urls []string, maxConcurrent int) []x402.BatchResult
	History(since time.Time, limit int) []x402.PaymentRecord
	Statistics(start, end time.Time) x402.PaymentStatistics
}

// SupportedLister reports a facilitator's settlement kinds.
// *x402.FacilitatorClient satisfies it.
type SupportedLister interface {
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// NewPayingClient builds the x402 client described by cfg.
func NewPayingClient(cfg *config.ClientConfig, logger *slog.Logger) (*x402.Client, error) {
	var signer *x402.Signer
	if cfg.PrivateKey != "" {
		s, err := x402.NewSigner(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		signer = s
	}

	opts := []x402.Option{
		x402.WithNetworks(cfg.Network),
		x402.WithAutoPay(cfg.AutoPay),
		x402.WithTimeout(cfg.Timeout),
		x402.WithRetry(cfg.MaxRetries, cfg.RetryBackoff, cfg.RetryJitter),
		x402.WithPool(cfg.MaxConnections, 30*time.Second, time.Minute),
		x402.WithCache(cfg.CacheSize, cfg.CacheTTL),
		x402.WithCachePaidResponses(cfg.CachePaid),
		x402.WithLogger(logger),
	}
	if max := cfg.MaxAmountUnits(); max != nil {
		opts = append(opts, x402.WithMaxAmount(max))
	}
	return x402.NewClient(signer, opts...), nil
}
