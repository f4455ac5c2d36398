package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Dream-Voyage/v402/internal/security"
	"github.com/Dream-Voyage/v402/internal/usdc"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// maxBodyChars bounds the response body echoed back to the model.
const maxBodyChars = 8000

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	payer        Payer
	facilitator  SupportedLister // nil when no facilitator URL is configured
	network      string
	maxAmount    *big.Int
	allowPrivate bool
	resolver     security.Resolver
	now          func() time.Time
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithFacilitator enables the facilitator_supported tool.
func WithFacilitator(f SupportedLister) HandlerOption {
	return func(h *Handlers) { h.facilitator = f }
}

// WithAllowPrivate lets the fetch tools reach loopback and private
// addresses (local development).
func WithAllowPrivate(on bool) HandlerOption {
	return func(h *Handlers) { h.allowPrivate = on }
}

// WithResolver overrides DNS resolution for the URL guard.
func WithResolver(r security.Resolver) HandlerOption {
	return func(h *Handlers) { h.resolver = r }
}

// WithWallet describes the payer for wallet_info.
func WithWallet(network string, maxAmount *big.Int) HandlerOption {
	return func(h *Handlers) {
		h.network = network
		h.maxAmount = maxAmount
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(payer Payer, opts ...HandlerOption) *Handlers {
	h := &Handlers{payer: payer, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleFetchPaidResource fetches one resource, paying if required.
func (h *Handlers) HandleFetchPaidResource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url := req.GetString("url", "")
	if url == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	if err := h.checkURL(ctx, url); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var (
		resp *x402.Response
		err  error
	)
	switch strings.ToUpper(req.GetString("method", http.MethodGet)) {
	case http.MethodGet:
		resp, err = h.payer.Get(ctx, url)
	case http.MethodPost:
		contentType := req.GetString("content_type", "application/json")
		resp, err = h.payer.Post(ctx, url, contentType, []byte(req.GetString("body", "")))
	default:
		return mcp.NewToolResultError("method must be GET or POST"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}
	return mcp.NewToolResultText(formatResponse(resp)), nil
}

// HandleFetchMany fetches several resources concurrently.
func (h *Handlers) HandleFetchMany(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urls := stringList(req.GetArguments()["urls"])
	if len(urls) == 0 {
		return mcp.NewToolResultError("urls must list at least one URL"), nil
	}
	for _, u := range urls {
		if err := h.checkURL(ctx, u); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", u, err)), nil
		}
	}

	results := h.payer.BatchGet(ctx, urls, req.GetInt("max_concurrent", 5))

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
		if r.Err != nil {
			fmt.Fprintf(&b, "Error: %s\n", describeError(r.Err))
			continue
		}
		b.WriteString(formatResponse(r.Response))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandlePaymentHistory lists recorded payments.
func (h *Handlers) HandlePaymentHistory(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var since time.Time
	if s := req.GetString("since", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return mcp.NewToolResultError("since must be a positive duration such as '1h' or '24h'"), nil
		}
		since = h.now().Add(-d)
	}

	records := h.payer.History(since, req.GetInt("limit", 20))
	if len(records) == 0 {
		return mcp.NewToolResultText("No payments recorded."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d payment(s):\n", len(records))
	for _, r := range records {
		amount, _ := new(big.Int).SetString(r.Amount, 10)
		fmt.Fprintf(&b, "- %s  %s USDC  %s  %s", r.Timestamp.UTC().Format(time.RFC3339), usdc.Human(amount), r.Status, r.URL)
		if r.TransactionHash != "" {
			fmt.Fprintf(&b, "  tx=%s", r.TransactionHash)
		}
		if r.ErrorReason != "" {
			fmt.Fprintf(&b, "  reason=%s", r.ErrorReason)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandlePaymentStatistics summarizes spending over a look-back window.
func (h *Handlers) HandlePaymentStatistics(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	period, err := time.ParseDuration(req.GetString("period", "24h"))
	if err != nil || period <= 0 {
		return mcp.NewToolResultError("period must be a positive duration such as '24h'"), nil
	}
	end := h.now()
	st := h.payer.Statistics(end.Add(-period), end)

	var b strings.Builder
	fmt.Fprintf(&b, "Period: %s to %s\n", st.PeriodStart.UTC().Format(time.RFC3339), st.PeriodEnd.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Payments: %d (confirmed %d, failed %d, pending %d)\n", st.TotalPayments, st.Successful, st.Failed, st.Pending)
	fmt.Fprintf(&b, "Total spent: %s USDC\n", usdc.Human(st.TotalAmount))
	if st.Successful > 0 {
		fmt.Fprintf(&b, "Average: %s USDC, min %s, max %s\n", usdc.Human(st.AverageAmount), usdc.Human(st.MinAmount), usdc.Human(st.MaxAmount))
	}
	fmt.Fprintf(&b, "Resources: %d, networks: %d\n", st.UniqueResources, st.UniqueNetworks)
	return mcp.NewToolResultText(b.String()), nil
}

// HandleFacilitatorSupported lists what the facilitator settles.
func (h *Handlers) HandleFacilitatorSupported(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.facilitator == nil {
		return mcp.NewToolResultError("no facilitator configured (set V402_FACILITATOR_URL)"), nil
	}
	resp, err := h.facilitator.Supported(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query facilitator: %v", err)), nil
	}
	if len(resp.Kinds) == 0 {
		return mcp.NewToolResultText("The facilitator reports no supported payment kinds."), nil
	}

	var b strings.Builder
	b.WriteString("Supported payment kinds:\n")
	for _, k := range resp.Kinds {
		fmt.Fprintf(&b, "- scheme=%s network=%s x402Version=%d\n", k.Scheme, k.Network, k.X402Version)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleWalletInfo describes the paying identity.
func (h *Handlers) HandleWalletInfo(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr := h.payer.Address()
	if addr == "" {
		addr = "(none: auto-pay disabled)"
	}
	ceiling := "none"
	if h.maxAmount != nil {
		ceiling = usdc.Human(h.maxAmount) + " USDC"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Address: %s\nNetwork: %s\nPer-payment ceiling: %s\n", addr, h.network, ceiling)), nil
}

func (h *Handlers) checkURL(ctx context.Context, url string) error {
	if h.allowPrivate {
		return nil
	}
	return security.CheckResourceURL(ctx, url, h.resolver)
}

func formatResponse(resp *x402.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %d\n", resp.StatusCode)
	switch {
	case resp.PaymentMade && resp.Payment != nil:
		amount, _ := new(big.Int).SetString(resp.Payment.Amount, 10)
		fmt.Fprintf(&b, "Paid: %s USDC on %s (%s)\n", usdc.Human(amount), resp.Payment.Network, resp.Payment.Status)
	case resp.StatusCode == http.StatusPaymentRequired:
		b.WriteString("Paid: no (payment required, auto-pay disabled)\n")
		if pr, err := resp.PaymentRequired(); err == nil {
			for _, a := range pr.Accepts {
				amount, _ := new(big.Int).SetString(a.MaxAmountRequired, 10)
				fmt.Fprintf(&b, "Accepts: %s USDC via %s on %s to %s\n", usdc.Human(amount), a.Scheme, a.Network, a.PayTo)
			}
		}
	case resp.FromCache:
		b.WriteString("Paid: no (cached)\n")
	default:
		b.WriteString("Paid: no\n")
	}
	if s := resp.Settlement; s != nil {
		if s.Transaction != "" {
			fmt.Fprintf(&b, "Transaction: %s\n", s.Transaction)
		}
		if !s.Success && s.ErrorReason != "" {
			fmt.Fprintf(&b, "Settlement error: %s\n", s.ErrorReason)
		}
	}
	b.WriteString("\n")
	b.WriteString(truncate(string(resp.Body), maxBodyChars))
	return b.String()
}

// describeError turns client errors into guidance the model can act on.
func describeError(err error) string {
	switch {
	case errors.Is(err, x402.ErrPaymentLimitExceeded):
		return "Payment refused: the resource costs more than the configured ceiling (V402_MAX_AMOUNT)."
	case errors.Is(err, x402.ErrNoAcceptableRequirement):
		return "Payment refused: the server offers no payment option on a supported network and scheme."
	case errors.Is(err, x402.ErrPaymentVerificationFailed):
		return fmt.Sprintf("Payment could not be signed: %v", err)
	case errors.Is(err, x402.ErrConnectionTimeout):
		return fmt.Sprintf("Request timed out after retries: %v", err)
	case errors.Is(err, x402.ErrClientClosed):
		return "The paying client is shut down."
	default:
		return fmt.Sprintf("Request failed: %v", err)
	}
}

// stringList accepts a JSON array of strings as decoded into any.
func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... (%d more bytes)", len(s)-cut)
}
