package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Dream-Voyage/v402/internal/cache"
	"github.com/Dream-Voyage/v402/internal/ledger"
	"github.com/Dream-Voyage/v402/internal/pool"
	"github.com/Dream-Voyage/v402/internal/retry"
)

// State is a step of the pay-on-demand flow for one logical request.
type State string

const (
	StateInit            State = "init"
	StateSent            State = "sent"
	StatePaymentRequired State = "payment_required"
	StatePaidRetrySent   State = "paid_retry_sent"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Client wraps http.Client with automatic 402 payment handling.
type Client struct {
	signer     *Signer
	httpClient *http.Client
	selector   *Selector
	autoPay    bool
	timeout    time.Duration

	retry     *retry.Manager
	pool      *pool.Pool
	poolCfg   pool.Config
	cache     *cache.Cache[*Response]
	cachePaid bool
	ledger    *ledger.Ledger
	logger    *slog.Logger

	maxConcurrency int
	onPayment      func(req *PaymentRequirements, payload *PaymentPayload)
	stateHook      func(url string, s State)

	closed atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSelector replaces the requirement selection policy. A ceiling set
// by WithMaxAmount still applies when the selector has none.
func WithSelector(s *Selector) Option {
	return func(c *Client) {
		prev := c.selector.MaxAmount
		cp := *s
		if cp.MaxAmount == nil {
			cp.MaxAmount = prev
		}
		c.selector = &cp
	}
}

// WithMaxAmount caps a single payment, in the asset's smallest unit.
func WithMaxAmount(amount *big.Int) Option {
	return func(c *Client) { c.selector.MaxAmount = amount }
}

// WithNetworks restricts payments to the given networks.
func WithNetworks(networks ...string) Option {
	return func(c *Client) { c.selector.Networks = networks }
}

// WithAutoPay toggles paying 402 responses. When off, the 402 response is
// returned to the caller.
func WithAutoPay(on bool) Option {
	return func(c *Client) { c.autoPay = on }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry configures transport retries. maxRetries 0 disables them.
func WithRetry(maxRetries int, multiplier float64, jitter bool) Option {
	return func(c *Client) {
		c.retry = retry.New(maxRetries, multiplier)
		c.retry.Jitter = jitter
	}
}

// WithPool configures the connection pool.
func WithPool(maxConnections int, keepalive, healthInterval time.Duration) Option {
	return func(c *Client) {
		c.poolCfg.MaxConnections = maxConnections
		c.poolCfg.KeepaliveExpiry = keepalive
		c.poolCfg.HealthCheckInterval = healthInterval
	}
}

// WithCache configures the response cache. ttl <= 0 disables caching.
func WithCache(maxSize int, ttl time.Duration) Option {
	return func(c *Client) {
		if ttl <= 0 {
			c.cache = nil
			return
		}
		c.cache = cache.New[*Response](maxSize, ttl)
	}
}

// WithCachePaidResponses allows caching bodies obtained by paying. Off by
// default: a cached paid body would hide the payment requirement from
// later callers.
func WithCachePaidResponses(on bool) Option {
	return func(c *Client) { c.cachePaid = on }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithOnPayment registers a hook called before each paid retry is sent.
func WithOnPayment(f func(req *PaymentRequirements, payload *PaymentPayload)) Option {
	return func(c *Client) { c.onPayment = f }
}

// WithStateHook observes every state transition.
func WithStateHook(f func(url string, s State)) Option {
	return func(c *Client) { c.stateHook = f }
}

// WithMaxConcurrency sets the default BatchGet fan-out.
func WithMaxConcurrency(n int) Option {
	return func(c *Client) { c.maxConcurrency = n }
}

// NewClient creates a paying client. signer may be nil when auto-pay is
// disabled.
func NewClient(signer *Signer, opts ...Option) *Client {
	c := &Client{
		signer:         signer,
		selector:       &Selector{Schemes: []string{SchemeExact}},
		autoPay:        true,
		timeout:        30 * time.Second,
		retry:          retry.New(retry.DefaultMaxRetries, retry.DefaultMultiplier),
		poolCfg:        pool.DefaultConfig(),
		cache:          cache.New[*Response](1000, 300*time.Second),
		ledger:         ledger.New(),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxConcurrency: 10,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.poolCfg.Timeout = c.timeout
		c.pool = pool.New(c.poolCfg, pool.WithLogger(c.logger))
		c.pool.Start()
		c.httpClient = &http.Client{
			Transport: c.pool.Transport(),
			Timeout:   c.timeout,
		}
	}
	return c
}

// Address returns the payer address, or "" without a signer.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// Get issues a GET through Do.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post issues a POST through Do.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// Do performs req, paying a 402 once if auto-pay is on. The request body is
// buffered so the paid retry replays it byte for byte.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}
	url := req.URL.String()
	cacheable := c.cache != nil && req.Method == http.MethodGet

	c.transition(url, StateInit)
	if cacheable {
		if hit, ok := c.cache.Get(url); ok {
			c.logger.Debug("cache hit", "url", url)
			resp := hit.clone()
			resp.FromCache = true
			c.transition(url, StateDone)
			return resp, nil
		}
	}

	c.transition(url, StateSent)
	resp, err := c.send(ctx, req, body, nil)
	if err != nil {
		c.transition(url, StateFailed)
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		if cacheable && resp.StatusCode == http.StatusOK {
			c.cache.Set(url, resp.clone())
		}
		c.transition(url, StateDone)
		return resp, nil
	}

	c.transition(url, StatePaymentRequired)
	if !c.autoPay {
		c.transition(url, StateDone)
		return resp, nil
	}

	paid, err := c.pay(ctx, req, body, resp)
	if err != nil {
		c.transition(url, StateFailed)
		return nil, err
	}

	if cacheable && c.cachePaid && paid.StatusCode == http.StatusOK {
		c.cache.Set(url, paid.clone())
	}
	c.transition(url, StateDone)
	return paid, nil
}

// pay answers a 402 and sends the paid retry.
func (c *Client) pay(ctx context.Context, req *http.Request, body []byte, unpaid *Response) (*Response, error) {
	url := unpaid.URL
	fail := func(err error) error {
		return &PaymentError{URL: url, Response: unpaid, Err: err}
	}

	if c.signer == nil {
		return nil, fail(fmt.Errorf("%w: no signer configured", ErrPaymentVerificationFailed))
	}

	required, err := unpaid.PaymentRequired()
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrPaymentVerificationFailed, err))
	}
	chosen, err := c.selector.Select(required.Accepts)
	if err != nil {
		return nil, fail(err)
	}

	var (
		payload *PaymentPayload
		paid    *Response
	)
	// A fresh authorization is signed for every attempt.
	sign := func() (string, error) {
		p, err := c.signer.Sign(chosen)
		if err != nil {
			return "", err
		}
		header, err := EncodePayment(p)
		if err != nil {
			return "", &SigningError{Err: err}
		}
		if c.onPayment != nil {
			c.onPayment(chosen, p)
		}
		payload = p
		return header, nil
	}

	c.transition(url, StatePaidRetrySent)
	paid, err = c.send(ctx, req, body, sign)
	if err != nil {
		var se *SigningError
		if errors.As(err, &se) {
			return nil, fail(err)
		}
		if payload != nil {
			c.ledger.Record(c.record(url, chosen, payload, PaymentFailed, "", err.Error()))
		}
		return nil, err
	}

	status := PaymentPending
	var reason string
	if h := paid.Header.Get(HeaderPaymentResponse); h != "" {
		settlement, derr := DecodeSettlement(h)
		switch {
		case derr != nil:
			c.logger.Warn("undecodable settlement header", "url", url, "error", derr)
		case settlement.Success:
			status = PaymentConfirmed
			paid.Settlement = settlement
		default:
			status = PaymentFailed
			reason = settlement.ErrorReason
			paid.Settlement = settlement
		}
	}
	if paid.StatusCode == http.StatusPaymentRequired {
		status = PaymentFailed
		if pr, derr := paid.PaymentRequired(); derr == nil && pr.Error != "" {
			reason = pr.Error
		}
	}

	if status == PaymentFailed {
		switch reason {
		case reasonExpired:
			status = PaymentExpired
		case reasonSettlementTimeout:
			status = PaymentPending
		}
	}

	var txHash string
	if paid.Settlement != nil {
		txHash = paid.Settlement.Transaction
	}
	rec := c.ledger.Record(c.record(url, chosen, payload, status, txHash, reason))
	paid.PaymentMade = true
	paid.Payment = &rec

	c.logger.Info("payment sent",
		"url", url,
		"amount", chosen.MaxAmountRequired,
		"network", chosen.Network,
		"status", string(status),
		"tx_hash", txHash,
	)
	return paid, nil
}

func (c *Client) record(url string, req *PaymentRequirements, p *PaymentPayload, status ledger.Status, txHash, reason string) ledger.Record {
	return ledger.Record{
		URL:             url,
		Amount:          req.MaxAmountRequired,
		Network:         req.Network,
		Scheme:          req.Scheme,
		Payer:           p.Payload.Authorization.From,
		Payee:           req.PayTo,
		TransactionHash: txHash,
		Status:          status,
		Description:     req.Description,
		ErrorReason:     reason,
	}
}

// send issues one logical request through the retry manager. sign, when
// non-nil, produces the X-PAYMENT header for each attempt.
func (c *Client) send(ctx context.Context, orig *http.Request, body []byte, sign func() (string, error)) (*Response, error) {
	url := orig.URL.String()
	var out *Response

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if c.closed.Load() {
			return retry.Permanent(ErrClientClosed)
		}

		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, orig.Method, url, rdr)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header = orig.Header.Clone()
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		if sign != nil {
			header, err := sign()
			if err != nil {
				return retry.Permanent(err)
			}
			req.Header.Set(HeaderPayment, header)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return c.classify(ctx, url, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return c.classify(ctx, url, err)
		}
		out = &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
			URL:        url,
			Duration:   time.Since(start),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classify turns an http.Client error into a retryable TransportError, or a
// permanent error when retrying cannot help.
func (c *Client) classify(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return retry.Permanent(ctx.Err())
	}
	if errors.Is(err, pool.ErrPoolClosed) {
		return retry.Permanent(ErrClientClosed)
	}
	if errors.Is(err, pool.ErrBadOrigin) {
		return retry.Permanent(&TransportError{URL: url, Kind: ErrRequestFailed, Err: err})
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransportError{URL: url, Kind: ErrConnectionTimeout, Err: err}
	}
	return &TransportError{URL: url, Kind: ErrRequestFailed, Err: err}
}

func (c *Client) transition(url string, s State) {
	if c.stateHook != nil {
		c.stateHook(url, s)
	}
}

// BatchResult is the outcome for one URL of BatchGet.
type BatchResult struct {
	URL      string
	Response *Response
	Err      error
}

// BatchGet fetches urls with at most maxConcurrent requests in flight.
// Results are in input order; a failure affects only its own entry.
func (c *Client) BatchGet(ctx context.Context, urls []string, maxConcurrent int) []BatchResult {
	if maxConcurrent <= 0 {
		maxConcurrent = c.maxConcurrency
	}
	results := make([]BatchResult, len(urls))
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var g errgroup.Group

	for i, u := range urls {
		i, u := i, u
		results[i].URL = u
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			resp, err := c.Get(ctx, u)
			results[i].Response = resp
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// History returns ledger records at or after since; limit > 0 keeps the
// most recent ones.
func (c *Client) History(since time.Time, limit int) []PaymentRecord {
	return c.ledger.Query(since, limit)
}

// Statistics summarizes ledger records in [start, end]; zero bounds are
// open.
func (c *Client) Statistics(start, end time.Time) PaymentStatistics {
	return c.ledger.Statistics(start, end)
}

// PoolStats reports connection pool counters. ok is false when a custom
// HTTP client bypasses the pool.
func (c *Client) PoolStats() (pool.Stats, bool) {
	if c.pool == nil {
		return pool.Stats{}, false
	}
	return c.pool.Stats(), true
}

// Close stops accepting requests and shuts down the pool's health loop.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.pool != nil {
		return c.pool.Close()
	}
	return nil
}
