// Package verifier checks x402 payment payloads against the requirements
// they claim to satisfy.
//
// Business-rule failures come back as an Invalid result with a reason
// code. Only malformed input produces an error.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/Dream-Voyage/v402/internal/eip712"
	"github.com/Dream-Voyage/v402/internal/traces"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// Reason codes, in the order checks run.
const (
	ReasonSchemeMismatch    = "scheme_mismatch"
	ReasonNetworkMismatch   = "network_mismatch"
	ReasonUnsupportedScheme = "unsupported_scheme"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonNotYetValid       = "not_yet_valid"
	ReasonExpired           = "expired"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonPayerMismatch     = "payer_mismatch"
)

// ErrMalformedPayload is returned when a payload or requirement cannot be
// parsed.
var ErrMalformedPayload = errors.New("verifier: malformed payment")

// Result is the outcome of a verification.
type Result struct {
	IsValid       bool
	InvalidReason string
	Payer         string
}

// Valid is a passing result for payer.
func Valid(payer string) Result {
	return Result{IsValid: true, Payer: payer}
}

// Invalid is a failing result with a reason code.
func Invalid(reason string) Result {
	return Result{InvalidReason: reason}
}

// Response converts the result to its wire form.
func (r Result) Response() x402.VerifyResponse {
	return x402.VerifyResponse{IsValid: r.IsValid, InvalidReason: r.InvalidReason, Payer: r.Payer}
}

// Verifier holds no per-payment state; one instance can verify unrelated
// payments concurrently.
type Verifier struct {
	now     func() time.Time
	logger  *slog.Logger
	schemes map[string]bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the verifier's logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithSchemes sets the schemes this verifier can check. Default: exact.
func WithSchemes(schemes ...string) Option {
	return func(v *Verifier) {
		v.schemes = make(map[string]bool, len(schemes))
		for _, s := range schemes {
			v.schemes[s] = true
		}
	}
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		schemes: map[string]bool{x402.SchemeExact: true},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks payload against req.
func (v *Verifier) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (res Result, err error) {
	if payload == nil || req == nil {
		return Result{}, fmt.Errorf("%w: missing payload or requirements", ErrMalformedPayload)
	}

	_, span := traces.StartSpan(ctx, "verifier.Verify",
		traces.Scheme(payload.Scheme),
		traces.Network(payload.Network),
		traces.Amount(payload.Payload.Authorization.Value),
	)
	defer func() {
		if !res.IsValid && res.InvalidReason != "" {
			span.SetAttributes(traces.Reason(res.InvalidReason))
		}
		traces.End(span, err)
	}()

	res, err = v.verify(payload, req)
	if err == nil && !res.IsValid {
		v.logger.Debug("payment rejected",
			"reason", res.InvalidReason,
			"network", req.Network,
			"from", payload.Payload.Authorization.From,
		)
	}
	return res, err
}

func (v *Verifier) verify(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (Result, error) {
	if payload.Scheme != req.Scheme {
		return Invalid(ReasonSchemeMismatch), nil
	}
	if payload.Network != req.Network {
		return Invalid(ReasonNetworkMismatch), nil
	}
	if !v.schemes[req.Scheme] {
		return Invalid(ReasonUnsupportedScheme), nil
	}

	wire := payload.Payload.Authorization
	auth, err := wire.Typed()
	if err != nil {
		return Result{}, fmt.Errorf("%w: authorization: %v", ErrMalformedPayload, err)
	}
	want, err := req.Amount()
	if err != nil {
		return Result{}, fmt.Errorf("%w: maxAmountRequired: %v", ErrMalformedPayload, err)
	}

	if auth.Value.Cmp(want) != 0 {
		return Invalid(ReasonAmountMismatch), nil
	}
	if !strings.EqualFold(wire.To, req.PayTo) {
		return Invalid(ReasonRecipientMismatch), nil
	}

	now := big.NewInt(v.now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 {
		return Invalid(ReasonNotYetValid), nil
	}
	if now.Cmp(auth.ValidBefore) > 0 {
		return Invalid(ReasonExpired), nil
	}

	domain, err := req.Domain()
	if err != nil {
		if errors.Is(err, x402.ErrUnknownNetwork) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: domain: %v", ErrMalformedPayload, err)
	}
	sig, err := eip712.ParseSignature(payload.Payload.Signature)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	signer, err := eip712.Recover(eip712.Digest(domain, auth), sig)
	if err != nil {
		return Invalid(ReasonInvalidSignature), nil
	}
	if signer != auth.From {
		return Invalid(ReasonPayerMismatch), nil
	}
	return Valid(auth.From.Hex()), nil
}
