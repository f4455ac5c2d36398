package x402

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Dream-Voyage/v402/internal/eip712"
	"github.com/Dream-Voyage/v402/internal/idgen"
)

const (
	// clockSkew backdates validAfter so a slightly fast verifier clock
	// does not reject a fresh payment.
	clockSkew = 60 * time.Second
	// defaultValidity applies when a requirement has no maxTimeoutSeconds.
	defaultValidity = 300 * time.Second
)

// Signer builds and signs EIP-3009 payments. It does no I/O.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
	nonce   func() [32]byte
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides time.Now, for tests.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithNonceSource overrides the random nonce generator, for tests.
func WithNonceSource(f func() [32]byte) SignerOption {
	return func(s *Signer) { s.nonce = f }
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(privateKeyHex string, opts ...SignerOption) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return NewSignerFromKey(key, opts...), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...SignerOption) *Signer {
	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		now:     time.Now,
		nonce:   idgen.Nonce32,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address is the payer address.
func (s *Signer) Address() common.Address { return s.address }

// Sign authorizes a transfer of exactly req.MaxAmountRequired to req.PayTo
// and returns a ready-to-send payload. Every call uses a fresh nonce.
func (s *Signer) Sign(req *PaymentRequirements) (*PaymentPayload, error) {
	if req == nil {
		return nil, &SigningError{Err: fmt.Errorf("nil requirements")}
	}
	if err := req.Validate(); err != nil {
		return nil, &SigningError{Err: err}
	}
	domain, err := req.Domain()
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	value, err := req.Amount()
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	validity := defaultValidity
	if req.MaxTimeoutSeconds > 0 {
		validity = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	now := s.now()
	after := now.Add(-clockSkew).Unix()
	if after < 0 {
		after = 0
	}

	auth := eip712.Authorization{
		From:        s.address,
		To:          common.HexToAddress(req.PayTo),
		Value:       value,
		ValidAfter:  big.NewInt(after),
		ValidBefore: big.NewInt(now.Add(validity).Unix()),
		Nonce:       s.nonce(),
	}

	sig, err := eip712.Sign(eip712.Digest(domain, auth), s.key)
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactPayload{
			Signature: sig.Hex(),
			Authorization: Authorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       eip712.NonceHex(auth.Nonce),
			},
		},
	}, nil
}
