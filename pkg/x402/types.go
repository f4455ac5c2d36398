// Package x402 implements the x402 payment protocol types and the paying
// HTTP client built on them.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/Dream-Voyage/v402/internal/eip712"
)

// Version is the protocol version this package speaks.
const Version = 1

const (
	// SchemeExact transfers exactly maxAmountRequired.
	SchemeExact = "exact"
	// SchemeUpTo and SchemeDynamic are recognized by the selector but the
	// facilitator only settles exact payments.
	SchemeUpTo    = "upto"
	SchemeDynamic = "dynamic"
)

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Fallback EIP-712 domain fields for a network with no known token
// domain. They match the default network's USDC contract.
const (
	DefaultTokenName    = "USDC"
	DefaultTokenVersion = "2"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DomainExtra carries the token's EIP-712 domain name and version.
type DomainExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// OrDefault fills empty fields with the USDC domain of network. A nil
// receiver yields the full default.
func (e *DomainExtra) OrDefault(network string) DomainExtra {
	out := DomainExtra{Name: DefaultTokenName, Version: DefaultTokenVersion}
	if n, ok := LookupNetwork(network); ok && n.TokenName != "" {
		out = DomainExtra{Name: n.TokenName, Version: n.TokenVersion}
	}
	if e == nil {
		return out
	}
	if e.Name != "" {
		out.Name = e.Name
	}
	if e.Version != "" {
		out.Version = e.Version
	}
	return out
}

// PaymentRequirements is one entry of a 402 response's accepts array.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme" validate:"required"`
	Network           string          `json:"network" validate:"required"`
	MaxAmountRequired string          `json:"maxAmountRequired" validate:"required,number"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	PayTo             string          `json:"payTo" validate:"required,eth_addr"`
	MaxTimeoutSeconds int64           `json:"maxTimeoutSeconds" validate:"gte=0"`
	Asset             string          `json:"asset" validate:"required,eth_addr"`
	Extra             *DomainExtra    `json:"extra,omitempty"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
}

// Validate checks the requirement is well-formed enough to sign against.
func (r *PaymentRequirements) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid payment requirements: %w", err)
	}
	return nil
}

// Amount parses MaxAmountRequired.
func (r *PaymentRequirements) Amount() (*big.Int, error) {
	return parseUint(r.MaxAmountRequired)
}

// Domain builds the signing domain for this requirement.
func (r *PaymentRequirements) Domain() (eip712.Domain, error) {
	chainID, err := ChainID(r.Network)
	if err != nil {
		return eip712.Domain{}, err
	}
	if !common.IsHexAddress(r.Asset) {
		return eip712.Domain{}, fmt.Errorf("invalid asset address %q", r.Asset)
	}
	extra := r.Extra.OrDefault(r.Network)
	return eip712.Domain{
		Name:              extra.Name,
		Version:           extra.Version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(r.Asset),
	}, nil
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// Authorization is an EIP-3009 transfer authorization as it travels on the
// wire: integers are decimal strings, the nonce is 0x-prefixed hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Typed converts the wire form into the form the codec hashes.
func (a Authorization) Typed() (eip712.Authorization, error) {
	var out eip712.Authorization
	if !common.IsHexAddress(a.From) {
		return out, fmt.Errorf("invalid from address %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return out, fmt.Errorf("invalid to address %q", a.To)
	}
	value, err := parseUint(a.Value)
	if err != nil {
		return out, fmt.Errorf("value: %w", err)
	}
	after, err := parseUint(a.ValidAfter)
	if err != nil {
		return out, fmt.Errorf("validAfter: %w", err)
	}
	before, err := parseUint(a.ValidBefore)
	if err != nil {
		return out, fmt.Errorf("validBefore: %w", err)
	}
	nonce, err := eip712.ParseNonce(a.Nonce)
	if err != nil {
		return out, err
	}

	out = eip712.Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  after,
		ValidBefore: before,
		Nonce:       nonce,
	}
	return out, out.Validate()
}

// ExactPayload is the scheme-specific part of an exact payment.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is what the client places in the X-PAYMENT header. A new
// one is built for every paid attempt.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// SettlementResponse is the settlement outcome. It is the body of
// POST /settle and, encoded, the X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's name for the settlement body.
type SettleResponse = SettlementResponse

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest = VerifyRequest

// VerifyResponse is the body returned by POST /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SupportedKind is one (scheme, network) pair a facilitator can settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequired extracts the accepts array from a 402 response.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return DecodePaymentRequired(body)
}

// DecodePaymentRequired parses a 402 body.
func DecodePaymentRequired(body []byte) (*PaymentRequired, error) {
	var pr PaymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	return &pr, nil
}

func parseUint(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative integer %q", s)
	}
	return n, nil
}
