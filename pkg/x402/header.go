package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodePayment serializes a payload for the X-PAYMENT header.
func EncodePayment(p *PaymentPayload) (string, error) {
	return encodeHeader(p)
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(header string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := decodeHeader(header, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", HeaderPayment, err)
	}
	return &p, nil
}

// EncodeSettlement serializes a settlement outcome for X-PAYMENT-RESPONSE.
func EncodeSettlement(s *SettlementResponse) (string, error) {
	return encodeHeader(s)
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(header string) (*SettlementResponse, error) {
	var s SettlementResponse
	if err := decodeHeader(header, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", HeaderPaymentResponse, err)
	}
	return &s, nil
}

func encodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeHeader accepts standard or URL-safe base64, padded or not.
func decodeHeader(header string, v any) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("empty header")
	}

	var (
		data []byte
		err  error
	)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		data, err = enc.DecodeString(header)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	return json.Unmarshal(data, v)
}
