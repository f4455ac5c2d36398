package x402

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Dream-Voyage/v402/internal/ledger"
)

// PaymentRecord is one ledger entry kept by the client.
type PaymentRecord = ledger.Record

// PaymentStatistics summarizes the client's ledger.
type PaymentStatistics = ledger.Statistics

// Payment statuses recorded in the ledger.
const (
	PaymentPending   = ledger.StatusPending
	PaymentConfirmed = ledger.StatusConfirmed
	PaymentFailed    = ledger.StatusFailed
	PaymentExpired   = ledger.StatusExpired
)

// reasonExpired is the verifier's code for an authorization past its
// validBefore. Such payments are recorded as expired rather than failed.
const reasonExpired = "expired"

// reasonSettlementTimeout means the transfer was broadcast but not mined
// in time. It may still confirm, so the payment stays pending.
const reasonSettlementTimeout = "settlement_timeout"

// Response is a fully read HTTP response plus what the client did to get
// it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	Duration   time.Duration

	// PaymentMade is true when the response came back from a paid retry.
	PaymentMade bool
	// Payment is the ledger record for the paid retry.
	Payment *PaymentRecord
	// Settlement is the decoded X-PAYMENT-RESPONSE header, nil if absent.
	Settlement *SettlementResponse
	FromCache  bool
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// PaymentRequired decodes a 402 body. It returns an error for any other
// status.
func (r *Response) PaymentRequired() (*PaymentRequired, error) {
	if r.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", r.StatusCode)
	}
	return DecodePaymentRequired(r.Body)
}

// clone returns a copy safe to hand to a different caller.
func (r *Response) clone() *Response {
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	if r.Payment != nil {
		p := *r.Payment
		cp.Payment = &p
	}
	if r.Settlement != nil {
		s := *r.Settlement
		cp.Settlement = &s
	}
	return &cp
}
