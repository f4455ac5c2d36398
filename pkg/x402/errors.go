package x402

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAcceptableRequirement means no offered requirement passed the
	// caller's network, scheme and amount policy.
	ErrNoAcceptableRequirement = errors.New("x402: no acceptable payment requirement")
	// ErrPaymentLimitExceeded means a requirement matched on network and
	// scheme but asked for more than the caller's ceiling.
	ErrPaymentLimitExceeded = errors.New("x402: payment exceeds maximum amount")
	// ErrPaymentVerificationFailed covers failures building or signing a
	// payment for an otherwise acceptable requirement.
	ErrPaymentVerificationFailed = errors.New("x402: payment verification failed")
	ErrInvalidPrivateKey         = errors.New("x402: invalid private key")
	ErrClientClosed              = errors.New("x402: client closed")
	ErrConnectionTimeout         = errors.New("x402: connection timeout")
	ErrRequestFailed             = errors.New("x402: request failed")
)

// PaymentError is returned when a 402 could not be answered with a
// payment. Response is the unpaid 402 response.
type PaymentError struct {
	URL      string
	Response *Response
	Err      error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("x402: payment for %s failed: %v", e.URL, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// SigningError is returned when an authorization could not be signed.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return "x402: signing failed: " + e.Err.Error() }

// Unwrap exposes both the cause and ErrPaymentVerificationFailed.
func (e *SigningError) Unwrap() []error {
	return []error{ErrPaymentVerificationFailed, e.Err}
}

// TransportError is a network-level failure talking to URL. Kind is
// ErrConnectionTimeout or ErrRequestFailed.
type TransportError struct {
	URL  string
	Kind error
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{e.Kind, e.Err} }

// selectionError carries both the selector sentinel and, when only the
// ceiling filtered offers out, ErrPaymentLimitExceeded.
type selectionError struct {
	msg    string
	causes []error
}

func (e *selectionError) Error() string   { return e.msg }
func (e *selectionError) Unwrap() []error { return e.causes }
