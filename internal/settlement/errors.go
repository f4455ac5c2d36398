package settlement

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransactionReverted = errors.New("settlement: transaction reverted")
	ErrRPCUnavailable      = errors.New("settlement: rpc unavailable")
	ErrTimeout             = errors.New("settlement: confirmation timed out")
	ErrAlreadySettled      = errors.New("settlement: authorization already settled")
	ErrUnsupportedScheme   = errors.New("settlement: unsupported scheme")
	ErrInvalidPayload      = errors.New("settlement: invalid payload")
	ErrInvalidPrivateKey   = errors.New("settlement: invalid private key")
	ErrInvalidConfig       = errors.New("settlement: invalid config")
)

// Error reason codes reported in SettlementResponse.ErrorReason.
const (
	ReasonAlreadySettled      = "already_settled"
	ReasonTransactionReverted = "transaction_reverted"
	ReasonRPCUnavailable      = "rpc_unavailable"
	ReasonTimeout             = "settlement_timeout"
	ReasonUnsupportedScheme   = "unsupported_scheme"
	ReasonInvalidPayload      = "invalid_payload"
	ReasonFailed              = "settlement_failed"
)

// SettleError wraps a settlement failure with the step that failed and,
// once submitted, the transaction hash.
type SettleError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SettleError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *SettleError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry after checking chain
// state. Reverted and already-settled authorizations are final.
func Retryable(err error) bool {
	return errors.Is(err, ErrRPCUnavailable) || errors.Is(err, ErrTimeout)
}

// Reason maps a settlement error to its wire reason code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadySettled):
		return ReasonAlreadySettled
	case errors.Is(err, ErrTransactionReverted):
		return ReasonTransactionReverted
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrRPCUnavailable):
		return ReasonRPCUnavailable
	case errors.Is(err, ErrUnsupportedScheme):
		return ReasonUnsupportedScheme
	case errors.Is(err, ErrInvalidPayload):
		return ReasonInvalidPayload
	default:
		return ReasonFailed
	}
}

// isRevert recognizes the node's "execution reverted" error from
// eth_estimateGas and eth_call.
func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func rpcErr(op string, err error) error {
	return &SettleError{Op: op, Err: fmt.Errorf("%w: %v", ErrRPCUnavailable, err)}
}
