// Package transactions persists settlement transactions and the set of
// authorizations that have already been settled.
package transactions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Dream-Voyage/v402/internal/pagination"
)

var (
	ErrNotFound  = errors.New("transactions: not found")
	ErrDuplicate = errors.New("transactions: already exists")
	ErrNonceUsed = errors.New("transactions: authorization nonce already used")
)

// Status of an on-chain settlement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Transaction is one submitted receiveWithAuthorization call.
type Transaction struct {
	Hash        string    `json:"hash"`
	Payer       string    `json:"payer"`
	Payee       string    `json:"payee"`
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	Network     string    `json:"network"`
	Scheme      string    `json:"scheme"`
	Resource    string    `json:"resource,omitempty"`
	Nonce       string    `json:"nonce"`
	Status      Status    `json:"status"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NonceKey identifies an authorization: one settlement per (asset, payer,
// nonce).
type NonceKey struct {
	Asset string
	Payer string
	Nonce string
}

// Normalized lowercases every field so lookups ignore address checksums.
func (k NonceKey) Normalized() NonceKey {
	return NonceKey{
		Asset: strings.ToLower(k.Asset),
		Payer: strings.ToLower(k.Payer),
		Nonce: strings.ToLower(k.Nonce),
	}
}

func (k NonceKey) String() string {
	n := k.Normalized()
	return n.Asset + ":" + n.Payer + ":" + n.Nonce
}

// ListFilter narrows a transaction listing. Zero fields match everything.
type ListFilter struct {
	Status Status
	Payer  string
	After  *pagination.Cursor
	Limit  int
}

// Store persists transactions and used nonces.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, hash string) (*Transaction, error)
	UpdateStatus(ctx context.Context, hash string, status Status, blockNumber uint64, reason string) error
	// ListPending returns pending transactions created before olderThan,
	// oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
	// PendingByNonce returns the newest pending transaction settling key,
	// or ErrNotFound.
	PendingByNonce(ctx context.Context, key NonceKey) (*Transaction, error)
	// List returns transactions newest first, ties broken by hash
	// descending, starting after f.After.
	List(ctx context.Context, f ListFilter) ([]*Transaction, error)

	// NonceUsed reports the transaction hash that settled key, if any.
	NonceUsed(ctx context.Context, key NonceKey) (txHash string, used bool, err error)
	// MarkNonceUsed records key as settled by txHash. It returns
	// ErrNonceUsed when key is already recorded.
	MarkNonceUsed(ctx context.Context, key NonceKey, txHash string) error
}
