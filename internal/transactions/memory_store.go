package transactions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	txs    map[string]*Transaction
	nonces map[NonceKey]string
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:    make(map[string]*Transaction),
		nonces: make(map[NonceKey]string),
		now:    time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := strings.ToLower(tx.Hash)
	if _, ok := m.txs[hash]; ok {
		return ErrDuplicate
	}
	cp := *tx
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.txs[hash] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, hash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[strings.ToLower(hash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, hash string, status Status, blockNumber uint64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[strings.ToLower(hash)]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	if blockNumber != 0 {
		tx.BlockNumber = blockNumber
	}
	tx.ErrorReason = reason
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status == StatusPending && tx.CreatedAt.Before(olderThan) {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) PendingByNonce(_ context.Context, key NonceKey) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := key.Normalized()
	var found *Transaction
	for _, tx := range m.txs {
		if tx.Status != StatusPending {
			continue
		}
		if !strings.EqualFold(tx.Asset, k.Asset) || !strings.EqualFold(tx.Payer, k.Payer) || !strings.EqualFold(tx.Nonce, k.Nonce) {
			continue
		}
		if found == nil || tx.CreatedAt.After(found.CreatedAt) {
			found = tx
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	after := f.After
	if after != nil {
		c := *after
		c.Key = strings.ToLower(c.Key)
		after = &c
	}

	var result []*Transaction
	for hash, tx := range m.txs {
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if f.Payer != "" && !strings.EqualFold(tx.Payer, f.Payer) {
			continue
		}
		if !after.After(tx.CreatedAt, hash) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.ToLower(a.Hash) > strings.ToLower(b.Hash)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) NonceUsed(_ context.Context, key NonceKey) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.nonces[key.Normalized()]
	return hash, ok, nil
}

func (m *MemoryStore) MarkNonceUsed(_ context.Context, key NonceKey, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.Normalized()
	if _, ok := m.nonces[k]; ok {
		return ErrNonceUsed
	}
	m.nonces[k] = txHash
	return nil
}

var _ Store = (*MemoryStore)(nil)
