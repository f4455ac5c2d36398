package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Dream-Voyage/v402/internal/metrics"
	"github.com/Dream-Voyage/v402/internal/transactions"
)

// ReasonDropped marks a pending transaction the node no longer knows about.
const ReasonDropped = "dropped"

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Checked   int
	Confirmed int
	Failed    int
	Dropped   int
	Pending   int
}

// Reconciler resolves settlements left pending when the confirmation wait
// gave up, by looking their receipts up again.
type Reconciler struct {
	engine       *Engine
	interval     time.Duration
	minAge       time.Duration
	abandonAfter time.Duration
	batch        int
	logger       *slog.Logger
	stop         chan struct{}
	stopOnce     sync.Once
	running      atomic.Bool
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithInterval sets how often Start runs a pass. Default 1 minute.
func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

// WithMinAge skips transactions younger than d, which are likely still
// being awaited by Settle. Default 30 seconds.
func WithMinAge(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.minAge = d }
}

// WithAbandonAfter marks transactions without a receipt as dropped once
// they are older than d. Default 1 hour.
func WithAbandonAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.abandonAfter = d }
}

// NewReconciler creates a reconciler over the engine's store and client.
func NewReconciler(engine *Engine, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		engine:       engine,
		interval:     time.Minute,
		minAge:       30 * time.Second,
		abandonAfter: time.Hour,
		batch:        100,
		logger:       engine.logger,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether the loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start runs passes every interval until ctx ends or Stop is called. Call
// in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeRun(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in settlement reconciler", "panic", fmt.Sprint(p))
		}
	}()

	res, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Warn("reconciliation pass failed", "error", err)
		return
	}
	if res.Checked > 0 {
		r.logger.Info("reconciliation pass complete",
			"checked", res.Checked,
			"confirmed", res.Confirmed,
			"failed", res.Failed,
			"dropped", res.Dropped,
			"pending", res.Pending,
		)
	}
}

// RunOnce checks one batch of pending transactions. Errors looking up a
// single receipt leave that transaction pending for the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileResult, error) {
	e := r.engine
	now := time.Now()

	pending, err := e.store.ListPending(ctx, now.Add(-r.minAge), r.batch)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	res := &ReconcileResult{}
	for _, tx := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		r.reconcile(ctx, tx, now, res)
	}

	unchecked := len(pending) - res.Checked
	metrics.PendingSettlements.Set(float64(res.Pending + unchecked))
	return res, ctx.Err()
}

func (r *Reconciler) reconcile(ctx context.Context, tx *transactions.Transaction, now time.Time, res *ReconcileResult) {
	e := r.engine
	key := transactions.NonceKey{Asset: tx.Asset, Payer: tx.Payer, Nonce: tx.Nonce}

	// Skip authorizations a live Settle call is still waiting on.
	unlock, ok := e.locks.TryLock(key.String())
	if !ok {
		res.Pending++
		return
	}
	defer unlock()

	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(tx.Hash))
	switch {
	case errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil):
		if now.Sub(tx.CreatedAt) < r.abandonAfter {
			res.Pending++
			return
		}
		if err := e.store.UpdateStatus(ctx, tx.Hash, transactions.StatusFailed, 0, ReasonDropped); err != nil {
			r.logger.Error("failed to mark transaction dropped", "tx_hash", tx.Hash, "error", err)
			res.Pending++
			return
		}
		res.Dropped++
		metrics.ReconciledTotal.WithLabelValues(ReasonDropped).Inc()
		r.logger.Warn("pending settlement dropped", "tx_hash", tx.Hash, "age", now.Sub(tx.CreatedAt))
		return
	case err != nil:
		r.logger.Debug("receipt lookup failed", "tx_hash", tx.Hash, "error", err)
		res.Pending++
		return
	}

	if err := e.finalize(ctx, key, tx.Hash, receipt); err != nil {
		res.Failed++
		metrics.ReconciledTotal.WithLabelValues(string(transactions.StatusFailed)).Inc()
		return
	}
	res.Confirmed++
	metrics.ReconciledTotal.WithLabelValues(string(transactions.StatusConfirmed)).Inc()
}
