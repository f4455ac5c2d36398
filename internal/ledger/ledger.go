// Package ledger is the client's append-only record of payments.
package ledger

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Dream-Voyage/v402/internal/idgen"
)

// Status of a payment as observed by the client.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Record is one payment attempt. Amount is in the asset's smallest unit.
type Record struct {
	ID              string    `json:"paymentId"`
	URL             string    `json:"url"`
	Amount          string    `json:"amount"`
	Network         string    `json:"network"`
	Scheme          string    `json:"scheme,omitempty"`
	Payer           string    `json:"payer"`
	Payee           string    `json:"payee"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	Status          Status    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	Description     string    `json:"description,omitempty"`
	ErrorReason     string    `json:"errorReason,omitempty"`
}

// Statistics summarizes records in a period. Amount aggregates cover
// confirmed payments only.
type Statistics struct {
	TotalPayments   int       `json:"totalPayments"`
	Successful      int       `json:"successful"`
	Failed          int       `json:"failed"`
	Pending         int       `json:"pending"`
	TotalAmount     *big.Int  `json:"totalAmount"`
	AverageAmount   *big.Int  `json:"averageAmount"`
	MinAmount       *big.Int  `json:"minAmount"`
	MaxAmount       *big.Int  `json:"maxAmount"`
	UniqueResources int       `json:"uniqueResources"`
	UniqueNetworks  int       `json:"uniqueNetworks"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
}

// Ledger holds records in insertion order behind a single mutex.
type Ledger struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{now: time.Now}
}

// Record appends r, filling ID and Timestamp when empty, and returns the
// stored copy.
func (l *Ledger) Record(r Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.ID == "" {
		r.ID = idgen.PaymentID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	l.records = append(l.records, r)
	return r
}

// Query returns records at or after since (zero means all). A positive
// limit keeps the most recent limit records. Results are chronological.
func (l *Ledger) Query(since time.Time, limit int) []Record {
	l.mu.Lock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		out = append(out, r)
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Statistics aggregates records with timestamps in [start, end]. A zero
// bound is open. Empty periods report zero amounts and, for open bounds,
// the current time.
func (l *Ledger) Statistics(start, end time.Time) Statistics {
	l.mu.Lock()
	selected := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if !start.IsZero() && r.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && r.Timestamp.After(end) {
			continue
		}
		selected = append(selected, r)
	}
	now := l.now()
	l.mu.Unlock()

	stats := Statistics{
		TotalAmount:   new(big.Int),
		AverageAmount: new(big.Int),
		MinAmount:     new(big.Int),
		MaxAmount:     new(big.Int),
		PeriodStart:   start,
		PeriodEnd:     end,
	}

	resources := make(map[string]struct{})
	networks := make(map[string]struct{})
	var (
		earliest, latest time.Time
		confirmed        int64
	)

	for _, r := range selected {
		stats.TotalPayments++
		resources[r.URL] = struct{}{}
		networks[r.Network] = struct{}{}
		if earliest.IsZero() || r.Timestamp.Before(earliest) {
			earliest = r.Timestamp
		}
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}

		switch r.Status {
		case StatusConfirmed:
			stats.Successful++
		case StatusFailed, StatusExpired:
			stats.Failed++
			continue
		default:
			stats.Pending++
			continue
		}

		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			continue
		}
		if confirmed == 0 || amount.Cmp(stats.MinAmount) < 0 {
			stats.MinAmount.Set(amount)
		}
		if amount.Cmp(stats.MaxAmount) > 0 {
			stats.MaxAmount.Set(amount)
		}
		stats.TotalAmount.Add(stats.TotalAmount, amount)
		confirmed++
	}

	if confirmed > 0 {
		stats.AverageAmount.Quo(stats.TotalAmount, big.NewInt(confirmed))
	}
	stats.UniqueResources = len(resources)
	stats.UniqueNetworks = len(networks)

	if stats.PeriodStart.IsZero() {
		stats.PeriodStart = earliest
		if earliest.IsZero() {
			stats.PeriodStart = now
		}
	}
	if stats.PeriodEnd.IsZero() {
		stats.PeriodEnd = latest
		if latest.IsZero() {
			stats.PeriodEnd = now
		}
	}
	return stats
}
