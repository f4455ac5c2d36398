package ledger

import (
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(l *Ledger) {
	l.Record(Record{URL: "https://a/1", Amount: "1000000", Network: "base", Status: StatusConfirmed, Timestamp: t0})
	l.Record(Record{URL: "https://a/2", Amount: "3000000", Network: "base", Status: StatusConfirmed, Timestamp: t0.Add(time.Minute)})
	l.Record(Record{URL: "https://b/1", Amount: "5000000", Network: "base-sepolia", Status: StatusFailed, Timestamp: t0.Add(2 * time.Minute)})
	l.Record(Record{URL: "https://a/1", Amount: "2000000", Network: "base", Status: StatusPending, Timestamp: t0.Add(3 * time.Minute)})
}

func TestRecord_AssignsIDAndTimestamp(t *testing.T) {
	l := New()
	l.now = func() time.Time { return t0 }

	r := l.Record(Record{URL: "https://x", Amount: "1"})
	assert.True(t, strings.HasPrefix(r.ID, "pay_"))
	assert.Equal(t, t0, r.Timestamp)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, 1, l.Len())
}

func TestQuery_SinceAndLimit(t *testing.T) {
	l := New()
	seed(l)

	all := l.Query(time.Time{}, 0)
	require.Len(t, all, 4)
	assert.Equal(t, "https://a/1", all[0].URL)

	recent := l.Query(time.Time{}, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "https://b/1", recent[0].URL)
	assert.Equal(t, "2000000", recent[1].Amount)

	since := l.Query(t0.Add(90*time.Second), 0)
	require.Len(t, since, 2)
	assert.Equal(t, StatusFailed, since[0].Status)
}

func TestQuery_ReturnsCopies(t *testing.T) {
	l := New()
	seed(l)

	got := l.Query(time.Time{}, 0)
	got[0].Status = StatusExpired
	assert.Equal(t, StatusConfirmed, l.Query(time.Time{}, 0)[0].Status)
}

func TestStatistics(t *testing.T) {
	l := New()
	seed(l)

	s := l.Statistics(time.Time{}, time.Time{})
	assert.Equal(t, 4, s.TotalPayments)
	assert.Equal(t, 2, s.Successful)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, "4000000", s.TotalAmount.String())
	assert.Equal(t, "2000000", s.AverageAmount.String())
	assert.Equal(t, "1000000", s.MinAmount.String())
	assert.Equal(t, "3000000", s.MaxAmount.String())
	assert.Equal(t, 3, s.UniqueResources)
	assert.Equal(t, 2, s.UniqueNetworks)
	assert.Equal(t, t0, s.PeriodStart)
	assert.Equal(t, t0.Add(3*time.Minute), s.PeriodEnd)
}

func TestStatistics_Window(t *testing.T) {
	l := New()
	seed(l)

	s := l.Statistics(t0.Add(30*time.Second), t0.Add(2*time.Minute))
	assert.Equal(t, 2, s.TotalPayments)
	assert.Equal(t, "3000000", s.TotalAmount.String())
	assert.Equal(t, t0.Add(30*time.Second), s.PeriodStart)
}

func TestStatistics_Empty(t *testing.T) {
	l := New()
	l.now = func() time.Time { return t0 }

	s := l.Statistics(time.Time{}, time.Time{})
	assert.Equal(t, 0, s.TotalPayments)
	assert.Equal(t, 0, s.TotalAmount.Sign())
	assert.Equal(t, 0, s.MinAmount.Sign())
	assert.Equal(t, t0, s.PeriodStart)
	assert.Equal(t, t0, s.PeriodEnd)
}

func TestStatistics_WeiScaleAmounts(t *testing.T) {
	l := New()
	huge := "123456789012345678901234567890"
	l.Record(Record{Amount: huge, Status: StatusConfirmed, Timestamp: t0})
	l.Record(Record{Amount: huge, Status: StatusConfirmed, Timestamp: t0})

	s := l.Statistics(time.Time{}, time.Time{})
	want, _ := new(big.Int).SetString("246913578024691357802469135780", 10)
	assert.Equal(t, 0, want.Cmp(s.TotalAmount))
	assert.Equal(t, huge, s.AverageAmount.String())
}

func TestLedger_ConcurrentRecord(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(Record{Amount: "1", Status: StatusConfirmed})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
	assert.Equal(t, "50", l.Statistics(time.Time{}, time.Time{}).TotalAmount.String())
}
