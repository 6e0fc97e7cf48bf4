package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw/gateway/internal/provider"
)

func newTestLedger(ceiling float64, opts ...Option) *Ledger {
	return New(ceiling, zap.NewNop(), opts...)
}

func TestReserveCommit(t *testing.T) {
	l := newTestLedger(10.0)

	res, err := l.Reserve(provider.Fast, 2.0)
	require.NoError(t, err)

	state := l.CurrentTotals()
	assert.Equal(t, 2.0, state.ReservedUSD)
	assert.Equal(t, 0.0, state.CombinedUSD)

	l.Commit(res, SpendRecord{
		Provider:     provider.Fast,
		InputTokens:  100,
		OutputTokens: 200,
		CostUSD:      1.5,
	})

	state = l.CurrentTotals()
	assert.Equal(t, 0.0, state.ReservedUSD)
	assert.Equal(t, 1.5, state.CombinedUSD)
	assert.Equal(t, 1.5, state.SpendByProvider[provider.Fast])
	assert.Equal(t, 8.5, state.RemainingUSD)
	assert.Equal(t, TokenTotals{Input: 100, Output: 200}, state.TokensByProvider[provider.Fast])
}

func TestReserve_Denied(t *testing.T) {
	l := newTestLedger(1.0)

	_, err := l.Reserve(provider.Capable, 1.5)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestReserve_PendingReservationsCountTowardGate(t *testing.T) {
	l := newTestLedger(1.0)

	res, err := l.Reserve(provider.Capable, 0.8)
	require.NoError(t, err)

	// Only one of the two fits; the pending claim blocks the second.
	_, err = l.Reserve(provider.Fast, 0.8)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	l.Release(res)

	_, err = l.Reserve(provider.Fast, 0.8)
	assert.NoError(t, err)
}

func TestRelease_Idempotent(t *testing.T) {
	l := newTestLedger(1.0)

	res, err := l.Reserve(provider.Fast, 0.5)
	require.NoError(t, err)
	l.Release(res)
	l.Release(res)
	l.Release(nil)

	assert.Equal(t, 0.0, l.CurrentTotals().ReservedUSD)
}

func TestCommit_ReconcilesActualAgainstEstimate(t *testing.T) {
	l := newTestLedger(10.0)

	res, err := l.Reserve(provider.Capable, 5.0)
	require.NoError(t, err)

	// Actual came in under the estimate; the actual figure is what sticks.
	l.Commit(res, SpendRecord{Provider: provider.Capable, CostUSD: 3.0})

	state := l.CurrentTotals()
	assert.Equal(t, 3.0, state.CombinedUSD)
	assert.Equal(t, 0.0, state.ReservedUSD)
	assert.Equal(t, 7.0, state.RemainingUSD)
}

func TestCommit_RecordsOverrunPastCeiling(t *testing.T) {
	l := newTestLedger(1.0)

	res, err := l.Reserve(provider.Capable, 0.5)
	require.NoError(t, err)

	// Upstream billed more than estimated. Spend cannot be un-spent.
	l.Commit(res, SpendRecord{Provider: provider.Capable, CostUSD: 1.5})

	state := l.CurrentTotals()
	assert.Equal(t, 1.5, state.CombinedUSD)

	_, err = l.Reserve(provider.Fast, 0.01)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestConcurrentReservationsFillBudgetExactly(t *testing.T) {
	const n = 20
	ceiling := 10.0
	share := ceiling / n
	l := newTestLedger(ceiling)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Reserve(provider.Fast, share)
			errs[i] = err
			if err == nil {
				l.Commit(res, SpendRecord{Provider: provider.Fast, CostUSD: share})
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "request %d should fit", i)
	}

	state := l.CurrentTotals()
	assert.InDelta(t, ceiling, state.CombinedUSD, 1e-6)
	assert.LessOrEqual(t, state.CombinedUSD, ceiling+1e-6)

	_, err := l.Reserve(provider.Fast, share)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestPeriodRollover(t *testing.T) {
	now := time.Date(2026, time.January, 20, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := newTestLedger(50.0, WithClock(clock))

	res, err := l.Reserve(provider.Capable, 5.0)
	require.NoError(t, err)
	l.Commit(res, SpendRecord{Provider: provider.Capable, CostUSD: 5.0})

	assert.Equal(t, 5.0, l.CurrentTotals().CombinedUSD)

	// Cross into February: totals reset, the record stays in history.
	now = time.Date(2026, time.February, 1, 0, 0, 1, 0, time.UTC)

	state := l.CurrentTotals()
	assert.Equal(t, 0.0, state.CombinedUSD)
	assert.Equal(t, 50.0, state.RemainingUSD)
	assert.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), state.PeriodStart)

	require.Len(t, l.History(), 1)
	assert.Equal(t, time.January, l.History()[0].RecordedAt.Month())

	// The new period's budget is fully available again.
	_, err = l.Reserve(provider.Capable, 50.0)
	assert.NoError(t, err)
}

func TestRolloverDuringReserve(t *testing.T) {
	now := time.Date(2026, time.March, 31, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := newTestLedger(1.0, WithClock(clock))

	res, err := l.Reserve(provider.Fast, 1.0)
	require.NoError(t, err)
	l.Commit(res, SpendRecord{Provider: provider.Fast, CostUSD: 1.0})

	_, err = l.Reserve(provider.Fast, 0.5)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	now = now.Add(2 * time.Hour) // April

	_, err = l.Reserve(provider.Fast, 0.5)
	assert.NoError(t, err)
}
