// Package ledger tracks cumulative provider spend against a monthly budget
// ceiling. It is the single authoritative gate on budget: every dispatch
// reserves an estimated cost first, then commits the actual figure after the
// upstream call settles. All operations serialize on one mutex so concurrent
// requests can never jointly overshoot the ceiling.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/gateway/internal/provider"
)

// ErrBudgetExceeded is returned by Reserve when the estimated cost does not
// fit into the remaining budget for the current period.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Tolerance for float accumulation when requests are sized to exactly fill
// the remaining budget.
const epsilon = 1e-9

// SpendRecord is one settled upstream call. Immutable once committed.
type SpendRecord struct {
	Provider     provider.Identity `json:"provider"`
	Model        string            `json:"model"`
	RequestID    string            `json:"request_id"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	CostUSD      float64           `json:"cost_usd"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// TokenTotals accumulates token counts for one provider within a period.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// BudgetState is a point-in-time snapshot of the current period.
type BudgetState struct {
	PeriodStart      time.Time                         `json:"period_start"`
	CeilingUSD       float64                           `json:"ceiling_usd"`
	SpendByProvider  map[provider.Identity]float64     `json:"spend_by_provider"`
	TokensByProvider map[provider.Identity]TokenTotals `json:"tokens_by_provider"`
	CombinedUSD      float64                           `json:"combined_usd"`
	ReservedUSD      float64                           `json:"reserved_usd"`
	RemainingUSD     float64                           `json:"remaining_usd"`
}

// Reservation is a provisional claim on budget taken before an upstream call.
// Exactly one of Commit or Release settles it; both are idempotent once the
// reservation is settled.
type Reservation struct {
	Provider provider.Identity
	Amount   float64
	settled  bool
}

// Archive receives committed records for durable storage. The in-memory
// ledger remains the budget authority; the archive is best-effort.
type Archive interface {
	Append(ctx context.Context, rec *SpendRecord) error
	Ping(ctx context.Context) error
}

type Ledger struct {
	mu sync.Mutex

	ceiling     float64
	periodStart time.Time
	spend       map[provider.Identity]float64
	tokens      map[provider.Identity]TokenTotals
	reserved    float64
	records     []SpendRecord // full history, prior periods included

	now     func() time.Time
	archive Archive
	logger  *zap.Logger
}

type Option func(*Ledger)

// WithClock overrides the wall clock, used by rollover tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithArchive attaches a durable store that every commit is mirrored to.
func WithArchive(a Archive) Option {
	return func(l *Ledger) { l.archive = a }
}

func New(ceilingUSD float64, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		ceiling: ceilingUSD,
		spend:   make(map[provider.Identity]float64),
		tokens:  make(map[provider.Identity]TokenTotals),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.periodStart = startOfMonth(l.now())
	return l
}

// Reserve claims estimatedCost against the remaining budget. The claim counts
// toward the gate until Commit or Release settles it, so two in-flight
// requests cannot both be admitted when only one fits.
func (l *Ledger) Reserve(p provider.Identity, estimatedCost float64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	committed := l.combinedLocked()
	if committed+l.reserved+estimatedCost > l.ceiling+epsilon {
		return nil, fmt.Errorf("%w: provider %s needs %.6f, %.6f remaining",
			ErrBudgetExceeded, p, estimatedCost, l.ceiling-committed-l.reserved)
	}

	l.reserved += estimatedCost
	return &Reservation{Provider: p, Amount: estimatedCost}, nil
}

// Commit settles res with the actual cost incurred. The actual figure is
// recorded even when it differs from the estimate, and even when it lands
// past the ceiling: spend already incurred upstream cannot be un-spent.
func (l *Ledger) Commit(res *Reservation, rec SpendRecord) {
	l.mu.Lock()
	l.releaseLocked(res)
	l.rolloverLocked()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = l.now()
	}
	l.spend[rec.Provider] += rec.CostUSD
	tt := l.tokens[rec.Provider]
	tt.Input += rec.InputTokens
	tt.Output += rec.OutputTokens
	l.tokens[rec.Provider] = tt
	l.records = append(l.records, rec)
	l.mu.Unlock()

	if l.archive != nil {
		go func(rec SpendRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.archive.Append(ctx, &rec); err != nil {
				l.logger.Warn("spend archive append failed",
					zap.String("provider", string(rec.Provider)),
					zap.Float64("cost_usd", rec.CostUSD),
					zap.Error(err))
			}
		}(rec)
	}
}

// Release drops an unsettled reservation, for calls that were cancelled or
// failed before incurring upstream cost.
func (l *Ledger) Release(res *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(res)
}

func (l *Ledger) releaseLocked(res *Reservation) {
	if res == nil || res.settled {
		return
	}
	res.settled = true
	l.reserved -= res.Amount
	if l.reserved < 0 {
		l.reserved = 0
	}
}

// CurrentTotals returns a snapshot of the current period, rolling the period
// over first if the calendar month has advanced.
func (l *Ledger) CurrentTotals() BudgetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	spend := make(map[provider.Identity]float64, len(l.spend))
	for k, v := range l.spend {
		spend[k] = v
	}
	tokens := make(map[provider.Identity]TokenTotals, len(l.tokens))
	for k, v := range l.tokens {
		tokens[k] = v
	}

	combined := l.combinedLocked()
	return BudgetState{
		PeriodStart:      l.periodStart,
		CeilingUSD:       l.ceiling,
		SpendByProvider:  spend,
		TokensByProvider: tokens,
		CombinedUSD:      combined,
		ReservedUSD:      l.reserved,
		RemainingUSD:     l.ceiling - combined,
	}
}

// History returns a copy of all committed records, prior periods included.
func (l *Ledger) History() []SpendRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SpendRecord, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Ledger) combinedLocked() float64 {
	var total float64
	for _, v := range l.spend {
		total += v
	}
	return total
}

// rolloverLocked resets running totals when the wall clock has crossed into a
// new calendar month since periodStart. Prior records stay in l.records.
func (l *Ledger) rolloverLocked() {
	now := l.now()
	if now.UTC().Year() == l.periodStart.Year() && now.UTC().Month() == l.periodStart.Month() {
		return
	}
	if l.logger != nil {
		l.logger.Info("budget period rollover",
			zap.Time("previous_period", l.periodStart),
			zap.Float64("previous_spend_usd", l.combinedLocked()))
	}
	l.periodStart = startOfMonth(now)
	l.spend = make(map[provider.Identity]float64)
	l.tokens = make(map[provider.Identity]TokenTotals)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
