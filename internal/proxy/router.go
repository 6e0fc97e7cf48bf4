package proxy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openclaw/gateway/internal/ledger"
	"github.com/openclaw/gateway/internal/provider"
)

// Decision is the outcome of routing one request: the chosen provider, the
// score and threshold that produced it, and the budget reservation taken for
// the dispatch. The reservation must be settled by Commit or Release.
type Decision struct {
	Provider    provider.Provider
	Identity    provider.Identity
	Score       float64
	Threshold   float64
	Reservation *ledger.Reservation
}

// Router picks between the fast and capable tiers. Policy, in order:
// escalate to capable when the score clears the threshold (inclusive) and the
// ledger admits the reservation; otherwise fast if its reservation is
// admitted; otherwise the budget is exhausted and routing fails. The cost
// ceiling always dominates complexity preference.
type Router struct {
	providers map[provider.Identity]provider.Provider
	ledger    *ledger.Ledger
	threshold float64
	breakers  map[provider.Identity]*gobreaker.CircuitBreaker
	logger    *zap.Logger

	fastCount     atomic.Int64
	capableCount  atomic.Int64
	fallbackCount atomic.Int64
}

func NewRouter(providers []provider.Provider, l *ledger.Ledger, threshold float64, logger *zap.Logger) *Router {
	byIdentity := make(map[provider.Identity]provider.Provider, len(providers))
	breakers := make(map[provider.Identity]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		byIdentity[p.Identity()] = p
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Identity()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: byIdentity,
		ledger:    l,
		threshold: threshold,
		breakers:  breakers,
		logger:    logger,
	}
}

func (r *Router) Threshold() float64 {
	return r.threshold
}

// Route applies the decision policy for a request scored at score, taking a
// budget reservation for the chosen provider. Returns ledger.ErrBudgetExceeded
// when neither tier fits the remaining budget.
func (r *Router) Route(req *provider.Request, score float64) (*Decision, error) {
	if score >= r.threshold {
		if d, ok := r.tryReserve(provider.Capable, req, score); ok {
			return d, nil
		}
		// Capable denied: degrade to fast rather than fail, budget permitting.
	}
	if d, ok := r.tryReserve(provider.Fast, req, score); ok {
		return d, nil
	}
	// Single-provider deployments: a low-complexity request may still use the
	// capable tier when no fast tier is configured at all. Budget denial on a
	// configured fast tier never escalates.
	if _, haveFast := r.providers[provider.Fast]; !haveFast && score < r.threshold {
		if d, ok := r.tryReserve(provider.Capable, req, score); ok {
			return d, nil
		}
	}
	return nil, ledger.ErrBudgetExceeded
}

func (r *Router) tryReserve(id provider.Identity, req *provider.Request, score float64) (*Decision, bool) {
	p, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	res, err := r.ledger.Reserve(id, provider.EstimateCost(p, req))
	if err != nil {
		r.logger.Debug("reservation denied",
			zap.String("provider", string(id)),
			zap.Float64("score", score),
			zap.Error(err))
		return nil, false
	}
	return &Decision{
		Provider:    p,
		Identity:    id,
		Score:       score,
		Threshold:   r.threshold,
		Reservation: res,
	}, true
}

// ReserveFallback takes a reservation against the alternate tier for the
// single fallback hop. Returns false when the alternate is unconfigured or
// its reservation is denied.
func (r *Router) ReserveFallback(d *Decision, req *provider.Request) (*Decision, bool) {
	return r.tryReserve(d.Identity.Other(), req, d.Score)
}

// Execute runs the upstream call through the provider's circuit breaker.
// An open breaker fails fast and counts as an unavailable upstream.
func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Identity()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// ExecuteStream runs a streaming upstream call, reporting chunk errors to the
// provider's breaker.
func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Identity()]
	if cb.State() == gobreaker.StateOpen {
		return nil, &provider.Error{
			Provider: p.Name(),
			Kind:     provider.KindUpstreamUnavailable,
			Message:  "circuit breaker open",
		}
	}

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}

// RecordServed updates routing counters after a request is served.
func (r *Router) RecordServed(id provider.Identity, fallback bool) {
	switch id {
	case provider.Fast:
		r.fastCount.Add(1)
	case provider.Capable:
		r.capableCount.Add(1)
	}
	if fallback {
		r.fallbackCount.Add(1)
	}
}

// RoutingStats are cumulative per-process counters, reset on restart.
type RoutingStats struct {
	Total     int64 `json:"total_requests"`
	Fast      int64 `json:"fast_requests"`
	Capable   int64 `json:"capable_requests"`
	Fallbacks int64 `json:"fallbacks"`
}

func (r *Router) Stats() RoutingStats {
	fast := r.fastCount.Load()
	capable := r.capableCount.Load()
	return RoutingStats{
		Total:     fast + capable,
		Fast:      fast,
		Capable:   capable,
		Fallbacks: r.fallbackCount.Load(),
	}
}
