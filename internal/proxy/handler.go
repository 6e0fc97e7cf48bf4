package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openclaw/gateway/internal/classifier"
	"github.com/openclaw/gateway/internal/ledger"
	"github.com/openclaw/gateway/internal/provider"
	"github.com/openclaw/gateway/pkg/ratelimit"
)

type Handler struct {
	router  *Router
	ledger  *ledger.Ledger
	limiter ratelimit.Limiter
	archive ledger.Archive // optional, health checks only
	tracer  trace.Tracer
	logger  *zap.Logger
	timeout time.Duration // per upstream attempt
}

func NewHandler(router *Router, l *ledger.Ledger, limiter ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger, timeout time.Duration) *Handler {
	return &Handler{
		router:  router,
		ledger:  l,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
		timeout: timeout,
	}
}

// SetArchive attaches the optional durable spend store for health reporting.
func (h *Handler) SetArchive(a ledger.Archive) {
	h.archive = a
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allowed, err := h.limiter.Allow(ctx, clientIP(r))
	if err != nil {
		h.logger.Warn("rate limiter unavailable, admitting request", zap.Error(err))
	} else if !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req := &provider.Request{
		Model:       body.Model,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stream:      body.Stream,
		RequestID:   requestID,
	}
	req.Messages = make([]provider.Message, len(body.Messages))
	for i, m := range body.Messages {
		req.Messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}

	score := classifier.Score(req.Messages)

	ctx, span := h.tracer.Start(ctx, "gateway.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.Float64("complexity_score", score),
	)

	decision, err := h.router.Route(req, score)
	if err != nil {
		// Both tiers denied: surface the exhaustion, never silently degrade.
		h.logger.Warn("budget exceeded",
			zap.Float64("score", score),
			zap.Any("budget", h.ledger.CurrentTotals()))
		writeError(w, http.StatusTooManyRequests, "monthly budget exceeded")
		return
	}
	span.SetAttributes(attribute.String("provider", string(decision.Identity)))

	if req.Stream {
		h.serveStream(ctx, w, r, req, decision)
		return
	}

	resp, d, fellBack, err := h.executeWithFallback(ctx, req, decision)
	if err != nil {
		h.logger.Error("request failed after all attempts",
			zap.String("request_id", requestID),
			zap.String("provider", string(decision.Identity)),
			zap.Float64("score", score),
			zap.Any("budget", h.ledger.CurrentTotals()),
			zap.Error(err))
		writeError(w, statusFor(err), "upstream request failed")
		return
	}

	// Upstream completed: record the cost even if the client has gone away.
	cost := provider.Cost(d.Provider, resp.InputTokens, resp.OutputTokens)
	h.ledger.Commit(d.Reservation, ledger.SpendRecord{
		Provider:     d.Identity,
		Model:        resp.Model,
		RequestID:    requestID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
	})
	h.router.RecordServed(d.Identity, fellBack)

	respID := resp.ID
	if respID == "" {
		respID = fmt.Sprintf("chatcmpl-%s", uuid.New().String()[:8])
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     respID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
		},
		"routing": map[string]interface{}{
			"provider":         string(d.Identity),
			"provider_name":    d.Provider.Name(),
			"complexity_score": d.Score,
			"threshold":        d.Threshold,
			"fallback":         fellBack,
		},
	})
}

// executeWithFallback dispatches to the decided provider under a per-attempt
// deadline, applying at most one fallback hop to the alternate tier. The
// returned decision owns the reservation the caller must commit; reservations
// for failed attempts are released here.
func (h *Handler) executeWithFallback(ctx context.Context, req *provider.Request, d *Decision) (*provider.Response, *Decision, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, h.timeout)
	resp, err := h.router.Execute(attemptCtx, req, d.Provider)
	cancel()
	if err == nil {
		return resp, d, false, nil
	}

	h.ledger.Release(d.Reservation)

	h.logger.Warn("provider attempt failed",
		zap.String("request_id", req.RequestID),
		zap.String("provider", string(d.Identity)),
		zap.Float64("score", d.Score),
		zap.Error(err))

	// Client gone or not worth retrying elsewhere.
	if ctx.Err() != nil || !provider.Fallbackable(err) {
		return nil, nil, false, err
	}

	fb, ok := h.router.ReserveFallback(d, req)
	if !ok {
		return nil, nil, false, err
	}

	attemptCtx, cancel = context.WithTimeout(ctx, h.timeout)
	resp, fbErr := h.router.Execute(attemptCtx, req, fb.Provider)
	cancel()
	if fbErr != nil {
		h.ledger.Release(fb.Reservation)
		h.logger.Warn("fallback attempt failed",
			zap.String("request_id", req.RequestID),
			zap.String("provider", string(fb.Identity)),
			zap.Error(fbErr))
		return nil, nil, false, fbErr
	}

	return resp, fb, true, nil
}

// serveStream relays SSE deltas to the client. Upstream usage frames are not
// parsed in streaming mode, so the committed spend is estimated from the
// relayed character counts.
func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, r *http.Request, req *provider.Request, d *Decision) {
	ch, err := h.router.ExecuteStream(ctx, req, d.Provider)
	if err != nil {
		h.ledger.Release(d.Reservation)

		if ctx.Err() == nil && provider.Fallbackable(err) {
			if fb, ok := h.router.ReserveFallback(d, req); ok {
				if fbCh, fbErr := h.router.ExecuteStream(ctx, req, fb.Provider); fbErr == nil {
					h.relayStream(ctx, w, req, fb, fbCh, true)
					return
				}
				h.ledger.Release(fb.Reservation)
			}
		}

		h.logger.Error("stream setup failed",
			zap.String("request_id", req.RequestID),
			zap.String("provider", string(d.Identity)),
			zap.Error(err))
		writeError(w, statusFor(err), "upstream request failed")
		return
	}

	h.relayStream(ctx, w, req, d, ch, false)
}

func (h *Handler) relayStream(ctx context.Context, w http.ResponseWriter, req *provider.Request, d *Decision, ch <-chan *provider.Chunk, fellBack bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.ledger.Release(d.Reservation)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	streamedChars := 0
	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\": %q}\n\n", chunk.Err.Error())
			flusher.Flush()
			break
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		streamedChars += len(chunk.Delta)
		escaped := strings.ReplaceAll(chunk.Delta, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"},\"index\":0}]}\n\n", escaped)
		flusher.Flush()
	}

	// Whatever reached the wire was billed upstream. Estimate tokens from
	// character counts on both sides.
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	inputTokens := promptChars / 4
	outputTokens := streamedChars / 4
	cost := provider.Cost(d.Provider, inputTokens, outputTokens)
	h.ledger.Commit(d.Reservation, ledger.SpendRecord{
		Provider:     d.Identity,
		Model:        d.Provider.Model(),
		RequestID:    req.RequestID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
	})
	h.router.RecordServed(d.Identity, fellBack)
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]interface{}, 0, 2)
	for _, id := range []provider.Identity{provider.Fast, provider.Capable} {
		p, ok := h.router.providers[id]
		if !ok {
			continue
		}
		data = append(data, map[string]interface{}{
			"id":       p.Model(),
			"object":   "model",
			"owned_by": p.Name(),
			"tier":     string(id),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	budget := h.ledger.CurrentTotals()
	routing := h.router.Stats()

	utilization := 0.0
	if budget.CeilingUSD > 0 {
		utilization = budget.CombinedUSD / budget.CeilingUSD * 100
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"period_start":           budget.PeriodStart,
		"monthly_budget_usd":     budget.CeilingUSD,
		"total_cost_usd":         budget.CombinedUSD,
		"budget_remaining_usd":   budget.RemainingUSD,
		"budget_utilization_pct": utilization,
		"by_provider":            budget.SpendByProvider,
		"tokens_by_provider":     budget.TokensByProvider,
		"routing":                routing,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.archive.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": "spend archive unreachable"})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "openclaw-gateway"})
}

func validate(body *chatRequest) error {
	if len(body.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range body.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if body.MaxTokens < 0 {
		return errors.New("max_tokens must be non-negative")
	}
	if body.Temperature < 0 || body.Temperature > 2 {
		return errors.New("temperature must be in [0, 2]")
	}
	return nil
}

// statusFor maps a failed request's terminal error onto the external surface:
// timeouts to 504, everything else upstream-shaped to 502.
func statusFor(err error) int {
	if provider.IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
