package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openclaw/gateway/internal/provider"
)

func testProvider(baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  "test-key",
		model:   "gpt-4o-mini",
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got openAIRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Model != "gpt-4o-mini" {
			t.Errorf("Expected configured model on the wire, got %s", got.Model)
		}

		resp := openAIResponse{
			ID: "test-id",
			Choices: []openAIChoice{
				{
					Message: openAIMessage{Role: "assistant", Content: "Hello from OpenAI mock!"},
				},
			},
			Usage: openAIUsage{
				PromptTokens:     15,
				CompletionTokens: 25,
			},
			Model: "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := testProvider(server.URL)

	req := &provider.Request{
		Model: "ignored-client-hint",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from OpenAI mock!" {
		t.Errorf("Expected 'Hello from OpenAI mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 15 {
		t.Errorf("Expected 15 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 25 {
		t.Errorf("Expected 25 output tokens, got %d", resp.OutputTokens)
	}
}

func TestComplete_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		kind   provider.ErrorKind
	}{
		{http.StatusTooManyRequests, provider.KindRateLimited},
		{http.StatusUnauthorized, provider.KindAuthFailed},
		{http.StatusForbidden, provider.KindAuthFailed},
		{http.StatusBadRequest, provider.KindInvalidRequest},
		{http.StatusInternalServerError, provider.KindUpstreamUnavailable},
		{http.StatusServiceUnavailable, provider.KindUpstreamUnavailable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			p := testProvider(server.URL)
			_, err := p.Complete(context.Background(), &provider.Request{
				Messages: []provider.Message{{Role: "user", Content: "hi"}},
			})

			var perr *provider.Error
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *provider.Error, got %v", err)
			}
			if perr.Kind != tc.kind {
				t.Errorf("Expected kind %s, got %s", tc.kind, perr.Kind)
			}
		})
	}
}

func TestComplete_DeadlineIsUpstreamUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can watch the connection and cancel
		// the request context when the client gives up; otherwise Close hangs.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	p := testProvider(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *provider.Error, got %v", err)
	}
	if perr.Kind != provider.KindUpstreamUnavailable {
		t.Errorf("Expected UpstreamUnavailable on deadline, got %s", perr.Kind)
	}
	if !provider.IsTimeout(err) {
		t.Error("Expected the error to report as a timeout")
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " from", " OpenAI", "!"}
		for _, chunk := range chunks {
			resp := openAIResponse{
				Choices: []openAIChoice{
					{
						Delta: openAIDelta{Content: chunk},
					},
				},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := testProvider(server.URL)

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	done := false
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Unexpected chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			break
		}
		content += chunk.Delta
	}

	if content != "Hello from OpenAI!" {
		t.Errorf("Expected 'Hello from OpenAI!', got %s", content)
	}
	if !done {
		t.Error("Expected a Done chunk")
	}
}

func TestIdentityAndPricing(t *testing.T) {
	p := New("key", "gpt-4o-mini")
	if p.Identity() != provider.Fast {
		t.Errorf("Expected fast identity, got %s", p.Identity())
	}
	if p.Model() != "gpt-4o-mini" {
		t.Errorf("Expected configured model, got %s", p.Model())
	}
	if p.CostPerInputToken() >= p.CostPerOutputToken() {
		t.Error("Expected output tokens to cost more than input tokens")
	}
}
