package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openclaw/gateway/internal/provider"
)

func testProvider(baseURL string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  "test-key",
		model:   "claude-sonnet-4-20250514",
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("Expected x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("Expected anthropic-version header")
		}

		resp := claudeResponse{
			ID: "msg-test",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			Model: "claude-sonnet-4-20250514",
			Usage: claudeUsage{InputTokens: 12, OutputTokens: 34},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := testProvider(server.URL)

	resp, err := p.Complete(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected mock content, got %s", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 34 {
		t.Errorf("Expected usage 12/34, got %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestComplete_ErrorTaxonomy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
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
	if perr.Kind != provider.KindRateLimited {
		t.Errorf("Expected RateLimited, got %s", perr.Kind)
	}
}

func TestMapRequest_SystemLifted(t *testing.T) {
	p := testProvider("")
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "system", Content: "be polite"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 128,
	}

	mapped := p.mapRequest(req)
	if mapped.System != "be brief\n\nbe polite" {
		t.Errorf("Expected merged system prompt, got %q", mapped.System)
	}
	if len(mapped.Messages) != 1 || mapped.Messages[0].Role != "user" {
		t.Errorf("Expected single user message, got %+v", mapped.Messages)
	}
	if mapped.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Expected configured model, got %s", mapped.Model)
	}
}

func TestMapRequest_MergesConsecutiveRoles(t *testing.T) {
	p := testProvider("")
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "first"},
			{Role: "user", Content: "second"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "third"},
		},
	}

	mapped := p.mapRequest(req)
	if len(mapped.Messages) != 3 {
		t.Fatalf("Expected 3 merged messages, got %d", len(mapped.Messages))
	}
	if mapped.Messages[0].Content != "first\n\nsecond" {
		t.Errorf("Expected merged user turns, got %q", mapped.Messages[0].Content)
	}
}

func TestMapRequest_LeadingAssistantGetsUserPrefix(t *testing.T) {
	p := testProvider("")
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "assistant", Content: "previous answer"},
			{Role: "user", Content: "go on"},
		},
	}

	mapped := p.mapRequest(req)
	if mapped.Messages[0].Role != "user" {
		t.Errorf("Expected a user turn first, got %s", mapped.Messages[0].Role)
	}
}

func TestMapRequest_DefaultMaxTokens(t *testing.T) {
	p := testProvider("")
	mapped := p.mapRequest(&provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if mapped.MaxTokens != 4096 {
		t.Errorf("Expected default max tokens 4096, got %d", mapped.MaxTokens)
	}
}

func TestIdentityAndPricing(t *testing.T) {
	p := New("key", "claude-sonnet-4-20250514")
	if p.Identity() != provider.Capable {
		t.Errorf("Expected capable identity, got %s", p.Identity())
	}
	if p.CostPerInputToken() <= 0.00000015 {
		t.Error("Expected the capable tier to cost more than the fast tier")
	}
}
