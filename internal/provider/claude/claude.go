package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/gateway/internal/provider"
)

// ClaudeProvider is the capable tier: routed to when the complexity score
// clears the escalation threshold and budget allows.
type ClaudeProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamDelta struct {
	Type  string       `json:"type"`
	Delta claudeDelta  `json:"delta,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey, model string) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com/v1",
		client:  http.DefaultClient,
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	claudeReq := p.mapRequest(req)
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.Error{
			Provider: p.Name(),
			Kind:     provider.KindFromStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Message:  string(respBody),
		}
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.WrapTransport(p.Name(), err)
	}

	if len(claudeResp.Content) == 0 {
		return nil, &provider.Error{
			Provider: p.Name(),
			Kind:     provider.KindUpstreamUnavailable,
			Message:  "api returned no content",
		}
	}

	var content strings.Builder
	for _, block := range claudeResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      content.String(),
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// mapRequest converts OpenAI-shaped messages into the Anthropic format:
// system messages are lifted into the system field, the first turn must be
// from the user, and consecutive same-role turns are merged.
func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Content
			} else {
				system = system + "\n\n" + m.Content
			}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		if len(messages) > 0 && messages[len(messages)-1].Role == role {
			messages[len(messages)-1].Content += "\n\n" + m.Content
			continue
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	if len(messages) > 0 && messages[0].Role == "assistant" {
		messages = append([]claudeMessage{{Role: "user", Content: "Continue."}}, messages...)
	}
	if len(messages) == 0 {
		messages = []claudeMessage{{Role: "user", Content: "Hello"}}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			select {
			case ch <- &provider.Chunk{Err: provider.WrapTransport(p.Name(), err)}:
			case <-ctx.Done():
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			perr := &provider.Error{
				Provider: p.Name(),
				Kind:     provider.KindFromStatus(resp.StatusCode),
				Status:   resp.StatusCode,
				Message:  string(respBody),
			}
			select {
			case ch <- &provider.Chunk{Err: perr}:
			case <-ctx.Done():
			}
			return
		}

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &provider.Chunk{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- &provider.Chunk{Err: provider.WrapTransport(p.Name(), err)}:
				case <-ctx.Done():
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if strings.HasPrefix(line, "data: ") {
				data := strings.TrimPrefix(line, "data: ")

				switch currentEvent {
				case "content_block_delta":
					var delta claudeStreamDelta
					if err := json.Unmarshal([]byte(data), &delta); err != nil {
						continue
					}
					if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
						select {
						case ch <- &provider.Chunk{Delta: delta.Delta.Text}:
						case <-ctx.Done():
							return
						}
					}
				case "message_stop":
					select {
					case ch <- &provider.Chunk{Done: true}:
					case <-ctx.Done():
					}
					return
				case "error":
					var delta claudeStreamDelta
					if err := json.Unmarshal([]byte(data), &delta); err == nil && delta.Error != nil {
						perr := &provider.Error{
							Provider: p.Name(),
							Kind:     provider.KindUpstreamUnavailable,
							Message:  delta.Error.Message,
						}
						select {
						case ch <- &provider.Chunk{Err: perr}:
						case <-ctx.Done():
						}
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *ClaudeProvider) Identity() provider.Identity {
	return provider.Capable
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) Model() string {
	return p.model
}

// Pricing per token for claude-sonnet: $3.00 / $15.00 per 1M tokens.
func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.000003
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000015
}
