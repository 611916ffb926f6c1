// Package insight implements the insight-generation pipeline: the producer
// that admits and enqueues generation jobs, and the queue handler that runs
// the multi-provider failover state machine for each dispatch.
package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// Queue is the queue name serviced by the insight handler.
const Queue = "insight_generate"

// Provider is the narrow contract the pipeline needs from an AI completion
// backend. Generate returns the raw structured response for a prompt; the
// wire protocol behind it is not this package's concern.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ChatConfig configures a ChatProvider.
type ChatConfig struct {
	URL         string // chat-completions endpoint
	APIKey      string
	Model       string
	CallsPerSec float64 // 0 means unlimited
}

// ChatProvider calls an OpenAI-compatible chat-completions endpoint and
// returns the first choice's message content. Calls are rate limited so a
// retry storm cannot exhaust a provider quota.
type ChatProvider struct {
	name    string
	cfg     ChatConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewChatProvider returns a ChatProvider. client should be the safeurl-
// wrapped production client; tests inject a plain one.
func NewChatProvider(name string, client *http.Client, cfg ChatConfig) *ChatProvider {
	limit := rate.Inf
	if cfg.CallsPerSec > 0 {
		limit = rate.Limit(cfg.CallsPerSec)
	}
	return &ChatProvider{
		name:    name,
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Name implements Provider.
func (p *ChatProvider) Name() string { return p.name }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat respFormat    `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are a wellness coach. Respond with a single JSON object " +
	"containing \"title\", \"summary\", and \"body\" fields and nothing else."

// Generate implements Provider.
func (p *ChatProvider) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", p.name, err)
	}

	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // drain for connection reuse
		return nil, fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s: empty completion", p.name)
	}
	return []byte(out.Choices[0].Message.Content), nil
}
