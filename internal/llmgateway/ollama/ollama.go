// Package ollama implements llmgateway.Provider against Ollama's HTTP API,
// grounded in the teacher's pkg/ollama embedding client and extended to
// cover chat/completion generation so a single provider backs every role
// the Gateway routes (spec.md §4.2).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ingestforge/ingestforge/internal/llmgateway"
)

// Provider implements llmgateway.Provider using Ollama's HTTP API.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates an Ollama-backed provider.
func New(baseURL, apiKey string) *Provider {
	return &Provider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

type generateReq struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options options `json:"options,omitempty"`
}

type chatReq struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int32   `json:"num_predict,omitempty"`
}

type generateResp struct {
	Response string `json:"response"`
}

type chatResp struct {
	Message chatMsg `json:"message"`
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func toOptions(opts llmgateway.Options) options {
	var o options
	if opts.Temperature != nil {
		o.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		o.NumPredict = *opts.MaxTokens
	}
	return o
}

func (p *Provider) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return llmgateway.ErrAuthentication
	}
	if resp.StatusCode != http.StatusOK {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ollama: %s status %d: %s", path, resp.StatusCode, string(tail))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama: decode %s response: %w", path, err)
	}
	return nil
}

// Complete implements llmgateway.Provider.
func (p *Provider) Complete(ctx context.Context, model, prompt string, opts llmgateway.Options) (string, error) {
	var out generateResp
	err := p.do(ctx, "/api/generate", generateReq{Model: model, Prompt: prompt, Options: toOptions(opts)}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

// Chat implements llmgateway.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []llmgateway.Message, opts llmgateway.Options) (string, error) {
	msgs := make([]chatMsg, len(messages))
	for i, m := range messages {
		msgs[i] = chatMsg{Role: m.Role, Content: m.Content}
	}
	var out chatResp
	err := p.do(ctx, "/api/chat", chatReq{Model: model, Messages: msgs, Options: toOptions(opts)}, &out)
	if err != nil {
		return "", err
	}
	return out.Message.Content, nil
}

// Embed implements llmgateway.Provider.
func (p *Provider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		var r embedResp
		if err := p.do(ctx, "/api/embeddings", embedReq{Model: model, Prompt: text}, &r); err != nil {
			return nil, fmt.Errorf("ollama: embed [%d]: %w", i, err)
		}
		vals := make([]float32, len(r.Embedding))
		for j, v := range r.Embedding {
			vals[j] = float32(v)
		}
		out[i] = vals
	}
	return out, nil
}
