package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vnmchuo/credit-gateway/internal/provider"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u *openAIUsage) toUsage() *provider.Usage {
	if u == nil {
		return nil
	}
	return &provider.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

func New(apiKey string) provider.Provider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
	}
}

func (p *OpenAIProvider) call(req *provider.Request, body openAIRequest) provider.Call {
	return provider.Call{
		Provider: p.Name(),
		URL:      p.baseURL + "/chat/completions",
		Header:   http.Header{"Authorization": {"Bearer " + provider.KeyFor(req, p.apiKey)}},
		Body:     body,
		Client:   p.client,
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var out openAIResponse
	if err := p.call(req, p.mapRequest(req)).Do(ctx, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai api returned no choices")
	}

	return &provider.Response{
		ID:       out.ID,
		Content:  out.Choices[0].Message.Content,
		Model:    out.Model,
		Provider: p.Name(),
		Usage:    out.Usage.toUsage(),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}
	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body := p.mapRequest(req)
	body.Stream = true
	body.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	return p.call(req, body).Stream(ctx, decodeEvent)
}

func decodeEvent(ev provider.Event) ([]*provider.Chunk, bool) {
	if ev.Data == "[DONE]" {
		return []*provider.Chunk{{Done: true}}, true
	}

	var resp openAIResponse
	if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
		return []*provider.Chunk{{Err: err}}, true
	}

	var chunks []*provider.Chunk
	// with include_usage the last chunk carries usage and no choices
	if u := resp.Usage.toUsage(); u != nil {
		chunks = append(chunks, &provider.Chunk{Usage: u})
	}
	if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
		chunks = append(chunks, &provider.Chunk{Delta: resp.Choices[0].Delta.Content})
	}
	return chunks, false
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000015
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return 0.00000060
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
}
