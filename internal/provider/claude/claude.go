package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vnmchuo/credit-gateway/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   *claudeUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *claudeUsage) toUsage() *provider.Usage {
	if u == nil {
		return nil
	}
	return &provider.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// streamEvent covers every event type the messages stream sends; each
// type fills a different subset.
type streamEvent struct {
	Type    string          `json:"type"`
	Delta   contentBlock    `json:"delta"`
	Error   *apiError       `json:"error,omitempty"`
	Message *claudeResponse `json:"message,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *ClaudeProvider) call(req *provider.Request, body claudeRequest) provider.Call {
	return provider.Call{
		Provider: p.Name(),
		URL:      p.baseURL + "/messages",
		Header: http.Header{
			"X-Api-Key":         {provider.KeyFor(req, p.apiKey)},
			"Anthropic-Version": {apiVersion},
		},
		Body:   body,
		Client: p.client,
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var out claudeResponse
	if err := p.call(req, p.mapRequest(req)).Do(ctx, &out); err != nil {
		return nil, err
	}
	if len(out.Content) == 0 {
		return nil, errors.New("claude api returned no content")
	}

	return &provider.Response{
		ID:       out.ID,
		Content:  out.Content[0].Text,
		Model:    out.Model,
		Provider: p.Name(),
		Usage:    out.Usage.toUsage(),
	}, nil
}

// mapRequest lifts system messages into the top-level system field; the
// messages API only accepts user and assistant turns.
func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	out := claudeRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "assistant":
			out.Messages = append(out.Messages, claudeMessage{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, claudeMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body := p.mapRequest(req)
	body.Stream = true
	return p.call(req, body).Stream(ctx, decodeEvent)
}

func decodeEvent(ev provider.Event) ([]*provider.Chunk, bool) {
	if ev.Name == "message_stop" {
		return []*provider.Chunk{{Done: true}}, true
	}

	var se streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		// pings and unknown events are not worth failing the stream over
		return nil, false
	}

	switch ev.Name {
	case "message_start", "message_delta":
		// input tokens arrive on message_start, the final output count on message_delta
		usage := se.Usage
		if usage == nil && se.Message != nil {
			usage = se.Message.Usage
		}
		if u := usage.toUsage(); u != nil {
			return []*provider.Chunk{{Usage: u}}, false
		}
	case "content_block_delta":
		if se.Delta.Type == "text_delta" && se.Delta.Text != "" {
			return []*provider.Chunk{{Delta: se.Delta.Text}}, false
		}
	case "error":
		if se.Error != nil {
			return []*provider.Chunk{{Err: fmt.Errorf("claude stream error: %s", se.Error.Message)}}, true
		}
	}
	return nil, false
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.0000008
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000004
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	}
}
