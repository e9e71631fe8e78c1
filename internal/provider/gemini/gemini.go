package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vnmchuo/credit-gateway/internal/provider"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content geminiContent `json:"content"`
}

// text returns the first part of the first candidate.
func (r *geminiResponse) text() (string, bool) {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", false
	}
	return r.Candidates[0].Content.Parts[0].Text, true
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func (u *usageMetadata) toUsage() *provider.Usage {
	if u == nil {
		return nil
	}
	return &provider.Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
}

func New(apiKey string) provider.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
	}
}

// call authenticates with the key query parameter; method is generateContent
// or streamGenerateContent.
func (p *GeminiProvider) call(req *provider.Request, method string, query url.Values) provider.Call {
	query.Set("key", provider.KeyFor(req, p.apiKey))
	return provider.Call{
		Provider: p.Name(),
		URL:      fmt.Sprintf("%s/v1beta/models/%s:%s?%s", p.baseURL, url.PathEscape(req.Model), method, query.Encode()),
		Body:     p.mapRequest(req),
		Client:   p.client,
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var out geminiResponse
	if err := p.call(req, "generateContent", url.Values{}).Do(ctx, &out); err != nil {
		return nil, err
	}
	text, ok := out.text()
	if !ok {
		return nil, errors.New("gemini api returned no candidates")
	}

	return &provider.Response{
		Content:  text,
		Model:    req.Model,
		Provider: p.Name(),
		Usage:    out.UsageMetadata.toUsage(),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	contents := make([]geminiContent, len(req.Messages))
	for i, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents[i] = geminiContent{Role: role, Parts: []part{{Text: m.Content}}}
	}

	return geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	return p.call(req, "streamGenerateContent", url.Values{"alt": {"sse"}}).Stream(ctx, decodeEvent)
}

func decodeEvent(ev provider.Event) ([]*provider.Chunk, bool) {
	var resp geminiResponse
	if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
		return []*provider.Chunk{{Err: err}}, true
	}

	// usageMetadata is cumulative, the last one seen wins
	chunk := &provider.Chunk{Usage: resp.UsageMetadata.toUsage()}
	chunk.Delta, _ = resp.text()
	if chunk.Delta == "" && chunk.Usage == nil {
		return nil, false
	}
	return []*provider.Chunk{chunk}, false
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) CostPerInputToken() float64 {
	return 0.000000125
}

func (p *GeminiProvider) CostPerOutputToken() float64 {
	return 0.000000375
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
