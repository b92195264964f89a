package gemini

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/vnmchuo/tenant-meter/internal/provider"
)

const defaultModel = "gemini-2.0-flash"

type GeminiProvider struct {
	apiKey  string
	baseURL string
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
	ModelVersion  string        `json:"modelVersion"`
}

type candidate struct {
	Content content `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

func New(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
	}
}

func (p *GeminiProvider) Kind() provider.Kind {
	return provider.KindGemini
}

func mapMessages(messages []provider.Message) ([]content, *content) {
	var system *content
	contents := make([]content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = &content{Parts: []part{{Text: m.Content}}}
		case "assistant":
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	return contents, system
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	model := params.Model
	if model == "" {
		model = defaultModel
	}
	contents, system := mapMessages(messages)
	in := generateRequest{
		SystemInstruction: system,
		Contents:          contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: params.MaxTokens,
			Temperature:     params.Temperature,
		},
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))

	start := time.Now()
	var out generateResponse
	if err := provider.PostJSON(ctx, p.Kind(), endpoint, nil, in, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	return &provider.Response{
		Content:      out.Candidates[0].Content.Parts[0].Text,
		InputTokens:  out.UsageMetadata.PromptTokenCount,
		OutputTokens: out.UsageMetadata.CandidatesTokenCount,
		Model:        model,
		Provider:     p.Kind(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *GeminiProvider) CostPerInputToken() float64 {
	return 0.000000125
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
