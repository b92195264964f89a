package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/tenant-meter/internal/provider"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func New(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
	}
}

func (p *OpenAIProvider) Kind() provider.Kind {
	return provider.KindOpenAI
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	msgs := make([]chatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	in := chatRequest{
		Model:       params.Model,
		Messages:    msgs,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}

	start := time.Now()
	var out chatResponse
	err := provider.PostJSON(ctx, p.Kind(), fmt.Sprintf("%s/chat/completions", p.baseURL),
		map[string]string{"Authorization": "Bearer " + p.apiKey}, in, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Model:        out.Model,
		Provider:     p.Kind(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000015
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
}
