package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/tenant-meter/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultModel     = "claude-3-5-haiku-20241022"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func New(apiKey string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *ClaudeProvider) Kind() provider.Kind {
	return provider.KindClaude
}

// mapRequest lifts system messages into the top-level system field; every
// other non-assistant role is sent as user.
func mapRequest(messages []provider.Message, params provider.Params) messagesRequest {
	var system []string
	var msgs []message
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			msgs = append(msgs, message{Role: "assistant", Content: m.Content})
		default:
			msgs = append(msgs, message{Role: "user", Content: m.Content})
		}
	}

	req := messagesRequest{
		Model:       params.Model,
		MaxTokens:   params.MaxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		Temperature: params.Temperature,
	}
	if req.Model == "" {
		req.Model = defaultModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}
	return req
}

func (p *ClaudeProvider) Generate(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	start := time.Now()
	var out messagesResponse
	err := provider.PostJSON(ctx, p.Kind(), fmt.Sprintf("%s/messages", p.baseURL), map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": apiVersion,
	}, mapRequest(messages, params), &out)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if len(out.Content) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      text.String(),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Model:        out.Model,
		Provider:     p.Kind(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.0000008
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}
