// Package provider defines the closed set of upstream model vendors that
// metered chat requests can be routed to.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Kind string

const (
	KindOpenAI Kind = "openai"
	KindGemini Kind = "gemini"
	KindClaude Kind = "claude"
)

// Kinds lists every supported vendor in routing preference order.
var Kinds = []Kind{KindOpenAI, KindGemini, KindClaude}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response carries the vendor-reported token counts used for settlement.
type Response struct {
	ID           string
	Content      string
	InputTokens  int64
	OutputTokens int64
	Model        string
	Provider     Kind
	LatencyMs    int64
}

type Provider interface {
	Kind() Kind
	Generate(ctx context.Context, messages []Message, params Params) (*Response, error)
	CostPerInputToken() float64 // USD per token
	SupportedModels() []string
}

// StatusError is a non-2xx reply from a vendor API.
type StatusError struct {
	Provider   Kind
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// DefaultClient is shared by all vendor implementations.
var DefaultClient = &http.Client{Timeout: 120 * time.Second}

// PostJSON sends in as JSON and decodes a 200 reply into out.
func PostJSON(ctx context.Context, kind Kind, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: kind, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PromptText joins message contents, for estimation.
func PromptText(messages []Message) string {
	var buf bytes.Buffer
	for i, m := range messages {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(m.Content)
	}
	return buf.String()
}
