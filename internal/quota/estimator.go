package quota

import (
	"fmt"
	"math"
	"strings"

	"github.com/tiktoken-go/tokenizer"
	"github.com/tiktoken-go/tokenizer/codec"
	"github.com/vnmchuo/tenant-meter/internal/billing"
)

const (
	DefaultMaxOutputTokens = 1000
	// promptPadding primes the reply; messagePadding covers the role and
	// separators vendors add around every message.
	promptPadding  = 8
	messagePadding = 8
)

// Request describes the resources a caller intends to consume.
type Request struct {
	RequestID       string  `json:"request_id"`
	Route           string  `json:"route"`
	Model           string  `json:"model,omitempty"`
	Prompt          string  `json:"prompt,omitempty"`
	Messages        int     `json:"messages,omitempty"`
	MaxOutputTokens int64   `json:"max_output_tokens,omitempty"`
	AudioSeconds    float64 `json:"audio_seconds,omitempty"`
	OCRPages        int64   `json:"ocr_pages,omitempty"`
}

// Validate rejects negative amounts, which would shrink the estimate.
func (r Request) Validate() error {
	switch {
	case r.MaxOutputTokens < 0:
		return fmt.Errorf("%w: max_output_tokens must not be negative", ErrInvalidRequest)
	case r.AudioSeconds < 0:
		return fmt.Errorf("%w: audio_seconds must not be negative", ErrInvalidRequest)
	case r.OCRPages < 0:
		return fmt.Errorf("%w: ocr_pages must not be negative", ErrInvalidRequest)
	case r.Messages < 0:
		return fmt.Errorf("%w: messages must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Estimator produces an upper bound on what a request will be charged.
type Estimator struct {
	codec tokenizer.Codec
	rates billing.Rates
}

func NewEstimator(rates billing.Rates) *Estimator {
	return &Estimator{codec: codec.NewO200kBase(), rates: rates}
}

func (e *Estimator) Rates() billing.Rates {
	return e.rates
}

// PromptTokens takes the larger of the tokenizer count and a words*4/3 heuristic
// so prompts for non-OpenAI models are not underestimated, then pads per
// message. A non-empty prompt counts as at least one message.
func (e *Estimator) PromptTokens(prompt string, messages int) int64 {
	if prompt == "" {
		return 0
	}
	text := int64(math.Ceil(float64(len(strings.Fields(prompt))) * 4 / 3))
	if counted, err := e.codec.Count(prompt); err == nil {
		text = max(int64(counted), text)
	}
	return text + promptPadding + int64(max(messages, 1))*messagePadding
}

// Usage is the worst-case usage of r.
func (e *Estimator) Usage(r Request) billing.Usage {
	out := r.MaxOutputTokens
	if out <= 0 && r.Prompt != "" {
		out = DefaultMaxOutputTokens
	}
	return billing.Usage{
		TokensInput:  e.PromptTokens(r.Prompt, r.Messages),
		TokensOutput: out,
		AudioSeconds: r.AudioSeconds,
		OCRPages:     r.OCRPages,
	}
}

// Estimate is the billable upper bound of r. It is never below 1.
func (e *Estimator) Estimate(r Request) int64 {
	return max(e.Usage(r).Cost(e.rates), 1)
}
