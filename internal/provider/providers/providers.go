// Package providers constructs vendor implementations from a provider.Kind.
package providers

import (
	"fmt"

	"github.com/vnmchuo/tenant-meter/internal/provider"
	"github.com/vnmchuo/tenant-meter/internal/provider/claude"
	"github.com/vnmchuo/tenant-meter/internal/provider/gemini"
	"github.com/vnmchuo/tenant-meter/internal/provider/openai"
)

func New(kind provider.Kind, apiKey string) (provider.Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", kind)
	}
	switch kind {
	case provider.KindOpenAI:
		return openai.New(apiKey), nil
	case provider.KindGemini:
		return gemini.New(apiKey), nil
	case provider.KindClaude:
		return claude.New(apiKey), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", kind)
}

// FromKeys builds every provider that has a key configured, in preference order.
func FromKeys(keys map[provider.Kind]string) []provider.Provider {
	var out []provider.Provider
	for _, k := range provider.Kinds {
		if p, err := New(k, keys[k]); err == nil {
			out = append(out, p)
		}
	}
	return out
}
