package providers

import (
	"testing"

	"github.com/vnmchuo/tenant-meter/internal/provider"
)

func TestNew(t *testing.T) {
	for _, k := range provider.Kinds {
		p, err := New(k, "key")
		if err != nil {
			t.Fatalf("New(%s): %v", k, err)
		}
		if p.Kind() != k {
			t.Errorf("Expected kind %s, got %s", k, p.Kind())
		}
	}

	if _, err := New(provider.Kind("mistral"), "key"); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, err := New(provider.KindOpenAI, ""); err == nil {
		t.Error("Expected error for missing key")
	}
}

func TestFromKeys(t *testing.T) {
	ps := FromKeys(map[provider.Kind]string{
		provider.KindClaude: "c",
		provider.KindOpenAI: "o",
	})
	if len(ps) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(ps))
	}
	if ps[0].Kind() != provider.KindOpenAI || ps[1].Kind() != provider.KindClaude {
		t.Errorf("Expected preference order openai, claude; got %s, %s", ps[0].Kind(), ps[1].Kind())
	}
}

func TestParseKind(t *testing.T) {
	if k, err := provider.ParseKind("gemini"); err != nil || k != provider.KindGemini {
		t.Errorf("ParseKind(gemini) = %s, %v", k, err)
	}
	if _, err := provider.ParseKind("other"); err == nil {
		t.Error("Expected error for unknown kind")
	}
}
