package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/vnmchuo/tenant-meter/internal/provider"
)

type MockProvider struct {
	kind            provider.Kind
	cost            float64
	supportedModels []string
	generateErr     error
	inputTokens     int64
	outputTokens    int64
	calls           int
	onGenerate      func(ctx context.Context)
}

func (m *MockProvider) Kind() provider.Kind { return m.kind }

func (m *MockProvider) Generate(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	m.calls++
	if m.onGenerate != nil {
		m.onGenerate(ctx)
	}
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	in, out := m.inputTokens, m.outputTokens
	if in == 0 && out == 0 {
		in, out = 10, 20
	}
	return &provider.Response{
		ID:           "resp-1",
		Content:      "mock",
		Provider:     m.kind,
		Model:        params.Model,
		InputTokens:  in,
		OutputTokens: out,
	}, nil
}

func (m *MockProvider) CostPerInputToken() float64 { return m.cost }
func (m *MockProvider) SupportedModels() []string { return m.supportedModels }

func TestRoute_CostBased(t *testing.T) {
	p1 := &MockProvider{kind: "expensive", cost: 10.0}
	p2 := &MockProvider{kind: "cheap", cost: 1.0}

	router := NewRouter([]provider.Provider{p1, p2})

	p, err := router.Route("")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Kind() != "cheap" {
		t.Errorf("Expected cheap provider, got %s", p.Kind())
	}
}

func TestRoute_ModelSpecific(t *testing.T) {
	p1 := &MockProvider{kind: provider.KindOpenAI, supportedModels: []string{"gpt-4"}}
	p2 := &MockProvider{kind: provider.KindClaude, supportedModels: []string{"claude-3"}}

	router := NewRouter([]provider.Provider{p1, p2})

	p, err := router.Route("claude-3")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Kind() != provider.KindClaude {
		t.Errorf("Expected claude provider, got %s", p.Kind())
	}

	if _, err := router.Route("llama-3"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
}

func TestRoute_CircuitBreakerOpen(t *testing.T) {
	p1 := &MockProvider{kind: "bad", cost: 0.1, generateErr: errors.New("fail")}
	p2 := &MockProvider{kind: "good", cost: 1.0}

	router := NewRouter([]provider.Provider{p1, p2})

	// Trip p1
	for i := 0; i < 3; i++ {
		_, _ = router.Execute(context.Background(), p1, nil, provider.Params{})
	}

	// p1 should now be excluded even if cheaper
	p, err := router.Route("")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Kind() != "good" {
		t.Errorf("Expected good provider because bad should be tripped, got %s", p.Kind())
	}
}

func TestRoute_AllProvidersDown(t *testing.T) {
	p1 := &MockProvider{kind: "p1", supportedModels: []string{"m"}, generateErr: errors.New("fail")}

	router := NewRouter([]provider.Provider{p1})

	for i := 0; i < 3; i++ {
		_, _ = router.Execute(context.Background(), p1, nil, provider.Params{})
	}

	if _, err := router.Route(""); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Expected ErrNoProvider, got %v", err)
	}
	if _, err := router.Route("m"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Expected ErrNoProvider for a known model behind an open circuit, got %v", err)
	}
}
