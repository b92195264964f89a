package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/tenant-meter/internal/provider"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
)

var (
	ErrNoProvider   = errors.New("all providers unavailable")
	ErrUnknownModel = errors.New("no provider serves the requested model")
)

// Router picks an upstream provider and guards each with a circuit breaker.
type Router struct {
	providers []provider.Provider
	breakers  map[provider.Kind]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[provider.Kind]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        string(p.Kind()),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Kind()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

func supports(p provider.Provider, model string) bool {
	for _, m := range p.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}

// Route returns the provider for model, or the cheapest available one when
// model is empty. Providers with an open circuit are skipped.
func (r *Router) Route(model string) (provider.Provider, error) {
	var candidates []provider.Provider
	known := false
	for _, p := range r.providers {
		if model != "" {
			if !supports(p, model) {
				continue
			}
			known = true
		}
		if r.breakers[p.Kind()].State() == gobreaker.StateOpen {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		if model != "" && !known {
			return nil, ErrUnknownModel
		}
		return nil, ErrNoProvider
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

func (r *Router) Execute(ctx context.Context, p provider.Provider, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	cb := r.breakers[p.Kind()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Generate(ctx, messages, params)
	})
	if err != nil {
		telemetry.ProviderRequestsTotal.WithLabelValues(string(p.Kind()), "error").Inc()
		return nil, err
	}
	telemetry.ProviderRequestsTotal.WithLabelValues(string(p.Kind()), "ok").Inc()
	return result.(*provider.Response), nil
}
