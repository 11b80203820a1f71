package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llmux-dev/llmux/internal/cooldown"
)

// Mapping is one static routing entry: a requested model resolves to a
// provider, an upstream model name, and an ordered fallback chain. The
// fallback entries name other requested models that must themselves be
// mapped.
type Mapping struct {
	Provider      string   `yaml:"provider" json:"provider"`
	UpstreamModel string   `yaml:"model" json:"model"`
	Fallbacks     []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
}

// Route is the resolution result handed to the request handler.
type Route struct {
	Provider      string
	UpstreamModel string
	Fallbacks     []Route
}

// ModelLookup resolves providers for models outside the static mapping,
// typically from a cached /models registry.
type ModelLookup interface {
	GetProviderForModel(model string) (provider string, ok bool)
}

// ErrUnknownProvider is returned when no rule resolves a model; there is
// no silent default.
type ErrUnknownProvider struct {
	Model string
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("no provider configured for model %q", e.Model)
}

// Router resolves requested model names to providers and walks fallback
// chains around cooled-down models.
type Router struct {
	mu              sync.RWMutex
	mappings        map[string]Mapping
	defaultProvider string
	lookup          ModelLookup
	cooldowns       *cooldown.Manager
}

// NewRouter builds a router over a static mapping table. Fallback entries
// that do not resolve to another mapping are dropped with a warning.
func NewRouter(mappings map[string]Mapping, defaultProvider string, lookup ModelLookup, cooldowns *cooldown.Manager) *Router {
	cleaned := make(map[string]Mapping, len(mappings))
	for requested, m := range mappings {
		var kept []string
		for _, fb := range m.Fallbacks {
			if _, ok := mappings[fb]; ok {
				kept = append(kept, fb)
			} else {
				logrus.WithFields(logrus.Fields{"model": requested, "fallback": fb}).
					Warn("Dropping fallback with no mapping of its own")
			}
		}
		m.Fallbacks = kept
		cleaned[requested] = m
	}
	return &Router{
		mappings:        cleaned,
		defaultProvider: defaultProvider,
		lookup:          lookup,
		cooldowns:       cooldowns,
	}
}

// ParseModelSuffix splits an explicit "model:provider" suffix on the last
// colon. The provider part is trusted whenever it is non-empty.
func ParseModelSuffix(model string) (string, string) {
	idx := strings.LastIndex(model, ":")
	if idx <= 0 || idx == len(model)-1 {
		return model, ""
	}
	return model[:idx], model[idx+1:]
}

// ModelKey builds the cool-down key for a provider+model pair.
func ModelKey(provider, model string) string {
	return provider + ":" + model
}

// Resolve maps a requested model to a route, applying in order: explicit
// suffix, static mapping, dynamic lookup. When the primary target is
// under cool-down the fallback chain is walked; if everything is cooling
// down the primary is returned anyway so the caller observes the 429.
func (r *Router) Resolve(requested string) (Route, error) {
	primary, err := r.resolveStatic(requested)
	if err != nil {
		return Route{}, err
	}

	if r.cooldowns == nil || r.cooldowns.IsAvailable(ModelKey(primary.Provider, primary.UpstreamModel)) {
		return primary, nil
	}
	for _, fb := range primary.Fallbacks {
		if r.cooldowns.IsAvailable(ModelKey(fb.Provider, fb.UpstreamModel)) {
			logrus.WithFields(logrus.Fields{
				"requested": requested,
				"fallback":  fb.UpstreamModel,
				"provider":  fb.Provider,
			}).Info("Primary model cooling down, using fallback")
			fallback := fb
			fallback.Fallbacks = primary.Fallbacks
			return fallback, nil
		}
	}
	return primary, nil
}

func (r *Router) resolveStatic(requested string) (Route, error) {
	base, suffix := ParseModelSuffix(requested)
	if suffix != "" {
		return Route{Provider: suffix, UpstreamModel: base}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.mappings[requested]; ok {
		route := Route{Provider: m.Provider, UpstreamModel: m.UpstreamModel}
		for _, fb := range m.Fallbacks {
			fm := r.mappings[fb]
			route.Fallbacks = append(route.Fallbacks, Route{Provider: fm.Provider, UpstreamModel: fm.UpstreamModel})
		}
		return route, nil
	}

	if r.lookup != nil {
		if provider, ok := r.lookup.GetProviderForModel(requested); ok {
			return Route{Provider: provider, UpstreamModel: requested}, nil
		}
	}
	if r.defaultProvider != "" {
		return Route{Provider: r.defaultProvider, UpstreamModel: requested}, nil
	}
	return Route{}, &ErrUnknownProvider{Model: requested}
}

// HandleRateLimit marks both the requested model and its mapped upstream
// as cooling down.
func (r *Router) HandleRateLimit(requested string, retryAfter time.Duration) {
	if r.cooldowns == nil {
		return
	}
	route, err := r.resolveStatic(requested)
	if err != nil {
		return
	}
	r.cooldowns.MarkRateLimited(ModelKey(route.Provider, requested), retryAfter)
	if route.UpstreamModel != requested {
		r.cooldowns.MarkRateLimited(ModelKey(route.Provider, route.UpstreamModel), retryAfter)
	}
}

// Mappings returns a copy of the active static mapping table, used by the
// /models listing endpoint.
func (r *Router) Mappings() map[string]Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Mapping, len(r.mappings))
	for k, v := range r.mappings {
		out[k] = v
	}
	return out
}
