package model

import (
	"fmt"
	"strings"
	"sync"
)

// Registry resolves a Client for a given model name or account tier. The
// dispatcher looks up an adapter once per run rather than hardcoding
// a single provider, so an account's tier can be repointed at a different
// provider without a code change.
type Registry struct {
	mu       sync.RWMutex
	byPrefix map[string]Client
	byTier   map[string]Client
	fallback Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byPrefix: map[string]Client{}, byTier: map[string]Client{}}
}

// RegisterPrefix associates every model name starting with prefix (e.g.
// "claude-", "gpt-", "amazon.nova") with cli.
func (r *Registry) RegisterPrefix(prefix string, cli Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPrefix[prefix] = cli
}

// RegisterTier associates an account tier (e.g. "enterprise", "free") with
// cli, used when no registered prefix matches the model name.
func (r *Registry) RegisterTier(tier string, cli Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTier[tier] = cli
}

// SetFallback sets the client used when no prefix or tier match.
func (r *Registry) SetFallback(cli Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = cli
}

// Resolve picks a Client for modelName, falling back to tier and then the
// registered fallback.
func (r *Registry) Resolve(modelName, tier string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if modelName != "" {
		for prefix, cli := range r.byPrefix {
			if strings.HasPrefix(modelName, prefix) {
				return cli, nil
			}
		}
	}
	if tier != "" {
		if cli, ok := r.byTier[tier]; ok {
			return cli, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("model: no adapter registered for model %q tier %q", modelName, tier)
}
