package llm

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
)

// defaultAPIKeyEnv maps a protocol to the conventional credential
// environment variable used when the endpoint doesn't name one.
var defaultAPIKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// Endpoint is the runtime state of one configured endpoint: its static
// config, resolved credentials, and a circuit breaker that keeps it out of
// rotation for a cool-off window after a failure.
type Endpoint struct {
	ID     string
	Config config.EndpointConfig

	apiKey  string
	breaker *gobreaker.CircuitBreaker
}

// APIKey returns the endpoint's resolved credential, empty if none.
func (e *Endpoint) APIKey() string { return e.apiKey }

// HasCredentials reports whether the endpoint can authenticate. Bedrock
// endpoints rely on the AWS default credential chain and are always
// considered credentialed here; a misconfigured chain surfaces as a call
// failure and trips the breaker instead.
func (e *Endpoint) HasCredentials() bool {
	if e.Config.Protocol == "bedrock" {
		return true
	}
	return e.apiKey != ""
}

// Healthy reports whether the endpoint's breaker admits traffic. An open
// breaker transitions to half-open after the cool-off window, at which
// point the endpoint is retried lazily on next selection.
func (e *Endpoint) Healthy() bool {
	return e.breaker.State() != gobreaker.StateOpen
}

// Call routes fn through the endpoint's breaker so a failure trips the
// cool-off window and a success closes it again.
func (e *Endpoint) Call(fn func() (*Response, error)) (*Response, error) {
	out, err := e.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

// EndpointManager owns the endpoint registry and answers "which endpoints
// can serve this model right now", ordered by priority.
type EndpointManager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	models    map[string]config.ModelConfig
	coolOff   time.Duration
}

// NewEndpointManager builds the registry from config, resolving each
// endpoint's credential from the environment once at construction.
func NewEndpointManager(cfg *config.LLMConfig) *EndpointManager {
	coolOff := cfg.EndpointCoolOff
	if coolOff <= 0 {
		coolOff = 60 * time.Second
	}
	m := &EndpointManager{
		endpoints: make(map[string]*Endpoint, len(cfg.Endpoints)),
		models:    cfg.Models,
		coolOff:   coolOff,
	}
	for id, epCfg := range cfg.Endpoints {
		m.endpoints[id] = newEndpoint(id, epCfg, coolOff)
	}
	return m
}

func newEndpoint(id string, cfg config.EndpointConfig, coolOff time.Duration) *Endpoint {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv[cfg.Protocol]
	}
	ep := &Endpoint{
		ID:     id,
		Config: cfg,
	}
	if keyEnv != "" {
		ep.apiKey = os.Getenv(keyEnv)
	}
	ep.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-endpoint-" + id,
		MaxRequests: 1,
		Timeout:     coolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("llm endpoint health changed", "endpoint", id, "from", from.String(), "to", to.String())
		},
		// A non-recoverable provider error is the caller's problem, not
		// the endpoint's; don't hold it against the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if perr, ok := err.(*ProviderError); ok && !perr.Recoverable {
				return true
			}
			return false
		},
	})
	return ep
}

// Reload swaps in a new endpoint/model registry, preserving breaker state
// for endpoints whose id survives the reload.
func (m *EndpointManager) Reload(cfg *config.LLMConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]*Endpoint, len(cfg.Endpoints))
	for id, epCfg := range cfg.Endpoints {
		if old, ok := m.endpoints[id]; ok && old.Config == epCfg {
			next[id] = old
			continue
		}
		next[id] = newEndpoint(id, epCfg, m.coolOff)
	}
	m.endpoints = next
	m.models = cfg.Models
}

// Model returns the static config of a model id.
func (m *EndpointManager) Model(modelID string) (config.ModelConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.models[modelID]
	return mc, ok
}

// AvailableForModel returns the endpoints that can serve modelID right
// now: listed by the model, enabled, credentialed, and not cooling off,
// ordered by ascending priority.
func (m *EndpointManager) AvailableForModel(modelID string) []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mc, ok := m.models[modelID]
	if !ok {
		return nil
	}
	var out []*Endpoint
	for _, epID := range mc.Endpoints {
		ep, ok := m.endpoints[epID]
		if !ok || !ep.Config.Enabled || !ep.HasCredentials() || !ep.Healthy() {
			continue
		}
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Config.Priority < out[j].Config.Priority
	})
	return out
}
