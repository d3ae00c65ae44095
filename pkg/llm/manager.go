package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// Clock supplies timestamps; injected so tests stay deterministic.
type Clock func() time.Time

// Manager is the provider front door: it resolves a Request to a model
// fallback chain, walks the chain's available endpoints in priority
// order, and returns the first successful completion. Transient failures
// (5xx, 429, timeout, network) rotate to the next endpoint and trip that
// endpoint's cool-off breaker; non-recoverable failures abort immediately.
type Manager struct {
	router    *ModelRouter
	endpoints *EndpointManager
	adapters  map[string]ProtocolAdapter
	events    *bus.Bus
	now       Clock

	mu       sync.RWMutex
	defaults config.LLMDefaults
}

// NewManager wires the router, endpoint registry, and the four built-in
// protocol adapters. events may be nil (stream events disabled).
func NewManager(cfg *config.LLMConfig, events *bus.Bus) *Manager {
	return &Manager{
		router:    NewModelRouter(cfg),
		endpoints: NewEndpointManager(cfg),
		adapters:  defaultAdapters(),
		defaults:  cfg.Defaults,
		events:    events,
		now:       time.Now,
	}
}

// Reload applies a hot-reloaded LLM config.
func (m *Manager) Reload(cfg *config.LLMConfig) {
	m.router.Reload(cfg)
	m.endpoints.Reload(cfg)
	m.mu.Lock()
	m.defaults = cfg.Defaults
	m.mu.Unlock()
}

// Router exposes model resolution to the scheduler's ModelSelector.
func (m *Manager) Router() *ModelRouter { return m.router }

// Complete resolves and executes req. On success the response carries the
// cost computed from the serving model's pricing and the endpoint's cost
// multiplier.
func (m *Manager) Complete(ctx context.Context, req *Request) (*Response, error) {
	chain := m.router.Chain(req)
	if len(chain) == 0 {
		return nil, ErrNoModel
	}
	m.mu.RLock()
	defaults := m.defaults
	m.mu.RUnlock()
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaults.MaxTokens
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaults.Timeout
	}

	var lastErr error
	for _, modelID := range chain {
		available := m.endpoints.AvailableForModel(modelID)
		if len(available) == 0 {
			lastErr = fmt.Errorf("llm: no available endpoint for model %q", modelID)
			continue
		}
		for _, ep := range available {
			adapter, ok := m.adapters[ep.Config.Protocol]
			if !ok {
				lastErr = fmt.Errorf("llm: no adapter for protocol %q", ep.Config.Protocol)
				continue
			}

			resp, err := m.callEndpoint(ctx, adapter, ep, modelID, req, timeout)
			if err == nil {
				m.applyCost(resp, modelID, ep)
				return resp, nil
			}

			var perr *ProviderError
			if errors.As(err, &perr) && !perr.Recoverable {
				return nil, err
			}
			slog.Warn("llm endpoint call failed, rotating",
				"endpoint", ep.ID, "model", modelID, "error", err)
			lastErr = err
		}
	}
	return nil, fmt.Errorf("llm: all endpoints exhausted: %w", lastErr)
}

// RegisterAdapter installs (or replaces) the adapter for a protocol.
// Exposed for tests and for embedding custom transports.
func (m *Manager) RegisterAdapter(a ProtocolAdapter) {
	m.adapters[a.Protocol()] = a
}

func (m *Manager) callEndpoint(ctx context.Context, adapter ProtocolAdapter, ep *Endpoint, modelID string, req *Request, timeout time.Duration) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return ep.Call(func() (*Response, error) {
		if req.Stream {
			resp, err := m.streamEndpoint(callCtx, adapter, ep, modelID, req)
			if !errors.Is(err, ErrStreamingUnsupported) {
				return resp, err
			}
		}
		return adapter.Complete(callCtx, ep, modelID, req)
	})
}

func (m *Manager) streamEndpoint(ctx context.Context, adapter ProtocolAdapter, ep *Endpoint, modelID string, req *Request) (*Response, error) {
	m.emit(domain.EventLLMStreamStart, req, map[string]any{"model": modelID, "endpoint": ep.ID})

	index := 0
	totalChunks := 0
	onChunk := func(chunk StreamChunk) {
		if chunk.Done {
			m.emit(domain.EventLLMStreamEnd, req, map[string]any{
				"totalChunks":  totalChunks,
				"tokensUsed":   chunk.TokensUsed,
				"finishReason": chunk.FinishReason,
			})
		} else {
			m.emit(domain.EventLLMStreamChunk, req, map[string]any{
				"content": chunk.Content,
				"index":   index,
			})
			index++
			totalChunks++
		}
		if req.OnChunk != nil {
			req.OnChunk(chunk)
		}
	}

	resp, err := adapter.Stream(ctx, ep, modelID, req, onChunk)
	if err != nil {
		if !errors.Is(err, ErrStreamingUnsupported) {
			m.emit(domain.EventLLMStreamError, req, map[string]any{"error": err.Error()})
		}
		return nil, err
	}
	return resp, nil
}

func (m *Manager) emit(eventType string, req *Request, data map[string]any) {
	if m.events == nil {
		return
	}
	data["requestId"] = req.RequestID
	if req.GoalID != "" {
		data["goalId"] = req.GoalID
	}
	if req.WorkItemID != "" {
		data["workItemId"] = req.WorkItemID
	}
	if req.RunID != "" {
		data["runId"] = req.RunID
	}
	m.events.Emit(domain.NewEvent(m.now(), eventType, data))
}

func (m *Manager) applyCost(resp *Response, modelID string, ep *Endpoint) {
	mc, ok := m.endpoints.Model(modelID)
	if !ok {
		return
	}
	cost := float64(resp.TokensIn)/1000*mc.CostPer1kTokens.Input +
		float64(resp.TokensOut)/1000*mc.CostPer1kTokens.Output
	if ep.Config.CostMultiplier > 0 {
		cost *= ep.Config.CostMultiplier
	}
	resp.CostUsd = cost
}
