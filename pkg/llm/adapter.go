package llm

import "context"

// ProtocolAdapter translates generic messages to and from one vendor's
// native request shape. Adapters are stateless apart from cached SDK
// clients; all per-call state travels in the Request.
//
// Complete and Stream return a *ProviderError for any failed provider
// call so the fallback loop can classify it. Adapters that cannot stream
// return ErrStreamingUnsupported from Stream and the manager degrades the
// call to Complete.
type ProtocolAdapter interface {
	Protocol() string
	Complete(ctx context.Context, ep *Endpoint, model string, req *Request) (*Response, error)
	Stream(ctx context.Context, ep *Endpoint, model string, req *Request, onChunk func(StreamChunk)) (*Response, error)
}

// defaultAdapters builds the four built-in protocol adapters.
func defaultAdapters() map[string]ProtocolAdapter {
	adapters := map[string]ProtocolAdapter{}
	for _, a := range []ProtocolAdapter{
		newAnthropicAdapter(),
		newOpenAIAdapter(),
		newGeminiAdapter(),
		newBedrockAdapter(),
	} {
		adapters[a.Protocol()] = a
	}
	return adapters
}
