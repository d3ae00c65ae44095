package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicAdapter speaks the Anthropic Messages API.
type anthropicAdapter struct {
	mu      sync.Mutex
	clients map[string]*anthropic.Client // endpoint id → client
}

func newAnthropicAdapter() *anthropicAdapter {
	return &anthropicAdapter{clients: make(map[string]*anthropic.Client)}
}

func (a *anthropicAdapter) Protocol() string { return "anthropic" }

func (a *anthropicAdapter) client(ep *Endpoint) *anthropic.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[ep.ID]; ok {
		return c
	}
	opts := []option.RequestOption{option.WithAPIKey(ep.APIKey())}
	if ep.Config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.Config.BaseURL))
	}
	c := anthropic.NewClient(opts...)
	a.clients[ep.ID] = &c
	return &c
}

func (a *anthropicAdapter) params(model string, req *Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	var tools []anthropic.ToolUnionParam
	for _, t := range req.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]any{}},
		}
		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			tool.InputSchema = anthropic.ToolInputSchemaParam{Properties: props}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func (a *anthropicAdapter) Complete(ctx context.Context, ep *Endpoint, model string, req *Request) (*Response, error) {
	msg, err := a.client(ep).Messages.New(ctx, a.params(model, req))
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	return a.response(msg, model), nil
}

func (a *anthropicAdapter) Stream(ctx context.Context, ep *Endpoint, model string, req *Request, onChunk func(StreamChunk)) (*Response, error) {
	stream := a.client(ep).Messages.NewStreaming(ctx, a.params(model, req))
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, a.wrapErr(ep, model, err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onChunk(StreamChunk{Content: delta.Text})
			case anthropic.ThinkingDelta:
				onChunk(StreamChunk{Thinking: delta.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	resp := a.response(&acc, model)
	onChunk(StreamChunk{Done: true, FinishReason: resp.FinishReason, TokensUsed: resp.TokensUsed()})
	return resp, nil
}

func (a *anthropicAdapter) response(msg *anthropic.Message, model string) *Response {
	resp := &Response{
		Model:        model,
		FinishReason: string(msg.StopReason),
		TokensIn:     msg.Usage.InputTokens,
		TokensOut:    msg.Usage.OutputTokens,
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ThinkingBlock:
			resp.Thinking += b.Thinking
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(b.Input)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Input: string(input)})
		}
	}
	return resp
}

func (a *anthropicAdapter) wrapErr(ep *Endpoint, model string, err error) error {
	status := 0
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		status = apierr.StatusCode
	}
	recoverable := status == 0 || recoverableStatus(status)
	return &ProviderError{Endpoint: ep.ID, Model: model, StatusCode: status, Recoverable: recoverable, Err: err}
}
