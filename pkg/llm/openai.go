package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// openaiAdapter speaks the OpenAI chat-completions API. It also covers
// Azure OpenAI deployments: a base URL pointing at an Azure resource makes
// go-openai send the api-key header instead of a Bearer token.
type openaiAdapter struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
}

func newOpenAIAdapter() *openaiAdapter {
	return &openaiAdapter{clients: make(map[string]*openai.Client)}
}

func (a *openaiAdapter) Protocol() string { return "openai" }

func (a *openaiAdapter) client(ep *Endpoint) *openai.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[ep.ID]; ok {
		return c
	}
	var cfg openai.ClientConfig
	if strings.Contains(ep.Config.BaseURL, ".openai.azure.com") {
		cfg = openai.DefaultAzureConfig(ep.APIKey(), ep.Config.BaseURL)
	} else {
		cfg = openai.DefaultConfig(ep.APIKey())
		if ep.Config.BaseURL != "" {
			cfg.BaseURL = strings.TrimSuffix(ep.Config.BaseURL, "/")
		}
	}
	c := openai.NewClientWithConfig(cfg)
	a.clients[ep.ID] = c
	return c
}

func (a *openaiAdapter) chatRequest(model string, req *Request) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Input,
				},
			})
		}
		messages = append(messages, msg)
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

func (a *openaiAdapter) Complete(ctx context.Context, ep *Endpoint, model string, req *Request) (*Response, error) {
	resp, err := a.client(ep).CreateChatCompletion(ctx, a.chatRequest(model, req))
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Endpoint: ep.ID, Model: model, Recoverable: true, Err: errors.New("no choices returned")}
	}
	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		Model:        model,
		FinishReason: string(choice.FinishReason),
		TokensIn:     int64(resp.Usage.PromptTokens),
		TokensOut:    int64(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: tc.Function.Arguments})
	}
	return out, nil
}

func (a *openaiAdapter) Stream(ctx context.Context, ep *Endpoint, model string, req *Request, onChunk func(StreamChunk)) (*Response, error) {
	chatReq := a.chatRequest(model, req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := a.client(ep).CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	defer stream.Close()

	out := &Response{Model: model}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, a.wrapErr(ep, model, err)
		}
		if chunk.Usage != nil {
			out.TokensIn = int64(chunk.Usage.PromptTokens)
			out.TokensOut = int64(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out.Content += delta.Content
			onChunk(StreamChunk{Content: delta.Content})
		}
		if chunk.Choices[0].FinishReason != "" {
			out.FinishReason = string(chunk.Choices[0].FinishReason)
		}
	}
	onChunk(StreamChunk{Done: true, FinishReason: out.FinishReason, TokensUsed: out.TokensUsed()})
	return out, nil
}

func (a *openaiAdapter) wrapErr(ep *Endpoint, model string, err error) error {
	status := 0
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		status = apierr.HTTPStatusCode
	}
	recoverable := status == 0 || recoverableStatus(status)
	return &ProviderError{Endpoint: ep.ID, Model: model, StatusCode: status, Recoverable: recoverable, Err: err}
}
