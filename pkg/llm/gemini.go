package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"google.golang.org/genai"
)

// geminiAdapter speaks the Gemini generateContent API.
type geminiAdapter struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

func newGeminiAdapter() *geminiAdapter {
	return &geminiAdapter{clients: make(map[string]*genai.Client)}
}

func (a *geminiAdapter) Protocol() string { return "gemini" }

func (a *geminiAdapter) client(ctx context.Context, ep *Endpoint) (*genai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[ep.ID]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{APIKey: ep.APIKey(), Backend: genai.BackendGeminiAPI}
	if ep.Config.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = ep.Config.BaseURL
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.clients[ep.ID] = c
	return c, nil
}

func (a *geminiAdapter) contents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleTool:
			var obj map[string]any
			_ = json.Unmarshal([]byte(m.Content), &obj)
			contents = append(contents, &genai.Content{
				Role:  "function",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: m.ToolCallID, Response: obj}}},
			})
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		cfg.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			b, _ := json.Marshal(t.Parameters)
			var schema genai.Schema
			_ = json.Unmarshal(b, &schema)
			decls = append(decls, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: &schema})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, cfg
}

func (a *geminiAdapter) Complete(ctx context.Context, ep *Endpoint, model string, req *Request) (*Response, error) {
	client, err := a.client(ctx, ep)
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	contents, cfg := a.contents(req)
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	out := &Response{Model: model}
	if resp == nil {
		return out, nil
	}
	a.accumulate(out, resp)
	return out, nil
}

func (a *geminiAdapter) Stream(ctx context.Context, ep *Endpoint, model string, req *Request, onChunk func(StreamChunk)) (*Response, error) {
	client, err := a.client(ctx, ep)
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	contents, cfg := a.contents(req)
	out := &Response{Model: model}
	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, a.wrapErr(ep, model, err)
		}
		before := len(out.Content)
		a.accumulate(out, resp)
		if delta := out.Content[before:]; delta != "" {
			onChunk(StreamChunk{Content: delta})
		}
	}
	onChunk(StreamChunk{Done: true, FinishReason: out.FinishReason, TokensUsed: out.TokensUsed()})
	return out, nil
}

// accumulate folds one response (or stream increment) into out.
func (a *geminiAdapter) accumulate(out *Response, resp *genai.GenerateContentResponse) {
	for _, fc := range resp.FunctionCalls() {
		args, _ := json.Marshal(fc.Args)
		id := fc.ID
		if id == "" {
			id = fc.Name
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Input: string(args)})
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					out.Content += part.Text
				}
			}
		}
		if cand.FinishReason != "" {
			out.FinishReason = string(cand.FinishReason)
		}
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int64(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
}

func (a *geminiAdapter) wrapErr(ep *Endpoint, model string, err error) error {
	status := 0
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		status = apierr.Code
	}
	recoverable := status == 0 || recoverableStatus(status)
	return &ProviderError{Endpoint: ep.ID, Model: model, StatusCode: status, Recoverable: recoverable, Err: err}
}
