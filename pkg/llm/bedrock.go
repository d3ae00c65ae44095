package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
)

// bedrockAdapter speaks the AWS Bedrock Converse API. Requests are signed
// with SigV4 by the SDK using the default credential chain; the endpoint's
// region selects the Bedrock runtime region.
type bedrockAdapter struct {
	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

func newBedrockAdapter() *bedrockAdapter {
	return &bedrockAdapter{clients: make(map[string]*bedrockruntime.Client)}
}

func (a *bedrockAdapter) Protocol() string { return "bedrock" }

func (a *bedrockAdapter) client(ctx context.Context, ep *Endpoint) (*bedrockruntime.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[ep.ID]; ok {
		return c, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(ep.Config.Region))
	if err != nil {
		return nil, err
	}
	var opts []func(*bedrockruntime.Options)
	if ep.Config.BaseURL != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(ep.Config.BaseURL)
		})
	}
	c := bedrockruntime.NewFromConfig(cfg, opts...)
	a.clients[ep.ID] = c
	return c, nil
}

func (a *bedrockAdapter) converseInput(model string, req *Request) *bedrockruntime.ConverseInput {
	var messages []types.Message
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	inference := &types.InferenceConfiguration{}
	set := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		set = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		set = true
	}
	if set {
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		var tools []types.Tool
		for _, t := range req.Tools {
			tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Parameters)},
			}})
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	return input
}

func (a *bedrockAdapter) Complete(ctx context.Context, ep *Endpoint, model string, req *Request) (*Response, error) {
	client, err := a.client(ctx, ep)
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	output, err := client.Converse(ctx, a.converseInput(model, req))
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}

	resp := &Response{Model: model, FinishReason: string(output.StopReason)}
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				resp.Content += b.Value
			case *types.ContentBlockMemberToolUse:
				input, _ := b.Value.Input.MarshalSmithyDocument()
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:    aws.ToString(b.Value.ToolUseId),
					Name:  aws.ToString(b.Value.Name),
					Input: string(input),
				})
			}
		}
	}
	if output.Usage != nil {
		resp.TokensIn = int64(aws.ToInt32(output.Usage.InputTokens))
		resp.TokensOut = int64(aws.ToInt32(output.Usage.OutputTokens))
	}
	return resp, nil
}

func (a *bedrockAdapter) Stream(ctx context.Context, ep *Endpoint, model string, req *Request, onChunk func(StreamChunk)) (*Response, error) {
	client, err := a.client(ctx, ep)
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	in := a.converseInput(model, req)
	output, err := client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	})
	if err != nil {
		return nil, a.wrapErr(ep, model, err)
	}

	stream := output.GetStream()
	defer stream.Close()

	resp := &Response{Model: model}
	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if text, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				resp.Content += text.Value
				onChunk(StreamChunk{Content: text.Value})
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			resp.FinishReason = string(ev.Value.StopReason)
		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				resp.TokensIn = int64(aws.ToInt32(ev.Value.Usage.InputTokens))
				resp.TokensOut = int64(aws.ToInt32(ev.Value.Usage.OutputTokens))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, a.wrapErr(ep, model, err)
	}
	onChunk(StreamChunk{Done: true, FinishReason: resp.FinishReason, TokensUsed: resp.TokensUsed()})
	return resp, nil
}

func (a *bedrockAdapter) wrapErr(ep *Endpoint, model string, err error) error {
	status := 0
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}
	recoverable := status == 0 || recoverableStatus(status)
	return &ProviderError{Endpoint: ep.ID, Model: model, StatusCode: status, Recoverable: recoverable, Err: err}
}
