package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIChatModel adapts an OpenAI-compatible chat completion endpoint to
// eino's BaseChatModel.
type OpenAIChatModel struct {
	client *openai.Client
	model  string
}

var _ model.BaseChatModel = (*OpenAIChatModel)(nil)

// NewOpenAIChatModel creates the adapter. An empty baseURL uses the public
// OpenAI API.
func NewOpenAIChatModel(apiKey, baseURL, modelName string) (*OpenAIChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if modelName == "" {
		return nil, errors.New("openai model name is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIChatModel{client: openai.NewClientWithConfig(cfg), model: modelName}, nil
}

// Generate implements model.BaseChatModel.
func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(input, false, opts))
	if err != nil {
		return nil, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choice: %+v", resp)
	}
	return fromOpenAIMessage(resp.Choices[0].Message.Content, resp.Choices[0].Message.ToolCalls), nil
}

// Stream implements model.BaseChatModel. Deltas are forwarded as they
// arrive; a transport error mid-stream is delivered through the reader.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(input, true, opts))
	if err != nil {
		return nil, fmt.Errorf("creating completion stream: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if closed := sw.Send(fromOpenAIMessage(delta.Content, delta.ToolCalls), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func (m *OpenAIChatModel) request(input []*schema.Message, stream bool, opts []model.Option) openai.ChatCompletionRequest {
	common := model.GetCommonOptions(&model.Options{}, opts...)
	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Stream:   stream,
		Messages: make([]openai.ChatCompletionMessage, 0, len(input)),
	}
	if common.Model != nil && *common.Model != "" {
		req.Model = *common.Model
	}
	if common.Temperature != nil {
		req.Temperature = *common.Temperature
	}
	if common.TopP != nil {
		req.TopP = *common.TopP
	}
	if common.MaxTokens != nil {
		req.MaxTokens = *common.MaxTokens
	}
	if len(common.Stop) > 0 {
		req.Stop = common.Stop
	}
	for _, msg := range input {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return req
}

func fromOpenAIMessage(content string, calls []openai.ToolCall) *schema.Message {
	msg := schema.AssistantMessage(content, nil)
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			Index: tc.Index,
			ID:    tc.ID,
			Type:  string(tc.Type),
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}
