package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI.
type OpenAIProvider struct {
	client openai.Client
}

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Chat makes an API call to OpenAI.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, *params)
	if err != nil {
		return nil, p.wrapError(req.Model, err)
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return p.convertChoice(response.Choices[0], response.Model, Usage{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
	})
}

// Stream makes a streaming API call to OpenAI.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, *params)

	out := make(chan Chunk)
	go func() {
		defer close(out)

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case out <- Chunk{Delta: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- Chunk{Err: p.wrapError(req.Model, err)}
			return
		}

		if len(acc.Choices) == 0 {
			out <- Chunk{Err: fmt.Errorf("no response choices returned")}
			return
		}

		final, err := p.convertChoice(acc.Choices[0], acc.Model, Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		})
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		out <- Chunk{Final: final}
	}()

	return out, nil
}

// buildParams converts a request to OpenAI chat completion parameters.
func (p *OpenAIProvider) buildParams(req Request) (*openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			// Tool results travel as dedicated tool-role messages; text
			// blocks collapse into a plain user message.
			text := ""
			for _, block := range msg.Content {
				switch block.Type {
				case BlockText:
					text += block.Text
				case BlockToolResult:
					messages = append(messages, openai.ToolMessage(block.Content, block.ToolUseID))
				}
			}
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}

		case RoleAssistant:
			uses := msg.ToolUses()
			if len(uses) == 0 {
				text := ""
				for _, block := range msg.Content {
					if block.Type == BlockText {
						text += block.Text
					}
				}
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}

			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, use := range uses {
				argsJSON, err := json.Marshal(use.Input)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool input: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   use.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      use.Name,
						Arguments: string(argsJSON),
					},
				})
			}

			text := ""
			for _, block := range msg.Content {
				if block.Type == BlockText {
					text += block.Text
				}
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())

		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	params := &openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

// convertChoice converts an OpenAI completion choice to the neutral form.
func (p *OpenAIProvider) convertChoice(choice openai.ChatCompletionChoice, model string, usage Usage) (*Response, error) {
	content := []ContentBlock{}

	if choice.Message.Content != "" {
		content = append(content, TextBlock(choice.Message.Content))
	}

	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		content = append(content, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}

	stopReason := StopEndTurn
	switch choice.FinishReason {
	case "tool_calls":
		stopReason = StopToolUse
	case "length":
		stopReason = StopMaxTokens
	}

	return &Response{
		Content:    content,
		StopReason: stopReason,
		Model:      model,
		Usage:      usage,
	}, nil
}

// wrapError attaches transient/permanent classification to an SDK error.
func (p *OpenAIProvider) wrapError(model string, err error) error {
	status := 0
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return wrapCallError(p.Name(), model, status, err)
}
