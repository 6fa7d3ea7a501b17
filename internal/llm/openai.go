package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"cortex/internal/config"
	"cortex/internal/observability"
)

// OpenAIClient implements Provider against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	sdk   sdk.Client
	model string
}

// NewOpenAIClient builds a provider from configuration. BaseURL may point at
// a self-hosted gateway; empty means the default API endpoint.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAIClient{sdk: sdk.NewClient(opts...), model: cfg.Model}
}

// Chat implements Provider.Chat using OpenAI Chat Completions.
func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Response, error) {
	log := observability.LoggerWithTrace(ctx)
	if model == "" {
		model = c.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(msgs),
	}
	// Include tools only when provided to avoid sending an empty array.
	if len(tools) > 0 {
		params.Tools = adaptSchemas(tools)
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", model).Int("tools", len(tools)).Dur("duration", dur).Msg("chat_completion_error")
		return Response{}, err
	}

	out := Response{
		Message: Message{Role: "assistant"},
		Usage: Usage{
			PromptTokens:     int(comp.Usage.PromptTokens),
			CompletionTokens: int(comp.Usage.CompletionTokens),
			TotalTokens:      int(comp.Usage.TotalTokens),
		},
	}
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out.Message.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			if fn, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
				out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
					ID:   fn.ID,
					Name: fn.Function.Name,
					Args: json.RawMessage(fn.Function.Arguments),
				})
			}
		}
	}

	log.Debug().
		Str("model", model).
		Int("messages", len(msgs)).
		Int("prompt_tokens", out.Usage.PromptTokens).
		Int("completion_tokens", out.Usage.CompletionTokens).
		Int("total_tokens", out.Usage.TotalTokens).
		Dur("duration", dur).
		Msg("chat_completion_ok")
	return out, nil
}

func adaptMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			asst.Content.OfString = sdk.String(m.Content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Arguments: string(tc.Args),
						Name:      tc.Name,
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		}
	}
	return out
}

func adaptSchemas(schemas []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		def := sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}
