package propose

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// Message is one prior conversation entry, oldest first.
type Message struct {
	// Role is "user" or "assistant".
	Role string
	Text string
}

// Provider is the opaque text-completion backend.
type Provider interface {
	// Complete sends the conversation and returns the assistant text.
	Complete(ctx context.Context, system string, msgs []Message) (string, error)
}

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-5"

	defaultMaxOutputTokens = 8192
)

// NewProvider builds a provider from the target's llm settings and the
// credential from the environment.
func NewProvider(providerName string, model string, apiKey string) (Provider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("missing API key")
	}
	model = strings.TrimSpace(model)

	switch strings.TrimSpace(providerName) {
	case "", "anthropic":
		if model == "" {
			model = defaultAnthropicModel
		}
		return &anthropicProvider{
			client: anthropic.NewClient(aoption.WithAPIKey(apiKey)),
			model:  model,
		}, nil
	case "openai":
		if model == "" {
			model = defaultOpenAIModel
		}
		return &openaiProvider{
			client: openai.NewClient(ooption.WithAPIKey(apiKey)),
			model:  model,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", providerName)
	}
}

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func (p *anthropicProvider) Complete(ctx context.Context, system string, msgs []Message) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(msgs),
	}
	if system = strings.TrimSpace(system); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		block := anthropic.NewTextBlock(text)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

type openaiProvider struct {
	client openai.Client
	model  string
}

func (p *openaiProvider) Complete(ctx context.Context, system string, msgs []Message) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: buildOpenAIMessages(system, msgs),
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

func buildOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system = strings.TrimSpace(system); system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if m.Role == "assistant" {
			out = append(out, openai.AssistantMessage(text))
		} else {
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}
