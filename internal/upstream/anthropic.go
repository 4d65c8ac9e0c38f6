package upstream

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096

	systemPrompt = "You are a careful medical information assistant. You help match reported symptoms " +
		"to entries of a reference disease catalog. You do not invent catalog entries and you remind users " +
		"that your output is not a medical diagnosis."
)

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

type AnthropicGenerator struct {
	messages  AnthropicMessager
	model     string
	maxTokens int64
}

func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicGenerator{messages: newAnthropicClient(apiKey), model: model, maxTokens: maxTokens}, nil
}

func (a *AnthropicGenerator) ModelName() string { return a.model }

// Generate sends every prompt part as its own text block of a single user
// turn, followed by the output-format instructions when hint is set.
func (a *AnthropicGenerator) Generate(ctx context.Context, parts []string, hint *FormatHint) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts)+1)
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		blocks = append(blocks, anthropic.NewTextBlock(p))
	}
	if instr := formatInstructions(hint); instr != "" {
		blocks = append(blocks, anthropic.NewTextBlock(instr))
	}
	if len(blocks) == 0 {
		return "", errors.New("empty prompt")
	}
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func formatInstructions(hint *FormatHint) string {
	if hint == nil || !hint.JSON {
		return ""
	}
	var b strings.Builder
	b.WriteString("Respond with only valid JSON. Do not add explanations or markdown formatting.")
	if s := strings.TrimSpace(hint.Schema); s != "" {
		b.WriteString("\nThe JSON must follow this structure:\n")
		b.WriteString(s)
	}
	return b.String()
}
