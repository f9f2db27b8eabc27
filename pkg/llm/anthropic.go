package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/forgeworks/anvil/pkg/errors"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
)

// AnthropicGenerator implements Generator against the Anthropic
// Messages API.
type AnthropicGenerator struct {
	client      *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// AnthropicOption customizes an AnthropicGenerator.
type AnthropicOption func(*AnthropicGenerator)

// WithMaxTokens overrides the response token cap.
func WithMaxTokens(n int64) AnthropicOption {
	return func(g *AnthropicGenerator) { g.maxTokens = n }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) AnthropicOption {
	return func(g *AnthropicGenerator) { g.temperature = t }
}

// NewAnthropicGenerator creates a generator for the given model. An
// empty apiKey falls back to the ANTHROPIC_API_KEY environment
// variable.
func NewAnthropicGenerator(apiKey, model string, opts ...AnthropicOption) (*AnthropicGenerator, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "API key is required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "model name is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	g := &AnthropicGenerator{
		client:      &client,
		model:       anthropic.Model(model),
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// GenerateJSON sends the request to the Messages API and parses the
// reply as a JSON object.
func (g *AnthropicGenerator) GenerateJSON(ctx context.Context, req Request) (map[string]interface{}, error) {
	if err := errors.CheckContext(ctx, "generate"); err != nil {
		return nil, err
	}

	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       g.model,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt(req)}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.User))},
		MaxTokens:   g.maxTokens,
		Temperature: anthropic.Float(g.temperature),
	})
	if err != nil {
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.GenerationFailed, "Anthropic API error"),
				errors.Fields{"status": apiErr.StatusCode, "model": string(g.model)})
		}
		return nil, errors.Wrap(err, errors.GenerationFailed, "failed to call Anthropic API")
	}
	if len(message.Content) == 0 {
		return nil, errors.New(errors.InvalidResponse, "empty response from model")
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, errors.New(errors.InvalidResponse, "no text content in response")
	}
	return ParseJSONObject(text)
}

func systemPrompt(req Request) string {
	base := req.System + "\n\nRespond with a single JSON object and nothing else."
	if req.Context == "" {
		return base
	}
	return fmt.Sprintf("%s\n\nRelevant prior material:\n%s", base, req.Context)
}
