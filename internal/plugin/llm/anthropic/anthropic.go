package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/chirino/truthstore/internal/config"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "anthropic",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.Caller, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("anthropic llm: TRUTHSTORE_ANTHROPIC_API_KEY is required")
	}
	return &Caller{
		client: anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:  anthropic.Model(cfg.AnthropicModel),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "anthropic-llm",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}, nil
}

type Caller struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
}

func (c *Caller) Name() string {
	return "anthropic/" + string(c.model)
}

func (c *Caller) CallJSON(ctx context.Context, req registryllm.JSONRequest) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callOnce(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Caller) callOnce(ctx context.Context, req registryllm.JSONRequest) (json.RawMessage, error) {
	model := c.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	user := req.User
	if req.JSONMode {
		// The messages API has no JSON mode; instruct instead.
		user += "\n\nRespond with JSON only, no prose."
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages request failed: %w", err)
	}
	if len(message.Content) == 0 {
		return nil, fmt.Errorf("anthropic: no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return nil, fmt.Errorf("anthropic: unexpected block type %q", content.Type)
	}
	return extractJSON(content.Text)
}

func extractJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("llm returned invalid JSON")
	}
	return json.RawMessage(content), nil
}
