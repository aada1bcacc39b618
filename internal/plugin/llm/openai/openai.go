package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chirino/truthstore/internal/config"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.Caller, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai llm: TRUTHSTORE_OPENAI_API_KEY is required")
	}
	return &Caller{
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.RetrievalModel,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		breaker: newBreaker("openai-llm"),
	}, nil
}

// Three consecutive failures open the circuit for 30s; retrieval and
// extraction fall back to their heuristic paths while it is open.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

type Caller struct {
	apiKey  string
	model   string
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func (c *Caller) Name() string {
	return "openai/" + c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
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
	model := req.Model
	if model == "" {
		model = c.model
	}
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai chat: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("openai chat: parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai chat error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai chat: status %s", resp.Status)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty choices")
	}
	return extractJSON(parsed.Choices[0].Message.Content)
}

// extractJSON trims markdown code fences that some models wrap around JSON
// output even in JSON mode.
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
