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

	"github.com/cenkalti/backoff/v4"

	"github.com/chirino/truthstore/internal/config"
	registryembed "github.com/chirino/truthstore/internal/registry/embed"
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryembed.Embedder, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai embedder: TRUTHSTORE_OPENAI_API_KEY is required")
	}
	dim := cfg.OpenAIDimensions
	if dim <= 0 && strings.EqualFold(cfg.OpenAIModelName, "text-embedding-3-small") {
		dim = 1536
	}
	return &Embedder{
		apiKey:     cfg.OpenAIAPIKey,
		model:      cfg.OpenAIModelName,
		baseURL:    strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		dimensions: cfg.OpenAIDimensions,
		defaultDim: dim,
	}, nil
}

type Embedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	defaultDim int
}

func (e *Embedder) ModelName() string {
	return e.model
}

func (e *Embedder) Dimension() int {
	return e.defaultDim
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// EmbedTexts calls the OpenAI embeddings endpoint, retrying transient
// failures (network errors, 429, 5xx) with exponential backoff bounded by the
// caller's context.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: ptrIfPositive(e.dimensions),
	})
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(newRetryPolicy(), ctx)
	return backoff.RetryWithData(func() ([][]float32, error) {
		embeddings, err := e.embedOnce(ctx, reqBody, len(texts))
		if err != nil {
			if permanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return embeddings, nil
	}, policy)
}

func newRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("openai embed: status %d: %s", e.status, e.message)
}

func permanent(err error) bool {
	if apiErr, ok := err.(*apiError); ok {
		// 429 and 5xx are retryable; other statuses are caller errors.
		return apiErr.status != http.StatusTooManyRequests && apiErr.status < 500
	}
	return false
}

func (e *Embedder) embedOnce(ctx context.Context, reqBody []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai embed: read response: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openai embed: parse response: %w", err)
	}
	if result.Error != nil || resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if result.Error != nil {
			msg = result.Error.Message
		}
		return nil, &apiError{status: resp.StatusCode, message: msg}
	}
	if len(result.Data) != want {
		return nil, &apiError{status: resp.StatusCode, message: fmt.Sprintf("expected %d embeddings, got %d", want, len(result.Data))}
	}

	// The API may return results in any order; place by index.
	embeddings := make([][]float32, want)
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, &apiError{status: resp.StatusCode, message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

func ptrIfPositive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}
