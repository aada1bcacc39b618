package disabled

import (
	"context"

	registryembed "github.com/chirino/truthstore/internal/registry/embed"
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registryembed.Embedder, error) {
			return &Embedder{}, nil
		},
	})
}

// Embedder produces no embeddings. Memories are stored with a NULL vector and
// search degrades to lexical matching.
type Embedder struct{}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (e *Embedder) ModelName() string { return "disabled" }

func (e *Embedder) Dimension() int { return 0 }
