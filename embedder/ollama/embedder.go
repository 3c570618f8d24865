package ollama

import (
	"context"

	"github.com/ollama/ollama/api"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/embedder"
)

type Model string

const (
	ModelMXBAI  Model = "mxbai-embed-large"
	ModelNomic  Model = "nomic-embed-text"
	ModelMiniLM Model = "all-minilm"
)

type ollamaEmbedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder builds an embedder backed by a local Ollama instance, using
// OLLAMA_HOST from the environment when set.
func NewEmbedder(model Model) (embedder.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, brain.NewEmbeddingError("ollama client setup failed", err)
	}
	return &ollamaEmbedder{client: cli, model: model}, nil
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, brain.NewEmbeddingError("failed to embed text", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, brain.NewEmbeddingError("ollama returned no embeddings", nil)
	}
	return resp.Embeddings[0], nil
}
