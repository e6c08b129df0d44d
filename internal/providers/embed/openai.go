package embed

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sandevgo/memoria/internal/config"
)

// OpenAI implements the embedding capability over the OpenAI API. Retry,
// timeout and dimension policy live in the engine; this layer is a thin
// wire adapter.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(cfg *config.OpenAIConfig) *OpenAI {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(c),
		model:  cfg.EmbeddingModel,
	}
}

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// EmbedMany embeds a batch in one call, preserving input order. The API
// indexes its results, so a sparse response yields per-index errors
// instead of failing the whole batch.
func (e *OpenAI) EmbedMany(ctx context.Context, texts []string) ([][]float32, []error, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create embeddings: %w", err)
	}

	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			continue
		}
		vecs[d.Index] = d.Embedding
	}
	for i := range vecs {
		if vecs[i] == nil {
			errs[i] = fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vecs, errs, nil
}

func (e *OpenAI) Model() string {
	return e.model
}
