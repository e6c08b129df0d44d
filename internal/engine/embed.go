package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandevgo/memoria/internal/core"
	"github.com/sandevgo/memoria/pkg/retry"
)

// embedClient wraps the embedding capability with the policies the engine
// requires: a mandatory per-call timeout, bounded exponential backoff, and
// strict dimension enforcement. A wrong-length vector is permanent and is
// never retried or stored; exhausted retries surface as
// ErrEmbeddingUnavailable so the caller can re-queue the chunk.
type embedClient struct {
	provider core.EmbeddingProvider
	dim      int
	timeout  time.Duration
	retrier  *retry.Retrier
}

func newEmbedClient(provider core.EmbeddingProvider, dim int, timeout time.Duration, maxRetries int) *embedClient {
	cfg := retry.NewDefaultConfig()
	cfg.MaxRetries = maxRetries
	return &embedClient{
		provider: provider,
		dim:      dim,
		timeout:  timeout,
		retrier:  retry.NewRetrier(cfg),
	}
}

func (e *embedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32

	err := e.retrier.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		v, err := e.provider.Embed(callCtx, text)
		if err != nil {
			return err
		}
		if len(v) != e.dim {
			return retry.Permanent(fmt.Errorf("%w: got %d, want %d",
				core.ErrDimensionMismatch, len(v), e.dim))
		}
		vec = v
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrDimensionMismatch) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// embedBatchGroup sizes the batch timeout: one base timeout is granted
// per group of this many inputs.
const embedBatchGroup = 8

// EmbedMany embeds texts preserving order. errs[i] is non-nil exactly for
// the inputs that failed; callers must not assume all-or-nothing.
func (e *embedClient) EmbedMany(ctx context.Context, texts []string) ([][]float32, []error, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout*time.Duration(len(texts)/embedBatchGroup+1))
	defer cancel()

	vecs, errs, err := e.provider.EmbedMany(callCtx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", core.ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(texts) || len(errs) != len(texts) {
		return nil, nil, fmt.Errorf("%w: provider returned %d results for %d inputs",
			core.ErrEmbeddingUnavailable, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if errs[i] != nil {
			continue
		}
		if len(v) != e.dim {
			vecs[i] = nil
			errs[i] = fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(v), e.dim)
		}
	}
	return vecs, errs, nil
}

func (e *embedClient) Model() string {
	return e.provider.Model()
}
