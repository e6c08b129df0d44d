package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sandevgo/memoria/internal/core"
)

// fixedDimProvider always returns vectors of its configured length.
type fixedDimProvider struct {
	dim   int
	err   error
	calls int
}

func (p *fixedDimProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return make([]float32, p.dim), nil
}

func (p *fixedDimProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, []error, error) {
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	for i := range texts {
		vecs[i], errs[i] = p.Embed(ctx, texts[i])
	}
	return vecs, errs, nil
}

func (p *fixedDimProvider) Model() string { return "fixed-dim" }

func TestEmbedClient_AcceptsConfiguredDimension(t *testing.T) {
	client := newEmbedClient(&fixedDimProvider{dim: 1536}, 1536, time.Second, 1)

	vec, err := client.Embed(context.Background(), "some chunk text")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 1536 {
		t.Errorf("expected 1536 components, got %d", len(vec))
	}
}

// A provider producing 1500-dim vectors against a 1536-dim configuration
// is a data-integrity failure: permanent, never retried.
func TestEmbedClient_RejectsWrongDimension(t *testing.T) {
	provider := &fixedDimProvider{dim: 1500}
	client := newEmbedClient(provider, 1536, time.Second, 3)

	_, err := client.Embed(context.Background(), "some chunk text")
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Error("dimension mismatch must not be reported as unavailability")
	}
	if provider.calls != 1 {
		t.Errorf("mismatch must not be retried, provider called %d times", provider.calls)
	}
}

func TestEmbedClient_WrapsExhaustionAsUnavailable(t *testing.T) {
	provider := &fixedDimProvider{dim: 1536, err: errors.New("connection refused")}
	client := newEmbedClient(provider, 1536, time.Second, 1)

	_, err := client.Embed(context.Background(), "some chunk text")
	if !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("expected initial attempt plus one retry, got %d calls", provider.calls)
	}
}

func TestEmbedClient_EmbedManyPerIndexDimCheck(t *testing.T) {
	// EmbedMany delegates to the provider batch call; a short vector in the
	// batch gets a per-index error while the rest survive.
	provider := &mixedDimProvider{}
	client := newEmbedClient(provider, 4, time.Second, 1)

	vecs, errs, err := client.EmbedMany(context.Background(), []string{"ok", "short"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0] == nil || errs[0] != nil {
		t.Errorf("input 0 should pass: %v %v", vecs[0], errs[0])
	}
	if vecs[1] != nil || !errors.Is(errs[1], core.ErrDimensionMismatch) {
		t.Errorf("input 1 should fail the dim check: %v %v", vecs[1], errs[1])
	}
}

type mixedDimProvider struct{}

func (p *mixedDimProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 4), nil
}

func (p *mixedDimProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, []error, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		if t == "short" {
			vecs[i] = make([]float32, 3)
			continue
		}
		vecs[i] = make([]float32, 4)
	}
	return vecs, make([]error, len(texts)), nil
}

func (p *mixedDimProvider) Model() string { return "mixed-dim" }
