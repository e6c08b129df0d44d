package core

import "context"

// EmbeddingProvider maps text to fixed-dimension vectors via an external
// model. Implementations must honor ctx cancellation; the engine adds
// timeouts and retries on top.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedMany preserves input order one-to-one. Partial failure is
	// reported per index: results[i] is nil exactly when errs[i] != nil.
	EmbedMany(ctx context.Context, texts []string) (results [][]float32, errs []error, err error)
	Model() string
}

// ReplyProvider generates the outgoing reply from an assembled context
// window. Out of core scope; consumed by the transport only.
type ReplyProvider interface {
	Generate(ctx context.Context, window ContextWindow, userText string) (string, error)
}
