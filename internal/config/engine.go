package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/memoria/pkg/log"
)

// EngineConfig is the tuning surface of the context memory engine.
// Defaults mirror a 10-message window with 2 messages of overlap.
type EngineConfig struct {
	ChunkSize    int `env:"CHUNK_SIZE" envDefault:"10"`
	ChunkOverlap int `env:"CHUNK_OVERLAP" envDefault:"2"`

	EmbeddingDim int `env:"EMBEDDING_DIM" envDefault:"1536"`

	RetrieveK          int     `env:"RETRIEVE_K" envDefault:"5"`
	RetrieveCandidates int     `env:"RETRIEVE_CANDIDATES" envDefault:"20"`
	MinSimilarity      float64 `env:"MIN_SIMILARITY" envDefault:"0.7"`

	ContextBudgetTokens int `env:"CONTEXT_BUDGET_TOKENS" envDefault:"2000"`
	RecentMessages      int `env:"RECENT_MESSAGES" envDefault:"6"`

	EmbedTimeout    time.Duration `env:"EMBED_TIMEOUT" envDefault:"30s"`
	EmbedMaxRetries int           `env:"EMBED_MAX_RETRIES" envDefault:"4"`

	RequeueInterval time.Duration `env:"REQUEUE_INTERVAL" envDefault:"15s"`
}

func NewEngineConfig(ctx context.Context) *EngineConfig {
	c := &EngineConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse Engine config")
	}
	return c
}
