package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/sandevgo/memoria/internal/core"
)

// Retriever turns a query vector into a deduplicated, policy-ranked set of
// memory records: top-candidates query, minimum-similarity filter, overlap
// dedup, cap at k. An empty result is a valid outcome, not an error.
type Retriever struct {
	store      core.MemoryRepository
	k          int
	candidates int
	minSim     float64
}

func NewRetriever(store core.MemoryRepository, k, candidates int, minSim float64) *Retriever {
	if candidates < k {
		candidates = k
	}
	return &Retriever{store: store, k: k, candidates: candidates, minSim: minSim}
}

func (r *Retriever) Retrieve(ctx context.Context, conversationID int64, vec []float32) ([]core.ScoredRecord, error) {
	hits, err := r.store.Query(ctx, conversationID, vec, r.candidates)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}

	// The store already orders by score with the deterministic tie-break;
	// re-sort defensively so dedup decisions never depend on store quirks.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Record.CreatedAt.Equal(hits[j].Record.CreatedAt) {
			return hits[i].Record.CreatedAt.Before(hits[j].Record.CreatedAt)
		}
		return hits[i].Record.Chunk.ID < hits[j].Record.Chunk.ID
	})

	var kept []core.ScoredRecord
	for _, hit := range hits {
		if hit.Score < r.minSim {
			continue
		}
		if overlapsAny(hit.Record.Chunk, kept) {
			continue
		}
		kept = append(kept, hit)
		if len(kept) == r.k {
			break
		}
	}
	return kept, nil
}

func overlapsAny(chunk core.Chunk, kept []core.ScoredRecord) bool {
	for _, k := range kept {
		if chunk.Overlaps(k.Record.Chunk) {
			return true
		}
	}
	return false
}
