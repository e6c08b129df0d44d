package engine

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sandevgo/memoria/internal/core"
)

var (
	tk     *tiktoken.Tiktoken
	tkOnce sync.Once
)

func getTokenizer() *tiktoken.Tiktoken {
	tkOnce.Do(func() {
		var err error
		tk, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			panic("failed to load tiktoken: " + err.Error())
		}
	})
	return tk
}

func countTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(getTokenizer().Encode(text, nil, nil))
}

// truncateTokens cuts text to at most n tokens.
func truncateTokens(text string, n int) string {
	enc := getTokenizer()
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= n {
		return text
	}
	return enc.Decode(tokens[:n])
}

// Assembler builds the bounded context window for one reply: first the
// most recent raw messages, then retrieved chunks by score descending,
// greedily under the token budget. Recency always wins over retrieval;
// under pressure retrieved chunks are sacrificed first and the newest
// message is kept even if it has to be truncated to fit.
type Assembler struct {
	budget  int
	recentN int
}

func NewAssembler(budgetTokens, recentN int) *Assembler {
	return &Assembler{budget: budgetTokens, recentN: recentN}
}

func (a *Assembler) Assemble(conversationID int64, recent []core.Message, hits []core.ScoredRecord) core.ContextWindow {
	window := core.ContextWindow{
		ConversationID: conversationID,
		TokenBudget:    a.budget,
	}

	if len(recent) > a.recentN {
		recent = recent[len(recent)-a.recentN:]
	}

	// Walk recency newest-first so the freshest turns survive a tight
	// budget, then restore chronological order.
	var recentSegs []core.Segment
	for i := len(recent) - 1; i >= 0; i-- {
		text := RenderMessage(recent[i])
		tokens := countTokens(text)
		if window.UsedTokens+tokens > a.budget {
			if len(recentSegs) > 0 {
				break
			}
			// Even the newest message alone busts the budget: keep a
			// truncated rendition rather than losing continuity.
			text = truncateTokens(text, a.budget)
			tokens = countTokens(text)
		}
		recentSegs = append(recentSegs, core.Segment{
			Kind:   core.SegmentRecent,
			Text:   text,
			Tokens: tokens,
		})
		window.UsedTokens += tokens
	}
	for i := len(recentSegs) - 1; i >= 0; i-- {
		window.Segments = append(window.Segments, recentSegs[i])
	}

	for _, hit := range hits {
		text := renderChunkSegment(hit.Record.Chunk)
		tokens := countTokens(text)
		if window.UsedTokens+tokens > a.budget {
			continue
		}
		window.Segments = append(window.Segments, core.Segment{
			Kind:   core.SegmentRetrieved,
			Text:   text,
			Tokens: tokens,
		})
		window.UsedTokens += tokens
	}

	return window
}

// renderChunkSegment prefixes chunk text with its provenance marker.
func renderChunkSegment(chunk core.Chunk) string {
	return fmt.Sprintf("[memory %s - %s]\n%s",
		chunk.FromTime.Format(messageTimeLayout),
		chunk.ToTime.Format(messageTimeLayout),
		chunk.Text)
}
