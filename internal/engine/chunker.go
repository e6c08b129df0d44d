package engine

import (
	"fmt"
	"time"

	"github.com/sandevgo/memoria/internal/core"
)

// Chunker cuts overlapping chunks out of a conversation buffer. Each cut
// takes the oldest ChunkSize messages and returns the trailing
// ChunkOverlap of them to the buffer front, so consecutive chunks share
// exactly ChunkOverlap messages and no message is skipped.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d must be positive", core.ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", core.ErrInvalidConfig, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Cut produces the next full chunk, or ok=false while the buffer holds
// fewer than ChunkSize messages.
func (c *Chunker) Cut(buf *buffer) (core.Chunk, bool) {
	if buf.Len() < c.size {
		return core.Chunk{}, false
	}
	msgs := buf.Drain(c.size)
	buf.Restore(msgs[c.size-c.overlap:])
	return c.build(msgs), true
}

// FlushCut forces a final, possibly undersized chunk from whatever the
// buffer still holds. Messages at or before lastEnd are already members
// of a previous chunk; a remainder consisting only of carried overlap is
// not re-emitted.
func (c *Chunker) FlushCut(buf *buffer, lastEnd int64) (core.Chunk, bool) {
	if buf.Len() == 0 {
		return core.Chunk{}, false
	}
	if buf.tail <= lastEnd {
		return core.Chunk{}, false
	}
	msgs := buf.Drain(buf.Len())
	return c.build(msgs), true
}

func (c *Chunker) build(msgs []core.Message) core.Chunk {
	seqs := make([]int64, len(msgs))
	for i, m := range msgs {
		seqs[i] = m.Seq
	}

	first, last := msgs[0], msgs[len(msgs)-1]
	return core.Chunk{
		ID:             core.ChunkID(first.ConversationID, first.Seq, last.Seq),
		ConversationID: first.ConversationID,
		MessageSeqs:    seqs,
		Text:           RenderMessages(msgs),
		StartSeq:       first.Seq,
		EndSeq:         last.Seq,
		FromTime:       first.Date,
		ToTime:         last.Date,
		CreatedAt:      time.Now().UTC(),
	}
}
