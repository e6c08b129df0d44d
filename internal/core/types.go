package core

import (
	"fmt"
	"time"
)

const (
	MemoriaName    = "Memoria"
	MemoriaVersion = "0.1.0"
)

// Message is one conversational turn. Immutable once created; the buffer
// owns it until it is chunked, after that chunks only reference it.
type Message struct {
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Sender         string    `json:"sender"`
	Seq            int64     `json:"seq"`
	Date           time.Time `json:"date"`
	Text           string    `json:"text"`
	// MediaRef is an opaque handle owned by the media collaborator.
	MediaRef string `json:"media_ref,omitempty"`
}

// Chunk is a contiguous run of messages treated as one retrievable unit.
// Member messages are contiguous in seq order; adjacent chunks share the
// configured overlap. Created once by the chunker, never mutated after.
type Chunk struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	MessageSeqs    []int64   `json:"message_seqs"`
	Text           string    `json:"text"`
	StartSeq       int64     `json:"start_seq"`
	EndSeq         int64     `json:"end_seq"`
	FromTime       time.Time `json:"from_time"`
	ToTime         time.Time `json:"to_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChunkID derives the deterministic chunk id from its seq range, so
// re-ingesting the same range is caught by the store's duplicate guard.
func ChunkID(conversationID, startSeq, endSeq int64) string {
	return fmt.Sprintf("%d:%d-%d", conversationID, startSeq, endSeq)
}

// Overlaps reports whether two chunks of the same conversation share at
// least one member message. Members are contiguous, so a range check is
// exact.
func (c Chunk) Overlaps(other Chunk) bool {
	return c.ConversationID == other.ConversationID &&
		c.StartSeq <= other.EndSeq && other.StartSeq <= c.EndSeq
}

// Embedding is the fixed-length vector for one chunk plus the model that
// produced it.
type Embedding struct {
	Vector []float32 `json:"-"`
	Model  string    `json:"model"`
}

// MemoryRecord is the persisted unit of the memory store.
type MemoryRecord struct {
	Chunk     Chunk     `json:"chunk"`
	Embedding Embedding `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredRecord is one retrieval hit: a record plus its similarity to the
// query vector. Ephemeral, never persisted.
type ScoredRecord struct {
	Record MemoryRecord
	Score  float64
}

// Segment is one text block of an assembled context window.
type Segment struct {
	Kind   SegmentKind
	Text   string
	Tokens int
}

type SegmentKind string

const (
	SegmentRecent    SegmentKind = "recent"
	SegmentRetrieved SegmentKind = "retrieved"
)

// ContextWindow is the bounded, ordered set of segments handed to the
// reply generator. Recent messages always come first.
type ContextWindow struct {
	ConversationID int64
	Segments       []Segment
	TokenBudget    int
	UsedTokens     int
}

// Render joins the window segments into a single prompt block.
func (w ContextWindow) Render() string {
	out := ""
	for i, seg := range w.Segments {
		if i > 0 {
			out += "\n\n"
		}
		out += seg.Text
	}
	return out
}
