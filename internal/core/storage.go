package core

import "context"

// MemoryRepository is the append-only, conversation-partitioned store of
// chunks and their embeddings. Insert is atomic from a querying caller's
// perspective; tombstoned records are excluded from queries but never
// physically removed.
type MemoryRepository interface {
	Insert(ctx context.Context, rec MemoryRecord) error
	// Query returns the k non-tombstoned records of the conversation with
	// highest cosine similarity to vec. Ties break on earlier creation
	// time, then chunk id, so repeated queries on an unchanged store
	// return identical ordering.
	Query(ctx context.Context, conversationID int64, vec []float32, k int) ([]ScoredRecord, error)
	Tombstone(ctx context.Context, chunkID string) error
	// LastEndSeq returns the highest end seq of any committed chunk of
	// the conversation, tombstoned included, 0 when none exist. Everything
	// after it is not yet chunked.
	LastEndSeq(ctx context.Context, conversationID int64) (int64, error)
}

// MessagesRepository persists raw conversation turns. It feeds the
// assembler's recency segment and survives restarts; the in-memory buffer
// stays the ordering authority for chunking.
type MessagesRepository interface {
	AddMessage(ctx context.Context, msg Message) error
	// GetRecent returns the last n messages of a conversation in
	// chronological order.
	GetRecent(ctx context.Context, conversationID int64, n int) ([]Message, error)
	// GetAfter returns every message of a conversation with seq greater
	// than afterSeq, in seq order.
	GetAfter(ctx context.Context, conversationID, afterSeq int64) ([]Message, error)
	// LastSeq returns the highest stored seq for a conversation, 0 when
	// the conversation is empty.
	LastSeq(ctx context.Context, conversationID int64) (int64, error)
}
