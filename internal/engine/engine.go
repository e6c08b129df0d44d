package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sandevgo/memoria/internal/config"
	"github.com/sandevgo/memoria/internal/core"
	"github.com/sandevgo/memoria/pkg/log"
	"github.com/sandevgo/memoria/pkg/retry"
)

// Engine is the context memory core: it buffers incoming turns per
// conversation, cuts overlapping chunks, embeds and stores them, and
// assembles a bounded context window for reply generation.
//
// Conversations are independent. Each one owns its buffer behind its own
// lock (single-writer discipline); no lock spans conversations. Embedding
// calls run outside the conversation lock so retrieval is never blocked
// by in-flight ingestion.
type Engine struct {
	cfg       *config.EngineConfig
	chunker   *Chunker
	embed     *embedClient
	store     core.MemoryRepository
	msgs      core.MessagesRepository
	retriever *Retriever
	assembler *Assembler

	insertRetrier *retry.Retrier

	mu    sync.Mutex
	convs map[int64]*conversation
}

// conversation is the per-conversation mutable state.
type conversation struct {
	mu      sync.Mutex
	buf     *buffer
	lastEnd int64 // end seq of the last committed-or-queued chunk
	pending []pendingChunk
}

// pendingChunk is a chunk whose embedding failed transiently; it waits
// for the requeue worker rather than being dropped.
type pendingChunk struct {
	chunk core.Chunk
}

func New(
	cfg *config.EngineConfig,
	provider core.EmbeddingProvider,
	store core.MemoryRepository,
	msgs core.MessagesRepository,
) (*Engine, error) {
	chunker, err := NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:           cfg,
		chunker:       chunker,
		embed:         newEmbedClient(provider, cfg.EmbeddingDim, cfg.EmbedTimeout, cfg.EmbedMaxRetries),
		store:         store,
		msgs:          msgs,
		retriever:     NewRetriever(store, cfg.RetrieveK, cfg.RetrieveCandidates, cfg.MinSimilarity),
		assembler:     NewAssembler(cfg.ContextBudgetTokens, cfg.RecentMessages),
		insertRetrier: retry.NewDefaultRetrier(),
		convs:         make(map[int64]*conversation),
	}, nil
}

// conversationState returns the state for a conversation, warming it
// from persisted history on first touch. The chunked frontier comes from
// the memory store, not the messages table: messages persisted before a
// restart that never made it into a chunk rehydrate into the buffer, so
// the next cut or flush still covers them.
func (e *Engine) conversationState(ctx context.Context, conversationID int64) (*conversation, error) {
	e.mu.Lock()
	conv, ok := e.convs[conversationID]
	if !ok {
		conv = &conversation{}
		e.convs[conversationID] = conv
	}
	e.mu.Unlock()

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.buf != nil {
		return conv, nil
	}

	lastEnd, err := e.store.LastEndSeq(ctx, conversationID)
	if err != nil {
		e.forget(conversationID)
		return nil, fmt.Errorf("seed chunked frontier: %w", err)
	}

	// Rehydrate from the overlap tail of the last committed chunk so the
	// next chunk shares the same overlap it would have had without the
	// restart.
	from := lastEnd - int64(e.chunker.overlap)
	if from < 0 {
		from = 0
	}
	pending, err := e.msgs.GetAfter(ctx, conversationID, from)
	if err != nil {
		e.forget(conversationID)
		return nil, fmt.Errorf("rehydrate buffer: %w", err)
	}

	buf := newBuffer(0)
	for _, msg := range pending {
		if err := buf.Append(msg); err != nil {
			// A hole in persisted history (a raw write that failed). The
			// messages before it cannot join a chunk with those after;
			// restart the buffer at the far side of the hole.
			log.FromCtx(ctx).Warn().Err(err).
				Int64("conversation", conversationID).
				Msg("gap in persisted history, buffer restarted after it")
			buf = newBuffer(0)
			_ = buf.Append(msg)
		}
	}
	if buf.tail == 0 {
		lastSeq, err := e.msgs.LastSeq(ctx, conversationID)
		if err != nil {
			e.forget(conversationID)
			return nil, fmt.Errorf("seed buffer tail: %w", err)
		}
		tail := lastSeq
		if lastEnd > tail {
			tail = lastEnd
		}
		buf.tail = tail
	}

	conv.buf = buf
	conv.lastEnd = lastEnd
	return conv, nil
}

func (e *Engine) forget(conversationID int64) {
	e.mu.Lock()
	delete(e.convs, conversationID)
	e.mu.Unlock()
}

// NextSeq returns the seq the transport must stamp on the next message
// of a conversation.
func (e *Engine) NextSeq(ctx context.Context, conversationID int64) (int64, error) {
	conv, err := e.conversationState(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.buf.tail + 1, nil
}

// Ingest appends one turn to its conversation and commits any chunks the
// buffer now yields. An embedding outage re-queues the chunk and surfaces
// ErrEmbeddingUnavailable as a degraded-ingestion warning; the buffer is
// never corrupted by a failed commit.
func (e *Engine) Ingest(ctx context.Context, msg core.Message) error {
	conv, err := e.conversationState(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	if err := conv.buf.Append(msg); err != nil {
		conv.mu.Unlock()
		return err
	}

	var chunks []core.Chunk
	for {
		chunk, ok := e.chunker.Cut(conv.buf)
		if !ok {
			break
		}
		conv.lastEnd = chunk.EndSeq
		chunks = append(chunks, chunk)
	}
	conv.mu.Unlock()

	// Raw persistence is best-effort: a failed write degrades the recency
	// segment, not ingestion.
	if err := e.msgs.AddMessage(ctx, msg); err != nil {
		log.FromCtx(ctx).Warn().Err(err).
			Int64("conversation", msg.ConversationID).
			Int64("seq", msg.Seq).
			Msg("failed to persist raw message")
	}

	return e.commitChunks(ctx, conv, chunks)
}

// IngestBatch appends a run of consecutive turns in one pass and commits
// the resulting chunks with a single batch embedding call. Used by the
// importer, where a replay produces many chunks at once.
func (e *Engine) IngestBatch(ctx context.Context, msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	conv, err := e.conversationState(ctx, msgs[0].ConversationID)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	var chunks []core.Chunk
	for _, msg := range msgs {
		if err := conv.buf.Append(msg); err != nil {
			conv.mu.Unlock()
			return err
		}
		for {
			chunk, ok := e.chunker.Cut(conv.buf)
			if !ok {
				break
			}
			conv.lastEnd = chunk.EndSeq
			chunks = append(chunks, chunk)
		}
	}
	conv.mu.Unlock()

	for _, msg := range msgs {
		if err := e.msgs.AddMessage(ctx, msg); err != nil {
			log.FromCtx(ctx).Warn().Err(err).
				Int64("conversation", msg.ConversationID).
				Int64("seq", msg.Seq).
				Msg("failed to persist raw message")
		}
	}

	return e.commitChunks(ctx, conv, chunks)
}

// Flush forces a final, possibly undersized chunk on conversation end or
// idle timeout so trailing messages are not silently dropped. A buffer
// rehydrated with a backlog yields its full chunks first.
func (e *Engine) Flush(ctx context.Context, conversationID int64) error {
	conv, err := e.conversationState(ctx, conversationID)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	var chunks []core.Chunk
	for {
		chunk, ok := e.chunker.Cut(conv.buf)
		if !ok {
			break
		}
		conv.lastEnd = chunk.EndSeq
		chunks = append(chunks, chunk)
	}
	if chunk, ok := e.chunker.FlushCut(conv.buf, conv.lastEnd); ok {
		conv.lastEnd = chunk.EndSeq
		chunks = append(chunks, chunk)
	}
	conv.mu.Unlock()

	return e.commitChunks(ctx, conv, chunks)
}

// Respond assembles the context window for a reply to msg. Retrieval
// failures degrade to a recency-only window; they never fail the reply.
func (e *Engine) Respond(ctx context.Context, msg core.Message) (core.ContextWindow, error) {
	logger := log.FromCtx(ctx)

	var hits []core.ScoredRecord
	vec, err := e.embed.Embed(ctx, msg.Text)
	switch {
	case errors.Is(err, context.Canceled):
		return core.ContextWindow{}, err
	case err != nil:
		logger.Warn().Err(err).
			Int64("conversation", msg.ConversationID).
			Msg("query embedding failed, replying without memory")
	default:
		hits, err = e.retriever.Retrieve(ctx, msg.ConversationID, vec)
		if err != nil {
			logger.Warn().Err(err).
				Int64("conversation", msg.ConversationID).
				Msg("retrieval failed, replying without memory")
			hits = nil
		}
	}

	recent, err := e.msgs.GetRecent(ctx, msg.ConversationID, e.cfg.RecentMessages)
	if err != nil {
		logger.Warn().Err(err).
			Int64("conversation", msg.ConversationID).
			Msg("failed to load recent messages")
	}

	return e.assembler.Assemble(msg.ConversationID, recent, hits), nil
}

// commitChunks embeds and stores chunks outside the conversation lock.
// Multiple chunks go through one batch embedding call.
func (e *Engine) commitChunks(ctx context.Context, conv *conversation, chunks []core.Chunk) error {
	switch len(chunks) {
	case 0:
		return nil
	case 1:
		return e.commitChunk(ctx, conv, chunks[0])
	}
	return e.commitChunkBatch(ctx, conv, chunks)
}

func (e *Engine) commitChunkBatch(ctx context.Context, conv *conversation, chunks []core.Chunk) error {
	logger := log.FromCtx(ctx)

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vecs, errs, err := e.embed.EmbedMany(ctx, texts)
	if err != nil {
		// The whole batch failed upstream; every chunk waits for the
		// requeue worker.
		for _, chunk := range chunks {
			e.requeue(conv, chunk)
		}
		logger.Warn().Err(err).
			Int("chunks", len(chunks)).
			Msg("batch embedding unavailable, chunks re-queued")
		return err
	}

	var firstErr error
	for i, chunk := range chunks {
		switch {
		case errs[i] != nil && errors.Is(errs[i], core.ErrDimensionMismatch):
			if firstErr == nil {
				firstErr = errs[i]
			}
		case errs[i] != nil:
			e.requeue(conv, chunk)
			logger.Warn().Err(errs[i]).
				Str("chunk", chunk.ID).
				Msg("embedding unavailable, chunk re-queued")
			if firstErr == nil {
				firstErr = errs[i]
			}
		default:
			rec := core.MemoryRecord{
				Chunk: chunk,
				Embedding: core.Embedding{
					Vector: vecs[i],
					Model:  e.embed.Model(),
				},
				CreatedAt: chunk.CreatedAt,
			}
			if err := e.insertRecord(ctx, rec); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) commitChunk(ctx context.Context, conv *conversation, chunk core.Chunk) error {
	logger := log.FromCtx(ctx)

	vec, err := e.embed.Embed(ctx, chunk.Text)
	switch {
	case errors.Is(err, core.ErrDimensionMismatch):
		// Data-integrity guard: reject, never store, never re-queue.
		return err
	case errors.Is(err, context.Canceled):
		// Teardown before completion: nothing was stored, so the next
		// warm-up rehydrates these messages from the messages table and
		// re-cuts the chunk.
		e.requeue(conv, chunk)
		return err
	case err != nil:
		e.requeue(conv, chunk)
		logger.Warn().Err(err).
			Str("chunk", chunk.ID).
			Msg("embedding unavailable, chunk re-queued")
		return err
	}

	rec := core.MemoryRecord{
		Chunk: chunk,
		Embedding: core.Embedding{
			Vector: vec,
			Model:  e.embed.Model(),
		},
		CreatedAt: chunk.CreatedAt,
	}
	return e.insertRecord(ctx, rec)
}

// insertRecord writes with bounded retries. A write retried after an
// ambiguous failure re-checks via the store's duplicate guard: a
// DuplicateChunk on a retry attempt means the first write landed.
func (e *Engine) insertRecord(ctx context.Context, rec core.MemoryRecord) error {
	attempt := 0
	return e.insertRetrier.Do(ctx, func() error {
		attempt++
		err := e.store.Insert(ctx, rec)
		if errors.Is(err, core.ErrDuplicateChunk) {
			if attempt > 1 {
				return nil
			}
			return retry.Permanent(err)
		}
		return err
	})
}

func (e *Engine) requeue(conv *conversation, chunk core.Chunk) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.pending = append(conv.pending, pendingChunk{chunk: chunk})
}

// RetryPending re-attempts every queued chunk once. Chunks that still
// fail transiently go back to their queue. Called by the requeue worker.
func (e *Engine) RetryPending(ctx context.Context) {
	e.mu.Lock()
	convs := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		convs = append(convs, c)
	}
	e.mu.Unlock()

	for _, conv := range convs {
		conv.mu.Lock()
		pending := conv.pending
		conv.pending = nil
		conv.mu.Unlock()

		for _, p := range pending {
			if err := e.commitChunk(ctx, conv, p.chunk); err != nil {
				if errors.Is(err, core.ErrDuplicateChunk) || errors.Is(err, core.ErrDimensionMismatch) {
					log.FromCtx(ctx).Warn().Err(err).
						Str("chunk", p.chunk.ID).
						Msg("dropping unrecoverable pending chunk")
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// PendingChunks reports how many chunks wait for embedding retry.
func (e *Engine) PendingChunks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.convs {
		c.mu.Lock()
		n += len(c.pending)
		c.mu.Unlock()
	}
	return n
}
