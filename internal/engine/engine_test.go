package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sandevgo/memoria/internal/config"
	"github.com/sandevgo/memoria/internal/core"
)

// stubProvider returns a fixed-dimension vector unless told to fail.
type stubProvider struct {
	mu         sync.Mutex
	dim        int
	fail       error
	calls      int
	batchCalls int
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	return p.vector(text), nil
}

func (p *stubProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, []error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchCalls++
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	for i, t := range texts {
		if p.fail != nil {
			errs[i] = p.fail
			continue
		}
		vecs[i] = p.vector(t)
	}
	return vecs, errs, nil
}

func (p *stubProvider) vector(text string) []float32 {
	vec := make([]float32, p.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) + float32(i%3)
	}
	return vec
}

func (p *stubProvider) Model() string { return "stub-embed-001" }

func (p *stubProvider) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// memStore is an in-memory MemoryRepository honoring the duplicate guard
// and the deterministic ordering contract.
type memStore struct {
	mu   sync.Mutex
	recs []core.MemoryRecord
}

func (s *memStore) Insert(ctx context.Context, rec core.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.Chunk.ID == rec.Chunk.ID {
			return fmt.Errorf("%w: %s", core.ErrDuplicateChunk, rec.Chunk.ID)
		}
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memStore) Query(ctx context.Context, conversationID int64, vec []float32, k int) ([]core.ScoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ScoredRecord
	for _, r := range s.recs {
		if r.Chunk.ConversationID != conversationID {
			continue
		}
		out = append(out, core.ScoredRecord{Record: r, Score: 0.9})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Record.CreatedAt.Before(out[j].Record.CreatedAt)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) Tombstone(ctx context.Context, chunkID string) error { return nil }

func (s *memStore) LastEndSeq(ctx context.Context, conversationID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, r := range s.recs {
		if r.Chunk.ConversationID == conversationID && r.Chunk.EndSeq > last {
			last = r.Chunk.EndSeq
		}
	}
	return last, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *memStore) chunkIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.recs))
	for _, r := range s.recs {
		ids = append(ids, r.Chunk.ID)
	}
	sort.Strings(ids)
	return ids
}

// memMsgs is an in-memory MessagesRepository.
type memMsgs struct {
	mu   sync.Mutex
	msgs map[int64][]core.Message
}

func newMemMsgs() *memMsgs {
	return &memMsgs{msgs: make(map[int64][]core.Message)}
}

func (m *memMsgs) AddMessage(ctx context.Context, msg core.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[msg.ConversationID] = append(m.msgs[msg.ConversationID], msg)
	return nil
}

func (m *memMsgs) GetRecent(ctx context.Context, conversationID int64, n int) ([]core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.msgs[conversationID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]core.Message(nil), all...), nil
}

func (m *memMsgs) GetAfter(ctx context.Context, conversationID, afterSeq int64) ([]core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Message
	for _, msg := range m.msgs[conversationID] {
		if msg.Seq > afterSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMsgs) LastSeq(ctx context.Context, conversationID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.msgs[conversationID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Seq, nil
}

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		ChunkSize:           4,
		ChunkOverlap:        1,
		EmbeddingDim:        8,
		RetrieveK:           3,
		RetrieveCandidates:  10,
		MinSimilarity:       0.5,
		ContextBudgetTokens: 2000,
		RecentMessages:      4,
		EmbedTimeout:        time.Second,
		EmbedMaxRetries:     1,
		RequeueInterval:     time.Millisecond,
	}
}

func newTestEngine(t *testing.T, provider core.EmbeddingProvider, store core.MemoryRepository, msgs core.MessagesRepository) *Engine {
	t.Helper()
	eng, err := New(testEngineConfig(), provider, store, msgs)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func ingestRange(t *testing.T, eng *Engine, conv, from, to int64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		if err := eng.Ingest(context.Background(), testMsg(conv, seq)); err != nil {
			t.Fatalf("ingest seq %d: %v", seq, err)
		}
	}
}

func TestEngine_IngestAndFlushScenario(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(t, &stubProvider{dim: 8}, store, newMemMsgs())

	ingestRange(t, eng, 1, 1, 9)

	want := []string{"1:1-4", "1:4-7"}
	got := store.chunkIDs()
	if len(got) != len(want) {
		t.Fatalf("expected chunks %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected chunks %v, got %v", want, got)
		}
	}

	if err := eng.Flush(context.Background(), 1); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got = store.chunkIDs()
	if len(got) != 3 || got[2] != "1:7-9" {
		t.Fatalf("expected final chunk 1:7-9, got %v", got)
	}

	// A second flush has nothing left to emit.
	if err := eng.Flush(context.Background(), 1); err != nil {
		t.Fatalf("idempotent flush: %v", err)
	}
	if store.count() != 3 {
		t.Errorf("expected 3 records after re-flush, got %d", store.count())
	}
}

func TestEngine_OutOfOrderDoesNotCorruptBuffer(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(t, &stubProvider{dim: 8}, store, newMemMsgs())

	ingestRange(t, eng, 1, 1, 2)

	err := eng.Ingest(context.Background(), testMsg(1, 9))
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	// Subsequent in-order messages still chunk normally.
	ingestRange(t, eng, 1, 3, 4)
	if got := store.chunkIDs(); len(got) != 1 || got[0] != "1:1-4" {
		t.Fatalf("expected chunk 1:1-4, got %v", got)
	}
}

// A provider returning the wrong dimension must not store anything; the
// record is rejected, not re-queued.
func TestEngine_DimensionMismatchRejected(t *testing.T) {
	store := &memStore{}
	provider := &stubProvider{dim: 5} // engine expects 8
	eng := newTestEngine(t, provider, store, newMemMsgs())

	var lastErr error
	for seq := int64(1); seq <= 4; seq++ {
		lastErr = eng.Ingest(context.Background(), testMsg(1, seq))
	}
	if !errors.Is(lastErr, core.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", lastErr)
	}
	if store.count() != 0 {
		t.Errorf("expected zero records, got %d", store.count())
	}
	if eng.PendingChunks() != 0 {
		t.Errorf("dimension mismatch must not re-queue, pending %d", eng.PendingChunks())
	}
}

// An upstream outage re-queues the chunk; the requeue worker commits it
// once the provider recovers. No chunk is lost.
func TestEngine_UnavailableRequeuedThenRecovered(t *testing.T) {
	store := &memStore{}
	provider := &stubProvider{dim: 8}
	provider.setFail(errors.New("rate limited"))
	eng := newTestEngine(t, provider, store, newMemMsgs())

	var lastErr error
	for seq := int64(1); seq <= 4; seq++ {
		lastErr = eng.Ingest(context.Background(), testMsg(1, seq))
	}
	if !errors.Is(lastErr, core.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", lastErr)
	}
	if store.count() != 0 {
		t.Fatalf("expected no records during outage, got %d", store.count())
	}
	if eng.PendingChunks() != 1 {
		t.Fatalf("expected 1 pending chunk, got %d", eng.PendingChunks())
	}

	provider.setFail(nil)
	eng.RetryPending(context.Background())

	if eng.PendingChunks() != 0 {
		t.Errorf("expected empty queue after recovery, got %d", eng.PendingChunks())
	}
	if got := store.chunkIDs(); len(got) != 1 || got[0] != "1:1-4" {
		t.Errorf("expected recovered chunk 1:1-4, got %v", got)
	}
}

// A queued chunk whose record already landed (an ambiguous earlier write)
// is dropped by the retry pass, never double-stored.
func TestEngine_DuplicateChunkLeavesStoreUnchanged(t *testing.T) {
	store := &memStore{}
	provider := &stubProvider{dim: 8}
	provider.setFail(errors.New("rate limited"))
	eng := newTestEngine(t, provider, store, newMemMsgs())

	for seq := int64(1); seq <= 4; seq++ {
		_ = eng.Ingest(context.Background(), testMsg(1, seq))
	}
	if eng.PendingChunks() != 1 {
		t.Fatalf("expected 1 pending chunk, got %d", eng.PendingChunks())
	}

	// The write from before the outage actually landed.
	landed := core.MemoryRecord{Chunk: core.Chunk{
		ID:             "1:1-4",
		ConversationID: 1,
		StartSeq:       1,
		EndSeq:         4,
	}}
	if err := store.Insert(context.Background(), landed); err != nil {
		t.Fatal(err)
	}

	provider.setFail(nil)
	eng.RetryPending(context.Background())

	if eng.PendingChunks() != 0 {
		t.Errorf("duplicate chunk must leave the queue, pending %d", eng.PendingChunks())
	}
	if store.count() != 1 {
		t.Errorf("record count changed on duplicate: %d", store.count())
	}
}

// Messages persisted before a restart that never made it into a chunk
// must still be covered by the next flush.
func TestEngine_FlushAfterRestartCoversBacklog(t *testing.T) {
	store := &memStore{}
	msgs := newMemMsgs()

	eng := newTestEngine(t, &stubProvider{dim: 8}, store, msgs)
	ingestRange(t, eng, 1, 1, 6)
	if got := store.chunkIDs(); len(got) != 1 || got[0] != "1:1-4" {
		t.Fatalf("expected chunk 1:1-4 before restart, got %v", got)
	}

	// Fresh engine over the same persistence, as after a process restart.
	restarted := newTestEngine(t, &stubProvider{dim: 8}, store, msgs)
	if err := restarted.Flush(context.Background(), 1); err != nil {
		t.Fatalf("flush after restart: %v", err)
	}

	got := store.chunkIDs()
	if len(got) != 2 || got[1] != "1:4-6" {
		t.Fatalf("messages 5 and 6 lost across restart, store holds %v", got)
	}
}

// Ingestion after a restart rehydrates the overlap tail, so the next
// chunk is the same one an uninterrupted run would have cut.
func TestEngine_IngestAfterRestartKeepsOverlap(t *testing.T) {
	store := &memStore{}
	msgs := newMemMsgs()

	eng := newTestEngine(t, &stubProvider{dim: 8}, store, msgs)
	ingestRange(t, eng, 1, 1, 6)

	restarted := newTestEngine(t, &stubProvider{dim: 8}, store, msgs)
	if err := restarted.Ingest(context.Background(), testMsg(1, 7)); err != nil {
		t.Fatalf("ingest after restart: %v", err)
	}

	got := store.chunkIDs()
	if len(got) != 2 || got[1] != "1:4-7" {
		t.Fatalf("expected chunk 1:4-7 after restart, got %v", got)
	}
}

// A conversation that never produced a chunk rehydrates in full and gets
// cut into regular chunks on flush, not one oversized block.
func TestEngine_FlushAfterRestartCutsFullChunksFirst(t *testing.T) {
	store := &memStore{}
	msgs := newMemMsgs()
	for seq := int64(1); seq <= 6; seq++ {
		_ = msgs.AddMessage(context.Background(), testMsg(1, seq))
	}

	eng := newTestEngine(t, &stubProvider{dim: 8}, store, msgs)
	if err := eng.Flush(context.Background(), 1); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := []string{"1:1-4", "1:4-6"}
	got := store.chunkIDs()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected chunks %v, got %v", want, got)
	}
}

func TestEngine_IngestBatchUsesOneEmbeddingCall(t *testing.T) {
	store := &memStore{}
	provider := &stubProvider{dim: 8}
	eng := newTestEngine(t, provider, store, newMemMsgs())

	batch := make([]core.Message, 0, 9)
	for seq := int64(1); seq <= 9; seq++ {
		batch = append(batch, testMsg(1, seq))
	}
	if err := eng.IngestBatch(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	want := []string{"1:1-4", "1:4-7"}
	got := store.chunkIDs()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected chunks %v, got %v", want, got)
	}
	if provider.batchCalls != 1 {
		t.Errorf("expected 1 batch embedding call, got %d", provider.batchCalls)
	}
	if provider.calls != 0 {
		t.Errorf("expected no single embedding calls, got %d", provider.calls)
	}
}

func TestEngine_IngestBatchOutageRequeuesAll(t *testing.T) {
	store := &memStore{}
	provider := &stubProvider{dim: 8}
	provider.setFail(errors.New("rate limited"))
	eng := newTestEngine(t, provider, store, newMemMsgs())

	batch := make([]core.Message, 0, 9)
	for seq := int64(1); seq <= 9; seq++ {
		batch = append(batch, testMsg(1, seq))
	}
	if err := eng.IngestBatch(context.Background(), batch); err == nil {
		t.Fatal("expected degraded batch ingestion to report an error")
	}
	if store.count() != 0 {
		t.Fatalf("expected no records during outage, got %d", store.count())
	}
	if eng.PendingChunks() != 2 {
		t.Fatalf("expected 2 pending chunks, got %d", eng.PendingChunks())
	}

	provider.setFail(nil)
	eng.RetryPending(context.Background())
	if got := store.chunkIDs(); len(got) != 2 {
		t.Errorf("expected both chunks recovered, got %v", got)
	}
}

func TestEngine_IngestBatchRejectsWrongDimension(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(t, &stubProvider{dim: 5}, store, newMemMsgs()) // engine expects 8

	batch := make([]core.Message, 0, 9)
	for seq := int64(1); seq <= 9; seq++ {
		batch = append(batch, testMsg(1, seq))
	}
	err := eng.IngestBatch(context.Background(), batch)
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if store.count() != 0 {
		t.Errorf("expected zero records, got %d", store.count())
	}
	if eng.PendingChunks() != 0 {
		t.Errorf("dimension mismatch must not re-queue, pending %d", eng.PendingChunks())
	}
}

func TestEngine_RespondDegradesWithoutMemory(t *testing.T) {
	store := &memStore{}
	provider := &stubProvider{dim: 8}
	msgs := newMemMsgs()
	eng := newTestEngine(t, provider, store, msgs)

	ingestRange(t, eng, 1, 1, 3)

	// Outage on the query embedding path: recency-only window, no error.
	provider.setFail(errors.New("timeout"))
	window, err := eng.Respond(context.Background(), testMsg(1, 4))
	if err != nil {
		t.Fatalf("respond must degrade, got %v", err)
	}
	if len(window.Segments) == 0 {
		t.Fatal("expected a recency-only window during outage")
	}
	for _, seg := range window.Segments {
		if seg.Kind != core.SegmentRecent {
			t.Errorf("unexpected segment kind %s during outage", seg.Kind)
		}
	}
}

func TestEngine_RespondUsesMemory(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(t, &stubProvider{dim: 8}, store, newMemMsgs())

	ingestRange(t, eng, 1, 1, 9)

	window, err := eng.Respond(context.Background(), testMsg(1, 10))
	if err != nil {
		t.Fatal(err)
	}

	hasRetrieved := false
	for _, seg := range window.Segments {
		if seg.Kind == core.SegmentRetrieved {
			hasRetrieved = true
		}
	}
	if !hasRetrieved {
		t.Error("expected retrieved segments once chunks are stored")
	}
	if window.UsedTokens > window.TokenBudget {
		t.Errorf("window over budget: %d > %d", window.UsedTokens, window.TokenBudget)
	}
}

func TestEngine_ConversationsAreIndependent(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(t, &stubProvider{dim: 8}, store, newMemMsgs())

	var wg sync.WaitGroup
	for conv := int64(1); conv <= 4; conv++ {
		wg.Add(1)
		go func(conv int64) {
			defer wg.Done()
			for seq := int64(1); seq <= 9; seq++ {
				if err := eng.Ingest(context.Background(), testMsg(conv, seq)); err != nil {
					t.Errorf("conv %d seq %d: %v", conv, seq, err)
				}
			}
		}(conv)
	}
	wg.Wait()

	// Two full chunks per conversation.
	if store.count() != 8 {
		t.Errorf("expected 8 records across conversations, got %d", store.count())
	}
}

func TestEngine_NextSeqSeedsFromHistory(t *testing.T) {
	msgs := newMemMsgs()
	_ = msgs.AddMessage(context.Background(), testMsg(1, 41))

	eng := newTestEngine(t, &stubProvider{dim: 8}, &memStore{}, msgs)

	seq, err := eng.NextSeq(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 42 {
		t.Errorf("expected next seq 42, got %d", seq)
	}
}
