package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sandevgo/memoria/internal/core"
)

// MemoryRepo is the append-only memory store. Records are partitioned by
// conversation; similarity is computed in Go over the stored vectors so
// the cosine metric and the tie-break ordering are exactly deterministic.
type MemoryRepo struct {
	db *sql.DB
}

func NewMemoryRepo(db *sql.DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

func (r *MemoryRepo) Insert(ctx context.Context, rec core.MemoryRecord) error {
	vecBlob, err := serializeVector(rec.Embedding.Vector)
	if err != nil {
		return err
	}

	seqsJSON, err := json.Marshal(rec.Chunk.MessageSeqs)
	if err != nil {
		return fmt.Errorf("failed to marshal message seqs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memory_records
			(chunk_id, conversation_id, chunk_text, start_seq, end_seq,
			 message_seqs, from_time, to_time, model, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Chunk.ID, rec.Chunk.ConversationID, rec.Chunk.Text,
		rec.Chunk.StartSeq, rec.Chunk.EndSeq, string(seqsJSON),
		rec.Chunk.FromTime.UTC(), rec.Chunk.ToTime.UTC(),
		rec.Embedding.Model, vecBlob, rec.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", core.ErrDuplicateChunk, rec.Chunk.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert memory record: %w", err)
	}
	return nil
}

// Query scans the conversation partition and ranks by cosine similarity.
// Ties break on earlier creation time, then chunk id, so an unchanged
// store always returns identical ordering.
func (r *MemoryRepo) Query(ctx context.Context, conversationID int64, vec []float32, k int) ([]core.ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_id, conversation_id, chunk_text, start_seq, end_seq,
		       message_seqs, from_time, to_time, model, embedding, created_at
		FROM memory_records
		WHERE conversation_id = ? AND tombstoned = 0`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}
	defer rows.Close()

	var scored []core.ScoredRecord
	for rows.Next() {
		rec, emb, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		scored = append(scored, core.ScoredRecord{
			Record: rec,
			Score:  cosineSimilarity(vec, emb),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Record.CreatedAt.Equal(scored[j].Record.CreatedAt) {
			return scored[i].Record.CreatedAt.Before(scored[j].Record.CreatedAt)
		}
		return scored[i].Record.Chunk.ID < scored[j].Record.Chunk.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Tombstone excludes a record from future queries without touching its
// data, so concurrent readers never observe a half-removed record.
func (r *MemoryRepo) Tombstone(ctx context.Context, chunkID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memory_records SET tombstoned = 1 WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return fmt.Errorf("failed to tombstone record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %s not found", chunkID)
	}
	return nil
}

// LastEndSeq returns the highest end seq any committed chunk of the
// conversation reaches. Tombstoned records count: their messages were
// chunked, removal does not un-chunk them.
func (r *MemoryRepo) LastEndSeq(ctx context.Context, conversationID int64) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(end_seq) FROM memory_records WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last chunked seq: %w", err)
	}
	return seq.Int64, nil
}

// Count reports live (non-tombstoned) records for a conversation.
func (r *MemoryRepo) Count(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE conversation_id = ? AND tombstoned = 0`,
		conversationID,
	).Scan(&n)
	return n, err
}

func scanRecord(rows *sql.Rows) (core.MemoryRecord, []float32, error) {
	var rec core.MemoryRecord
	var seqsJSON string
	var blob []byte

	if err := rows.Scan(
		&rec.Chunk.ID, &rec.Chunk.ConversationID, &rec.Chunk.Text,
		&rec.Chunk.StartSeq, &rec.Chunk.EndSeq, &seqsJSON,
		&rec.Chunk.FromTime, &rec.Chunk.ToTime,
		&rec.Embedding.Model, &blob, &rec.CreatedAt,
	); err != nil {
		return core.MemoryRecord{}, nil, fmt.Errorf("failed to scan memory record: %w", err)
	}

	if err := json.Unmarshal([]byte(seqsJSON), &rec.Chunk.MessageSeqs); err != nil {
		return core.MemoryRecord{}, nil, fmt.Errorf("failed to unmarshal message seqs: %w", err)
	}

	emb, err := deserializeVector(blob)
	if err != nil {
		return core.MemoryRecord{}, nil, err
	}
	rec.Embedding.Vector = emb
	rec.Chunk.CreatedAt = rec.CreatedAt
	return rec, emb, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
