package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sandevgo/memoria/internal/core"
)

// MessagesRepo persists raw conversation turns. Insert is idempotent on
// (conversation, seq) so the importer can be re-run safely.
type MessagesRepo struct {
	db *sql.DB
}

func NewMessagesRepo(db *sql.DB) *MessagesRepo {
	return &MessagesRepo{db: db}
}

func (r *MessagesRepo) AddMessage(ctx context.Context, msg core.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(conversation_id, seq, sender_id, sender, date, text, media_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Seq, msg.SenderID, msg.Sender,
		msg.Date.UTC(), msg.Text, msg.MediaRef,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetRecent returns the last n turns of a conversation, oldest first.
func (r *MessagesRepo) GetRecent(ctx context.Context, conversationID int64, n int) ([]core.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, seq, sender_id, sender, date, text, media_ref
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var m core.Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SenderID, &m.Sender,
			&m.Date, &m.Text, &m.MediaRef); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query returned newest first; flip back to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetAfter returns every message with seq > afterSeq in seq order. Used
// to rehydrate the unchunked buffer tail on conversation warm-up.
func (r *MessagesRepo) GetAfter(ctx context.Context, conversationID, afterSeq int64) ([]core.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, seq, sender_id, sender, date, text, media_ref
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq`,
		conversationID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var m core.Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SenderID, &m.Sender,
			&m.Date, &m.Text, &m.MediaRef); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *MessagesRepo) LastSeq(ctx context.Context, conversationID int64) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq.Int64, nil
}
