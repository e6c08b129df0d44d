// Package importer ingests a Telegram desktop export (result.json) through
// the regular engine pipeline, so imported history is chunked, embedded and
// retrievable exactly like live conversation.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sandevgo/memoria/internal/core"
	"github.com/sandevgo/memoria/internal/engine"
	"github.com/sandevgo/memoria/pkg/log"
)

// Export mirrors the subset of the Telegram JSON export the importer
// needs.
type Export struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Messages []ExportMessage `json:"messages"`
}

type ExportMessage struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	DateUnixtime string          `json:"date_unixtime"`
	From         string          `json:"from"`
	FromID       string          `json:"from_id"`
	Text         json.RawMessage `json:"text"`
	MediaType    string          `json:"media_type"`
	Photo        string          `json:"photo"`
}

// textSegment is one element of a mixed-content text array.
type textSegment struct {
	Text string `json:"text"`
}

type Importer struct {
	engine *engine.Engine
}

func New(eng *engine.Engine) *Importer {
	return &Importer{engine: eng}
}

// ImportFile reads an export file and ingests every message turn.
// Returns the number of messages ingested.
func (i *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read export: %w", err)
	}

	var export Export
	if err := json.Unmarshal(data, &export); err != nil {
		return 0, fmt.Errorf("parse export: %w", err)
	}
	return i.Import(ctx, export)
}

// Import replays export messages through the engine in export-id order
// and ends with a Flush so the trailing remainder becomes a final chunk.
// The whole replay goes through IngestBatch, so its chunks are embedded
// in one batch call instead of one request per chunk.
func (i *Importer) Import(ctx context.Context, export Export) (int, error) {
	logger := log.FromCtx(ctx)

	msgs := make([]ExportMessage, 0, len(export.Messages))
	for _, m := range export.Messages {
		if m.Type != "message" {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(a, b int) bool { return msgs[a].ID < msgs[b].ID })

	seq, err := i.engine.NextSeq(ctx, export.ID)
	if err != nil {
		return 0, err
	}

	batch := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		text := flattenText(m.Text)
		mediaRef := m.MediaType
		if mediaRef == "" && m.Photo != "" {
			mediaRef = "photo"
		}
		if text == "" && mediaRef == "" {
			continue
		}

		batch = append(batch, core.Message{
			ConversationID: export.ID,
			SenderID:       extractID(m.FromID),
			Sender:         m.From,
			Seq:            seq,
			Date:           parseUnixtime(m.DateUnixtime),
			Text:           text,
			MediaRef:       mediaRef,
		})
		seq++
	}

	if err := i.engine.IngestBatch(ctx, batch); err != nil {
		// Degraded ingestion is logged and the import finishes; the
		// engine has already queued whatever it could not embed.
		logger.Warn().Err(err).
			Int64("conversation", export.ID).
			Msg("import ingest degraded")
	}
	ingested := len(batch)

	if err := i.engine.Flush(ctx, export.ID); err != nil {
		logger.Warn().Err(err).Int64("conversation", export.ID).Msg("import flush degraded")
	}

	logger.Info().
		Int64("conversation", export.ID).
		Str("chat", export.Name).
		Int("messages", ingested).
		Msg("telegram export imported")
	return ingested, nil
}

// flattenText joins a Telegram export text field, which is either a plain
// string or an array mixing strings and entity objects.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			sb.WriteString(s)
			continue
		}
		var seg textSegment
		if err := json.Unmarshal(p, &seg); err == nil {
			sb.WriteString(seg.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// extractID parses Telegram's "user123" / "channel456" sender ids.
func extractID(val string) int64 {
	val = strings.TrimSpace(val)
	val = strings.TrimPrefix(val, "user")
	val = strings.TrimPrefix(val, "channel")
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parseUnixtime(s string) time.Time {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
