package engine

import (
	"testing"
	"time"

	"github.com/sandevgo/memoria/internal/core"
)

func TestRenderMessage(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 5, 12, 15, 4, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  core.Message
		want string
	}{
		{
			name: "plain text",
			msg:  core.Message{Sender: "alice", Date: date, Text: "hello there"},
			want: "12.05.2024 15:04 alice: hello there",
		},
		{
			name: "falls back to sender id",
			msg:  core.Message{SenderID: 123456, Date: date, Text: "hi"},
			want: "12.05.2024 15:04 123456: hi",
		},
		{
			name: "media marker",
			msg:  core.Message{Sender: "bob", Date: date, Text: "look", MediaRef: "photo:AQAD1"},
			want: "12.05.2024 15:04 bob: (media) look",
		},
		{
			name: "trims text",
			msg:  core.Message{Sender: "alice", Date: date, Text: "  spaced  "},
			want: "12.05.2024 15:04 alice: spaced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderMessage(tt.msg); got != tt.want {
				t.Errorf("RenderMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderMessages(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 5, 12, 15, 0, 0, 0, time.UTC)
	msgs := []core.Message{
		{Sender: "alice", Date: date, Text: "one"},
		{Sender: "bob", Date: date.Add(time.Minute), Text: "two"},
	}

	want := "12.05.2024 15:00 alice: one\n12.05.2024 15:01 bob: two"
	if got := RenderMessages(msgs); got != want {
		t.Errorf("RenderMessages = %q, want %q", got, want)
	}

	if got := RenderMessages(nil); got != "" {
		t.Errorf("expected empty render for no messages, got %q", got)
	}
}
