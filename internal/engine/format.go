package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandevgo/memoria/internal/core"
)

const messageTimeLayout = "02.01.2006 15:04"

// RenderMessage formats one turn for chunk text and recency segments:
// "02.01.2006 15:04 sender: text", with a media marker when the message
// carries an opaque media reference.
func RenderMessage(msg core.Message) string {
	sender := msg.Sender
	if sender == "" {
		sender = strconv.FormatInt(msg.SenderID, 10)
	}

	media := ""
	if msg.MediaRef != "" {
		media = " (media)"
	}

	return fmt.Sprintf("%s %s:%s %s",
		msg.Date.Format(messageTimeLayout), sender, media, strings.TrimSpace(msg.Text))
}

// RenderMessages joins turns line by line, oldest first.
func RenderMessages(msgs []core.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, RenderMessage(m))
	}
	return strings.Join(lines, "\n")
}
