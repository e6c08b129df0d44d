package engine

import (
	"fmt"

	"github.com/sandevgo/memoria/internal/core"
)

// buffer holds the unchunked tail of one conversation in arrival order.
// It is owned by exactly one conversation and is never shared; the engine
// serializes all access through the conversation lock.
type buffer struct {
	// tail is the seq of the last appended message. Zero until the first
	// append; seeded from persisted history on conversation warm-up.
	tail int64
	msgs []core.Message
}

func newBuffer(tail int64) *buffer {
	return &buffer{tail: tail}
}

// Append inserts msg at the end. The transport is responsible for
// sequencing; the buffer only enforces the seq == tail+1 invariant.
// The first message of a brand-new conversation sets the starting seq.
func (b *buffer) Append(msg core.Message) error {
	if b.tail != 0 && msg.Seq != b.tail+1 {
		return fmt.Errorf("%w: seq %d after tail %d", core.ErrOutOfOrder, msg.Seq, b.tail)
	}
	b.msgs = append(b.msgs, msg)
	b.tail = msg.Seq
	return nil
}

func (b *buffer) Len() int {
	return len(b.msgs)
}

// Drain removes and returns the oldest n messages without changing order.
func (b *buffer) Drain(n int) []core.Message {
	if n > len(b.msgs) {
		n = len(b.msgs)
	}
	out := make([]core.Message, n)
	copy(out, b.msgs[:n])
	b.msgs = append(b.msgs[:0], b.msgs[n:]...)
	return out
}

// Restore pushes msgs back to the front of the buffer. Used by the
// chunker to keep overlap messages eligible for the next chunk.
func (b *buffer) Restore(msgs []core.Message) {
	if len(msgs) == 0 {
		return
	}
	b.msgs = append(append([]core.Message{}, msgs...), b.msgs...)
}
