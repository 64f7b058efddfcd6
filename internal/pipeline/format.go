package pipeline

import (
	"strings"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

const (
	thinkingOpen  = "<thinking>\n"
	thinkingClose = "\n</thinking>\n"
)

// ThinkingFormatter renders decoded segments as plain text, wrapping
// thinking content in a <thinking> block that closes before the first
// answer text.
type ThinkingFormatter struct {
	open   bool
	closed bool
}

func (f *ThinkingFormatter) Format(seg wire.Segment) string {
	var b strings.Builder
	if seg.Thinking != "" {
		if !f.open && !f.closed {
			b.WriteString(thinkingOpen)
			f.open = true
		}
		b.WriteString(seg.Thinking)
	}
	if seg.Text != "" {
		if f.open {
			b.WriteString(thinkingClose)
			f.open = false
			f.closed = true
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// Finish closes a thinking block that never received answer text.
func (f *ThinkingFormatter) Finish() string {
	if f.open {
		f.open = false
		f.closed = true
		return thinkingClose
	}
	return ""
}

// FormatSegment renders a complete reply.
func FormatSegment(seg wire.Segment) string {
	var f ThinkingFormatter
	return f.Format(seg) + f.Finish()
}
