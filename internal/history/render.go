package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/casegate/internal/cases"
)

const separator = "\n\n---\n\n"

// Rendered is a history prepared for deep-analysis submission.
type Rendered struct {
	Text      string
	Truncated bool
	// Range is the sequence span actually included.
	Range cases.Range
	Chars int
}

// Render formats msgs for an analyzer, keeping the most recent contiguous
// span that fits within budget runes. Older messages are dropped first; a
// single newest message over budget keeps only its trailing runes.
func (b *Builder) Render(msgs []cases.Message, budget int) Rendered {
	if len(msgs) == 0 {
		return Rendered{Range: cases.Range{First: 1, Last: 0}}
	}

	blocks := make([]string, len(msgs))
	for i, m := range msgs {
		blocks[i] = b.block(m)
	}

	kept, truncated := Truncate(blocks, budget, cases.CountChars(separator))
	start := len(msgs) - len(kept)

	text := strings.Join(kept, separator)
	return Rendered{
		Text:      text,
		Truncated: truncated,
		Range:     cases.Range{First: msgs[start].Sequence, Last: msgs[len(msgs)-1].Sequence},
		Chars:     cases.CountChars(text),
	}
}

// Truncate keeps the longest suffix of parts whose joined length, counting
// sepLen between parts, fits within budget. If even the last part alone is
// too long, its trailing budget runes are kept. The bool reports whether
// anything was dropped or cut.
func Truncate(parts []string, budget, sepLen int) ([]string, bool) {
	if len(parts) == 0 {
		return nil, false
	}
	if budget < 1 {
		budget = 1
	}

	total := 0
	start := len(parts)
	for i := len(parts) - 1; i >= 0; i-- {
		n := cases.CountChars(parts[i])
		if start < len(parts) {
			n += sepLen
		}
		if total+n > budget {
			break
		}
		total += n
		start = i
	}

	if start == len(parts) {
		last := []rune(parts[len(parts)-1])
		return []string{string(last[len(last)-budget:])}, true
	}
	return parts[start:], start > 0
}

func (b *Builder) block(m cases.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d [%s] [%s]", m.Sequence, m.Owner, time.Unix(m.Timestamp, 0).UTC().Format("Jan 02, 2006"))
	if m.DelayNote != "" {
		sb.WriteString(" ")
		sb.WriteString(m.DelayNote)
	}
	sb.WriteString("\n")

	text := []rune(m.Text)
	if len(text) > b.messageChars {
		text = text[:b.messageChars]
	}
	sb.WriteString(string(text))
	return sb.String()
}
