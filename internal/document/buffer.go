package document

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// #region buffer

// Buffer is an in-memory Document. It always holds at least one line.
type Buffer struct {
	mu     sync.RWMutex
	lines  []string
	cursor Position
}

// NewBuffer splits text on newlines and places the cursor at (1, 1).
func NewBuffer(text string) *Buffer {
	return &Buffer{
		lines:  strings.Split(text, "\n"),
		cursor: Position{Line: 1, Column: 1},
	}
}

// LineCount returns the number of lines, including a trailing empty line.
func (b *Buffer) LineCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Line returns line n, or "" when n is out of range.
func (b *Buffer) Line(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n < 1 || n > len(b.lines) {
		return ""
	}
	return b.lines[n-1]
}

// ReplaceRange replaces the text between start and end with text. Both
// positions are clamped, and a reversed range is swapped. Every call rebuilds
// the whole text, so typing a payload rune by rune costs its length times the
// document length; replays of long episodes pay that per turn.
func (b *Buffer) ReplaceRange(start, end Position, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.offset(start)
	to := b.offset(end)
	if from > to {
		from, to = to, from
	}
	full := []rune(strings.Join(b.lines, "\n"))
	next := string(full[:from]) + text + string(full[to:])
	b.lines = strings.Split(next, "\n")
	b.cursor = b.clamp(b.cursor)
}

// SetCursor moves the cursor, clamped to the buffer bounds.
func (b *Buffer) SetCursor(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = b.clamp(p)
}

// Cursor returns the current cursor.
func (b *Buffer) Cursor() Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursor
}

// String returns the full text.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.lines, "\n")
}

// #endregion buffer

// #region internal

func (b *Buffer) clamp(p Position) Position {
	if p.Line < 1 {
		p.Line = 1
	}
	if p.Line > len(b.lines) {
		p.Line = len(b.lines)
	}
	limit := utf8.RuneCountInString(b.lines[p.Line-1]) + 1
	if p.Column < 1 {
		p.Column = 1
	}
	if p.Column > limit {
		p.Column = limit
	}
	return p
}

func (b *Buffer) offset(p Position) int {
	p = b.clamp(p)
	off := 0
	for i := 0; i < p.Line-1; i++ {
		off += utf8.RuneCountInString(b.lines[i]) + 1
	}
	return off + p.Column - 1
}

// #endregion internal
