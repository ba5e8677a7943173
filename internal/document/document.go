package document

import (
	"strings"
	"unicode/utf8"
)

// #region position

// Position is a 1-indexed (line, column) location. Columns count runes, and
// column len(line)+1 is the end of the line.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// #endregion position

// #region document

// Document is the editing surface a simulation mutates. The host editor owns
// the text; the simulation only reads lines and issues mutation commands.
type Document interface {
	LineCount() int
	Line(n int) string
	ReplaceRange(start, end Position, text string)
	SetCursor(p Position)
	Cursor() Position
}

// #endregion document

// #region helpers

// Clamp pulls p inside the bounds of d.
func Clamp(d Document, p Position) Position {
	n := d.LineCount()
	if n < 1 {
		return Position{Line: 1, Column: 1}
	}
	if p.Line < 1 {
		p.Line = 1
	}
	if p.Line > n {
		p.Line = n
	}
	limit := utf8.RuneCountInString(d.Line(p.Line)) + 1
	if p.Column < 1 {
		p.Column = 1
	}
	if p.Column > limit {
		p.Column = limit
	}
	return p
}

// Offset converts p to a rune offset into the full text of d.
func Offset(d Document, p Position) int {
	p = Clamp(d, p)
	off := 0
	for i := 1; i < p.Line; i++ {
		off += utf8.RuneCountInString(d.Line(i)) + 1
	}
	return off + p.Column - 1
}

// PositionAt converts a rune offset back to a position, clamping to the
// document bounds.
func PositionAt(d Document, offset int) Position {
	if offset < 0 {
		offset = 0
	}
	n := d.LineCount()
	for i := 1; i <= n; i++ {
		l := utf8.RuneCountInString(d.Line(i))
		if offset <= l {
			return Position{Line: i, Column: offset + 1}
		}
		offset -= l + 1
	}
	return End(d)
}

// End returns the position just past the last character.
func End(d Document) Position {
	n := d.LineCount()
	if n < 1 {
		return Position{Line: 1, Column: 1}
	}
	return Position{Line: n, Column: utf8.RuneCountInString(d.Line(n)) + 1}
}

// Text joins all lines of d.
func Text(d Document) string {
	n := d.LineCount()
	lines := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		lines = append(lines, d.Line(i))
	}
	return strings.Join(lines, "\n")
}

// Length is the rune length of Text(d).
func Length(d Document) int {
	return Offset(d, End(d))
}

// Indentation returns the leading spaces and tabs of line.
func Indentation(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// #endregion helpers
