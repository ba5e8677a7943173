package edit

// #region imports
import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

// #endregion imports

// #region types

// DefaultCommentMarker starts inline and block explanations.
const DefaultCommentMarker = "#"

// ErrTypingInProgress is returned when a typing request arrives while another
// one still holds the typing lock.
var ErrTypingInProgress = errors.New("edit: typing already in progress")

// ErrTypingLimit is returned when a limited apply stops at its rune limit.
var ErrTypingLimit = errors.New("edit: typing limit reached")

// Options configures an Applier. Zero values mean no typing delay, the
// default comment marker, a time-seeded generator and slog.Default().
type Options struct {
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
	CommentMarker  string
	Rand           *rand.Rand
	Sleep          func(ctx context.Context, d time.Duration) error
	Logger         *slog.Logger
}

// Result describes the mutation one Apply call made.
type Result struct {
	// Action is the path that actually ran, after any fallback.
	Action   policy.ActionKind
	Change   attribution.Change
	Fallback bool
}

// #endregion types

// #region applier

// Applier turns policy decisions into buffer mutations. All text is typed one
// rune at a time under a single typing lock.
type Applier struct {
	doc      document.Document
	typing   chan struct{}
	minDelay time.Duration
	maxDelay time.Duration
	marker   string
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger

	// limit caps the runes typed by the current call; negative is unlimited.
	// Guarded by the typing lock.
	limit int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewApplier binds an Applier to doc.
func NewApplier(doc document.Document, opts Options) *Applier {
	a := &Applier{
		doc:      doc,
		typing:   make(chan struct{}, 1),
		minDelay: opts.TypingDelayMin,
		maxDelay: opts.TypingDelayMax,
		marker:   opts.CommentMarker,
		sleep:    opts.Sleep,
		logger:   opts.Logger,
		limit:    -1,
		rng:      opts.Rand,
	}
	if a.minDelay < 0 {
		a.minDelay = 0
	}
	if a.maxDelay < a.minDelay {
		a.maxDelay = a.minDelay
	}
	if a.marker == "" {
		a.marker = DefaultCommentMarker
	}
	if a.sleep == nil {
		a.sleep = sleepContext
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "edit")
	if a.rng == nil {
		seed := uint64(time.Now().UnixNano())
		a.rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return a
}

// #endregion applier

// #region apply

// Apply executes resp against the document at the current cursor.
func (a *Applier) Apply(ctx context.Context, resp policy.TurnResponse) (Result, error) {
	return a.apply(ctx, resp, -1)
}

// ApplyLimited executes resp like Apply but stops after n runes with
// ErrTypingLimit, leaving the document as an interrupted Apply would.
func (a *Applier) ApplyLimited(ctx context.Context, resp policy.TurnResponse, n int) (Result, error) {
	return a.apply(ctx, resp, max(n, 0))
}

func (a *Applier) apply(ctx context.Context, resp policy.TurnResponse, limit int) (Result, error) {
	if resp.Action == policy.ActionNoOp {
		return Result{
			Action: policy.ActionNoOp,
			Change: attribution.Change{Start: a.cursorOffset()},
		}, nil
	}

	if !a.acquire() {
		return Result{}, ErrTypingInProgress
	}
	defer a.release()
	a.limit = limit

	switch resp.Action {
	case policy.ActionFillPartialLine:
		return a.fillPartialLine(ctx, resp.Payload)

	case policy.ActionReplaceAndAppendSingleLine, policy.ActionReplaceAndAppendMultiLine:
		return a.replaceLine(ctx, resp.Action, a.doc.Cursor().Line, resp.Payload)

	case policy.ActionEditExistingLines:
		if !a.inBounds(resp.TargetLine) {
			a.logger.Warn("edit target out of bounds, replacing at cursor",
				"target_line", resp.TargetLine, "line_count", a.doc.LineCount())
			res, err := a.replaceLine(ctx, replaceKind(resp.Payload), a.doc.Cursor().Line, resp.Payload)
			res.Fallback = true
			return res, err
		}
		res, err := a.replaceLine(ctx, policy.ActionEditExistingLines, resp.TargetLine, resp.Payload)
		if err != nil {
			return res, err
		}
		a.doc.SetCursor(document.End(a.doc))
		return res, nil

	case policy.ActionExplainSingleLine:
		return a.explainSingleLine(ctx, resp.Payload)

	case policy.ActionExplainMultiLine:
		if !a.inBounds(resp.TargetLine) {
			a.logger.Warn("explain target out of bounds, commenting at cursor",
				"target_line", resp.TargetLine, "line_count", a.doc.LineCount())
			res, err := a.explainSingleLine(ctx, resp.Payload)
			res.Fallback = true
			return res, err
		}
		res, err := a.explainMultiLine(ctx, resp.TargetLine, resp.Payload)
		if err != nil {
			return res, err
		}
		a.doc.SetCursor(document.End(a.doc))
		return res, nil

	default:
		a.logger.Warn("unrecognized action, typing raw payload", "action_index", resp.RawAction)
		start := a.cursorOffset()
		n, err := a.typeText(ctx, resp.Payload)
		return Result{
			Action:   policy.ActionUnrecognized,
			Change:   attribution.Change{Start: start, Inserted: n},
			Fallback: true,
		}, err
	}
}

// Type types text at the cursor. It refuses with ErrTypingInProgress while
// another typing operation holds the lock.
func (a *Applier) Type(ctx context.Context, text string) (attribution.Change, error) {
	return a.typeLimited(ctx, text, -1)
}

// TypeLimited types at most n runes of text, returning ErrTypingLimit when
// it stops short.
func (a *Applier) TypeLimited(ctx context.Context, text string, n int) (attribution.Change, error) {
	return a.typeLimited(ctx, text, max(n, 0))
}

func (a *Applier) typeLimited(ctx context.Context, text string, limit int) (attribution.Change, error) {
	if !a.acquire() {
		return attribution.Change{}, ErrTypingInProgress
	}
	defer a.release()
	a.limit = limit

	start := a.cursorOffset()
	n, err := a.typeText(ctx, text)
	return attribution.Change{Start: start, Inserted: n}, err
}

// #endregion apply

// #region actions

func (a *Applier) fillPartialLine(ctx context.Context, payload string) (Result, error) {
	start := a.cursorOffset()
	n, err := a.typeText(ctx, collapse(payload))
	return Result{
		Action: policy.ActionFillPartialLine,
		Change: attribution.Change{Start: start, Inserted: n},
	}, err
}

// replaceLine clears line after its indentation and types payload there.
func (a *Applier) replaceLine(ctx context.Context, kind policy.ActionKind, line int, payload string) (Result, error) {
	text := a.doc.Line(line)
	indent := document.Indentation(text)
	indentLen := utf8.RuneCountInString(indent)
	lineLen := utf8.RuneCountInString(text)

	start := document.Position{Line: line, Column: indentLen + 1}
	a.doc.ReplaceRange(start, document.Position{Line: line, Column: lineLen + 1}, "")
	a.doc.SetCursor(start)

	offset := document.Offset(a.doc, start)
	n, err := a.typeText(ctx, reindent(payload, indent))
	return Result{
		Action: kind,
		Change: attribution.Change{Start: offset, Removed: lineLen - indentLen, Inserted: n},
	}, err
}

func (a *Applier) explainSingleLine(ctx context.Context, payload string) (Result, error) {
	line := a.doc.Cursor().Line
	text := a.doc.Line(line)
	end := document.Position{Line: line, Column: utf8.RuneCountInString(text) + 1}
	a.doc.SetCursor(end)

	comment := a.marker
	if body := collapse(payload); body != "" {
		comment += " " + body
	}
	if strings.TrimSpace(text) != "" {
		comment = " " + comment
	}

	start := document.Offset(a.doc, end)
	n, err := a.typeText(ctx, comment)
	return Result{
		Action: policy.ActionExplainSingleLine,
		Change: attribution.Change{Start: start, Inserted: n},
	}, err
}

func (a *Applier) explainMultiLine(ctx context.Context, target int, payload string) (Result, error) {
	indent := document.Indentation(a.doc.Line(target))

	var b strings.Builder
	for _, l := range strings.Split(strings.TrimRight(normalize(payload), "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(a.marker)
		if l = strings.TrimSpace(l); l != "" {
			b.WriteString(" ")
			b.WriteString(l)
		}
		b.WriteString("\n")
	}

	start := document.Position{Line: target, Column: 1}
	a.doc.SetCursor(start)
	offset := document.Offset(a.doc, start)
	n, err := a.typeText(ctx, b.String())
	return Result{
		Action: policy.ActionExplainMultiLine,
		Change: attribution.Change{Start: offset, Inserted: n},
	}, err
}

// #endregion actions

// #region typing

// typeText inserts text at the cursor one rune at a time, waiting a random
// typing delay between runes. The caller holds the typing lock. It returns
// the number of runes typed before any error.
func (a *Applier) typeText(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if a.limit == 0 {
		return 0, ErrTypingLimit
	}
	typed := 0
	for _, r := range text {
		if typed > 0 {
			if a.limit > 0 && typed >= a.limit {
				return typed, ErrTypingLimit
			}
			if err := a.sleep(ctx, a.typingDelay()); err != nil {
				return typed, err
			}
		}
		cur := a.doc.Cursor()
		a.doc.ReplaceRange(cur, cur, string(r))
		next := document.Position{Line: cur.Line, Column: cur.Column + 1}
		if r == '\n' {
			next = document.Position{Line: cur.Line + 1, Column: 1}
		}
		a.doc.SetCursor(next)
		typed++
	}
	return typed, nil
}

func (a *Applier) typingDelay() time.Duration {
	if a.maxDelay <= a.minDelay {
		return a.minDelay
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.minDelay + time.Duration(a.rng.Int64N(int64(a.maxDelay-a.minDelay)+1))
}

func (a *Applier) acquire() bool {
	select {
	case a.typing <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a *Applier) release() {
	<-a.typing
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion typing

// #region text-helpers

func (a *Applier) cursorOffset() int {
	return document.Offset(a.doc, a.doc.Cursor())
}

func (a *Applier) inBounds(line int) bool {
	return line >= 1 && line <= a.doc.LineCount()
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// collapse folds newlines into spaces and trims the result.
func collapse(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(normalize(s), "\n", " "))
}

// reindent strips the first line's leading whitespace and moves the other
// lines from the first line's indentation onto indent.
func reindent(payload, indent string) string {
	lines := strings.Split(strings.TrimRight(normalize(payload), "\n"), "\n")
	lead := document.Indentation(lines[0])
	lines[0] = strings.TrimLeft(lines[0], " \t")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = indent + strings.TrimPrefix(lines[i], lead)
	}
	return strings.Join(lines, "\n")
}

func replaceKind(payload string) policy.ActionKind {
	if strings.Contains(strings.TrimRight(normalize(payload), "\n"), "\n") {
		return policy.ActionReplaceAndAppendMultiLine
	}
	return policy.ActionReplaceAndAppendSingleLine
}

// #endregion text-helpers
