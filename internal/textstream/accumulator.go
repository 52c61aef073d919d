// Package textstream merges incoming partial-text tokens into a running
// output string. Providers disagree on whether a token is an incremental
// delta or a full resend of everything so far; the accumulator decides per
// token and the observable output never shrinks without an explicit replace.
package textstream

import "strings"

type ActionKind int

const (
	// ActionIgnore drops a duplicate or stale token.
	ActionIgnore ActionKind = iota
	// ActionAppend extends the output by Delta.
	ActionAppend
	// ActionReplace substitutes the whole output with Text.
	ActionReplace
)

// Action is the merge decision for one ingested token.
type Action struct {
	Kind  ActionKind
	Delta string
	Text  string
}

// Accumulator holds the running output of one token stream. Not safe for
// concurrent use; the stream owner serializes Ingest calls.
type Accumulator struct {
	buf strings.Builder
}

func New() *Accumulator {
	return &Accumulator{}
}

// Ingest merges one token and reports how the observable output changed.
func (a *Accumulator) Ingest(token string) Action {
	if token == "" {
		return Action{Kind: ActionIgnore}
	}

	current := a.buf.String()
	switch {
	case current == "":
		a.buf.WriteString(token)
		return Action{Kind: ActionAppend, Delta: token}
	case token == current:
		return Action{Kind: ActionIgnore}
	case strings.HasPrefix(token, current):
		// Full resend that supersedes the buffer.
		a.buf.Reset()
		a.buf.WriteString(token)
		return Action{Kind: ActionReplace, Text: token}
	case strings.HasPrefix(current, token):
		// Stale shorter resend; output must not shrink implicitly.
		return Action{Kind: ActionIgnore}
	case looksLikeResend(current, token):
		// Full resend with punctuation or casing edits near the front,
		// so the raw prefix check above missed it.
		a.buf.Reset()
		a.buf.WriteString(token)
		return Action{Kind: ActionReplace, Text: token}
	default:
		a.buf.WriteString(token)
		return Action{Kind: ActionAppend, Delta: token}
	}
}

// looksLikeResend reports whether token reads as a revised resend of the
// whole buffer rather than a continuation: at least as long as the buffer
// and opening with the buffer's first word (ignoring trailing punctuation
// and case, which revisions commonly change).
func looksLikeResend(current, token string) bool {
	if len(token) < len(current) {
		return false
	}
	cw := strings.TrimRight(firstWord(current), wordPunct)
	tw := strings.TrimRight(firstWord(token), wordPunct)
	return cw != "" && strings.EqualFold(cw, tw)
}

const wordPunct = ",.!?;:"

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// Text returns the current merged output.
func (a *Accumulator) Text() string {
	return a.buf.String()
}

// Reset clears state between sessions.
func (a *Accumulator) Reset() {
	a.buf.Reset()
}
