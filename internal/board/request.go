package board

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MatchKind selects how a pending request recognizes its response.
type MatchKind int

const (
	MatchLiteral MatchKind = iota
	MatchLength
	MatchPattern
)

// Match describes what the receive buffer must contain to resolve a request.
type Match struct {
	Kind    MatchKind
	Literal string
	Length  int
	Pattern *regexp.Regexp
}

func Literal(s string) Match { return Match{Kind: MatchLiteral, Literal: s} }
func Length(n int) Match { return Match{Kind: MatchLength, Length: n} }
func Pattern(re *regexp.Regexp) Match { return Match{Kind: MatchPattern, Pattern: re} }

func (m Match) String() string {
	switch m.Kind {
	case MatchLength:
		return fmt.Sprintf("length(%d)", m.Length)
	case MatchPattern:
		return fmt.Sprintf("pattern(%s)", m.Pattern)
	}
	return fmt.Sprintf("literal(%q)", m.Literal)
}

// WaitOptions tune a single request.
type WaitOptions struct {
	// Timeout rejects the request when no match arrives in time. Zero
	// disables the timer and leaves only the caller's context.
	Timeout time.Duration
	// Blocking suppresses live output while waiting; the text trailing the
	// matched token is handed to the output observer on resolution.
	Blocking bool
	// KeepBuffer skips the buffer reset normally done when a request is armed.
	KeepBuffer bool
}

// Response is what a resolved request delivers.
type Response struct {
	Text    string // the receive buffer at resolution time
	Raw     []byte
	Payload string // Text with raw-mode framing removed
}

type result struct {
	resp Response
	err  error
}

type pending struct {
	id       uint64
	op       string
	match    Match
	blocking bool
	timer    *time.Timer
	done     chan struct{}
	finished bool
	res      result
	fault    *fault
}

// Call is the completion handle of a submitted request.
type Call struct {
	b *Board
	p *pending
}

// Done is closed once the request resolved, failed or was superseded.
func (c *Call) Done() <-chan struct{} { return c.p.done }

// Wait blocks until the request completes or ctx ends. A cancelled context
// rejects the request and clears the receive buffer.
func (c *Call) Wait(ctx context.Context) (Response, error) {
	select {
	case <-c.p.done:
	case <-ctx.Done():
		c.b.abort(c.p.id, cancelledError(c.p.op, ctx.Err()))
		<-c.p.done
	}
	return c.p.res.resp, c.p.res.err
}

// rawPayload strips the raw REPL framing: the "OK" acknowledgement in front
// and everything from the first end-of-transmission marker on.
func rawPayload(text string) string {
	s := strings.TrimPrefix(text, "OK")
	if i := strings.IndexByte(s, ctrlD); i >= 0 {
		s = s[:i]
	}
	return s
}

// trailing returns the text after the last occurrence of the literal.
func trailing(text string, m Match) string {
	if m.Kind != MatchLiteral || m.Literal == "" {
		return ""
	}
	i := strings.LastIndex(text, m.Literal)
	if i < 0 {
		return ""
	}
	return text[i+len(m.Literal):]
}

// stripEcho removes the interactive echo of code from friendly-mode output,
// along with continuation markers and the trailing prompt.
func stripEcho(text, code string) string {
	text = strings.TrimPrefix(text, "OK")
	if i := strings.LastIndex(text, prompt); i >= 0 {
		text = text[:i]
	}
	echo := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	next := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "..." {
			continue
		}
		candidate := strings.TrimPrefix(strings.TrimPrefix(line, prompt+" "), "... ")
		for next < len(echo) && strings.TrimSpace(echo[next]) == "" {
			next++
		}
		if next < len(echo) && candidate == echo[next] {
			next++
			continue
		}
		out = append(out, line)
	}
	return strings.Trim(strings.Join(out, "\r\n"), "\r\n")
}
