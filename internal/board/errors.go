package board

import (
	"errors"
	"strings"
)

// Kind classifies failures crossing the board boundary.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindTimeout
	KindInterpreter
	KindResource
	KindHashMismatch
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindTimeout:
		return "protocol timeout"
	case KindInterpreter:
		return "interpreter error"
	case KindResource:
		return "resource exhaustion"
	case KindHashMismatch:
		return "hash mismatch"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown error"
}

// Error is the typed error every board-level failure is converted into.
type Error struct {
	Kind   Kind
	Op     string // what was being attempted, e.g. "enter raw repl"
	Msg    string // one-line summary, for interpreter errors the last traceback line
	Detail string // full device output for interpreter errors
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error. Packages above the board use it for the
// kinds they detect themselves, such as hash mismatches.
func NewError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// IsKind reports whether err carries a board error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// KindOf returns the kind of a board error, or 0.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

// ErrSuperseded fails a pending request when a newer one replaces it.
var ErrSuperseded = errors.New("request superseded by a newer one")

// marker maps a piece of device output to an error kind. rank orders kinds
// when several markers occur in the same output: the highest wins.
type marker struct {
	text string
	kind Kind
	rank int
}

var errorMarkers = []marker{
	{"Traceback (most recent call last)", KindInterpreter, 1},
	{"MemoryError", KindResource, 2},
	{"Not enough memory", KindResource, 2},
	{"[Errno 12] ENOMEM", KindResource, 2},
	{"[Errno 28] ENOSPC", KindResource, 2},
	{"ECONNREFUSED", KindTransport, 0},
	{"ECONNRESET", KindTransport, 0},
	{"EHOSTUNREACH", KindTransport, 0},
	{"EPIPE", KindTransport, 0},
}

// fault is a classified error seen in the receive buffer.
type fault struct {
	kind   Kind
	rank   int
	offset int // where in the text buffer the first marker starts
}

// classify scans text for error markers ending after from and returns the
// most severe one. Offsets are relative to the start of text.
func classify(text string, from int) (fault, bool) {
	var best fault
	found := false
	for _, m := range errorMarkers {
		start := from - len(m.text) + 1
		if start < 0 {
			start = 0
		}
		if start > len(text) {
			continue
		}
		idx := strings.Index(text[start:], m.text)
		if idx < 0 {
			continue
		}
		idx += start
		if !found {
			best = fault{kind: m.kind, rank: m.rank, offset: idx}
			found = true
			continue
		}
		if m.rank > best.rank {
			best.kind, best.rank = m.kind, m.rank
		}
		if idx < best.offset {
			best.offset = idx
		}
	}
	return best, found
}

// merge folds a newer observation into an existing fault.
func (f fault) merge(o fault) fault {
	out := f
	if o.rank > f.rank {
		out.kind = o.kind
		out.rank = o.rank
	}
	if o.offset < out.offset {
		out.offset = o.offset
	}
	return out
}

// faultError turns the device output starting at the fault into an Error.
func faultError(op string, f fault, text string) *Error {
	start := f.offset
	if start > len(text) || start < 0 {
		start = 0
	}
	detail := text[start:]
	if i := strings.IndexByte(detail, 0x04); i >= 0 {
		detail = detail[:i]
	}
	detail = strings.TrimRight(detail, "\r\n> ")
	return &Error{Kind: f.kind, Op: op, Msg: lastLine(detail), Detail: detail}
}

func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func timeoutError(op string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "no matching response before the deadline"}
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func cancelledError(op string, err error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}
