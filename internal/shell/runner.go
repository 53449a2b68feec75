package shell

import (
	"context"
	"strings"
)

// TrimCodeBlock de-indents a selection by the leading spaces of its first
// line. Lines that do not share that indentation are trimmed and tagged so
// the interpreter error points at them.
func TrimCodeBlock(code string) string {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return code
	}
	n := len(lines[0]) - len(strings.TrimLeft(lines[0], " "))
	if n == 0 {
		return strings.Join(lines, "\r\n")
	}
	prefix := strings.Repeat(" ", n)
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, prefix):
			lines[i] = line[n:]
		case strings.TrimSpace(line) == "":
			lines[i] = ""
		default:
			lines[i] = strings.TrimSpace(line) + " # <- IndentationError"
		}
	}
	return strings.Join(lines, "\r\n")
}

// Run executes a program on the device and streams its output. Selections
// should go through TrimCodeBlock first.
func (s *Shell) Run(ctx context.Context, code string) error {
	ctx, done := s.begin(ctx)
	defer done()
	return s.b.Run(ctx, code)
}

// StopProgram interrupts whatever runs without waiting for it and puts the
// board back at the friendly prompt.
func (s *Shell) StopProgram(ctx context.Context) error {
	if err := s.b.StopRunningProgramsNoFollow(); err != nil {
		return err
	}
	s.b.Flush()
	return s.b.EnterFriendlyRepl(ctx)
}
