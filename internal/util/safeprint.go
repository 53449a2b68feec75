package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// SafePrinter serializes terminal output from every goroutine. While an
// interactive screen owns the terminal, output is held back and replayed
// on Resume.
type SafePrinter struct {
	mu        sync.Mutex
	out       io.Writer
	suspended bool
	held      bytes.Buffer
	raw       bool
}

// Default is the shared SafePrinter used across the application to
// ensure all packages serialize their output to the terminal and avoid
// interleaving between goroutines.
var Default = NewSafePrinter(os.Stdout)

func NewSafePrinter(out io.Writer) *SafePrinter {
	return &SafePrinter{out: out}
}

func (s *SafePrinter) write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw {
		// a terminal in raw mode does not return the carriage by itself
		text = strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", "\r\n")
	}
	if s.suspended {
		s.held.WriteString(text)
		return
	}
	io.WriteString(s.out, text)
}

func (s *SafePrinter) Print(a ...interface{}) { s.write(fmt.Sprint(a...)) }

func (s *SafePrinter) Printf(format string, a ...interface{}) { s.write(fmt.Sprintf(format, a...)) }

func (s *SafePrinter) Println(a ...interface{}) { s.write(fmt.Sprintln(a...)) }

// Suspend holds back all subsequent prints until Resume is called.
func (s *SafePrinter) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

// Resume writes out what was held back and re-enables printing.
func (s *SafePrinter) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
	if s.held.Len() > 0 {
		s.out.Write(s.held.Bytes())
		s.held.Reset()
	}
}

// SetRaw tells the printer whether the terminal is in raw mode.
func (s *SafePrinter) SetRaw(raw bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
}
