package board

import "fmt"

// Status is the interpreter mode the device is believed to be in.
type Status int

const (
	Disconnected Status = iota
	Connected
	FriendlyRepl
	RawRepl
	RunningFile
	PasteMode
)

var statusNames = map[Status]string{
	Disconnected: "disconnected",
	Connected:    "connected",
	FriendlyRepl: "friendly-repl",
	RawRepl:      "raw-repl",
	RunningFile:  "running-file",
	PasteMode:    "paste-mode",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// transitions lists the states reachable from each state through a control
// sequence. Any state may drop to Disconnected.
var transitions = map[Status][]Status{
	Disconnected: {Connected},
	Connected:    {FriendlyRepl, RawRepl},
	FriendlyRepl: {RawRepl, PasteMode},
	RawRepl:      {FriendlyRepl, RunningFile},
	RunningFile:  {FriendlyRepl, RawRepl},
	PasteMode:    {FriendlyRepl},
}

// CanTransition reports whether the state machine may move from s to next.
// Staying in the same state is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next || next == Disconnected {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// rawContext reports whether responses in this state are framed by the raw
// REPL (OK ... \x04 ... \x04>) rather than the interactive prompt.
func (s Status) rawContext() bool {
	return s == RawRepl || s == RunningFile
}
