package util

import (
	"os"
	"sync"

	"golang.org/x/term"
)

var rawMu sync.Mutex
var rawStates = map[int]*term.State{}

var globalMu sync.Mutex
var globalRestore func() error

// TUIActive should be set to true by the TUI when it owns the terminal.
// When true, helpers that would enable raw mode for the global stdin become no-ops
// so the TUI remains the single owner of terminal raw mode.
var TUIActive bool

// EnableRaw enables raw mode on fd and returns a restore function.
// Restore is safe to call multiple times.
func EnableRaw(fd int) (func() error, error) {
	rawMu.Lock()
	defer rawMu.Unlock()

	if !term.IsTerminal(fd) {
		return func() error { return nil }, nil
	}
	if _, ok := rawStates[fd]; ok {
		// already raw; return noop restore
		return func() error { return nil }, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	rawStates[fd] = state

	once := sync.Once{}
	restore := func() error {
		var rerr error
		once.Do(func() {
			rawMu.Lock()
			defer rawMu.Unlock()
			if st, ok := rawStates[fd]; ok {
				rerr = term.Restore(fd, st)
				delete(rawStates, fd)
			}
		})
		return rerr
	}
	return restore, nil
}

// EnableRawStdin puts stdin in raw mode and registers the restore as the
// global one, so a forced exit can hand the terminal back.
func EnableRawStdin() (func() error, error) {
	if TUIActive {
		return func() error { return nil }, nil
	}
	fd := int(os.Stdin.Fd())
	restore, err := EnableRaw(fd)
	if err != nil {
		return nil, err
	}
	raw := term.IsTerminal(fd)
	Default.SetRaw(raw)
	SetGlobalRestore(restore)
	return func() error {
		SetGlobalRestore(nil)
		Default.SetRaw(false)
		return restore()
	}, nil
}

// SetGlobalRestore sets the global restore function (overwrites previous).
func SetGlobalRestore(restore func() error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRestore = restore
}

// RestoreGlobal calls the stored global restore (if any) and clears it.
func RestoreGlobal() error {
	globalMu.Lock()
	r := globalRestore
	globalRestore = nil
	globalMu.Unlock()
	if r == nil {
		return nil
	}
	return r()
}
