// Package shell runs filesystem and program commands on a board by
// generating interpreter source text and parsing what the device prints.
package shell

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"board-sync/internal/board"
	"board-sync/internal/logging"
)

const (
	DefaultChunkSize        = 512
	FastUploadMultiplier    = 3
	DefaultHashCheckMaxSize = 200 // kB
	DefaultAttempts         = 3
	DefaultRetryWait        = time.Second

	ensureDirTimeout = 30 * time.Second
	readTimeout      = 60 * time.Second
	listTimeout      = 10 * time.Second
	safeBootTimeout  = 4 * time.Second
	stopGrace        = time.Second
	resetDelay       = time.Second

	eof = "\x04"
)

// Options configure a Shell.
type Options struct {
	ChunkSize        int // bytes per transferred chunk
	HashCheckMaxSize int // files of this many kB or more skip the hash check
	Attempts         int
	RetryWait        time.Duration
	RootFolder       string // device folder mirrored by the project, "/" by default
	// RebootAfterUpload makes Exit reset the device instead of returning to
	// the friendly prompt.
	RebootAfterUpload bool
	Logger            *zap.Logger
}

func (o *Options) defaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.HashCheckMaxSize <= 0 {
		o.HashCheckMaxSize = DefaultHashCheckMaxSize
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.RetryWait <= 0 {
		o.RetryWait = DefaultRetryWait
	}
	if o.RootFolder == "" {
		o.RootFolder = "/"
	}
	if o.Logger == nil {
		o.Logger = logging.Named("shell")
	}
}

// Shell issues commands through a board. It expects to own the board for the
// duration of a session and keeps it in raw mode between commands.
type Shell struct {
	b    *board.Board
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	workDone chan struct{}
}

func New(b *board.Board, opts Options) *Shell {
	opts.defaults()
	return &Shell{b: b, opts: opts, log: opts.Logger}
}

func (s *Shell) Board() *board.Board { return s.b }

func (s *Shell) Options() Options { return s.opts }

// Initialise enters raw mode unless the board is already there.
func (s *Shell) Initialise(ctx context.Context) error {
	if s.b.Status() == board.RawRepl {
		return nil
	}
	s.log.Debug("entering raw mode")
	return s.b.EnterRawRepl(ctx)
}

// Eval runs code on the device and returns its output.
func (s *Shell) Eval(ctx context.Context, code string, timeout time.Duration) (string, error) {
	return s.b.Evaluate(ctx, code, timeout)
}

// begin marks the shell busy with a long command. StopWorking interrupts it
// through the returned context.
func (s *Shell) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.workDone = done
	s.mu.Unlock()
	return ctx, func() {
		cancel()
		s.mu.Lock()
		if s.workDone == done {
			s.cancel = nil
			s.workDone = nil
		}
		s.mu.Unlock()
		close(done)
	}
}

// Working reports whether a long command is in flight.
func (s *Shell) Working() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// StopWorking interrupts the command in flight and gives it a short grace
// period to unwind.
func (s *Shell) StopWorking() {
	s.mu.Lock()
	cancel, done := s.cancel, s.workDone
	s.mu.Unlock()
	if cancel == nil {
		s.log.Debug("not working, continuing")
		return
	}
	s.log.Info("exiting shell while still working, interrupting")
	cancel()
	select {
	case <-done:
		s.log.Info("interrupt done")
	case <-time.After(stopGrace):
		s.log.Info("interrupt timed out, continuing anyway")
	}
}

// EnsureDirectory creates every parent folder of fullPath that is missing.
func (s *Shell) EnsureDirectory(ctx context.Context, fullPath string) error {
	parts := strings.Split(strings.Trim(fullPath, "/"), "/")
	parts = parts[:len(parts)-1]
	if len(parts) == 0 {
		return nil
	}
	folders := make([]string, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		folders = append(folders, strings.Join(parts[:i], "/"))
	}
	_, err := s.b.Evaluate(ctx, ensureFolderScript(folders), ensureDirTimeout)
	return err
}

// FreeSpace returns the free bytes of the root filesystem.
func (s *Shell) FreeSpace(ctx context.Context) (int64, error) {
	out, err := s.b.Evaluate(ctx, freeSpaceScript(s.opts.RootFolder), 0)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected statvfs output %q: %w", out, err)
	}
	return n, nil
}

func (s *Shell) RemoveFile(ctx context.Context, name string) error {
	_, err := s.b.Evaluate(ctx, osCallScript("remove", name), 0)
	return err
}

func (s *Shell) CreateDir(ctx context.Context, name string) error {
	_, err := s.b.Evaluate(ctx, osCallScript("mkdir", name), 0)
	return err
}

func (s *Shell) ChangeDir(ctx context.Context, name string) error {
	_, err := s.b.Evaluate(ctx, osCallScript("chdir", name), 0)
	return err
}

func (s *Shell) RemoveDir(ctx context.Context, name string) error {
	_, err := s.b.Evaluate(ctx, osCallScript("rmdir", name), 0)
	return err
}

// Entry is one row of the JSON listing.
type Entry struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	Type     string `json:"Type"` // "file", "dir" or "OSError"
	Hash     string `json:"Hash,omitempty"`
	Fullname string `json:"Fullname"`
	OSError  int    `json:"OSError,omitempty"`
}

func (e Entry) IsDir() bool  { return e.Type == "dir" }
func (e Entry) IsFile() bool { return e.Type == "file" }

// List stats the entries below root on the device, optionally recursing and
// hashing every file.
func (s *Shell) List(ctx context.Context, root string, recursive, hash bool) ([]Entry, error) {
	timeout := listTimeout
	if hash {
		timeout = readTimeout
	}
	out, err := s.b.Evaluate(ctx, listJSONScript(root, recursive, hash), timeout)
	if err != nil {
		return nil, err
	}
	// hex keeps file names such as MemoryError.py away from the error scan
	data, err := hex.DecodeString(strings.TrimSpace(out))
	if err != nil {
		return nil, fmt.Errorf("unexpected listing output: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unexpected listing output: %w", err)
	}
	return entries, nil
}

// Reset hard-resets the device and reconnects once it had time to reboot.
func (s *Shell) Reset(ctx context.Context) error {
	s.log.Info("resetting device")
	if err := s.b.Send([]byte(resetScript)); err != nil {
		return err
	}
	if err := s.b.Send([]byte(eof)); err != nil {
		return err
	}
	select {
	case <-time.After(resetDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.b.Reconnect(ctx)
}

// SafeBootRestart safe boots the device and goes back to raw mode.
func (s *Shell) SafeBootRestart(ctx context.Context) error {
	if err := s.b.SafeBoot(ctx, safeBootTimeout); err != nil {
		return err
	}
	return s.b.EnterRawRepl(ctx)
}

// Exit ends a session: outstanding work is interrupted, then the device is
// either reset or returned to the friendly prompt. Network connections are
// closed afterwards.
func (s *Shell) Exit(ctx context.Context) error {
	s.StopWorking()
	s.log.Info("closing shell cleanly")

	if s.opts.RebootAfterUpload {
		s.log.Info("rebooting after upload")
		return s.Reset(ctx)
	}
	if err := s.b.EnterFriendlyRepl(ctx); err != nil {
		return err
	}
	if err := s.b.Send([]byte("\r\n")); err != nil {
		return err
	}
	s.log.Info("closed successfully")
	if !s.b.IsSerial() {
		return s.b.DisconnectSilent()
	}
	return nil
}
