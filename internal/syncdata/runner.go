// Package syncdata keeps a local project folder and a board's filesystem in
// step: uploads driven by the device manifest, downloads confirmed by the
// user, single-file uploads and cooperative stopping.
package syncdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"board-sync/internal/board"
	"board-sync/internal/events"
	"board-sync/internal/logging"
	"board-sync/internal/projectstatus"
	"board-sync/internal/shell"
	"board-sync/internal/util"
)

// Method is the direction of a sync.
type Method int

const (
	MethodUpload Method = iota
	MethodDownload
)

func (m Method) name() string {
	if m == MethodDownload {
		return "Download"
	}
	return "Upload"
}

func (m Method) action() string {
	if m == MethodDownload {
		return "Downloading"
	}
	return "Uploading"
}

const (
	flushEvery      = 8
	stopGrace       = 500 * time.Millisecond
	safeBootTimeout = 4 * time.Second
	cleanupTimeout  = 30 * time.Second
)

// ErrStopped ends a sync that was stopped by the user.
var ErrStopped = errors.New("sync stopped by user")

// ErrBusy is returned when a sync is started while another one runs.
var ErrBusy = errors.New("a sync is already running")

// Options configure a Sync.
type Options struct {
	ProjectDir string // local project root
	SyncFolder string // sub folder of ProjectDir mirrored to the device root, may be empty

	SafeBootOnUpload bool
	Filter           projectstatus.Filter
	Cache            *projectstatus.HashCache
	Chooser          Chooser
	ChoiceTimeout    time.Duration
	// Progress receives user facing progress lines. It defaults to the
	// shared terminal printer.
	Progress func(line string)
	Logger   *zap.Logger
}

// Sync runs one upload or download at a time over a shell.
type Sync struct {
	sh   *shell.Shell
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	running bool
	inRaw   bool
	runDone chan struct{}
	status  *projectstatus.ProjectStatus
	count   int // items reported so far
	total   int // items expected in this batch
}

func New(sh *shell.Shell, opts Options) *Sync {
	if opts.ChoiceTimeout <= 0 {
		opts.ChoiceTimeout = DefaultChoiceTimeout
	}
	if opts.Progress == nil {
		opts.Progress = func(line string) { util.Default.Println(line) }
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("sync")
	}
	return &Sync{sh: sh, opts: opts, log: opts.Logger}
}

// IsRunning reports whether a sync is in progress and was not stopped.
func (s *Sync) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Upload sends every local change to the device.
func (s *Sync) Upload(ctx context.Context) error {
	return s.start(ctx, MethodUpload, "")
}

// Download copies device files into the project after asking the Chooser.
func (s *Sync) Download(ctx context.Context) error {
	return s.start(ctx, MethodDownload, "")
}

// Stop ends the running sync: the shell command in flight is interrupted and
// the sync flushes the manifest and runs its exit sequence before Stop
// returns.
func (s *Sync) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.runDone
	s.mu.Unlock()

	s.log.Info("stopping sync")
	s.sh.StopWorking()
	select {
	case <-done:
	case <-time.After(stopGrace):
		// the sync is blocked on a plain command, release it
		s.sh.Board().StopWaiting()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Sync) begin() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runDone != nil {
		return nil, false
	}
	s.running = true
	s.inRaw = false
	s.status = nil
	s.count, s.total = 0, 0
	s.runDone = make(chan struct{})
	return s.runDone, true
}

func (s *Sync) end(done chan struct{}) {
	s.mu.Lock()
	s.running = false
	s.runDone = nil
	s.mu.Unlock()
	close(done)
}

func (s *Sync) setTotal(n int) {
	s.mu.Lock()
	s.count, s.total = 0, n
	s.mu.Unlock()
}

func (s *Sync) setStatus(st *projectstatus.ProjectStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// checkRunning returns ErrStopped once Stop was called or ctx ended.
func (s *Sync) checkRunning(ctx context.Context) error {
	if !s.IsRunning() {
		s.log.Warn("sync cancelled")
		return ErrStopped
	}
	if ctx.Err() != nil {
		return ErrStopped
	}
	return nil
}

// stopped reports whether err means the user ended the sync.
func stopped(err error) bool {
	return errors.Is(err, ErrStopped) || board.IsKind(err, board.KindCancelled) || errors.Is(err, context.Canceled)
}

// fatal reports whether err leaves no point in continuing a batch.
func fatal(err error) bool {
	return stopped(err) || board.IsKind(err, board.KindTransport)
}

// unreadableStatus reports whether a failed manifest read must end the
// sync. Starting from an empty manifest after a timeout would overwrite
// the records the device still has.
func unreadableStatus(err error) bool {
	return fatal(err) || board.IsKind(err, board.KindTimeout)
}

func (s *Sync) progress(text string) {
	s.log.Debug(text)
	s.opts.Progress(text)
	events.GlobalBus.Publish(events.EventSyncProgress, text)
}

// progressItem prefixes text with the position of the item in the batch.
func (s *Sync) progressItem(text string) {
	s.mu.Lock()
	s.count++
	text = fmt.Sprintf("[%d/%d] %s", s.count, s.total, text)
	s.mu.Unlock()
	s.progress(text)
}

// syncFolder resolves the local folder mirrored to the device.
func (s *Sync) syncFolder() (string, error) {
	if s.opts.ProjectDir == "" {
		return "", errors.New("no project open")
	}
	dir := strings.Trim(filepath.ToSlash(s.opts.SyncFolder), "/")
	folder := filepath.Join(s.opts.ProjectDir, filepath.FromSlash(dir))
	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("unable to find folder '%s' in your project. Please add the correct folder in your settings", s.opts.SyncFolder)
	}
	return folder, nil
}

func (s *Sync) folderName() string {
	if strings.Trim(s.opts.SyncFolder, "/") == "" {
		return "main folder"
	}
	return s.opts.SyncFolder
}

func (s *Sync) devicePath(rel string) string {
	return path.Join(s.sh.Options().RootFolder, rel)
}

func (s *Sync) start(ctx context.Context, method Method, file string) (err error) {
	done, ok := s.begin()
	if !ok {
		return ErrBusy
	}
	defer s.end(done)

	opID := uuid.NewString()
	ctx = logging.WithOperationID(ctx, opID)
	log := s.log.With(zap.String("op_id", opID), zap.String("method", method.name()))
	log.Info("start sync")

	defer func() { s.syncDone(method, err) }()

	folder, err := s.syncFolder()
	if err != nil {
		return err
	}
	defer s.cleanup(ctx, log)

	if file != "" {
		s.progress(fmt.Sprintf("%s current file (%s)...", method.action(), filepath.Base(file)))
	} else {
		s.progress(fmt.Sprintf("%s project (%s)...", method.action(), s.folderName()))
	}

	// network links are closed by the previous exit sequence
	if b := s.sh.Board(); !b.IsConnected() {
		log.Info("reconnecting", zap.String("address", b.Address()))
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}

	if err := s.safeBoot(ctx); err != nil {
		if stopped(err) {
			return ErrStopped
		}
		log.Warn("safe boot failed", zap.Error(err))
		s.progress(fmt.Sprintf("Safe boot failed, %s anyway.", strings.ToLower(method.action())))
	}

	if err := s.sh.Initialise(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.inRaw = true
	s.mu.Unlock()

	direction := "to"
	if method == MethodDownload {
		direction = "from"
	}
	s.progress(fmt.Sprintf("%s %s %s ...", method.action(), direction, s.sh.Options().RootFolder))
	if err := s.checkRunning(ctx); err != nil {
		return err
	}

	switch {
	case method == MethodDownload:
		return s.receive(ctx, folder)
	case file != "":
		return s.sendFile(ctx, folder, file)
	default:
		return s.send(ctx, folder)
	}
}

// cleanup flushes whatever the device manifest learned and runs the exit
// sequence. It must work after the caller's context was cancelled.
func (s *Sync) cleanup(ctx context.Context, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st != nil && s.sh.Board().IsConnected() {
		if err := st.Write(ctx); err != nil {
			log.Error("failed to flush project status", zap.Error(err))
		}
	}
	s.exit(ctx, log)
}

func (s *Sync) syncDone(method Method, err error) {
	s.mu.Lock()
	inRaw := s.inRaw
	s.mu.Unlock()

	msg := method.name() + " done"
	switch {
	case err != nil && stopped(err):
		msg = method.name() + " cancelled"
	case err != nil:
		msg = method.name() + " failed"
		if text := err.Error(); text != "" {
			msg += ": " + text
		}
		if inRaw {
			msg += ". Please reboot your device manually."
		}
	case inRaw && s.sh.Options().RebootAfterUpload:
		msg += ", resetting board..."
	}
	if err != nil && !stopped(err) {
		s.log.Error("sync failed", zap.Error(err))
	} else {
		s.log.Info("sync done")
	}
	s.progress(msg)
	events.GlobalBus.Publish(events.EventSyncDone, method.name(), err)
}
