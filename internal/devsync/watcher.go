// Package devsync watches the sync folder and uploads changes to the device
// as they happen.
package devsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
	"go.uber.org/zap"

	"board-sync/internal/events"
	"board-sync/internal/logging"
	"board-sync/internal/syncdata"
	"board-sync/internal/util"
)

// DefaultDebounce is the quiet period after the last change before an upload.
const DefaultDebounce = 500 * time.Millisecond

// EventType is the kind of change seen on a path.
type EventType int

const (
	EventCreate EventType = iota
	EventWrite
	EventRemove
	EventRename
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	}
	return "write"
}

// FileEvent is one change waiting for the next upload.
type FileEvent struct {
	Path      string // slash-separated, relative to the watched folder
	EventType EventType
	IsDir     bool
	Timestamp time.Time
}

// Uploader is the part of the sync orchestrator the watcher drives.
type Uploader interface {
	Upload(ctx context.Context) error
	UploadFile(ctx context.Context, file string) error
	IsRunning() bool
}

// Filter decides which paths are worth an upload.
type Filter interface {
	Ignored(rel string, isDir bool) bool
}

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
	// Print receives user facing lines. Defaults to util.Default.Println.
	Print func(string)
}

// Watcher batches file changes under one folder and uploads them once the
// folder has been quiet for the debounce period. A single changed file is
// sent on its own, anything else triggers a project upload.
type Watcher struct {
	root   string
	filter Filter
	up     Uploader
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	pending map[string]FileEvent
	fire    chan struct{}
	timer   *time.Timer
}

// NewWatcher watches root, an absolute or working-directory relative folder.
func NewWatcher(root string, filter Filter, up Uploader, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("watcher")
	}
	if opts.Print == nil {
		opts.Print = func(s string) { util.Default.Println(s) }
	}
	return &Watcher{
		root:    abs,
		filter:  filter,
		up:      up,
		opts:    opts,
		log:     opts.Logger,
		pending: map[string]FileEvent{},
		fire:    make(chan struct{}, 1),
	}, nil
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	ch := make(chan notify.EventInfo, 100)
	if err := notify.Watch(filepath.Join(w.root, "..."), ch, notify.All); err != nil {
		return err
	}
	defer notify.Stop(ch)

	w.log.Info("watching", zap.String("root", w.root))
	w.opts.Print("Watching " + w.root + " for changes, press Ctrl+C to stop")
	events.GlobalBus.Publish(events.EventWatcherStarted, w.root)
	defer events.GlobalBus.Publish(events.EventWatcherStopped, w.root)

	return w.loop(ctx, ch)
}

func (w *Watcher) loop(ctx context.Context, ch <-chan notify.EventInfo) error {
	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case <-w.fire:
			w.flush(ctx)
		}
	}
}

// handleEvent records a change and restarts the quiet period.
func (w *Watcher) handleEvent(ev notify.EventInfo) {
	rel, err := filepath.Rel(w.root, ev.Path())
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return
	}
	rel = filepath.ToSlash(rel)

	if filepath.Base(rel) == ".sync_ignore" {
		if r, ok := w.filter.(interface{ Reload() }); ok {
			r.Reload()
			w.log.Info("ignore rules reloaded")
		}
	}

	info, statErr := os.Stat(ev.Path())
	isDir := statErr == nil && info.IsDir()
	if w.filter != nil && w.filter.Ignored(rel, isDir) {
		return
	}

	fe := FileEvent{Path: rel, EventType: mapNotifyEvent(ev.Event()), IsDir: isDir, Timestamp: time.Now()}
	w.log.Debug("change", zap.String("path", rel), zap.Stringer("event", fe.EventType))

	w.mu.Lock()
	w.pending[rel] = fe
	w.mu.Unlock()
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		select {
		case w.fire <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// flush uploads what accumulated. A sync started elsewhere postpones it.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = map[string]FileEvent{}
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if w.up.IsRunning() {
		w.requeue(batch)
		return
	}

	var err error
	if single, ok := singleFile(batch); ok {
		err = w.up.UploadFile(ctx, single)
	} else {
		err = w.up.Upload(ctx)
	}
	switch {
	case errors.Is(err, syncdata.ErrBusy):
		w.requeue(batch)
	case err != nil:
		w.log.Error("upload after change failed", zap.Error(err))
	}
}

func (w *Watcher) requeue(batch map[string]FileEvent) {
	w.mu.Lock()
	for k, v := range batch {
		if _, ok := w.pending[k]; !ok {
			w.pending[k] = v
		}
	}
	w.mu.Unlock()
	w.schedule()
}

// singleFile returns the path when the batch is one written or created file.
func singleFile(batch map[string]FileEvent) (string, bool) {
	if len(batch) != 1 {
		return "", false
	}
	for _, ev := range batch {
		if ev.IsDir || ev.EventType == EventRemove || ev.EventType == EventRename {
			return "", false
		}
		return ev.Path, true
	}
	return "", false
}

func mapNotifyEvent(event notify.Event) EventType {
	switch {
	case event&notify.Create != 0:
		return EventCreate
	case event&notify.Write != 0:
		return EventWrite
	case event&notify.Remove != 0:
		return EventRemove
	case event&notify.Rename != 0:
		return EventRename
	default:
		return EventWrite
	}
}
