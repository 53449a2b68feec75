package syncdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"board-sync/internal/board"
	"board-sync/internal/board/boardtest"
	"board-sync/internal/projectstatus"
	"board-sync/internal/shell"
	"board-sync/internal/transport"
)

type harness struct {
	sync *Sync
	fs   *boardtest.FS
	dev  *boardtest.Device
	dir  string

	mu    sync.Mutex
	lines []string
}

func (h *harness) progress(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
}

func (h *harness) output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.lines, "\n")
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessOn(t, transport.KindSerial, opts)
}

func newHarnessOn(t *testing.T, kind transport.Kind, opts Options) *harness {
	t.Helper()
	h := &harness{fs: boardtest.NewFS(), dir: t.TempDir()}
	h.dev = boardtest.New(h.fs.Exec)
	h.dev.TransportKind = kind
	b := board.New(h.dev, board.Options{Timeout: time.Second, PingInterval: time.Hour})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Disconnect() })
	sh := shell.New(b, shell.Options{ChunkSize: 64, RetryWait: time.Millisecond})

	opts.ProjectDir = h.dir
	if opts.Filter == nil {
		opts.Filter = NewRules(h.dir, nil, []string{"py", "txt"}, false)
	}
	opts.Progress = h.progress
	h.sync = New(sh, opts)
	return h
}

func (h *harness) write(t *testing.T, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(h.dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) deviceManifest(t *testing.T) *projectstatus.Manifest {
	t.Helper()
	data, ok := h.fs.Get(projectstatus.ManifestFile)
	if !ok {
		t.Fatalf("device has no %s", projectstatus.ManifestFile)
	}
	m, err := projectstatus.ParseManifest(data)
	if err != nil {
		t.Fatalf("parse device manifest: %v", err)
	}
	return m
}

func (h *harness) localManifest(t *testing.T) *projectstatus.Manifest {
	t.Helper()
	w := &projectstatus.Walker{Root: h.dir, Filter: h.sync.opts.Filter}
	m, err := w.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (h *harness) count(needle string) int {
	n := 0
	for _, c := range h.fs.Commands {
		if strings.Contains(c, needle) {
			n++
		}
	}
	return n
}

func TestUploadFreshDevice(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, map[string]string{
		"main.py":     "print('main')\n",
		"lib/util.py": "def f():\n    return 1\n",
		"README.md":   "not for the board",
		".env":        "SECRET=1",
	})

	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("upload: %v\n%s", err, h.output())
	}

	got, _ := h.fs.Get("main.py")
	assert.Equal(t, "print('main')\n", string(got))
	got, _ = h.fs.Get("lib/util.py")
	assert.Equal(t, "def f():\n    return 1\n", string(got))
	_, ok := h.fs.Get("README.md")
	assert.Equal(t, false, ok)
	assert.Equal(t, true, h.fs.HasDir("lib"))

	assert.Equal(t, true, h.deviceManifest(t).Equal(h.localManifest(t)))
	out := h.output()
	assert.Equal(t, true, strings.Contains(out, "Failed to read project status, uploading all files"))
	assert.Equal(t, true, strings.Contains(out, "Creating dir lib"))
	assert.Equal(t, true, strings.Contains(out, "[1/2] Writing file"))
	assert.Equal(t, true, strings.HasSuffix(out, "Upload done"))
	assert.Equal(t, false, h.sync.IsRunning())
	assert.Equal(t, board.FriendlyRepl, h.sync.sh.Board().Status())
}

func TestUploadIncremental(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.write(t, map[string]string{
		"main.py":     "v1",
		"boot.py":     "boot",
		"lib/util.py": "util",
	})
	if err := h.sync.Upload(ctx); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	h.write(t, map[string]string{"main.py": "v2"})
	if err := os.RemoveAll(filepath.Join(h.dir, "lib")); err != nil {
		t.Fatal(err)
	}
	before := h.count("'wb')")
	if err := h.sync.Upload(ctx); err != nil {
		t.Fatalf("second upload: %v\n%s", err, h.output())
	}

	got, _ := h.fs.Get("main.py")
	assert.Equal(t, "v2", string(got))
	_, ok := h.fs.Get("lib/util.py")
	assert.Equal(t, false, ok)
	assert.Equal(t, false, h.fs.HasDir("lib"))
	// main.py and the manifest
	assert.Equal(t, 2, h.count("'wb')")-before)

	out := h.output()
	fileAt := strings.Index(out, "Removing file lib/util.py")
	dirAt := strings.Index(out, "Removing dir lib")
	if fileAt < 0 || dirAt < fileAt {
		t.Fatalf("expected the file to be removed before its folder:\n%s", out)
	}
	assert.Equal(t, true, h.deviceManifest(t).Equal(h.localManifest(t)))

	before = h.count("'wb')")
	if err := h.sync.Upload(ctx); err != nil {
		t.Fatalf("third upload: %v", err)
	}
	assert.Equal(t, before, h.count("'wb')"))
	assert.Equal(t, true, strings.Contains(h.output(), "No files to upload"))
}

func TestUploadFlushesManifestPeriodically(t *testing.T) {
	h := newHarness(t, Options{})
	files := map[string]string{}
	for _, c := range "abcdefghijklmnopqrst" {
		files[string(c)+".py"] = "x = '" + string(c) + "'"
	}
	h.write(t, files)

	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// after items 8 and 16 and at the end
	assert.Equal(t, 3, h.count("project.pymakr', 'wb')"))
	assert.Equal(t, 20, h.deviceManifest(t).Len())
}

func TestUploadFailedWriteLeavesManifestAlone(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, map[string]string{"a.py": "a", "b.py": "b"})
	h.fs.FailCloses = 3
	h.fs.CloseError = "OSError: [Errno 5] EIO"

	err := h.sync.Upload(context.Background())
	if err == nil {
		t.Fatalf("expected the upload to fail")
	}
	_, ok := h.fs.Get("b.py")
	assert.Equal(t, false, ok)
	_, ok = h.fs.Get(projectstatus.ManifestFile)
	assert.Equal(t, false, ok)

	out := h.output()
	assert.Equal(t, true, strings.Contains(out, "Upload failed: "))
	assert.Equal(t, true, strings.Contains(out, "Please reboot your device manually."))
	assert.Equal(t, false, h.sync.IsRunning())
}

func TestUploadMissingSyncFolder(t *testing.T) {
	h := newHarness(t, Options{SyncFolder: "src"})
	err := h.sync.Upload(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unable to find folder 'src'") {
		t.Fatalf("unexpected error %v", err)
	}
	assert.Equal(t, 0, len(h.fs.Commands))
}

func TestUploadFromSyncFolder(t *testing.T) {
	h := newHarness(t, Options{SyncFolder: "/src/"})
	h.write(t, map[string]string{"src/main.py": "m", "tools/build.py": "b"})
	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	assert.Equal(t, []string{"main.py", "project.pymakr"}, h.fs.Files())
	assert.Equal(t, true, strings.Contains(h.output(), "Uploading project (/src/)..."))
}

func TestUploadSafeBoot(t *testing.T) {
	h := newHarness(t, Options{SafeBootOnUpload: true})
	h.write(t, map[string]string{"main.py": "m"})
	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if h.dev.SafeBoots() == 0 {
		t.Fatalf("expected a safe boot before the upload")
	}
	assert.Equal(t, true, strings.Contains(h.output(), "Safe booting device..."))
}

func TestUploadFile(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.Put(projectstatus.ManifestFile, []byte(`[["other.py","f","abc",3]]`))
	h.write(t, map[string]string{"lib/drv/sensor.py": "read()", "main.py": "not sent"})

	if err := h.sync.UploadFile(context.Background(), filepath.Join(h.dir, "lib", "drv", "sensor.py")); err != nil {
		t.Fatalf("upload file: %v\n%s", err, h.output())
	}
	got, _ := h.fs.Get("lib/drv/sensor.py")
	assert.Equal(t, "read()", string(got))
	_, ok := h.fs.Get("main.py")
	assert.Equal(t, false, ok)

	m := h.deviceManifest(t)
	_, ok = m.Get("other.py")
	assert.Equal(t, true, ok)
	rec, ok := m.Get("lib/drv/sensor.py")
	assert.Equal(t, true, ok)
	assert.Equal(t, projectstatus.HashBytes([]byte("read()")), rec.Hash)
	_, ok = m.Get("lib/drv")
	assert.Equal(t, true, ok)
	assert.Equal(t, true, strings.Contains(h.output(), "Uploading current file (sensor.py)..."))

	if err := h.sync.UploadFile(context.Background(), "../outside.py"); err == nil {
		t.Fatalf("a file outside the sync folder must be rejected")
	}
}

func TestStopDuringUpload(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, map[string]string{"a.py": "a", "b.py": "b", "c.py": "c", "d.py": "d", "e.py": "e"})

	stopErr := make(chan error, 1)
	h.sync.opts.Progress = func(line string) {
		h.progress(line)
		if strings.HasPrefix(line, "[2/5]") {
			go func() { stopErr <- h.sync.Stop(context.Background()) }()
			deadline := time.Now().Add(time.Second)
			for h.sync.IsRunning() && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			// let Stop reach its wait before the next write starts
			time.Sleep(20 * time.Millisecond)
		}
	}

	err := h.sync.Upload(context.Background())
	if !stopped(err) {
		t.Fatalf("expected a stopped error, got %v", err)
	}
	assert.Equal(t, nil, <-stopErr)

	for _, name := range []string{"c.py", "d.py", "e.py"} {
		if _, ok := h.fs.Get(name); ok {
			t.Fatalf("%s written after stop", name)
		}
	}
	// the manifest only lists what reached the device
	m := h.deviceManifest(t)
	if m.Len() == 0 {
		t.Fatalf("expected the finished items in the manifest")
	}
	for _, rec := range m.Records() {
		content, ok := h.fs.Get(rec.Path)
		if !ok || projectstatus.HashBytes(content) != rec.Hash {
			t.Fatalf("manifest lists %s which the device does not hold", rec.Path)
		}
	}
	assert.Equal(t, true, strings.HasSuffix(h.output(), "Upload cancelled"))
}

type recordingChooser struct {
	choice  string
	message string
	options []string
	delay   time.Duration
	hook    func()
}

func (c *recordingChooser) Choose(ctx context.Context, message string, options []string) (string, error) {
	c.message, c.options = message, options
	if c.hook != nil {
		c.hook()
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.choice, nil
}

func downloadHarness(t *testing.T, chooser Chooser, timeout time.Duration) *harness {
	h := newHarness(t, Options{Chooser: chooser, ChoiceTimeout: timeout})
	h.write(t, map[string]string{"main.py": "local"})
	h.fs.Put("main.py", []byte("remote"))
	h.fs.Put("new.py", []byte("new"))
	h.fs.Put("lib/x.py", []byte("x"))
	h.fs.Put("notes.md", []byte("ignored by type"))
	return h
}

func TestDownload(t *testing.T) {
	cases := []struct {
		choice   string
		wantMain string
		wantNew  bool
		desc     string
	}{
		{ChoiceYes, "remote", true, "overwrite everything"},
		{ChoiceNewOnly, "local", true, "only new files"},
		{ChoiceCancel, "local", false, "cancel"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			chooser := &recordingChooser{choice: tc.choice}
			h := downloadHarness(t, chooser, 0)
			if err := h.sync.Download(context.Background()); err != nil {
				t.Fatalf("download: %v\n%s", err, h.output())
			}

			assert.Equal(t, []string{ChoiceCancel, ChoiceYes, ChoiceNewOnly}, chooser.options)
			assert.Equal(t, true, strings.HasPrefix(chooser.message, "Found 2 new files and 1 existing file. Do you want to download"))

			got, _ := os.ReadFile(filepath.Join(h.dir, "main.py"))
			assert.Equal(t, tc.wantMain, string(got))
			_, err := os.Stat(filepath.Join(h.dir, "lib", "x.py"))
			assert.Equal(t, tc.wantNew, err == nil)
			_, err = os.Stat(filepath.Join(h.dir, "notes.md"))
			assert.Equal(t, true, os.IsNotExist(err))
			assert.Equal(t, true, strings.HasSuffix(h.output(), "Download done"))
		})
	}
}

func TestDownloadChoiceTimeout(t *testing.T) {
	chooser := &recordingChooser{choice: ChoiceYes, delay: time.Second}
	h := downloadHarness(t, chooser, 20*time.Millisecond)

	err := h.sync.Download(context.Background())
	if !errors.Is(err, ErrChoiceTimeout) {
		t.Fatalf("expected a choice timeout, got %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(h.dir, "main.py"))
	assert.Equal(t, "local", string(got))
	assert.Equal(t, true, strings.Contains(h.output(), "Download failed: Choice timeout (30 seconds) occurred."))
}

func TestDownloadNothingToDo(t *testing.T) {
	h := newHarness(t, Options{Chooser: &recordingChooser{choice: ChoiceYes}})
	h.fs.Put("notes.md", []byte("ignored"))
	if err := h.sync.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	assert.Equal(t, true, strings.Contains(h.output(), "No files found on the board to download"))
}

func TestSecondSyncIsRejectedWhileRunning(t *testing.T) {
	var busy error
	chooser := &recordingChooser{choice: ChoiceCancel}
	h := downloadHarness(t, chooser, 0)
	chooser.hook = func() { busy = h.sync.Upload(context.Background()) }

	if err := h.sync.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	assert.Equal(t, ErrBusy, busy)
}

func TestSyncDoneMessages(t *testing.T) {
	cases := []struct {
		method Method
		inRaw  bool
		reboot bool
		err    error
		want   string
	}{
		{MethodUpload, true, false, nil, "Upload done"},
		{MethodUpload, true, true, nil, "Upload done, resetting board..."},
		{MethodDownload, false, true, nil, "Download done"},
		{MethodUpload, true, false, errors.New("boom"), "Upload failed: boom. Please reboot your device manually."},
		{MethodUpload, false, false, errors.New("boom"), "Upload failed: boom"},
		{MethodUpload, true, false, ErrStopped, "Upload cancelled"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			var got string
			s := New(shell.New(nil, shell.Options{RebootAfterUpload: tc.reboot}), Options{Progress: func(l string) { got = l }})
			s.inRaw = tc.inRaw
			s.syncDone(tc.method, tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDownloadPrompt(t *testing.T) {
	msg, opts := downloadPrompt(0, 3, "blinky", "main folder")
	assert.Equal(t, "Found 3 existing files. Do you want to download these files into your project (blinky - main folder), overwriting existing files?", msg)
	assert.Equal(t, []string{ChoiceCancel, ChoiceYes}, opts)

	msg, opts = downloadPrompt(1, 0, "blinky", "src")
	assert.Equal(t, true, strings.HasPrefix(msg, "Found 1 new file. "))
	assert.Equal(t, 3, len(opts))
}

func TestDeviceLock(t *testing.T) {
	addr := "/dev/ttyTEST" + filepath.Base(t.TempDir())
	l, err := LockDevice(addr)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := LockDevice(addr); err == nil {
		t.Fatalf("second lock on the same device must fail")
	}
	assert.Equal(t, nil, l.Unlock())
	l2, err := LockDevice(addr)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	l2.Unlock()
	os.Remove(LockPath(addr))
}

func TestUploadTwiceOverNetworkLink(t *testing.T) {
	h := newHarnessOn(t, transport.KindSocket, Options{})
	h.write(t, map[string]string{"main.py": "v1"})

	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("first upload: %v\n%s", err, h.output())
	}
	// the exit sequence hands the network REPL back to other clients
	assert.Equal(t, false, h.dev.Connected())

	h.write(t, map[string]string{"main.py": "v2", "lib.py": "x = 1"})
	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("second upload: %v\n%s", err, h.output())
	}
	got, _ := h.fs.Get("main.py")
	assert.Equal(t, "v2", string(got))
	_, ok := h.fs.Get("lib.py")
	assert.Equal(t, true, ok)

	// a single saved file, as the watcher sends it
	h.write(t, map[string]string{"lib.py": "x = 2"})
	if err := h.sync.UploadFile(context.Background(), "lib.py"); err != nil {
		t.Fatalf("single file upload: %v\n%s", err, h.output())
	}
	got, _ = h.fs.Get("lib.py")
	assert.Equal(t, "x = 2", string(got))
}

func TestUploadFileKeepsManifestWhenReadHangs(t *testing.T) {
	h := newHarness(t, Options{})
	before := `[["other.py","f","abc",3]]`
	h.fs.Put(projectstatus.ManifestFile, []byte(before))
	h.write(t, map[string]string{"main.py": "print(1)"})
	h.dev.SetHang(func(code string) bool {
		return strings.Contains(code, projectstatus.ManifestFile) && strings.Contains(code, "'rb'")
	})

	err := h.sync.UploadFile(context.Background(), "main.py")
	if !board.IsKind(err, board.KindTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	h.dev.SetHang(nil)

	data, _ := h.fs.Get(projectstatus.ManifestFile)
	assert.Equal(t, before, string(data))
	_, ok := h.fs.Get("main.py")
	assert.Equal(t, false, ok)
}

func TestUploadSkipsUnreadableLocalFile(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.Put("broken.py", []byte("device copy"))
	h.fs.Put(projectstatus.ManifestFile, []byte(`[["broken.py","f","abc",11]]`))
	h.write(t, map[string]string{"a.py": "print(1)"})
	if err := os.Symlink(filepath.Join(h.dir, "gone.py"), filepath.Join(h.dir, "broken.py")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := h.sync.Upload(context.Background()); err != nil {
		t.Fatalf("upload: %v\n%s", err, h.output())
	}
	got, ok := h.fs.Get("a.py")
	assert.Equal(t, true, ok)
	assert.Equal(t, "print(1)", string(got))

	// the unreadable file is reported and left alone on the device
	if !strings.Contains(h.output(), "Failed to read local file broken.py, skipped") {
		t.Fatalf("skip not reported:\n%s", h.output())
	}
	got, ok = h.fs.Get("broken.py")
	assert.Equal(t, true, ok)
	assert.Equal(t, "device copy", string(got))
	rec, ok := h.deviceManifest(t).Get("broken.py")
	assert.Equal(t, true, ok)
	assert.Equal(t, "abc", rec.Hash)
}

func TestLocalFilesSkipsUnreadableFolder(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	for name, content := range map[string]string{"a.py": "1", "locked/b.py": "2"} {
		full := filepath.Join(dir, filepath.FromSlash(name))
		os.MkdirAll(filepath.Dir(full), 0755)
		os.WriteFile(full, []byte(content), 0644)
	}
	os.Chmod(filepath.Join(dir, "locked"), 0)
	t.Cleanup(func() { os.Chmod(filepath.Join(dir, "locked"), 0755) })

	var skipped []string
	files, err := localFiles(dir, func(rel string, err error) { skipped = append(skipped, rel) })
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]bool{"a.py": true}, files)
	assert.Equal(t, []string{"locked"}, skipped)

	_, err = localFiles(filepath.Join(dir, "nope"), func(string, error) {})
	assert.NotEqual(t, nil, err)
}
