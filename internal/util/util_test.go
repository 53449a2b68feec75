package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "src", "lib", "drivers")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "board-sync.yaml"), []byte("project_name: x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(deep, "board-sync.yaml")
	assert.Equal(t, nil, err)
	want, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)

	got, err = FindProjectRoot(root, "board-sync.yaml")
	assert.Equal(t, nil, err)
	assert.Equal(t, root, got)
}

func TestFindProjectRootIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "marker.yaml"), 0755); err != nil {
		t.Fatal(err)
	}
	_, err := FindProjectRoot(root, "marker.yaml")
	assert.Equal(t, ErrNoProject, err)
}

func TestProjectRootFromWorkingDir(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "lib")
	os.MkdirAll(sub, 0755)
	os.WriteFile(filepath.Join(root, "board-sync.yaml"), nil, 0644)
	t.Chdir(sub)

	got, ok := ProjectRootFromWorkingDir("board-sync.yaml")
	assert.Equal(t, true, ok)
	want, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)

	_, ok = ProjectRootFromWorkingDir("no-such-marker.yaml")
	assert.Equal(t, false, ok)
}

func TestEnableRawOnPipeIsNoop(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	restore, err := EnableRaw(int(r.Fd()))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, restore())
	assert.Equal(t, nil, restore())
}

func TestRestoreGlobal(t *testing.T) {
	calls := 0
	SetGlobalRestore(func() error { calls++; return nil })
	assert.Equal(t, nil, RestoreGlobal())
	assert.Equal(t, nil, RestoreGlobal())
	assert.Equal(t, 1, calls)
}

func TestSafePrinterHoldsOutputWhileSuspended(t *testing.T) {
	var out bytes.Buffer
	p := NewSafePrinter(&out)

	p.Println("Uploading project (main folder)...")
	p.Suspend()
	p.Printf("[%d/%d] Writing file %s\n", 1, 2, "main.py")
	p.Print("done")
	assert.Equal(t, "Uploading project (main folder)...\n", out.String())

	p.Resume()
	assert.Equal(t, "Uploading project (main folder)...\n[1/2] Writing file main.py\ndone", out.String())

	// nothing is replayed twice
	p.Resume()
	assert.Equal(t, "Uploading project (main folder)...\n[1/2] Writing file main.py\ndone", out.String())
}

func TestSafePrinterRawNewlines(t *testing.T) {
	var out bytes.Buffer
	p := NewSafePrinter(&out)
	p.SetRaw(true)
	p.Println("Connected")
	p.Print(">>> print(1)\r\n1\r\n")
	assert.Equal(t, "Connected\r\n>>> print(1)\r\n1\r\n", out.String())

	out.Reset()
	p.SetRaw(false)
	p.Println("bye")
	assert.Equal(t, "bye\n", out.String())
}
