package util

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNoProject is returned when no directory up to the filesystem root holds
// the marker file.
var ErrNoProject = errors.New("no project found")

// FindProjectRoot searches upward from start for the directory that contains
// marker, the way git finds its work tree, so commands work from any
// sub folder of a project.
func FindProjectRoot(start, marker string) (string, error) {
	current, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(current, marker)); err == nil && !info.IsDir() {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrNoProject
		}
		current = parent
	}
}

// ProjectRootFromWorkingDir is FindProjectRoot starting at the working
// directory. Without a project it returns the working directory itself.
func ProjectRootFromWorkingDir(marker string) (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return ".", false
	}
	root, err := FindProjectRoot(wd, marker)
	if err != nil {
		return wd, false
	}
	return root, true
}
