package syncdata

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gofrs/flock"
)

var unsafeLockChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DeviceLock keeps two board-sync processes from driving the same device.
type DeviceLock struct {
	fl *flock.Flock
}

// LockPath is the lock file used for a device address.
func LockPath(address string) string {
	name := unsafeLockChars.ReplaceAllString(address, "_")
	return filepath.Join(os.TempDir(), "board-sync-"+name+".lock")
}

// LockDevice takes the lock for address without waiting.
func LockDevice(address string) (*DeviceLock, error) {
	fl := flock.New(LockPath(address))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", address, err)
	}
	if !ok {
		return nil, fmt.Errorf("device %s is in use by another board-sync process", address)
	}
	return &DeviceLock{fl: fl}, nil
}

func (l *DeviceLock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
