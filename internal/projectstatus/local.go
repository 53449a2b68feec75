package projectstatus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Filter decides which local entries stay out of the manifest. rel is the
// slash-separated path below the sync root.
type Filter interface {
	Ignored(rel string, isDir bool) bool
}

// Walker builds the local manifest of a sync root.
type Walker struct {
	Root   string
	Filter Filter     // optional
	Cache  *HashCache // optional; without it every file is hashed

	// OnSkip is told about every entry left out because it could not be
	// read. Optional.
	OnSkip func(rel string, err error)

	// Skipped holds the paths the last Manifest call could not read.
	Skipped []string
}

// Manifest walks Root depth-first. Dotfiles and empty folders are skipped;
// folders are recorded before their contents. Only an unreadable Root is an
// error; unreadable entries below it are skipped and reported.
func (w *Walker) Manifest() (*Manifest, error) {
	w.Skipped = nil
	m := NewManifest()
	if err := w.walk("", m); err != nil {
		return nil, err
	}
	return m, nil
}

func (w *Walker) skip(rel string, err error) {
	w.Skipped = append(w.Skipped, rel)
	if w.OnSkip != nil {
		w.OnSkip(rel, err)
	}
}

func (w *Walker) walk(relDir string, m *Manifest) error {
	entries, err := os.ReadDir(filepath.Join(w.Root, filepath.FromSlash(relDir)))
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.display(relDir), err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		rel := path.Join(relDir, name)
		full := filepath.Join(w.Root, filepath.FromSlash(rel))

		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			// a link is treated as a folder when its name has no extension
			isDir = !strings.Contains(name, ".")
		}
		if w.Filter != nil && w.Filter.Ignored(rel, isDir) {
			continue
		}

		if isDir {
			children, err := os.ReadDir(full)
			if err != nil {
				w.skip(rel, err)
				continue
			}
			if len(children) == 0 {
				continue
			}
			m.Set(DirRecord(rel))
			if err := w.walk(rel, m); err != nil {
				return err
			}
			continue
		}

		rec, err := w.fileRecord(rel, full)
		if err != nil {
			w.skip(rel, err)
			continue
		}
		m.Set(rec)
	}
	return nil
}

// Prepare builds the record of a single local file for a one-file upload.
func (w *Walker) Prepare(rel string) (FileRecord, error) {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	return w.fileRecord(rel, filepath.Join(w.Root, filepath.FromSlash(rel)))
}

func (w *Walker) fileRecord(rel, full string) (FileRecord, error) {
	info, err := os.Stat(full)
	if err != nil {
		return FileRecord{}, err
	}
	if info.IsDir() {
		return FileRecord{}, fmt.Errorf("%s is a folder", rel)
	}
	var sum string
	if w.Cache != nil {
		sum, err = w.Cache.Sum(rel, full, info)
	} else {
		sum, err = hashFile(full)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("hashing %s: %w", rel, err)
	}
	return FileRecord{Path: rel, Kind: KindFile, Hash: sum, Size: info.Size()}, nil
}

func (w *Walker) display(rel string) string {
	if rel == "" {
		return w.Root
	}
	return rel
}

// DirRecord is a folder's record. Its hash covers the relative path, so a
// renamed folder is a different folder.
func DirRecord(rel string) FileRecord {
	s := sha256.Sum256([]byte(rel))
	return FileRecord{Path: rel, Kind: KindDir, Hash: hex.EncodeToString(s[:])}
}

// HashBytes is the content hash used for file records.
func HashBytes(content []byte) string {
	s := sha256.Sum256(content)
	return hex.EncodeToString(s[:])
}

func hashFile(full string) (string, error) {
	content, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return HashBytes(content), nil
}
