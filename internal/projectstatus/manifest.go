// Package projectstatus records what the device holds, hashes the local
// project the same way and computes the changes that reconcile the two.
package projectstatus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ManifestFile is where the device-side manifest lives, relative to the
// device root.
const ManifestFile = "project.pymakr"

// Kind tags a manifest record.
type Kind string

const (
	KindFile Kind = "f"
	KindDir  Kind = "d"
)

// FileRecord is one manifest entry. It travels as a JSON tuple:
// [path, "f"|"d", hexHash, size], size only for files.
type FileRecord struct {
	Path string
	Kind Kind
	Hash string
	Size int64
}

func (r FileRecord) IsDir() bool { return r.Kind == KindDir }

func (r FileRecord) MarshalJSON() ([]byte, error) {
	if r.Kind == KindDir {
		return json.Marshal([]interface{}{r.Path, r.Kind, r.Hash})
	}
	return json.Marshal([]interface{}{r.Path, r.Kind, r.Hash, r.Size})
}

func (r *FileRecord) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) < 3 {
		return fmt.Errorf("manifest record needs at least 3 fields, got %d", len(tuple))
	}
	var out FileRecord
	if err := json.Unmarshal(tuple[0], &out.Path); err != nil {
		return fmt.Errorf("manifest record path: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &out.Kind); err != nil {
		return fmt.Errorf("manifest record kind: %w", err)
	}
	if out.Kind != KindFile && out.Kind != KindDir {
		return fmt.Errorf("manifest record %q: unknown kind %q", out.Path, out.Kind)
	}
	if err := json.Unmarshal(tuple[2], &out.Hash); err != nil {
		return fmt.Errorf("manifest record hash: %w", err)
	}
	if len(tuple) > 3 && !bytes.Equal(tuple[3], []byte("null")) {
		var size float64
		if err := json.Unmarshal(tuple[3], &size); err != nil {
			return fmt.Errorf("manifest record size: %w", err)
		}
		out.Size = int64(size)
	}
	*r = out
	return nil
}

// Manifest is an ordered set of records keyed by path.
type Manifest struct {
	records []FileRecord
	index   map[string]int
}

func NewManifest(records ...FileRecord) *Manifest {
	m := &Manifest{index: map[string]int{}}
	for _, r := range records {
		m.Set(r)
	}
	return m
}

// ParseManifest decodes the persisted form. Empty input is an empty manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewManifest(), nil
	}
	var records []FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestFile, err)
	}
	return NewManifest(records...), nil
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.records) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(m.records)
}

func (m *Manifest) Len() int { return len(m.records) }

func (m *Manifest) Get(path string) (FileRecord, bool) {
	i, ok := m.index[path]
	if !ok {
		return FileRecord{}, false
	}
	return m.records[i], true
}

// Set adds a record or replaces the one with the same path in place.
func (m *Manifest) Set(r FileRecord) {
	if i, ok := m.index[r.Path]; ok {
		m.records[i] = r
		return
	}
	m.index[r.Path] = len(m.records)
	m.records = append(m.records, r)
}

func (m *Manifest) Delete(path string) {
	i, ok := m.index[path]
	if !ok {
		return
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
	delete(m.index, path)
	for j := i; j < len(m.records); j++ {
		m.index[m.records[j].Path] = j
	}
}

// Records returns a copy of the records in insertion order.
func (m *Manifest) Records() []FileRecord {
	return append([]FileRecord(nil), m.records...)
}

func (m *Manifest) Clone() *Manifest {
	return NewManifest(m.records...)
}

// Equal reports whether both manifests hold the same records, ignoring order.
func (m *Manifest) Equal(o *Manifest) bool {
	if m.Len() != o.Len() {
		return false
	}
	for _, r := range m.records {
		if other, ok := o.Get(r.Path); !ok || other != r {
			return false
		}
	}
	return true
}
