package projectstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"board-sync/internal/logging"
)

// Store is the device filesystem as seen by the manifest.
type Store interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, content []byte) error
}

// ProjectStatus pairs the device manifest with the local one for the length
// of one sync. The device manifest only changes through Update and Remove,
// called after the matching device operation succeeded, and reaches the
// device through Write.
type ProjectStatus struct {
	store Store
	root  string
	local *Manifest
	board *Manifest

	changed bool
	flushed uint64 // digest of the last content known to be on the device
	log     *zap.Logger
}

// New starts with an empty device manifest; call Read to load the real one.
// root is the device folder holding the manifest file.
func New(store Store, root string, local *Manifest) *ProjectStatus {
	if local == nil {
		local = NewManifest()
	}
	if root == "" {
		root = "/"
	}
	return &ProjectStatus{
		store: store,
		root:  root,
		local: local,
		board: NewManifest(),
		log:   logging.Named("projectstatus"),
	}
}

func (p *ProjectStatus) path() string { return path.Join(p.root, ManifestFile) }

// Read loads the device manifest. On error the device manifest stays empty,
// so the next upload sends everything.
func (p *ProjectStatus) Read(ctx context.Context) error {
	data, err := p.store.ReadFile(ctx, p.path())
	if err != nil {
		p.board = NewManifest()
		return fmt.Errorf("reading %s: %w", ManifestFile, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		p.board = NewManifest()
		return err
	}
	p.board = m
	p.changed = false
	p.flushed = digest(m)
	p.log.Debug("device manifest loaded", zap.Int("records", m.Len()))
	return nil
}

// Changes diffs the device manifest against the local one.
func (p *ProjectStatus) Changes() ChangeSet {
	return Diff(p.board, p.local)
}

// Update makes the device record for name match the local one, or drops it
// when name no longer exists locally.
func (p *ProjectStatus) Update(name string) {
	if rec, ok := p.local.Get(name); ok {
		p.board.Set(rec)
	} else {
		p.board.Delete(name)
	}
	p.changed = true
}

// Remove drops name from the device manifest.
func (p *ProjectStatus) Remove(name string) {
	p.board.Delete(name)
	p.changed = true
}

// Changed reports whether there are updates not yet written to the device.
func (p *ProjectStatus) Changed() bool { return p.changed }

// Board returns the device manifest.
func (p *ProjectStatus) Board() *Manifest { return p.board }

// Local returns the local manifest.
func (p *ProjectStatus) Local() *Manifest { return p.local }

// Keep leaves the device records of paths, and of everything below them,
// as they are. Used for local entries that could not be read, which must
// be neither rewritten nor deleted.
func (p *ProjectStatus) Keep(paths []string) {
	for _, name := range paths {
		prefix := name + "/"
		for _, r := range p.board.Records() {
			if r.Path == name || strings.HasPrefix(r.Path, prefix) {
				p.local.Set(r)
			}
		}
	}
}

// Write flushes the device manifest. It does nothing when no update happened
// since the last flush or when the content equals what the device holds.
// On failure the updates stay pending so a later Write retries them.
func (p *ProjectStatus) Write(ctx context.Context) error {
	if !p.changed {
		return nil
	}
	sum := digest(p.board)
	if sum == p.flushed {
		p.changed = false
		return nil
	}
	data, err := json.Marshal(p.board)
	if err != nil {
		return err
	}
	if err := p.store.WriteFile(ctx, p.path(), data); err != nil {
		return fmt.Errorf("writing %s: %w", ManifestFile, err)
	}
	p.changed = false
	p.flushed = sum
	p.log.Debug("device manifest flushed", zap.Int("records", p.board.Len()))
	return nil
}

func digest(m *Manifest) uint64 {
	data, _ := json.Marshal(m)
	return xxhash.Sum64(data)
}
