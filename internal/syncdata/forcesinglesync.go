package syncdata

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"board-sync/internal/projectstatus"
)

// UploadFile writes one local file to the device without diffing the rest of
// the project. file is relative to the sync folder or absolute.
func (s *Sync) UploadFile(ctx context.Context, file string) error {
	return s.start(ctx, MethodUpload, file)
}

func (s *Sync) sendFile(ctx context.Context, folder, file string) error {
	rel, err := relativeTo(folder, file)
	if err != nil {
		return err
	}
	walker := &projectstatus.Walker{Root: folder, Cache: s.opts.Cache}
	rec, err := walker.Prepare(rel)
	if err != nil {
		return err
	}
	s.progress("Uploading single file")

	st := projectstatus.New(s.sh, s.sh.Options().RootFolder, projectstatus.NewManifest(rec))
	s.setStatus(st)
	if err := st.Read(ctx); err != nil {
		if unreadableStatus(err) {
			return err
		}
		s.log.Debug("no project status on the device", zap.Error(err))
	}
	s.setTotal(1)

	// keep the manifest aware of the parent folders the writer creates
	var recs []projectstatus.FileRecord
	for dir := filepath.ToSlash(filepath.Dir(rel)); dir != "." && dir != "/"; dir = filepath.ToSlash(filepath.Dir(dir)) {
		if _, ok := st.Board().Get(dir); !ok {
			recs = append([]projectstatus.FileRecord{projectstatus.DirRecord(dir)}, recs...)
		}
	}
	for _, d := range recs {
		st.Local().Set(d)
	}
	return s.writeAll(ctx, st, folder, append(recs, rec))
}

// relativeTo turns file into a slash-separated path below folder.
func relativeTo(folder, file string) (string, error) {
	if !filepath.IsAbs(file) {
		file = filepath.Join(folder, filepath.FromSlash(file))
	}
	rel, err := filepath.Rel(folder, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the sync folder", file)
	}
	return filepath.ToSlash(rel), nil
}
