package syncdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"board-sync/internal/projectstatus"
)

// send uploads the difference between the local folder and the device
// manifest.
func (s *Sync) send(ctx context.Context, folder string) error {
	s.progress("Reading file status")
	walker := &projectstatus.Walker{
		Root:   folder,
		Filter: s.opts.Filter,
		Cache:  s.opts.Cache,
		OnSkip: func(rel string, err error) {
			s.log.Warn("skipping unreadable local entry", zap.String("path", rel), zap.Error(err))
			s.progress("Failed to read local file " + rel + ", skipped")
		},
	}
	local, err := walker.Manifest()
	if err != nil {
		return err
	}

	st := projectstatus.New(s.sh, s.sh.Options().RootFolder, local)
	s.setStatus(st)
	if err := st.Read(ctx); err != nil {
		if unreadableStatus(err) {
			return err
		}
		s.log.Info("no usable project status on the device", zap.Error(err))
		s.progress("Failed to read project status, uploading all files")
	}
	st.Keep(walker.Skipped)
	if err := s.checkRunning(ctx); err != nil {
		return err
	}

	changes := st.Changes()
	files := changes.Files()
	s.setTotal(len(files))

	if len(changes.Deletes) > 0 {
		s.progress(fmt.Sprintf("Deleting %d files and folders", len(changes.Deletes)))
	}
	if changes.Empty() {
		s.progress("No files to upload")
		return nil
	}

	if err := s.removeAll(ctx, st, changes.Deletes); err != nil {
		return err
	}
	if len(changes.Deletes) > 0 {
		s.log.Info("updating project status after deletes")
	}
	if err := st.Write(ctx); err != nil {
		return err
	}
	return s.writeAll(ctx, st, folder, changes.Writes())
}

// removeAll deletes device entries one by one. Failures are reported and
// skipped; an entry is dropped from the manifest once the device no longer
// has it.
func (s *Sync) removeAll(ctx context.Context, st *projectstatus.ProjectStatus, deletes []projectstatus.FileRecord) error {
	for _, rec := range deletes {
		name := s.devicePath(rec.Path)
		what := "file"
		var err error
		if rec.IsDir() {
			what = "dir"
			s.progress("Removing dir " + rec.Path)
			err = s.sh.RemoveDir(ctx, name)
		} else {
			s.progress("Removing file " + rec.Path)
			err = s.sh.RemoveFile(ctx, name)
		}

		switch {
		case err == nil || missing(err):
			st.Update(rec.Path)
		case fatal(err):
			return err
		default:
			s.log.Warn("remove failed", zap.String("path", rec.Path), zap.Error(err))
			s.progress(fmt.Sprintf("Failed to remove %s %s", what, rec.Path))
		}

		if err := s.checkRunning(ctx); err != nil {
			return err
		}
	}
	return nil
}

// writeAll creates folders and writes files in order. The manifest is
// flushed every few items so an interrupted batch loses little.
func (s *Sync) writeAll(ctx context.Context, st *projectstatus.ProjectStatus, folder string, recs []projectstatus.FileRecord) error {
	s.log.Info("writing changed files and folders", zap.Int("count", len(recs)))
	for i, rec := range recs {
		if i > 0 && i%flushEvery == 0 {
			s.log.Info("updating project status")
			if err := st.Write(ctx); err != nil {
				return err
			}
		}

		if rec.IsDir() {
			s.progress("Creating dir " + rec.Path)
			if err := s.sh.CreateDir(ctx, s.devicePath(rec.Path)); err != nil && !exists(err) {
				return err
			}
		} else if err := s.writeFile(ctx, folder, rec); err != nil {
			return err
		}

		st.Update(rec.Path)
		if err := s.checkRunning(ctx); err != nil {
			return err
		}
	}

	s.log.Info("writing project file")
	return st.Write(ctx)
}

func (s *Sync) writeFile(ctx context.Context, folder string, rec projectstatus.FileRecord) error {
	s.progressItem(fmt.Sprintf("Writing file '%s' (%s)", rec.Path, humanSize(rec.Size)))
	content, err := os.ReadFile(filepath.Join(folder, filepath.FromSlash(rec.Path)))
	if err != nil {
		s.progress(fmt.Sprintf("Failed to read local file %s", rec.Path))
		return err
	}
	started := time.Now()
	if err := s.sh.WriteFile(ctx, s.devicePath(rec.Path), content); err != nil {
		if !stopped(err) {
			s.progress(err.Error())
		}
		return err
	}
	s.log.Info("file written", zap.String("path", rec.Path), zap.Duration("took", time.Since(started)))
	return nil
}

// humanSize prints sizes below half a kB in bytes and the rest in rounded kB.
func humanSize(n int64) string {
	kb := (n + 512) / 1024
	if kb == 0 {
		return fmt.Sprintf("%d bytes", n)
	}
	return fmt.Sprintf("%d kB", kb)
}

func missing(err error) bool { return strings.Contains(err.Error(), "ENOENT") }

func exists(err error) bool { return strings.Contains(err.Error(), "EEXIST") }
