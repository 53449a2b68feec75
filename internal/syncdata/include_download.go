package syncdata

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// receive lists the device, asks what to download and writes the chosen
// files into the sync folder.
func (s *Sync) receive(ctx context.Context, folder string) error {
	s.progress("Reading files from board")

	root := s.sh.Options().RootFolder
	entries, err := s.sh.List(ctx, root, true, false)
	if err != nil {
		s.progress("Failed to read files from board, canceling file download")
		return err
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	var remote []string
	for _, e := range entries {
		if !e.IsFile() {
			continue
		}
		name := strings.TrimPrefix(e.Fullname, prefix)
		if s.opts.Filter != nil && s.opts.Filter.Ignored(name, false) {
			continue
		}
		remote = append(remote, name)
	}

	local, err := localFiles(folder, func(rel string, err error) {
		s.log.Warn("skipping unreadable local folder", zap.String("path", rel), zap.Error(err))
		s.progress("Failed to read local folder " + rel + ", skipped")
	})
	if err != nil {
		return err
	}
	var newFiles, existing []string
	for _, name := range remote {
		if local[name] {
			existing = append(existing, name)
		} else {
			newFiles = append(newFiles, name)
		}
	}
	all := append(append([]string(nil), existing...), newFiles...)
	if len(all) == 0 {
		s.progress("No files found on the board to download")
		return nil
	}

	msg, options := downloadPrompt(len(newFiles), len(existing), filepath.Base(s.opts.ProjectDir), s.folderName())
	s.progress(msg)
	s.progress("(Use the confirmation box to answer)")

	choice, err := s.choose(ctx, msg, options)
	if err != nil {
		return err
	}
	switch choice {
	case ChoiceYes:
		s.progress(fmt.Sprintf("Downloading %d %s...", len(all), plural("file", len(all))))
		return s.receiveFiles(ctx, folder, all)
	case ChoiceNewOnly:
		s.progress(fmt.Sprintf("Downloading %d %s...", len(newFiles), plural("file", len(newFiles))))
		return s.receiveFiles(ctx, folder, newFiles)
	default:
		s.progress("Cancelled")
		return nil
	}
}

// receiveFiles fetches names one by one. A file that cannot be read or
// written locally is reported and skipped.
func (s *Sync) receiveFiles(ctx context.Context, folder string, names []string) error {
	s.setTotal(len(names))
	for _, name := range names {
		s.progressItem("Reading " + name)
		content, err := s.sh.ReadFile(ctx, s.devicePath(name))
		if err != nil {
			if fatal(err) {
				return err
			}
			s.log.Error("download failed", zap.String("path", name), zap.Error(err))
			s.progress("Failed to download " + name)
		} else if err := writeLocal(filepath.Join(folder, filepath.FromSlash(name)), content); err != nil {
			s.log.Error("failed to write local file", zap.String("path", name), zap.Error(err))
			s.progress("Failed to write to local file " + name)
		}
		if err := s.checkRunning(ctx); err != nil {
			return err
		}
	}
	s.log.Info("all items received")
	s.progress("All items overwritten")
	return nil
}

func writeLocal(full string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0644)
}

// localFiles lists every file below folder by slash-separated relative path.
// Sub folders that cannot be read are passed to skip and left out.
func localFiles(folder string, skip func(rel string, err error)) (map[string]bool, error) {
	out := map[string]bool{}
	err := filepath.WalkDir(folder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == folder {
				return err
			}
			rel, _ := filepath.Rel(folder, p)
			skip(filepath.ToSlash(rel), err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(folder, p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = true
		return nil
	})
	return out, err
}
