package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"board-sync/internal/devsync"
	"board-sync/internal/syncdata"
	"board-sync/internal/tui"
)

// menuChooser confirms downloads in the terminal menu. Leaving the menu
// counts as cancel.
var menuChooser = syncdata.ChooserFunc(func(ctx context.Context, message string, options []string) (string, error) {
	choice, err := tui.Menu{}.Choose(ctx, message, options)
	if errors.Is(err, tui.ErrCancelled) {
		return syncdata.ChoiceCancel, nil
	}
	return choice, err
})

// syncSession is a session plus the orchestrator driving it.
type syncSession struct {
	*session
	sync *syncdata.Sync
}

func openSync(ctx context.Context) (*syncSession, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := openSession(ctx, cfg, cfg.Reboot(), nil)
	if err != nil {
		return nil, nil, err
	}
	folder, err := syncFolder(cfg)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	cwd, _ := os.Getwd()
	cache := openHashCache(cfg)

	sy := syncdata.New(s.shell, syncdata.Options{
		ProjectDir:       cwd,
		SyncFolder:       cfg.SyncFolder,
		SafeBootOnUpload: cfg.SafeBootOnUpload,
		Filter:           syncdata.NewRules(folder, cfg.PyIgnore, cfg.SyncFileTypes, cfg.SyncAllFileTypes),
		Cache:            cache,
		Chooser:          menuChooser,
	})

	// Ctrl+C stops the sync cleanly instead of leaving the device in raw mode
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sy.Stop(stopCtx); err != nil {
				s.log.Warn("stop failed", zap.Error(err))
			}
		case <-stopWatch:
		}
	}()

	closeFn := func() {
		close(stopWatch)
		if cache != nil {
			cache.Close()
		}
		s.Close()
	}
	return &syncSession{session: s, sync: sy}, closeFn, nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload the project, or one file, to the device",
	Long: `Upload every changed file of the sync folder to the device. Only files whose
content changed since the last upload are sent; files deleted locally are removed
from the device. With a file argument only that file is written.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ss, closeFn, err := openSync(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		if len(args) == 1 {
			return ss.sync.UploadFile(ctx, args[0])
		}
		return ss.sync.Upload(ctx)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the device files into the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ss, closeFn, err := openSync(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		return ss.sync.Download(ctx)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Upload changes as soon as files are saved",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ss, closeFn, err := openSync(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		folder, err := syncFolder(ss.cfg)
		if err != nil {
			return err
		}
		filter := syncdata.NewRules(folder, ss.cfg.PyIgnore, ss.cfg.SyncFileTypes, ss.cfg.SyncAllFileTypes)
		w, err := devsync.NewWatcher(folder, filter, ss.sync, devsync.Options{})
		if err != nil {
			return err
		}
		if err := ss.sync.Upload(ctx); err != nil && !errors.Is(err, syncdata.ErrStopped) {
			ss.log.Warn("initial upload failed", zap.Error(err))
		}
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd, downloadCmd, watchCmd)
}
