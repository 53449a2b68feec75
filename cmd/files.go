package cmd

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"board-sync/internal/board"
	"board-sync/internal/projectstatus"
	"board-sync/internal/tui"
	"board-sync/internal/util"
)

var (
	flagRecursive bool
	flagHash      bool
)

// devicePath anchors name at the device root folder.
func devicePath(s *session, name string) string {
	if strings.HasPrefix(name, "/") {
		return path.Clean(name)
	}
	return path.Join(s.shell.Options().RootFolder, name)
}

var lsCmd = &cobra.Command{
	Use:   "ls [folder]",
	Short: "List files on the device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			root := s.shell.Options().RootFolder
			if len(args) == 1 {
				root = devicePath(s, args[0])
			}
			entries, err := s.shell.List(ctx, root, flagRecursive, flagHash)
			if err != nil {
				return err
			}
			for _, e := range entries {
				switch {
				case e.IsDir():
					util.Default.Printf("%s/\n", e.Fullname)
				case e.Hash != "":
					util.Default.Printf("%-40s %8d  %s\n", e.Fullname, e.Size, e.Hash)
				case e.IsFile():
					util.Default.Printf("%-40s %8d\n", e.Fullname, e.Size)
				default:
					util.Default.Printf("%-40s  OSError %d\n", e.Fullname, e.OSError)
				}
			}
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <file>",
	Short: "Print a device file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			content, err := s.shell.ReadFile(ctx, devicePath(s, args[0]))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content)
			return err
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <file>...",
	Short: "Remove files from the device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			st := projectstatus.New(s.shell, s.shell.Options().RootFolder, nil)
			if err := st.Read(ctx); err != nil {
				s.log.Debug("no project status on the device", zap.Error(err))
			}
			for _, name := range args {
				full := devicePath(s, name)
				if err := s.shell.RemoveFile(ctx, full); err != nil {
					return err
				}
				util.Default.Printf("Removed %s\n", full)
				st.Remove(strings.TrimPrefix(strings.TrimPrefix(full, s.shell.Options().RootFolder), "/"))
			}
			return st.Write(ctx)
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <folder>",
	Short: "Create a folder on the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			return s.shell.CreateDir(ctx, devicePath(s, args[0]))
		})
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <folder>",
	Short: "Remove an empty folder from the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			return s.shell.RemoveDir(ctx, devicePath(s, args[0]))
		})
	},
}

var dfCmd = &cobra.Command{
	Use:   "df",
	Short: "Show free space on the device filesystem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			free, err := s.shell.FreeSpace(ctx)
			if err != nil {
				return err
			}
			util.Default.Printf("%d bytes free (%.1f kB)\n", free, float64(free)/1024)
			return nil
		})
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete every file and folder on the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := tui.ConfirmWithToken("This removes every file on the device.", 3)
		if err != nil || !ok {
			return err
		}
		return withShell(cmd.Context(), func(ctx context.Context, s *session) error {
			entries, err := s.shell.List(ctx, s.shell.Options().RootFolder, true, false)
			if err != nil {
				return err
			}
			// deepest first so folders are empty when their turn comes
			sort.SliceStable(entries, func(i, j int) bool {
				if entries[i].IsDir() != entries[j].IsDir() {
					return !entries[i].IsDir()
				}
				return strings.Count(entries[i].Fullname, "/") > strings.Count(entries[j].Fullname, "/")
			})
			for _, e := range entries {
				var err error
				if e.IsDir() {
					err = s.shell.RemoveDir(ctx, e.Fullname)
				} else {
					err = s.shell.RemoveFile(ctx, e.Fullname)
				}
				if err != nil {
					if board.IsKind(err, board.KindTransport) {
						return err
					}
					util.Default.Printf("Failed to remove %s: %v\n", e.Fullname, err)
					continue
				}
				util.Default.Printf("Removed %s\n", e.Fullname)
			}
			return nil
		})
	},
}

func init() {
	lsCmd.Flags().BoolVarP(&flagRecursive, "recursive", "r", false, "list sub folders too")
	lsCmd.Flags().BoolVar(&flagHash, "hash", false, "print the sha256 of every file")
	rootCmd.AddCommand(lsCmd, catCmd, rmCmd, mkdirCmd, rmdirCmd, dfCmd, wipeCmd)
}
