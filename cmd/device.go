package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"board-sync/internal/board"
	"board-sync/internal/config"
	"board-sync/internal/shell"
	"board-sync/internal/transport"
	"board-sync/internal/tui"
	"board-sync/internal/util"
)

var flagCode string

func printOutput(text string) { util.Default.Print(text) }

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a local file, or a code snippet, on the device",
	Long: `Run a local Python file on the device without storing it there. Output
streams to the terminal until the program ends. Ctrl+C interrupts the program.
With --code the snippet is de-indented first, so a block copied from inside a
function runs as is.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var code string
		switch {
		case flagCode != "":
			code = shell.TrimCodeBlock(flagCode)
		case len(args) == 1:
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			code = string(data)
		default:
			return errors.New("nothing to run: pass a file or --code")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, false, printOutput)
		if err != nil {
			return err
		}
		defer s.Close()

		err = s.shell.Run(ctx, code)
		if board.IsKind(err, board.KindCancelled) || errors.Is(err, context.Canceled) {
			util.Default.Println("\nProgram interrupted")
			return nil
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Interrupt the program running on the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, false, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.shell.StopProgram(ctx)
	},
}

// boardWriter sends terminal input to the device.
type boardWriter struct{ b *board.Board }

func (w boardWriter) Write(p []byte) (int, error) {
	if err := w.b.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Open an interactive MicroPython prompt",
	Long:  "Attach the terminal to the device REPL. Ctrl+C reaches the device; press Ctrl+] to leave.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		s, err := openSession(ctx, cfg, false, printOutput)
		if err != nil {
			return err
		}
		defer s.Close()

		lost := make(chan struct{})
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if !s.board.IsConnected() {
						close(lost)
						return
					}
				}
			}
		}()

		util.Default.Println("Connected, press Ctrl+] to leave")
		if err := s.board.Send([]byte("\r\n")); err != nil {
			return err
		}
		err = tui.AttachTerminal(boardWriter{s.board}, lost)
		util.Default.Println("")
		select {
		case <-lost:
			return errors.New("connection to the device lost")
		default:
		}
		return err
	},
}

var flagSafeBoot bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the device",
	Long:  "Hard reset the device and reconnect. With --safe-boot the device restarts without running boot.py and main.py.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if flagSafeBoot {
			if !s.board.IsSerial() {
				return errors.New("safe boot needs a serial connection")
			}
			if err := s.board.StopRunningProgramsDouble(ctx, 500*time.Millisecond); err != nil {
				s.log.Debug("stop running programs", zap.Error(err))
			}
			if err := s.board.SafeBoot(ctx, 4*time.Second); err != nil {
				return err
			}
			util.Default.Println("Device safe booted")
			return nil
		}
		if err := s.shell.Initialise(ctx); err != nil {
			return err
		}
		if err := s.shell.Reset(ctx); err != nil {
			return err
		}
		util.Default.Println("Device reset")
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports, marking likely boards",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manufacturers := config.Default("").AutoconnectManufacturers
		if cfg, err := loadConfig(); err == nil {
			manufacturers = cfg.AutoconnectManufacturers
		}
		ports, err := transport.ListPorts(manufacturers)
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			util.Default.Println("No serial ports found")
			return nil
		}
		for _, p := range ports {
			mark := " "
			if p.Preferred {
				mark = "*"
			}
			line := fmt.Sprintf("%s %s", mark, p.Name)
			if p.IsUSB {
				line += fmt.Sprintf("  %s:%s %s", p.VID, p.PID, p.Product)
			}
			util.Default.Println(line)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&flagCode, "code", "c", "", "code snippet to run instead of a file")
	resetCmd.Flags().BoolVar(&flagSafeBoot, "safe-boot", false, "restart without running boot.py and main.py")
	rootCmd.AddCommand(runCmd, stopCmd, replCmd, resetCmd, portsCmd)
}
