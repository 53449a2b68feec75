package tui

import (
	"io"
	"os"
	"os/signal"

	"board-sync/internal/util"
)

// ExitKey leaves an attached REPL. Ctrl-C has to reach the device.
const ExitKey = 0x1d // Ctrl-]

// AttachTerminal copies the local terminal to device in raw mode until the
// user presses ExitKey, stdin ends or closed is closed. Device output is
// written to stdout by whoever owns the connection.
func AttachTerminal(device io.Writer, closed <-chan struct{}) error {
	restore, err := util.EnableRawStdin()
	if err != nil {
		return err
	}
	defer restore()

	sigCh := make(chan os.Signal, 1)
	if len(winchSignals) > 0 {
		signal.Notify(sigCh, winchSignals...)
	}
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- pump(os.Stdin, device) }()

	for {
		select {
		case <-sigCh:
			// the device has no notion of window size
		case err := <-errCh:
			return err
		case <-closed:
			return nil
		}
	}
}

// pump forwards in to out until ExitKey or EOF.
func pump(in io.Reader, out io.Writer) error {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for i, c := range chunk {
				if c == ExitKey {
					if i > 0 {
						if _, werr := out.Write(chunk[:i]); werr != nil {
							return werr
						}
					}
					return nil
				}
			}
			if _, werr := out.Write(chunk); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
