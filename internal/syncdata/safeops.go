package syncdata

import (
	"context"

	"go.uber.org/zap"
)

// safeBoot interrupts whatever runs on the device and, when configured and
// the device hangs off a serial line, safe boots it so user startup code
// cannot get in the way of the transfer.
func (s *Sync) safeBoot(ctx context.Context) error {
	b := s.sh.Board()
	if err := b.StopRunningProgramsDouble(ctx, stopGrace); err != nil {
		return err
	}
	if !s.opts.SafeBootOnUpload {
		s.progress("Not safe booting, disabled in settings")
		return nil
	}
	if !b.IsSerial() {
		return nil
	}
	s.log.Info("safe booting")
	s.progress("Safe booting device... (see settings for more info)")
	return b.SafeBoot(ctx, safeBootTimeout)
}

// exit leaves the device usable: outstanding work is interrupted and the
// board is reset or returned to the friendly prompt.
func (s *Sync) exit(ctx context.Context, log *zap.Logger) {
	if !s.sh.Board().IsConnected() {
		return
	}
	if err := s.sh.Exit(ctx); err != nil {
		log.Warn("exit sequence failed", zap.Error(err))
		if err := s.sh.Board().EnterFriendlyReplNoWait(); err != nil {
			log.Debug("friendly repl fallback failed", zap.Error(err))
		}
	}
}
