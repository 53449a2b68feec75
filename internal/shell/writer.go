package shell

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"board-sync/internal/board"
	"board-sync/internal/retry"
)

// Chunks splits content the way WriteFile transfers it: chunk i covers
// content[i*size : min((i+1)*size, len)], base64 encoded.
func Chunks(content []byte, size int) []string {
	var out []string
	for counter := 0; counter*size < len(content); counter++ {
		start := counter * size
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		out = append(out, base64.StdEncoding.EncodeToString(content[start:end]))
	}
	return out
}

// WriteFile stores content at name on the device. The write is verified by a
// device-side sha256 when the file is small enough and the firmware has
// uhashlib. A failed attempt closes the handle, safe boots on memory or OS
// errors and starts over, up to the configured number of attempts.
func (s *Shell) WriteFile(ctx context.Context, name string, content []byte) error {
	ctx, done := s.begin(ctx)
	defer done()

	hash := ""
	if s.canHash(ctx, content) {
		sum := sha256.Sum256(content)
		hash = hex.EncodeToString(sum[:])
	}

	cfg := retry.Fixed(s.opts.Attempts, s.opts.RetryWait)
	cfg.OnRetry = func(attempt int, err error) {
		s.log.Warn("write attempt failed", zap.String("file", name), zap.Int("attempt", attempt), zap.Error(err))
		s.recover(ctx, err)
	}
	return retry.Do(ctx, cfg, func(attempt int) error {
		err := s.writeOnce(ctx, name, content, hash)
		if err == nil {
			return nil
		}
		if board.IsKind(err, board.KindCancelled) || !s.b.IsConnected() {
			return err
		}
		return retry.Retryable(err)
	})
}

func (s *Shell) writeOnce(ctx context.Context, name string, content []byte, hash string) error {
	if err := s.EnsureDirectory(ctx, name); err != nil {
		return err
	}
	if _, err := s.b.Evaluate(ctx, openScript(name), 0); err != nil {
		return err
	}
	for i, chunk := range Chunks(content, s.opts.ChunkSize) {
		out, err := s.b.Evaluate(ctx, chunkScript(chunk), 0)
		if err != nil {
			return err
		}
		if err := writeError(out); err != nil {
			s.log.Debug("chunk rejected", zap.String("file", name), zap.Int("chunk", i))
			return err
		}
	}
	out, err := s.b.Evaluate(ctx, closeScript, 0)
	if err != nil {
		return err
	}
	if err := writeError(out); err != nil {
		return err
	}
	if hash != "" {
		return s.checkHash(ctx, name, hash)
	}
	return nil
}

// writeError scans write and close output for error text the board's marker
// table does not cover.
func writeError(out string) error {
	if !strings.Contains(out, "Traceback") && !strings.Contains(out, "Error: ") {
		return nil
	}
	msg := out
	if i := strings.Index(out, "Error: "); i >= 0 {
		msg = out[i+len("Error: "):]
	}
	return board.NewError(board.KindInterpreter, "write file", "Failed to write file: "+strings.TrimSpace(msg), nil)
}

// recover cleans up after a failed attempt.
func (s *Shell) recover(ctx context.Context, err error) {
	if _, cerr := s.b.Evaluate(ctx, closeScript, 0); cerr != nil {
		s.log.Debug("closing file after failure", zap.Error(cerr))
	}
	if board.IsKind(err, board.KindResource) || strings.Contains(err.Error(), "OSError:") {
		s.log.Info("safe booting after write failure", zap.Error(err))
		if berr := s.SafeBootRestart(ctx); berr != nil {
			s.log.Warn("safe boot failed", zap.Error(berr))
		}
	}
}

func (s *Shell) canHash(ctx context.Context, content []byte) bool {
	size := int(math.Round(float64(len(content)) / 1000))
	if size >= s.opts.HashCheckMaxSize {
		return false
	}
	out, err := s.b.Evaluate(ctx, probeHashScript, 0)
	if err != nil {
		s.log.Debug("hash probe failed", zap.Error(err))
		return false
	}
	return !strings.Contains(out, "Traceback")
}

func (s *Shell) checkHash(ctx context.Context, name, local string) error {
	out, err := s.b.Evaluate(ctx, hashScript(name, s.opts.ChunkSize), 0)
	if err != nil {
		return err
	}
	remote := strings.TrimSpace(out)
	if remote != local {
		s.log.Error("hash mismatch", zap.String("file", name), zap.String("local", local), zap.String("board", remote))
		return board.NewError(board.KindHashMismatch, "verify "+name, fmt.Sprintf("local %s, board %s", local, remote), nil)
	}
	return nil
}
