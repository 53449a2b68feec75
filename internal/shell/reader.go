package shell

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"board-sync/internal/board"
)

// ReadFile fetches a file from the device. The device prints the content as
// one base64 line per chunk.
func (s *Shell) ReadFile(ctx context.Context, name string) ([]byte, error) {
	ctx, done := s.begin(ctx)
	defer done()

	out, err := s.b.Evaluate(ctx, readScript(name, s.opts.ChunkSize), readTimeout)
	if err != nil {
		return nil, err
	}
	out = strings.TrimPrefix(out, "OK")
	if strings.Contains(out, "Traceback (") {
		return nil, board.NewError(board.KindInterpreter, "read "+name, strings.TrimSpace(out), nil)
	}
	return decodeLines(out)
}

// decodeLines decodes each base64 line on its own, since every chunk
// carries its own padding.
func decodeLines(out string) ([]byte, error) {
	var content []byte
	for _, line := range strings.Fields(out) {
		b, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("decoding file content: %w", err)
		}
		content = append(content, b...)
	}
	return content, nil
}
