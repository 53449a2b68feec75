package shell

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"board-sync/internal/board"
)

// ListFiles returns every file below the root folder, relative to it. It
// walks a work queue of names: a name without "." is taken for a folder and
// listed, anything else is a file. A "folder" that turns out not to be
// listable is reported as a file.
func (s *Shell) ListFiles(ctx context.Context) ([]string, error) {
	queue := []string{""}
	var files []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return files, board.NewError(board.KindCancelled, "list files", "", err)
		}
		name := queue[0]
		queue = queue[1:]

		if name != "" && strings.Contains(path.Base(name), ".") {
			files = append(files, name)
			continue
		}

		full := path.Join(s.opts.RootFolder, name)
		s.log.Debug("os.listdir", zap.String("folder", full))
		out, err := s.b.Evaluate(ctx, listdirScript(full), 0)
		if err != nil {
			if name != "" && board.IsKind(err, board.KindInterpreter) {
				files = append(files, name)
				continue
			}
			return files, err
		}
		names, err := decodeListing(out)
		if err != nil {
			return files, fmt.Errorf("listing %s: %w", full, err)
		}
		for _, n := range names {
			if strings.Contains(n, "\x00") {
				continue
			}
			queue = append(queue, path.Join(name, n))
		}
	}
	return files, nil
}

func decodeListing(out string) ([]string, error) {
	data, err := hex.DecodeString(strings.TrimSpace(out))
	if err != nil {
		return nil, err
	}
	return parsePyList(string(data))
}

// parsePyList parses the repr of a Python list of strings, e.g.
// ['boot.py', "it's.py"].
func parsePyList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("not a list: %q", s)
	}
	var out []string
	i := 1
	end := len(s) - 1
	for {
		for i < end && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i >= end {
			return out, nil
		}
		q := s[i]
		if q != '\'' && q != '"' {
			return nil, fmt.Errorf("unexpected %q at %d", q, i)
		}
		i++
		var b strings.Builder
		closed := false
		for i < end {
			c := s[i]
			if c == q {
				closed = true
				i++
				break
			}
			if c != '\\' || i+1 >= end {
				b.WriteByte(c)
				i++
				continue
			}
			i++
			switch e := s[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'x':
				if i+2 >= end {
					return nil, fmt.Errorf("short \\x escape at %d", i)
				}
				v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
				if err != nil {
					return nil, err
				}
				b.WriteByte(byte(v))
				i += 2
			default:
				b.WriteByte(e)
			}
			i++
		}
		if !closed {
			return nil, fmt.Errorf("unterminated string")
		}
		out = append(out, b.String())
	}
}
