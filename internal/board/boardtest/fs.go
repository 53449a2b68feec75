package boardtest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FS is an Interpreter that understands the filesystem snippets the shell
// package sends and keeps the files in memory.
type FS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	open    bool
	openAt  string
	pending []byte

	// FailCloses makes the next n f.close() calls raise an error. CloseError
	// is the exception line, an ENOSPC OSError when empty.
	FailCloses int
	CloseError string
	// NoHashlib makes `import uhashlib` raise ImportError.
	NoHashlib bool
	// CorruptHash makes the device report a wrong digest.
	CorruptHash bool
	// Resets counts machine.reset() calls.
	Resets int
	// Commands records every program the device executed.
	Commands []string
}

func NewFS() *FS {
	return &FS{files: map[string][]byte{}, dirs: map[string]bool{"": true}}
}

var (
	pyStr       = `'((?:[^'\\]|\\.)*)'`
	reOpenWrite = regexp.MustCompile(`f = open\(` + pyStr + `, 'wb'\)`)
	reChunk     = regexp.MustCompile(`f\.write\(ubinascii\.a2b_base64\('([^']*)'\)\)`)
	reHash      = regexp.MustCompile(`(?s)hash = uhashlib\.sha256\(\).*open\(` + pyStr + `, 'rb'\)`)
	reRead      = regexp.MustCompile(`(?s)open\(` + pyStr + `, 'rb'\).*b2a_base64\(f\.read\((\d+)\)\)`)
	reEnsure    = regexp.MustCompile(`ensureFolder\(` + pyStr + `\)`)
	reListdir   = regexp.MustCompile(`hexlify\(str\(os\.listdir\(` + pyStr + `\)\)\)`)
	reListJSON  = regexp.MustCompile(`print\(ubinascii\.hexlify\(listdir\(` + pyStr + `, (True|False), True, (True|False)\)\.encode\(\)\)\.decode\(\)\)`)
	reOSCall    = regexp.MustCompile(`os\.(remove|mkdir|rmdir|chdir)\(` + pyStr + `\)`)
	reStatvfs   = regexp.MustCompile(`os\.statvfs\(`)
)

func unquote(s string) string {
	r := strings.NewReplacer(`\\`, `\`, `\'`, `'`, `\n`, "\n", `\r`, "\r")
	return r.Replace(s)
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func traceback(line string) string {
	return "Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\n" + line + "\r\n"
}

// Put stores a file, creating its parent folders.
func (fs *FS) Put(name string, content []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = clean(name)
	fs.mkdirAll(path.Dir(name))
	fs.files[name] = append([]byte(nil), content...)
}

// Get returns a stored file.
func (fs *FS) Get(name string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, ok := fs.files[clean(name)]
	return b, ok
}

// HasDir reports whether a folder exists.
func (fs *FS) HasDir(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dirs[clean(name)]
}

// Files lists stored file names in sorted order.
func (fs *FS) Files() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var names []string
	for n := range fs.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (fs *FS) mkdirAll(dir string) {
	dir = clean(dir)
	for dir != "" && dir != "." {
		fs.dirs[dir] = true
		dir = clean(path.Dir(dir))
	}
}

func (fs *FS) children(dir string) []string {
	dir = clean(dir)
	seen := map[string]bool{}
	add := func(p string) {
		parent := clean(path.Dir(p))
		if parent == "." {
			parent = ""
		}
		if parent == dir && p != "" {
			seen[path.Base(p)] = true
		}
	}
	for f := range fs.files {
		add(f)
	}
	for d := range fs.dirs {
		add(d)
	}
	var names []string
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Exec implements Interpreter.
func (fs *FS) Exec(code string) (string, string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.Commands = append(fs.Commands, code)

	switch {
	case strings.Contains(code, "import uhashlib\r\nprint(\"Done\")"):
		if fs.NoHashlib {
			return "", traceback("ImportError: no module named 'uhashlib'")
		}
		return "Done\r\n", ""

	case reOpenWrite.MatchString(code):
		name := clean(unquote(reOpenWrite.FindStringSubmatch(code)[1]))
		if dir := clean(path.Dir(name)); dir != "." && !fs.dirs[dir] {
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		fs.open, fs.openAt, fs.pending = true, name, nil
		return "", ""

	case reChunk.MatchString(code):
		if !fs.open {
			return "", traceback("NameError: name 'f' isn't defined")
		}
		for _, m := range reChunk.FindAllStringSubmatch(code, -1) {
			b, err := base64.StdEncoding.DecodeString(m[1])
			if err != nil {
				return "", traceback("ValueError: incorrect padding")
			}
			fs.pending = append(fs.pending, b...)
		}
		return "", ""

	case strings.TrimSpace(code) == "f.close()":
		if !fs.open {
			return "", ""
		}
		fs.open = false
		if fs.FailCloses > 0 {
			fs.FailCloses--
			msg := fs.CloseError
			if msg == "" {
				msg = "OSError: [Errno 28] ENOSPC"
			}
			return "", traceback(msg)
		}
		fs.files[fs.openAt] = fs.pending
		return "", ""

	case reHash.MatchString(code):
		name := clean(unquote(reHash.FindStringSubmatch(code)[1]))
		b, ok := fs.files[name]
		if !ok {
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		sum := sha256.Sum256(b)
		if fs.CorruptHash {
			sum[0] ^= 0xff
		}
		return hex.EncodeToString(sum[:]), ""

	case reRead.MatchString(code):
		m := reRead.FindStringSubmatch(code)
		b, ok := fs.files[clean(unquote(m[1]))]
		if !ok {
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		size, _ := strconv.Atoi(m[2])
		var out strings.Builder
		for i := 0; i < len(b); i += size {
			end := i + size
			if end > len(b) {
				end = len(b)
			}
			out.WriteString(base64.StdEncoding.EncodeToString(b[i:end]) + "\n")
		}
		out.WriteString("\n")
		return out.String(), ""

	case reEnsure.MatchString(code):
		for _, m := range reEnsure.FindAllStringSubmatch(code, -1) {
			fs.dirs[clean(unquote(m[1]))] = true
		}
		return "", ""

	case reListdir.MatchString(code):
		dir := clean(unquote(reListdir.FindStringSubmatch(code)[1]))
		if dir == "." {
			dir = ""
		}
		if !fs.dirs[dir] {
			if _, isFile := fs.files[dir]; isFile {
				return "", traceback("OSError: [Errno 20] ENOTDIR")
			}
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		return hex.EncodeToString([]byte(pyList(fs.children(dir)))), ""

	case reListJSON.MatchString(code):
		m := reListJSON.FindStringSubmatch(code)
		return hex.EncodeToString([]byte(fs.listJSON(unquote(m[1]), m[2] == "True", m[3] == "True"))) + "\r\n", ""

	case reOSCall.MatchString(code):
		m := reOSCall.FindStringSubmatch(code)
		return fs.osCall(m[1], clean(unquote(m[2])))

	case reStatvfs.MatchString(code):
		return "1048576", ""

	case strings.Contains(code, "machine.reset()"):
		fs.Resets++
		return "", ""
	}
	return "", ""
}

func (fs *FS) osCall(fn, name string) (string, string) {
	switch fn {
	case "remove":
		if _, ok := fs.files[name]; !ok {
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		delete(fs.files, name)
	case "mkdir":
		if fs.dirs[name] {
			return "", traceback("OSError: [Errno 17] EEXIST")
		}
		if parent := clean(path.Dir(name)); parent != "." && !fs.dirs[parent] {
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		fs.dirs[name] = true
	case "rmdir":
		if !fs.dirs[name] {
			return "", traceback("OSError: [Errno 2] ENOENT")
		}
		if len(fs.children(name)) > 0 {
			return "", traceback("OSError: [Errno 39] ENOTEMPTY")
		}
		delete(fs.dirs, name)
	}
	return "", ""
}

type jsonEntry struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int    `json:"Size"`
	Type     string `json:"Type"`
	Hash     string `json:"Hash,omitempty"`
	Fullname string `json:"Fullname"`
}

func (fs *FS) listJSON(root string, recursive, hash bool) string {
	dir := clean(root)
	if root == "." || dir == "." {
		dir = ""
	}
	var entries []jsonEntry
	var walk func(dir string)
	walk = func(dir string) {
		for _, name := range fs.children(dir) {
			rel := path.Join(dir, name)
			e := jsonEntry{Path: "/" + dir, Name: name, Fullname: "/" + rel}
			if fs.dirs[rel] {
				e.Type = "dir"
				entries = append(entries, e)
				if recursive {
					walk(rel)
				}
				continue
			}
			b := fs.files[rel]
			e.Type = "file"
			e.Size = len(b)
			if hash {
				sum := sha256.Sum256(b)
				e.Hash = hex.EncodeToString(sum[:])
			}
			entries = append(entries, e)
		}
	}
	walk(dir)
	if entries == nil {
		entries = []jsonEntry{}
	}
	out, _ := json.Marshal(entries)
	return string(out)
}

func pyList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		if strings.Contains(n, "'") && !strings.Contains(n, `"`) {
			quoted[i] = `"` + n + `"`
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(strings.ReplaceAll(n, `\`, `\\`), "'", `\'`) + "'"
	}
	return fmt.Sprintf("[%s]", strings.Join(quoted, ", "))
}
