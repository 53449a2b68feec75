package syncdata

import (
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	ig "github.com/sabhiram/go-gitignore"
)

// defaultIgnores never reach the device.
var defaultIgnores = []string{".sync_temp", "board-sync.yaml", ".sync_ignore", "project.pymakr"}

// IgnoreCache caches compiled .sync_ignore matchers per directory and provides
// cascading ancestor matching similar to .gitignore semantics.
type IgnoreCache struct {
	Root  string
	cache map[string]*ig.GitIgnore
	// rawLinesCache stores the preprocessed lines for a directory's .sync_ignore (not cumulative)
	rawLinesCache map[string][]string
	// negCache stores the negation lines of a directory's .sync_ignore, without the "!"
	negCache map[string][]string
}

// NewIgnoreCache creates an IgnoreCache rooted at absRoot.
func NewIgnoreCache(absRoot string) *IgnoreCache {
	c := &IgnoreCache{Root: absRoot}
	c.ClearCache()
	return c
}

// ClearCache invalidates all cached matchers and raw lines, forcing reload on next Match call.
func (c *IgnoreCache) ClearCache() {
	c.cache = map[string]*ig.GitIgnore{}
	c.rawLinesCache = map[string][]string{}
	c.negCache = map[string][]string{}
}

// preprocess turns '*.log' into both '*.log' and '**/*.log' so simple
// patterns match in sub folders too.
func preprocess(rawLines []string) []string {
	lines := make([]string, 0, len(rawLines)*2)
	for _, ln := range rawLines {
		l := strings.TrimSpace(ln)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		prefix := ""
		if strings.HasPrefix(l, "!") {
			prefix = "!"
			l = strings.TrimPrefix(l, "!")
		}
		l = filepath.ToSlash(l)
		lines = append(lines, prefix+l)
		if !strings.Contains(l, "/") && !strings.Contains(l, "**") {
			lines = append(lines, prefix+"**/"+l)
		}
	}
	return lines
}

// ancestors lists Root .. dir, outermost first.
func (c *IgnoreCache) ancestors(dir string) []string {
	var out []string
	cur := dir
	for {
		out = append(out, cur)
		if cur == c.Root || cur == string(os.PathSeparator) {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// linesFor loads and caches the preprocessed .sync_ignore lines of one directory.
func (c *IgnoreCache) linesFor(dir string) []string {
	if lines, ok := c.rawLinesCache[dir]; ok {
		return lines
	}
	data, err := os.ReadFile(filepath.Join(dir, ".sync_ignore"))
	if err != nil {
		// not found, mark empty to avoid repeated reads
		c.rawLinesCache[dir] = nil
		return nil
	}
	lines := preprocess(strings.Split(string(data), "\n"))
	c.rawLinesCache[dir] = lines
	var neg []string
	for _, l := range lines {
		if strings.HasPrefix(l, "!") {
			neg = append(neg, strings.TrimPrefix(l, "!"))
		}
	}
	c.negCache[dir] = neg
	return lines
}

func matchPath(m *ig.GitIgnore, rel, base string) bool {
	if strings.HasPrefix(strings.ToLower(runtime.GOOS), "windows") {
		rel, base = strings.ToLower(rel), strings.ToLower(base)
	}
	return m.MatchesPath(rel) || m.MatchesPath(base)
}

// Match returns true if the given absolute path should be ignored.
// isDir indicates whether the path refers to a directory.
func (c *IgnoreCache) Match(p string, isDir bool) bool {
	// a negation anywhere up the tree wins over every other rule
	if c.matchesPriorityIncludes(p, isDir) {
		return false
	}

	base := filepath.Base(p)
	for _, di := range defaultIgnores {
		if strings.EqualFold(di, base) {
			return true
		}
	}
	if strings.Contains(p, ".sync_temp") {
		return true
	}

	dir := p
	if !isDir {
		dir = filepath.Dir(p)
	}

	m, ok := c.cache[dir]
	if !ok {
		var cumulative []string
		for _, td := range c.ancestors(dir) {
			cumulative = append(cumulative, c.linesFor(td)...)
		}
		if len(cumulative) > 0 {
			m = ig.CompileIgnoreLines(cumulative...)
		}
		c.cache[dir] = m
	}
	if m == nil {
		return false
	}
	relp, _ := filepath.Rel(c.Root, p)
	return matchPath(m, filepath.ToSlash(relp), base)
}

// matchesPriorityIncludes checks if a path matches any negation patterns (!) for priority inclusion
func (c *IgnoreCache) matchesPriorityIncludes(p string, isDir bool) bool {
	dir := p
	if !isDir {
		dir = filepath.Dir(p)
	}
	var priority []string
	for _, td := range c.ancestors(dir) {
		c.linesFor(td)
		priority = append(priority, c.negCache[td]...)
	}
	if len(priority) == 0 {
		return false
	}
	m := ig.CompileIgnoreLines(priority...)
	relp, _ := filepath.Rel(c.Root, p)
	return matchPath(m, filepath.ToSlash(relp), filepath.Base(p))
}

// Rules combines the .sync_ignore files of a project with the configured
// py_ignore patterns and the list of file types allowed on the device.
type Rules struct {
	root     string
	cache    *IgnoreCache
	extra    *ig.GitIgnore
	types    map[string]bool
	allTypes bool
}

// NewRules builds the filter for the sync folder at root. fileTypes are
// extensions without the dot; allTypes disables the extension check.
func NewRules(root string, pyIgnore, fileTypes []string, allTypes bool) *Rules {
	r := &Rules{root: root, cache: NewIgnoreCache(root), allTypes: allTypes, types: map[string]bool{}}
	if lines := preprocess(pyIgnore); len(lines) > 0 {
		r.extra = ig.CompileIgnoreLines(lines...)
	}
	for _, t := range fileTypes {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if t != "" {
			r.types[t] = true
		}
	}
	return r
}

// Ignored reports whether the slash-separated path rel below the sync
// folder stays off the device.
func (r *Rules) Ignored(rel string, isDir bool) bool {
	rel = strings.TrimPrefix(rel, "/")
	if r.extra != nil && (r.extra.MatchesPath(rel) || r.extra.MatchesPath(path.Base(rel))) {
		return true
	}
	if r.cache.Match(filepath.Join(r.root, filepath.FromSlash(rel)), isDir) {
		return true
	}
	if isDir || r.allTypes {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(rel), "."))
	return !r.types[ext]
}

// Filter returns the subset of names that are not ignored. Names are device
// files, so all of them are treated as files.
func (r *Rules) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !r.Ignored(n, false) {
			out = append(out, n)
		}
	}
	return out
}

// Reload forgets the cached .sync_ignore files so edits take effect.
func (r *Rules) Reload() {
	r.cache.ClearCache()
}
