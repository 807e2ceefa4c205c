// Package filter decides which filesystem paths are relevant to a watch.
//
// A Filter combines up to four independent layers into a single predicate:
//
//   - include: source globs (or an explicit predicate); absent means "everything"
//   - exclude: ignore globs (or an explicit predicate); absent means "nothing"
//   - extension: an allowlist rendered as one **/*.{a,b,...} glob; absent means "everything"
//   - gitignore: optional .gitignore / .watchmonignore rules acting as an extra exclude
//
// Globs use doublestar syntax. Paths under the configured working directory
// are matched in their cwd-relative, forward-slash form; anything else is
// matched as an absolute path.
//
// A Filter is immutable after construction and safe for concurrent use.
package filter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Predicate reports whether a path satisfies some condition.
type Predicate func(path string) bool

// GlobOptions controls how glob patterns are matched.
type GlobOptions struct {
	// Dot allows * and ** to match path segments starting with a dot.
	Dot bool
	// CaseInsensitive folds pattern and path to lower case before matching.
	CaseInsensitive bool
	// Posix matches paths exactly as given, without converting OS separators
	// to forward slashes first.
	Posix bool
}

// Options configures a Filter. The zero value watches every path.
type Options struct {
	Include    []string
	Ignore     []string
	Extensions []string

	// IncludeFunc and ExcludeFunc take precedence over Include and Ignore.
	IncludeFunc Predicate
	ExcludeFunc Predicate

	// Cwd is the directory relative paths are resolved against.
	Cwd string

	Glob GlobOptions

	// GitignoreRoots enables the gitignore layer for each listed directory.
	GitignoreRoots []string
	// ExtraIgnoreDirs are directory base names always skipped by the gitignore layer.
	ExtraIgnoreDirs []string
	// RepoRoot, when it encloses a gitignore root, also applies the
	// .gitignore files of the directories between the two.
	RepoRoot string
}

// Filter is the combined path predicate.
type Filter struct {
	cwd       string
	posix     bool
	include   Predicate
	exclude   Predicate
	ext       Predicate
	gitignore []*IgnoreMatcher
}

// New compiles opts into a Filter. Invalid glob patterns are reported here
// rather than silently never matching.
func New(opts Options) (*Filter, error) {
	cwd := opts.Cwd
	if cwd != "" {
		abs, err := filepath.Abs(cwd)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cwd = abs
	}

	f := &Filter{
		cwd:     cwd,
		posix:   opts.Glob.Posix,
		include: opts.IncludeFunc,
		exclude: opts.ExcludeFunc,
	}

	if f.include == nil && len(opts.Include) > 0 {
		p, err := Compile(opts.Include, opts.Glob)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
		f.include = p
	}

	if f.exclude == nil && len(opts.Ignore) > 0 {
		p, err := Compile(opts.Ignore, opts.Glob)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern: %w", err)
		}
		f.exclude = p
	}

	if len(opts.Extensions) > 0 {
		p, err := Compile([]string{ExtensionGlob(opts.Extensions)}, GlobOptions{Dot: true, Posix: opts.Glob.Posix, CaseInsensitive: opts.Glob.CaseInsensitive})
		if err != nil {
			return nil, fmt.Errorf("invalid extension list: %w", err)
		}
		f.ext = p
	}

	for _, root := range opts.GitignoreRoots {
		m, err := NewIgnoreMatcher(root, opts.ExtraIgnoreDirs)
		if err != nil {
			return nil, fmt.Errorf("failed to load ignore files under %s: %w", root, err)
		}
		if opts.RepoRoot != "" {
			m.AddAncestors(opts.RepoRoot)
		}
		f.gitignore = append(f.gitignore, m)
	}

	return f, nil
}

// IsWatched reports whether a change to path should be reported.
func (f *Filter) IsWatched(path string) bool {
	p := f.normalize(path)
	return f.isIncluded(p) && !f.isExcluded(p) && f.isExt(p) && !f.isGitignored(path)
}

func (f *Filter) isIncluded(p string) bool {
	return f.include == nil || f.include(p)
}

func (f *Filter) isExcluded(p string) bool {
	return f.exclude != nil && f.exclude(p)
}

func (f *Filter) isExt(p string) bool {
	return f.ext == nil || f.ext(p)
}

func (f *Filter) isGitignored(path string) bool {
	for _, m := range f.gitignore {
		if m.Matches(f.absolute(path)) {
			return true
		}
	}
	return false
}

// SkipDir reports whether an absolute directory path can be left out of the
// watch entirely because the gitignore layer excludes it.
func (f *Filter) SkipDir(dir string) bool {
	for _, m := range f.gitignore {
		if m.SkipDir(dir) {
			return true
		}
	}
	return false
}

// Rel returns the form of path the filter matches against.
func (f *Filter) Rel(path string) string {
	return f.normalize(path)
}

func (f *Filter) normalize(path string) string {
	if f.cwd != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(f.cwd, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			path = rel
		}
	}
	if f.posix {
		return path
	}
	return filepath.ToSlash(path)
}

func (f *Filter) absolute(path string) string {
	if filepath.IsAbs(path) || f.cwd == "" {
		return path
	}
	return filepath.Join(f.cwd, filepath.FromSlash(path))
}

// Compile turns a list of glob patterns into a predicate matching any of
// them. An empty list compiles to nil.
func Compile(patterns []string, opts GlobOptions) (Predicate, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	compiled := make([]string, 0, len(patterns))
	for _, pat := range patterns {
		pat = strings.TrimPrefix(filepath.ToSlash(pat), "./")
		if opts.CaseInsensitive {
			pat = strings.ToLower(pat)
		}
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("%q: %w", pat, doublestar.ErrBadPattern)
		}
		compiled = append(compiled, pat)
	}

	return func(path string) bool {
		if opts.CaseInsensitive {
			path = strings.ToLower(path)
		}
		for _, pat := range compiled {
			if !opts.Dot && hasHiddenSegment(path) && !mentionsDot(pat) {
				continue
			}
			if doublestar.MatchUnvalidated(pat, path) {
				return true
			}
		}
		return false
	}, nil
}

// ExtensionGlob renders an extension allowlist as a single alternation glob.
// Leading dots are optional: "go", ".go" and "*.go" are equivalent.
func ExtensionGlob(exts []string) string {
	clean := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimLeft(strings.TrimPrefix(e, "*"), ".")
		if e != "" {
			clean = append(clean, e)
		}
	}
	if len(clean) == 1 {
		return "**/*." + clean[0]
	}
	return "**/*.{" + strings.Join(clean, ",") + "}"
}

// Base returns the non-glob leading directory of pattern, "." when the
// pattern starts with a glob.
func Base(pattern string) string {
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	if base == "" {
		return "."
	}
	return filepath.FromSlash(base)
}

// IsGlob reports whether pattern contains glob metacharacters.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// Targets resolves configured roots to absolute, de-duplicated directories
// and reports whether any root was a glob.
func Targets(roots []string, cwd string) ([]string, bool, error) {
	if cwd == "" {
		cwd = "."
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	if len(roots) == 0 {
		return []string{cwd}, false, nil
	}

	seen := make(map[string]bool, len(roots))
	var (
		targets []string
		glob    bool
	)
	for _, root := range roots {
		dir := root
		if IsGlob(root) {
			glob = true
			dir = Base(root)
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cwd, dir)
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		targets = append(targets, dir)
	}
	return targets, glob, nil
}

func hasHiddenSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}

func mentionsDot(pattern string) bool {
	return strings.HasPrefix(pattern, ".") || strings.Contains(pattern, "/.")
}
