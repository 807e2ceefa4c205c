package filter

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the project-specific ignore file. Its rules, including
// negations, win over .gitignore rules at the same or a shallower level.
const IgnoreFileName = ".watchmonignore"

// scopedMatcher is a compiled ignore file and the directory it applies to,
// relative to the matcher root ("" for the root itself). Files from
// directories above the root carry the root's path relative to them in
// prefix instead.
type scopedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string
	prefix  string
}

// overrideMatcher holds the two compilations of a .watchmonignore file:
// full keeps negations for the decision, any turns every rule positive so
// we can tell whether the file has an opinion about a path at all.
type overrideMatcher struct {
	full    *ignore.GitIgnore
	any     *ignore.GitIgnore
	baseDir string
}

// IgnoreMatcher evaluates .gitignore and .watchmonignore files found under a
// root directory.
type IgnoreMatcher struct {
	root         string
	gitMatchers  []scopedMatcher
	overrides    []overrideMatcher
	extraDirs    []string
	hasNegations bool
}

// NewIgnoreMatcher walks root collecting ignore files. Directories whose base
// name is in extraDirs are neither walked nor watched.
func NewIgnoreMatcher(root string, extraDirs []string) (*IgnoreMatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	m := &IgnoreMatcher{
		root:      abs,
		extraDirs: extraDirs,
	}

	err = filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if info.IsDir() {
			if path != abs && m.isExtraDir(filepath.Base(path)) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(abs, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if rel == "." {
			rel = ""
		}
		rel = filepath.ToSlash(rel)

		switch filepath.Base(path) {
		case ".gitignore":
			gi, err := ignore.CompileIgnoreFile(path)
			if err != nil {
				return nil // Skip unreadable ignore files
			}
			m.gitMatchers = append(m.gitMatchers, scopedMatcher{matcher: gi, baseDir: rel})
		case IgnoreFileName:
			om, negations, err := compileOverrideFile(path)
			if err != nil {
				return nil
			}
			om.baseDir = rel
			m.overrides = append(m.overrides, om)
			m.hasNegations = m.hasNegations || negations
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AddAncestors loads the .gitignore files of every directory above the root
// up to and including repoRoot. It does nothing when repoRoot does not
// enclose the root.
func (m *IgnoreMatcher) AddAncestors(repoRoot string) {
	top, err := filepath.Abs(repoRoot)
	if err != nil {
		return
	}
	if _, ok := m.rel(top); ok {
		return // repoRoot is the root itself or below it
	}
	if rel, err := filepath.Rel(top, m.root); err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	for dir := filepath.Dir(m.root); ; dir = filepath.Dir(dir) {
		prefix, err := filepath.Rel(dir, m.root)
		if err != nil {
			return
		}
		if gi, err := ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore")); err == nil {
			m.gitMatchers = append(m.gitMatchers, scopedMatcher{matcher: gi, prefix: filepath.ToSlash(prefix)})
		}
		if dir == top || filepath.Dir(dir) == dir {
			return
		}
	}
}

// Root returns the directory the matcher was built for.
func (m *IgnoreMatcher) Root() string {
	return m.root
}

// Matches reports whether the absolute path is ignored. Paths outside the
// root are never ignored.
func (m *IgnoreMatcher) Matches(absPath string) bool {
	rel, ok := m.rel(absPath)
	if !ok {
		return false
	}
	return m.ShouldIgnore(rel)
}

// ShouldIgnore reports whether a root-relative path is ignored.
func (m *IgnoreMatcher) ShouldIgnore(path string) bool {
	normalized := filepath.ToSlash(path)

	result, hasOpinion, overrideBase := m.evalOverrides(normalized)
	if hasOpinion {
		if result {
			return true
		}
		// A negation only beats .gitignore files at the same level or above.
		if ignored, gitBase := m.evalGitignore(normalized); ignored && len(gitBase) > len(overrideBase) {
			return true
		}
		return false
	}

	ignored, _ := m.evalGitignore(normalized)
	return ignored
}

// ShouldSkipDir reports whether a directory can be left out of the watch
// entirely. With negations present, files inside an ignored directory may be
// re-included, so it must still be watched.
func (m *IgnoreMatcher) ShouldSkipDir(path string) bool {
	if !m.ShouldIgnore(path) {
		return false
	}
	if result, hasOpinion, _ := m.evalOverrides(filepath.ToSlash(path)); hasOpinion {
		return result
	}
	return !m.hasNegations
}

// SkipDir is ShouldSkipDir for absolute paths.
func (m *IgnoreMatcher) SkipDir(absPath string) bool {
	rel, ok := m.rel(absPath)
	if !ok || rel == "." {
		return false
	}
	return m.ShouldSkipDir(rel)
}

func (m *IgnoreMatcher) rel(absPath string) (string, bool) {
	rel, err := filepath.Rel(m.root, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func (m *IgnoreMatcher) isExtraDir(base string) bool {
	for _, dir := range m.extraDirs {
		if base == dir {
			return true
		}
	}
	return false
}

// evalOverrides returns (ignored, hasOpinion, baseDir) for the most specific
// .watchmonignore that mentions the path.
func (m *IgnoreMatcher) evalOverrides(normalized string) (bool, bool, string) {
	var best *overrideMatcher
	for i := range m.overrides {
		om := &m.overrides[i]
		rel := scopedRelPath(normalized, om.baseDir)
		if rel == "" {
			continue
		}
		if om.any.MatchesPath(rel) || om.any.MatchesPath(rel+"/") {
			if best == nil || len(om.baseDir) > len(best.baseDir) {
				best = om
			}
		}
	}
	if best == nil {
		return false, false, ""
	}

	rel := scopedRelPath(normalized, best.baseDir)
	plain := best.full.MatchesPath(rel)
	slash := best.full.MatchesPath(rel + "/")
	if plain && !slash {
		return false, true, best.baseDir
	}
	return plain || slash, true, best.baseDir
}

// evalGitignore checks extra dirs and .gitignore files, returning the deepest
// matching level.
func (m *IgnoreMatcher) evalGitignore(normalized string) (bool, string) {
	found := false
	deepest := ""

	for _, seg := range strings.Split(normalized, "/") {
		if m.isExtraDir(seg) {
			found = true
			break
		}
	}

	for _, sm := range m.gitMatchers {
		rel := scopedRelPath(normalized, sm.baseDir)
		if rel == "" {
			continue
		}
		if sm.prefix != "" {
			rel = sm.prefix + "/" + rel
		}
		if sm.matcher.MatchesPath(rel) || sm.matcher.MatchesPath(rel+"/") {
			if !found || len(sm.baseDir) > len(deepest) {
				deepest = sm.baseDir
				found = true
			}
		}
	}
	return found, deepest
}

// scopedRelPath returns path relative to baseDir, or "" when path lies
// outside it.
func scopedRelPath(normalized, baseDir string) string {
	if baseDir == "" {
		return normalized
	}
	if normalized == baseDir {
		return "."
	}
	if strings.HasPrefix(normalized, baseDir+"/") {
		return strings.TrimPrefix(normalized, baseDir+"/")
	}
	return ""
}

func compileOverrideFile(path string) (overrideMatcher, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return overrideMatcher{}, false, err
	}

	lines := strings.Split(string(content), "\n")
	full := make([]string, 0, len(lines))
	positive := make([]string, 0, len(lines))
	negations := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		full = append(full, trimmed)
		if strings.HasPrefix(trimmed, "!") {
			negations = true
			positive = append(positive, strings.TrimPrefix(trimmed, "!"))
		} else {
			positive = append(positive, trimmed)
		}
	}

	return overrideMatcher{
		full: ignore.CompileIgnoreLines(full...),
		any:  ignore.CompileIgnoreLines(positive...),
	}, negations, nil
}
