// Package git locates the repository enclosing a project, so ignore rules
// from above the project directory can be honored.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// Repo describes the repository a path belongs to.
type Repo struct {
	Root       string // Worktree root from: git rev-parse --show-toplevel
	CommonDir  string // Shared .git directory (absolute): git rev-parse --git-common-dir
	IsWorktree bool   // true for a linked worktree (not the main one)
}

// Detect finds the repository enclosing path.
// Returns an error if git is not installed or path is not in a repository.
func Detect(path string) (*Repo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	root, err := revParse(ctx, path, "--show-toplevel")
	if err != nil {
		return nil, err
	}
	root = filepath.Clean(root)

	commonDir, err := revParse(ctx, path, "--git-common-dir")
	if err != nil {
		return nil, fmt.Errorf("failed to get git common directory: %w", err)
	}
	// Relative to the directory git ran in
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(path, commonDir)
	}
	commonDir, err = filepath.Abs(commonDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for git common dir: %w", err)
	}

	return &Repo{
		Root:       root,
		CommonDir:  commonDir,
		IsWorktree: !samePath(commonDir, filepath.Join(root, ".git")),
	}, nil
}

// IsGitRepo returns true if the given path is within a git repository.
// Returns false on any error (git not installed, not a repo, etc.).
func IsGitRepo(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	_, err := revParse(ctx, path, "--git-dir")
	return err == nil
}

func revParse(ctx context.Context, path string, arg string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", arg).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("not a git repository or git command failed: %w (stderr: %s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to execute git command (is git installed?): %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// samePath compares two paths after resolving symlinks, which git does for
// --show-toplevel but not always for --git-common-dir.
func samePath(a, b string) bool {
	if ra, err := filepath.EvalSymlinks(a); err == nil {
		a = ra
	}
	if rb, err := filepath.EvalSymlinks(b); err == nil {
		b = rb
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
