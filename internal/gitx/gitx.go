// Package gitx wraps the git CLI for the branch, stash, commit, and
// worktree operations the worker manager and compound runner need.
package gitx

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
)

// run executes git with -C dir and returns trimmed combined output.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		if out != "" {
			return out, fmt.Errorf("git %s: %s", args[0], out)
		}
		return out, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(dir string) bool {
	out, err := run(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name, or "" when HEAD is
// detached.
func CurrentBranch(dir string) (string, error) {
	out, err := run(dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return out, nil
}

// IsDirty reports whether the working tree has uncommitted changes or
// untracked files.
func IsDirty(dir string) (bool, error) {
	out, err := run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Stash saves working tree changes, including untracked files.
func Stash(dir, message string) error {
	_, err := run(dir, "stash", "push", "--include-untracked", "-m", message)
	return err
}

// StashPop restores the most recent stash.
func StashPop(dir string) error {
	_, err := run(dir, "stash", "pop")
	return err
}

// CreateAndCheckout creates a new branch from HEAD and switches to it.
func CreateAndCheckout(dir, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	_, err := run(dir, "checkout", "-b", branch)
	return err
}

// Checkout switches to an existing branch.
func Checkout(dir, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	_, err := run(dir, "checkout", branch)
	return err
}

// CommitAll stages everything and commits. A clean tree is not an
// error; ok reports whether a commit was created.
func CommitAll(dir, message string) (ok bool, err error) {
	if _, err := run(dir, "add", "-A"); err != nil {
		return false, err
	}

	dirty, err := IsDirty(dir)
	if err != nil {
		return false, err
	}
	staged, err := run(dir, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	if !dirty && staged == "" {
		return false, nil
	}

	if _, err := run(dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteBranch force-deletes a local branch.
func DeleteBranch(dir, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	_, err := run(dir, "branch", "-D", branch)
	return err
}

// CreateWorktree adds a worktree at worktreePath on a new branch cut
// from startPoint. If the branch already exists it is checked out into
// the worktree instead.
func CreateWorktree(repoRoot, worktreePath, branch, startPoint string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	if !IsRepo(repoRoot) {
		return fmt.Errorf("%q is not a git repository", repoRoot)
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	out, err := run(repoRoot, "worktree", "add", worktreePath, "-b", branch, startPoint)
	if err != nil {
		// Branch exists from a previous run; check it out instead.
		if strings.Contains(out, "already exists") {
			_, err2 := run(repoRoot, "worktree", "add", worktreePath, branch)
			return err2
		}
		return err
	}
	return nil
}

// RemoveWorktree removes a worktree, falling back to deleting the
// directory and pruning when git refuses.
func RemoveWorktree(repoRoot, worktreePath string) error {
	if _, err := run(repoRoot, "worktree", "remove", worktreePath, "--force"); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree: %w", rmErr)
		}
		_, _ = run(repoRoot, "worktree", "prune")
	}

	// Drop the parent directory when this was the last worktree in it.
	_ = os.Remove(filepath.Dir(worktreePath))
	return nil
}

// ListWorktrees returns the paths of all linked worktrees (the main
// working copy excluded).
func ListWorktrees(repoRoot string) ([]string, error) {
	out, err := run(repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	if len(paths) > 0 {
		paths = paths[1:] // first entry is the main working copy
	}
	return paths, nil
}

// ValidateBranchName checks a branch name against git-check-ref-format
// rules.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("branch name must be at most 256 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("branch name must not contain control characters")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', ']', '\\':
			return fmt.Errorf("branch name must not contain '%c'", r)
		}
	}
	if name[0] == '/' || name[0] == '.' || name[0] == '-' || name[0] == '@' {
		return fmt.Errorf("branch name must not start with '%c'", name[0])
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name must not end with /, ., or .lock")
	}
	for _, sub := range []string{"..", "//", "/."} {
		if strings.Contains(name, sub) {
			return fmt.Errorf("branch name must not contain %q", sub)
		}
	}
	return nil
}
