// Package worktree manages isolated git worktrees for agent runs.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BranchPrefix marks every branch this manager owns; sweep recognizes
// worktrees and branches by this convention.
const BranchPrefix = "conductor/"

var (
	// ErrBusyRepo means the repository is mid-rebase or mid-merge.
	ErrBusyRepo = errors.New("repository is busy (rebase or merge in progress)")
	// ErrWorktreeExists means acquire collided twice on the label.
	ErrWorktreeExists = errors.New("worktree already exists")
)

// DefaultStagingRoot is the process-wide staging area for worktrees.
func DefaultStagingRoot() string {
	return filepath.Join(os.TempDir(), "conductor", "worktrees")
}

// Manager creates, merges and destroys worktrees under a staging root.
type Manager struct {
	StagingRoot string
}

func NewManager(stagingRoot string) *Manager {
	if stagingRoot == "" {
		stagingRoot = DefaultStagingRoot()
	}
	return &Manager{StagingRoot: stagingRoot}
}

// Handle identifies one acquired worktree.
type Handle struct {
	RepoPath string
	Path     string
	Branch   string
	Label    string
	// ID is the 8-hex suffix shared by the directory and branch names.
	ID string
}

// ReleasePolicy controls what happens to the branch on release.
type ReleasePolicy int

const (
	// Discard removes the branch along with the worktree directory.
	Discard ReleasePolicy = iota
	// KeepBranch removes only the worktree directory; the branch stays.
	KeepBranch
)

// MergeResult reports the outcome of MergeInto.
type MergeResult struct {
	Merged      bool
	FastForward bool
	Conflicts   []string
}

// SanitizeLabel derives a branch-safe label from a task title: lowercase
// alphanumerics and hyphens, at most 40 characters, "task" when empty.
func SanitizeLabel(title string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(title) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Acquire creates a worktree directory and checks out a fresh
// conductor/<label>-<id> branch in it, sharing repoPath's object store.
func (m *Manager) Acquire(ctx context.Context, repoPath, label string) (Handle, error) {
	busy, err := repoBusy(repoPath)
	if err != nil {
		return Handle{}, err
	}
	if busy {
		return Handle{}, ErrBusyRepo
	}
	if err := os.MkdirAll(m.StagingRoot, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create staging root: %w", err)
	}

	label = SanitizeLabel(label)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id := shortID()
		name := label + "-" + id
		h := Handle{
			RepoPath: repoPath,
			Path:     filepath.Join(m.StagingRoot, name),
			Branch:   BranchPrefix + name,
			Label:    label,
			ID:       id,
		}
		if _, err := os.Stat(h.Path); err == nil {
			lastErr = ErrWorktreeExists
			continue
		}
		out, err := runGit(ctx, repoPath, "worktree", "add", h.Path, "-b", h.Branch)
		if err != nil {
			if strings.Contains(out, "already exists") {
				lastErr = ErrWorktreeExists
				continue
			}
			return Handle{}, fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(out), err)
		}
		return h, nil
	}
	return Handle{}, lastErr
}

// Release removes the worktree directory and, under the Discard policy, its
// branch. Failures to remove via git fall back to deleting the directory.
func (m *Manager) Release(ctx context.Context, h Handle, policy ReleasePolicy) error {
	if out, err := runGit(ctx, h.RepoPath, "worktree", "remove", "--force", h.Path); err != nil {
		if rmErr := os.RemoveAll(h.Path); rmErr != nil {
			return fmt.Errorf("git worktree remove: %s; manual cleanup: %w", strings.TrimSpace(out), rmErr)
		}
	}
	_, _ = runGit(ctx, h.RepoPath, "worktree", "prune")
	if policy == Discard {
		_, _ = runGit(ctx, h.RepoPath, "branch", "-D", h.Branch)
	}
	return nil
}

// MergeInto merges the handle's branch into originBranch in the origin
// checkout: fast-forward when possible, a merge commit otherwise. On conflict
// the merge is aborted, the branch left intact, and the conflicting files
// reported.
func (m *Manager) MergeInto(ctx context.Context, h Handle, originBranch string) (MergeResult, error) {
	if originBranch == "" {
		out, err := runGit(ctx, h.RepoPath, "symbolic-ref", "--short", "HEAD")
		if err != nil {
			return MergeResult{}, fmt.Errorf("detect origin branch: %w", err)
		}
		originBranch = strings.TrimSpace(out)
	}
	if out, err := runGit(ctx, h.RepoPath, "checkout", originBranch); err != nil {
		return MergeResult{}, fmt.Errorf("checkout %s: %s: %w", originBranch, strings.TrimSpace(out), err)
	}

	if _, err := runGit(ctx, h.RepoPath, "merge", "--ff-only", h.Branch); err == nil {
		return MergeResult{Merged: true, FastForward: true}, nil
	}

	out, err := runGit(ctx, h.RepoPath, "merge", "--no-ff", h.Branch, "-m", "Merge "+h.Branch)
	if err == nil {
		return MergeResult{Merged: true}, nil
	}

	conflictOut, _ := runGit(ctx, h.RepoPath, "diff", "--name-only", "--diff-filter=U")
	var conflicts []string
	for _, f := range strings.Split(strings.TrimSpace(conflictOut), "\n") {
		if f != "" {
			conflicts = append(conflicts, f)
		}
	}
	_, _ = runGit(ctx, h.RepoPath, "merge", "--abort")
	if len(conflicts) > 0 {
		return MergeResult{Conflicts: conflicts}, nil
	}
	return MergeResult{}, fmt.Errorf("git merge: %s: %w", strings.TrimSpace(out), err)
}

// SweepReport summarizes one Sweep pass.
type SweepReport struct {
	WorktreesRemoved int
	BranchesDeleted  int
}

// Sweep garbage-collects the staging root: directories that do not follow the
// naming convention, or whose recorded owner id is absent from activeIDs, are
// removed. Merged conductor/ branches are deleted from the given repos.
// Sweep is idempotent.
func (m *Manager) Sweep(ctx context.Context, repoPaths []string, activeIDs []string) (SweepReport, error) {
	var report SweepReport
	active := map[string]bool{}
	for _, id := range activeIDs {
		active[id] = true
	}

	entries, err := os.ReadDir(m.StagingRoot)
	if err != nil && !os.IsNotExist(err) {
		return report, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		id, conventional := ownerID(name)
		if conventional && active[id] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.StagingRoot, name)); err == nil {
			report.WorktreesRemoved++
		}
	}

	for _, repoPath := range repoPaths {
		if _, err := os.Stat(repoPath); err != nil {
			continue
		}
		_, _ = runGit(ctx, repoPath, "worktree", "prune")
		out, err := runGit(ctx, repoPath, "branch", "--list", BranchPrefix+"*")
		if err != nil {
			continue
		}
		for _, line := range strings.Split(out, "\n") {
			branch := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "* "))
			if branch == "" || !strings.HasPrefix(branch, BranchPrefix) {
				continue
			}
			if id, ok := ownerID(strings.TrimPrefix(branch, BranchPrefix)); ok && active[id] {
				continue
			}
			// -d only deletes merged branches; unmerged ones stay for review.
			if _, err := runGit(ctx, repoPath, "branch", "-d", branch); err == nil {
				report.BranchesDeleted++
			}
		}
	}
	return report, nil
}

// ownerID extracts the trailing 8-hex suffix from a conventional
// <label>-<8hex> name.
func ownerID(name string) (string, bool) {
	i := strings.LastIndex(name, "-")
	if i < 0 || len(name)-i-1 != 8 {
		return "", false
	}
	id := name[i+1:]
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return id, true
}

// repoBusy detects an in-progress rebase or merge by its marker files.
func repoBusy(repoPath string) (bool, error) {
	gitDir := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false, fmt.Errorf("not a git repository: %s", repoPath)
	}
	if !info.IsDir() {
		// Worktree-style .git file; resolve the real git dir.
		data, err := os.ReadFile(gitDir)
		if err != nil {
			return false, err
		}
		line := strings.TrimSpace(strings.TrimPrefix(string(data), "gitdir:"))
		gitDir = strings.TrimSpace(line)
	}
	for _, marker := range []string{"MERGE_HEAD", "rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
