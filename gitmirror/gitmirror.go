// Package gitmirror keeps one bare mirror per project on local disk and
// answers ahead/behind and mergeability questions against it, the way
// original_source/cinch/git.py's Repo class did with plain subprocess
// calls. Unlike that implementation, clones and fetches are serialized
// per repo.
package gitmirror

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// ErrGitFetch wraps a failed fetch or any other git subprocess error.
// Per the error taxonomy, callers treat this as "state is stale, try the
// next pull request" rather than aborting the whole batch.
type ErrGitFetch struct {
	Op  string
	Err error
}

func (e *ErrGitFetch) Error() string { return fmt.Sprintf("git %s: %v", e.Op, e.Err) }
func (e *ErrGitFetch) Unwrap() error { return e.Err }

const conflictMarker = "+>>>>>>>" // '+' first: this is a diff, not a merge conflict file

// Manager owns one bare mirror per (owner, name) under BaseDir. Ensure
// and Fetch hold a per-repo mutex, so clones and fetches of one repo run
// one at a time; Compare, ComparePR, Mergeable and MergeHead do not take
// that mutex.
type Manager struct {
	BaseDir string
	Timeout time.Duration

	mu    sync.Map // key string -> *sync.Mutex
	group singleflight.Group
}

// NewManager constructs a Manager rooted at baseDir (REPO_BASE_DIR).
func NewManager(baseDir string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Manager{BaseDir: baseDir, Timeout: timeout}
}

func key(owner, name string) string { return owner + "/" + name }

func (m *Manager) path(owner, name string) string {
	return filepath.Join(m.BaseDir, owner, name)
}

func (m *Manager) lockFor(owner, name string) *sync.Mutex {
	v, _ := m.mu.LoadOrStore(key(owner, name), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Ensure makes sure a bare mirror of url exists locally for (owner, name),
// cloning it if absent, then fetches. It is safe to call concurrently;
// the clone/fetch itself is serialized per repo.
func (m *Manager) Ensure(ctx context.Context, owner, name, url string) error {
	lock := m.lockFor(owner, name)
	lock.Lock()
	defer lock.Unlock()

	dir := m.path(owner, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := m.clone(ctx, owner, name, url); err != nil {
			return err
		}
	}
	return m.fetchLocked(ctx, owner, name)
}

func (m *Manager) clone(ctx context.Context, owner, name, url string) error {
	dir := m.path(owner, name)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &ErrGitFetch{Op: "mkdir", Err: err}
	}
	if _, err := m.run(ctx, parent, nil, "clone", "--bare", url, dir); err != nil {
		return &ErrGitFetch{Op: "clone", Err: err}
	}
	// A bare clone records origin's URL but no fetch refspec; give
	// origin one and add the two PR remotes, covering the three ref
	// namespaces this repo cares about.
	remotes := []struct {
		name, spec string
	}{
		{"origin", "+refs/heads/*:refs/remotes/origin/*"},
		{"pr_head", "+refs/pull/*/head:refs/remotes/pr_head/*"},
		{"pr_merge", "+refs/pull/*/merge:refs/remotes/pr_merge/*"},
	}
	for _, r := range remotes {
		if r.name != "origin" {
			if _, err := m.cmd(ctx, owner, name, "remote", "add", r.name, url); err != nil {
				return &ErrGitFetch{Op: "remote add " + r.name, Err: err}
			}
		}
		if _, err := m.cmd(ctx, owner, name, "config", fmt.Sprintf("remote.%s.fetch", r.name), r.spec); err != nil {
			return &ErrGitFetch{Op: "remote config " + r.name, Err: err}
		}
	}
	return nil
}

// Fetch refreshes all three remotes for (owner, name). The fetch runs
// through singleflight while the per-repo mutex is held, so concurrent
// calls for the same repo queue on the mutex and each runs its own fetch
// in turn; they are not merged into one subprocess.
func (m *Manager) Fetch(ctx context.Context, owner, name string) error {
	lock := m.lockFor(owner, name)
	lock.Lock()
	defer lock.Unlock()
	return m.fetchLocked(ctx, owner, name)
}

func (m *Manager) fetchLocked(ctx context.Context, owner, name string) error {
	_, err, _ := m.group.Do(key(owner, name), func() (interface{}, error) {
		_, err := m.cmd(ctx, owner, name, "fetch", "--all", "--prune")
		return nil, err
	})
	if err != nil {
		return &ErrGitFetch{Op: "fetch", Err: err}
	}
	return nil
}

// Compare counts commits reachable from branch but not from base, i.e.
// `git rev-list --count base..branch`.
func (m *Manager) Compare(ctx context.Context, owner, name, base, branch string) (int, error) {
	out, err := m.cmd(ctx, owner, name, "rev-list", "--count", fmt.Sprintf("%s..%s", base, branch))
	if err != nil {
		return 0, &ErrGitFetch{Op: "rev-list", Err: err}
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, &ErrGitFetch{Op: "rev-list", Err: err}
	}
	return n, nil
}

// ComparePR returns (ahead, behind) of pr_head/<number> relative to
// baseRef, where ahead is commits on the PR branch not on base and
// behind is commits on base not on the PR branch.
func (m *Manager) ComparePR(ctx context.Context, owner, name string, number int, baseRef string) (ahead, behind int, err error) {
	branch := fmt.Sprintf("pr_head/%d", number)
	ahead, err = m.Compare(ctx, owner, name, baseRef, branch)
	if err != nil {
		return 0, 0, err
	}
	behind, err = m.Compare(ctx, owner, name, branch, baseRef)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// Mergeable reports whether pr_head/<number> merges cleanly into baseRef,
// using `git merge-tree` and scanning for the diff3-style conflict marker
// the original implementation scanned for.
func (m *Manager) Mergeable(ctx context.Context, owner, name string, number int, baseRef string) (bool, error) {
	branch := fmt.Sprintf("pr_head/%d", number)
	mergeBase, err := m.cmd(ctx, owner, name, "merge-base", branch, baseRef)
	if err != nil {
		return false, &ErrGitFetch{Op: "merge-base", Err: err}
	}
	mergeBase = strings.TrimSpace(mergeBase)

	result, err := m.cmd(ctx, owner, name, "merge-tree", mergeBase, branch, baseRef)
	if err != nil {
		return false, &ErrGitFetch{Op: "merge-tree", Err: err}
	}
	for _, line := range strings.Split(result, "\n") {
		if strings.HasPrefix(line, conflictMarker) {
			return false, nil
		}
	}
	return true, nil
}

// MergeHead returns the sha git would produce by merging pr_head/<number>
// into baseRef, via the pr_merge remote GitHub/compatible providers
// populate. Empty string means the provider hasn't computed one yet.
func (m *Manager) MergeHead(ctx context.Context, owner, name string, number int) (string, error) {
	out, err := m.cmd(ctx, owner, name, "rev-parse", "--verify", "--quiet", fmt.Sprintf("pr_merge/%d", number))
	if err != nil {
		// rev-parse --quiet exits non-zero when the ref is absent; that's
		// not a fetch failure, just "not computed yet".
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) cmd(ctx context.Context, owner, name string, args ...string) (string, error) {
	return m.run(ctx, "", []string{"--git-dir=" + m.path(owner, name)}, args...)
}

func (m *Manager) run(ctx context.Context, dir string, gitDirArgs []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	full := append(append([]string{}, gitDirArgs...), args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
