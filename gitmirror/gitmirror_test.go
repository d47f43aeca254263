package gitmirror

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// testOrigin creates a throwaway non-bare repo acting as the upstream
// provider would: a master branch plus a PR ref pushed under
// refs/pull/<number>/head, mirroring how GitHub exposes pull requests.
func testOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "master")
	run("config", "receive.denyCurrentBranch", "updateInstead")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README")
	run("commit", "-m", "initial")

	run("checkout", "-b", "pr-1")
	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("feature\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "feature.txt")
	run("commit", "-m", "add feature")
	run("update-ref", "refs/pull/1/head", "pr-1")
	run("checkout", "master")

	// A second PR that conflicts with master.
	run("checkout", "-b", "pr-2")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("conflicting\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README")
	run("commit", "-m", "conflict with master")
	run("update-ref", "refs/pull/2/head", "pr-2")
	run("checkout", "master")

	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("master moved on\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README")
	run("commit", "-m", "move master")

	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 10*time.Second)
}

func TestEnsureClonesThenFetchesIdempotently(t *testing.T) {
	origin := testOrigin(t)
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Ensure(ctx, "acme", "widgets", origin); err != nil {
		t.Fatalf("Ensure (clone): %v", err)
	}
	if err := m.Ensure(ctx, "acme", "widgets", origin); err != nil {
		t.Fatalf("Ensure (refetch): %v", err)
	}
}

func TestComparePRAheadAndBehind(t *testing.T) {
	origin := testOrigin(t)
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Ensure(ctx, "acme", "widgets", origin); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ahead, behind, err := m.ComparePR(ctx, "acme", "widgets", 1, "origin/master")
	if err != nil {
		t.Fatalf("ComparePR: %v", err)
	}
	if ahead != 1 {
		t.Errorf("ahead = %d, want 1", ahead)
	}
	if behind != 1 {
		t.Errorf("behind = %d, want 1 (master moved on after the branch point)", behind)
	}
}

func TestMergeableCleanAndConflicting(t *testing.T) {
	origin := testOrigin(t)
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Ensure(ctx, "acme", "widgets", origin); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ok, err := m.Mergeable(ctx, "acme", "widgets", 1, "origin/master")
	if err != nil {
		t.Fatalf("Mergeable(1): %v", err)
	}
	if !ok {
		t.Error("PR 1 touches an unrelated file and should be mergeable")
	}

	ok, err = m.Mergeable(ctx, "acme", "widgets", 2, "origin/master")
	if err != nil {
		t.Fatalf("Mergeable(2): %v", err)
	}
	if ok {
		t.Error("PR 2 conflicts with master on README and should not be mergeable")
	}
}

func TestMergeHeadAbsentRefReturnsEmpty(t *testing.T) {
	origin := testOrigin(t)
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Ensure(ctx, "acme", "widgets", origin); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	sha, err := m.MergeHead(ctx, "acme", "widgets", 1)
	if err != nil {
		t.Fatalf("MergeHead: %v", err)
	}
	if sha != "" {
		t.Errorf("MergeHead = %q, want empty (no pr_merge ref published)", sha)
	}
}
