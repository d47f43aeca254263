package correlate

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/store"
)

func setupStore(t *testing.T) (*store.Memory, int64, int64, store.Job) {
	t.Helper()
	s := store.NewMemory()
	ctx := context.Background()

	frontend, _ := s.UpsertProject(ctx, "acme", "frontend")
	backend, _ := s.UpsertProject(ctx, "acme", "backend")
	s.SetBaseTip(ctx, "acme", "backend", "base-backend")

	s.CreateJob(ctx, "job-1", "e2e", []store.JobProject{
		{ProjectID: frontend},
		{ProjectID: backend},
	})
	job, err := s.GetJob(ctx, "e2e")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return s, frontend, backend, job
}

func TestLookupMatchesHeadTuple(t *testing.T) {
	s, frontend, backend, job := setupStore(t)
	ctx := context.Background()

	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: frontend, Number: 1, Head: "pr-head-sha", IsOpen: true}, false)
	pr, _ := s.GetPullRequest(ctx, frontend, 1)

	b, _ := s.GetOrCreateBuild(ctx, "e2e", 10)
	s.UpsertBuildSha(ctx, b.ID, frontend, "pr-head-sha")
	s.UpsertBuildSha(ctx, b.ID, backend, "base-backend")
	s.RecordBuildResult(ctx, b.ID, true, "SUCCESS")

	e := NewEngine(s, logrus.NewEntry(logrus.New()))
	m, err := e.Lookup(ctx, job, pr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !m.Found || m.BuildNumber != 10 || !m.Success.Valid || !m.Success.Bool {
		t.Errorf("Lookup = %+v, want a found, successful match on build 10", m)
	}
}

func TestLookupPrefersMergeHeadOverHead(t *testing.T) {
	s, frontend, backend, job := setupStore(t)
	ctx := context.Background()

	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: frontend, Number: 1, Head: "pr-head-sha", MergeHead: "merge-sha", IsOpen: true}, false)
	pr, _ := s.GetPullRequest(ctx, frontend, 1)

	headBuild, _ := s.GetOrCreateBuild(ctx, "e2e", 1)
	s.UpsertBuildSha(ctx, headBuild.ID, frontend, "pr-head-sha")
	s.UpsertBuildSha(ctx, headBuild.ID, backend, "base-backend")
	s.RecordBuildResult(ctx, headBuild.ID, false, "FAILURE")

	mergeBuild, _ := s.GetOrCreateBuild(ctx, "e2e", 2)
	s.UpsertBuildSha(ctx, mergeBuild.ID, frontend, "merge-sha")
	s.UpsertBuildSha(ctx, mergeBuild.ID, backend, "base-backend")
	s.RecordBuildResult(ctx, mergeBuild.ID, true, "SUCCESS")

	e := NewEngine(s, logrus.NewEntry(logrus.New()))
	m, err := e.Lookup(ctx, job, pr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.BuildNumber != 2 {
		t.Errorf("BuildNumber = %d, want 2 (merge_head match preferred)", m.BuildNumber)
	}
}

func TestLookupPrefersHighestBuildNumberOnResubmission(t *testing.T) {
	s, frontend, backend, job := setupStore(t)
	ctx := context.Background()

	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: frontend, Number: 1, Head: "pr-head-sha", IsOpen: true}, false)
	pr, _ := s.GetPullRequest(ctx, frontend, 1)

	first, _ := s.GetOrCreateBuild(ctx, "e2e", 1)
	s.UpsertBuildSha(ctx, first.ID, frontend, "pr-head-sha")
	s.UpsertBuildSha(ctx, first.ID, backend, "base-backend")
	s.RecordBuildResult(ctx, first.ID, false, "FAILURE")

	resubmit, _ := s.GetOrCreateBuild(ctx, "e2e", 2)
	s.UpsertBuildSha(ctx, resubmit.ID, frontend, "pr-head-sha")
	s.UpsertBuildSha(ctx, resubmit.ID, backend, "base-backend")
	s.RecordBuildResult(ctx, resubmit.ID, true, "SUCCESS")

	e := NewEngine(s, logrus.NewEntry(logrus.New()))
	m, err := e.Lookup(ctx, job, pr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.BuildNumber != 2 || !m.Success.Bool {
		t.Errorf("Lookup = %+v, want build 2 (highest, successful)", m)
	}
}

func TestLookupNoMatch(t *testing.T) {
	s, frontend, _, job := setupStore(t)
	ctx := context.Background()
	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: frontend, Number: 1, Head: "unbuilt-sha", IsOpen: true}, false)
	pr, _ := s.GetPullRequest(ctx, frontend, 1)

	e := NewEngine(s, logrus.NewEntry(logrus.New()))
	m, err := e.Lookup(ctx, job, pr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Found {
		t.Errorf("Lookup = %+v, want not found", m)
	}
}

// countingStore wraps store.Memory to count the two query types Engine
// should issue at most once per distinct job/Engine: BuildTuplesForJob
// and ListProjects.
type countingStore struct {
	*store.Memory
	buildTuplesCalls int
	listProjectsCalls int
}

func (c *countingStore) BuildTuplesForJob(ctx context.Context, job store.Job) ([]store.BuildTupleRow, error) {
	c.buildTuplesCalls++
	return c.Memory.BuildTuplesForJob(ctx, job)
}

func (c *countingStore) ListProjects(ctx context.Context) ([]store.Project, error) {
	c.listProjectsCalls++
	return c.Memory.ListProjects(ctx)
}

func TestEngineMemoizesAcrossMultiplePullRequests(t *testing.T) {
	mem, frontend, backend, job := setupStore(t)
	ctx := context.Background()
	cs := &countingStore{Memory: mem}

	cs.UpsertPullRequest(ctx, store.PullRequest{ProjectID: frontend, Number: 1, Head: "pr-1-head", IsOpen: true}, false)
	cs.UpsertPullRequest(ctx, store.PullRequest{ProjectID: frontend, Number: 2, Head: "pr-2-head", IsOpen: true}, false)
	pr1, _ := cs.GetPullRequest(ctx, frontend, 1)
	pr2, _ := cs.GetPullRequest(ctx, frontend, 2)

	b, _ := cs.GetOrCreateBuild(ctx, "e2e", 1)
	cs.UpsertBuildSha(ctx, b.ID, frontend, "pr-1-head")
	cs.UpsertBuildSha(ctx, b.ID, backend, "base-backend")
	cs.RecordBuildResult(ctx, b.ID, true, "SUCCESS")

	e := NewEngine(cs, logrus.NewEntry(logrus.New()))
	if _, err := e.Lookup(ctx, job, pr1); err != nil {
		t.Fatalf("Lookup pr1: %v", err)
	}
	if _, err := e.Lookup(ctx, job, pr2); err != nil {
		t.Fatalf("Lookup pr2: %v", err)
	}

	if cs.buildTuplesCalls != 1 {
		t.Errorf("BuildTuplesForJob called %d times across 2 PRs sharing one job on one Engine, want 1", cs.buildTuplesCalls)
	}
	if cs.listProjectsCalls != 1 {
		t.Errorf("ListProjects called %d times across 2 Lookups on one Engine, want 1", cs.listProjectsCalls)
	}
}

func TestAffectedPullRequestsMatchesHeadOrMergeHead(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	projectID, _ := s.UpsertProject(ctx, "acme", "widgets")

	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: projectID, Number: 1, Head: "head-1", IsOpen: true}, false)
	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: projectID, Number: 2, Head: "head-2", MergeHead: "merge-2", IsOpen: true}, false)
	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: projectID, Number: 3, Head: "head-3", IsOpen: false}, false)

	shas := map[int64]string{projectID: "merge-2"}
	affected, err := AffectedPullRequests(ctx, s, shas)
	if err != nil {
		t.Fatalf("AffectedPullRequests: %v", err)
	}
	if len(affected) != 1 || affected[0].Number != 2 {
		t.Errorf("AffectedPullRequests = %v, want just PR 2", affected)
	}
}
