package store

import (
	"context"
	"testing"

	"github.com/go-test/deep"
)

func TestUpsertProjectIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id1, err := m.UpsertProject(ctx, "acme", "widgets")
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	id2, err := m.UpsertProject(ctx, "acme", "widgets")
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if id1 != id2 {
		t.Errorf("UpsertProject returned different IDs for the same project: %d != %d", id1, id2)
	}
}

func TestSetBaseTipReportsChange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.UpsertProject(ctx, "acme", "widgets")

	changed, err := m.SetBaseTip(ctx, "acme", "widgets", "deadbeef")
	if err != nil {
		t.Fatalf("SetBaseTip: %v", err)
	}
	if !changed {
		t.Error("expected first SetBaseTip to report changed=true")
	}

	changed, err = m.SetBaseTip(ctx, "acme", "widgets", "deadbeef")
	if err != nil {
		t.Fatalf("SetBaseTip: %v", err)
	}
	if changed {
		t.Error("expected repeated SetBaseTip with the same sha to report changed=false")
	}
}

func TestSetBaseTipUnknownProject(t *testing.T) {
	m := NewMemory()
	_, err := m.SetBaseTip(context.Background(), "ghost", "repo", "deadbeef")
	if _, ok := err.(*ErrUnknownProject); !ok {
		t.Errorf("got %T, want *ErrUnknownProject", err)
	}
}

func TestResetRelativeStateOnlyTouchesOpenPulls(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	projectID, _ := m.UpsertProject(ctx, "acme", "widgets")

	m.UpsertPullRequest(ctx, PullRequest{ProjectID: projectID, Number: 1, Head: "aaa", IsOpen: true}, false)
	m.UpsertPullRequest(ctx, PullRequest{ProjectID: projectID, Number: 2, Head: "bbb", IsOpen: false}, false)
	m.SetRelativeState(ctx, projectID, 1, Int(1), Int(0), Bool(true), "merged-aaa")
	m.SetRelativeState(ctx, projectID, 2, Int(3), Int(0), Bool(true), "merged-bbb")

	if err := m.ResetRelativeState(ctx, projectID); err != nil {
		t.Fatalf("ResetRelativeState: %v", err)
	}

	open, _ := m.GetPullRequest(ctx, projectID, 1)
	if open.Ahead.Valid || open.Behind.Valid || open.Mergeable.Valid || open.MergeHead != "" {
		t.Errorf("open PR relative state not reset: %+v", open)
	}

	closed, _ := m.GetPullRequest(ctx, projectID, 2)
	if !closed.Ahead.Valid || closed.Ahead.Int != 3 {
		t.Errorf("closed PR relative state should be untouched, got %+v", closed)
	}
}

func TestUpsertPullRequestResetsMergeHeadOnDemand(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	projectID, _ := m.UpsertProject(ctx, "acme", "widgets")

	m.UpsertPullRequest(ctx, PullRequest{ProjectID: projectID, Number: 1, Head: "aaa", MergeHead: "mmm", IsOpen: true}, false)
	m.UpsertPullRequest(ctx, PullRequest{ProjectID: projectID, Number: 1, Head: "bbb", IsOpen: true}, true)

	pr, err := m.GetPullRequest(ctx, projectID, 1)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	if pr.Head != "bbb" {
		t.Errorf("Head = %q, want bbb", pr.Head)
	}
	if pr.MergeHead != "" {
		t.Errorf("MergeHead = %q, want empty after resetMergeHead", pr.MergeHead)
	}
}

func TestGetOrCreateBuildUnknownJob(t *testing.T) {
	m := NewMemory()
	_, err := m.GetOrCreateBuild(context.Background(), "nonexistent", 42)
	if _, ok := err.(*ErrUnknownJob); !ok {
		t.Errorf("got %T, want *ErrUnknownJob", err)
	}
}

func TestGetOrCreateBuildIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.CreateJob(ctx, "job-1", "integration", nil)

	b1, err := m.GetOrCreateBuild(ctx, "integration", 7)
	if err != nil {
		t.Fatalf("GetOrCreateBuild: %v", err)
	}
	b2, err := m.GetOrCreateBuild(ctx, "integration", 7)
	if err != nil {
		t.Fatalf("GetOrCreateBuild: %v", err)
	}
	if b1.ID != b2.ID {
		t.Errorf("GetOrCreateBuild returned different IDs for the same (job, number): %d != %d", b1.ID, b2.ID)
	}
}

// TestBuildTuplesForJobIncludesPartialTuples grounds the O(jobs) query
// budget's semantics: a build appears as soon as any project slot in the
// job has a recorded sha, a slot with no sha is left empty (the engine
// then treats the build as incomplete), and slots follow the job's
// Projects order.
func TestBuildTuplesForJobIncludesPartialTuples(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	frontend, _ := m.UpsertProject(ctx, "acme", "frontend")
	backend, _ := m.UpsertProject(ctx, "acme", "backend")
	m.CreateJob(ctx, "job-1", "e2e", []JobProject{
		{ProjectID: frontend, ParameterName: "FRONTEND_SHA"},
		{ProjectID: backend, ParameterName: "BACKEND_SHA"},
	})
	job, _ := m.GetJob(ctx, "e2e")

	complete, _ := m.GetOrCreateBuild(ctx, "e2e", 1)
	m.UpsertBuildSha(ctx, complete.ID, frontend, "fff111")
	m.UpsertBuildSha(ctx, complete.ID, backend, "bbb222")
	m.RecordBuildResult(ctx, complete.ID, true, "SUCCESS")

	partial, _ := m.GetOrCreateBuild(ctx, "e2e", 2)
	m.UpsertBuildSha(ctx, partial.ID, frontend, "fff333")

	rows, err := m.BuildTuplesForJob(ctx, job)
	if err != nil {
		t.Fatalf("BuildTuplesForJob: %v", err)
	}

	want := []BuildTupleRow{
		{BuildNumber: 1, Success: Bool(true), Shas: []string{"fff111", "bbb222"}},
		{BuildNumber: 2, Success: NullBool{}, Shas: []string{"fff333", ""}},
	}
	if diff := deep.Equal(rows, want); diff != nil {
		t.Errorf("BuildTuplesForJob diff: %v", diff)
	}
}

func TestBuildTuplesForJobSkipsBuildsOfOtherJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	projectID, _ := m.UpsertProject(ctx, "acme", "widgets")
	m.CreateJob(ctx, "job-1", "unit", []JobProject{{ProjectID: projectID}})
	m.CreateJob(ctx, "job-2", "integration", []JobProject{{ProjectID: projectID}})

	unitJob, _ := m.GetJob(ctx, "unit")
	integrationJob, _ := m.GetJob(ctx, "integration")

	b, _ := m.GetOrCreateBuild(ctx, "integration", 1)
	m.UpsertBuildSha(ctx, b.ID, projectID, "ccc")

	rows, err := m.BuildTuplesForJob(ctx, unitJob)
	if err != nil {
		t.Fatalf("BuildTuplesForJob: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("unit job should have no build rows, got %v", rows)
	}

	rows, err = m.BuildTuplesForJob(ctx, integrationJob)
	if err != nil {
		t.Fatalf("BuildTuplesForJob: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("integration job should have one build row, got %v", rows)
	}
}

func TestJobsForProject(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, _ := m.UpsertProject(ctx, "acme", "a")
	b, _ := m.UpsertProject(ctx, "acme", "b")
	m.CreateJob(ctx, "job-1", "shared", []JobProject{{ProjectID: a}, {ProjectID: b}})
	m.CreateJob(ctx, "job-2", "a-only", []JobProject{{ProjectID: a}})

	jobs, err := m.JobsForProject(ctx, b)
	if err != nil {
		t.Fatalf("JobsForProject: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "shared" {
		t.Errorf("JobsForProject(b) = %v, want [shared]", jobs)
	}
}

func TestListOpenPullRequestsUnknownProject(t *testing.T) {
	m := NewMemory()
	_, err := m.ListOpenPullRequests(context.Background(), 999)
	if _, ok := err.(*ErrUnknownProject); !ok {
		t.Errorf("got %T, want *ErrUnknownProject", err)
	}
}
