// Package store holds the durable relational state of the aggregator:
// projects, pull requests, jobs and builds. It is accessed through a
// narrow interface so the rest of the system (ingest, worker, correlate,
// api) never depends on the concrete backend, the way the teacher's
// controllers depend on a kubeClient interface rather than *kube.Client
// directly.
package store

import (
	"context"
	"fmt"
)

// NullBool is a tri-state boolean: unknown/stale, true, or false. The zero
// value is Unknown, matching the "nullable-stale" semantics spec.md
// requires for ahead/behind/is_mergeable.
type NullBool struct {
	Valid bool
	Bool  bool
}

// Bool constructs a valid NullBool.
func Bool(b bool) NullBool { return NullBool{Valid: true, Bool: b} }

// NullInt is a tri-state integer, used for ahead/behind counts.
type NullInt struct {
	Valid bool
	Int   int
}

// Int constructs a valid NullInt.
func Int(i int) NullInt { return NullInt{Valid: true, Int: i} }

// Project is identified by (Owner, Name); ID is the opaque foreign-key
// target. BaseTip is nullable until the first push is observed.
type Project struct {
	ID            int64
	Owner         string
	Name          string
	BaseTip       string // empty means "not yet observed"
	PublishStatus bool
}

// PullRequest is identified by (ProjectID, Number).
type PullRequest struct {
	ProjectID int64
	Number    int
	Head      string
	MergeHead string // empty means null
	Author    string
	Title     string
	IsOpen    bool
	Ahead     NullInt
	Behind    NullInt
	Mergeable NullBool
}

// Job is identified by a globally-unique opaque ID and a globally-unique
// Name. Projects is the ordered set P(J) from spec.md §4.G; order matters
// because it defines build-tuple slot order.
type Job struct {
	ID       string
	Name     string
	Projects []JobProject
}

// JobProject is one row of the Job<->Project association, carrying the
// optional external trigger parameter name.
type JobProject struct {
	ProjectID     int64
	ParameterName string // empty if unset
}

// Build is keyed uniquely by (JobID, BuildNumber).
type Build struct {
	ID          int64
	JobID       string
	BuildNumber int
	Success     NullBool
	Status      string
}

// BuildSha is the per-build, per-project SHA record, keyed on
// (BuildID, ProjectID).
type BuildSha struct {
	BuildID   int64
	ProjectID int64
	Sha       string
}

// ErrUnknownProject is returned when a referenced project does not exist.
type ErrUnknownProject struct {
	Owner, Name string
}

func (e *ErrUnknownProject) Error() string {
	return fmt.Sprintf("unknown project %s/%s", e.Owner, e.Name)
}

// ErrUnknownJob is returned when a referenced job does not exist.
type ErrUnknownJob struct {
	Name string
}

func (e *ErrUnknownJob) Error() string {
	return fmt.Sprintf("unknown job %q", e.Name)
}

// BuildTupleRow is one row produced by BuildTuplesForJob: a build's
// per-project SHA slots, keyed in the same project order as the Job's
// Projects slice, plus its outcome. Empty Shas[i] mean that slot had no
// BuildSha row (the build is then incomplete and never matches).
type BuildTupleRow struct {
	BuildNumber int
	Success     NullBool
	Shas        []string // parallel to the job's Projects order
}

// Store is the full read/write surface the rest of the system needs.
// Every method takes a context so callers can bound it with the request or
// worker-message deadline, matching the teacher's use of context.Context
// on blocking operations.
type Store interface {
	// Projects

	// UpsertProject creates the project if absent (returning its ID) or
	// returns its existing ID unchanged. It never mutates BaseTip; use
	// SetBaseTip for that so callers can detect the "did it change" edge
	// explicitly (needed to decide whether to reset PR relative state).
	UpsertProject(ctx context.Context, owner, name string) (int64, error)
	GetProject(ctx context.Context, owner, name string) (Project, error)
	GetProjectByID(ctx context.Context, id int64) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	// SetBaseTip updates base_tip and reports whether it actually changed.
	SetBaseTip(ctx context.Context, owner, name, sha string) (changed bool, err error)

	// PullRequests

	// UpsertPullRequest creates or updates a pull request by
	// (projectID, number). ResetMergeHead, when true, clears merge_head
	// (spec.md requires this on every pull_request webhook, not just push).
	UpsertPullRequest(ctx context.Context, pr PullRequest, resetMergeHead bool) error
	GetPullRequest(ctx context.Context, projectID int64, number int) (PullRequest, error)
	ListOpenPullRequests(ctx context.Context, projectID int64) ([]PullRequest, error)
	ListAllOpenPullRequests(ctx context.Context) ([]PullRequest, error)

	// ResetRelativeState nulls ahead/behind/is_mergeable and merge_head for
	// every open PR of a project (used when the base tip moves).
	ResetRelativeState(ctx context.Context, projectID int64) error

	// SetRelativeState records freshly computed relative state for one PR.
	SetRelativeState(ctx context.Context, projectID int64, number int, ahead, behind NullInt, mergeable NullBool, mergeHead string) error

	// Jobs

	CreateJob(ctx context.Context, id, name string, projects []JobProject) error
	GetJob(ctx context.Context, name string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	JobsForProject(ctx context.Context, projectID int64) ([]Job, error)

	// Builds

	GetOrCreateBuild(ctx context.Context, jobName string, buildNumber int) (Build, error)
	UpsertBuildSha(ctx context.Context, buildID, projectID int64, sha string) error
	RecordBuildResult(ctx context.Context, buildID int64, success bool, status string) error

	// BuildTuplesForJob returns, for a single job, every build that has at
	// least one non-null SHA slot, in the O(1 query) shape spec.md §4.G
	// requires. Callers join this against expected tuples in memory.
	BuildTuplesForJob(ctx context.Context, job Job) ([]BuildTupleRow, error)

	// ShasForBuild returns the (projectID -> sha) map recorded for a build,
	// used by the fan-out computation in correlate.
	ShasForBuild(ctx context.Context, buildID int64) (map[int64]string, error)
}
