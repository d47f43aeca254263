// Package correlate matches CI builds to pull requests by SHA tuple. It
// replaces the ad hoc per-build comparisons original_source/cinch/jenkins/models.py
// did in Python (Job.ordered_projects, Build.matches_pull_request) with a
// batched, O(jobs)-query version, generalized the way the teacher's
// controllers generalize a single-resource lookup into a reconciliation
// loop over many.
package correlate

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/store"
)

// Match is the outcome of looking up one (PullRequest, Job) pair: the
// matching build, if any.
type Match struct {
	BuildNumber int
	Success     store.NullBool
	Found       bool
}

// Engine computes, and memoizes per Engine instance, the mapping from
// (pull request, job) pairs to their matching build. Construct a fresh
// Engine per HTTP request or worker message; it is not safe to share
// across requests, since its whole purpose is a request-scoped memo, not
// a process-wide cache.
type Engine struct {
	Store  store.Store
	Logger *logrus.Entry

	mu       sync.Mutex
	cache    map[string]map[string]Match // job name -> tuple key -> match
	projects map[int64]store.Project     // loaded once, on first use
}

// NewEngine constructs a per-request Engine.
func NewEngine(s store.Store, logger *logrus.Entry) *Engine {
	return &Engine{Store: s, Logger: logger, cache: map[string]map[string]Match{}}
}

// loadProjects populates e.projects with every project, once per Engine,
// so expectedTuple can look up a project's base_tip in memory instead of
// issuing a query per slot per job per pull request.
func (e *Engine) loadProjects(ctx context.Context) (map[int64]store.Project, error) {
	e.mu.Lock()
	if e.projects != nil {
		m := e.projects
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	all, err := e.Store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Project, len(all))
	for _, proj := range all {
		byID[proj.ID] = proj
	}

	e.mu.Lock()
	e.projects = byID
	e.mu.Unlock()
	return byID, nil
}

// tupleKey joins a SHA slice into a stable map key. SHAs are 40-hex so
// there is no ambiguity introduced by the separator.
func tupleKey(shas []string) string {
	key := ""
	for i, sha := range shas {
		if i > 0 {
			key += "|"
		}
		key += sha
	}
	return key
}

// loadJob populates the cache for job by issuing exactly one
// store.BuildTuplesForJob query and indexing its rows by tuple, keeping
// only the highest build number and preferring it over any prior entry
// for the same tuple (CI resubmission rule from spec §4.G).
func (e *Engine) loadJob(ctx context.Context, job store.Job) (map[string]Match, error) {
	e.mu.Lock()
	if m, ok := e.cache[job.Name]; ok {
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	rows, err := e.Store.BuildTuplesForJob(ctx, job)
	if err != nil {
		return nil, err
	}

	byTuple := map[string]Match{}
	for _, row := range rows {
		complete := true
		for _, sha := range row.Shas {
			if sha == "" {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		key := tupleKey(row.Shas)
		if existing, ok := byTuple[key]; ok && existing.BuildNumber >= row.BuildNumber {
			continue
		}
		byTuple[key] = Match{BuildNumber: row.BuildNumber, Success: row.Success, Found: true}
	}

	e.mu.Lock()
	e.cache[job.Name] = byTuple
	e.mu.Unlock()
	return byTuple, nil
}

// expectedTuple builds T(J, R): the slot for pr.ProjectID holds headSha
// (the caller passes the PR's merge_head or its head), every other slot
// in job.Projects order holds that project's base_tip, read
// from the Engine's in-memory project map rather than a per-slot query.
func expectedTuple(job store.Job, pr store.PullRequest, headSha string, projects map[int64]store.Project) []string {
	tuple := make([]string, len(job.Projects))
	for i, jp := range job.Projects {
		if jp.ProjectID == pr.ProjectID {
			tuple[i] = headSha
			continue
		}
		tuple[i] = projects[jp.ProjectID].BaseTip
	}
	return tuple
}

// Lookup returns the match for (pr, job), preferring a merge_head match
// over a head match when both exist, per spec §4.G.
func (e *Engine) Lookup(ctx context.Context, job store.Job, pr store.PullRequest) (Match, error) {
	byTuple, err := e.loadJob(ctx, job)
	if err != nil {
		return Match{}, err
	}
	projects, err := e.loadProjects(ctx)
	if err != nil {
		return Match{}, err
	}

	if pr.MergeHead != "" {
		tuple := expectedTuple(job, pr, pr.MergeHead, projects)
		if m, ok := byTuple[tupleKey(tuple)]; ok {
			return m, nil
		}
	}

	tuple := expectedTuple(job, pr, pr.Head, projects)
	if m, ok := byTuple[tupleKey(tuple)]; ok {
		return m, nil
	}
	return Match{}, nil
}

// Verdicts computes {job -> Match} for every job associated with pr's
// project, memoized within this Engine.
func (e *Engine) Verdicts(ctx context.Context, pr store.PullRequest) (map[string]Match, error) {
	jobs, err := e.Store.JobsForProject(ctx, pr.ProjectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Match, len(jobs))
	for _, job := range jobs {
		m, err := e.Lookup(ctx, job, pr)
		if err != nil {
			return nil, err
		}
		out[job.Name] = m
	}
	return out, nil
}

// AffectedPullRequests computes the fan-out set for a just-written
// build's SHA set: every open pull request whose head or merge_head
// appears among the shas, across every project the build touches. This
// is intentionally a broader match than tuple equality — it is a cheap
// over-approximation that never misses a PR, matching the redelivery-
// tolerant contract in spec §4.G ("no PR should be silently missed").
func AffectedPullRequests(ctx context.Context, s store.Store, shas map[int64]string) ([]store.PullRequest, error) {
	wanted := make(map[string]struct{}, len(shas))
	for _, sha := range shas {
		wanted[sha] = struct{}{}
	}

	all, err := s.ListAllOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	var out []store.PullRequest
	for _, pr := range all {
		if _, ok := wanted[pr.Head]; ok {
			out = append(out, pr)
			continue
		}
		if pr.MergeHead != "" {
			if _, ok := wanted[pr.MergeHead]; ok {
				out = append(out, pr)
			}
		}
	}
	return out, nil
}
