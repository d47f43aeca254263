// Package checks aggregates independent pass/fail/unknown signals about
// a pull request into an overall verdict, grounded in
// original_source/cinch/check.py's registry-and-decorator pattern,
// translated into a static slice of registered functions since Go has
// no decorators.
package checks

import (
	"context"
	"fmt"

	"github.com/onefinestay/cinch/correlate"
	"github.com/onefinestay/cinch/store"
)

// Status is the tri-state result of one check.
type Status struct {
	Label  string
	Status store.NullBool
	URL    string
}

// Request bundles everything a check function needs to run. It is built
// once per pull request and passed to every registered check, the way
// original_source/cinch/github.py's GithubUpdateHandler carried the pull
// and repo state its checks read from self.
type Request struct {
	Project store.Project
	Pull    store.PullRequest
	Jobs    []store.Job
	Engine  *correlate.Engine
	DashURL string // this pull request's dashboard page URL, used as Status.URL
}

// CheckFunc produces zero or more Status values for a Request. A
// job-backed check (like jenkins) can return one per job; most return
// exactly one.
type CheckFunc func(ctx context.Context, r Request) ([]Status, error)

var registry []CheckFunc

// Register adds fn to the static check registry. Called from init() in
// each check's own file, mirroring check.py's @check decorator running
// at import time.
func Register(fn CheckFunc) {
	registry = append(registry, fn)
}

// Run executes every registered check against r and returns their
// combined results in registration order.
func Run(ctx context.Context, r Request) ([]Status, error) {
	var out []Status
	for _, fn := range registry {
		statuses, err := fn(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("running check: %w", err)
		}
		out = append(out, statuses...)
	}
	return out, nil
}

// Verdict is the overall release-readiness rollup of a set of Status
// values, per spec §4.H.
type Verdict string

const (
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
	VerdictPending Verdict = "pending"
)

// Aggregate rolls up statuses: success if every status is true, failure
// if any is false, pending otherwise.
func Aggregate(statuses []Status) Verdict {
	pending := false
	for _, s := range statuses {
		if !s.Status.Valid {
			pending = true
			continue
		}
		if !s.Status.Bool {
			return VerdictFailure
		}
	}
	if pending {
		return VerdictPending
	}
	return VerdictSuccess
}
