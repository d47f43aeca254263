package checks

import (
	"context"
	"fmt"
)

func init() { Register(jenkinsBuilds) }

// jenkinsBuilds produces one Status per job associated with the pull
// request's project, named after original_source/cinch/jenkins despite
// the CI system being provider-agnostic in this repo — spec's check
// name, kept verbatim.
func jenkinsBuilds(ctx context.Context, r Request) ([]Status, error) {
	out := make([]Status, 0, len(r.Jobs))
	for _, job := range r.Jobs {
		match, err := r.Engine.Lookup(ctx, job, r.Pull)
		if err != nil {
			return nil, err
		}
		s := Status{Label: job.Name, URL: r.DashURL}
		if match.Found {
			s.Status = match.Success
			s.URL = fmt.Sprintf("%s#build-%d", r.DashURL, match.BuildNumber)
		}
		out = append(out, s)
	}
	return out, nil
}
