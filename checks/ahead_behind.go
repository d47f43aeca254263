package checks

import "context"

func init() { Register(strictlyAhead) }

// strictlyAhead is true iff the pull request is ahead of base and not
// behind at all; null if either count is stale; false if behind>0.
func strictlyAhead(ctx context.Context, r Request) ([]Status, error) {
	ahead, behind := r.Pull.Ahead, r.Pull.Behind
	s := Status{Label: "strictly-ahead", URL: r.DashURL}
	switch {
	case !ahead.Valid || !behind.Valid:
		// null status, leave s.Status as the zero NullBool
	case behind.Int > 0:
		s.Status.Valid = true
		s.Status.Bool = false
	case ahead.Int > 0:
		s.Status.Valid = true
		s.Status.Bool = true
	}
	return []Status{s}, nil
}
