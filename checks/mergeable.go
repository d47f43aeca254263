package checks

import "context"

func init() { Register(mergeable) }

// mergeable mirrors the pull request's is_mergeable tri-state directly.
func mergeable(ctx context.Context, r Request) ([]Status, error) {
	return []Status{{Label: "mergeable", Status: r.Pull.Mergeable, URL: r.DashURL}}, nil
}
