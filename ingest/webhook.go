package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/go-github/github"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/store"
)

// handlePush implements spec §4.E's push branch: ignore non-base
// pushes, update base_tip and reset relative state for known projects,
// enqueue MasterMoved.
func (s *Server) handlePush(ctx context.Context, payload []byte) (string, error) {
	var event github.PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "Ignoring: malformed push payload", nil
	}
	if event.GetRef() != MasterRef {
		return "Ignoring: non-base push", nil
	}
	owner, name := repoOwnerName(event.GetRepo().GetFullName())
	if owner == "" {
		return "Ignoring: missing repository", nil
	}

	proj, err := s.Store.GetProject(ctx, owner, name)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		return "Ignoring: unknown project", nil
	}
	if err != nil {
		return "", err
	}

	sha := event.GetAfter()
	if sha != "" {
		changed, err := s.Store.SetBaseTip(ctx, owner, name, sha)
		if err != nil {
			return "", err
		}
		if changed {
			if err := s.Store.ResetRelativeState(ctx, proj.ID); err != nil {
				return "", err
			}
		}
	}

	ev, err := bus.NewEvent(bus.KindMasterMoved, bus.MasterMoved{Owner: owner, Name: name})
	if err != nil {
		return "", err
	}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		return "", err
	}
	return "OK", nil
}

// handlePullRequest implements spec §4.E's pull_request branch: upsert
// the pull request and enqueue PullRequestMoved, for known projects
// only.
func (s *Server) handlePullRequest(ctx context.Context, payload []byte) (string, error) {
	var event github.PullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "Ignoring: malformed pull_request payload", nil
	}
	pr := event.GetPullRequest()
	if pr == nil {
		return "Ignoring: missing pull_request", nil
	}
	if pr.GetBase().GetRef() != "master" {
		return "Ignoring: non-base pull request", nil
	}
	owner, name := repoOwnerName(event.GetRepo().GetFullName())
	if owner == "" {
		return "Ignoring: missing repository", nil
	}

	proj, err := s.Store.GetProject(ctx, owner, name)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		return "Ignoring: unknown project", nil
	}
	if err != nil {
		return "", err
	}

	record := store.PullRequest{
		ProjectID: proj.ID,
		Number:    pr.GetNumber(),
		Head:      pr.GetHead().GetSHA(),
		Author:    pr.GetUser().GetLogin(),
		Title:     pr.GetTitle(),
		IsOpen:    pr.GetState() == "open",
	}
	if err := s.Store.UpsertPullRequest(ctx, record, true); err != nil {
		return "", err
	}

	ev, err := bus.NewEvent(bus.KindPullRequestMoved, bus.PullRequestMoved{Owner: owner, Name: name, Number: record.Number})
	if err != nil {
		return "", err
	}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		return "", err
	}
	return "OK", nil
}

func repoOwnerName(fullName string) (owner, name string) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
