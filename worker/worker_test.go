package worker

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/checks"
	"github.com/onefinestay/cinch/provider"
	"github.com/onefinestay/cinch/store"
)

func TestHandleMasterMovedUnknownProjectIsNoop(t *testing.T) {
	s := store.NewMemory()
	b := bus.NewMemory(1)
	w := New(s, b, nil, provider.NewDryRunClient(context.Background(), ""), logrus.New())

	ev, _ := bus.NewEvent(bus.KindMasterMoved, bus.MasterMoved{Owner: "ghost", Name: "repo"})
	if err := w.handleMasterMoved(context.Background(), ev); err != nil {
		t.Errorf("handleMasterMoved for unknown project should be a no-op, got %v", err)
	}
}

func TestHandlePullRequestStatusUpdatedSkipsWhenPublishStatusOff(t *testing.T) {
	s := store.NewMemory()
	b := bus.NewMemory(1)
	ctx := context.Background()
	projectID, _ := s.UpsertProject(ctx, "acme", "widgets")
	s.UpsertPullRequest(ctx, store.PullRequest{ProjectID: projectID, Number: 1, Head: "h", IsOpen: true}, false)

	w := New(s, b, nil, provider.NewDryRunClient(ctx, ""), logrus.New())
	ev, _ := bus.NewEvent(bus.KindPullRequestStatusUpdated, bus.PullRequestStatusUpdated{Owner: "acme", Name: "widgets", Number: 1})
	if err := w.handlePullRequestStatusUpdated(ctx, ev); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestVerdictToStateMapping(t *testing.T) {
	cases := map[checks.Verdict]provider.State{
		checks.VerdictSuccess: provider.StateSuccess,
		checks.VerdictFailure: provider.StateFailure,
		checks.VerdictPending: provider.StatePending,
	}
	for verdict, want := range cases {
		state, _ := verdictToState(verdict)
		if state != want {
			t.Errorf("verdictToState(%s) = %s, want %s", verdict, state, want)
		}
	}
}
