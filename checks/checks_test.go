package checks

import (
	"testing"

	"github.com/onefinestay/cinch/store"
)

func status(valid, b bool) store.NullBool {
	if !valid {
		return store.NullBool{}
	}
	return store.Bool(b)
}

func TestAggregateAllTrueIsSuccess(t *testing.T) {
	statuses := []Status{
		{Label: "a", Status: status(true, true)},
		{Label: "b", Status: status(true, true)},
	}
	if got := Aggregate(statuses); got != VerdictSuccess {
		t.Errorf("Aggregate = %v, want success", got)
	}
}

func TestAggregateAnyFalseIsFailure(t *testing.T) {
	statuses := []Status{
		{Label: "a", Status: status(true, true)},
		{Label: "b", Status: status(true, false)},
		{Label: "c", Status: status(false, false)},
	}
	if got := Aggregate(statuses); got != VerdictFailure {
		t.Errorf("Aggregate = %v, want failure", got)
	}
}

func TestAggregateNullIsPending(t *testing.T) {
	statuses := []Status{
		{Label: "a", Status: status(true, true)},
		{Label: "b", Status: status(false, false)},
	}
	if got := Aggregate(statuses); got != VerdictPending {
		t.Errorf("Aggregate = %v, want pending", got)
	}
}

func TestStrictlyAheadRules(t *testing.T) {
	cases := []struct {
		name          string
		ahead, behind store.NullInt
		want          store.NullBool
	}{
		{"stale ahead", store.NullInt{}, store.Int(0), store.NullBool{}},
		{"stale behind", store.Int(1), store.NullInt{}, store.NullBool{}},
		{"behind wins", store.Int(3), store.Int(1), status(true, false)},
		{"strictly ahead", store.Int(3), store.Int(0), status(true, true)},
		{"even", store.Int(0), store.Int(0), store.NullBool{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := Request{Pull: store.PullRequest{Ahead: c.ahead, Behind: c.behind}}
			statuses, err := strictlyAhead(nil, r)
			if err != nil {
				t.Fatalf("strictlyAhead: %v", err)
			}
			if len(statuses) != 1 {
				t.Fatalf("got %d statuses, want 1", len(statuses))
			}
			if statuses[0].Status != c.want {
				t.Errorf("Status = %+v, want %+v", statuses[0].Status, c.want)
			}
		})
	}
}
