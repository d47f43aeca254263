// Package worker drains the event bus and reacts to the three event
// kinds, grounded in original_source/cinch/worker.py's event_handler
// methods (master_moved, pull_request_moved) and their single-writer
// contract ("we're not threadsafe, but don't need concurrency, only
// async"). Go's version keeps that single-writer discipline as a single
// goroutine draining one channel, the way plank/controller.go's
// syncProwJobs fans work out from one consuming loop.
package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/checks"
	"github.com/onefinestay/cinch/correlate"
	"github.com/onefinestay/cinch/gitmirror"
	"github.com/onefinestay/cinch/metrics"
	"github.com/onefinestay/cinch/provider"
	"github.com/onefinestay/cinch/store"
)

// Worker owns the dependencies needed to react to bus deliveries.
type Worker struct {
	Store    store.Store
	Bus      bus.Bus
	Git      *gitmirror.Manager
	Provider *provider.Client
	Logger   *logrus.Logger
	DashURL  func(owner, name string, number int) string

	seen *bus.Seen
}

// New constructs a Worker ready to Run.
func New(s store.Store, b bus.Bus, git *gitmirror.Manager, p *provider.Client, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{Store: s, Bus: b, Git: git, Provider: p, Logger: logger, seen: bus.NewSeen(), DashURL: defaultDashURL}
}

func defaultDashURL(owner, name string, number int) string {
	return ""
}

// Run drains deliveries until ctx is cancelled. It is the single logical
// consumer per spec §5: handlers run one at a time, in delivery order.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.Bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d bus.Delivery) {
	l := w.Logger.WithField("kind", string(d.Event.Kind))
	if !w.seen.Once(d.ID) {
		l.Debug("duplicate delivery, acking without reprocessing")
		d.Ack()
		return
	}

	var err error
	switch d.Event.Kind {
	case bus.KindMasterMoved:
		err = w.handleMasterMoved(ctx, d.Event)
	case bus.KindPullRequestMoved:
		err = w.handlePullRequestMoved(ctx, d.Event)
	case bus.KindPullRequestStatusUpdated:
		err = w.handlePullRequestStatusUpdated(ctx, d.Event)
	default:
		l.Warn("unknown event kind")
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		l.WithError(err).Error("handling event")
	}
	metrics.Worker.EventsProcessed.WithLabelValues(string(d.Event.Kind), outcome).Inc()

	// Every delivery is acked, whatever the handler returned: errors are
	// logged and counted above, and no error, transient or not, causes a
	// nack or a redelivery.
	d.Ack()
}

// refreshOne recomputes relative state for a single pull request using
// the Git Comparator, per spec §4.F. fetch controls whether this call
// issues a fetch first; callers processing many PRs of the same project
// pass fetch=true only for the first one.
func (w *Worker) refreshOne(ctx context.Context, owner, name string, pr store.PullRequest, baseTip string, fetch bool) error {
	if fetch {
		if err := w.Git.Fetch(ctx, owner, name); err != nil {
			// Leave this PR's relative state stale; the caller continues
			// to the next PR rather than aborting the whole batch.
			return err
		}
	}

	baseRef := "origin/master"
	if baseTip != "" {
		baseRef = baseTip
	}
	ahead, behind, err := w.Git.ComparePR(ctx, owner, name, pr.Number, baseRef)
	if err != nil {
		return err
	}
	mergeableBool, err := w.Git.Mergeable(ctx, owner, name, pr.Number, baseRef)
	if err != nil {
		return err
	}
	mergeHead, err := w.Git.MergeHead(ctx, owner, name, pr.Number)
	if err != nil {
		return err
	}

	return w.Store.SetRelativeState(ctx, pr.ProjectID, pr.Number, store.Int(ahead), store.Int(behind), store.Bool(mergeableBool), mergeHead)
}

func (w *Worker) publishStatusUpdated(ctx context.Context, owner, name string, number int) error {
	ev, err := bus.NewEvent(bus.KindPullRequestStatusUpdated, bus.PullRequestStatusUpdated{Owner: owner, Name: name, Number: number})
	if err != nil {
		return err
	}
	return w.Bus.Publish(ctx, ev)
}

func (w *Worker) handleMasterMoved(ctx context.Context, event bus.Event) error {
	var payload bus.MasterMoved
	if err := unmarshal(event, &payload); err != nil {
		return err
	}
	proj, err := w.Store.GetProject(ctx, payload.Owner, payload.Name)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		w.Logger.WithField("project", payload.Owner+"/"+payload.Name).Warn("MasterMoved for unknown project")
		return nil
	}
	if err != nil {
		return err
	}

	pulls, err := w.Store.ListOpenPullRequests(ctx, proj.ID)
	if err != nil {
		return err
	}

	for i, pr := range pulls {
		if err := w.refreshOne(ctx, payload.Owner, payload.Name, pr, proj.BaseTip, i == 0); err != nil {
			w.Logger.WithError(err).WithField("pr", pr.Number).Warn("refreshing pull request after master moved")
			continue
		}
		if err := w.publishStatusUpdated(ctx, payload.Owner, payload.Name, pr.Number); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handlePullRequestMoved(ctx context.Context, event bus.Event) error {
	var payload bus.PullRequestMoved
	if err := unmarshal(event, &payload); err != nil {
		return err
	}
	proj, err := w.Store.GetProject(ctx, payload.Owner, payload.Name)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		return nil
	}
	if err != nil {
		return err
	}
	pr, err := w.Store.GetPullRequest(ctx, proj.ID, payload.Number)
	if err != nil {
		return nil
	}

	if err := w.refreshOne(ctx, payload.Owner, payload.Name, pr, proj.BaseTip, true); err != nil {
		w.Logger.WithError(err).WithField("pr", pr.Number).Warn("refreshing moved pull request")
		return nil
	}
	return w.publishStatusUpdated(ctx, payload.Owner, payload.Name, pr.Number)
}

// verdictToState maps a checks.Verdict to the outbound provider state,
// per spec §4.F's mapping table.
func verdictToState(v checks.Verdict) (provider.State, string) {
	switch v {
	case checks.VerdictSuccess:
		return provider.StateSuccess, "Ready for release"
	case checks.VerdictFailure:
		return provider.StateFailure, ""
	default:
		return provider.StatePending, ""
	}
}

func (w *Worker) handlePullRequestStatusUpdated(ctx context.Context, event bus.Event) error {
	var payload bus.PullRequestStatusUpdated
	if err := unmarshal(event, &payload); err != nil {
		return err
	}
	proj, err := w.Store.GetProject(ctx, payload.Owner, payload.Name)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		return nil
	}
	if err != nil {
		return err
	}
	if !proj.PublishStatus {
		return nil
	}
	pr, err := w.Store.GetPullRequest(ctx, proj.ID, payload.Number)
	if err != nil {
		return nil
	}

	jobs, err := w.Store.JobsForProject(ctx, proj.ID)
	if err != nil {
		return err
	}
	engine := correlate.NewEngine(w.Store, w.Logger.WithField("pr", pr.Number))
	req := checks.Request{
		Project: proj,
		Pull:    pr,
		Jobs:    jobs,
		Engine:  engine,
		DashURL: w.DashURL(payload.Owner, payload.Name, payload.Number),
	}
	statuses, err := checks.Run(ctx, req)
	if err != nil {
		metrics.Worker.StatusPushes.WithLabelValues(string(provider.StateError)).Inc()
		return w.Provider.PostStatus(ctx, payload.Owner, payload.Name, pr.Head, provider.StateError, "", "")
	}
	verdict := checks.Aggregate(statuses)
	state, description := verdictToState(verdict)
	metrics.Worker.StatusPushes.WithLabelValues(string(state)).Inc()

	target := w.DashURL(payload.Owner, payload.Name, payload.Number)
	return w.Provider.PostStatus(ctx, payload.Owner, payload.Name, pr.Head, state, description, target)
}
