// Binary resync is the resilience net described in SPEC_FULL.md §5: on a
// schedule it re-publishes MasterMoved for every known project and
// PullRequestMoved for every open pull request, so a webhook dropped by
// the provider or lost by the bus is eventually healed. Handlers
// downstream are idempotent, so redelivery here is always safe.
// Schedule wiring follows the teacher's convention of a small, flag-
// configured binary with its own main loop; the scheduler itself is
// gopkg.in/robfig/cron.v2, the cron library this repo's dependency set
// carries.
package main

import (
	"context"
	"flag"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/config"
	"github.com/onefinestay/cinch/store"
)

type options struct {
	schedule string
}

func gatherOptions() options {
	o := options{}
	flag.StringVar(&o.schedule, "schedule", "@every 5m", "Cron schedule on which to resync.")
	flag.Parse()
	return o
}

func openStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.DBURI == "" {
		logrus.Warn("DB_URI unset, using in-memory store")
		return store.NewMemory()
	}
	s, err := store.OpenPostgres(ctx, cfg.DBURI)
	if err != nil {
		logrus.WithError(err).Fatal("opening postgres store")
	}
	return s
}

func openBus(ctx context.Context, cfg config.Config) bus.Bus {
	if cfg.BusURI == "" {
		logrus.Warn("BUS_URI unset, using in-memory bus (resync is pointless without a durable bus)")
		return bus.NewMemory(256)
	}
	projectID, topicID, subID, err := bus.ParseURI(cfg.BusURI)
	if err != nil {
		logrus.WithError(err).Fatal("parsing BUS_URI")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		logrus.WithError(err).Fatal("creating pubsub client")
	}
	return bus.NewPubSub(client.Topic(topicID), client.Subscription(subID))
}

// resyncOnce re-announces every project's base tip and every open pull
// request's head, so the worker recomputes relative state and verdicts
// as if the underlying webhook had just arrived.
func resyncOnce(ctx context.Context, s store.Store, b bus.Bus, logger *logrus.Logger) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		logger.WithError(err).Error("resync: listing projects")
		return
	}

	for _, proj := range projects {
		ev, err := bus.NewEvent(bus.KindMasterMoved, bus.MasterMoved{Owner: proj.Owner, Name: proj.Name})
		if err != nil {
			logger.WithError(err).Error("resync: building MasterMoved event")
			continue
		}
		if err := b.Publish(ctx, ev); err != nil {
			logger.WithError(err).WithField("project", proj.Owner+"/"+proj.Name).Error("resync: publishing MasterMoved")
		}

		pulls, err := s.ListOpenPullRequests(ctx, proj.ID)
		if err != nil {
			logger.WithError(err).WithField("project", proj.Owner+"/"+proj.Name).Error("resync: listing open pull requests")
			continue
		}
		for _, pr := range pulls {
			ev, err := bus.NewEvent(bus.KindPullRequestMoved, bus.PullRequestMoved{Owner: proj.Owner, Name: proj.Name, Number: pr.Number})
			if err != nil {
				logger.WithError(err).Error("resync: building PullRequestMoved event")
				continue
			}
			if err := b.Publish(ctx, ev); err != nil {
				logger.WithError(err).WithField("pr", pr.Number).Error("resync: publishing PullRequestMoved")
			}
		}
	}
	logger.WithField("projects", len(projects)).Info("resync tick complete")
}

func main() {
	o := gatherOptions()
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.StandardLogger()

	cfg := config.Load()
	ctx := context.Background()
	s := openStore(ctx, cfg)
	b := openBus(ctx, cfg)

	c := cron.New()
	if _, err := c.AddFunc(o.schedule, func() { resyncOnce(ctx, s, b, logger) }); err != nil {
		logger.WithError(err).Fatal("scheduling resync")
	}
	c.Start()

	logger.WithField("schedule", o.schedule).Info("resync running")
	select {} // the cron scheduler runs on its own goroutine; block forever
}
