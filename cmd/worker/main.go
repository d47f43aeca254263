// Binary worker drains the event bus and keeps relative PR state and
// provider statuses up to date. It is the single logical consumer
// described in original_source/cinch/worker.py; flag/signal handling
// follows the other cmd/* binaries in this repo.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/config"
	"github.com/onefinestay/cinch/gitmirror"
	"github.com/onefinestay/cinch/provider"
	"github.com/onefinestay/cinch/store"
	"github.com/onefinestay/cinch/worker"
)

type options struct {
	healthPort int
	gitTimeout time.Duration
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.healthPort, "health-port", 8889, "Port to serve /healthz and /metrics on.")
	flag.DurationVar(&o.gitTimeout, "git-timeout", 2*time.Minute, "Timeout for a single git subprocess invocation.")
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
		logrus.Warn("BUS_URI unset, using in-memory bus")
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

func main() {
	o := gatherOptions()
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.StandardLogger()

	signal.Ignore(syscall.SIGTERM)

	cfg := config.Load()
	ctx := context.Background()

	var p *provider.Client
	if cfg.ProviderDryRun || cfg.ProviderToken == "" {
		logrus.Warn("running with a dry-run provider client, statuses are logged not posted")
		p = provider.NewDryRunClient(ctx, cfg.ProviderToken)
	} else {
		p = provider.NewClient(ctx, cfg.ProviderToken)
	}

	git := gitmirror.NewManager(cfg.RepoBaseDir, o.gitTimeout)

	w := worker.New(openStore(ctx, cfg), openBus(ctx, cfg), git, p, logger)
	if cfg.ServerURL != "" {
		w.DashURL = func(owner, name string, number int) string {
			return cfg.ServerURL + "/api/pulls/" + owner + "/" + name + "/" + strconv.Itoa(number)
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {})
		mux.Handle("/metrics", promhttp.Handler())
		logrus.Fatal(http.ListenAndServe(":"+strconv.Itoa(o.healthPort), mux))
	}()

	logrus.Info("worker running")
	if err := w.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("worker stopped")
	}
}
