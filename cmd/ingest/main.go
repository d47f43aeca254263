// Binary ingest runs the webhook and CI-callback HTTP surface described
// in original_source/cinch/wsgi.py: a small always-on process that
// accepts provider webhooks and CI callbacks, writes to the store, and
// publishes bus events for worker to react to. Flag/signal handling
// follows cmd/hook/main.go's shape.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/config"
	"github.com/onefinestay/cinch/ingest"
	"github.com/onefinestay/cinch/store"
)

type options struct {
	port int
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.port, "port", 8888, "Port to listen on.")
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
		logrus.Warn("BUS_URI unset, using in-memory bus (events do not survive a restart)")
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

	// Ignore SIGTERM so in-flight webhook deliveries aren't dropped; the
	// orchestrator sends SIGKILL after its grace period.
	signal.Ignore(syscall.SIGTERM)

	cfg := config.Load()
	ctx := context.Background()

	srv := &ingest.Server{
		Store:  openStore(ctx, cfg),
		Bus:    openBus(ctx, cfg),
		Secret: cfg.ProviderWebhookSecret,
		Logger: logger,
	}

	mux := srv.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	mux.Handle("/metrics", promhttp.Handler())

	logrus.WithField("port", o.port).Info("ingest listening")
	logrus.Fatal(http.ListenAndServe(":"+strconv.Itoa(o.port), mux))
}
