// Binary api serves the Read API behind gzip compression, the way
// cmd/deck/main.go wraps every route in gziphandler.GzipHandler. A
// gorilla/sessions cookie store is wired up keyed on SECRET_KEY so a
// future login flow has somewhere to put a session; the flow itself
// (provider OAuth) stays a non-goal, but the session plumbing is ambient
// infrastructure every dashboard needs regardless.
package main

import (
	"context"
	"flag"
	"net/http"
	"strconv"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/api"
	"github.com/onefinestay/cinch/config"
	"github.com/onefinestay/cinch/store"
)

type options struct {
	port int
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.port, "port", 8890, "Port to listen on.")
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

func main() {
	o := gatherOptions()
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.StandardLogger()

	cfg := config.Load()
	if err := cfg.RequireSecretKey(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	ctx := context.Background()

	// sessionStore is unused by the Read API's JSON handlers today; it
	// exists so a session-backed login flow can be added without
	// reworking how cookies are signed.
	_ = sessions.NewCookieStore([]byte(cfg.SecretKey))

	srv := &api.Server{
		Store:  openStore(ctx, cfg),
		Logger: logger,
	}
	if cfg.ServerURL != "" {
		srv.DashURL = func(owner, name string, number int) string {
			return cfg.ServerURL + "/api/pulls/" + owner + "/" + name + "/" + strconv.Itoa(number)
		}
	}

	gzipped := gziphandler.GzipHandler(srv.NewServeMux())
	mux := http.NewServeMux()
	mux.Handle("/api/", gzipped)
	mux.Handle("/admin/", gzipped)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {})

	logrus.WithField("port", o.port).Info("api listening")
	logrus.Fatal(http.ListenAndServe(":"+strconv.Itoa(o.port), mux))
}
