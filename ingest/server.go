// Package ingest implements the HTTP endpoints that accept provider
// webhooks and CI notifications, persist their effect to the store, and
// enqueue bus events for the worker to act on. Routing and the
// header/secret validation shape follow hook.Server.ServeHTTP
// (hook/server.go) generalized from GitHub-only HMAC validation to a
// query-parameter shared secret, since spec.md's provider contract uses
// the latter.
package ingest

import (
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/metrics"
	"github.com/onefinestay/cinch/store"
)

// MasterRef mirrors original_source/cinch/github.py's MASTER_REF: the
// base branch's full ref name.
const MasterRef = "refs/heads/master"

// Server holds the handlers for the three ingest routes; NewServeMux
// wires them onto a mux.
type Server struct {
	Store  store.Store
	Bus    bus.Bus
	Secret string
	Logger *logrus.Logger
}

// NewServeMux wires Server's handlers onto a fresh mux, grounded in
// cmd/deck/main.go's pattern of one handler per route registered on a
// plain http.ServeMux.
func (s *Server) NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/provider", s.handleProviderHook)
	mux.HandleFunc("/ci/build_sha", s.handleBuildSha)
	mux.HandleFunc("/ci/build_status", s.handleBuildStatus)
	return mux
}

func (s *Server) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

// handleProviderHook is POST /hooks/provider?secret=<token>, dispatching
// on the X-Hook-Event header per spec §4.E.
func (s *Server) handleProviderHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("secret") != s.Secret || s.Secret == "" {
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}
	defer r.Body.Close()
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	eventType := r.Header.Get("X-Hook-Event")
	l := s.logger().WithField("event-type", eventType)
	metrics.IncWebhook(eventType)

	var (
		body string
		code = http.StatusOK
	)
	switch eventType {
	case "ping":
		body = "pong"
	case "push":
		body, err = s.handlePush(r.Context(), payload)
	case "pull_request":
		body, err = s.handlePullRequest(r.Context(), payload)
	default:
		body = "Ignoring: unknown event type"
	}
	if err != nil {
		if _, unavailable := err.(*bus.ErrUnavailable); unavailable {
			l.WithError(err).Error("event bus unavailable")
			http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		l.WithError(err).Error("handling provider hook")
		body = "Ignoring: " + err.Error()
	}

	w.WriteHeader(code)
	fmt.Fprint(w, body)
}
