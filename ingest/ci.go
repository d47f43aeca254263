package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/onefinestay/cinch/bus"
	"github.com/onefinestay/cinch/correlate"
	"github.com/onefinestay/cinch/metrics"
	"github.com/onefinestay/cinch/store"
)

// buildStatusPayload mirrors the two JSON shapes
// original_source/cinch/jenkins/views.py's build_status handles: a bare
// phase transition (no Status) and a finished build (Status present).
type buildStatusPayload struct {
	Name  string `json:"name"`
	Build struct {
		Number int    `json:"number"`
		Phase  string `json:"phase"`
		Status string `json:"status"`
	} `json:"build"`
}

// handleBuildSha is POST /ci/build_sha, form-encoded, per spec §4.E.
func (s *Server) handleBuildSha(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metrics.IncCI("build_sha")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}
	jobName := r.FormValue("job_name")
	projectOwner := r.FormValue("project_owner")
	projectName := r.FormValue("project_name")
	sha := r.FormValue("sha")
	buildNumber, err := strconv.Atoi(r.FormValue("build_number"))
	if err != nil {
		http.Error(w, "400 Bad Request: build_number must be an integer", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	build, err := s.Store.GetOrCreateBuild(ctx, jobName, buildNumber)
	if _, unknown := err.(*store.ErrUnknownJob); unknown {
		http.Error(w, "404 Not Found: unknown job", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger().WithError(err).Error("GetOrCreateBuild")
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	proj, err := s.Store.GetProject(ctx, projectOwner, projectName)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		http.Error(w, "404 Not Found: unknown project", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger().WithError(err).Error("GetProject")
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	if err := s.Store.UpsertBuildSha(ctx, build.ID, proj.ID, sha); err != nil {
		s.logger().WithError(err).Error("UpsertBuildSha")
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	if err := s.fanOut(ctx, build.ID); err != nil {
		s.logger().WithError(err).Error("fan-out after build_sha")
		if _, unavailable := err.(*bus.ErrUnavailable); unavailable {
			http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	fmt.Fprint(w, "OK")
}

// handleBuildStatus is POST /ci/build_status, JSON body, per spec §4.E.
func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metrics.IncCI("build_status")
	var payload buildStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}
	if payload.Build.Status == "" {
		// Phase transition only (STARTED etc); nothing to record.
		fmt.Fprint(w, "OK")
		return
	}

	ctx := r.Context()
	build, err := s.Store.GetOrCreateBuild(ctx, payload.Name, payload.Build.Number)
	if _, unknown := err.(*store.ErrUnknownJob); unknown {
		http.Error(w, "404 Not Found: unknown job", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger().WithError(err).Error("GetOrCreateBuild")
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	success := payload.Build.Status == "SUCCESS"
	if err := s.Store.RecordBuildResult(ctx, build.ID, success, payload.Build.Status); err != nil {
		s.logger().WithError(err).Error("RecordBuildResult")
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	if err := s.fanOut(ctx, build.ID); err != nil {
		s.logger().WithError(err).Error("fan-out after build_status")
		if _, unavailable := err.(*bus.ErrUnavailable); unavailable {
			http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	fmt.Fprint(w, "OK")
}

// fanOut implements the engine's "on ingest" contract from spec §4.G:
// publish PullRequestStatusUpdated for every open pull request whose
// head or merge_head appears in this build's recorded SHA set.
func (s *Server) fanOut(ctx context.Context, buildID int64) error {
	shas, err := s.Store.ShasForBuild(ctx, buildID)
	if err != nil {
		return err
	}
	affected, err := correlate.AffectedPullRequests(ctx, s.Store, shas)
	if err != nil {
		return err
	}
	for _, pr := range affected {
		proj, err := s.Store.GetProjectByID(ctx, pr.ProjectID)
		if err != nil {
			s.logger().WithError(err).Warn("resolving project for fan-out")
			continue
		}
		ev, err := bus.NewEvent(bus.KindPullRequestStatusUpdated, bus.PullRequestStatusUpdated{
			Owner: proj.Owner, Name: proj.Name, Number: pr.Number,
		})
		if err != nil {
			return err
		}
		if err := s.Bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
