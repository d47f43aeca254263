// Package api is the Read API: a JSON query surface over the store and
// the correlation engine for the dashboard and status pages. HTML
// rendering and the admin editor are out of scope; every route here
// returns JSON, the data an HTML frontend or `curl` consumes the same
// way. Route registration and gzip wrapping follow cmd/deck/main.go's
// pattern of one handler per mux route, all wrapped in
// gziphandler.GzipHandler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/checks"
	"github.com/onefinestay/cinch/correlate"
	"github.com/onefinestay/cinch/store"
)

// Server holds the dependencies every Read API handler needs.
type Server struct {
	Store   store.Store
	Logger  *logrus.Logger
	DashURL func(owner, name string, number int) string
}

func (s *Server) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *Server) dashURL(owner, name string, number int) string {
	if s.DashURL != nil {
		return s.DashURL(owner, name, number)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encoding response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	http.Error(w, msg, code)
}

// NewServeMux wires every Read API route, grounded in cmd/deck's
// mux.HandleFunc-per-route shape.
func (s *Server) NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pulls", s.handleDashboard)
	mux.HandleFunc("/api/pulls/", s.handlePullRequestRoute)
	mux.HandleFunc("/admin/projects", s.handleAdminProjects)
	mux.HandleFunc("/admin/jobs", s.handleAdminJobs)
	return mux
}

// PullSummary is one row of the dashboard list: a pull request plus its
// aggregated verdict and per-check detail.
type PullSummary struct {
	Owner   string          `json:"owner"`
	Name    string          `json:"name"`
	Number  int             `json:"number"`
	Title   string          `json:"title"`
	Author  string          `json:"author"`
	Verdict checks.Verdict  `json:"verdict"`
	Checks  []checks.Status `json:"checks"`
}

func (s *Server) summarize(ctx context.Context, engine *correlate.Engine, proj store.Project, pr store.PullRequest) (PullSummary, error) {
	jobs, err := s.Store.JobsForProject(ctx, proj.ID)
	if err != nil {
		return PullSummary{}, err
	}
	req := checks.Request{
		Project: proj,
		Pull:    pr,
		Jobs:    jobs,
		Engine:  engine,
		DashURL: s.dashURL(proj.Owner, proj.Name, pr.Number),
	}
	statuses, err := checks.Run(ctx, req)
	if err != nil {
		return PullSummary{}, err
	}
	return PullSummary{
		Owner:   proj.Owner,
		Name:    proj.Name,
		Number:  pr.Number,
		Title:   pr.Title,
		Author:  pr.Author,
		Verdict: checks.Aggregate(statuses),
		Checks:  statuses,
	}, nil
}

// handleDashboard is the dashboard list: every open pull request with
// its aggregated verdict and per-check detail, per spec §4.I.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pulls, err := s.Store.ListAllOpenPullRequests(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// One Engine for the whole page: its per-job cache lets PRs that
	// share a job reuse the same BuildTuplesForJob query instead of
	// each re-issuing it, keeping the page at O(jobs) total queries.
	engine := correlate.NewEngine(s.Store, s.logger().WithField("route", "dashboard"))
	projectCache := map[int64]store.Project{}
	summaries := make([]PullSummary, 0, len(pulls))
	for _, pr := range pulls {
		proj, ok := projectCache[pr.ProjectID]
		if !ok {
			proj, err = s.Store.GetProjectByID(ctx, pr.ProjectID)
			if err != nil {
				s.logger().WithError(err).Warn("resolving project for dashboard row")
				continue
			}
			projectCache[pr.ProjectID] = proj
		}
		summary, err := s.summarize(ctx, engine, proj, pr)
		if err != nil {
			s.logger().WithError(err).Warn("summarizing pull request")
			continue
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, summaries)
}

// parsePullPath extracts (owner, name, number, suffix) from
// /api/pulls/<owner>/<name>/<number>[/<suffix>].
func parsePullPath(path string) (owner, name string, number int, suffix string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/api/pulls/")
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) < 3 {
		return "", "", 0, "", false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, "", false
	}
	if len(parts) == 4 {
		suffix = parts[3]
	}
	return parts[0], parts[1], n, suffix, true
}

func (s *Server) handlePullRequestRoute(w http.ResponseWriter, r *http.Request) {
	owner, name, number, suffix, ok := parsePullPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "404 Not Found")
		return
	}
	ctx := r.Context()
	proj, err := s.Store.GetProject(ctx, owner, name)
	if _, unknown := err.(*store.ErrUnknownProject); unknown {
		writeError(w, http.StatusNotFound, "404 Not Found: unknown project")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pr, err := s.Store.GetPullRequest(ctx, proj.ID, number)
	if err != nil {
		writeError(w, http.StatusNotFound, "404 Not Found: unknown pull request")
		return
	}

	if suffix == "jobs" {
		s.handleJobStatus(w, r, proj, pr)
		return
	}
	s.handlePullRequestDetail(w, r, proj, pr)
}

// BuildHistoryEntry is one row of a per-job build history.
type BuildHistoryEntry struct {
	BuildNumber int             `json:"build_number"`
	Success     store.NullBool  `json:"success"`
	Shas        map[string]string `json:"shas"` // project "owner/name" -> sha
}

// PullRequestDetail is the per-PR page: the pull request, its verdict,
// and per-job build history, per spec §4.I.
type PullRequestDetail struct {
	PullSummary
	Jobs map[string][]BuildHistoryEntry `json:"jobs"`
}

// buildHistoryLimit caps how many recent builds are returned per job.
const buildHistoryLimit = 10

func (s *Server) handlePullRequestDetail(w http.ResponseWriter, r *http.Request, proj store.Project, pr store.PullRequest) {
	ctx := r.Context()
	engine := correlate.NewEngine(s.Store, s.logger().WithField("pr", pr.Number))
	summary, err := s.summarize(ctx, engine, proj, pr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobs, err := s.Store.JobsForProject(ctx, proj.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projects, err := s.Store.ListProjects(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projectNames := make(map[int64]string, len(projects))
	for _, p := range projects {
		projectNames[p.ID] = p.Owner + "/" + p.Name
	}
	history := make(map[string][]BuildHistoryEntry, len(jobs))
	for _, job := range jobs {
		rows, err := s.Store.BuildTuplesForJob(ctx, job)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries := make([]BuildHistoryEntry, 0, len(rows))
		for _, row := range rows {
			shas := make(map[string]string, len(job.Projects))
			for i, jp := range job.Projects {
				name, ok := projectNames[jp.ProjectID]
				if !ok {
					continue
				}
				shas[name] = row.Shas[i]
			}
			entries = append(entries, BuildHistoryEntry{BuildNumber: row.BuildNumber, Success: row.Success, Shas: shas})
		}
		if len(entries) > buildHistoryLimit {
			entries = entries[len(entries)-buildHistoryLimit:]
		}
		history[job.Name] = entries
	}

	writeJSON(w, PullRequestDetail{PullSummary: summary, Jobs: history})
}

// JobStatus is one job's current match for a pull request, for the
// job-status page keyed by (owner, name, number) per spec §4.I.
type JobStatus struct {
	Job         string         `json:"job"`
	BuildNumber int            `json:"build_number,omitempty"`
	Success     store.NullBool `json:"success"`
	Found       bool           `json:"found"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, proj store.Project, pr store.PullRequest) {
	ctx := r.Context()
	jobs, err := s.Store.JobsForProject(ctx, proj.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	engine := correlate.NewEngine(s.Store, s.logger().WithField("pr", pr.Number))
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		m, err := engine.Lookup(ctx, job, pr)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, JobStatus{Job: job.Name, BuildNumber: m.BuildNumber, Success: m.Success, Found: m.Found})
	}
	writeJSON(w, out)
}

// handleAdminProjects is the supplemented read-only admin listing,
// grounded in original_source/cinch/admin.py's Project list view.
func (s *Server) handleAdminProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, projects)
}

// handleAdminJobs is the supplemented read-only admin listing for jobs,
// grounded in original_source/cinch/admin.py's Job list view.
func (s *Server) handleAdminJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, jobs)
}
