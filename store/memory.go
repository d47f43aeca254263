package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store, used when DB_URI is unset (local
// development) and throughout this repo's tests. It mirrors the real/fake
// split the teacher uses for its Kubernetes client (kube.NewClient vs
// kube.NewFakeClient): same interface, no network, no persistence across
// restarts.
type Memory struct {
	mu sync.RWMutex

	nextProjectID int64
	projects      map[int64]*Project
	projectIndex  map[[2]string]int64 // (owner,name) -> id

	pulls map[int64]map[int]*PullRequest // projectID -> number -> pr

	jobs map[string]*Job // name -> job

	nextBuildID int64
	builds      map[int64]*Build
	buildIndex  map[[2]interface{}]int64 // (jobName, buildNumber) -> id

	buildShas map[int64]map[int64]string // buildID -> projectID -> sha
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:     map[int64]*Project{},
		projectIndex: map[[2]string]int64{},
		pulls:        map[int64]map[int]*PullRequest{},
		jobs:         map[string]*Job{},
		builds:       map[int64]*Build{},
		buildIndex:   map[[2]interface{}]int64{},
		buildShas:    map[int64]map[int64]string{},
	}
}

func (m *Memory) UpsertProject(ctx context.Context, owner, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{owner, name}
	if id, ok := m.projectIndex[key]; ok {
		return id, nil
	}
	m.nextProjectID++
	id := m.nextProjectID
	m.projects[id] = &Project{ID: id, Owner: owner, Name: name}
	m.projectIndex[key] = id
	m.pulls[id] = map[int]*PullRequest{}
	return id, nil
}

func (m *Memory) GetProject(ctx context.Context, owner, name string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.projectIndex[[2]string{owner, name}]
	if !ok {
		return Project{}, &ErrUnknownProject{Owner: owner, Name: name}
	}
	return *m.projects[id], nil
}

func (m *Memory) GetProjectByID(ctx context.Context, id int64) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, &ErrUnknownProject{Owner: "", Name: ""}
	}
	return *p, nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) SetBaseTip(ctx context.Context, owner, name, sha string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.projectIndex[[2]string{owner, name}]
	if !ok {
		return false, &ErrUnknownProject{Owner: owner, Name: name}
	}
	p := m.projects[id]
	if p.BaseTip == sha {
		return false, nil
	}
	p.BaseTip = sha
	return true, nil
}

func (m *Memory) UpsertPullRequest(ctx context.Context, pr PullRequest, resetMergeHead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.pulls[pr.ProjectID]
	if !ok {
		return &ErrUnknownProject{}
	}
	existing, ok := byNumber[pr.Number]
	if !ok {
		cp := pr
		if resetMergeHead {
			cp.MergeHead = ""
		}
		byNumber[pr.Number] = &cp
		return nil
	}
	existing.Head = pr.Head
	existing.Title = pr.Title
	existing.Author = pr.Author
	existing.IsOpen = pr.IsOpen
	if resetMergeHead {
		existing.MergeHead = ""
	}
	return nil
}

func (m *Memory) GetPullRequest(ctx context.Context, projectID int64, number int) (PullRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNumber, ok := m.pulls[projectID]
	if !ok {
		return PullRequest{}, &ErrUnknownProject{}
	}
	pr, ok := byNumber[number]
	if !ok {
		return PullRequest{}, &ErrUnknownProject{}
	}
	return *pr, nil
}

func (m *Memory) ListOpenPullRequests(ctx context.Context, projectID int64) ([]PullRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNumber, ok := m.pulls[projectID]
	if !ok {
		return nil, &ErrUnknownProject{}
	}
	var out []PullRequest
	for _, pr := range byNumber {
		if pr.IsOpen {
			out = append(out, *pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) ListAllOpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PullRequest
	for _, byNumber := range m.pulls {
		for _, pr := range byNumber {
			if pr.IsOpen {
				out = append(out, *pr)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *Memory) ResetRelativeState(ctx context.Context, projectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.pulls[projectID]
	if !ok {
		return &ErrUnknownProject{}
	}
	for _, pr := range byNumber {
		if !pr.IsOpen {
			continue
		}
		pr.Ahead = NullInt{}
		pr.Behind = NullInt{}
		pr.Mergeable = NullBool{}
		pr.MergeHead = ""
	}
	return nil
}

func (m *Memory) SetRelativeState(ctx context.Context, projectID int64, number int, ahead, behind NullInt, mergeable NullBool, mergeHead string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.pulls[projectID]
	if !ok {
		return &ErrUnknownProject{}
	}
	pr, ok := byNumber[number]
	if !ok {
		return &ErrUnknownProject{}
	}
	pr.Ahead = ahead
	pr.Behind = behind
	pr.Mergeable = mergeable
	pr.MergeHead = mergeHead
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, id, name string, projects []JobProject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[name] = &Job{ID: id, Name: name, Projects: append([]JobProject(nil), projects...)}
	return nil
}

func (m *Memory) GetJob(ctx context.Context, name string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[name]
	if !ok {
		return Job{}, &ErrUnknownJob{Name: name}
	}
	return *j, nil
}

func (m *Memory) ListJobs(ctx context.Context) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) JobsForProject(ctx context.Context, projectID int64) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, j := range m.jobs {
		for _, jp := range j.Projects {
			if jp.ProjectID == projectID {
				out = append(out, *j)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetOrCreateBuild(ctx context.Context, jobName string, buildNumber int) (Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobName]; !ok {
		return Build{}, &ErrUnknownJob{Name: jobName}
	}
	key := [2]interface{}{jobName, buildNumber}
	if id, ok := m.buildIndex[key]; ok {
		return *m.builds[id], nil
	}
	m.nextBuildID++
	id := m.nextBuildID
	b := &Build{ID: id, JobID: m.jobs[jobName].ID, BuildNumber: buildNumber}
	m.builds[id] = b
	m.buildIndex[key] = id
	m.buildShas[id] = map[int64]string{}
	return *b, nil
}

func (m *Memory) jobNameForID(jobID string) string {
	for name, j := range m.jobs {
		if j.ID == jobID {
			return name
		}
	}
	return ""
}

func (m *Memory) UpsertBuildSha(ctx context.Context, buildID, projectID int64, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	shas, ok := m.buildShas[buildID]
	if !ok {
		return &ErrUnknownJob{}
	}
	shas[projectID] = sha
	return nil
}

func (m *Memory) RecordBuildResult(ctx context.Context, buildID int64, success bool, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return &ErrUnknownJob{}
	}
	b.Success = Bool(success)
	b.Status = status
	return nil
}

func (m *Memory) BuildTuplesForJob(ctx context.Context, job Job) ([]BuildTupleRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []BuildTupleRow
	for id, b := range m.builds {
		if b.JobID != job.ID {
			continue
		}
		shas := m.buildShas[id]
		hasAny := false
		slots := make([]string, len(job.Projects))
		for i, jp := range job.Projects {
			if sha, ok := shas[jp.ProjectID]; ok {
				slots[i] = sha
				hasAny = true
			}
		}
		if !hasAny {
			continue
		}
		rows = append(rows, BuildTupleRow{BuildNumber: b.BuildNumber, Success: b.Success, Shas: slots})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BuildNumber < rows[j].BuildNumber })
	return rows, nil
}

func (m *Memory) ShasForBuild(ctx context.Context, buildID int64) (map[int64]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shas, ok := m.buildShas[buildID]
	if !ok {
		return nil, &ErrUnknownJob{}
	}
	out := make(map[int64]string, len(shas))
	for k, v := range shas {
		out[k] = v
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
