package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/deployplane/protocol"
)

// MemoryStore keeps all records in process memory.
// It implements the Store interface.
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	templates map[string]*PipelineTemplate
	projects  map[string]*Project
	jobs      map[string]*Job
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*Agent),
		templates: make(map[string]*PipelineTemplate),
		projects:  make(map[string]*Project),
		jobs:      make(map[string]*Job),
	}
}

func (s *MemoryStore) Close() {}

// --- Agent Operations ---

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	agentCopy := *a
	s.agents[a.ID] = &agentCopy
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	agentCopy := *a
	return &agentCopy, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agentCopy := *a
		result = append(result, &agentCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	t := seenAt
	a.LastSeenAt = &t
	a.Status = protocol.AgentOnline
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// --- Pipeline Template Operations ---

func (s *MemoryStore) CreateTemplate(ctx context.Context, tpl *PipelineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	s.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, id string) (*PipelineTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return cloneTemplate(tpl), nil
}

func (s *MemoryStore) ListTemplates(ctx context.Context) ([]*PipelineTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*PipelineTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		result = append(result, cloneTemplate(tpl))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateTemplate(ctx context.Context, tpl *PipelineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[tpl.ID]
	if !ok {
		return ErrNotFound
	}
	tpl.CreatedAt = existing.CreatedAt
	tpl.UpdatedAt = time.Now().UTC()
	s.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (s *MemoryStore) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// --- Project Operations ---

func (s *MemoryStore) CreateProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	return cloneProject(p), nil
}

func (s *MemoryStore) ListProjects(ctx context.Context, env string) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		if env != "" && p.Target(env) == nil {
			continue
		}
		result = append(result, cloneProject(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

// --- Job Operations ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	jobCopy := *job
	s.jobs[job.JobID] = &jobCopy
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	jobCopy := *j
	return &jobCopy, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false, nil
	}
	changed := applyJobUpdate(j, upd)
	if changed {
		j.UpdatedAt = time.Now().UTC()
	}
	jobCopy := *j
	return &jobCopy, changed, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, f JobFilter, limit, skip int) ([]*Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Job, 0)
	for _, j := range s.jobs {
		if f.matches(j) {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].JobID > matched[b].JobID
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	if skip >= total {
		return []*Job{}, total, nil
	}
	end := total
	if limit > 0 && skip+limit < total {
		end = skip + limit
	}
	page := make([]*Job, 0, end-skip)
	for _, j := range matched[skip:end] {
		jobCopy := *j
		page = append(page, &jobCopy)
	}
	return page, total, nil
}

func (s *MemoryStore) CountJobsByStatus(ctx context.Context, f JobFilter) (map[protocol.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[protocol.JobStatus]int)
	for _, j := range s.jobs {
		if f.matches(j) {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// applyJobUpdate mutates j according to the job state machine and reports
// whether anything changed. Terminal jobs are never modified.
func applyJobUpdate(j *Job, upd JobUpdate) bool {
	if j.Status.Terminal() {
		return false
	}
	changed := false
	if upd.Status != nil && *upd.Status != j.Status {
		if !j.Status.CanTransition(*upd.Status) {
			return false
		}
		j.Status = *upd.Status
		changed = true
	}
	if upd.FinishedAt != nil {
		t := *upd.FinishedAt
		j.FinishedAt = &t
		changed = true
	}
	return changed
}

func cloneTemplate(t *PipelineTemplate) *PipelineTemplate {
	c := *t
	c.BuildCommands = append([]string(nil), t.BuildCommands...)
	c.RunCommands = append([]string(nil), t.RunCommands...)
	c.StopCommands = append([]string(nil), t.StopCommands...)
	return &c
}

func cloneProject(p *Project) *Project {
	c := *p
	c.EnvVars = append([]protocol.EnvVar(nil), p.EnvVars...)
	c.Targets = make([]Target, len(p.Targets))
	for i, t := range p.Targets {
		t.Artifacts = append([]protocol.Artifact(nil), t.Artifacts...)
		if t.Container != nil {
			cs := *t.Container
			t.Container = &cs
		}
		c.Targets[i] = t
	}
	return &c
}
