package jobs

import (
	"context"
	"time"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/protocol"
)

// Runtime states derived from job history.
const (
	RuntimeRunning = "running"
	RuntimeStopped = "stopped"
	RuntimeUnknown = "unknown"
)

var runtimeTypes = []protocol.JobType{protocol.JobStart, protocol.JobStop, protocol.JobDeploy}

// RuntimeStatus is derived from the newest successful start, stop or deploy
// job for the project in env.
func (s *Service) RuntimeStatus(ctx context.Context, projectID, env string) (string, error) {
	f := store.JobFilter{
		ProjectID:   projectID,
		Environment: env,
		Status:      protocol.StatusSuccess,
		Types:       runtimeTypes,
	}
	jobs, _, err := s.store.ListJobs(ctx, f, 1, 0)
	if err != nil {
		return "", apperr.Server("failed to resolve runtime status", err)
	}
	if len(jobs) == 0 {
		return RuntimeUnknown, nil
	}
	if jobs[0].Type == protocol.JobStop {
		return RuntimeStopped, nil
	}
	return RuntimeRunning, nil
}

// RuntimeStatuses returns the runtime status of every target of p.
func (s *Service) RuntimeStatuses(ctx context.Context, p *store.Project) (map[string]string, error) {
	out := make(map[string]string, len(p.Targets))
	for _, t := range p.Targets {
		st, err := s.RuntimeStatus(ctx, p.ID, t.Environment)
		if err != nil {
			return nil, err
		}
		out[t.Environment] = st
	}
	return out, nil
}

type LastDeployment struct {
	JobID      string             `json:"jobId"`
	Status     protocol.JobStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	// DurationSeconds is set once the job has finished.
	DurationSeconds *int64 `json:"duration"`
}

type EnvironmentStats struct {
	TotalDeployments      int             `json:"totalDeployments"`
	SuccessfulDeployments int             `json:"successfulDeployments"`
	FailedDeployments     int             `json:"failedDeployments"`
	SuccessRate           float64         `json:"successRate"`
	RuntimeStatus         string          `json:"runtimeStatus"`
	LastDeployment        *LastDeployment `json:"lastDeployment"`
	AgentID               string          `json:"agentId"`
}

// ProjectStats computes deploy statistics per target environment.
func (s *Service) ProjectStats(ctx context.Context, p *store.Project) (map[string]*EnvironmentStats, error) {
	out := make(map[string]*EnvironmentStats, len(p.Targets))
	for _, t := range p.Targets {
		f := store.JobFilter{ProjectID: p.ID, Environment: t.Environment, Types: []protocol.JobType{protocol.JobDeploy}}
		counts, err := s.store.CountJobsByStatus(ctx, f)
		if err != nil {
			return nil, apperr.Server("failed to count deployments", err)
		}
		st := &EnvironmentStats{AgentID: t.AgentID}
		for _, n := range counts {
			st.TotalDeployments += n
		}
		st.SuccessfulDeployments = counts[protocol.StatusSuccess]
		st.FailedDeployments = counts[protocol.StatusFailed]
		st.SuccessRate = rate(st.SuccessfulDeployments, st.TotalDeployments)

		last, _, err := s.store.ListJobs(ctx, f, 1, 0)
		if err != nil {
			return nil, apperr.Server("failed to load last deployment", err)
		}
		if len(last) > 0 {
			st.LastDeployment = lastDeployment(last[0])
		}
		if st.RuntimeStatus, err = s.RuntimeStatus(ctx, p.ID, t.Environment); err != nil {
			return nil, err
		}
		out[t.Environment] = st
	}
	return out, nil
}

// AgentStats summarizes every job ever dispatched to an agent.
type AgentStats struct {
	TotalJobs      int                      `json:"totalJobs"`
	SuccessfulJobs int                      `json:"successfulJobs"`
	FailedJobs     int                      `json:"failedJobs"`
	RunningJobs    int                      `json:"runningJobs"`
	DispatchedJobs int                      `json:"dispatchedJobs"`
	SuccessRate    float64                  `json:"successRate"`
	JobsByType     map[protocol.JobType]int `json:"jobsByType"`
}

func (s *Service) AgentStats(ctx context.Context, agentID string) (*AgentStats, error) {
	f := store.JobFilter{AgentID: agentID}
	counts, err := s.store.CountJobsByStatus(ctx, f)
	if err != nil {
		return nil, apperr.Server("failed to count agent jobs", err)
	}
	st := &AgentStats{JobsByType: make(map[protocol.JobType]int)}
	for _, n := range counts {
		st.TotalJobs += n
	}
	st.SuccessfulJobs = counts[protocol.StatusSuccess]
	st.FailedJobs = counts[protocol.StatusFailed]
	st.RunningJobs = counts[protocol.StatusRunning]
	st.DispatchedJobs = counts[protocol.StatusDispatched] + counts[protocol.StatusQueued]
	st.SuccessRate = rate(st.SuccessfulJobs, st.TotalJobs)

	for _, t := range []protocol.JobType{protocol.JobDeploy, protocol.JobStart, protocol.JobStop, protocol.JobRestart} {
		f.Types = []protocol.JobType{t}
		_, n, err := s.store.ListJobs(ctx, f, 1, 0)
		if err != nil {
			return nil, apperr.Server("failed to count agent jobs", err)
		}
		st.JobsByType[t] = n
	}
	return st, nil
}

func lastDeployment(j *store.Job) *LastDeployment {
	ld := &LastDeployment{
		JobID:      j.JobID,
		Status:     j.Status,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
	if j.FinishedAt != nil && j.StartedAt != nil {
		d := int64(j.FinishedAt.Sub(*j.StartedAt).Round(time.Second) / time.Second)
		ld.DurationSeconds = &d
	}
	return ld
}

// rate is a percentage rounded to one decimal.
func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(int(float64(part)*1000/float64(total)+0.5)) / 10
}
