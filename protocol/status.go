package protocol

import "strings"

// JobStatus is the lifecycle state of a deployment job.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusDispatched JobStatus = "DISPATCHED"
	StatusRunning    JobStatus = "RUNNING"
	StatusSuccess    JobStatus = "SUCCESS"
	StatusFailed     JobStatus = "FAILED"
)

var allStatuses = []JobStatus{StatusQueued, StatusDispatched, StatusRunning, StatusSuccess, StatusFailed}

func (s JobStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusDispatched:
		return 1
	case StatusRunning:
		return 2
	case StatusSuccess, StatusFailed:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transitions are allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether a job in status s may move to status to.
// Statuses only move forward; SUCCESS and FAILED are final.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if !s.Valid() || !to.Valid() {
		return false
	}
	return to.rank() > s.rank()
}

// Predecessors lists every status from which s can be reached.
// Stores use it to apply a transition as a single conditional write.
func (s JobStatus) Predecessors() []JobStatus {
	var out []JobStatus
	for _, from := range allStatuses {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// ParseJobStatus normalizes a caller-supplied status string.
func ParseJobStatus(v string) (JobStatus, bool) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// JobType selects how the agent runtime executes a job.
type JobType string

const (
	JobDeploy      JobType = "deploy"
	JobStart       JobType = "start"
	JobStop        JobType = "stop"
	JobRestart     JobType = "restart"
	JobBuild       JobType = "build"
	JobHealthCheck JobType = "healthCheck"
)

// Valid reports whether t is a job type the control plane accepts.
func (t JobType) Valid() bool {
	switch t {
	case JobDeploy, JobStart, JobStop, JobRestart, JobBuild, JobHealthCheck:
		return true
	}
	return false
}

// IsServiceControl reports whether t is start, stop or restart.
func (t JobType) IsServiceControl() bool {
	return t == JobStart || t == JobStop || t == JobRestart
}

// AgentStatus is derived from lastSeenAt at read time.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentOffline AgentStatus = "OFFLINE"
)

// HostType is the operating system family an agent runs on.
type HostType string

const (
	HostLinux   HostType = "Linux"
	HostMacOS   HostType = "macOS"
	HostWindows HostType = "Windows"
)

// ParseHostType accepts the canonical names only.
func ParseHostType(v string) (HostType, bool) {
	switch h := HostType(v); h {
	case HostLinux, HostMacOS, HostWindows:
		return h, true
	}
	return "", false
}

const (
	EnvDev        = "dev"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// ValidEnvironment reports whether env names a deployment environment.
func ValidEnvironment(env string) bool {
	return env == EnvDev || env == EnvStaging || env == EnvProduction
}
