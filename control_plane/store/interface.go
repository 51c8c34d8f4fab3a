package store

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/deployplane/protocol"
)

// ErrNotFound is returned by writes that target a missing record.
// Reads signal absence with a nil result and nil error.
var ErrNotFound = errors.New("record not found")

// Store is the persistence backend. MemoryStore serves tests and single-node
// development; PostgresStore is the durable backend.
type Store interface {
	// Agent Operations
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	// TouchAgent records a handshake or heartbeat: sets lastSeenAt and ONLINE.
	TouchAgent(ctx context.Context, id string, seenAt time.Time) error
	DeleteAgent(ctx context.Context, id string) error

	// Pipeline Template Operations
	CreateTemplate(ctx context.Context, tpl *PipelineTemplate) error
	GetTemplate(ctx context.Context, id string) (*PipelineTemplate, error)
	ListTemplates(ctx context.Context) ([]*PipelineTemplate, error)
	UpdateTemplate(ctx context.Context, tpl *PipelineTemplate) error
	DeleteTemplate(ctx context.Context, id string) error

	// Project Operations
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	// ListProjects returns projects newest first; env filters by target environment.
	ListProjects(ctx context.Context, env string) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	DeleteProject(ctx context.Context, id string) error

	// Job Operations
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// UpdateJob applies upd atomically. A status change is applied only if the
	// current status may transition to it. It returns the resulting record
	// (nil if the job does not exist) and whether anything changed.
	UpdateJob(ctx context.Context, jobID string, upd JobUpdate) (*Job, bool, error)
	// ListJobs returns a newest-first page and the total number of matches.
	ListJobs(ctx context.Context, f JobFilter, limit, skip int) ([]*Job, int, error)
	CountJobsByStatus(ctx context.Context, f JobFilter) (map[protocol.JobStatus]int, error)

	Close()
}
