package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/deployplane/protocol"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agent Operations ---

const agentColumns = `id, name, host_type, token, status, last_seen_at, description, created_by, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.HostType, &a.Token, &a.Status, &a.LastSeenAt,
		&a.Description, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO deployment_agents (id, name, host_type, token, status, last_seen_at, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return s.pool.QueryRow(ctx, query,
		a.ID, a.Name, string(a.HostType), a.Token, string(a.Status), a.LastSeenAt, a.Description, a.CreatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM deployment_agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM deployment_agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	query := `UPDATE deployment_agents SET last_seen_at = $2, status = $3, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, seenAt, string(protocol.AgentOnline))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "deployment_agents", id)
}

// --- Pipeline Template Operations ---

const templateColumns = `id, template_name, language, framework, build_commands, run_commands, stop_commands, default_branch, created_by, created_at, updated_at`

func scanTemplate(row pgx.Row) (*PipelineTemplate, error) {
	var t PipelineTemplate
	err := row.Scan(&t.ID, &t.TemplateName, &t.Language, &t.Framework, &t.BuildCommands, &t.RunCommands,
		&t.StopCommands, &t.DefaultBranch, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *PipelineTemplate) error {
	query := `
		INSERT INTO pipeline_templates (id, template_name, language, framework, build_commands, run_commands, stop_commands, default_branch, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return s.pool.QueryRow(ctx, query,
		t.ID, t.TemplateName, t.Language, t.Framework, nonNil(t.BuildCommands), nonNil(t.RunCommands),
		nonNil(t.StopCommands), t.DefaultBranch, t.CreatedBy,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*PipelineTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM pipeline_templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*PipelineTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateColumns+` FROM pipeline_templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PipelineTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t *PipelineTemplate) error {
	query := `
		UPDATE pipeline_templates SET
			template_name = $2, language = $3, framework = $4, build_commands = $5,
			run_commands = $6, stop_commands = $7, default_branch = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		t.ID, t.TemplateName, t.Language, t.Framework, nonNil(t.BuildCommands), nonNil(t.RunCommands),
		nonNil(t.StopCommands), t.DefaultBranch,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "pipeline_templates", id)
}

// --- Project Operations ---

const projectColumns = `id, name, repo_url, branch, pipeline_template_id, env_vars, targets, created_by, created_at, updated_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.Branch, &p.PipelineTemplateID, &p.EnvVars, &p.Targets,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO deployment_projects (id, name, repo_url, branch, pipeline_template_id, env_vars, targets, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return s.pool.QueryRow(ctx, query,
		p.ID, p.Name, p.RepoURL, p.Branch, p.PipelineTemplateID, nonNilEnv(p.EnvVars), nonNilTargets(p.Targets), p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM deployment_projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ListProjects(ctx context.Context, env string) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM deployment_projects`
	var args []any
	if env != "" {
		query += ` WHERE targets @> jsonb_build_array(jsonb_build_object('environment', $1::text))`
		args = append(args, env)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *Project) error {
	query := `
		UPDATE deployment_projects SET
			name = $2, repo_url = $3, branch = $4, pipeline_template_id = $5,
			env_vars = $6, targets = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		p.ID, p.Name, p.RepoURL, p.Branch, p.PipelineTemplateID, nonNilEnv(p.EnvVars), nonNilTargets(p.Targets),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "deployment_projects", id)
}

// --- Job Operations ---

const jobColumns = `job_id, agent_id, project_id, type, payload, status, created_by, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload []byte
	err := row.Scan(&j.JobID, &j.AgentID, &j.ProjectID, &j.Type, &payload, &j.Status, &j.CreatedBy,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	query := `
		INSERT INTO deployment_jobs (job_id, agent_id, project_id, type, payload, status, created_by, started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		job.JobID, job.AgentID, job.ProjectID, string(job.Type), string(payload), string(job.Status), job.CreatedBy,
		job.StartedAt, job.FinishedAt, job.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM deployment_jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// UpdateJob locks the row, applies the state machine in Go and writes the
// result back in the same transaction, so concurrent duplicate reports
// serialize on the row lock.
func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) (*Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM deployment_jobs WHERE job_id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !applyJobUpdate(j, upd) {
		return j, false, nil
	}

	err = tx.QueryRow(ctx,
		`UPDATE deployment_jobs SET status = $2, finished_at = $3, updated_at = NOW() WHERE job_id = $1 RETURNING updated_at`,
		jobID, string(j.Status), j.FinishedAt,
	).Scan(&j.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return j, true, nil
}

func buildJobWhere(f JobFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.JobID != "" {
		add("job_id = $%d", f.JobID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Environment != "" {
		add("payload->>'environment' = $%d", f.Environment)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListJobs(ctx context.Context, f JobFilter, limit, skip int) ([]*Job, int, error) {
	where, args := buildJobWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deployment_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + ` FROM deployment_jobs` + where + ` ORDER BY created_at DESC, job_id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if skip > 0 {
		args = append(args, skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, f JobFilter) (map[protocol.JobStatus]int, error) {
	where, args := buildJobWhere(f)
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM deployment_jobs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[protocol.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[protocol.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) deleteByID(ctx context.Context, table, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilEnv(v []protocol.EnvVar) []protocol.EnvVar {
	if v == nil {
		return []protocol.EnvVar{}
	}
	return v
}

func nonNilTargets(v []Target) []Target {
	if v == nil {
		return []Target{}
	}
	return v
}
