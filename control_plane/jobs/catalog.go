package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/protocol"
)

// ValidateProject checks the fields and the one-target-per-environment rule.
func ValidateProject(p *store.Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return apperr.Validation("name is required")
	}
	if strings.TrimSpace(p.RepoURL) == "" {
		return apperr.Validation("repoUrl is required")
	}
	seen := make(map[string]bool, len(p.Targets))
	for _, t := range p.Targets {
		if !protocol.ValidEnvironment(t.Environment) {
			return apperr.Validation("invalid environment: %s", t.Environment)
		}
		if seen[t.Environment] {
			return apperr.Validation("duplicate deployment target for environment: %s", t.Environment)
		}
		seen[t.Environment] = true
		if t.AgentID == "" {
			return apperr.Validation("deployment target %s requires agentId", t.Environment)
		}
	}
	for _, ev := range p.EnvVars {
		if strings.TrimSpace(ev.Key) == "" {
			return apperr.Validation("env var key is required")
		}
	}
	return nil
}

func ValidateTemplate(t *store.PipelineTemplate) error {
	if strings.TrimSpace(t.TemplateName) == "" {
		return apperr.Validation("templateName is required")
	}
	return nil
}

// CreateProject validates p, checks its agents and template exist and stores it.
func (s *Service) CreateProject(ctx context.Context, p *store.Project) (*store.Project, error) {
	if err := s.checkProject(ctx, p); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Branch == "" {
		p.Branch = defaultBranch
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, apperr.Server("failed to create project", err)
	}
	s.logger.Info("project created", zap.String("project_id", p.ID), zap.String("name", p.Name))
	return p, nil
}

// UpdateProject replaces the mutable fields of an existing project.
func (s *Service) UpdateProject(ctx context.Context, p *store.Project) (*store.Project, error) {
	existing, err := s.store.GetProject(ctx, p.ID)
	if err != nil {
		return nil, apperr.Server("failed to load project", err)
	}
	if existing == nil {
		return nil, apperr.NotFound("Project not found")
	}
	if err := s.checkProject(ctx, p); err != nil {
		return nil, err
	}
	p.CreatedAt = existing.CreatedAt
	p.CreatedBy = existing.CreatedBy
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateProject(ctx, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Project not found")
		}
		return nil, apperr.Server("failed to update project", err)
	}
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (*store.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, apperr.Server("failed to load project", err)
	}
	if p == nil {
		return nil, apperr.NotFound("Project not found")
	}
	return p, nil
}

func (s *Service) ListProjects(ctx context.Context, env string) ([]*store.Project, error) {
	if env != "" && !protocol.ValidEnvironment(env) {
		return nil, apperr.Validation("invalid environment: %s", env)
	}
	list, err := s.store.ListProjects(ctx, env)
	if err != nil {
		return nil, apperr.Server("failed to list projects", err)
	}
	return list, nil
}

// DeleteProject removes the project. Its jobs are kept as history.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	return s.notFoundOr(s.store.DeleteProject(ctx, id), "Project not found", "failed to delete project")
}

func (s *Service) CreateTemplate(ctx context.Context, t *store.PipelineTemplate) (*store.PipelineTemplate, error) {
	if err := ValidateTemplate(t); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt, t.UpdatedAt = now, now
	normalizeTemplate(t)
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, apperr.Server("failed to create pipeline template", err)
	}
	return t, nil
}

// UpdateTemplate only affects future dispatches; payloads already sent are
// self-contained.
func (s *Service) UpdateTemplate(ctx context.Context, t *store.PipelineTemplate) (*store.PipelineTemplate, error) {
	existing, err := s.GetTemplate(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTemplate(t); err != nil {
		return nil, err
	}
	t.CreatedAt = existing.CreatedAt
	t.CreatedBy = existing.CreatedBy
	t.UpdatedAt = s.now().UTC()
	normalizeTemplate(t)
	if err := s.store.UpdateTemplate(ctx, t); err != nil {
		return nil, s.notFoundOr(err, "Pipeline template not found", "failed to update pipeline template")
	}
	return t, nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (*store.PipelineTemplate, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, apperr.Server("failed to load pipeline template", err)
	}
	if t == nil {
		return nil, apperr.NotFound("Pipeline template not found")
	}
	return t, nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]*store.PipelineTemplate, error) {
	list, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, apperr.Server("failed to list pipeline templates", err)
	}
	return list, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	return s.notFoundOr(s.store.DeleteTemplate(ctx, id), "Pipeline template not found", "failed to delete pipeline template")
}

func (s *Service) checkProject(ctx context.Context, p *store.Project) error {
	if err := ValidateProject(p); err != nil {
		return err
	}
	for _, t := range p.Targets {
		a, err := s.store.GetAgent(ctx, t.AgentID)
		if err != nil {
			return apperr.Server("failed to load agent", err)
		}
		if a == nil {
			return apperr.Validation("agent %s for environment %s does not exist", t.AgentID, t.Environment)
		}
	}
	if p.PipelineTemplateID != "" {
		tpl, err := s.store.GetTemplate(ctx, p.PipelineTemplateID)
		if err != nil {
			return apperr.Server("failed to load pipeline template", err)
		}
		if tpl == nil {
			return apperr.Validation("pipeline template %s does not exist", p.PipelineTemplateID)
		}
	}
	return nil
}

func (s *Service) notFoundOr(err error, notFound, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("%s", notFound)
	default:
		return apperr.Server(msg, err)
	}
}

func normalizeTemplate(t *store.PipelineTemplate) {
	t.BuildCommands = nonNil(t.BuildCommands)
	t.RunCommands = nonNil(t.RunCommands)
	t.StopCommands = nonNil(t.StopCommands)
	if t.DefaultBranch == "" {
		t.DefaultBranch = defaultBranch
	}
}

