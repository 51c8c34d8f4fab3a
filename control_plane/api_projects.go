package main

import (
	"net/http"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/jobs"
	"github.com/itskum47/deployplane/control_plane/store"
)

type projectDetail struct {
	*store.Project
	PipelineTemplate *store.PipelineTemplate           `json:"pipelineTemplate"`
	RecentJobs       []*store.Job                      `json:"recentJobs"`
	Stats            map[string]*jobs.EnvironmentStats `json:"stats"`
}

type projectListItem struct {
	*store.Project
	RuntimeStatuses map[string]string `json:"runtimeStatuses"`
}

func (a *API) handleProjectsGet(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	if id := q.Get("id"); id != "" {
		p, err := a.jobs.GetProject(ctx, id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		detail := &projectDetail{Project: p}
		if p.PipelineTemplateID != "" {
			tpl, err := a.jobs.GetTemplate(ctx, p.PipelineTemplateID)
			if err != nil && !apperr.Is(err, apperr.KindNotFound) {
				a.writeError(w, r, err)
				return
			}
			detail.PipelineTemplate = tpl
		}
		page, err := a.jobs.ListJobs(ctx, store.JobFilter{ProjectID: id}, recentJobsLimit, 0)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		detail.RecentJobs = page.Jobs
		if detail.Stats, err = a.jobs.ProjectStats(ctx, p); err != nil {
			a.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, detail)
		return
	}

	list, err := a.jobs.ListProjects(ctx, q.Get("environment"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]projectListItem, 0, len(list))
	for _, p := range list {
		statuses, err := a.jobs.RuntimeStatuses(ctx, p)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		items = append(items, projectListItem{Project: p, RuntimeStatuses: statuses})
	}
	writeData(w, http.StatusOK, items)
}

func (a *API) handleProjectsCreate(w http.ResponseWriter, r *http.Request) {
	var p store.Project
	if _, err := decodeBody(r, &p); err != nil {
		a.writeError(w, r, err)
		return
	}
	userID, err := a.requireUser(r, p.CreatedBy)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p.CreatedBy = userID
	created, err := a.jobs.CreateProject(r.Context(), &p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (a *API) handleProjectsUpdate(w http.ResponseWriter, r *http.Request) {
	var p store.Project
	if _, err := decodeBody(r, &p); err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	p.ID = firstNonEmpty(r.URL.Query().Get("id"), p.ID)
	if p.ID == "" {
		a.writeError(w, r, apperr.Validation("id is required"))
		return
	}
	updated, err := a.jobs.UpdateProject(r.Context(), &p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (a *API) handleProjectsDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeError(w, r, apperr.Validation("id is required"))
		return
	}
	if err := a.jobs.DeleteProject(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleTemplatesGet(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		tpl, err := a.jobs.GetTemplate(r.Context(), id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, tpl)
		return
	}
	list, err := a.jobs.ListTemplates(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*store.PipelineTemplate{}
	}
	writeData(w, http.StatusOK, list)
}

func (a *API) handleTemplatesCreate(w http.ResponseWriter, r *http.Request) {
	var t store.PipelineTemplate
	if _, err := decodeBody(r, &t); err != nil {
		a.writeError(w, r, err)
		return
	}
	userID, err := a.requireUser(r, t.CreatedBy)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	t.CreatedBy = userID
	created, err := a.jobs.CreateTemplate(r.Context(), &t)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (a *API) handleTemplatesUpdate(w http.ResponseWriter, r *http.Request) {
	var t store.PipelineTemplate
	if _, err := decodeBody(r, &t); err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	t.ID = firstNonEmpty(r.URL.Query().Get("id"), t.ID)
	if t.ID == "" {
		a.writeError(w, r, apperr.Validation("id is required"))
		return
	}
	updated, err := a.jobs.UpdateTemplate(r.Context(), &t)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (a *API) handleTemplatesDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeError(w, r, apperr.Validation("id is required"))
		return
	}
	if err := a.jobs.DeleteTemplate(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}
