package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"openpeer-hub/internal/automation"
	"openpeer-hub/internal/core"
)

type automationView struct {
	EntityID      string     `json:"entity_id"`
	ID            string     `json:"id,omitempty"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Enabled       bool       `json:"enabled"`
	Running       bool       `json:"running"`
	Current       int        `json:"current"`
	Mode          string     `json:"mode"`
	LastTriggered *time.Time `json:"last_triggered"`
	LastAction    string     `json:"last_action,omitempty"`
}

type automationDetail struct {
	automationView
	Entities []string `json:"referenced_entities"`
	Devices  []string `json:"referenced_devices"`
}

func viewAutomation(e *automation.Entity) automationView {
	s := e.Script()
	v := automationView{
		EntityID:    e.EntityID(),
		ID:          e.Config().ID,
		Name:        e.Name(),
		Description: e.Config().Description,
		Enabled:     e.Enabled(),
		Running:     s.IsRunning(),
		Current:     s.RunCount(),
		Mode:        string(s.Mode()),
		LastAction:  s.LastAction(),
	}
	if t := e.LastTriggered(); !t.IsZero() {
		v.LastTriggered = &t
	}
	return v
}

type scriptView struct {
	EntityID      string     `json:"entity_id"`
	Name          string     `json:"name"`
	Running       bool       `json:"running"`
	Current       int        `json:"current"`
	Mode          string     `json:"mode"`
	LastTriggered *time.Time `json:"last_triggered"`
}

// findAutomation returns the automation named by the id path value, writing
// a 404 when there is none.
func (s *Server) findAutomation(w http.ResponseWriter, r *http.Request) *automation.Entity {
	if s.automations == nil {
		s.writeError(w, http.StatusNotFound, "automations not available")
		return nil
	}
	e := s.automations.Get(r.PathValue("id"))
	if e == nil {
		s.writeError(w, http.StatusNotFound, "automation not found")
	}
	return e
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	views := []automationView{}
	if s.automations != nil {
		for _, e := range s.automations.Automations() {
			views = append(views, viewAutomation(e))
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	e := s.findAutomation(w, r)
	if e == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, automationDetail{
		automationView: viewAutomation(e),
		Entities:       e.ReferencedEntities(),
		Devices:        e.ReferencedDevices(),
	})
}

type triggerRequest struct {
	SkipCondition *bool          `json:"skip_condition"`
	Variables     map[string]any `json:"variables"`
}

// handleAPITriggerAutomation starts a run and returns without waiting
// for it.
func (s *Server) handleAPITriggerAutomation(w http.ResponseWriter, r *http.Request) {
	e := s.findAutomation(w, r)
	if e == nil {
		return
	}
	var req triggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	skip := true
	if req.SkipCondition != nil {
		skip = *req.SkipCondition
	}
	vars := map[string]any{"trigger": map[string]any{"platform": nil, "description": "api"}}
	for k, v := range req.Variables {
		vars[k] = v
	}
	hctx := core.NewContext()
	go func() {
		if err := e.Trigger(context.WithoutCancel(r.Context()), vars, hctx, skip); err != nil {
			s.logger.Debug("api triggered run ended with error", "automation", e.EntityID(), "err", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "context_id": hctx.ID})
}

func (s *Server) handleAPIEnableAutomation(w http.ResponseWriter, r *http.Request) {
	e := s.findAutomation(w, r)
	if e == nil {
		return
	}
	e.Enable()
	s.writeJSON(w, http.StatusOK, viewAutomation(e))
}

func (s *Server) handleAPIDisableAutomation(w http.ResponseWriter, r *http.Request) {
	e := s.findAutomation(w, r)
	if e == nil {
		return
	}
	stop := r.URL.Query().Get("stop_actions") != "false"
	e.Disable(stop)
	s.writeJSON(w, http.StatusOK, viewAutomation(e))
}

func (s *Server) handleAPIReloadAutomations(w http.ResponseWriter, r *http.Request) {
	if s.automations == nil {
		s.writeError(w, http.StatusNotFound, "automations not available")
		return
	}
	if err := s.automations.Reload(); err != nil {
		s.logger.Error("reload automations", "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "automations": len(s.automations.Automations())})
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	views := []scriptView{}
	if s.automations != nil {
		for _, se := range s.automations.Scripts() {
			sc := se.Script()
			v := scriptView{
				EntityID: se.EntityID(),
				Name:     se.Name(),
				Running:  sc.IsRunning(),
				Current:  sc.RunCount(),
				Mode:     string(sc.Mode()),
			}
			if t := sc.LastTriggered(); !t.IsZero() {
				v.LastTriggered = &t
			}
			views = append(views, v)
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) findScript(w http.ResponseWriter, r *http.Request) *automation.ScriptEntity {
	if s.automations == nil {
		s.writeError(w, http.StatusNotFound, "scripts not available")
		return nil
	}
	se := s.automations.Script(r.PathValue("id"))
	if se == nil {
		s.writeError(w, http.StatusNotFound, "script not found")
	}
	return se
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	se := s.findScript(w, r)
	if se == nil {
		return
	}
	vars := map[string]any{}
	if err := decodeBody(w, r, &vars); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hctx := core.NewContext()
	go func() {
		if err := se.Run(context.WithoutCancel(r.Context()), vars, hctx); err != nil {
			s.logger.Debug("api script run ended with error", "script", se.EntityID(), "err", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "context_id": hctx.ID})
}

func (s *Server) handleAPIStopScript(w http.ResponseWriter, r *http.Request) {
	se := s.findScript(w, r)
	if se == nil {
		return
	}
	se.Script().Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Definition files. Every change reloads the automations.

func (s *Server) files(w http.ResponseWriter) *automation.Files {
	if s.automations == nil || s.automations.Files() == nil {
		s.writeError(w, http.StatusNotFound, "automation directory not configured")
		return nil
	}
	return s.automations.Files()
}

func (s *Server) handleAPIListDefinitions(w http.ResponseWriter, r *http.Request) {
	files := s.files(w)
	if files == nil {
		return
	}
	defs, err := files.List()
	if err != nil {
		s.logger.Error("list automation files", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if defs == nil {
		defs = []*automation.Definition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleAPIGetDefinition(w http.ResponseWriter, r *http.Request) {
	files := s.files(w)
	if files == nil {
		return
	}
	def, err := files.Get(r.PathValue("id"))
	if err != nil {
		s.writeDefinitionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

type saveDefinitionRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleAPICreateDefinition(w http.ResponseWriter, r *http.Request) {
	s.saveDefinition(w, r, "", http.StatusCreated)
}

func (s *Server) handleAPIUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	s.saveDefinition(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) saveDefinition(w http.ResponseWriter, r *http.Request, id string, status int) {
	files := s.files(w)
	if files == nil {
		return
	}
	var req saveDefinitionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	def, err := files.Save(&automation.Definition{ID: id, Source: req.Source})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reload()
	s.writeJSON(w, status, def)
}

func (s *Server) handleAPIDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	files := s.files(w)
	if files == nil {
		return
	}
	if err := files.Delete(r.PathValue("id")); err != nil {
		s.writeDefinitionError(w, err)
		return
	}
	s.reload()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeDefinitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "automation not found")
		return
	case errors.Is(err, automation.ErrInvalidConfig):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("automation file", "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) reload() {
	if err := s.automations.Reload(); err != nil {
		s.logger.Error("reload after automation file change", "err", err)
	}
}
