package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/device"
)

// serviceTimeout bounds how long a blocking service call holds the
// request open.
const serviceTimeout = 10 * time.Second

func (s *Server) handleAPIListStates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.States.All())
}

func (s *Server) handleAPIGetState(w http.ResponseWriter, r *http.Request) {
	st := s.hub.States.Get(r.PathValue("entity_id"))
	if st == nil {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type setStateRequest struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func (s *Server) handleAPISetState(w http.ResponseWriter, r *http.Request) {
	entityID := strings.ToLower(r.PathValue("entity_id"))
	if !core.ValidEntityID(entityID) {
		s.writeError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	var req setStateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.State == "" {
		s.writeError(w, http.StatusBadRequest, "state is required")
		return
	}

	existed := s.hub.States.Get(entityID) != nil
	s.hub.States.Set(entityID, req.State, req.Attributes, core.NewContext())

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, s.hub.States.Get(entityID))
}

func (s *Server) handleAPIDeleteState(w http.ResponseWriter, r *http.Request) {
	if !s.hub.States.Remove(r.PathValue("entity_id"), core.NewContext()) {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Services.Services())
}

// handleAPICallService calls a service and waits for it, up to
// serviceTimeout. The response lists the states changed meanwhile by the
// call's context.
func (s *Server) handleAPICallService(w http.ResponseWriter, r *http.Request) {
	domain, service := r.PathValue("domain"), r.PathValue("service")
	data := map[string]any{}
	if err := decodeBody(w, r, &data); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hctx := core.NewContext()
	var (
		mu      sync.Mutex
		changed = []*core.State{}
	)
	unsub := s.hub.Bus.On(core.EventStateChanged, func(event core.Event) {
		if event.Context == nil || event.Context.ID != hctx.ID {
			return
		}
		if _, _, newState := core.StatesFromEvent(event); newState != nil {
			mu.Lock()
			changed = append(changed, newState)
			mu.Unlock()
		}
	})
	err := s.hub.Services.Call(r.Context(), domain, service, data, hctx, true, serviceTimeout)
	unsub()

	switch {
	case errors.Is(err, core.ErrServiceNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.logger.Error("service call", "service", domain+"."+service, "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mu.Lock()
	defer mu.Unlock()
	s.writeJSON(w, http.StatusOK, changed)
}

func (s *Server) handleAPIFireEvent(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("event_type")
	data := map[string]any{}
	if err := decodeBody(w, r, &data); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.hub.Bus.Fire(eventType, data, core.NewContext())
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Event " + eventType + " fired."})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		s.writeJSON(w, http.StatusOK, []device.Device{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.devices.Devices())
}

// handleWebhook passes a request to the webhook trigger registered under
// its ID. Any method is accepted.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("webhook_id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	req := &core.WebhookRequest{
		Method:  r.Method,
		Query:   make(map[string]string),
		Headers: make(map[string]string),
		Body:    body,
	}
	for k, v := range r.URL.Query() {
		req.Query[k] = v[0]
	}
	for k, v := range r.Header {
		req.Headers[k] = v[0]
	}
	if len(body) > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		req.JSON = v
	}

	if err := s.hub.Webhooks.Handle(r.Context(), id, req); err != nil {
		if errors.Is(err, core.ErrWebhookNotFound) {
			s.logger.Warn("request for unknown webhook", "webhook_id", id)
			s.writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		s.logger.Error("webhook", "webhook_id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
