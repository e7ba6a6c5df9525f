package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"openpeer-hub/internal/automation"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/device"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomations exposes the automation manager.
func WithAutomations(mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.automations = mgr
	}
}

// WithDevices exposes the device registry.
func WithDevices(reg *device.Registry) ServerOption {
	return func(s *Server) {
		s.devices = reg
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the hub.
type Server struct {
	hub            *core.Hub
	automations    *automation.Manager
	devices        *device.Registry
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts streaming bus events to
// websocket clients.
func NewServer(h *core.Hub, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		hub:    h,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = h.Bus.OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/states", s.handleAPIListStates)
	s.mux.HandleFunc("GET /api/states/{entity_id}", s.handleAPIGetState)
	s.mux.HandleFunc("POST /api/states/{entity_id}", s.handleAPISetState)
	s.mux.HandleFunc("DELETE /api/states/{entity_id}", s.handleAPIDeleteState)
	s.mux.HandleFunc("GET /api/services", s.handleAPIListServices)
	s.mux.HandleFunc("POST /api/services/{domain}/{service}", s.handleAPICallService)
	s.mux.HandleFunc("POST /api/events/{event_type}", s.handleAPIFireEvent)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("/api/webhook/{webhook_id}", s.handleWebhook)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations/reload", s.handleAPIReloadAutomations)
	s.mux.HandleFunc("POST /api/automations/{id}/trigger", s.handleAPITriggerAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/enable", s.handleAPIEnableAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/disable", s.handleAPIDisableAutomation)
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/stop", s.handleAPIStopScript)

	// Automation definition files
	s.mux.HandleFunc("GET /api/config/automations", s.handleAPIListDefinitions)
	s.mux.HandleFunc("POST /api/config/automations", s.handleAPICreateDefinition)
	s.mux.HandleFunc("GET /api/config/automations/{id}", s.handleAPIGetDefinition)
	s.mux.HandleFunc("PUT /api/config/automations/{id}", s.handleAPIUpdateDefinition)
	s.mux.HandleFunc("DELETE /api/config/automations/{id}", s.handleAPIDeleteDefinition)

	// WebSocket
	s.mux.HandleFunc("GET /api/websocket", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Webhooks authenticate by their unguessable ID.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") && !strings.HasPrefix(r.URL.Path, "/api/webhook/") {
		// Browsers cannot set headers on a websocket upgrade, so the key
		// may also come as a query parameter.
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads an optional JSON body. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
