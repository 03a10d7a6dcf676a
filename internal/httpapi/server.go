// Package httpapi exposes the daemon's management API: identities with
// their bindings and calendar configs, manual sync triggers, and the last
// cycle report, all behind bearer-token auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AndrisJefimovs/cal-sync/internal/calendar"
	"github.com/AndrisJefimovs/cal-sync/internal/calsync"
	"github.com/AndrisJefimovs/cal-sync/internal/feed"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
}

type Server struct {
	store          *calsync.Store
	runner         *calsync.Runner
	hub            *ReportHub
	metricsHandler http.Handler
	schemas        *requestSchemas
	cfg            ServerConfig
	logger         calsync.Logger
}

type ServerOptions struct {
	Store          *calsync.Store
	Runner         *calsync.Runner
	Hub            *ReportHub
	MetricsHandler http.Handler
	Config         ServerConfig
	Logger         calsync.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewReportHub()
	}
	return &Server{
		store:          opts.Store,
		runner:         opts.Runner,
		hub:            hub,
		metricsHandler: opts.MetricsHandler,
		schemas:        schemas,
		cfg:            cfg,
		logger:         opts.Logger,
	}, nil
}

// Hub is where finished cycle reports go to reach streaming clients.
func (s *Server) Hub() *ReportHub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.metricsHandler == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics disabled")
			return
		}
		s.metricsHandler.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/report/stream" && r.Method == http.MethodGet {
		s.handleReportStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "report" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "report"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "run" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncTrigger
		route = "sync_run"
	case len(parts) == 2 && parts[1] == "identities" && r.Method == http.MethodGet:
		requiredScope = ScopeConfigRead
		route = "identities_list"
	case len(parts) == 2 && parts[1] == "identities" && r.Method == http.MethodPost:
		requiredScope = ScopeConfigWrite
		route = "identity_create"
	case len(parts) == 3 && parts[1] == "identities" && r.Method == http.MethodGet:
		requiredScope = ScopeConfigRead
		route = "identity_get"
	case len(parts) == 3 && parts[1] == "identities" && r.Method == http.MethodDelete:
		requiredScope = ScopeConfigWrite
		route = "identity_delete"
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "binding" && r.Method == http.MethodPut:
		requiredScope = ScopeConfigWrite
		route = "binding_put"
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "binding" && r.Method == http.MethodDelete:
		requiredScope = ScopeConfigWrite
		route = "binding_delete"
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "calendar" && r.Method == http.MethodPut:
		requiredScope = ScopeConfigWrite
		route = "calendar_put"
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "calendar" && r.Method == http.MethodDelete:
		requiredScope = ScopeConfigWrite
		route = "calendar_delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch route {
	case "report":
		s.handleReport(w)
	case "sync_run":
		s.handleSyncRun(w, r)
	case "identities_list":
		s.handleIdentitiesList(w)
	case "identity_create":
		s.handleIdentityCreate(w, r)
	case "identity_get":
		s.handleIdentityGet(w, parts[2])
	case "identity_delete":
		s.handleIdentityDelete(w, parts[2])
	case "binding_put":
		s.handleBindingPut(w, r, parts[2])
	case "binding_delete":
		s.handleBindingDelete(w, parts[2])
	case "calendar_put":
		s.handleCalendarPut(w, r, parts[2])
	case "calendar_delete":
		s.handleCalendarDelete(w, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleReport(w http.ResponseWriter) {
	report, ok := s.store.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no cycle has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no feed configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	report, err := s.runner.RunCycle(ctx)
	if err != nil {
		switch {
		case errors.Is(err, feed.ErrUnavailable):
			writeError(w, http.StatusBadGateway, "feed_unavailable", err.Error())
		case errors.Is(err, calsync.ErrInvalidInput):
			writeError(w, http.StatusConflict, "conflict", err.Error())
		case errors.Is(err, calsync.ErrBadMapping):
			writeError(w, http.StatusBadGateway, "bad_mapping", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	s.hub.Broadcast(report)
	writeJSON(w, http.StatusOK, report)
}

// calendarView is the outward shape of a calendar config. The secret is
// write-only: its presence is reported, its value never is.
type calendarView struct {
	Endpoint  string `json:"endpoint"`
	Username  string `json:"username,omitempty"`
	HasSecret bool   `json:"hasSecret"`
}

type identityView struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"displayName,omitempty"`
	Calendar    *calendarView `json:"calendar,omitempty"`
}

func viewOf(identity calsync.Identity) identityView {
	view := identityView{ID: identity.ID, DisplayName: identity.DisplayName}
	if identity.Calendar != nil {
		view.Calendar = &calendarView{
			Endpoint:  identity.Calendar.Endpoint,
			Username:  identity.Calendar.Username,
			HasSecret: identity.Calendar.Secret != "",
		}
	}
	return view
}

func (s *Server) handleIdentitiesList(w http.ResponseWriter) {
	identities := s.store.ListIdentities()
	views := make([]identityView, 0, len(identities))
	for _, identity := range identities {
		views = append(views, viewOf(identity))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleIdentityCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := validateBody(s.schemas.identityCreate, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	identity, err := s.store.CreateIdentity(req.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(identity))
}

func (s *Server) handleIdentityGet(w http.ResponseWriter, id string) {
	identity, err := s.store.GetIdentity(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(identity))
}

func (s *Server) handleIdentityDelete(w http.ResponseWriter, id string) {
	if err := s.store.DeleteIdentity(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBindingPut(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.bindingPut, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	identity, err := s.store.SetBinding(id, req.DisplayName)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(identity))
}

func (s *Server) handleBindingDelete(w http.ResponseWriter, id string) {
	identity, err := s.store.ClearBinding(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(identity))
}

func (s *Server) handleCalendarPut(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.calendarPut, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req calendar.Config
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	// An omitted secret on update keeps the stored one, so a client can
	// edit the endpoint without re-supplying credentials.
	if req.Secret == "" {
		if current, err := s.store.GetIdentity(id); err == nil && current.Calendar != nil {
			req.Secret = current.Calendar.Secret
		}
	}
	identity, err := s.store.SetCalendarConfig(id, req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(identity))
}

func (s *Server) handleCalendarDelete(w http.ResponseWriter, id string) {
	identity, err := s.store.ClearCalendarConfig(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(identity))
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, calsync.ErrDuplicateBinding):
		writeError(w, http.StatusConflict, "duplicate_binding", err.Error())
	case errors.Is(err, calsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
