// Package server exposes the component registry and upgrade governance
// operations as a small JSON HTTP API. Caller identity is resolved from
// signed bearer tokens; the error taxonomy of the core maps onto HTTP
// status codes so tooling can distinguish retryable rejections (timelock
// not elapsed) from permanent ones.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/registrar"
)

// Server routes registry and governance requests.
type Server struct {
	registry   *registrar.Registry
	governance *registrar.Governance
	logger     registrar.Logger
	secret     []byte
	metrics    *metrics
	router     chi.Router
}

// New creates a server for the given registry and governance pair.
// secret verifies caller bearer tokens.
func New(registry *registrar.Registry, governance *registrar.Governance, secret []byte, logger registrar.Logger) *Server {
	if logger == nil {
		logger = registrar.NopLogger{}
	}

	s := &Server{
		registry:   registry,
		governance: governance,
		logger:     logger,
		secret:     secret,
		metrics:    newMetrics(),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/components", func(r chi.Router) {
			r.Post("/", s.handleInstall)
			r.Get("/", s.handleList)
			r.Get("/{name}", s.handleQuery)
			r.Post("/{name}/swap", s.handleSwap)
			r.Post("/{name}/deactivate", s.handleDeactivate)
		})

		r.Route("/upgraders", func(r chi.Router) {
			r.Get("/", s.handleListUpgraders)
			r.Put("/{identity}", s.handleAuthorizeUpgrader)
			r.Delete("/{identity}", s.handleRevokeUpgrader)
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Post("/", s.handlePropose)
			r.Get("/", s.handleListProposals)
			r.Get("/{id}", s.handleGetProposal)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/execute", s.handleExecute)
		})

		r.Route("/governance", func(r chi.Router) {
			r.Get("/timelock", s.handleGetTimelock)
			r.Put("/timelock", s.handleSetTimelock)
			r.Put("/roles/{kind}/{identity}", s.handleGrantRole)
			r.Delete("/roles/{kind}/{identity}", s.handleRevokeRole)
		})
	})

	return r
}

type installRequest struct {
	Name              string `json:"name"`
	InstanceHandle    string `json:"instanceHandle"`
	ImplementationRef string `json:"implementationRef"`
	Version           string `json:"version"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rec, err := s.registry.Install(r.Context(), req.Name, req.InstanceHandle, req.ImplementationRef, req.Version, callerFromContext(r.Context()))
	s.metrics.observe("install", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"components": s.registry.List()})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Query(chi.URLParam(r, "name"))
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type swapRequest struct {
	ImplementationRef string `json:"implementationRef"`
	Version           string `json:"version"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := s.registry.SwapImplementation(r.Context(), chi.URLParam(r, "name"), req.ImplementationRef, req.Version, callerFromContext(r.Context()))
	s.metrics.observe("swap", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Deactivate(r.Context(), chi.URLParam(r, "name"), callerFromContext(r.Context()))
	s.metrics.observe("deactivate", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUpgraders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"upgraders": s.registry.Upgraders()})
}

func (s *Server) handleAuthorizeUpgrader(w http.ResponseWriter, r *http.Request) {
	err := s.registry.AuthorizeUpgrader(r.Context(), chi.URLParam(r, "identity"), callerFromContext(r.Context()))
	s.metrics.observe("authorize_upgrader", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeUpgrader(w http.ResponseWriter, r *http.Request) {
	err := s.registry.RevokeUpgrader(r.Context(), chi.URLParam(r, "identity"), callerFromContext(r.Context()))
	s.metrics.observe("revoke_upgrader", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type proposeRequest struct {
	TargetComponent      string `json:"targetComponent"`
	NewImplementationRef string `json:"newImplementationRef"`
	NewVersion           string `json:"newVersion"`
	Description          string `json:"description"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	id, err := s.governance.Propose(r.Context(), req.TargetComponent, req.NewImplementationRef, req.NewVersion, req.Description, callerFromContext(r.Context()))
	s.metrics.observe("propose", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleListProposals(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": s.governance.ListProposals()})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseProposalID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed proposal id")
		return
	}

	proposal, err := s.governance.GetProposal(id)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := parseProposalID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed proposal id")
		return
	}

	err = s.governance.Approve(r.Context(), id, callerFromContext(r.Context()))
	s.metrics.observe("approve", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := parseProposalID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed proposal id")
		return
	}

	err = s.governance.Execute(r.Context(), id, callerFromContext(r.Context()))
	s.metrics.observe("execute", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTimelock(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"duration": s.governance.TimelockDuration().String()})
}

type timelockRequest struct {
	Duration string `json:"duration"`
}

func (s *Server) handleSetTimelock(w http.ResponseWriter, r *http.Request) {
	var req timelockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed duration")
		return
	}

	err = s.governance.SetTimelockDuration(r.Context(), d, callerFromContext(r.Context()))
	s.metrics.observe("set_timelock", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	caller := callerFromContext(r.Context())

	var err error
	switch kind := chi.URLParam(r, "kind"); kind {
	case registrar.RoleProposer:
		err = s.governance.AddProposer(r.Context(), identity, caller)
	case registrar.RoleApprover:
		err = s.governance.AddApprover(r.Context(), identity, caller)
	default:
		s.writeError(w, http.StatusBadRequest, "unknown role kind")
		return
	}
	s.metrics.observe("grant_role", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	caller := callerFromContext(r.Context())

	var err error
	switch kind := chi.URLParam(r, "kind"); kind {
	case registrar.RoleProposer:
		err = s.governance.RemoveProposer(r.Context(), identity, caller)
	case registrar.RoleApprover:
		err = s.governance.RemoveApprover(r.Context(), identity, caller)
	default:
		s.writeError(w, http.StatusBadRequest, "unknown role kind")
		return
	}
	s.metrics.observe("revoke_role", err)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseProposalID(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

// writeTaxonomyError maps the core error taxonomy onto HTTP status
// codes: 403 unauthorized role, 404 not found, 409 already exists,
// 400 invalid argument, 422 invalid state.
func (s *Server) writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registrar.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, registrar.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registrar.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, registrar.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, registrar.ErrInvalidState):
		status = http.StatusUnprocessableEntity
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
