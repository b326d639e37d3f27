// Package api serves the control plane: project lifecycle, account
// management, and custom domain registration over authenticated JSON HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/store"
)

// ProjectStore is what the handlers need from the project table.
type ProjectStore interface {
	CreateProject(ctx context.Context, p store.Project) error
	GetProject(ctx context.Context, name project.Name) (store.Project, error)
	ListProjects(ctx context.Context, account project.AccountName) ([]store.Project, error)
}

// AccountStore is what the handlers need from the accounts table.
type AccountStore interface {
	CreateAccount(ctx context.Context, a store.Account) error
	GetAccountByKeyHash(ctx context.Context, keyHash string) (store.Account, error)
	SetSuperUser(ctx context.Context, name project.AccountName, super bool) error
	ResetAccountKey(ctx context.Context, name project.AccountName, keyHash string) error
}

// DomainStore is what the handlers need from the custom domain table.
type DomainStore interface {
	UpsertCustomDomain(ctx context.Context, fqdn string, name project.Name) error
	GetCustomDomain(ctx context.Context, fqdn string) (store.CustomDomain, error)
}

// TaskSubmitter accepts lifecycle intents. Implemented by the worker.
type TaskSubmitter interface {
	Submit(name project.Name, intent project.Intent) error
}

// CertIssuer requests a certificate for a freshly attached domain. Nil
// when TLS is disabled.
type CertIssuer interface {
	Issue(ctx context.Context, fqdn string) error
}

// Dependencies defines what the API server needs from the rest of the
// gateway.
type Dependencies struct {
	Projects ProjectStore
	Accounts AccountStore
	Domains  DomainStore
	Tasks    TaskSubmitter
	Certs    CertIssuer
	Clock    clock.Clock
	Log      *logging.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("POST /projects/{name}", s.auth(s.handleCreateProject))
	s.mux.Handle("GET /projects/{name}", s.auth(s.handleGetProject))
	s.mux.Handle("GET /projects/{name}/status", s.auth(s.handleProjectStatus))
	s.mux.Handle("DELETE /projects/{name}", s.auth(s.handleDestroyProject))
	s.mux.Handle("POST /projects/{name}/start", s.auth(s.intentHandler(project.IntentStart)))
	s.mux.Handle("POST /projects/{name}/stop", s.auth(s.intentHandler(project.IntentStop)))
	s.mux.Handle("POST /projects/{name}/restart", s.auth(s.intentHandler(project.IntentRestart)))
	s.mux.Handle("GET /projects", s.auth(s.handleListProjects))
	s.mux.Handle("PUT /projects/{name}/domains/{fqdn}", s.auth(s.handleAttachDomain))

	s.mux.Handle("POST /users/{name}", s.auth(s.handleCreateUser))
	s.mux.Handle("PUT /users/{name}/super", s.auth(s.handleSetSuper))
	s.mux.Handle("POST /users/{name}/reset-key", s.auth(s.handleResetKey))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller store.Account)

// auth resolves the bearer key to an account and passes it to the
// handler.
func (s *Server) auth(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractBearer(r.Header.Get("Authorization"))
		if key == "" {
			s.writeError(w, apierror.New(apierror.KindUnauthorized, "missing bearer key"))
			return
		}
		caller, err := s.deps.Accounts.GetAccountByKeyHash(r.Context(), HashKey(key))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, caller)
	})
}

// loadOwnedProject fetches a project the caller may act on. Non-owners
// get a not-found so project names do not leak across accounts.
func (s *Server) loadOwnedProject(r *http.Request, caller store.Account) (store.Project, error) {
	name, err := project.ParseName(r.PathValue("name"))
	if err != nil {
		return store.Project{}, err
	}
	p, err := s.deps.Projects.GetProject(r.Context(), name)
	if err != nil {
		return store.Project{}, err
	}
	if !caller.SuperUser && p.Account != caller.Name {
		return store.Project{}, apierror.Newf(apierror.KindProjectNotFound, "project %q not found", name)
	}
	return p, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apierror.KindOf(err)
	s.writeJSON(w, kind.Status(), errorBody{Message: err.Error(), Kind: kind.String()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Log.Error("encode response", "error", err)
	}
}

// projectBody is the JSON shape for a project across all endpoints.
type projectBody struct {
	Name       string        `json:"name"`
	Account    string        `json:"account"`
	State      project.State `json:"state"`
	LastActive time.Time     `json:"last_active"`
}

func toProjectBody(p store.Project) projectBody {
	return projectBody{
		Name:       p.Name.String(),
		Account:    p.Account.String(),
		State:      p.State,
		LastActive: p.LastActive,
	}
}
