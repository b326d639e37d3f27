package api

import (
	"context"
	"net/http"
	"time"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/store"
)

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, caller store.Account) {
	name, err := project.ParseName(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The initial key is handed to the project container so the
	// deployer inside can call back into the platform.
	initialKey, _, err := GenerateKey()
	if err != nil {
		s.writeError(w, apierror.Wrap(apierror.KindInternal, err))
		return
	}
	p := store.Project{
		Name:       name,
		Account:    caller.Name,
		InitialKey: initialKey,
		State:      project.NewCreating(0),
		LastActive: s.deps.Clock.Now(),
	}
	if err := s.deps.Projects.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Tasks.Submit(name, project.IntentStart); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Log.Info("project created", "project", name, "account", caller.Name)
	s.writeJSON(w, http.StatusOK, toProjectBody(p))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, caller store.Account) {
	p, err := s.loadOwnedProject(r, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toProjectBody(p))
}

// handleProjectStatus reports the project state plus a coarse health
// summary for dashboards.
func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request, caller store.Account) {
	p, err := s.loadOwnedProject(r, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	healthy := p.State.Kind == project.Ready
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":        p.Name.String(),
		"state":       p.State,
		"healthy":     healthy,
		"last_active": p.LastActive,
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, caller store.Account) {
	scope := caller.Name
	if caller.SuperUser {
		scope = ""
	}
	projects, err := s.deps.Projects.ListProjects(r.Context(), scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]projectBody, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectBody(p))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleDestroyProject is idempotent: destroying an already destroyed
// project reports success with the current state.
func (s *Server) handleDestroyProject(w http.ResponseWriter, r *http.Request, caller store.Account) {
	p, err := s.loadOwnedProject(r, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if p.State.Kind == project.Destroyed {
		s.writeJSON(w, http.StatusOK, toProjectBody(p))
		return
	}
	if err := s.deps.Tasks.Submit(p.Name, project.IntentDestroy); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Log.Info("project destroy requested", "project", p.Name, "account", caller.Name)
	p.State = project.NewDestroying(p.State.HasContainer())
	s.writeJSON(w, http.StatusOK, toProjectBody(p))
}

// intentHandler builds a handler submitting a fixed lifecycle intent.
func (s *Server) intentHandler(intent project.Intent) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, caller store.Account) {
		p, err := s.loadOwnedProject(r, caller)
		if err != nil {
			s.writeError(w, err)
			return
		}
		// Dry-run the intent so impossible requests fail synchronously
		// instead of dying in the worker log.
		if _, err := project.ApplyIntent(p.State, intent); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.deps.Tasks.Submit(p.Name, intent); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, toProjectBody(p))
	}
}

func (s *Server) handleAttachDomain(w http.ResponseWriter, r *http.Request, caller store.Account) {
	p, err := s.loadOwnedProject(r, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fqdn := r.PathValue("fqdn")
	if !validFQDN(fqdn) {
		s.writeError(w, apierror.Newf(apierror.KindInvalidProjectName, "invalid domain %q", fqdn))
		return
	}
	if err := s.deps.Domains.UpsertCustomDomain(r.Context(), fqdn, p.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Log.Info("custom domain attached", "fqdn", fqdn, "project", p.Name)

	// Issue in the background: the ACME round trip takes longer than a
	// request should.
	if s.deps.Certs != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := s.deps.Certs.Issue(ctx, fqdn); err != nil {
				s.deps.Log.Error("certificate issuance failed", "fqdn", fqdn, "error", err)
			}
		}()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"fqdn":    fqdn,
		"project": p.Name.String(),
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, caller store.Account) {
	if !caller.SuperUser {
		s.writeError(w, apierror.New(apierror.KindForbidden, "only administrators can create accounts"))
		return
	}
	name, err := project.ParseAccountName(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	key, hash, err := GenerateKey()
	if err != nil {
		s.writeError(w, apierror.Wrap(apierror.KindInternal, err))
		return
	}
	a := store.Account{Name: name, KeyHash: hash, CreatedAt: s.deps.Clock.Now()}
	if err := s.deps.Accounts.CreateAccount(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Log.Info("account created", "account", name, "by", caller.Name)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name": name.String(),
		"key":  key, // shown once, never retrievable again
	})
}

func (s *Server) handleSetSuper(w http.ResponseWriter, r *http.Request, caller store.Account) {
	if !caller.SuperUser {
		s.writeError(w, apierror.New(apierror.KindForbidden, "only administrators can grant admin"))
		return
	}
	name, err := project.ParseAccountName(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Accounts.SetSuperUser(r.Context(), name, true); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name.String(), "super_user": true})
}

func (s *Server) handleResetKey(w http.ResponseWriter, r *http.Request, caller store.Account) {
	name, err := project.ParseAccountName(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !caller.SuperUser && caller.Name != name {
		s.writeError(w, apierror.New(apierror.KindForbidden, "cannot reset another account's key"))
		return
	}
	key, hash, err := GenerateKey()
	if err != nil {
		s.writeError(w, apierror.Wrap(apierror.KindInternal, err))
		return
	}
	if err := s.deps.Accounts.ResetAccountKey(r.Context(), name, hash); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Log.Info("account key reset", "account", name, "by", caller.Name)
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name.String(), "key": key})
}

// validFQDN checks a custom domain: at least two dot-separated DNS labels.
func validFQDN(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			label := s[start:i]
			if !validDomainLabel(label) {
				return false
			}
			labels++
			start = i + 1
		}
	}
	return labels >= 2
}

func validDomainLabel(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= '0' && b <= '9':
		case b == '-':
		default:
			return false
		}
	}
	return true
}
