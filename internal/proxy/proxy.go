// Package proxy serves the user plane: it resolves the request host to a
// project, resumes stopped projects on demand, and reverse-proxies to the
// project's backend. A companion bouncer listener redirects plain HTTP to
// TLS and answers ACME HTTP-01 challenges.
package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/events"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/metrics"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/store"
)

// ResumeWait bounds how long a request blocks while its stopped project
// spins back up.
const ResumeWait = 10 * time.Second

const challengePrefix = "/.well-known/acme-challenge/"

// Stater is the slice of the store the proxy reads.
type Stater interface {
	GetProject(ctx context.Context, name project.Name) (store.Project, error)
	GetCustomDomain(ctx context.Context, fqdn string) (store.CustomDomain, error)
	TouchProject(ctx context.Context, name project.Name, at time.Time) error
}

// TaskSubmitter accepts lifecycle intents. Implemented by the worker.
type TaskSubmitter interface {
	Submit(name project.Name, intent project.Intent) error
}

// ChallengeStore serves pending ACME HTTP-01 key authorizations.
type ChallengeStore interface {
	KeyAuth(domain, token string) (string, bool)
}

// Handler is the user-plane HTTP handler.
type Handler struct {
	store      Stater
	tasks      TaskSubmitter
	bus        *events.Bus
	challenges ChallengeStore // nil when TLS is disabled
	apex       string         // proxy FQDN; projects live at <name>.<apex>
	clock      clock.Clock
	log        *logging.Logger

	// transport overrides the reverse proxy transport in tests.
	transport http.RoundTripper
}

func NewHandler(st Stater, tasks TaskSubmitter, bus *events.Bus, challenges ChallengeStore, apex string, clk clock.Clock, log *logging.Logger) *Handler {
	return &Handler{
		store:      st,
		tasks:      tasks,
		bus:        bus,
		challenges: challenges,
		apex:       strings.ToLower(apex),
		clock:      clk,
		log:        log.Named("proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	if strings.HasPrefix(r.URL.Path, challengePrefix) {
		h.serveChallenge(w, r, host)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	h.route(rec, r, host)
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(rec.code)).Inc()
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request, host string) {
	name, err := h.resolve(r.Context(), host)
	if err != nil {
		h.writeError(w, err)
		return
	}

	p, err := h.store.GetProject(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}

	switch p.State.Kind {
	case project.Ready:
		h.forward(w, r, p)
	case project.Destroyed:
		h.writeError(w, apierror.Newf(apierror.KindProjectNotFound, "project %q has been destroyed", name))
	case project.Errored:
		h.writeError(w, apierror.Newf(apierror.KindProjectUnavailable, "project %q is in an error state", name))
	case project.Destroying:
		h.writeError(w, apierror.Newf(apierror.KindProjectUnavailable, "project %q is being destroyed", name))
	default:
		h.resumeAndForward(w, r, p)
	}
}

// resumeAndForward waits for a transitional project to come Ready, kicking
// a stopped one awake first, then proxies the original request.
func (h *Handler) resumeAndForward(w http.ResponseWriter, r *http.Request, p store.Project) {
	// Subscribe before re-reading state so a transition landing in
	// between still wakes us.
	ch, cancel := h.bus.Subscribe()
	defer cancel()

	if p.State.Kind == project.Stopped {
		if err := h.tasks.Submit(p.Name, project.IntentStart); err != nil {
			h.writeError(w, err)
			return
		}
		metrics.ProxyResumes.Inc()
		h.log.Info("resuming stopped project for incoming request", "project", p.Name)
	}

	deadline := h.clock.After(ResumeWait)
	for {
		cur, err := h.store.GetProject(r.Context(), p.Name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		switch cur.State.Kind {
		case project.Ready:
			h.forward(w, r, cur)
			return
		case project.Destroyed:
			h.writeError(w, apierror.Newf(apierror.KindProjectNotFound, "project %q has been destroyed", p.Name))
			return
		case project.Errored:
			h.writeError(w, apierror.Newf(apierror.KindProjectUnavailable, "project %q is in an error state", p.Name))
			return
		}

		select {
		case <-deadline:
			h.writeStatus(w, http.StatusGatewayTimeout, "project is starting, retry shortly")
			return
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if evt.Project != p.Name {
				continue
			}
			// Re-read the store on the next loop iteration.
		}
	}
}

// forward reverse-proxies the request to the project's backend.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, p store.Project) {
	target := &url.URL{Scheme: "http", Host: p.State.BackendAddr}
	rp := httputil.NewSingleHostReverseProxy(target)
	if h.transport != nil {
		rp.Transport = h.transport
	}

	origDirector := rp.Director
	rp.Director = func(req *http.Request) {
		origDirector(req)
		req.Host = r.Host
		req.Header.Set("X-Forwarded-Host", hostOnly(r.Host))
		if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		req.Header.Set("X-Forwarded-Proto", proto)
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Warn("backend unreachable", "project", p.Name, "backend", p.State.BackendAddr, "error", err)
		h.writeStatus(w, http.StatusBadGateway, "project backend is unreachable")
	}

	if err := h.store.TouchProject(r.Context(), p.Name, h.clock.Now()); err != nil {
		h.log.Warn("touch failed", "project", p.Name, "error", err)
	}
	rp.ServeHTTP(w, r)
}

// resolve maps a request host to a project name: subdomains of the apex
// directly, anything else through the custom domain table.
func (h *Handler) resolve(ctx context.Context, host string) (project.Name, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == h.apex {
		return "", apierror.New(apierror.KindProjectNotFound, "no project selected")
	}
	if label, ok := strings.CutSuffix(host, "."+h.apex); ok {
		if strings.Contains(label, ".") {
			return "", apierror.Newf(apierror.KindProjectNotFound, "no project at %q", host)
		}
		return project.ParseName(label)
	}
	d, err := h.store.GetCustomDomain(ctx, host)
	if err != nil {
		if apierror.IsKind(err, apierror.KindDomainNotFound) {
			return "", apierror.Newf(apierror.KindProjectNotFound, "no project at %q", host)
		}
		return "", err
	}
	return d.Project, nil
}

func (h *Handler) serveChallenge(w http.ResponseWriter, r *http.Request, host string) {
	if h.challenges == nil {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, challengePrefix)
	keyAuth, ok := h.challenges.KeyAuth(host, token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apierror.KindOf(err)
	h.writeStatus(w, kind.Status(), err.Error())
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// Bouncer redirects plain HTTP to the TLS listener, passing ACME
// challenges through untouched.
type Bouncer struct {
	challenges ChallengeStore
	log        *logging.Logger
}

func NewBouncer(challenges ChallengeStore, log *logging.Logger) *Bouncer {
	return &Bouncer{challenges: challenges, log: log.Named("bouncer")}
}

func (b *Bouncer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	if strings.HasPrefix(r.URL.Path, challengePrefix) && b.challenges != nil {
		token := strings.TrimPrefix(r.URL.Path, challengePrefix)
		if keyAuth, ok := b.challenges.KeyAuth(host, token); ok {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(keyAuth))
			return
		}
		http.NotFound(w, r)
		return
	}
	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}
