package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/store"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	submits []struct {
		Name   project.Name
		Intent project.Intent
	}
}

func (r *recordingSubmitter) Submit(name project.Name, intent project.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, struct {
		Name   project.Name
		Intent project.Intent
	}{name, intent})
	return nil
}

func (r *recordingSubmitter) last() (project.Name, project.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.submits) == 0 {
		return "", ""
	}
	s := r.submits[len(r.submits)-1]
	return s.Name, s.Intent
}

type apiHarness struct {
	server *Server
	store  *store.Store
	tasks  *recordingSubmitter

	adminKey string
	userKey  string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tasks := &recordingSubmitter{}
	srv := NewServer(Dependencies{
		Projects: st,
		Accounts: st,
		Domains:  st,
		Tasks:    tasks,
		Clock:    clock.Real{},
		Log:      logging.Discard(),
	})

	h := &apiHarness{server: srv, store: st, tasks: tasks}
	ctx := context.Background()

	adminKey, adminHash, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	err = st.CreateAccount(ctx, store.Account{
		Name: "admin", KeyHash: adminHash, SuperUser: true, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.adminKey = adminKey

	userKey, userHash, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	err = st.CreateAccount(ctx, store.Account{
		Name: "neo", KeyHash: userHash, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.userKey = userKey
	return h
}

func (h *apiHarness) request(t *testing.T, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	h := newAPIHarness(t)
	w := h.request(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAuthRejectsBadKeys(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.request(t, http.MethodGet, "/projects", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", w.Code)
	}
	if w := h.request(t, http.MethodGet, "/projects", "sgk_bogus"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d", w.Code)
	}
}

func TestCreateProjectLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	w := h.request(t, http.MethodPost, "/projects/mallard", h.userKey)
	if w.Code != http.StatusOK {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode[projectBody](t, w)
	if body.Name != "mallard" || body.Account != "neo" || body.State.Kind != project.Creating {
		t.Errorf("body = %+v", body)
	}
	if name, intent := h.tasks.last(); name != "mallard" || intent != project.IntentStart {
		t.Errorf("submitted %s/%s", name, intent)
	}

	// Duplicate name conflicts.
	if w := h.request(t, http.MethodPost, "/projects/mallard", h.userKey); w.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d", w.Code)
	}
	// Invalid name rejected before touching the store.
	if w := h.request(t, http.MethodPost, "/projects/Bad_Name", h.userKey); w.Code != http.StatusBadRequest {
		t.Errorf("invalid name: status = %d", w.Code)
	}

	w = h.request(t, http.MethodGet, "/projects/mallard", h.userKey)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	h := newAPIHarness(t)

	if w := h.request(t, http.MethodPost, "/projects/mallard", h.userKey); w.Code != http.StatusOK {
		t.Fatal("setup create failed")
	}

	// Another account cannot see neo's project; superuser can.
	otherKey, otherHash, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.CreateAccount(context.Background(), store.Account{
		Name: "smith", KeyHash: otherHash, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if w := h.request(t, http.MethodGet, "/projects/mallard", otherKey); w.Code != http.StatusNotFound {
		t.Errorf("foreign get: status = %d", w.Code)
	}
	if w := h.request(t, http.MethodGet, "/projects/mallard", h.adminKey); w.Code != http.StatusOK {
		t.Errorf("admin get: status = %d", w.Code)
	}

	// Listing scopes to the caller.
	w := h.request(t, http.MethodGet, "/projects", otherKey)
	if got := decode[[]projectBody](t, w); len(got) != 0 {
		t.Errorf("foreign list = %+v", got)
	}
	w = h.request(t, http.MethodGet, "/projects", h.userKey)
	if got := decode[[]projectBody](t, w); len(got) != 1 {
		t.Errorf("owner list = %+v", got)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.request(t, http.MethodPost, "/projects/mallard", h.userKey); w.Code != http.StatusOK {
		t.Fatal("setup create failed")
	}

	// Both the first and the repeated destroy answer 200.
	w := h.request(t, http.MethodDelete, "/projects/mallard", h.userKey)
	if w.Code != http.StatusOK {
		t.Fatalf("destroy: status = %d", w.Code)
	}
	if body := decode[projectBody](t, w); body.State.Kind != project.Destroying {
		t.Errorf("state = %s", body.State.Kind)
	}
	if _, intent := h.tasks.last(); intent != project.IntentDestroy {
		t.Errorf("intent = %s", intent)
	}

	// Once the worker finishes, destroy again reports success.
	err := h.store.UpdateProjectState(context.Background(), "mallard", project.NewDestroyed())
	if err != nil {
		t.Fatal(err)
	}
	w = h.request(t, http.MethodDelete, "/projects/mallard", h.userKey)
	if w.Code != http.StatusOK {
		t.Fatalf("destroy destroyed: status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode[projectBody](t, w)
	if body.State.Kind != project.Destroyed {
		t.Errorf("state = %s", body.State.Kind)
	}
}

func TestLifecycleEndpointsValidateState(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.request(t, http.MethodPost, "/projects/mallard", h.userKey); w.Code != http.StatusOK {
		t.Fatal("setup create failed")
	}
	// Ready project can be stopped and restarted.
	err := h.store.UpdateProjectState(context.Background(), "mallard", project.NewReady("cid-1", "10.0.0.1:8000"))
	if err != nil {
		t.Fatal(err)
	}
	if w := h.request(t, http.MethodPost, "/projects/mallard/stop", h.userKey); w.Code != http.StatusAccepted {
		t.Errorf("stop ready: status = %d", w.Code)
	}
	if w := h.request(t, http.MethodPost, "/projects/mallard/restart", h.userKey); w.Code != http.StatusAccepted {
		t.Errorf("restart ready: status = %d", w.Code)
	}

	// Stopping mid-destroy is rejected synchronously.
	err = h.store.UpdateProjectState(context.Background(), "mallard", project.NewDestroying("cid-1"))
	if err != nil {
		t.Fatal(err)
	}
	if w := h.request(t, http.MethodPost, "/projects/mallard/stop", h.userKey); w.Code != http.StatusServiceUnavailable {
		t.Errorf("stop destroying: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestUserManagement(t *testing.T) {
	h := newAPIHarness(t)

	// Only admins create users.
	if w := h.request(t, http.MethodPost, "/users/trinity", h.userKey); w.Code != http.StatusForbidden {
		t.Errorf("non-admin create user: status = %d", w.Code)
	}
	w := h.request(t, http.MethodPost, "/users/trinity", h.adminKey)
	if w.Code != http.StatusOK {
		t.Fatalf("create user: status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]string](t, w)
	if resp["key"] == "" {
		t.Fatal("no key returned")
	}
	trinityKey := resp["key"]

	// The returned key authenticates.
	if w := h.request(t, http.MethodGet, "/projects", trinityKey); w.Code != http.StatusOK {
		t.Errorf("new key rejected: status = %d", w.Code)
	}

	// Promote and reset.
	if w := h.request(t, http.MethodPut, "/users/trinity/super", h.adminKey); w.Code != http.StatusOK {
		t.Errorf("promote: status = %d", w.Code)
	}
	w = h.request(t, http.MethodPost, "/users/trinity/reset-key", h.adminKey)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: status = %d", w.Code)
	}
	newKey := decode[map[string]string](t, w)["key"]
	if w := h.request(t, http.MethodGet, "/projects", trinityKey); w.Code != http.StatusUnauthorized {
		t.Errorf("old key still valid: status = %d", w.Code)
	}
	if w := h.request(t, http.MethodGet, "/projects", newKey); w.Code != http.StatusOK {
		t.Errorf("new key rejected: status = %d", w.Code)
	}

	// Users cannot reset someone else's key.
	if w := h.request(t, http.MethodPost, "/users/admin/reset-key", h.userKey); w.Code != http.StatusForbidden {
		t.Errorf("foreign reset: status = %d", w.Code)
	}
}

func TestAttachDomain(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.request(t, http.MethodPost, "/projects/mallard", h.userKey); w.Code != http.StatusOK {
		t.Fatal("setup create failed")
	}

	w := h.request(t, http.MethodPut, "/projects/mallard/domains/app.example.org", h.userKey)
	if w.Code != http.StatusOK {
		t.Fatalf("attach: status = %d, body = %s", w.Code, w.Body.String())
	}
	d, err := h.store.GetCustomDomain(context.Background(), "app.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if d.Project != "mallard" {
		t.Errorf("domain project = %s", d.Project)
	}

	if w := h.request(t, http.MethodPut, "/projects/mallard/domains/not_a_domain", h.userKey); w.Code != http.StatusBadRequest {
		t.Errorf("invalid fqdn: status = %d", w.Code)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	h := newAPIHarness(t)
	w := h.request(t, http.MethodGet, "/projects/missing", h.userKey)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[errorBody](t, w)
	if body.Kind != "project_not_found" || body.Message == "" {
		t.Errorf("envelope = %+v", body)
	}
}
