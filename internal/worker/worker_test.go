package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/docker"
	"github.com/slipway-dev/slipway/internal/events"
	"github.com/slipway-dev/slipway/internal/journal"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/store"
)

// stubDriver is a minimal in-memory docker.API. startGate, when set,
// blocks StartContainer until released so tests can hold a task in
// flight.
type stubDriver struct {
	mu        sync.Mutex
	running   map[string]bool
	removed   map[string]bool
	nextID    int
	startGate chan struct{}
}

func newStubDriver() *stubDriver {
	return &stubDriver{running: make(map[string]bool), removed: make(map[string]bool)}
}

var errStubNotFound = cerrdefs.ErrNotFound.WithMessage("no such container")

func (d *stubDriver) CreateContainer(_ context.Context, projectName string, s docker.Settings) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := s.ContainerName(projectName)
	d.running[id] = false
	return id, nil
}

func (d *stubDriver) InspectContainer(_ context.Context, ref string) (docker.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	running, ok := d.running[ref]
	if !ok {
		return docker.Status{}, errStubNotFound
	}
	return docker.Status{
		ID:        ref,
		Running:   running,
		IPAddress: "172.18.0.2",
		Image:     "slipway/deployer:latest",
		Labels:    map[string]string{docker.ProjectLabel: refProject(ref)},
	}, nil
}

func refProject(ref string) string {
	const prefix = "slipway_"
	if len(ref) > len(prefix) {
		return ref[len(prefix):]
	}
	return ref
}

func (d *stubDriver) StartContainer(_ context.Context, id string) error {
	if d.startGate != nil {
		<-d.startGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[id]; !ok {
		return errStubNotFound
	}
	d.running[id] = true
	return nil
}

func (d *stubDriver) StopContainer(_ context.Context, id string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[id]; !ok {
		return errStubNotFound
	}
	d.running[id] = false
	return nil
}

func (d *stubDriver) RemoveContainer(_ context.Context, ref string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[ref]; !ok {
		return errStubNotFound
	}
	delete(d.running, ref)
	d.removed[ref] = true
	return nil
}

func (d *stubDriver) FindProjectContainer(_ context.Context, projectName string, s docker.Settings) (docker.Status, error) {
	return d.InspectContainer(context.Background(), s.ContainerName(projectName))
}

func (d *stubDriver) Close() error { return nil }

type alwaysHealthy struct{}

func (alwaysHealthy) Probe(context.Context, string) error { return nil }

type harness struct {
	worker  *Worker
	store   *store.Store
	journal *journal.Journal
	bus     *events.Bus
	driver  *stubDriver
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, shards int) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "gateway.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	jn, err := journal.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jn.Close() })

	driver := newStubDriver()
	bus := events.New()
	env := project.Env{
		Driver: driver,
		Settings: docker.Settings{
			Image:       "slipway/deployer:latest",
			Prefix:      "slipway_",
			NetworkName: "slipway",
			FQDN:        "test.example.com",
		},
		Clock:  clock.Real{},
		Prober: alwaysHealthy{},
		Log:    logging.Discard(),
	}
	w := New(env, st, jn, bus, logging.Discard(), shards)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	h := &harness{worker: w, store: st, journal: jn, bus: bus, driver: driver, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) seedProject(t *testing.T, name project.Name) {
	t.Helper()
	ctx := context.Background()
	_ = h.store.CreateAccount(ctx, store.Account{
		Name: "neo", KeyHash: "h-" + string(name), CreatedAt: time.Now(),
	})
	err := h.store.CreateProject(ctx, store.Project{
		Name: name, Account: "neo", InitialKey: "k",
		State: project.NewCreating(0), LastActive: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// waitForKind blocks until the project reaches one of the wanted kinds.
func (h *harness) waitForKind(t *testing.T, name project.Name, wanted ...project.Kind) project.Kind {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	match := func(k project.Kind) bool {
		for _, want := range wanted {
			if k == want {
				return true
			}
		}
		return false
	}
	// Subscribe before checking the store so a change landing in
	// between is still observed.
	ch, cancelSub := h.bus.Subscribe()
	defer cancelSub()
	if p, err := h.store.GetProject(ctx, name); err == nil && match(p.State.Kind) {
		return p.State.Kind
	}
	for {
		select {
		case evt := <-ch:
			if evt.Project == name && match(evt.Kind) {
				return evt.Kind
			}
		case <-ctx.Done():
			p, gerr := h.store.GetProject(context.Background(), name)
			t.Fatalf("waiting for %v: timed out (current: %+v, %v)", wanted, p.State, gerr)
			return ""
		}
	}
}

func TestSubmitDrivesProjectToReady(t *testing.T) {
	h := newHarness(t, 4)
	h.seedProject(t, "mallard")

	if err := h.worker.Submit("mallard", project.IntentStart); err != nil {
		t.Fatal(err)
	}
	h.waitForKind(t, "mallard", project.Ready, project.Errored)

	p, err := h.store.GetProject(context.Background(), "mallard")
	if err != nil {
		t.Fatal(err)
	}
	if p.State.Kind != project.Ready {
		t.Fatalf("state = %+v", p.State)
	}
	if p.State.BackendAddr != "172.18.0.2:8000" {
		t.Errorf("backend = %q", p.State.BackendAddr)
	}

	// The journal entry is retired once the project settles.
	waitJournalEmpty(t, h.journal)
}

func waitJournalEmpty(t *testing.T, jn *journal.Journal) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := jn.Len()
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := jn.Len()
	t.Fatalf("journal still holds %d tasks", n)
}

func TestTasksForOneProjectRunInOrder(t *testing.T) {
	h := newHarness(t, 1)
	h.seedProject(t, "mallard")

	if err := h.worker.Submit("mallard", project.IntentStart); err != nil {
		t.Fatal(err)
	}
	h.waitForKind(t, "mallard", project.Ready)

	// Stop then start, submitted back to back: the project must pass
	// through Stopped before coming back Ready.
	ch, cancel := h.bus.Subscribe()
	defer cancel()
	if err := h.worker.Submit("mallard", project.IntentStop); err != nil {
		t.Fatal(err)
	}
	if err := h.worker.Submit("mallard", project.IntentStart); err != nil {
		t.Fatal(err)
	}

	var kinds []project.Kind
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Project != "mallard" {
				continue
			}
			kinds = append(kinds, evt.Kind)
			if evt.Kind == project.Ready {
				sawStopped := false
				for _, k := range kinds {
					if k == project.Stopped {
						sawStopped = true
					}
				}
				if !sawStopped {
					t.Fatalf("start overtook stop: %v", kinds)
				}
				return
			}
			if evt.Kind == project.Errored {
				t.Fatalf("project errored: %v", kinds)
			}
		case <-deadline:
			t.Fatalf("timed out; saw %v", kinds)
		}
	}
}

func TestDestroyPreemptsQueuedTasks(t *testing.T) {
	h := newHarness(t, 1)
	h.seedProject(t, "mallard")

	// Hold the first start in flight so later submissions stack up
	// behind it.
	gate := make(chan struct{})
	h.driver.startGate = gate

	if err := h.worker.Submit("mallard", project.IntentStart); err != nil {
		t.Fatal(err)
	}
	// Let the worker reach the gated StartContainer call.
	time.Sleep(50 * time.Millisecond)

	if err := h.worker.Submit("mallard", project.IntentRestart); err != nil {
		t.Fatal(err)
	}
	if err := h.worker.Submit("mallard", project.IntentStop); err != nil {
		t.Fatal(err)
	}
	if err := h.worker.Submit("mallard", project.IntentDestroy); err != nil {
		t.Fatal(err)
	}
	close(gate)

	kind := h.waitForKind(t, "mallard", project.Destroyed, project.Errored)
	if kind != project.Destroyed {
		t.Fatalf("final kind = %s", kind)
	}
	// Preempted tasks must not linger in the journal.
	waitJournalEmpty(t, h.journal)
}

func TestDestroyPreemptsInFlightContinuations(t *testing.T) {
	h := newHarness(t, 1)
	h.seedProject(t, "mallard")

	// Hold a drive continuation in flight inside StartContainer, then
	// queue a destroy behind it.
	gate := make(chan struct{})
	h.driver.startGate = gate

	if err := h.worker.Submit("mallard", project.IntentStart); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	ch, cancel := h.bus.Subscribe()
	defer cancel()
	if err := h.worker.Submit("mallard", project.IntentDestroy); err != nil {
		t.Fatal(err)
	}
	close(gate)

	// The in-flight transition may still land, but the destroy must run
	// on the next dispatch: the project must never converge to Ready
	// past a queued destroy.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Project != "mallard" {
				continue
			}
			if evt.Kind == project.Ready {
				t.Fatal("continuation overtook a queued destroy")
			}
			if evt.Kind == project.Destroyed {
				waitJournalEmpty(t, h.journal)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for destroy")
		}
	}
}

func TestRefreshSweepRecoversWedgedProject(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	_ = h.store.CreateAccount(ctx, store.Account{Name: "neo", KeyHash: "h", CreatedAt: time.Now()})

	// A project stranded mid-transition with no queued task: its driving
	// task was lost after the state was persisted.
	id, err := h.driver.CreateContainer(ctx, "mallard", h.worker.env.Settings)
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.CreateProject(ctx, store.Project{
		Name: "mallard", Account: "neo", InitialKey: "k",
		State: project.NewStarting(id, 0), LastActive: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	h.worker.RefreshSweep(ctx)

	if kind := h.waitForKind(t, "mallard", project.Ready, project.Errored); kind != project.Ready {
		t.Fatalf("wedged project ended %s", kind)
	}
}

func TestProjectsShardIndependently(t *testing.T) {
	h := newHarness(t, 4)
	names := []project.Name{"alpha", "bravo", "charlie", "delta", "echo"}
	ctx := context.Background()
	_ = h.store.CreateAccount(ctx, store.Account{Name: "neo", KeyHash: "h", CreatedAt: time.Now()})
	for _, n := range names {
		err := h.store.CreateProject(ctx, store.Project{
			Name: n, Account: "neo", InitialKey: "k",
			State: project.NewCreating(0), LastActive: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := h.worker.Submit(n, project.IntentStart); err != nil {
			t.Fatal(err)
		}
	}
	for _, n := range names {
		if kind := h.waitForKind(t, n, project.Ready, project.Errored); kind != project.Ready {
			t.Errorf("%s ended %s", n, kind)
		}
	}
}

func TestDrainingRejectsNewTasks(t *testing.T) {
	h := newHarness(t, 2)
	h.seedProject(t, "mallard")

	h.cancel()
	<-h.done

	err := h.worker.Submit("mallard", project.IntentStart)
	if apierror.KindOf(err) != apierror.KindServiceUnavailable {
		t.Fatalf("submit while draining: %v", err)
	}
}

func TestResumePicksUpJournaledTasks(t *testing.T) {
	h := newHarness(t, 2)
	h.seedProject(t, "mallard")

	// Simulate a task journaled by a previous process that never ran.
	if _, err := h.journal.Append("mallard", project.IntentStart, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := h.worker.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}

	if kind := h.waitForKind(t, "mallard", project.Ready, project.Errored); kind != project.Ready {
		t.Fatalf("resumed project ended %s", kind)
	}
	waitJournalEmpty(t, h.journal)
}

func TestResumeDrivesInterruptedStates(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	_ = h.store.CreateAccount(ctx, store.Account{Name: "neo", KeyHash: "h", CreatedAt: time.Now()})

	// A project persisted mid-flight (Starting) with its container
	// still on the host.
	id, err := h.driver.CreateContainer(ctx, "mallard", h.worker.env.Settings)
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.CreateProject(ctx, store.Project{
		Name: "mallard", Account: "neo", InitialKey: "k",
		State: project.NewStarting(id, 0), LastActive: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.worker.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if kind := h.waitForKind(t, "mallard", project.Ready, project.Errored); kind != project.Ready {
		t.Fatalf("interrupted project ended %s", kind)
	}
}
