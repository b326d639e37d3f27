package project

import (
	"context"
	"errors"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/docker"
	"github.com/slipway-dev/slipway/internal/logging"
)

// fakeContainer is one container tracked by the in-memory driver.
type fakeContainer struct {
	id      string
	name    string
	image   string
	labels  map[string]string
	running bool
	ip      string
}

// mockDriver is an in-memory docker.API. Optional hook fields let a test
// inject failures per call; unset hooks fall through to the default
// in-memory behaviour.
type mockDriver struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // keyed by id
	nextID     int

	createErr  func(calls int) error
	inspectErr func(calls int) error
	startErr   func(calls int) error
	stopErr    func(calls int) error
	removeErr  func(calls int) error

	createCalls  int
	inspectCalls int
	startCalls   int
	stopCalls    int
	removeCalls  int
}

func newMockDriver() *mockDriver {
	return &mockDriver{containers: make(map[string]*fakeContainer)}
}

var errNotFound = cerrdefs.ErrNotFound.WithMessage("no such container")
var errConflict = cerrdefs.ErrConflict.WithMessage("name already in use")

func (m *mockDriver) CreateContainer(_ context.Context, project string, s docker.Settings) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		if err := m.createErr(m.createCalls); err != nil {
			return "", err
		}
	}
	name := s.ContainerName(project)
	for _, c := range m.containers {
		if c.name == name {
			return "", errConflict
		}
	}
	m.nextID++
	id := "cid-" + project + "-" + itoa(m.nextID)
	m.containers[id] = &fakeContainer{
		id:     id,
		name:   name,
		image:  s.Image,
		labels: map[string]string{docker.ProjectLabel: project},
		ip:     "172.18.0.2",
	}
	return id, nil
}

func (m *mockDriver) InspectContainer(_ context.Context, ref string) (docker.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inspectCalls++
	if m.inspectErr != nil {
		if err := m.inspectErr(m.inspectCalls); err != nil {
			return docker.Status{}, err
		}
	}
	c := m.lookupLocked(ref)
	if c == nil {
		return docker.Status{}, errNotFound
	}
	return m.statusLocked(c), nil
}

func (m *mockDriver) StartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		if err := m.startErr(m.startCalls); err != nil {
			return err
		}
	}
	c := m.lookupLocked(id)
	if c == nil {
		return errNotFound
	}
	c.running = true
	return nil
}

func (m *mockDriver) StopContainer(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	if m.stopErr != nil {
		if err := m.stopErr(m.stopCalls); err != nil {
			return err
		}
	}
	c := m.lookupLocked(id)
	if c == nil {
		return errNotFound
	}
	c.running = false
	return nil
}

func (m *mockDriver) RemoveContainer(_ context.Context, ref string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	if m.removeErr != nil {
		if err := m.removeErr(m.removeCalls); err != nil {
			return err
		}
	}
	c := m.lookupLocked(ref)
	if c == nil {
		return errNotFound
	}
	delete(m.containers, c.id)
	return nil
}

func (m *mockDriver) FindProjectContainer(_ context.Context, project string, s docker.Settings) (docker.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := s.ContainerName(project)
	for _, c := range m.containers {
		if c.name == name {
			return m.statusLocked(c), nil
		}
	}
	return docker.Status{}, errNotFound
}

func (m *mockDriver) Close() error { return nil }

func (m *mockDriver) lookupLocked(ref string) *fakeContainer {
	if c, ok := m.containers[ref]; ok {
		return c
	}
	for _, c := range m.containers {
		if c.name == ref {
			return c
		}
	}
	return nil
}

func (m *mockDriver) statusLocked(c *fakeContainer) docker.Status {
	state := "exited"
	if c.running {
		state = "running"
	}
	labels := make(map[string]string, len(c.labels))
	for k, v := range c.labels {
		labels[k] = v
	}
	return docker.Status{
		ID:        c.id,
		Running:   c.running,
		State:     state,
		IPAddress: c.ip,
		Image:     c.image,
		Labels:    labels,
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// fakeClock advances its notion of now by step on every Now call and
// returns closed channels from After, so poll loops never sleep.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

type noopStopper struct{}

func (noopStopper) Stop() bool { return true }

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) clock.Stopper {
	go f()
	return noopStopper{}
}

// okProber always reports healthy.
type okProber struct{}

func (okProber) Probe(context.Context, string) error { return nil }

// failProber fails the first n probes, then succeeds.
type failProber struct {
	mu    sync.Mutex
	n     int
	calls int
}

func (p *failProber) Probe(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.n {
		return errors.New("connection refused")
	}
	return nil
}

func testEnv(driver docker.API) Env {
	return Env{
		Driver: driver,
		Settings: docker.Settings{
			Image:       "slipway/deployer:latest",
			Prefix:      "slipway_",
			NetworkName: "slipway",
			FQDN:        "test.example.com",
		},
		Clock:  newFakeClock(10 * time.Millisecond),
		Prober: okProber{},
		Log:    logging.Discard(),
	}
}
