package project

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/docker"
	"github.com/slipway-dev/slipway/internal/logging"
)

// Tuning constants. Fixed per deployment.
const (
	RecreateCap   = 3                // max container recreations before Errored
	RestartCap    = 5                // max restarts before Errored
	StopGrace     = 10 * time.Second // graceful stop window
	StartTimeout  = 60 * time.Second // waiting for the driver to report running
	HealthTimeout = 30 * time.Second // health probe budget
	IdleThreshold = 30 * time.Minute // Ready projects idle longer than this are stopped

	// BackendPort is the port project containers serve HTTP on.
	BackendPort = 8000

	startPollInterval = 500 * time.Millisecond
)

// Prober checks that a project backend is accepting traffic.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// Env carries the collaborators a transition may need. Shared read-only
// across all workers.
type Env struct {
	Driver   docker.API
	Settings docker.Settings
	Clock    clock.Clock
	Prober   Prober
	Log      *logging.Logger
}

// Advance applies one transition to the state. It is infallible in its
// outer signature: every internal failure folds into a retry state or
// Errored. Side effects are idempotent, so re-applying a transition after
// a crash between side effect and persistence is safe.
func Advance(ctx context.Context, name Name, s State, env Env) State {
	switch s.Kind {
	case Creating:
		return advanceCreating(ctx, name, s, env)
	case Attaching:
		return advanceAttaching(ctx, name, s, env)
	case Starting:
		return advanceStarting(ctx, s, env)
	case Started:
		return advanceStarted(ctx, s, env)
	case Ready:
		// Only external tasks (idle stop, crash-detected restart,
		// destroy) move a project out of Ready.
		return s
	case Stopping:
		return advanceStopping(ctx, s, env)
	case Stopped:
		return s
	case Restarting:
		return advanceRestarting(ctx, s, env)
	case Recreating:
		return advanceRecreating(ctx, name, s, env)
	case Destroying:
		return advanceDestroying(ctx, name, s, env)
	case Destroyed, Errored:
		return s
	default:
		return NewErrored("unknown state kind", string(s.Kind), s)
	}
}

func advanceCreating(ctx context.Context, name Name, s State, env Env) State {
	id, err := env.Driver.CreateContainer(ctx, name.String(), env.Settings)
	if err == nil {
		return NewAttaching(id, s.RecreateCount)
	}
	if docker.IsAlreadyExists(err) {
		// A previous attempt created the container but crashed before
		// persisting. Names are deterministic, so attach to it.
		if st, ierr := env.Driver.FindProjectContainer(ctx, name.String(), env.Settings); ierr == nil {
			return NewAttaching(st.ID, s.RecreateCount)
		}
	}
	if docker.IsFatal(err) {
		return NewErrored("failed to create container", err.Error(), s)
	}
	if s.RecreateCount < RecreateCap {
		env.Log.Warn("container create failed, retrying",
			"project", name, "attempt", s.RecreateCount+1, "error", err)
		return NewCreating(s.RecreateCount + 1)
	}
	return NewErrored("failed to create container", err.Error(), s)
}

func advanceAttaching(ctx context.Context, name Name, s State, env Env) State {
	st, err := env.Driver.InspectContainer(ctx, s.ContainerID)
	switch {
	case docker.IsNotFound(err):
		return recreateOrError(s, "container disappeared before start", "")
	case err != nil:
		if docker.IsFatal(err) {
			return NewErrored("failed to inspect container", err.Error(), s)
		}
		return s // transient; retried with backoff
	}
	if st.Image != env.Settings.Image || st.Labels[docker.ProjectLabel] != name.String() {
		// The container on the host is not the one this epoch expects.
		return recreateOrError(s, "container config mismatch", st.Image)
	}
	return NewStarting(st.ID, 0)
}

func advanceStarting(ctx context.Context, s State, env Env) State {
	if s.RestartCount > RestartCap {
		return NewErrored("restart cap exceeded", "", s)
	}
	if err := env.Driver.StartContainer(ctx, s.ContainerID); err != nil {
		switch {
		case docker.IsNotFound(err):
			return recreateOrError(s, "container disappeared before start", "")
		case docker.IsAlreadyExists(err):
			// Already running. Fall through to the readiness poll.
		case docker.IsFatal(err):
			return NewErrored("failed to start container", err.Error(), s)
		default:
			return restartOrError(s, s.RestartCount, "failed to start container", err.Error())
		}
	}

	deadline := env.Clock.Now().Add(StartTimeout)
	for {
		st, err := env.Driver.InspectContainer(ctx, s.ContainerID)
		switch {
		case docker.IsNotFound(err):
			return recreateOrError(s, "container disappeared while starting", "")
		case err == nil && st.Running:
			return NewStarted(s.ContainerID, s.RestartCount)
		}
		if env.Clock.Now().After(deadline) {
			return restartOrError(s, s.RestartCount, "timed out waiting for container to run", "")
		}
		select {
		case <-ctx.Done():
			return s // preempted; the next tick resumes here
		case <-env.Clock.After(startPollInterval):
		}
	}
}

func advanceStarted(ctx context.Context, s State, env Env) State {
	st, err := env.Driver.InspectContainer(ctx, s.ContainerID)
	switch {
	case docker.IsNotFound(err):
		return recreateOrError(s, "container disappeared after start", "")
	case err != nil:
		if docker.IsFatal(err) {
			return NewErrored("failed to inspect container", err.Error(), s)
		}
		return s
	case !st.Running:
		return restartOrError(s, s.StartCount, "container exited before becoming healthy", st.State)
	case st.IPAddress == "":
		return restartOrError(s, s.StartCount, "container has no network address", "")
	}

	addr := net.JoinHostPort(st.IPAddress, strconv.Itoa(BackendPort))
	probeCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	if err := env.Prober.Probe(probeCtx, addr); err != nil {
		return restartOrError(s, s.StartCount, "health probe failed", err.Error())
	}
	return NewReady(s.ContainerID, addr)
}

func advanceStopping(ctx context.Context, s State, env Env) State {
	err := env.Driver.StopContainer(ctx, s.ContainerID, StopGrace)
	if err != nil && !docker.IsNotFound(err) {
		// Graceful stop failed; kill with zero grace.
		if kerr := env.Driver.StopContainer(ctx, s.ContainerID, 0); kerr != nil && !docker.IsNotFound(kerr) {
			env.Log.Warn("force-kill failed, marking stopped anyway",
				"container", s.ContainerID, "error", kerr)
		}
	}
	return NewStopped(s.ContainerID)
}

func advanceRestarting(ctx context.Context, s State, env Env) State {
	if s.RestartCount > RestartCap {
		return NewErrored("restart cap exceeded", "", s)
	}
	err := env.Driver.StopContainer(ctx, s.ContainerID, StopGrace)
	switch {
	case docker.IsNotFound(err):
		return NewRecreating(1)
	case err != nil && docker.IsFatal(err):
		return NewErrored("failed to stop container for restart", err.Error(), s)
	}
	// "Not running" conflicts are fine: the restart proceeds to start.
	return NewStarting(s.ContainerID, s.RestartCount)
}

func advanceRecreating(ctx context.Context, name Name, s State, env Env) State {
	if s.RecreateCount > RecreateCap {
		return NewErrored("recreate cap exceeded", "", s)
	}
	ref := env.Settings.ContainerName(name.String())
	err := env.Driver.RemoveContainer(ctx, ref, true)
	if err != nil && !docker.IsNotFound(err) {
		if docker.IsFatal(err) {
			return NewErrored("failed to remove container", err.Error(), s)
		}
		return s // transient; retried with backoff
	}
	return NewCreating(s.RecreateCount)
}

func advanceDestroying(ctx context.Context, name Name, s State, env Env) State {
	ref := s.ContainerID
	if ref == "" {
		ref = env.Settings.ContainerName(name.String())
	}
	// Destroy is absorbing: tolerate every failure, including "no such
	// container", and land in Destroyed regardless.
	if err := env.Driver.RemoveContainer(ctx, ref, true); err != nil && !docker.IsNotFound(err) {
		env.Log.Warn("remove on destroy failed", "project", name, "error", err)
	}
	return NewDestroyed()
}

func restartOrError(s State, attempts int, msg, detail string) State {
	if attempts < RestartCap {
		return NewRestarting(s.ContainerID, attempts+1)
	}
	return NewErrored(msg, detail, s)
}

func recreateOrError(s State, msg, detail string) State {
	if s.RecreateCount < RecreateCap {
		return NewRecreating(s.RecreateCount + 1)
	}
	return NewErrored(msg, detail, s)
}
