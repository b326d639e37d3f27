package project

import (
	"github.com/slipway-dev/slipway/internal/apierror"
)

// Intent is an externally requested lifecycle change. Intents rewrite the
// current state; the worker then drives the rewritten state forward with
// Advance.
type Intent string

const (
	IntentStart       Intent = "start"        // resume a stopped project
	IntentRestart     Intent = "restart"      // stop and start again
	IntentStop        Intent = "stop"         // graceful stop (idle or admin)
	IntentDestroy     Intent = "destroy"      // remove the container, terminal
	IntentRefresh     Intent = "refresh"      // re-verify a ready project
	IntentCheckHealth Intent = "check_health" // alias of refresh from the sweep
)

// ApplyIntent maps (state, intent) to the state the worker should drive
// next. A nil-change result (returned state equals input) means the intent
// is a no-op for this state. Errors use the API error kinds so handlers
// can surface them directly.
func ApplyIntent(s State, intent Intent) (State, error) {
	// Destroy preempts everything. It is idempotent: destroying an
	// already destroyed project stays Destroyed.
	if intent == IntentDestroy {
		if s.Kind == Destroyed || s.Kind == Destroying {
			return s, nil
		}
		return NewDestroying(s.HasContainer()), nil
	}

	if s.Kind == Destroyed {
		return s, apierror.New(apierror.KindProjectNotFound, "project is destroyed")
	}

	switch intent {
	case IntentStart:
		switch s.Kind {
		case Stopped:
			return NewStarting(s.ContainerID, 0), nil
		case Errored:
			return reviveErrored(s), nil
		default:
			// Already running or moving; starting is a no-op.
			return s, nil
		}

	case IntentRestart:
		switch s.Kind {
		case Ready, Started, Starting:
			return NewRestarting(s.ContainerID, 0), nil
		case Stopped:
			return NewStarting(s.ContainerID, 0), nil
		case Errored:
			return reviveErrored(s), nil
		case Creating, Attaching, Recreating, Restarting:
			return s, nil // already converging on a running container
		default:
			return s, apierror.Newf(apierror.KindProjectUnavailable,
				"cannot restart project in state %s", s.Kind)
		}

	case IntentStop:
		switch s.Kind {
		case Ready, Started, Starting:
			return NewStopping(s.ContainerID), nil
		case Stopped, Stopping:
			return s, nil
		default:
			return s, apierror.Newf(apierror.KindProjectUnavailable,
				"cannot stop project in state %s", s.Kind)
		}

	case IntentRefresh, IntentCheckHealth:
		switch s.Kind {
		case Ready:
			// Re-run the health probe by stepping back to Started.
			return NewStarted(s.ContainerID, 0), nil
		default:
			return s, nil
		}
	}

	return s, apierror.Newf(apierror.KindInternal, "unknown intent %q", intent)
}

// reviveErrored rebuilds a driveable state from an errored project. With a
// known container the restart path reuses it; without one the project is
// recreated from scratch.
func reviveErrored(s State) State {
	if id := s.HasContainer(); id != "" {
		return NewRestarting(id, 0)
	}
	return NewCreating(0)
}
