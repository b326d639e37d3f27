package project

import (
	"encoding/json"
	"fmt"
)

// Kind tags a state variant. The serialized form is a flat JSON object
// with a "kind" discriminator; the tag values are part of the persisted
// schema and must not change.
type Kind string

const (
	Creating   Kind = "creating"
	Attaching  Kind = "attaching"
	Starting   Kind = "starting"
	Started    Kind = "started"
	Ready      Kind = "ready"
	Stopping   Kind = "stopping"
	Stopped    Kind = "stopped"
	Restarting Kind = "restarting"
	Recreating Kind = "recreating"
	Destroying Kind = "destroying"
	Destroyed  Kind = "destroyed"
	Errored    Kind = "errored"
)

// State is the tagged project state variant. Exactly the fields the
// variant requires are set; everything else is zero. Use the New*
// constructors rather than building literals so the canonical-variant
// invariant holds.
type State struct {
	Kind Kind `json:"kind"`

	ContainerID   string `json:"container_id,omitempty"`
	BackendAddr   string `json:"backend_addr,omitempty"`
	RecreateCount int    `json:"recreate_count,omitempty"`
	StartCount    int    `json:"start_count,omitempty"`
	RestartCount  int    `json:"restart_count,omitempty"`

	// Errored diagnostics.
	Message  string `json:"message,omitempty"`
	Context  string `json:"context,omitempty"`
	Previous *State `json:"previous,omitempty"`
}

func NewCreating(recreateCount int) State {
	return State{Kind: Creating, RecreateCount: recreateCount}
}

func NewAttaching(containerID string, recreateCount int) State {
	return State{Kind: Attaching, ContainerID: containerID, RecreateCount: recreateCount}
}

func NewStarting(containerID string, restartCount int) State {
	return State{Kind: Starting, ContainerID: containerID, RestartCount: restartCount}
}

func NewStarted(containerID string, startCount int) State {
	return State{Kind: Started, ContainerID: containerID, StartCount: startCount}
}

func NewReady(containerID, backendAddr string) State {
	return State{Kind: Ready, ContainerID: containerID, BackendAddr: backendAddr}
}

func NewStopping(containerID string) State {
	return State{Kind: Stopping, ContainerID: containerID}
}

func NewStopped(containerID string) State {
	return State{Kind: Stopped, ContainerID: containerID}
}

func NewRestarting(containerID string, restartCount int) State {
	return State{Kind: Restarting, ContainerID: containerID, RestartCount: restartCount}
}

func NewRecreating(recreateCount int) State {
	return State{Kind: Recreating, RecreateCount: recreateCount}
}

func NewDestroying(containerID string) State {
	return State{Kind: Destroying, ContainerID: containerID}
}

func NewDestroyed() State {
	return State{Kind: Destroyed}
}

// NewErrored captures a terminal failure with the state it happened in.
// The previous state preserves the container handle so a later restart
// or destroy intent can act on it.
func NewErrored(message, context string, previous State) State {
	prev := previous
	prev.Previous = nil // keep the chain one level deep
	return State{Kind: Errored, Message: message, Context: context, Previous: &prev}
}

// IsTerminal reports whether no further transition can leave the state
// without an external task.
func (s State) IsTerminal() bool {
	return s.Kind == Destroyed || s.Kind == Errored
}

// IsQuiescent reports whether the worker should stop self-enqueuing
// continuations: the state either awaits external tasks or is terminal.
func (s State) IsQuiescent() bool {
	switch s.Kind {
	case Ready, Stopped, Destroyed, Errored:
		return true
	}
	return false
}

// HasContainer returns the container handle for the state, searching the
// Errored previous chain if needed. Empty when no container is known.
func (s State) HasContainer() string {
	if s.ContainerID != "" {
		return s.ContainerID
	}
	if s.Previous != nil {
		return s.Previous.HasContainer()
	}
	return ""
}

// Valid checks that the state is a single canonical variant: required
// fields set, all others zero.
func (s State) Valid() error {
	want, ok := variantFields[s.Kind]
	if !ok {
		return fmt.Errorf("unknown state kind %q", s.Kind)
	}
	check := func(name string, set, allowed bool) error {
		if set && !allowed {
			return fmt.Errorf("state %s must not carry %s", s.Kind, name)
		}
		return nil
	}
	for _, err := range []error{
		check("container_id", s.ContainerID != "", want.containerID),
		check("backend_addr", s.BackendAddr != "", want.backendAddr),
		check("recreate_count", s.RecreateCount != 0, want.recreateCount),
		check("start_count", s.StartCount != 0, want.startCount),
		check("restart_count", s.RestartCount != 0, want.restartCount),
		check("message", s.Message != "", want.diagnostics),
		check("context", s.Context != "", want.diagnostics),
		check("previous", s.Previous != nil, want.diagnostics),
	} {
		if err != nil {
			return err
		}
	}
	if want.requireContainer && s.ContainerID == "" {
		return fmt.Errorf("state %s requires container_id", s.Kind)
	}
	if s.Kind == Ready && s.BackendAddr == "" {
		return fmt.Errorf("state ready requires backend_addr")
	}
	return nil
}

type fieldSet struct {
	containerID      bool
	requireContainer bool
	backendAddr      bool
	recreateCount    bool
	startCount       bool
	restartCount     bool
	diagnostics      bool
}

var variantFields = map[Kind]fieldSet{
	Creating:   {recreateCount: true},
	Attaching:  {containerID: true, requireContainer: true, recreateCount: true},
	Starting:   {containerID: true, requireContainer: true, restartCount: true},
	Started:    {containerID: true, requireContainer: true, startCount: true},
	Ready:      {containerID: true, requireContainer: true, backendAddr: true},
	Stopping:   {containerID: true, requireContainer: true},
	Stopped:    {containerID: true, requireContainer: true},
	Restarting: {containerID: true, requireContainer: true, restartCount: true},
	Recreating: {recreateCount: true},
	Destroying: {containerID: true}, // container may already be gone
	Destroyed:  {},
	Errored:    {diagnostics: true},
}

// MarshalState serializes a state for persistence.
func MarshalState(s State) ([]byte, error) {
	if err := s.Valid(); err != nil {
		return nil, fmt.Errorf("refusing to persist invalid state: %w", err)
	}
	return json.Marshal(s)
}

// UnmarshalState deserializes a persisted state and rejects torn or
// unknown representations.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode project state: %w", err)
	}
	if err := s.Valid(); err != nil {
		return State{}, err
	}
	return s, nil
}
