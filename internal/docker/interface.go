package docker

import (
	"context"
	"time"
)

// API defines the subset of driver operations the state machine uses.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	CreateContainer(ctx context.Context, project string, s Settings) (string, error)
	InspectContainer(ctx context.Context, ref string) (Status, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, ref string, force bool) error
	FindProjectContainer(ctx context.Context, project string, s Settings) (Status, error)
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
