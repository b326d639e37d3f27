package docker

import (
	"context"
	"errors"
	"net"

	cerrdefs "github.com/containerd/errdefs"
)

// The state machine only distinguishes four classes of driver error:
// not-found, already-exists, transient, and fatal. The moby client returns
// errdefs-conformant errors, which collapse cleanly onto these.

// IsNotFound reports whether the error means the container does not exist.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}

// IsAlreadyExists reports whether the error means a container with the
// requested name already exists.
func IsAlreadyExists(err error) bool {
	return cerrdefs.IsAlreadyExists(err) || cerrdefs.IsConflict(err)
}

// IsFatal reports whether the error is a permanent failure that retrying
// cannot fix: bad arguments, missing permissions, unsupported operations.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return cerrdefs.IsInvalidArgument(err) ||
		cerrdefs.IsPermissionDenied(err) ||
		cerrdefs.IsUnauthorized(err) ||
		cerrdefs.IsNotImplemented(err)
}

// IsTransient reports whether the error is worth retrying. Network
// failures, daemon unavailability, and timeouts are transient; anything
// not classified as fatal, not-found, or already-exists defaults to
// transient so the retry caps govern behaviour.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) || IsAlreadyExists(err) || IsFatal(err) {
		return false
	}
	return true
}

// IsTimeout reports whether the error was a network or context timeout.
// Timeouts are always transient; some callers log them separately.
func IsTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
