package engine

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/franksops/sharesync/transfer"
)

// unresolvedConflictMarker is the substring the queue looks for to tell a
// conflict nobody decided from an operational failure.
const unresolvedConflictMarker = "unresolved conflict"

var (
	// ErrUnresolvedConflict means a job reached the executor with the Ask
	// conflict policy and an existing destination.
	ErrUnresolvedConflict = errors.New(unresolvedConflictMarker + ": destination exists and conflict policy is Ask")

	// ErrJobNotFound is returned for commands addressed to an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a command does not apply to the
	// job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQueueClosed is returned by commands issued after Close.
	ErrQueueClosed = errors.New("queue closed")
)

func unresolvedConflict(req transfer.Request) error {
	target := req.Remote.String()
	if req.Direction == transfer.Download {
		target = req.LocalPath
	}
	return fmt.Errorf("%w (%s)", ErrUnresolvedConflict, target)
}

// IntegrityError reports a content hash mismatch after a download.
type IntegrityError struct {
	Path     string
	Expected []byte
	Actual   []byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected md5 %s, got %s",
		e.Path, hex.EncodeToString(e.Expected), hex.EncodeToString(e.Actual))
}
