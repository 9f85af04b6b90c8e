package jobs

import "errors"

var (
	// ErrNotFound is returned when no job matches the lookup.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned by Insert when an active job already owns the source key.
	ErrConflict = errors.New("active job already exists for source")
	// ErrInvalidTransition is returned when an update would break the lifecycle rules.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrNoneAvailable is returned by ClaimNext when the queue is empty.
	ErrNoneAvailable = errors.New("no queued job available")
)
