package jobs

import (
	"context"
	"time"
)

// State represents the lifecycle state of a generation job.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a job in state s blocks new work for its source key.
func (s State) Active() bool {
	return s != StateFailed
}

// Job describes a single request to turn a source URL into a podcast artifact.
type Job struct {
	ID              string     // UUIDv4
	SourceKey       string     // normalized source URL
	State           State      // current state
	CreatedAt       time.Time  // creation time
	StartedAt       *time.Time // when the worker claimed the job
	CompletedAt     *time.Time // when finished (success or failure)
	ArtifactRef     *string    // public reference to the stored artifact
	ArtifactKey     *string    // storage key of the artifact
	Title           *string    // derived title
	DurationSeconds *int       // artifact duration, best effort
	ErrorMessage    *string    // failure reason, at most MaxErrorMessageLen runes
	RetryCount      int        // number of failed attempts recorded on this row
}

// Clone returns a deep copy so callers never share pointers with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.ArtifactRef = cloneString(j.ArtifactRef)
	c.ArtifactKey = cloneString(j.ArtifactKey)
	c.Title = cloneString(j.Title)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	if j.DurationSeconds != nil {
		d := *j.DurationSeconds
		c.DurationSeconds = &d
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Store defines persistence for Jobs and their lifecycle.
// Every method is atomic with respect to concurrent callers.
type Store interface {
	// Insert creates a queued job for sourceKey. It returns ErrConflict when a
	// non-failed job already exists for the same key.
	Insert(ctx context.Context, sourceKey string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// GetBySourceKey returns the most recently created job for the key.
	GetBySourceKey(ctx context.Context, sourceKey string) (*Job, error)
	// ListRecent returns up to limit jobs, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Job, error)
	// ClaimNext moves the oldest queued job to processing. It returns
	// ErrNoneAvailable when nothing is queued.
	ClaimNext(ctx context.Context) (*Job, error)
	// Update merges p into the job after checking the lifecycle rules.
	Update(ctx context.Context, id string, p Patch) (*Job, error)
	Ping(ctx context.Context) error
	Close() error
}
