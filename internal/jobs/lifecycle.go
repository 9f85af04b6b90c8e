package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/util"
)

var transitions = map[State][]State{
	StateQueued:     {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Patch is a partial update applied by Store.Update. Nil fields and an empty
// State are left untouched.
type Patch struct {
	State           State
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ArtifactRef     *string
	ArtifactKey     *string
	Title           *string
	DurationSeconds *int
	ErrorMessage    *string
	IncrementRetry  bool
}

// Result carries what a successful attempt produced.
type Result struct {
	ArtifactRef     string
	ArtifactKey     string
	Title           string
	DurationSeconds *int
}

// ClaimPatch moves a queued job to processing.
func ClaimPatch(now time.Time) Patch {
	t := now.UTC()
	return Patch{State: StateProcessing, StartedAt: &t}
}

// CompletePatch moves a processing job to completed.
func CompletePatch(r Result, now time.Time) Patch {
	t := now.UTC()
	ref, key, title := r.ArtifactRef, r.ArtifactKey, r.Title
	p := Patch{
		State:           StateCompleted,
		CompletedAt:     &t,
		ArtifactRef:     &ref,
		ArtifactKey:     &key,
		DurationSeconds: r.DurationSeconds,
	}
	if key == "" {
		p.ArtifactKey = nil
	}
	if title != "" {
		p.Title = &title
	}
	return p
}

// FailPatch moves a processing job to failed and counts the attempt.
func FailPatch(message string, now time.Time) Patch {
	t := now.UTC()
	msg := strings.TrimSpace(strings.ToValidUTF8(message, "\uFFFD"))
	if msg == "" {
		msg = "unknown error"
	}
	msg = util.Truncate(msg, common.MaxErrorMessageLen)
	return Patch{
		State:          StateFailed,
		CompletedAt:    &t,
		ErrorMessage:   &msg,
		IncrementRetry: true,
	}
}

// Apply returns a copy of job with p merged in. The result is validated, so
// a nil error means the stored row would satisfy every lifecycle invariant.
func Apply(job *Job, p Patch) (*Job, error) {
	if job == nil {
		return nil, ErrNotFound
	}
	if p.State != "" && !CanTransition(job.State, p.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, p.State)
	}
	next := job.Clone()
	if p.State != "" {
		next.State = p.State
	}
	if p.StartedAt != nil {
		next.StartedAt = cloneTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		next.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.ArtifactRef != nil {
		next.ArtifactRef = cloneString(p.ArtifactRef)
	}
	if p.ArtifactKey != nil {
		next.ArtifactKey = cloneString(p.ArtifactKey)
	}
	if p.Title != nil {
		next.Title = cloneString(p.Title)
	}
	if p.DurationSeconds != nil {
		d := *p.DurationSeconds
		next.DurationSeconds = &d
	}
	if p.ErrorMessage != nil {
		msg := util.Truncate(strings.ToValidUTF8(*p.ErrorMessage, "\uFFFD"), common.MaxErrorMessageLen)
		next.ErrorMessage = &msg
	}
	if p.IncrementRetry {
		next.RetryCount++
	}
	if err := Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Validate checks the field invariants that tie a job's data to its state.
func Validate(j *Job) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
	}
	if !j.State.Valid() {
		return invalid("unknown state %q", j.State)
	}
	completed := j.State == StateCompleted
	failed := j.State == StateFailed
	if hasText(j.ArtifactRef) != completed {
		return invalid("artifact reference must be set only when completed (state %s)", j.State)
	}
	if j.ArtifactKey != nil && !completed {
		return invalid("artifact key set in state %s", j.State)
	}
	if hasText(j.ErrorMessage) != failed {
		return invalid("error message must be set only when failed (state %s)", j.State)
	}
	if j.ErrorMessage != nil && len([]rune(*j.ErrorMessage)) > common.MaxErrorMessageLen {
		return invalid("error message longer than %d characters", common.MaxErrorMessageLen)
	}
	if (j.StartedAt != nil) != (j.State != StateQueued) {
		return invalid("started_at inconsistent with state %s", j.State)
	}
	if (j.CompletedAt != nil) != j.State.Terminal() {
		return invalid("completed_at inconsistent with state %s", j.State)
	}
	if j.RetryCount < 0 {
		return invalid("negative retry count")
	}
	return nil
}

func hasText(s *string) bool {
	return s != nil && *s != ""
}
