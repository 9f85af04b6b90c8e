package jobs

import (
	"context"
	"errors"
)

// Action is the outcome of a deduplication check.
type Action string

const (
	// ActionReuse hands back an existing job instead of creating one.
	ActionReuse Action = "reuse"
	// ActionCreate asks the caller to insert a fresh job.
	ActionCreate Action = "create"
)

// Decision pairs the action with the job it was based on, if any.
// For ActionCreate after a failure, Job holds the failed record for logging.
type Decision struct {
	Action Action
	Job    *Job
}

// SourceLookup is the subset of Store the gate reads from.
type SourceLookup interface {
	GetBySourceKey(ctx context.Context, sourceKey string) (*Job, error)
}

// Gate decides whether a submission reuses existing work.
type Gate struct {
	Store SourceLookup
}

func NewGate(s SourceLookup) *Gate {
	return &Gate{Store: s}
}

// Resolve inspects the newest job for sourceKey. Completed and in-flight jobs
// are reused; a missing or failed job means a new row must be created.
func (g *Gate) Resolve(ctx context.Context, sourceKey string) (Decision, error) {
	existing, err := g.Store.GetBySourceKey(ctx, sourceKey)
	if errors.Is(err, ErrNotFound) {
		return Decision{Action: ActionCreate}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if existing.State == StateFailed {
		return Decision{Action: ActionCreate, Job: existing}, nil
	}
	return Decision{Action: ActionReuse, Job: existing}, nil
}
