package events

import (
	"context"
	"time"

	"github.com/jo-hoe/podqueue/internal/jobs"
)

// Event describes a job lifecycle change.
type Event struct {
	Type         string    `json:"type"`
	JobID        string    `json:"job_id"`
	URL          string    `json:"url"`
	State        string    `json:"state"`
	ArtifactRef  string    `json:"audio_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	At           time.Time `json:"at"`
}

// Publisher emits lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// FromJob builds an event of the given type from a job snapshot.
func FromJob(typ string, j *jobs.Job) Event {
	ev := Event{
		Type:       typ,
		JobID:      j.ID,
		URL:        j.SourceKey,
		State:      string(j.State),
		RetryCount: j.RetryCount,
		At:         time.Now().UTC(),
	}
	if j.ArtifactRef != nil {
		ev.ArtifactRef = *j.ArtifactRef
	}
	if j.ErrorMessage != nil {
		ev.ErrorMessage = *j.ErrorMessage
	}
	return ev
}
