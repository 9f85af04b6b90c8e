package service

import (
	"strings"
	"time"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/jobs"
)

// View is the caller-facing projection of a job.
type View struct {
	ID              string
	SourceKey       string
	State           jobs.State
	AccessRef       string // set only when completed
	Title           *string
	DurationSeconds *int
	ErrorMessage    *string
	RetryCount      int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func viewOf(j *jobs.Job) View {
	v := View{
		ID:              j.ID,
		SourceKey:       j.SourceKey,
		State:           j.State,
		Title:           j.Title,
		DurationSeconds: j.DurationSeconds,
		ErrorMessage:    j.ErrorMessage,
		RetryCount:      j.RetryCount,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.State == jobs.StateCompleted {
		v.AccessRef = AccessRef(j)
	}
	return v
}

// AccessRef returns how a client fetches a completed job's audio: the stored
// reference when it is a public http(s) URL, otherwise the download route.
func AccessRef(j *jobs.Job) string {
	if j.ArtifactRef != nil {
		ref := *j.ArtifactRef
		lower := strings.ToLower(ref)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return ref
		}
	}
	return common.PathAudio + "/" + j.ID
}
