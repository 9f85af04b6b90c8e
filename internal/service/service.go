package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jo-hoe/podqueue/internal/artifacts"
	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/events"
	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/metrics"
)

// ErrArtifactUnavailable means the job has no downloadable audio (yet).
var ErrArtifactUnavailable = errors.New("artifact unavailable")

// Artifact is an opened audio file ready to be streamed. Callers must close Body.
type Artifact struct {
	*artifacts.Object
	Filename string
}

// Service implements submission and the read-only queries over jobs.
type Service struct {
	log          *slog.Logger
	store        jobs.Store
	gate         *jobs.Gate
	artifacts    artifacts.Backend
	events       events.Publisher
	metrics      *metrics.Metrics
	libraryLimit int
}

// New wires a Service. backend may be nil when artifacts are never served
// (for example from the CLI); pub and m may be nil.
func New(log *slog.Logger, store jobs.Store, backend artifacts.Backend, pub events.Publisher, m *metrics.Metrics, libraryLimit int) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if libraryLimit <= 0 {
		libraryLimit = common.DefaultLibraryLimit
	}
	return &Service{
		log:          log,
		store:        store,
		gate:         jobs.NewGate(store),
		artifacts:    backend,
		events:       pub,
		metrics:      m,
		libraryLimit: min(libraryLimit, common.MaxLibraryLimit),
	}
}

// Submit records interest in rawURL. Completed and in-flight jobs for the
// same URL are returned as they are; otherwise a queued job is created.
func (s *Service) Submit(ctx context.Context, rawURL string) (View, error) {
	key, err := NormalizeSourceKey(rawURL)
	if err != nil {
		return View{}, err
	}
	log := s.log.With("url", key)

	decision, err := s.gate.Resolve(ctx, key)
	if err != nil {
		return View{}, fmt.Errorf("resolve submission: %w", err)
	}
	if decision.Action == jobs.ActionReuse {
		s.metrics.Submission(string(jobs.ActionReuse))
		log.Info("submission reuses job", "job_id", decision.Job.ID, "state", decision.Job.State)
		return viewOf(decision.Job), nil
	}
	if decision.Job != nil {
		log.Info("previous attempt failed, queueing a new job", "failed_job_id", decision.Job.ID)
	}

	job, err := s.store.Insert(ctx, key)
	if errors.Is(err, jobs.ErrConflict) {
		// Lost the race against a concurrent submission of the same URL.
		existing, gerr := s.store.GetBySourceKey(ctx, key)
		if gerr != nil {
			return View{}, fmt.Errorf("read job after conflict: %w", gerr)
		}
		s.metrics.Submission(string(jobs.ActionReuse))
		log.Info("submission reuses job", "job_id", existing.ID, "state", existing.State)
		return viewOf(existing), nil
	}
	if err != nil {
		return View{}, fmt.Errorf("create job: %w", err)
	}

	s.metrics.Submission(string(jobs.ActionCreate))
	log.Info("job queued", "job_id", job.ID)
	if err := s.events.Publish(ctx, events.FromJob(common.EventSubmitted, job)); err != nil {
		log.Warn("publish event failed", "type", common.EventSubmitted, "err", err)
	}
	return viewOf(job), nil
}

// Status returns the current view of one job.
func (s *Service) Status(ctx context.Context, id string) (View, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return viewOf(job), nil
}

// Library lists the newest jobs first. limit <= 0 selects the configured default.
func (s *Service) Library(ctx context.Context, limit int) ([]View, error) {
	if limit <= 0 {
		limit = s.libraryLimit
	}
	limit = min(limit, common.MaxLibraryLimit)
	list, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(list))
	for _, j := range list {
		out = append(out, viewOf(j))
	}
	return out, nil
}

// OpenArtifact opens the audio of a completed job. Jobs recorded without an
// artifact key are looked up under the historical key patterns.
func (s *Service) OpenArtifact(ctx context.Context, id string) (*Artifact, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != jobs.StateCompleted || s.artifacts == nil {
		return nil, ErrArtifactUnavailable
	}

	var key string
	if job.ArtifactKey != nil && *job.ArtifactKey != "" {
		key = *job.ArtifactKey
	} else {
		key, err = s.artifacts.Locate(ctx, job.ID)
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, ErrArtifactUnavailable
		}
		if err != nil {
			return nil, fmt.Errorf("locate artifact: %w", err)
		}
	}

	obj, err := s.artifacts.Open(ctx, key)
	if errors.Is(err, artifacts.ErrNotFound) {
		s.log.Error("artifact missing for completed job", "job_id", job.ID, "key", key)
		return nil, ErrArtifactUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return &Artifact{Object: obj, Filename: downloadName(job)}, nil
}

func downloadName(j *jobs.Job) string {
	name := "podcast"
	if j.Title != nil && strings.TrimSpace(*j.Title) != "" {
		name = strings.TrimSpace(*j.Title)
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '/', '\r', '\n':
			return '_'
		}
		return r
	}, name)
	return name + common.DefaultArtifactExt
}
