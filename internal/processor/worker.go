package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/podqueue/internal/artifacts"
	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/events"
	"github.com/jo-hoe/podqueue/internal/generator"
	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/media"
	"github.com/jo-hoe/podqueue/internal/metrics"
)

var errNoOutput = errors.New("audio generation failed - no output file produced")

// Worker runs one generation attempt for a claimed job and records the outcome.
type Worker struct {
	Log           *slog.Logger
	Store         jobs.Store
	Generator     generator.Generator
	Artifacts     artifacts.Backend
	Events        events.Publisher
	Metrics       *metrics.Metrics
	Options       config.GenerateOptions
	KeepGenerated bool
	// Duration reads the playing time of an artifact in seconds.
	Duration func(path string) (int, error)
	Now      func() time.Time
}

// Ensure Worker implements Processor
var _ Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, gen generator.Generator, backend artifacts.Backend, pub events.Publisher, m *metrics.Metrics) *Worker {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Worker{
		Log:           log,
		Store:         store,
		Generator:     gen,
		Artifacts:     backend,
		Events:        pub,
		Metrics:       m,
		Options:       cfg.Generator.Options,
		KeepGenerated: cfg.Worker.KeepGenerated,
		Duration:      media.DurationSeconds,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process resolves a processing job to completed or failed. Collaborator
// failures are recorded on the job and are not returned; the returned error
// means the outcome could not be written.
func (w *Worker) Process(ctx context.Context, job *jobs.Job) error {
	log := w.Log.With("job_id", job.ID)
	start := time.Now()

	res, attemptErr := w.attempt(ctx, job, log)
	if attemptErr != nil {
		log.Error("job failed", "url", job.SourceKey, "err", attemptErr)
		failed, err := w.Store.Update(ctx, job.ID, jobs.FailPatch(attemptErr.Error(), w.Now()))
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		w.Metrics.Attempt(false, time.Since(start))
		w.publish(ctx, common.EventFailed, failed, log)
		return nil
	}

	done, err := w.Store.Update(ctx, job.ID, jobs.CompletePatch(res, w.Now()))
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	w.Metrics.Attempt(true, time.Since(start))
	log.Info("job completed", "title", res.Title, "ref", res.ArtifactRef, "duration", time.Since(start))
	w.publish(ctx, common.EventCompleted, done, log)
	return nil
}

func (w *Worker) attempt(ctx context.Context, job *jobs.Job, log *slog.Logger) (res jobs.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generation panicked: %v", rec)
		}
	}()

	path, err := w.Generator.Generate(ctx, job.SourceKey, generator.OptionsFromConfig(w.Options, job.ID))
	if err != nil {
		return res, err
	}
	if path != "" && !w.KeepGenerated {
		defer func() {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("cleanup failed", "path", path, "err", rmErr)
			}
		}()
	}
	fi, statErr := os.Stat(path)
	if path == "" || statErr != nil || fi.IsDir() || fi.Size() == 0 {
		return res, errNoOutput
	}

	key := artifacts.KeyFor(job.ID, filepath.Ext(path))
	ref, err := w.Artifacts.Store(ctx, path, key)
	if err != nil {
		return res, fmt.Errorf("audio generation completed but upload failed: %v", err)
	}
	if strings.TrimSpace(ref) == "" {
		return res, fmt.Errorf("audio generation completed but upload failed: %w: empty reference for %s", artifacts.ErrStorage, key)
	}

	res = jobs.Result{
		ArtifactRef: ref,
		ArtifactKey: key,
		Title:       DeriveTitle(job.SourceKey),
	}
	if w.Duration != nil {
		if d, derr := w.Duration(path); derr != nil {
			log.Warn("could not read audio duration", "err", derr)
		} else {
			res.DurationSeconds = &d
		}
	}
	return res, nil
}

func (w *Worker) publish(ctx context.Context, typ string, job *jobs.Job, log *slog.Logger) {
	if w.Events == nil {
		return
	}
	if err := w.Events.Publish(ctx, events.FromJob(typ, job)); err != nil {
		log.Warn("publish event failed", "type", typ, "err", err)
	}
}
