package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/metrics"
)

// Processor resolves a claimed job.
type Processor interface {
	Process(ctx context.Context, job *jobs.Job) error
}

// Claimer hands out the oldest queued job.
type Claimer interface {
	ClaimNext(ctx context.Context) (*jobs.Job, error)
}

// Loop polls the store and feeds claimed jobs to a Processor one at a time.
type Loop struct {
	log            *slog.Logger
	store          Claimer
	proc           Processor
	metrics        *metrics.Metrics
	wake           <-chan struct{}
	idle           time.Duration
	backoff        time.Duration
	heartbeatEvery int

	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	mu         sync.Mutex
}

// NewLoop creates a Loop. wake may be nil; a receive on it cuts an idle wait short.
func NewLoop(logger *slog.Logger, store Claimer, proc Processor, cfg config.WorkerConfig, m *metrics.Metrics, wake <-chan struct{}) *Loop {
	l := &Loop{
		log:            logger,
		store:          store,
		proc:           proc,
		metrics:        m,
		wake:           wake,
		idle:           cfg.IdleInterval,
		backoff:        cfg.ErrorBackoff,
		heartbeatEvery: cfg.HeartbeatEvery,
	}
	if l.idle <= 0 {
		l.idle = common.DefaultIdleInterval
	}
	if l.backoff <= 0 {
		l.backoff = common.DefaultErrorBackoff
	}
	if l.heartbeatEvery <= 0 {
		l.heartbeatEvery = common.DefaultHeartbeatEvery
	}
	return l
}

// Start runs the loop in a background goroutine until Shutdown or ctx cancellation.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("worker loop already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Run(ctx)
	}()
	l.started = true
	return nil
}

// Run blocks until ctx is cancelled. A job that was claimed before
// cancellation is still driven to a terminal state.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("worker loop started", "idle", l.idle, "backoff", l.backoff)
	empty := 0
	for {
		if ctx.Err() != nil {
			l.log.Info("worker loop stopping")
			return
		}
		claimed, err := l.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			empty = 0
			l.metrics.WorkerError()
			l.log.Error("worker loop error", "err", err, "retry_in", l.backoff)
			l.sleep(ctx, l.backoff, nil)
		case !claimed:
			empty++
			if empty%l.heartbeatEvery == 0 {
				l.log.Info("worker idle", "empty_polls", empty)
			}
			l.sleep(ctx, l.idle, l.wake)
		default:
			empty = 0
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was claimed.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	job, err := l.store.ClaimNext(ctx)
	if errors.Is(err, jobs.ErrNoneAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}

	jobLog := l.log.With("job_id", job.ID)
	jobLog.Info("processing job", "url", job.SourceKey)
	start := time.Now()
	// The attempt outlives a shutdown signal so the job does not stay processing.
	if err := l.proc.Process(context.WithoutCancel(ctx), job); err != nil {
		return true, fmt.Errorf("process job %s: %w", job.ID, err)
	}
	jobLog.Info("job processed", "duration", time.Since(start))
	return true, nil
}

func (l *Loop) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// Shutdown stops polling and waits for the current attempt up to the provided deadline.
func (l *Loop) Shutdown(deadline time.Duration) {
	l.cancelOnce.Do(func() {
		l.mu.Lock()
		cancel := l.cancel
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			l.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			l.log.Warn("worker shutdown deadline reached; attempt may still be running")
		}
	})
}
