package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jo-hoe/podqueue/internal/artifacts"
	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/events"
	"github.com/jo-hoe/podqueue/internal/generator/mock"
	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/processor"
)

type pubRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *pubRecorder) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *pubRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	store   jobs.Store
	backend *artifacts.Local
	svc     *Service
	pub     *pubRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := jobs.NewMemoryStore()
	backend := artifacts.NewLocal(t.TempDir(), "", discardLogger())
	pub := &pubRecorder{}
	return &fixture{
		store:   store,
		backend: backend,
		pub:     pub,
		svc:     New(discardLogger(), store, backend, pub, nil, 0),
	}
}

// runWorker claims and processes the next queued job with the mock generator.
func (f *fixture) runWorker(t *testing.T, fail string) {
	t.Helper()
	gen := mock.New(config.MockSettings{Frames: 40, Fail: fail}, t.TempDir())
	w := processor.New(discardLogger(), &config.Config{}, f.store, gen, f.backend, nil, nil)
	loop := processor.NewLoop(discardLogger(), f.store, w, config.WorkerConfig{}, nil, nil)
	ok, err := loop.RunOnce(context.Background())
	if err != nil || !ok {
		t.Fatalf("RunOnce = %v, %v", ok, err)
	}
}

func TestSubmit_CompletesAndReportsArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v, err := f.svc.Submit(ctx, "https://example.org/a")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v.State != jobs.StateQueued || v.AccessRef != "" {
		t.Fatalf("unexpected fresh view: %+v", v)
	}
	if f.pub.count() != 1 {
		t.Fatalf("expected one submitted event, got %d", f.pub.count())
	}

	f.runWorker(t, "")

	st, err := f.svc.Status(ctx, v.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != jobs.StateCompleted {
		t.Fatalf("state = %s", st.State)
	}
	if st.AccessRef != common.PathAudio+"/"+v.ID {
		t.Fatalf("access ref = %q", st.AccessRef)
	}
	if st.ErrorMessage != nil || st.RetryCount != 0 {
		t.Fatalf("completed job carries failure fields: %+v", st)
	}

	again, err := f.svc.Submit(ctx, "https://example.org/a")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != v.ID || again.State != jobs.StateCompleted {
		t.Fatalf("resubmit should reuse completed job, got %+v", again)
	}
	if f.pub.count() != 1 {
		t.Fatalf("reuse must not emit a submitted event")
	}

	art, err := f.svc.OpenArtifact(ctx, v.ID)
	if err != nil {
		t.Fatalf("OpenArtifact: %v", err)
	}
	defer func() { _ = art.Body.Close() }()
	if art.Size == 0 || art.ContentType != common.ContentTypeAudio {
		t.Fatalf("unexpected artifact: size=%d type=%s", art.Size, art.ContentType)
	}
	if art.Filename != "A - example.org.mp3" {
		t.Fatalf("filename = %q", art.Filename)
	}
}

func TestSubmit_RetryAfterFailureCreatesNewJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Submit(ctx, "https://example.org/b")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.runWorker(t, "upstream exploded")

	failed, err := f.svc.Status(ctx, first.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if failed.State != jobs.StateFailed || failed.RetryCount != 1 || failed.ErrorMessage == nil || *failed.ErrorMessage == "" {
		t.Fatalf("unexpected failed view: %+v", failed)
	}
	if failed.AccessRef != "" {
		t.Fatalf("failed job must not expose an access ref")
	}
	if _, err := f.svc.OpenArtifact(ctx, first.ID); !errors.Is(err, ErrArtifactUnavailable) {
		t.Fatalf("OpenArtifact on failed job: %v", err)
	}

	second, err := f.svc.Submit(ctx, "https://example.org/b")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("resubmit after failure must create a new job")
	}
	if second.State != jobs.StateQueued || second.RetryCount != 0 {
		t.Fatalf("unexpected retry view: %+v", second)
	}
}

func TestSubmit_ConcurrentSameURL(t *testing.T) {
	stores := map[string]func(t *testing.T) jobs.Store{
		"memory": func(t *testing.T) jobs.Store { return jobs.NewMemoryStore() },
		"sqlite": func(t *testing.T) jobs.Store {
			s, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			svc := New(discardLogger(), mk(t), nil, nil, nil, 0)
			const n = 8
			ids := make([]string, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					v, err := svc.Submit(context.Background(), "https://example.org/c")
					ids[i], errs[i] = v.ID, err
				}(i)
			}
			wg.Wait()
			for i := 0; i < n; i++ {
				if errs[i] != nil {
					t.Fatalf("submit %d: %v", i, errs[i])
				}
				if ids[i] != ids[0] {
					t.Fatalf("callers received different ids: %v", ids)
				}
			}
			list, err := svc.Library(context.Background(), 0)
			if err != nil {
				t.Fatalf("Library: %v", err)
			}
			if len(list) != 1 {
				t.Fatalf("expected exactly one job, got %d", len(list))
			}
		})
	}
}

func TestSubmit_InvalidURL(t *testing.T) {
	f := newFixture(t)
	for _, raw := range []string{"", "   ", "ftp://example.org/x", "example.org/a", "https://"} {
		if _, err := f.svc.Submit(context.Background(), raw); !errors.Is(err, ErrInvalidSource) {
			t.Fatalf("Submit(%q) err = %v, want ErrInvalidSource", raw, err)
		}
	}
}

func TestSubmit_NormalizesBeforeDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, err := f.svc.Submit(ctx, "  HTTPS://Example.ORG/Path?q=1#frag ")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.SourceKey != "https://example.org/Path?q=1" {
		t.Fatalf("source key = %q", a.SourceKey)
	}
	b, err := f.svc.Submit(ctx, "https://example.org/Path?q=1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("normalized duplicates should share a job")
	}
}

func TestStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Status(context.Background(), "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLibrary_NewestFirstAndLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, u := range []string{"https://example.org/1", "https://example.org/2", "https://example.org/3"} {
		if _, err := f.svc.Submit(ctx, u); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	list, err := f.svc.Library(ctx, 2)
	if err != nil {
		t.Fatalf("Library: %v", err)
	}
	if len(list) != 2 || list[0].SourceKey != "https://example.org/3" || list[1].SourceKey != "https://example.org/2" {
		t.Fatalf("unexpected library: %+v", list)
	}
}

func TestOpenArtifact_LocateFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.svc.Submit(ctx, "https://example.org/legacy")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	src := filepath.Join(t.TempDir(), "legacy.mp3")
	if err := os.WriteFile(src, mock.SilentMP3(4), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	legacyKey := artifacts.CandidateKeys(v.ID)[0]
	ref, err := f.backend.Store(ctx, src, legacyKey)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Complete without recording the key, as older rows were written.
	if _, err := f.store.Update(ctx, v.ID, jobs.CompletePatch(jobs.Result{ArtifactRef: ref}, v.CreatedAt)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	art, err := f.svc.OpenArtifact(ctx, v.ID)
	if err != nil {
		t.Fatalf("OpenArtifact: %v", err)
	}
	_ = art.Body.Close()
	if art.Filename != "podcast.mp3" {
		t.Fatalf("filename = %q", art.Filename)
	}
}

func TestOpenArtifact_NotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.svc.Submit(ctx, "https://example.org/x")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.OpenArtifact(ctx, v.ID); !errors.Is(err, ErrArtifactUnavailable) {
		t.Fatalf("err = %v, want ErrArtifactUnavailable", err)
	}
}

func TestAccessRef(t *testing.T) {
	public := "https://cdn.example.com/podcast_x.mp3"
	local := "local://podcast_x.mp3"
	if got := AccessRef(&jobs.Job{ID: "x", ArtifactRef: &public}); got != public {
		t.Fatalf("public ref = %q", got)
	}
	if got := AccessRef(&jobs.Job{ID: "x", ArtifactRef: &local}); got != "/api/audio/x" {
		t.Fatalf("local ref = %q", got)
	}
}
