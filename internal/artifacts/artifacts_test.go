package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const testJobID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gen.mp3")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	return p
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor(testJobID, ".MP3"); got != "podcast_0f8fad5bd9cb469fa16570867728950e.mp3" {
		t.Fatalf("KeyFor = %q", got)
	}
	if got := KeyFor("abc", ""); got != "podcast_abc.mp3" {
		t.Fatalf("KeyFor default ext = %q", got)
	}
}

func TestCandidateKeys(t *testing.T) {
	got := CandidateKeys(testJobID)
	want := []string{
		"podcast_0f8fad5bd9cb469f.mp3",
		"podcast_" + testJobID + ".mp3",
		"podcast_0f8fad5bd9cb469fa16570867728950e.mp3",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("CandidateKeys = %v, want %v", got, want)
	}
	if short := CandidateKeys("abc"); len(short) != 1 {
		t.Fatalf("duplicates not collapsed: %v", short)
	}
}

func TestLocal_StoreOpenLocate(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, "", discardLogger())
	ctx := context.Background()

	key := KeyFor(testJobID, ".mp3")
	ref, err := l.Store(ctx, writeTemp(t, "audio-bytes"), key)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ref != LocalRefScheme+key {
		t.Fatalf("ref = %q", ref)
	}
	obj, err := l.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Body.Close()
	data, _ := io.ReadAll(obj.Body)
	if string(data) != "audio-bytes" || obj.Size != int64(len("audio-bytes")) || obj.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected object: %q size=%d ct=%s", data, obj.Size, obj.ContentType)
	}

	found, err := l.Locate(ctx, testJobID)
	if err != nil || found != key {
		t.Fatalf("Locate = %q, %v", found, err)
	}
	if _, err := l.Locate(ctx, "11111111-2222-4333-8444-555555555555"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Locate missing err = %v", err)
	}
	if _, err := l.Open(ctx, "podcast_missing.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open missing err = %v", err)
	}
}

func TestLocal_LocateLegacyShortName(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "podcast_0f8fad5bd9cb469f.mp3")
	if err := os.WriteFile(legacy, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	key, err := NewLocal(dir, "", discardLogger()).Locate(context.Background(), testJobID)
	if err != nil || key != "podcast_0f8fad5bd9cb469f.mp3" {
		t.Fatalf("Locate = %q, %v", key, err)
	}
}

func TestLocal_PublicBaseURLAndTraversal(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, "https://cdn.example.org/audio/", discardLogger())
	ref, err := l.Store(context.Background(), writeTemp(t, "x"), "../../escape.mp3")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(ref, "https://cdn.example.org/audio/") {
		t.Fatalf("ref = %q", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.mp3")); err != nil {
		t.Fatalf("artifact not confined to dir: %v", err)
	}
}

func TestLocal_StoreMissingSource(t *testing.T) {
	l := NewLocal(t.TempDir(), "", discardLogger())
	if _, err := l.Store(context.Background(), "/does/not/exist.mp3", "k.mp3"); !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[aws.ToString(in.Key)]),
	}, nil
}

func TestS3_StoreOpenLocate(t *testing.T) {
	fake := newFakeObjects()
	b := newS3WithClient(fake, "podcasts", "https://pub.example.r2.dev/", discardLogger())
	ctx := context.Background()

	key := KeyFor(testJobID, ".mp3")
	ref, err := b.Store(ctx, writeTemp(t, "r2-audio"), key)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ref != "https://pub.example.r2.dev/"+key {
		t.Fatalf("ref = %q", ref)
	}
	if fake.types[key] != "audio/mpeg" {
		t.Fatalf("content type = %q", fake.types[key])
	}

	obj, err := b.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(obj.Body)
	_ = obj.Body.Close()
	if string(data) != "r2-audio" || obj.Size != 8 {
		t.Fatalf("unexpected object %q size=%d", data, obj.Size)
	}

	found, err := b.Locate(ctx, testJobID)
	if err != nil || found != key {
		t.Fatalf("Locate = %q, %v", found, err)
	}
	if _, err := b.Locate(ctx, "11111111-2222-4333-8444-555555555555"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Locate missing err = %v", err)
	}
	if _, err := b.Open(ctx, "missing.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open missing err = %v", err)
	}
}

func TestS3_RefWithoutPublicURL(t *testing.T) {
	b := newS3WithClient(newFakeObjects(), "podcasts", "", discardLogger())
	ref, err := b.Store(context.Background(), writeTemp(t, "x"), "podcast_a.mp3")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ref != "s3://podcasts/podcast_a.mp3" {
		t.Fatalf("ref = %q", ref)
	}
}

func TestS3_PutFailureWrapsErrStorage(t *testing.T) {
	fake := newFakeObjects()
	fake.putErr = errors.New("access denied")
	b := newS3WithClient(fake, "podcasts", "", discardLogger())
	_, err := b.Store(context.Background(), writeTemp(t, "x"), "podcast_a.mp3")
	if !errors.Is(err, ErrStorage) || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("err = %v", err)
	}
}
