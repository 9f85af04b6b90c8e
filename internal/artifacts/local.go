package artifacts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// LocalRefScheme prefixes references to artifacts kept on local disk.
const LocalRefScheme = "local://"

var _ Backend = (*Local)(nil)

// Local keeps artifacts in a directory on disk.
type Local struct {
	dir           string
	publicBaseURL string
	log           *slog.Logger
}

// NewLocal creates a backend rooted at dir. When publicBaseURL is set, stored
// references point below it; otherwise they use the local:// scheme.
func NewLocal(dir, publicBaseURL string, log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{dir: dir, publicBaseURL: publicBaseURL, log: log}
}

func (l *Local) Store(ctx context.Context, localPath, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: ensure artifacts dir: %v", ErrStorage, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrStorage, localPath, err)
	}
	defer func() { _ = src.Close() }()

	dst := l.path(key)
	tmp := dst + "." + randomHex(6) + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create tmp file: %v", ErrStorage, err)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: copy artifact: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: rename artifact: %v", ErrStorage, err)
	}
	l.log.Info("artifact stored", "key", key, "size", humanize.Bytes(uint64(n)))

	if l.publicBaseURL != "" {
		return joinURL(l.publicBaseURL, key), nil
	}
	return LocalRefScheme + filepath.Base(dst), nil
}

func (l *Local) Locate(_ context.Context, jobID string) (string, error) {
	for _, key := range CandidateKeys(jobID) {
		if fi, err := os.Stat(l.path(key)); err == nil && !fi.IsDir() {
			return key, nil
		}
	}
	return "", ErrNotFound
}

func (l *Local) Open(_ context.Context, key string) (*Object, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrStorage, key, err)
	}
	return &Object{Body: f, Size: fi.Size(), ContentType: contentTypeFor(key)}, nil
}

// path confines key to the artifacts directory.
func (l *Local) path(key string) string {
	return filepath.Join(l.dir, filepath.Base(filepath.Clean("/"+key)))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
