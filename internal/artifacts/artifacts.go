package artifacts

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/util"
)

var (
	// ErrStorage wraps failures of the underlying storage backend.
	ErrStorage = errors.New("artifact storage failed")
	// ErrNotFound is returned when no stored artifact matches.
	ErrNotFound = errors.New("artifact not found")
)

// Object is an opened artifact. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Backend stores finished artifacts and serves them back.
type Backend interface {
	// Store uploads the file at localPath under key and returns its public reference.
	Store(ctx context.Context, localPath, key string) (string, error)
	// Locate finds an artifact for a job whose key was never recorded, trying
	// the historical naming patterns. It returns the matching key.
	Locate(ctx context.Context, jobID string) (string, error)
	Open(ctx context.Context, key string) (*Object, error)
}

// KeyFor returns the storage key for a job's artifact.
func KeyFor(jobID, ext string) string {
	if ext == "" {
		ext = common.DefaultArtifactExt
	}
	return common.ArtifactKeyPrefix + util.CompactID(jobID) + strings.ToLower(ext)
}

// CandidateKeys lists the keys Locate checks, in order: the 16 character
// compact prefix, the full id, then the full compact id.
func CandidateKeys(jobID string) []string {
	compact := util.CompactID(jobID)
	short := compact
	if len(short) > 16 {
		short = short[:16]
	}
	keys := []string{
		common.ArtifactKeyPrefix + short + common.DefaultArtifactExt,
		common.ArtifactKeyPrefix + jobID + common.DefaultArtifactExt,
		common.ArtifactKeyPrefix + compact + common.DefaultArtifactExt,
	}
	out := keys[:0]
	seen := map[string]bool{}
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// contentTypeFor guesses the MIME type of an artifact key.
func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	default:
		return common.ContentTypeAudio
	}
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
