package generator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/util"
)

// ErrGeneration wraps every failure reported by a generation pipeline.
var ErrGeneration = errors.New("generation failed")

// Options tune a single generation call.
type Options struct {
	JobID        string
	LLMModel     string
	TTSModel     string
	Conversation map[string]any
}

// OptionsFromConfig builds the per-call options shared by every job.
func OptionsFromConfig(c config.GenerateOptions, jobID string) Options {
	return Options{
		JobID:        jobID,
		LLMModel:     c.LLMModel,
		TTSModel:     c.TTSModel,
		Conversation: c.Conversation,
	}
}

// Generator turns a source URL into a local audio file.
type Generator interface {
	// Generate returns the path of the produced artifact. The caller owns the
	// file afterwards and removes it when done.
	Generate(ctx context.Context, sourceURL string, opts Options) (string, error)
}

// OutputPath returns where a generator should write the artifact for opts,
// creating workDir if needed.
func OutputPath(workDir string, opts Options) (string, error) {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return "", err
	}
	name := strings.TrimSpace(opts.JobID)
	if name == "" {
		name = util.NewID()
	}
	return filepath.Join(workDir, util.CompactID(name)+common.DefaultArtifactExt), nil
}
