package mock

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/generator"
)

var _ generator.Generator = (*Generator)(nil)

// MPEG-1 Layer III, 128 kbit/s, 44.1 kHz, joint stereo.
var frameHeader = []byte{0xFF, 0xFB, 0x90, 0x64}

const frameSize = 417

// Generator writes a short silent MP3 after an optional delay.
type Generator struct {
	workDir string
	delay   time.Duration
	frames  int
	fail    string
}

func New(cfg config.MockSettings, workDir string) *Generator {
	frames := cfg.Frames
	if frames <= 0 {
		frames = 100
	}
	return &Generator{workDir: workDir, delay: cfg.Delay, frames: frames, fail: cfg.Fail}
}

func (g *Generator) Generate(ctx context.Context, sourceURL string, opts generator.Options) (string, error) {
	if g.delay > 0 {
		timer := time.NewTimer(g.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.fail != "" {
		return "", fmt.Errorf("%w: %s", generator.ErrGeneration, g.fail)
	}

	out, err := generator.OutputPath(g.workDir, opts)
	if err != nil {
		return "", fmt.Errorf("%w: prepare output: %v", generator.ErrGeneration, err)
	}
	if err := os.WriteFile(out, SilentMP3(g.frames), 0o644); err != nil {
		return "", fmt.Errorf("%w: write output: %v", generator.ErrGeneration, err)
	}
	return out, nil
}

// SilentMP3 returns n zero-filled MP3 frames.
func SilentMP3(n int) []byte {
	var buf bytes.Buffer
	frame := make([]byte, frameSize)
	copy(frame, frameHeader)
	for i := 0; i < n; i++ {
		buf.Write(frame)
	}
	return buf.Bytes()
}
