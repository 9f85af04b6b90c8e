package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/generator"
)

var _ generator.Generator = (*Generator)(nil)

// Generator runs a local executable for every job. Arguments are text/template
// strings rendered with argData.
type Generator struct {
	path    string
	args    []*template.Template
	workDir string
}

type argData struct {
	URL        string
	OutputPath string
	JobID      string
	LLMModel   string
	TTSModel   string
	WorkDir    string
}

func New(cfg config.CommandSettings, workDir string) (*Generator, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("command path is required")
	}
	tpls := make([]*template.Template, 0, len(cfg.Args))
	for i, a := range cfg.Args {
		tpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("parse arg %d template: %w", i, err)
		}
		tpls = append(tpls, tpl)
	}
	return &Generator{path: cfg.Path, args: tpls, workDir: workDir}, nil
}

// Generate runs the command. The artifact is expected at OutputPath unless the
// command prints another existing file inside the work directory as the last
// line of stdout. Relative paths are resolved against the work directory.
func (g *Generator) Generate(ctx context.Context, sourceURL string, opts generator.Options) (string, error) {
	out, err := generator.OutputPath(g.workDir, opts)
	if err != nil {
		return "", fmt.Errorf("%w: prepare output: %v", generator.ErrGeneration, err)
	}
	data := argData{
		URL:        sourceURL,
		OutputPath: out,
		JobID:      opts.JobID,
		LLMModel:   opts.LLMModel,
		TTSModel:   opts.TTSModel,
		WorkDir:    g.workDir,
	}
	args := make([]string, 0, len(g.args))
	for _, tpl := range g.args {
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("%w: render args: %v", generator.ErrGeneration, err)
		}
		args = append(args, buf.String())
	}

	var stdout bytes.Buffer
	if err := run(ctx, g.workDir, &stdout, g.path, args...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", generator.ErrGeneration, err)
	}

	if printed, ok := g.printedArtifact(lastLine(stdout.String())); ok {
		return printed, nil
	}
	return out, nil
}

// printedArtifact resolves a path printed by the command against the work
// directory. Only existing regular files inside the work directory qualify.
func (g *Generator) printedArtifact(printed string) (string, bool) {
	if printed == "" {
		return "", false
	}
	if !filepath.IsAbs(printed) {
		printed = filepath.Join(g.workDir, printed)
	}
	printed = filepath.Clean(printed)
	absDir, err := filepath.Abs(g.workDir)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(printed)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	fi, err := os.Stat(printed)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return printed, true
}

func run(ctx context.Context, dir string, stdout *bytes.Buffer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Stdout = stdout
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
