package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/generator/command"
	"github.com/jo-hoe/podqueue/internal/generator/mock"
	"github.com/jo-hoe/podqueue/internal/generator/remote"
	"github.com/jo-hoe/podqueue/internal/jobs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body = strings.ReplaceAll(body, "$DIR", dir)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "warn", "json").Info("hidden")
	newLogger(&buf, "warn", "json").Warn("shown", "k", "v")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json handler output not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Fatalf("record = %v", rec)
	}

	buf.Reset()
	newLogger(&buf, "bogus", "text").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text handler output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "debug", "tint").Debug("colourful")
	if !strings.Contains(buf.String(), "colourful") {
		t.Fatalf("tint handler output = %q", buf.String())
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	s, err := openStore(ctx, config.DatabaseConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*jobs.MemoryStore); !ok {
		t.Fatalf("memory driver returned %T", s)
	}

	s, err = openStore(ctx, config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x", "jobs.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer func() { _ = s.Close() }()
	if _, ok := s.(*jobs.SQLiteStore); !ok {
		t.Fatalf("sqlite driver returned %T", s)
	}

	if _, err := openStore(ctx, config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestNewGenerator(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.WorkDir = t.TempDir()

	cfg.Generator.Provider = "mock"
	if g, err := newGenerator(cfg); err != nil {
		t.Fatalf("mock: %v", err)
	} else if _, ok := g.(*mock.Generator); !ok {
		t.Fatalf("mock provider returned %T", g)
	}

	cfg.Generator.Provider = "http"
	cfg.Generator.HTTP.BaseURL = "http://localhost:9"
	if g, err := newGenerator(cfg); err != nil {
		t.Fatalf("http: %v", err)
	} else if _, ok := g.(*remote.Client); !ok {
		t.Fatalf("http provider returned %T", g)
	}

	cfg.Generator.Provider = "command"
	cfg.Generator.Command = config.CommandSettings{Path: "podcastfy", Args: []string{"--url", "{{ .URL }}"}}
	if g, err := newGenerator(cfg); err != nil {
		t.Fatalf("command: %v", err)
	} else if _, ok := g.(*command.Generator); !ok {
		t.Fatalf("command provider returned %T", g)
	}

	cfg.Generator.Provider = "carrier-pigeon"
	if _, err := newGenerator(cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestCLI_SubmitStatusList(t *testing.T) {
	t.Chdir(t.TempDir())
	cfgPath := writeConfig(t, `
server:
  dataDir: $DIR/data
  logLevel: error
database:
  driver: sqlite
`)

	out, err := execute(t, "--config", cfgPath, "submit", "https://example.org/a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "status:") || !strings.Contains(out, "queued") {
		t.Fatalf("submit output = %q", out)
	}
	var id string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "id:") {
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	if id == "" {
		t.Fatalf("no id in output %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "submit", "https://example.org/a")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("resubmit should reuse %s, got %q", id, out)
	}

	out, err = execute(t, "--config", cfgPath, "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "https://example.org/a") {
		t.Fatalf("status output = %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "list", "--state", "queued")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("list output = %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "list", "--state", "completed")
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if strings.Contains(out, id) {
		t.Fatalf("queued job listed as completed: %q", out)
	}

	if _, err := execute(t, "--config", cfgPath, "list", "--state", "stuck"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	if _, err := execute(t, "--config", cfgPath, "status", "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
	if _, err := execute(t, "--config", cfgPath, "submit", "not-a-url"); err == nil {
		t.Fatalf("expected error for invalid url")
	}
}

func TestCLI_Migrate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")
	cfgPath := writeConfig(t, `
server:
  dataDir: $DIR/data
  logLevel: error
`)
	if _, err := execute(t, "--config", cfgPath, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "data", "podqueue.db")); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}
