package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/herald/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(dir, "herald.db")
	cfg.Targets = map[string]*config.Target{
		"ops":  {Name: "ops", Type: config.TypeAgent, Command: "agent --acp", Dir: dir},
		"hook": {Name: "hook", Type: config.TypeScript, Command: "notify-hook"},
	}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(file string) (string, error) {
		if file == "agent" || file == "notify-hook" {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
	return d
}

func hasIssue(issues []Issue, field, substr string) bool {
	for _, i := range issues {
		if i.Field == field && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
	if got := FormatHuman(r); got != "" {
		t.Fatalf("FormatHuman on a clean result = %q, want empty", got)
	}
}

func TestValidate_NoTargets(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Targets = map[string]*config.Target{}
	r := newDoctor(cfg).Validate()
	if !r.Valid || !hasIssue(r.Warnings, "targets", "no targets") {
		t.Fatalf("expected no-targets warning, got %+v", r)
	}
}

func TestValidate_MissingExecutable(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Targets["ops"].Command = "missing-agent --acp"
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "targets.ops.command", "not found in PATH") {
		t.Fatalf("missing executable error, got %v", r.Errors)
	}
}

func TestValidate_ExecutablePath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	dir := cfg.Targets["ops"].Dir

	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg.Targets["ops"].Command = "./run.sh --acp"
	if r := newDoctor(cfg).Validate(); !r.Valid {
		t.Fatalf("relative executable inside dir should resolve, got %v", r.Errors)
	}

	cfg.Targets["ops"].Command = plain
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "targets.ops.command", "not executable") {
		t.Fatalf("expected not-executable error, got %v", r.Errors)
	}

	cfg.Targets["ops"].Command = filepath.Join(dir, "nope")
	r = newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "targets.ops.command", "no such file") {
		t.Fatalf("expected missing-file error, got %v", r.Errors)
	}
}

func TestValidate_MissingDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Targets["ops"].Dir = filepath.Join(t.TempDir(), "gone")
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "targets.ops.dir", "working directory") {
		t.Fatalf("expected dir error, got %v", r.Errors)
	}
}

func TestValidate_SharedProcess(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Targets["ops2"] = &config.Target{Name: "ops2", Type: config.TypeAgent, Command: "agent --acp", Dir: cfg.Targets["ops"].Dir}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("sharing a process is legal, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "targets.ops", "ops, ops2 share one agent process") {
		t.Fatalf("expected shared-process warning, got %v", r.Warnings)
	}
}

func TestValidate_TimeoutWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Targets["ops"].Timeout = 0.5
	cfg.Targets["ops"].PromptTimeout = 0.2
	cfg.Targets["hook"].Capabilities = map[string]any{"fs": true}
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "targets.ops.timeout", "very short") {
		t.Errorf("timeout warning missing: %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "targets.ops.prompt_timeout", "shorter than timeout") {
		t.Errorf("prompt_timeout warning missing: %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "targets.hook.capabilities", "ignored") {
		t.Errorf("capabilities warning missing: %v", r.Warnings)
	}
}

func TestValidate_StatePath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Path = filepath.Join(t.TempDir(), "nested", "herald.db")
	r := newDoctor(cfg).Validate()
	if !r.Valid || !hasIssue(r.Warnings, "state.path", "will be created") {
		t.Fatalf("expected will-be-created warning, got %+v", r)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.State.Path = filepath.Join(file, "herald.db")
	r = newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "state.path", "not a directory") {
		t.Fatalf("expected not-a-directory error, got %v", r.Errors)
	}

	cfg.State.Path = ":memory:"
	if r := newDoctor(cfg).Validate(); !r.Valid {
		t.Fatalf(":memory: needs no directory, got %v", r.Errors)
	}
}

func TestValidate_APIExposure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		listen  string
		warn    bool
		invalid bool
	}{
		{listen: "127.0.0.1:8080"},
		{listen: "localhost:8080"},
		{listen: "[::1]:8080"},
		{listen: ":8080", warn: true},
		{listen: "0.0.0.0:8080", warn: true},
		{listen: "8080", invalid: true},
	}
	for _, tt := range tests {
		cfg := validConfig(t)
		cfg.API = config.APIConfig{Enabled: true, Listen: tt.listen, APIKey: "k"}
		r := newDoctor(cfg).Validate()
		if got := hasIssue(r.Warnings, "api.listen", "reachable"); got != tt.warn {
			t.Errorf("%s: exposure warning = %v, want %v", tt.listen, got, tt.warn)
		}
		if r.Valid == tt.invalid {
			t.Errorf("%s: valid = %v, want %v", tt.listen, r.Valid, !tt.invalid)
		}
	}
}

func TestValidate_MissingEnvVars(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Targets["ops"].Env = map[string]string{"TOKEN": "${HERALD_DOCTOR_UNSET}"}
	cfg.Targets["ops"].SystemPrompt = "You work for ${HERALD_DOCTOR_TEAM}."
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("unset env is a warning, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "targets.ops.env.TOKEN", "HERALD_DOCTOR_UNSET") {
		t.Errorf("env warning missing: %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "targets.ops.system_prompt", "HERALD_DOCTOR_TEAM") {
		t.Errorf("system_prompt warning missing: %v", r.Warnings)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "targets", Field: "targets.ops.dir", Message: "gone"}},
		Warnings: []Issue{{Category: "api", Message: "exposed"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{"1 error(s), 1 warning(s)", "ERROR [targets] targets.ops.dir: gone", "WARN  [api] exposed"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatHuman missing %q in:\n%s", want, out)
		}
	}
}

func TestValidate_WebhookExposure(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Webhooks = &config.WebhooksConfig{
		Listen:    "0.0.0.0:8081",
		Endpoints: []config.WebhookEndpoint{{Path: "/hooks", Target: "ops", Secret: "s"}},
	}
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "webhooks.listen", "reachable") {
		t.Fatalf("expected webhook exposure warning, got %v", r.Warnings)
	}
}
