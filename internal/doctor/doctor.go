// Package doctor diagnoses a loaded herald configuration: problems that only
// show up when a target is spawned, plus settings that are legal but suspect.
package doctor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/process"
)

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration that has already loaded.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTargets(r)
	d.validateStatePath(r)
	d.warnSharedProcesses(r)
	d.warnAPIExposure(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTargets checks that each target's working directory and executable exist.
func (d *Doctor) validateTargets(r *Result) {
	if len(d.cfg.Targets) == 0 {
		d.addWarning(r, "targets", "targets", "no targets configured")
		return
	}

	for _, name := range d.cfg.TargetNames() {
		t := d.cfg.Targets[name]
		field := "targets." + name

		if t.Dir != "" {
			info, err := os.Stat(t.Dir)
			switch {
			case err != nil:
				d.addError(r, "targets", field+".dir", fmt.Sprintf("working directory %q: %v", t.Dir, err))
			case !info.IsDir():
				d.addError(r, "targets", field+".dir", fmt.Sprintf("%q is not a directory", t.Dir))
			}
		}

		if argv := t.Argv(); len(argv) > 0 {
			d.checkExecutable(r, field+".command", argv[0], t.Dir)
		}

		if t.Timeout > 0 && t.Timeout < 1 {
			d.addWarning(r, "targets", field+".timeout",
				fmt.Sprintf("timeout %gs is very short; agents rarely answer initialize that fast", t.Timeout))
		}
		if t.PromptTimeout > 0 && t.PromptTimeout < t.Timeout {
			d.addWarning(r, "targets", field+".prompt_timeout",
				fmt.Sprintf("prompt_timeout %gs is shorter than timeout %gs", t.PromptTimeout, t.Timeout))
		}
		if t.Type == config.TypeScript && len(t.Capabilities) > 0 {
			d.addWarning(r, "targets", field+".capabilities", "capabilities are ignored for script targets")
		}
	}
}

func (d *Doctor) checkExecutable(r *Result, field, exe, dir string) {
	if !strings.Contains(exe, string(filepath.Separator)) {
		if _, err := d.lookPath(exe); err != nil {
			d.addError(r, "targets", field, fmt.Sprintf("executable %q not found in PATH", exe))
		}
		return
	}

	path := exe
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		d.addError(r, "targets", field, fmt.Sprintf("executable %q: %v", exe, err))
	case info.IsDir():
		d.addError(r, "targets", field, fmt.Sprintf("executable %q is a directory", exe))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "targets", field, fmt.Sprintf("%q is not executable", exe))
	}
}

// validateStatePath checks that the database directory exists or can be created.
func (d *Doctor) validateStatePath(r *Result) {
	path := d.cfg.State.Path
	if path == "" || path == ":memory:" {
		return
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		d.addWarning(r, "state", "state.path", fmt.Sprintf("directory %q does not exist and will be created", dir))
		return
	}
	if err != nil {
		d.addError(r, "state", "state.path", fmt.Sprintf("directory %q: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "state", "state.path", fmt.Sprintf("%q is not a directory", dir))
		return
	}

	f, err := os.CreateTemp(dir, ".herald-doctor-*")
	if err != nil {
		d.addError(r, "state", "state.path", fmt.Sprintf("directory %q is not writable: %v", dir, err))
		return
	}
	f.Close()
	_ = os.Remove(f.Name())
}

// warnSharedProcesses flags agent targets that resolve to the same subprocess.
// They share one process and the most recent delivery's notification handler.
func (d *Doctor) warnSharedProcesses(r *Result) {
	byKey := make(map[process.Key][]string)
	for _, name := range d.cfg.TargetNames() {
		t := d.cfg.Targets[name]
		if t.Type != config.TypeAgent {
			continue
		}
		key, err := process.KeyFor(process.Options{Command: t.Command, Dir: t.Dir})
		if err != nil {
			continue
		}
		byKey[key] = append(byKey[key], name)
	}

	for key, names := range byKey {
		if len(names) < 2 {
			continue
		}
		d.addWarning(r, "targets", "targets."+names[0],
			fmt.Sprintf("targets %s share one agent process (%s)", strings.Join(names, ", "), key))
	}
}

// warnAPIExposure flags listeners bound beyond loopback.
func (d *Doctor) warnAPIExposure(r *Result) {
	if d.cfg.API.Enabled {
		d.checkListen(r, "api", "api.listen", d.cfg.API.Listen)
	}
	if wh := d.cfg.Webhooks; wh != nil && len(wh.Endpoints) > 0 {
		d.checkListen(r, "webhooks", "webhooks.listen", wh.Listen)
	}
}

func (d *Doctor) checkListen(r *Result, category, field, listen string) {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		d.addError(r, category, field, fmt.Sprintf("invalid listen address %q: %v", listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, category, field, fmt.Sprintf("listens on %q, reachable from other hosts", listen))
}

// warnMissingEnvVars flags ${VAR} placeholders left after interpolation.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for _, name := range d.cfg.TargetNames() {
		t := d.cfg.Targets[name]
		for k, v := range t.Env {
			for _, m := range envPlaceholder.FindAllStringSubmatch(v, -1) {
				d.addWarning(r, "env", fmt.Sprintf("targets.%s.env.%s", name, k),
					fmt.Sprintf("environment variable ${%s} is not set", m[1]))
			}
		}
		for _, m := range envPlaceholder.FindAllStringSubmatch(t.SystemPrompt, -1) {
			d.addWarning(r, "env", fmt.Sprintf("targets.%s.system_prompt", name),
				fmt.Sprintf("environment variable ${%s} is not set", m[1]))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		return ""
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Diagnostics found %d error(s), %d warning(s)\n", len(r.Errors), len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Diagnostics found %d warning(s)\n", len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}
