package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/process"
	"github.com/mattjoyce/herald/internal/rpc"
	"github.com/mattjoyce/herald/internal/workitem"
)

const (
	// maxOutputBytes caps stdout and stderr captured from a script.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ScriptChannel spawns the target command once per delivery. The command reads
// {"target": name, "items": [...]} on stdin and signals success with exit 0.
type ScriptChannel struct {
	grace  time.Duration
	logger *slog.Logger
}

func NewScriptChannel() *ScriptChannel {
	return &ScriptChannel{
		grace:  terminationGracePeriod,
		logger: log.WithComponent("script"),
	}
}

type scriptPayload struct {
	Target string          `json:"target"`
	Items  []workitem.Item `json:"items"`
}

func (c *ScriptChannel) Send(ctx context.Context, items []workitem.Item, target *config.Target, opts Options) (Result, error) {
	if err := target.Validate(config.TypeScript); err != nil {
		return Result{}, err
	}
	if items == nil {
		items = []workitem.Item{}
	}

	logger := c.logger.With("target", target.Name)
	if opts.DeliveryID != "" {
		logger = logger.With("delivery_id", opts.DeliveryID)
	}

	payload, err := json.Marshal(scriptPayload{Target: target.Name, Items: items})
	if err != nil {
		return failed(fmt.Errorf("encode payload: %w", err)), nil
	}

	stdout, stderr, err := c.run(ctx, target, append(payload, '\n'), logger)
	if err != nil {
		if stderr != "" {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
		}
		return failed(err), nil
	}

	msg := strings.TrimSpace(stdout)
	if msg == "" {
		msg = fmt.Sprintf("delivered %d item(s) to %s", len(items), target.Name)
	}
	return Result{Success: true, Message: msg}, nil
}

// run executes the command with input on stdin and enforces the target timeout
// with SIGTERM, a grace period, then SIGKILL.
func (c *ScriptChannel) run(ctx context.Context, target *config.Target, input []byte, logger *slog.Logger) (string, string, error) {
	argv := target.Argv()
	timeout := target.CallTimeout()

	// Don't use CommandContext - termination is managed here.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = target.Dir
	cmd.Env = append(cmd.Environ(), envList(target.Env)...)
	cmd.Stdin = bytes.NewReader(input)

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes open must not stall Wait forever.
	cmd.WaitDelay = time.Second

	logger.Debug("spawning script", "command", target.Command, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("failed to start %q: %w", target.Command, err)
	}

	var waitErr error
	exited := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case <-exited:
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				logger.Warn("script exited with non-zero status", "exit_code", exitErr.ExitCode())
				return stdout.String(), stderr.String(), fmt.Errorf("script exited with status %d", exitErr.ExitCode())
			}
			return stdout.String(), stderr.String(), fmt.Errorf("wait for script: %w", waitErr)
		}
		return stdout.String(), stderr.String(), nil
	case <-timer.C:
		cause = fmt.Errorf("script timed out after %ss", rpc.FormatSeconds(timeout))
		logger.Warn("script timed out, sending SIGTERM")
	case <-ctx.Done():
		cause = ctx.Err()
		logger.Warn("script cancelled, sending SIGTERM")
	}

	// The grace period applies on cancellation too, so ctx is not passed on.
	process.Terminate(context.Background(), cmd.Process, exited, c.grace, logger)
	return stdout.String(), stderr.String(), cause
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// cappedBuffer keeps the first limit bytes written and discards the rest while
// still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
