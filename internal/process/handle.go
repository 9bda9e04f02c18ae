package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/herald/internal/protocol"
	"github.com/mattjoyce/herald/internal/rpc"
)

const (
	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// maxStderrLine caps a single diagnostic line read from the agent.
	maxStderrLine = 64 * 1024
)

// State is the liveness of a subprocess.
type State int32

const (
	NotStarted State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// informational matches stderr lines agents emit as routine chatter.
var informational = regexp.MustCompile(`(?i)^\s*(\[(info|debug|trace)\]|(info|debug|trace)\b)`)

// ErrExited is wrapped by transport errors for requests outstanding when the
// subprocess exits.
var ErrExited = errors.New("agent process exited")

// ErrShutdown is wrapped by transport errors for requests outstanding at Shutdown.
var ErrShutdown = errors.New("agent registry shut down")

// Handle is one running agent subprocess and its JSON-RPC connection.
type Handle struct {
	key    Key
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	table  *rpc.Table
	logger *slog.Logger

	state   atomic.Int32
	done    chan struct{}
	exitErr error

	stdoutClosed atomic.Bool
	closeOnce    sync.Once
}

// Key returns the registry key the handle was spawned under.
func (h *Handle) Key() Key { return h.key }

// State reports the subprocess liveness.
func (h *Handle) State() State { return State(h.state.Load()) }

// Alive reports whether the subprocess is running and its stdout is still open.
// Once stdout closes no response can arrive, so the handle is unusable even if
// the process has not been reaped yet.
func (h *Handle) Alive() bool { return h.State() == Running && !h.stdoutClosed.Load() }

// Done is closed once the subprocess has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the wait error once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// PID returns the subprocess id, or 0 before start.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Call sends a JSON-RPC request on the subprocess stdin and waits for the response.
func (h *Handle) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return h.table.Call(ctx, method, params, timeout)
}

// SetNotificationHandler replaces the handler for unsolicited agent messages.
func (h *Handle) SetNotificationHandler(fn rpc.NotificationFunc) {
	h.table.SetNotificationHandler(fn)
}

// Pending returns the number of requests awaiting a response.
func (h *Handle) Pending() int { return h.table.Pending() }

// spawn starts the subprocess and its reader goroutines. onExit runs once the
// process has been reaped.
func spawn(key Key, opts Options, logger *slog.Logger, onExit func(*Handle)) (*Handle, error) {
	argv := key.argv()
	if len(argv) == 0 {
		return nil, &SpawnError{Command: key.Command, Err: errors.New("empty command")}
	}

	// Don't use CommandContext - the process outlives the call that spawned it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = key.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: key.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: key.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: key.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	h := &Handle{
		key:    key,
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		done:   make(chan struct{}),
	}
	h.table = rpc.NewTable(stdin, logger)
	h.table.SetNotificationHandler(opts.OnNotification)

	decoder := protocol.NewLineDecoder(h.table.Dispatch)
	if opts.Debug {
		decoder.Report = func(err error, line string) {
			logger.Warn("undecodable agent output", "error", err, "line", line)
		}
	}

	logger.Debug("spawning agent", "command", key.Command, "dir", key.Dir)
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: key.Command, Err: err}
	}
	h.state.Store(int32(Running))
	logger.Info("agent started", "pid", cmd.Process.Pid)

	// Both pipes must be drained before Wait, see exec.Cmd.StdoutPipe.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readStdout(stdout, decoder)
	}()
	go func() {
		defer readers.Done()
		h.readStderr(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		h.exitErr = err
		h.state.Store(int32(Exited))
		h.table.Close(exitCause(err))
		close(h.done)
		if err != nil {
			logger.Warn("agent exited", "pid", h.PID(), "error", err)
		} else {
			logger.Info("agent exited", "pid", h.PID())
		}
		if onExit != nil {
			onExit(h)
		}
	}()

	return h, nil
}

func (h *Handle) readStdout(r io.Reader, decoder *protocol.LineDecoder) {
	if _, err := io.Copy(decoder, r); err != nil {
		h.logger.Debug("agent stdout closed", "error", err)
	}
	decoder.Flush()
	// No more responses can arrive; fail anything still waiting.
	h.table.Close(ErrExited)
	h.stdoutClosed.Store(true)
}

func (h *Handle) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if informational.MatchString(line) {
			h.logger.Debug("agent stderr", "line", line)
			continue
		}
		h.logger.Warn("agent stderr", "line", line)
	}
	// Keep draining if a line overflowed the scanner so the agent never blocks on stderr.
	_, _ = io.Copy(io.Discard, r)
}

// terminate closes stdin, sends SIGTERM and escalates to SIGKILL after the
// grace period. It blocks until the process is reaped or ctx is done.
func (h *Handle) terminate(ctx context.Context, grace time.Duration) {
	h.table.Close(ErrShutdown)
	h.closeOnce.Do(func() {
		_ = h.stdin.Close()
	})
	if h.State() != Running {
		return
	}

	if h.cmd.Process != nil {
		Terminate(ctx, h.cmd.Process, h.done, grace, h.logger)
	}
}

func exitCause(err error) error {
	if err == nil {
		return ErrExited
	}
	return fmt.Errorf("%w: %v", ErrExited, err)
}
