package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/rpc"
)

// Key identifies one subprocess: the raw command string plus the absolute
// working directory.
type Key struct {
	Command string
	Dir     string
}

func (k Key) String() string { return k.Command + " @ " + k.Dir }

// argv splits the command on whitespace. No shell quoting is honoured.
func (k Key) argv() []string { return strings.Fields(k.Command) }

// Options describe the subprocess Ensure should provide.
type Options struct {
	Command string
	// Dir defaults to the current working directory.
	Dir string
	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string
	// Debug reports undecodable stdout lines at warn level.
	Debug bool
	// OnNotification receives unsolicited agent messages. When Ensure reuses a
	// running process and OnNotification is set, it replaces the previous handler.
	OnNotification rpc.NotificationFunc
}

// SpawnError reports that the subprocess could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Registry owns at most one live subprocess per Key.
type Registry struct {
	mu      sync.Mutex
	handles map[Key]*Handle
	logger  *slog.Logger
	grace   time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[Key]*Handle),
		logger:  log.WithComponent("registry"),
		grace:   terminationGracePeriod,
	}
}

// KeyFor resolves the registry key for opts.
func KeyFor(opts Options) (Key, error) {
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Key{}, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Key{}, fmt.Errorf("resolve working directory %q: %w", dir, err)
	}
	return Key{Command: opts.Command, Dir: abs}, nil
}

// Ensure returns the running subprocess for opts, spawning one if none is
// registered or the previous one has exited or closed its stdout.
func (r *Registry) Ensure(ctx context.Context, opts Options) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := KeyFor(opts)
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		if h.Alive() {
			if opts.OnNotification != nil {
				h.SetNotificationHandler(opts.OnNotification)
			}
			return h, nil
		}
		delete(r.handles, key)
		if h.State() == Running {
			// stdout closed but the process lingers; reap it off the caller's path.
			go h.terminate(context.Background(), r.grace)
		}
	}

	logger := r.logger.With("command", key.Command, "dir", key.Dir)
	h, err := spawn(key, opts, logger, r.evict)
	if err != nil {
		logger.Error("agent spawn failed", "error", err)
		return nil, err
	}
	r.handles[key] = h
	return h, nil
}

// Get returns the registered handle for key, if any.
func (r *Registry) Get(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// Len returns the number of registered subprocesses.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Shutdown terminates every registered subprocess and clears the registry.
// Requests still outstanding fail with a transport error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for key, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, key)
	}
	r.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}
	r.logger.Info("terminating agents", "count", len(handles))

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			h.terminate(ctx, r.grace)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// evict drops h from the registry if it is still the handle registered for its key.
func (r *Registry) evict(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.key]; ok && cur == h {
		delete(r.handles, h.key)
		r.logger.Debug("evicted exited agent", "command", h.key.Command, "dir", h.key.Dir)
	}
}
