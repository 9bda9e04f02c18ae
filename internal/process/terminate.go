package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// Terminate sends SIGTERM to p and escalates to SIGKILL when exited is still open
// after grace. It returns once exited is closed. If ctx is done first, p is killed
// and Terminate returns without waiting for it to be reaped.
func Terminate(ctx context.Context, p *os.Process, exited <-chan struct{}, grace time.Duration, logger *slog.Logger) {
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		logger.Debug("process exited after SIGTERM")
	case <-timer.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		_ = p.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		_ = p.Kill()
	}
}
