package agent

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// reaper collects zombie processes while the agent runs as PID 1, the
// usual arrangement when it is a container entrypoint. Anywhere else the
// host init adopts orphans, so the reaper stays off and cannot race the
// service manager's own process waits.
type reaper struct {
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func newReaper(logger *slog.Logger) *reaper {
	return &reaper{logger: logger, done: make(chan struct{})}
}

// Start begins reaping if the agent is PID 1, otherwise does nothing.
// Wait4 runs with WNOHANG so the loop never blocks.
func (r *reaper) Start() {
	if os.Getpid() != 1 {
		close(r.done)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.logger.Info("running as PID 1, starting zombie reaper")

	sigchld := make(chan os.Signal, 10)
	signal.Notify(sigchld, unix.SIGCHLD)

	go func() {
		defer close(r.done)
		defer signal.Stop(sigchld)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigchld:
				r.reapAll()
			}
		}
	}()
}

// reapAll drains every exited child without blocking.
func (r *reaper) reapAll() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			// ECHILD just means there are no children left
			if err != unix.ECHILD {
				r.logger.Debug("wait4 failed", "error", err)
			}
			return
		}
		if pid <= 0 {
			return
		}
		r.logger.Debug("reaped zombie process", "pid", pid, "status", int(status))
	}
}

// Stop shuts the reaper down, waiting up to timeout for the loop to exit.
func (r *reaper) Stop(timeout time.Duration) {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Warn("zombie reaper did not stop in time")
	}
}
