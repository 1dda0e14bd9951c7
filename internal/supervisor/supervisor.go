// Package supervisor drives the steward daemon: the poll-based run
// loop over child pipe fds, OS signal handling, child reaping, and the
// daemon plumbing around them (pidfile, fd limits, daemonization).
package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalQueue captures OS signals for deferred processing on the run
// loop. It registers for SIGTERM, SIGINT, SIGQUIT, SIGUSR2, and
// SIGCHLD.
type SignalQueue struct {
	C  <-chan os.Signal
	ch chan os.Signal
}

// NewSignalQueue creates a signal queue with a buffer of 16 signals.
func NewSignalQueue() *SignalQueue {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGUSR2,
		syscall.SIGCHLD,
	)
	return &SignalQueue{C: ch, ch: ch}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}

var getuid = os.Getuid

// RootWarning logs a warning when the daemon runs as root and no
// program drops privileges through a uid key.
func RootWarning(logger *slog.Logger, uidConfigured bool) {
	if getuid() != 0 || uidConfigured {
		return
	}
	logger.Warn("running as root; consider setting uid on your programs")
}

// RaiseFdLimit lifts the soft RLIMIT_NOFILE to at least minfds. Every
// child costs up to three pipe fds, so the default soft limit runs out
// quickly on larger rosters.
func RaiseFdLimit(minfds int, logger *slog.Logger) {
	if minfds <= 0 {
		return
	}
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logger.Warn("cannot read RLIMIT_NOFILE", "error", err)
		return
	}
	if lim.Cur >= uint64(minfds) {
		return
	}
	want := uint64(minfds)
	if want > lim.Max {
		want = lim.Max
	}
	lim.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logger.Warn("cannot raise RLIMIT_NOFILE", "want", minfds, "error", err)
		return
	}
	logger.Debug("raised RLIMIT_NOFILE", "soft", lim.Cur, "hard", lim.Max)
}
