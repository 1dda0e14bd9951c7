package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stewardteam/steward/internal/config"
	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/process"
	"github.com/stewardteam/steward/internal/states"
)

// Supervisor is the daemon run loop. One iteration runs any queued API
// closures, processes pending signals, runs the start and transition
// passes over the roster, then polls the child pipe fds plus a
// self-wake pipe until something happens or the tick interval elapses.
// All core state is touched only from Run's goroutine; other
// goroutines get in through Do/Dispatch or the wake pipe.
type Supervisor struct {
	cfg     *config.Config
	manager *process.Manager
	bus     *events.Bus
	logger  *slog.Logger
	clock   process.Clock

	signals      *SignalQueue
	wakeR, wakeW *os.File

	mu             sync.Mutex
	queue          []func()
	pendingSignals []os.Signal
	state          states.SupervisorState

	shutdownAt time.Time
	forcedKill bool
	done       chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSupervisorClock substitutes the run loop's time source.
func WithSupervisorClock(c process.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// New creates a supervisor around an already-loaded manager.
func New(cfg *config.Config, manager *process.Manager, bus *events.Bus, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		manager: manager,
		bus:     bus,
		logger:  logger,
		clock:   process.RealClock(),
		state:   states.SupervisorRunning,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manager returns the process manager.
func (s *Supervisor) Manager() *process.Manager { return s.manager }

// Bus returns the event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// State returns the daemon lifecycle state.
func (s *Supervisor) State() states.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel that closes when the run loop has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Do queues fn for execution on the next run loop iteration and wakes
// the loop. Safe from any goroutine.
func (s *Supervisor) Do(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.wake()
}

// Dispatch runs fn on the run loop and waits for it to finish. Returns
// immediately without running fn when the loop has already exited.
func (s *Supervisor) Dispatch(fn func()) {
	ran := make(chan struct{})
	s.Do(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-s.done:
	}
}

// Shutdown requests a graceful shutdown from any goroutine.
func (s *Supervisor) Shutdown() {
	s.Do(s.beginShutdown)
}

// Run executes the main loop. It blocks until shutdown completes.
func (s *Supervisor) Run() error {
	if err := WritePIDFile(s.cfg.Steward.Pidfile); err != nil {
		return err
	}
	defer RemovePIDFile(s.cfg.Steward.Pidfile)

	RaiseFdLimit(s.cfg.Steward.Minfds, s.logger)

	var err error
	s.wakeR, s.wakeW, err = os.Pipe()
	if err != nil {
		return err
	}
	defer s.wakeR.Close()
	defer s.wakeW.Close()
	_ = unix.SetNonblock(int(s.wakeR.Fd()), true)
	_ = unix.SetNonblock(int(s.wakeW.Fd()), true)

	s.signals = NewSignalQueue()
	defer s.signals.Stop()
	go s.pumpSignals()

	s.bus.Notify(events.SupervisorRunningEvent{})
	s.logger.Info("steward running",
		"pid", os.Getpid(),
		"processes", len(s.manager.Processes()))

	for {
		s.runQueued()
		s.processSignals()
		if s.State() == states.SupervisorRunning {
			s.manager.StartNecessary()
		}
		s.manager.Transition()
		if s.State() == states.SupervisorStopping && s.shutdownComplete() {
			break
		}
		s.poll()
	}

	s.manager.CloseLogs()
	s.setState(states.SupervisorStopped)
	close(s.done)
	s.logger.Info("shutdown complete")
	return nil
}

// pumpSignals moves signals from the OS channel into the pending list
// and wakes the loop. Runs until the loop exits.
func (s *Supervisor) pumpSignals() {
	for {
		select {
		case sig := <-s.signals.C:
			s.mu.Lock()
			s.pendingSignals = append(s.pendingSignals, sig)
			s.mu.Unlock()
			s.wake()
		case <-s.done:
			return
		}
	}
}

func (s *Supervisor) runQueued() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (s *Supervisor) processSignals() {
	s.mu.Lock()
	pending := s.pendingSignals
	s.pendingSignals = nil
	s.mu.Unlock()
	for _, sig := range pending {
		s.handleSignal(sig)
	}
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		s.beginShutdown()
	case syscall.SIGUSR2:
		s.logger.Info("reopening log files")
		s.manager.ReopenLogs()
	case syscall.SIGCHLD:
		s.reap()
	default:
		s.logger.Warn("unhandled signal", "signal", sig.String())
	}
}

// reap collects every exited child. SIGCHLD coalesces, so loop until
// waitpid has nothing left.
func (s *Supervisor) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			// ECHILD: no children at all.
			return
		}
		p := s.manager.ByPid(pid)
		if p == nil {
			// An orphan we inherited, or a pid we already forgot.
			s.logger.Warn("reaped unknown child", "pid", pid,
				"status", process.NewWaitStatus(ws).String())
			continue
		}
		p.Finish(process.NewWaitStatus(ws))
	}
}

// beginShutdown moves the daemon to STOPPING and starts stopping the
// roster in descending priority order. Repeated calls are no-ops.
func (s *Supervisor) beginShutdown() {
	s.mu.Lock()
	if s.state != states.SupervisorRunning {
		s.mu.Unlock()
		s.logger.Debug("shutdown already in progress")
		return
	}
	s.state = states.SupervisorStopping
	s.mu.Unlock()

	s.logger.Info("shutting down",
		"timeout_seconds", s.cfg.Steward.ShutdownTimeout)
	s.bus.Notify(events.SupervisorStoppingEvent{})
	s.manager.StopAll()
	s.shutdownAt = s.clock.Now().Add(time.Duration(s.cfg.Steward.ShutdownTimeout) * time.Second)
}

// shutdownComplete reports whether the loop may exit. When the grace
// period runs out every remaining child gets SIGKILL; if pids survive
// even that, supervision is abandoned rather than hanging forever.
func (s *Supervisor) shutdownComplete() bool {
	if !s.manager.LivePids() {
		return true
	}
	if !s.clock.Now().After(s.shutdownAt) {
		return false
	}
	if !s.forcedKill {
		s.logger.Warn("shutdown timeout exceeded, killing remaining processes")
		s.manager.ForceKillAll()
		s.forcedKill = true
		s.shutdownAt = s.clock.Now().Add(5 * time.Second)
		return false
	}
	s.logger.Error("children survived SIGKILL, abandoning them")
	return true
}

// poll waits for readiness on the child pipe fds and the wake pipe,
// then runs the matching dispatcher handlers. The timeout is the tick
// interval, shortened to the nearest armed deadline.
func (s *Supervisor) poll() {
	dispatchers := s.manager.Dispatchers()
	fds := make([]unix.PollFd, 0, len(dispatchers)+1)
	fds = append(fds, unix.PollFd{Fd: int32(s.wakeR.Fd()), Events: unix.POLLIN})
	for fd, d := range dispatchers {
		var want int16
		if d.Readable() {
			want |= unix.POLLIN
		}
		if d.Writable() {
			want |= unix.POLLOUT
		}
		if want == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: want})
	}

	n, err := unix.Poll(fds, s.pollTimeout())
	if err != nil && !errors.Is(err, unix.EINTR) {
		s.logger.Error("poll failed", "error", err)
		return
	}
	if n <= 0 {
		return
	}

	if fds[0].Revents != 0 {
		s.drainWake()
	}
	for _, pfd := range fds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		d := dispatchers[int(pfd.Fd)]
		if d == nil {
			continue
		}
		// POLLHUP/POLLERR are resolved by the handlers themselves:
		// reads see EOF, writes see EPIPE.
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && d.Readable() {
			_ = d.HandleReadEvent()
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLERR) != 0 && d.Writable() {
			_ = d.HandleWriteEvent()
		}
	}
}

// tickInterval is the longest the loop sleeps between housekeeping
// passes, matching the 1s granularity of startsecs and backoff delays.
const tickInterval = time.Second

// pollTimeout returns the poll timeout in milliseconds: the tick
// interval capped by the soonest pending deadline.
func (s *Supervisor) pollTimeout() int {
	timeout := tickInterval
	now := s.clock.Now()
	if deadline, ok := s.manager.SoonestDelay(); ok {
		if until := deadline.Sub(now); until < timeout {
			timeout = until
		}
	}
	if s.State() == states.SupervisorStopping {
		if until := s.shutdownAt.Sub(now); until < timeout {
			timeout = until
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return int(timeout / time.Millisecond)
}

func (s *Supervisor) setState(st states.SupervisorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// wake nudges a blocked poll. The pipe is non-blocking; a full pipe
// already guarantees a wakeup, so write errors are ignored.
func (s *Supervisor) wake() {
	if s.wakeW == nil {
		return
	}
	_, _ = unix.Write(int(s.wakeW.Fd()), []byte{0})
}

func (s *Supervisor) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(int(s.wakeR.Fd()), buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
