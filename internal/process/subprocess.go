// Package process implements the supervision core: the per-child
// Subprocess state machine, the priority-ordered ProcessGroup, the
// EventListenerPool with its bounded event buffer, and the Manager
// that owns the roster and the pid history.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/states"
)

// Subprocess is the supervisor's record for a single managed child.
// All methods run on the supervisor loop; the struct carries no lock.
type Subprocess struct {
	cfg     Config
	bus     *events.Bus
	logger  *slog.Logger
	clock   Clock
	spawner Spawner
	factory DispatcherFactory

	// pidHistory is shared with the Manager: entries are recorded on
	// successful spawn and removed on reap.
	pidHistory map[int]*Subprocess

	state     states.ProcessState
	pid       int
	laststart time.Time
	laststop  time.Time

	// delay is a deadline whose meaning depends on state: earliest
	// retry in BACKOFF, kill escalation in STOPPING, startsecs end in
	// STARTING. Zero otherwise.
	delay time.Time

	backoff            int // consecutive failed starts
	killing            bool
	administrativeStop bool
	systemStop         bool
	spawnErr           string
	exitStatus         *int

	pipes       *Pipes
	dispatchers map[int]Dispatcher

	listenerState states.ListenerState
	inFlight      events.Event // event delivered to a busy listener, not yet acknowledged
}

// SubprocessOption configures a Subprocess.
type SubprocessOption func(*Subprocess)

// WithClock substitutes the time source.
func WithClock(c Clock) SubprocessOption {
	return func(p *Subprocess) { p.clock = c }
}

// WithDispatcherFactory substitutes pipe and dispatcher construction.
func WithDispatcherFactory(f DispatcherFactory) SubprocessOption {
	return func(p *Subprocess) { p.factory = f }
}

// WithPidHistory attaches the shared pid lookup map.
func WithPidHistory(h map[int]*Subprocess) SubprocessOption {
	return func(p *Subprocess) { p.pidHistory = h }
}

// NewSubprocess creates a subprocess in STOPPED state.
func NewSubprocess(cfg Config, spawner Spawner, bus *events.Bus, logger *slog.Logger, opts ...SubprocessOption) *Subprocess {
	p := &Subprocess{
		cfg:           cfg,
		bus:           bus,
		logger:        logger.With("process", cfg.Name),
		clock:         RealClock(),
		spawner:       spawner,
		factory:       NullDispatcherFactory,
		state:         states.Stopped,
		listenerState: states.ListenerAcknowledged,
		dispatchers:   map[int]Dispatcher{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements events.Subject.
func (p *Subprocess) Name() string { return p.cfg.Name }

// Group returns the owning group's name.
func (p *Subprocess) Group() string { return p.cfg.Group }

// Config returns the immutable process configuration.
func (p *Subprocess) Config() Config { return p.cfg }

// State returns the current lifecycle state.
func (p *Subprocess) State() states.ProcessState { return p.state }

// Pid returns the child pid, or 0 when no child is alive.
func (p *Subprocess) Pid() int { return p.pid }

// Backoff returns the consecutive failed start count.
func (p *Subprocess) Backoff() int { return p.backoff }

// Delay returns the pending deadline, zero when none.
func (p *Subprocess) Delay() time.Time { return p.delay }

// Killing reports whether a stop signal has been sent but the child
// has not been reaped yet.
func (p *Subprocess) Killing() bool { return p.killing }

// SpawnErr returns the last spawn failure description, or "".
func (p *Subprocess) SpawnErr() string { return p.spawnErr }

// SystemStop reports whether the supervisor gave up on the process.
func (p *Subprocess) SystemStop() bool { return p.systemStop }

// AdministrativeStop reports whether the last stop was operator-requested.
func (p *Subprocess) AdministrativeStop() bool { return p.administrativeStop }

// ExitStatus returns the last clean exit code. ok is false when the
// process never exited cleanly or its death was unexpected.
func (p *Subprocess) ExitStatus() (code int, ok bool) {
	if p.exitStatus == nil {
		return 0, false
	}
	return *p.exitStatus, true
}

// LastStart returns when the child was last spawned, zero if never.
func (p *Subprocess) LastStart() time.Time { return p.laststart }

// LastStop returns when the child was last reaped, zero if never.
func (p *Subprocess) LastStop() time.Time { return p.laststop }

// Uptime returns seconds since last start while a child is alive.
func (p *Subprocess) Uptime() int64 {
	if p.laststart.IsZero() || !p.state.HasProcess() {
		return 0
	}
	return int64(p.clock.Now().Sub(p.laststart).Seconds())
}

// Dispatchers returns the live fd -> dispatcher mapping.
func (p *Subprocess) Dispatchers() map[int]Dispatcher { return p.dispatchers }

// change performs one legal state transition. The event is notified
// before the state field is updated, so observers see the subject
// still in the old state. Entering BACKOFF bumps the failure counter
// and arms the retry deadline at now + backoff seconds.
func (p *Subprocess) change(to states.ProcessState) {
	from := p.state
	if p.bus != nil {
		p.bus.Notify(&events.ProcessStateChangeEvent{Process: p, From: from, To: to})
	}
	p.state = to
	if to == states.Backoff {
		p.backoff++
		p.delay = p.clock.Now().Add(time.Duration(p.backoff) * time.Second)
	}
}

// assertState panics unless the current state is one of allowed.
// Callers only reach it on supervisor bugs, never on child behavior.
func (p *Subprocess) assertState(allowed ...states.ProcessState) {
	for _, s := range allowed {
		if p.state == s {
			return
		}
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = s.String()
	}
	panic(fmt.Sprintf("process %q in unexpected state %s (expected %s)",
		p.cfg.Name, p.state, strings.Join(names, ", ")))
}

// Spawn starts the child. On success it returns the new pid. On any
// pre-start failure the process lands in BACKOFF with spawnErr set and
// the retry deadline armed, and the error is returned.
func (p *Subprocess) Spawn() (int, error) {
	if p.pid != 0 {
		err := fmt.Errorf("process %q already running with pid %d", p.cfg.Name, p.pid)
		p.logger.Warn("spawn ignored", "error", err)
		return 0, err
	}
	p.assertState(states.Stopped, states.Exited, states.Fatal, states.Backoff)

	p.killing = false
	p.spawnErr = ""
	p.exitStatus = nil
	p.administrativeStop = false
	p.systemStop = false
	if p.state == states.Fatal {
		// An operator restart from FATAL gets a fresh retry streak.
		p.backoff = 0
	}
	p.laststart = p.clock.Now()
	p.change(states.Starting)

	filename, argv, err := ExecArgs(p.cfg.Command)
	if err != nil {
		p.recordSpawnErr(err.Error())
		return 0, err
	}

	dispatchers, pipes, err := p.factory(p)
	if err != nil {
		if pipes != nil {
			pipes.CloseAll()
		}
		msg := fmt.Sprintf("can't create dispatchers: %s", err)
		p.recordSpawnErr(msg)
		return 0, errors.New(msg)
	}
	p.dispatchers = dispatchers
	p.pipes = pipes

	pid, err := p.spawner.Start(StartRequest{
		Path:       filename,
		Argv:       argv,
		Dir:        p.cfg.Directory,
		Env:        p.buildEnv(),
		Stdin:      p.pipes.ChildStdin,
		Stdout:     p.pipes.ChildStdout,
		Stderr:     p.childStderr(),
		Credential: p.credential(),
		RLimits:    ParseRLimits(p.cfg),
		Umask:      p.cfg.Umask,
	})
	if err != nil {
		p.teardownPipes()
		p.recordSpawnErr(err.Error())
		return 0, err
	}

	p.pid = pid
	if p.pidHistory != nil {
		p.pidHistory[pid] = p
	}
	p.pipes.CloseChild()
	p.delay = p.laststart.Add(time.Duration(p.cfg.Startsecs) * time.Second)
	p.listenerState = states.ListenerAcknowledged
	p.logger.Info("spawned", "pid", pid)
	return pid, nil
}

// recordSpawnErr notes the failure and moves STARTING to BACKOFF.
func (p *Subprocess) recordSpawnErr(msg string) {
	p.spawnErr = msg
	p.logger.Error("spawn failed", "error", msg)
	p.assertState(states.Starting)
	p.change(states.Backoff)
}

func (p *Subprocess) childStderr() *os.File {
	if p.cfg.RedirectStderr {
		return p.pipes.ChildStdout
	}
	return p.pipes.ChildStderr
}

func (p *Subprocess) credential() *syscall.Credential {
	// Validated when the config was converted.
	cred, _ := ParseCredential(p.cfg.User)
	return cred
}

// buildEnv merges the host environment with the configured overlay
// (overlay wins) and adds the steward identification variables.
func (p *Subprocess) buildEnv() []string {
	overlay := map[string]string{
		"STEWARD_ENABLED":      "1",
		"STEWARD_PROCESS_NAME": p.cfg.Name,
		"STEWARD_GROUP_NAME":   p.cfg.Group,
	}
	for k, v := range p.cfg.Environment {
		overlay[k] = v
	}

	env := make([]string, 0, len(os.Environ())+len(overlay))
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := overlay[key]; !shadowed {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

// Transition is the periodic tick. It performs exactly two moves:
// BACKOFF to FATAL once retries are exhausted, and STARTING to RUNNING
// once startsecs of uptime have elapsed. The BACKOFF retry itself is
// the group's job, gated on the delay deadline.
func (p *Subprocess) Transition() {
	now := p.clock.Now()
	switch p.state {
	case states.Backoff:
		if p.backoff > p.cfg.Startretries {
			p.fatal()
		}
	case states.Starting:
		if now.Sub(p.laststart) > time.Duration(p.cfg.Startsecs)*time.Second {
			p.delay = time.Time{}
			p.backoff = 0
			p.change(states.Running)
			p.logger.Info("entered RUNNING", "pid", p.pid, "startsecs", p.cfg.Startsecs)
		}
	}
}

// fatal gives up on the process until an operator restart.
func (p *Subprocess) fatal() {
	p.delay = time.Time{}
	p.systemStop = true
	p.assertState(states.Backoff)
	p.change(states.Fatal)
	p.logger.Error("gave up: entered FATAL", "retries", p.backoff-1)
}

// GiveUp aborts a pending BACKOFF retry during shutdown.
func (p *Subprocess) GiveUp() {
	if p.state == states.Backoff {
		p.fatal()
	}
}

// Stop requests an administrative shutdown: drain buffered stdin,
// mark the stop operator-requested, and send the configured stop
// signal. Stopping an already-stopping process is a diagnostic no-op.
func (p *Subprocess) Stop() error {
	if p.state == states.Stopping {
		return fmt.Errorf("process %q already stopping", p.cfg.Name)
	}
	p.drainInput()
	p.administrativeStop = true
	return p.Kill(p.cfg.Stopsignal)
}

// drainInput gives buffered stdin one last flush before the child is
// signaled.
func (p *Subprocess) drainInput() {
	for _, d := range p.dispatchers {
		if d.Writable() {
			_ = d.HandleWriteEvent()
		}
	}
}

// Kill sends sig to the child and arms the SIGKILL escalation
// deadline. With no live child it returns a diagnostic and changes
// nothing. A failed signal delivery is supervision lost: the process
// moves to UNKNOWN with its pid cleared, and the diagnostic is
// returned. Pipes stay open in UNKNOWN since the child may live on.
func (p *Subprocess) Kill(sig syscall.Signal) error {
	if p.pid == 0 {
		err := fmt.Errorf("attempted to kill %q with signal %s, but it wasn't running",
			p.cfg.Name, signalName(sig))
		p.logger.Debug("kill skipped", "error", err)
		return err
	}

	p.killing = true
	p.delay = p.clock.Now().Add(time.Duration(p.cfg.Stopwaitsecs) * time.Second)

	// STOPPING is admitted so SIGKILL escalation can re-enter.
	p.assertState(states.Running, states.Starting, states.Stopping)
	if p.state != states.Stopping {
		p.change(states.Stopping)
	}

	p.logger.Info("killing", "pid", p.pid, "signal", signalName(sig))
	if err := p.spawner.Kill(p.pid, sig); err != nil {
		diag := fmt.Errorf("unknown problem killing %q (pid %d): %w", p.cfg.Name, p.pid, err)
		p.logger.Error("kill failed", "error", diag)
		p.change(states.Unknown)
		p.pid = 0
		p.killing = false
		p.delay = time.Time{}
		return diag
	}
	return nil
}

// Signal delivers sig to the child without any stop bookkeeping. Used
// for operator-sent signals like HUP or USR1.
func (p *Subprocess) Signal(sig syscall.Signal) error {
	if p.pid == 0 {
		return fmt.Errorf("process %q is not running", p.cfg.Name)
	}
	p.logger.Info("signaling", "pid", p.pid, "signal", signalName(sig))
	if err := p.spawner.Kill(p.pid, sig); err != nil {
		return fmt.Errorf("signaling %q (pid %d): %w", p.cfg.Name, p.pid, err)
	}
	return nil
}

// Finish handles the reap of the child with the given wait status.
// Called by the run loop's reaper, never from a signal handler.
func (p *Subprocess) Finish(ws WaitStatus) {
	// Anything the child wrote after the last poll is still sitting in
	// the pipes. Pull it into the logs before they are closed.
	p.drain()

	now := p.clock.Now()
	es := ws.ExitCode()
	tooQuickly := now.Sub(p.laststart) < time.Duration(p.cfg.Startsecs)*time.Second
	badExit := !p.cfg.ExpectedExit(es)

	// A busy listener died with an event in flight: reject it back to
	// the pool before the dispatchers go away.
	if p.inFlight != nil {
		ev := p.inFlight
		p.inFlight = nil
		if p.bus != nil {
			p.bus.Notify(&events.EventRejectedEvent{Process: p, Event: ev})
		}
	}
	p.listenerState = states.ListenerAcknowledged

	switch {
	case p.state == states.Unknown:
		// Supervision was already lost; bookkeeping only.
		p.logger.Warn("reaped child in UNKNOWN state", "status", ws.String())

	case p.killing:
		p.killing = false
		p.delay = time.Time{}
		code := es
		p.exitStatus = &code
		p.logger.Info("stopped", "status", ws.String())
		p.assertState(states.Stopping)
		p.change(states.Stopped)

	case !tooQuickly && !badExit:
		p.delay = time.Time{}
		p.backoff = 0
		code := es
		p.exitStatus = &code
		if p.state == states.Starting {
			// Reaped between spawn and the first transition tick; both
			// transitions are emitted, never collapsed.
			p.change(states.Running)
		}
		p.logger.Info("exited", "status", ws.String(), "expected", true)
		p.assertState(states.Running)
		p.change(states.Exited)

	case tooQuickly:
		p.exitStatus = nil
		p.spawnErr = "Exited too quickly (process log may have details)"
		p.logger.Warn("exited too quickly", "status", ws.String())
		p.assertState(states.Starting)
		p.change(states.Backoff)

	default: // unexpected exit code
		p.exitStatus = nil
		p.spawnErr = fmt.Sprintf("Bad exit code %d", es)
		p.logger.Warn("exited", "status", ws.String(), "expected", false)
		p.assertState(states.Starting, states.Running)
		if p.state == states.Starting {
			p.change(states.Backoff)
		} else {
			p.change(states.Exited)
		}
	}

	p.laststop = now
	if p.pidHistory != nil {
		delete(p.pidHistory, p.pid)
	}
	p.pid = 0
	p.dropDispatchers()
}

// teardownPipes closes everything created for a spawn that failed
// before the child existed, both pipe ends included.
func (p *Subprocess) teardownPipes() {
	for _, d := range p.dispatchers {
		d.Close()
	}
	p.dispatchers = map[int]Dispatcher{}
	if p.pipes != nil {
		p.pipes.CloseAll()
		p.pipes = nil
	}
}

// drain gives every dispatcher a final pass: output channels read to
// EOF or EAGAIN, buffered stdin flushed. Read errors close the
// dispatcher on their own and EPIPE on stdin is expected of a dead
// child, so failures are not propagated.
func (p *Subprocess) drain() {
	for _, d := range p.dispatchers {
		if d.Readable() {
			_ = d.HandleReadEvent()
		}
		if d.Writable() {
			_ = d.HandleWriteEvent()
		}
	}
}

// dropDispatchers closes every dispatcher and the parent pipe ends.
func (p *Subprocess) dropDispatchers() {
	for _, d := range p.dispatchers {
		d.Close()
	}
	p.dispatchers = map[int]Dispatcher{}
	if p.pipes != nil {
		p.pipes.CloseParent()
		p.pipes = nil
	}
}

// Write appends data to the child's stdin buffer. Writing to a child
// that is gone, being killed, or has no stdin fails with an error
// wrapping EPIPE.
func (p *Subprocess) Write(data []byte) error {
	if p.pid == 0 || p.killing {
		return fmt.Errorf("process %q not accepting input: %w", p.cfg.Name, syscall.EPIPE)
	}
	in := p.stdinDispatcher()
	if in == nil {
		return fmt.Errorf("process %q has no stdin: %w", p.cfg.Name, syscall.EPIPE)
	}
	return in.Write(data)
}

func (p *Subprocess) stdinDispatcher() *InputDispatcher {
	for _, d := range p.dispatchers {
		if in, ok := d.(*InputDispatcher); ok {
			return in
		}
	}
	return nil
}

// ListenerState returns the event-protocol state of a listener child.
func (p *Subprocess) ListenerState() states.ListenerState { return p.listenerState }

func (p *Subprocess) setListenerState(s states.ListenerState) {
	if p.listenerState != s {
		p.logger.Debug("listener state", "from", p.listenerState, "to", s)
	}
	p.listenerState = s
}

func (p *Subprocess) setInFlight(ev events.Event) { p.inFlight = ev }
func (p *Subprocess) clearInFlight()              { p.inFlight = nil }

func (p *Subprocess) takeInFlight() events.Event {
	ev := p.inFlight
	p.inFlight = nil
	return ev
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(unix.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}
