package process

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/logging"
	"github.com/stewardteam/steward/internal/states"
)

// Pipes holds both ends of a child's standard-stream pipes. Parent
// ends are non-blocking and owned by dispatchers; child ends are
// handed to the spawner and closed by the parent after a successful
// start. ChildStderr is nil when stderr is redirected onto stdout.
type Pipes struct {
	Stdin  *os.File // parent write end -> child fd 0
	Stdout *os.File // parent read end <- child fd 1
	Stderr *os.File // parent read end <- child fd 2, nil if redirected

	ChildStdin  *os.File
	ChildStdout *os.File
	ChildStderr *os.File
}

// NewPipes creates the pipe pairs for one child. Parent ends are set
// non-blocking. On any failure every fd created so far is closed.
func NewPipes(redirectStderr bool) (*Pipes, error) {
	p := &Pipes{}
	fail := func(err error) (*Pipes, error) {
		p.CloseAll()
		return nil, fmt.Errorf("can't make pipes: %w", err)
	}

	var err error
	if p.ChildStdin, p.Stdin, err = makePipe(); err != nil {
		return fail(err)
	}
	if p.Stdout, p.ChildStdout, err = makePipe(); err != nil {
		return fail(err)
	}
	if !redirectStderr {
		if p.Stderr, p.ChildStderr, err = makePipe(); err != nil {
			return fail(err)
		}
	}
	return p, nil
}

// makePipe returns (read end, write end) with the parent-facing end
// left blocking-agnostic; callers mark their end non-blocking.
func makePipe() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return r, w, nil
}

// CloseChild closes the child-side ends after a successful start.
func (p *Pipes) CloseChild() {
	closeFile(&p.ChildStdin)
	closeFile(&p.ChildStdout)
	closeFile(&p.ChildStderr)
}

// CloseParent closes the parent-side ends on reap.
func (p *Pipes) CloseParent() {
	closeFile(&p.Stdin)
	closeFile(&p.Stdout)
	closeFile(&p.Stderr)
}

// CloseAll closes every end that is still open.
func (p *Pipes) CloseAll() {
	p.CloseChild()
	p.CloseParent()
}

func closeFile(f **os.File) {
	if *f != nil {
		(*f).Close()
		*f = nil
	}
}

// Dispatcher is one registered fd of a child: either the parent write
// end of its stdin or a parent read end of an output channel. The run
// loop polls FD() and calls the handler matching the ready condition.
type Dispatcher interface {
	FD() int
	Readable() bool
	Writable() bool
	HandleReadEvent() error
	HandleWriteEvent() error
	Close()
}

// DispatcherFactory builds the dispatchers and pipes for a subprocess
// about to be spawned.
type DispatcherFactory func(p *Subprocess) (map[int]Dispatcher, *Pipes, error)

// NullDispatcherFactory creates no pipes and no dispatchers. Tests use
// it when child I/O is irrelevant.
func NullDispatcherFactory(*Subprocess) (map[int]Dispatcher, *Pipes, error) {
	return map[int]Dispatcher{}, &Pipes{}, nil
}

// InputDispatcher owns the parent write end of a child's stdin pipe.
// Write only appends to the in-memory buffer; actual fd writes happen
// in HandleWriteEvent when the run loop reports the fd writable.
type InputDispatcher struct {
	proc   *Subprocess
	file   *os.File
	fd     int
	buf    []byte
	closed bool
	logger *slog.Logger
}

// NewInputDispatcher wraps the parent write end of the stdin pipe.
func NewInputDispatcher(p *Subprocess, f *os.File, logger *slog.Logger) *InputDispatcher {
	fd := int(f.Fd())
	_ = unix.SetNonblock(fd, true)
	return &InputDispatcher{
		proc:   p,
		file:   f,
		fd:     fd,
		logger: logger.With("channel", "stdin"),
	}
}

func (d *InputDispatcher) FD() int        { return d.fd }
func (d *InputDispatcher) Readable() bool { return false }
func (d *InputDispatcher) Writable() bool { return len(d.buf) > 0 && !d.closed }

// Write appends data to the input buffer. It fails with a wrapped
// EPIPE once the dispatcher is closed.
func (d *InputDispatcher) Write(data []byte) error {
	if d.closed {
		return fmt.Errorf("stdin dispatcher closed: %w", syscall.EPIPE)
	}
	d.buf = append(d.buf, data...)
	return nil
}

// Buffered returns the bytes not yet flushed to the child.
func (d *InputDispatcher) Buffered() int { return len(d.buf) }

// HandleWriteEvent flushes as much of the buffer as the pipe accepts.
// EPIPE means the child is gone; it is logged at debug and closes the
// dispatcher. Other errors are returned to the run loop.
func (d *InputDispatcher) HandleWriteEvent() error {
	if d.closed || len(d.buf) == 0 {
		return nil
	}
	n, err := unix.Write(d.fd, d.buf)
	if n > 0 {
		d.buf = d.buf[n:]
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.EPIPE) {
			d.logger.Debug("stdin pipe closed by child")
			d.Close()
			return nil
		}
		d.logger.Error("stdin write failed", "error", err)
		d.Close()
		return err
	}
	return nil
}

func (d *InputDispatcher) HandleReadEvent() error { return nil }

func (d *InputDispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.buf = nil
	_ = d.file.Close()
}

// OutputDispatcher owns a parent read end of a child's stdout or
// stderr pipe. Data is appended to the capture writer; when capture
// mode is on, spans delimited by the capture tokens are published as
// ProcessCommunicationEvents instead of logged.
type OutputDispatcher struct {
	proc    *Subprocess
	channel string // "stdout" or "stderr"
	file    *os.File
	fd      int
	capture *logging.CaptureWriter
	bus     *events.Bus
	logger  *slog.Logger
	closed  bool

	captureMode bool
	inToken     bool
	pending     []byte // partial token tail or in-progress capture body
}

// NewOutputDispatcher wraps a parent read end. capture may be nil when
// the channel's output is discarded.
func NewOutputDispatcher(p *Subprocess, channel string, f *os.File, capture *logging.CaptureWriter, bus *events.Bus, logger *slog.Logger, captureMode bool) *OutputDispatcher {
	fd := int(f.Fd())
	_ = unix.SetNonblock(fd, true)
	return &OutputDispatcher{
		proc:        p,
		channel:     channel,
		file:        f,
		fd:          fd,
		capture:     capture,
		bus:         bus,
		logger:      logger.With("channel", channel),
		captureMode: captureMode,
	}
}

func (d *OutputDispatcher) FD() int        { return d.fd }
func (d *OutputDispatcher) Readable() bool { return !d.closed }
func (d *OutputDispatcher) Writable() bool { return false }

func (d *OutputDispatcher) HandleWriteEvent() error { return nil }

// HandleReadEvent drains the pipe. A zero-length read is EOF: the
// child closed its end (usually by exiting).
func (d *OutputDispatcher) HandleReadEvent() error {
	if d.closed {
		return nil
	}
	buf := make([]byte, 8192)
	for {
		n, err := unix.Read(d.fd, buf)
		if n > 0 {
			d.receive(buf[:n])
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			d.logger.Error("read failed", "error", err)
			d.Close()
			return err
		}
		if n == 0 {
			d.Close()
			return nil
		}
		if n < len(buf) {
			return nil
		}
	}
}

// receive routes data to the capture writer, peeling out token-framed
// communication spans when capture mode is enabled.
func (d *OutputDispatcher) receive(data []byte) {
	if !d.captureMode {
		d.emit(data)
		return
	}

	d.pending = append(d.pending, data...)
	for {
		if !d.inToken {
			idx := bytes.Index(d.pending, []byte(events.CaptureBeginToken))
			if idx < 0 {
				flush := holdTail(d.pending, len(events.CaptureBeginToken))
				d.emit(d.pending[:flush])
				d.pending = d.pending[flush:]
				return
			}
			d.emit(d.pending[:idx])
			d.pending = d.pending[idx+len(events.CaptureBeginToken):]
			d.inToken = true
		}
		idx := bytes.Index(d.pending, []byte(events.CaptureEndToken))
		if idx < 0 {
			return
		}
		body := string(d.pending[:idx])
		d.pending = d.pending[idx+len(events.CaptureEndToken):]
		d.inToken = false
		if d.bus != nil {
			d.bus.Notify(&events.ProcessCommunicationEvent{
				Process: d.proc,
				Channel: d.channel,
				Data:    body,
			})
		}
	}
}

// holdTail returns how many bytes of buf can be emitted while keeping
// enough tail to detect a token split across reads.
func holdTail(buf []byte, tokenLen int) int {
	keep := tokenLen - 1
	if keep > len(buf) {
		keep = len(buf)
	}
	return len(buf) - keep
}

func (d *OutputDispatcher) emit(data []byte) {
	if len(data) == 0 {
		return
	}
	if d.capture != nil {
		_, _ = d.capture.Write(data)
	}
}

// RemoveLogs truncates the channel's log file.
func (d *OutputDispatcher) RemoveLogs() error {
	if d.capture == nil {
		return nil
	}
	return d.capture.Remove()
}

// ReopenLogs reopens the channel's log file for external rotation.
func (d *OutputDispatcher) ReopenLogs() error {
	if d.capture == nil {
		return nil
	}
	return d.capture.Reopen()
}

func (d *OutputDispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	if len(d.pending) > 0 && !d.inToken {
		d.emit(d.pending)
		d.pending = nil
	}
	_ = d.file.Close()
}

// ListenerDispatcher reads an event listener's stdout and drives the
// listener protocol: the child writes "READY\n" when it can accept an
// event, and answers a delivery with "OK\n" or "FAIL\n". Anything else
// moves the listener to UNKNOWN and stops delivery to it. Raw protocol
// traffic is still appended to the capture writer for debugging.
type ListenerDispatcher struct {
	proc    *Subprocess
	file    *os.File
	fd      int
	capture *logging.CaptureWriter
	bus     *events.Bus
	logger  *slog.Logger
	closed  bool
	line    []byte
}

// Protocol tokens, one per line on the listener's stdout.
const (
	listenerReadyToken = "READY"
	listenerOKToken    = "OK"
	listenerFailToken  = "FAIL"
)

// NewListenerDispatcher wraps the stdout read end of a listener child.
func NewListenerDispatcher(p *Subprocess, f *os.File, capture *logging.CaptureWriter, bus *events.Bus, logger *slog.Logger) *ListenerDispatcher {
	fd := int(f.Fd())
	_ = unix.SetNonblock(fd, true)
	return &ListenerDispatcher{
		proc:    p,
		file:    f,
		fd:      fd,
		capture: capture,
		bus:     bus,
		logger:  logger.With("channel", "stdout"),
	}
}

func (d *ListenerDispatcher) FD() int        { return d.fd }
func (d *ListenerDispatcher) Readable() bool { return !d.closed }
func (d *ListenerDispatcher) Writable() bool { return false }

func (d *ListenerDispatcher) HandleWriteEvent() error { return nil }

func (d *ListenerDispatcher) HandleReadEvent() error {
	if d.closed {
		return nil
	}
	buf := make([]byte, 8192)
	for {
		n, err := unix.Read(d.fd, buf)
		if n > 0 {
			if d.capture != nil {
				_, _ = d.capture.Write(buf[:n])
			}
			d.scan(buf[:n])
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			d.logger.Error("read failed", "error", err)
			d.Close()
			return err
		}
		if n == 0 {
			d.Close()
			return nil
		}
		if n < len(buf) {
			return nil
		}
	}
}

func (d *ListenerDispatcher) scan(data []byte) {
	d.line = append(d.line, data...)
	for {
		idx := bytes.IndexByte(d.line, '\n')
		if idx < 0 {
			return
		}
		token := string(bytes.TrimSpace(d.line[:idx]))
		d.line = d.line[idx+1:]
		d.handleToken(token)
	}
}

func (d *ListenerDispatcher) handleToken(token string) {
	switch {
	case token == listenerReadyToken:
		if d.proc.ListenerState() == states.ListenerAcknowledged {
			d.proc.setListenerState(states.ListenerReady)
		}
	case token == listenerOKToken && d.proc.ListenerState() == states.ListenerBusy:
		d.proc.clearInFlight()
		d.proc.setListenerState(states.ListenerAcknowledged)
	case token == listenerFailToken && d.proc.ListenerState() == states.ListenerBusy:
		ev := d.proc.takeInFlight()
		d.proc.setListenerState(states.ListenerAcknowledged)
		if ev != nil && d.bus != nil {
			d.bus.Notify(&events.EventRejectedEvent{Process: d.proc, Event: ev})
		}
	case token == "":
		// Blank lines between results are tolerated.
	default:
		d.logger.Warn("listener protocol violation", "token", token)
		d.proc.setListenerState(states.ListenerUnknown)
	}
}

func (d *ListenerDispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	_ = d.file.Close()
}
