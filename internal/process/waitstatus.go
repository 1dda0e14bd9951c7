package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitStatus is the decoded result of reaping a child.
type WaitStatus struct {
	raw unix.WaitStatus
}

// NewWaitStatus wraps a raw wait status from Wait4.
func NewWaitStatus(ws unix.WaitStatus) WaitStatus { return WaitStatus{raw: ws} }

// Exited builds a WaitStatus for a clean exit with the given code.
// Test helper and convenience for mock reapers.
func Exited(code int) WaitStatus {
	return WaitStatus{raw: unix.WaitStatus(code&0xff) << 8}
}

// Signaled builds a WaitStatus for termination by sig.
func Signaled(sig unix.Signal) WaitStatus {
	return WaitStatus{raw: unix.WaitStatus(sig)}
}

// ExitCode returns the decoded exit code, or -1 if the child was
// terminated by a signal.
func (w WaitStatus) ExitCode() int {
	if w.raw.Exited() {
		return w.raw.ExitStatus()
	}
	return -1
}

func (w WaitStatus) String() string {
	if w.raw.Exited() {
		return fmt.Sprintf("exit status %d", w.raw.ExitStatus())
	}
	if w.raw.Signaled() {
		name := unix.SignalName(w.raw.Signal())
		if name == "" {
			name = fmt.Sprintf("signal %d", int(w.raw.Signal()))
		}
		return fmt.Sprintf("terminated by %s", name)
	}
	return fmt.Sprintf("wait status %d", int(w.raw))
}
