// Package states defines the lifecycle enumerations shared by the
// process core and the event system.
package states

import "fmt"

// ProcessState represents a supervised process lifecycle state.
type ProcessState int

const (
	Stopped  ProcessState = iota // STOPPED: not running
	Starting                     // STARTING: spawned, waiting for startsecs
	Running                      // RUNNING: successfully started
	Backoff                      // BACKOFF: failed start, waiting to retry
	Stopping                     // STOPPING: stop signal sent, waiting for exit
	Exited                       // EXITED: exited on its own from RUNNING
	Fatal                        // FATAL: retries exhausted
	Unknown                      // UNKNOWN: supervision lost (kill failed)
)

var processStateNames = [...]string{
	"STOPPED", "STARTING", "RUNNING", "BACKOFF", "STOPPING", "EXITED", "FATAL", "UNKNOWN",
}

func (s ProcessState) String() string {
	if s >= 0 && int(s) < len(processStateNames) {
		return processStateNames[s]
	}
	return fmt.Sprintf("ProcessState(%d)", int(s))
}

// HasProcess reports whether the state implies a live child pid.
func (s ProcessState) HasProcess() bool {
	return s == Starting || s == Running || s == Stopping
}

// Stoppable reports whether an administrative stop is meaningful in
// this state.
func (s ProcessState) Stoppable() bool {
	return s == Running || s == Starting
}

// Startable reports whether a spawn is legal from this state.
func (s ProcessState) Startable() bool {
	return s == Stopped || s == Exited || s == Fatal || s == Backoff
}

// ListenerState represents the event-protocol state of a listener
// child, driven by the tokens it writes to stdout.
type ListenerState int

const (
	ListenerAcknowledged ListenerState = iota // result received, READY not yet seen
	ListenerReady                             // announced READY, deliverable
	ListenerBusy                              // event in flight, awaiting OK/FAIL
	ListenerUnknown                           // protocol violation, undeliverable
)

var listenerStateNames = [...]string{
	"ACKNOWLEDGED", "READY", "BUSY", "UNKNOWN",
}

func (s ListenerState) String() string {
	if s >= 0 && int(s) < len(listenerStateNames) {
		return listenerStateNames[s]
	}
	return fmt.Sprintf("ListenerState(%d)", int(s))
}

// SupervisorState represents the daemon lifecycle.
type SupervisorState int

const (
	SupervisorRunning SupervisorState = iota
	SupervisorStopping
	SupervisorStopped
)

var supervisorStateNames = [...]string{
	"RUNNING", "STOPPING", "STOPPED",
}

func (s SupervisorState) String() string {
	if s >= 0 && int(s) < len(supervisorStateNames) {
		return supervisorStateNames[s]
	}
	return fmt.Sprintf("SupervisorState(%d)", int(s))
}
