// Package events provides the typed event system of the steward
// supervisor: a hierarchy of event type tags, the concrete event
// values, and the synchronous publish-subscribe bus that connects the
// process core to listeners, metrics, and the API.
package events

import (
	"fmt"

	"github.com/stewardteam/steward/internal/states"
)

// Type identifies an event class. Types form a hierarchy through
// parent pointers; subscribing to a type also matches every type
// descending from it.
type Type struct {
	name   string
	parent *Type
}

// Name returns the canonical event name used in envelopes and config.
func (t *Type) Name() string { return t.name }

// Is reports whether t equals ancestor or descends from it.
func (t *Type) Is(ancestor *Type) bool {
	for c := t; c != nil; c = c.parent {
		if c == ancestor {
			return true
		}
	}
	return false
}

var typesByName = make(map[string]*Type)

func declare(name string, parent *Type) *Type {
	if _, dup := typesByName[name]; dup {
		panic("events: duplicate event type " + name)
	}
	t := &Type{name: name, parent: parent}
	typesByName[name] = t
	return t
}

// The declared event types. Transition types carry the (from, to)
// pair in their name; abstract types group them for subscription.
var (
	Any = declare("Event", nil)

	ProcessStateChange   = declare("ProcessStateChangeEvent", Any)
	StartingFromStopped  = declare("StartingFromStoppedEvent", ProcessStateChange)
	StartingFromBackoff  = declare("StartingFromBackoffEvent", ProcessStateChange)
	StartingFromExited   = declare("StartingFromExitedEvent", ProcessStateChange)
	StartingFromFatal    = declare("StartingFromFatalEvent", ProcessStateChange)
	RunningFromStarting  = declare("RunningFromStartingEvent", ProcessStateChange)
	BackoffFromStarting  = declare("BackoffFromStartingEvent", ProcessStateChange)
	StoppingFromRunning  = declare("StoppingFromRunningEvent", ProcessStateChange)
	StoppingFromStarting = declare("StoppingFromStartingEvent", ProcessStateChange)
	ExitedOrStopped      = declare("ExitedOrStoppedEvent", ProcessStateChange)
	ExitedFromRunning    = declare("ExitedFromRunningEvent", ExitedOrStopped)
	StoppedFromStopping  = declare("StoppedFromStoppingEvent", ExitedOrStopped)
	FatalFromBackoff     = declare("FatalFromBackoffEvent", ProcessStateChange)
	ToUnknown            = declare("ToUnknownEvent", ProcessStateChange)

	ProcessCommunication       = declare("ProcessCommunicationEvent", Any)
	ProcessCommunicationStdout = declare("ProcessCommunicationStdoutEvent", ProcessCommunication)
	ProcessCommunicationStderr = declare("ProcessCommunicationStderrEvent", ProcessCommunication)

	SupervisorStateChange = declare("SupervisorStateChangeEvent", Any)
	SupervisorRunning     = declare("SupervisorRunningEvent", SupervisorStateChange)
	SupervisorStopping    = declare("SupervisorStoppingEvent", SupervisorStateChange)

	EventBufferOverflow = declare("EventBufferOverflowEvent", Any)

	// EventRejected stands outside the Event hierarchy: a subscriber
	// to the root type does not receive rejections.
	EventRejected = declare("EventRejectedEvent", nil)
)

// TypeByName resolves a canonical event name to its type tag.
func TypeByName(name string) (*Type, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// NameByType returns the canonical name for a type tag.
func NameByType(t *Type) string { return t.name }

// TypeNames returns every declared canonical name.
func TypeNames() []string {
	names := make([]string, 0, len(typesByName))
	for name := range typesByName {
		names = append(names, name)
	}
	return names
}

type stateChange struct {
	from, to states.ProcessState
}

var stateChangeTypes = map[stateChange]*Type{
	{states.Stopped, states.Starting}:  StartingFromStopped,
	{states.Backoff, states.Starting}:  StartingFromBackoff,
	{states.Exited, states.Starting}:   StartingFromExited,
	{states.Fatal, states.Starting}:    StartingFromFatal,
	{states.Starting, states.Running}:  RunningFromStarting,
	{states.Starting, states.Backoff}:  BackoffFromStarting,
	{states.Running, states.Stopping}:  StoppingFromRunning,
	{states.Starting, states.Stopping}: StoppingFromStarting,
	{states.Running, states.Exited}:    ExitedFromRunning,
	{states.Stopping, states.Stopped}:  StoppedFromStopping,
	{states.Backoff, states.Fatal}:     FatalFromBackoff,
}

// TypeForStateChange returns the transition type tag for (from, to).
// Any state may transition to UNKNOWN. An unmapped pair is a
// programmer error: the process core only performs legal transitions.
func TypeForStateChange(from, to states.ProcessState) *Type {
	if to == states.Unknown {
		return ToUnknown
	}
	t, ok := stateChangeTypes[stateChange{from, to}]
	if !ok {
		panic(fmt.Sprintf("events: unknown transition (%s -> %s)", from, to))
	}
	return t
}

// Subject is the view of a supervised process or group that events
// carry. Holders may type-assert for richer access; identity
// comparisons use the interface value.
type Subject interface {
	Name() string
}

// Event is a value published on the Bus.
type Event interface {
	Type() *Type
}

// ProcessStateChangeEvent is notified once per legal transition,
// before the subject's state field is updated: handlers observe the
// subject still in the From state.
type ProcessStateChangeEvent struct {
	Process Subject
	From    states.ProcessState
	To      states.ProcessState
}

func (e *ProcessStateChangeEvent) Type() *Type { return TypeForStateChange(e.From, e.To) }

// ProcessCommunicationEvent carries data a child emitted between the
// capture tokens on one of its output channels.
type ProcessCommunicationEvent struct {
	Process Subject
	Channel string // "stdout" or "stderr"
	Data    string
}

func (e *ProcessCommunicationEvent) Type() *Type {
	switch e.Channel {
	case "stdout":
		return ProcessCommunicationStdout
	case "stderr":
		return ProcessCommunicationStderr
	}
	return ProcessCommunication
}

// SupervisorRunningEvent marks the daemon entering its run loop.
type SupervisorRunningEvent struct{}

func (SupervisorRunningEvent) Type() *Type { return SupervisorRunning }

// SupervisorStoppingEvent marks the beginning of daemon shutdown.
type SupervisorStoppingEvent struct{}

func (SupervisorStoppingEvent) Type() *Type { return SupervisorStopping }

// EventBufferOverflowEvent is notified when a pool discards its oldest
// buffered event to admit a new one. It is never buffered itself.
type EventBufferOverflowEvent struct {
	Group Subject
	Event Event // the discarded event
}

func (e *EventBufferOverflowEvent) Type() *Type { return EventBufferOverflow }

// EventRejectedEvent is notified when a listener answers FAIL for an
// event, or dies with one in flight. The owning pool re-buffers it.
type EventRejectedEvent struct {
	Process Subject
	Event   Event // the rejected event
}

func (e *EventRejectedEvent) Type() *Type { return EventRejected }
