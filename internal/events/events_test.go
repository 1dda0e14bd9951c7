package events

import (
	"strings"
	"testing"

	"github.com/stewardteam/steward/internal/states"
)

type fakeSubject string

func (s fakeSubject) Name() string { return string(s) }

func TestSubscribeAndNotify(t *testing.T) {
	bus := NewBus()
	var received Event
	bus.Subscribe(SupervisorRunning, func(e Event) {
		received = e
	})

	bus.Notify(SupervisorRunningEvent{})

	if received == nil {
		t.Fatal("subscriber not called")
	}
	if received.Type() != SupervisorRunning {
		t.Fatalf("received type %s, want SupervisorRunningEvent", received.Type().Name())
	}
}

func TestSubtypeMatching(t *testing.T) {
	bus := NewBus()
	var parent, exact, root int
	bus.Subscribe(ProcessStateChange, func(Event) { parent++ })
	bus.Subscribe(RunningFromStarting, func(Event) { exact++ })
	bus.Subscribe(Any, func(Event) { root++ })

	bus.Notify(&ProcessStateChangeEvent{
		Process: fakeSubject("web"),
		From:    states.Starting,
		To:      states.Running,
	})

	if parent != 1 || exact != 1 || root != 1 {
		t.Fatalf("counts = parent %d, exact %d, root %d, want 1 each", parent, exact, root)
	}

	// A different transition still matches the parent subscription
	// but not the exact one.
	bus.Notify(&ProcessStateChangeEvent{
		Process: fakeSubject("web"),
		From:    states.Stopped,
		To:      states.Starting,
	})
	if parent != 2 || exact != 1 {
		t.Fatalf("after second event: parent %d (want 2), exact %d (want 1)", parent, exact)
	}
}

func TestExitedOrStoppedGrouping(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(ExitedOrStopped, func(e Event) {
		got = append(got, e.Type().Name())
	})

	bus.Notify(&ProcessStateChangeEvent{Process: fakeSubject("a"), From: states.Running, To: states.Exited})
	bus.Notify(&ProcessStateChangeEvent{Process: fakeSubject("a"), From: states.Stopping, To: states.Stopped})
	bus.Notify(&ProcessStateChangeEvent{Process: fakeSubject("a"), From: states.Stopped, To: states.Starting})

	want := []string{"ExitedFromRunningEvent", "StoppedFromStoppingEvent"}
	if len(got) != len(want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("received %v, want %v", got, want)
		}
	}
}

func TestRejectedOutsideHierarchy(t *testing.T) {
	bus := NewBus()
	var rootCount, rejCount int
	bus.Subscribe(Any, func(Event) { rootCount++ })
	bus.Subscribe(EventRejected, func(Event) { rejCount++ })

	bus.Notify(&EventRejectedEvent{Process: fakeSubject("listener"), Event: SupervisorStoppingEvent{}})

	if rootCount != 0 {
		t.Fatalf("root subscriber received a rejection (count %d)", rootCount)
	}
	if rejCount != 1 {
		t.Fatalf("rejection subscriber count = %d, want 1", rejCount)
	}
}

func TestNotifyOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.Subscribe(Any, func(Event) { order = append(order, 1) })
	bus.Subscribe(SupervisorStateChange, func(Event) { order = append(order, 2) })
	bus.Subscribe(SupervisorStopping, func(Event) { order = append(order, 3) })

	bus.Notify(SupervisorStoppingEvent{})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("handler order = %v, want [1 2 3]", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	var count int
	id := bus.Subscribe(Any, func(Event) { count++ })

	bus.Notify(SupervisorRunningEvent{})
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	bus.Unsubscribe(id)
	bus.Notify(SupervisorRunningEvent{})
	if count != 1 {
		t.Fatalf("count after unsubscribe = %d, want 1", count)
	}
}

func TestUnsubscribeNonexistent(t *testing.T) {
	bus := NewBus()
	// Should not panic.
	bus.Unsubscribe(9999)
}

func TestReentrantNotify(t *testing.T) {
	bus := NewBus()
	var inner int
	bus.Subscribe(EventBufferOverflow, func(Event) { inner++ })
	bus.Subscribe(SupervisorRunning, func(Event) {
		bus.Notify(&EventBufferOverflowEvent{
			Group: fakeSubject("pool"),
			Event: SupervisorRunningEvent{},
		})
	})

	bus.Notify(SupervisorRunningEvent{})

	if inner != 1 {
		t.Fatalf("nested notify delivered %d times, want 1", inner)
	}
}

func TestNameBijection(t *testing.T) {
	names := TypeNames()
	seen := make(map[string]bool)
	for _, name := range names {
		typ, ok := TypeByName(name)
		if !ok {
			t.Fatalf("TypeByName(%q) not found", name)
		}
		if got := NameByType(typ); got != name {
			t.Fatalf("NameByType(TypeByName(%q)) = %q", name, got)
		}
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}

	for _, want := range []string{
		"Event",
		"ProcessStateChangeEvent",
		"StartingFromStoppedEvent",
		"StartingFromBackoffEvent",
		"StartingFromExitedEvent",
		"StartingFromFatalEvent",
		"RunningFromStartingEvent",
		"BackoffFromStartingEvent",
		"StoppingFromRunningEvent",
		"StoppingFromStartingEvent",
		"ExitedOrStoppedEvent",
		"ExitedFromRunningEvent",
		"StoppedFromStoppingEvent",
		"FatalFromBackoffEvent",
		"ToUnknownEvent",
		"ProcessCommunicationEvent",
		"ProcessCommunicationStdoutEvent",
		"ProcessCommunicationStderrEvent",
		"SupervisorStateChangeEvent",
		"SupervisorRunningEvent",
		"SupervisorStoppingEvent",
		"EventBufferOverflowEvent",
		"EventRejectedEvent",
	} {
		if !seen[want] {
			t.Errorf("declared types missing %q", want)
		}
	}
}

func TestTypeForStateChange(t *testing.T) {
	tests := []struct {
		from, to states.ProcessState
		want     *Type
	}{
		{states.Stopped, states.Starting, StartingFromStopped},
		{states.Backoff, states.Starting, StartingFromBackoff},
		{states.Exited, states.Starting, StartingFromExited},
		{states.Fatal, states.Starting, StartingFromFatal},
		{states.Starting, states.Running, RunningFromStarting},
		{states.Starting, states.Backoff, BackoffFromStarting},
		{states.Running, states.Stopping, StoppingFromRunning},
		{states.Starting, states.Stopping, StoppingFromStarting},
		{states.Running, states.Exited, ExitedFromRunning},
		{states.Stopping, states.Stopped, StoppedFromStopping},
		{states.Backoff, states.Fatal, FatalFromBackoff},
		{states.Stopping, states.Unknown, ToUnknown},
		{states.Running, states.Unknown, ToUnknown},
	}
	for _, tt := range tests {
		if got := TypeForStateChange(tt.from, tt.to); got != tt.want {
			t.Errorf("TypeForStateChange(%s, %s) = %s, want %s",
				tt.from, tt.to, got.Name(), tt.want.Name())
		}
	}
}

func TestTypeForStateChangeIllegal(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for illegal transition")
		} else if !strings.Contains(r.(string), "unknown transition") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	TypeForStateChange(states.Stopped, states.Running)
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(ProcessStateChange, func(Event) {})
	bus.Subscribe(RunningFromStarting, func(Event) {})

	if n := bus.SubscriberCount(RunningFromStarting); n != 2 {
		t.Fatalf("SubscriberCount(RunningFromStarting) = %d, want 2", n)
	}
	if n := bus.SubscriberCount(ProcessStateChange); n != 1 {
		t.Fatalf("SubscriberCount(ProcessStateChange) = %d, want 1", n)
	}
}
