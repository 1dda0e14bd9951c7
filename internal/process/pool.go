package process

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/states"
)

// ListenerPool is a Group of event listener children plus a bounded
// FIFO buffer of undelivered events. Events matching the pool's
// subscriptions are delivered to the first READY listener's stdin;
// with none available they are buffered and retried every tick.
// Delivery is at-least-once: a listener that answers FAIL or dies
// while busy gets its event re-buffered.
type ListenerPool struct {
	*Group

	bus        *events.Bus
	logger     *slog.Logger
	bufferSize int
	buffer     []events.Event
}

// NewListenerPool creates the pool and subscribes it to the given
// event types plus the rejection channel. bufferSize must be positive.
func NewListenerPool(group *Group, bus *events.Bus, logger *slog.Logger, bufferSize int, subscribeTo []*events.Type) *ListenerPool {
	pool := &ListenerPool{
		Group:      group,
		bus:        bus,
		logger:     logger.With("pool", group.Name()),
		bufferSize: bufferSize,
	}
	for _, t := range subscribeTo {
		bus.Subscribe(t, func(ev events.Event) {
			pool.Dispatch(ev, true)
		})
	}
	bus.Subscribe(events.EventRejected, pool.handleRejected)
	return pool
}

// BufferedEvents returns the number of undelivered events held.
func (pool *ListenerPool) BufferedEvents() int { return len(pool.buffer) }

// Dispatch offers ev to the pool. The first member in READY state gets
// the serialized envelope appended to its stdin buffer and turns BUSY
// with the event attached. A member whose stdin is already gone is
// skipped. When no member accepts and allowBuffer is set, the event is
// buffered; otherwise the caller keeps it. Returns whether a listener
// accepted the event.
func (pool *ListenerPool) Dispatch(ev events.Event, allowBuffer bool) bool {
	serialize, ok := events.SerializerFor(ev.Type())
	if !ok {
		panic(fmt.Sprintf("no serializer for event type %s", ev.Type().Name()))
	}
	envelope := events.Envelope(ev.Type(), serialize(ev))

	for _, p := range pool.Processes() {
		if p.ListenerState() != states.ListenerReady {
			continue
		}
		if err := p.Write([]byte(envelope)); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				pool.logger.Debug("listener stdin closed, skipping",
					"listener", p.Name(), "event", ev.Type().Name())
				continue
			}
			pool.logger.Error("listener write failed",
				"listener", p.Name(), "error", err)
			continue
		}
		p.setListenerState(states.ListenerBusy)
		p.setInFlight(ev)
		return true
	}

	if allowBuffer {
		pool.bufferEvent(ev)
	}
	return false
}

// bufferEvent appends ev, evicting the oldest entry when full. The
// eviction is announced with an EventBufferOverflowEvent, which may be
// routed to other pools but is never buffered here.
func (pool *ListenerPool) bufferEvent(ev events.Event) {
	if ev.Type().Is(events.EventBufferOverflow) {
		return
	}
	if len(pool.buffer) >= pool.bufferSize {
		discarded := pool.buffer[0]
		pool.buffer = pool.buffer[1:]
		pool.logger.Warn("event buffer overflowed, discarding oldest",
			"discarded", discarded.Type().Name(), "capacity", pool.bufferSize)
		pool.bus.Notify(&events.EventBufferOverflowEvent{Group: pool, Event: discarded})
	}
	pool.buffer = append(pool.buffer, ev)
}

// handleRejected re-buffers an event a pool member failed to process.
func (pool *ListenerPool) handleRejected(ev events.Event) {
	rej := ev.(*events.EventRejectedEvent)
	p, ok := rej.Process.(*Subprocess)
	if !ok || pool.Process(p.Name()) != p {
		return
	}
	pool.logger.Debug("event rejected, rebuffering",
		"listener", p.Name(), "event", rej.Event.Type().Name())
	pool.bufferEvent(rej.Event)
}

// Transition runs the group tick, then retries the oldest buffered
// event. An event no listener accepts goes back to the front so FIFO
// order survives the retry.
func (pool *ListenerPool) Transition(now time.Time) {
	pool.Group.Transition(now)
	if len(pool.buffer) == 0 {
		return
	}
	ev := pool.buffer[0]
	pool.buffer = pool.buffer[1:]
	if !pool.Dispatch(ev, false) {
		pool.buffer = append([]events.Event{ev}, pool.buffer...)
	}
}
