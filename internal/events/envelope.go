package events

import "fmt"

// Capture tokens. When capture mode is enabled for a channel, data a
// child writes between the tokens is published as a
// ProcessCommunicationEvent for that channel.
const (
	CaptureBeginToken = "<!--XSUPERVISOR:BEGIN-->"
	CaptureEndToken   = "<!--XSUPERVISOR:END-->"
)

// Serializer renders an event's payload for the listener protocol.
type Serializer func(Event) string

// Serializers are resolved first-match by subtree, so an entry covers
// its whole hierarchy branch. EventRejectedEvent has no serializer on
// purpose: rejections are pool bookkeeping, not listener traffic.
var serializers = []struct {
	typ *Type
	fn  Serializer
}{
	{ProcessCommunication, serializeProcessCommunication},
	{EventBufferOverflow, serializeBufferOverflow},
	{ProcessStateChange, serializeProcessStateChange},
	{SupervisorStateChange, serializeSupervisorStateChange},
}

// SerializerFor returns the serializer registered for typ or one of
// its ancestors.
func SerializerFor(typ *Type) (Serializer, bool) {
	for _, s := range serializers {
		if typ.Is(s.typ) {
			return s.fn, true
		}
	}
	return nil, false
}

// Envelope frames a serialized payload for a listener's stdin:
//
//	SUPERVISORD3.0 <EVENT_NAME> <LEN>\n<payload>
//
// LEN is the payload byte length; there is no framing after the
// payload, the listener reads exactly LEN bytes.
func Envelope(typ *Type, payload string) string {
	return fmt.Sprintf("SUPERVISORD3.0 %s %d\n%s", typ.Name(), len(payload), payload)
}

func serializeProcessCommunication(ev Event) string {
	e := ev.(*ProcessCommunicationEvent)
	return fmt.Sprintf("process_name: %s\nchannel: %s\n%s", e.Process.Name(), e.Channel, e.Data)
}

func serializeBufferOverflow(ev Event) string {
	e := ev.(*EventBufferOverflowEvent)
	return fmt.Sprintf("group_name: %s\nevent_type: %s", e.Group.Name(), NameByType(e.Event.Type()))
}

func serializeProcessStateChange(ev Event) string {
	e := ev.(*ProcessStateChangeEvent)
	return fmt.Sprintf("process_name: %s\n", e.Process.Name())
}

func serializeSupervisorStateChange(Event) string {
	return ""
}
