package process

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/logging"
	"github.com/stewardteam/steward/internal/states"
)

func testCapture(t *testing.T) *logging.CaptureWriter {
	t.Helper()
	cw, err := logging.NewCaptureWriter(logging.CaptureConfig{
		ProcessName: "web",
		Stream:      "stdout",
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return cw
}

func pipePair(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func TestInputDispatcherBuffersAndFlushes(t *testing.T) {
	p, _, _, _ := newTestProc(t, testConfig("web"))
	r, w := pipePair(t)
	d := NewInputDispatcher(p, w, testLogger())

	if d.Writable() {
		t.Fatal("empty dispatcher should not be writable")
	}
	if err := d.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if !d.Writable() {
		t.Fatal("dispatcher with buffered data should be writable")
	}

	if err := d.HandleWriteEvent(); err != nil {
		t.Fatal(err)
	}
	if d.Buffered() != 0 {
		t.Fatalf("Buffered = %d after flush, want 0", d.Buffered())
	}

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello\n" {
		t.Fatalf("pipe carried %q", buf[:n])
	}
}

func TestInputDispatcherEPIPEClosesQuietly(t *testing.T) {
	p, _, _, _ := newTestProc(t, testConfig("web"))
	r, w := pipePair(t)
	d := NewInputDispatcher(p, w, testLogger())
	r.Close()

	if err := d.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	// EPIPE is the child going away, not a run loop error.
	if err := d.HandleWriteEvent(); err != nil {
		t.Fatalf("HandleWriteEvent = %v, want nil on EPIPE", err)
	}
	if d.Writable() {
		t.Fatal("dispatcher should be closed after EPIPE")
	}
	if err := d.Write([]byte("more")); !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("Write after close = %v, want wrapped EPIPE", err)
	}
}

func TestOutputDispatcherAppendsToCapture(t *testing.T) {
	p, _, _, bus := newTestProc(t, testConfig("web"))
	r, w := pipePair(t)
	cw := testCapture(t)
	d := NewOutputDispatcher(p, "stdout", r, cw, bus, testLogger(), false)

	if _, err := w.Write([]byte("some output\n")); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleReadEvent(); err != nil {
		t.Fatal(err)
	}
	if got := cw.ReadTail(1024); !bytes.Contains(got, []byte("some output")) {
		t.Fatalf("capture = %q", got)
	}
}

func TestOutputDispatcherClosesOnEOF(t *testing.T) {
	p, _, _, bus := newTestProc(t, testConfig("web"))
	r, w := pipePair(t)
	d := NewOutputDispatcher(p, "stdout", r, testCapture(t), bus, testLogger(), false)

	w.Close()
	if err := d.HandleReadEvent(); err != nil {
		t.Fatal(err)
	}
	if d.Readable() {
		t.Fatal("dispatcher should close on EOF")
	}
}

func TestOutputDispatcherCaptureTokens(t *testing.T) {
	p, _, _, bus := newTestProc(t, testConfig("web"))
	r, w := pipePair(t)
	cw := testCapture(t)
	d := NewOutputDispatcher(p, "stdout", r, cw, bus, testLogger(), true)

	var got []*events.ProcessCommunicationEvent
	bus.Subscribe(events.ProcessCommunication, func(ev events.Event) {
		got = append(got, ev.(*events.ProcessCommunicationEvent))
	})

	payload := "before" + events.CaptureBeginToken + "the message" + events.CaptureEndToken + "after"
	if _, err := w.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleReadEvent(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Data != "the message" {
		t.Fatalf("event data = %q", got[0].Data)
	}
	if got[0].Channel != "stdout" {
		t.Fatalf("event channel = %q", got[0].Channel)
	}

	d.Close()
	logged := cw.ReadTail(1024)
	if !bytes.Contains(logged, []byte("before")) || !bytes.Contains(logged, []byte("after")) {
		t.Fatalf("capture = %q, want text outside the tokens", logged)
	}
	if bytes.Contains(logged, []byte("the message")) {
		t.Fatal("captured span must not reach the log")
	}
}

func TestOutputDispatcherTokenSplitAcrossReads(t *testing.T) {
	p, _, _, bus := newTestProc(t, testConfig("web"))
	r, w := pipePair(t)
	d := NewOutputDispatcher(p, "stdout", r, testCapture(t), bus, testLogger(), true)

	var got []*events.ProcessCommunicationEvent
	bus.Subscribe(events.ProcessCommunication, func(ev events.Event) {
		got = append(got, ev.(*events.ProcessCommunicationEvent))
	})

	begin := events.CaptureBeginToken
	chunks := []string{
		begin[:7], begin[7:] + "spl",
		"it body" + events.CaptureEndToken,
	}
	for _, chunk := range chunks {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
		if err := d.HandleReadEvent(); err != nil {
			t.Fatal(err)
		}
	}

	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Data != "split body" {
		t.Fatalf("event data = %q", got[0].Data)
	}
}

func TestListenerDispatcherProtocol(t *testing.T) {
	p, _, _, bus := newTestProc(t, testConfig("watcher"))
	r, w := pipePair(t)
	d := NewListenerDispatcher(p, r, testCapture(t), bus, testLogger())

	feed := func(s string) {
		t.Helper()
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
		if err := d.HandleReadEvent(); err != nil {
			t.Fatal(err)
		}
	}

	// READY is only honored from ACKNOWLEDGED.
	feed("READY\n")
	if p.ListenerState() != states.ListenerReady {
		t.Fatalf("state = %s, want READY", p.ListenerState())
	}
	feed("READY\n")
	if p.ListenerState() != states.ListenerReady {
		t.Fatal("repeated READY should be a no-op")
	}

	// OK acknowledges the in-flight event.
	ev := commEvent(p, "x")
	p.setListenerState(states.ListenerBusy)
	p.setInFlight(ev)
	feed("OK\n")
	if p.ListenerState() != states.ListenerAcknowledged {
		t.Fatalf("state = %s after OK, want ACKNOWLEDGED", p.ListenerState())
	}
	if p.inFlight != nil {
		t.Fatal("in-flight event should clear on OK")
	}

	// FAIL rejects the in-flight event back to the bus.
	var rejected []*events.EventRejectedEvent
	bus.Subscribe(events.EventRejected, func(e events.Event) {
		rejected = append(rejected, e.(*events.EventRejectedEvent))
	})
	p.setListenerState(states.ListenerBusy)
	p.setInFlight(ev)
	feed("FAIL\n")
	if p.ListenerState() != states.ListenerAcknowledged {
		t.Fatalf("state = %s after FAIL, want ACKNOWLEDGED", p.ListenerState())
	}
	if len(rejected) != 1 || rejected[0].Event != ev {
		t.Fatalf("rejections = %+v", rejected)
	}

	// Blank lines are tolerated, garbage is not.
	feed("\n")
	if p.ListenerState() != states.ListenerAcknowledged {
		t.Fatal("blank line must not change state")
	}
	feed("GIBBERISH\n")
	if p.ListenerState() != states.ListenerUnknown {
		t.Fatalf("state = %s after protocol violation, want UNKNOWN", p.ListenerState())
	}
}

func TestListenerDispatcherPartialLines(t *testing.T) {
	p, _, _, bus := newTestProc(t, testConfig("watcher"))
	r, w := pipePair(t)
	d := NewListenerDispatcher(p, r, testCapture(t), bus, testLogger())

	if _, err := w.Write([]byte("REA")); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleReadEvent(); err != nil {
		t.Fatal(err)
	}
	if p.ListenerState() != states.ListenerAcknowledged {
		t.Fatal("partial token must not change state")
	}
	if _, err := w.Write([]byte("DY\n")); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleReadEvent(); err != nil {
		t.Fatal(err)
	}
	if p.ListenerState() != states.ListenerReady {
		t.Fatalf("state = %s, want READY", p.ListenerState())
	}
}

func TestPipesRedirectStderr(t *testing.T) {
	pipes, err := NewPipes(true)
	if err != nil {
		t.Fatal(err)
	}
	defer pipes.CloseAll()
	if pipes.Stderr != nil || pipes.ChildStderr != nil {
		t.Fatal("redirected stderr must not get its own pipe")
	}
	if pipes.Stdin == nil || pipes.Stdout == nil {
		t.Fatal("stdin/stdout pipes missing")
	}
}
