package supervisor

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSignalQueue(t *testing.T) {
	sq := NewSignalQueue()
	defer sq.Stop()

	if sq.C == nil {
		t.Fatal("expected non-nil signal channel")
	}
	if cap(sq.ch) != 16 {
		t.Fatalf("expected buffer size 16, got %d", cap(sq.ch))
	}
}

func TestSignalQueueStop(t *testing.T) {
	sq := NewSignalQueue()
	sq.Stop()
	// After stop, signal.Notify is deregistered. No panic means pass.
}

func TestRootWarningNotRoot(t *testing.T) {
	original := getuid
	getuid = func() int { return 1000 }
	defer func() { getuid = original }()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	RootWarning(logger, false)
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestRootWarningAsRoot(t *testing.T) {
	original := getuid
	getuid = func() int { return 0 }
	defer func() { getuid = original }()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	RootWarning(logger, false)
	if !strings.Contains(buf.String(), "running as root") {
		t.Fatalf("log = %q, want root warning", buf.String())
	}
}

func TestRootWarningRootWithUID(t *testing.T) {
	original := getuid
	getuid = func() int { return 0 }
	defer func() { getuid = original }()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	RootWarning(logger, true)
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestRaiseFdLimitZeroIsNoop(t *testing.T) {
	RaiseFdLimit(0, testLogger())
}

func TestRaiseFdLimitBelowCurrent(t *testing.T) {
	// 1 is always at or below the current soft limit.
	RaiseFdLimit(1, testLogger())
}
