package migrate

import (
	"testing"
)

func TestMapProgramOptionStartsecs(t *testing.T) {
	opt := MapProgramOption("startsecs", "10")
	if opt.Key != "startsecs" {
		t.Errorf("key = %q, want startsecs", opt.Key)
	}
	if opt.Value != "10" {
		t.Errorf("value = %q, want 10", opt.Value)
	}
	if opt.Unsupported {
		t.Error("should not be unsupported")
	}
}

func TestMapProgramOptionAutorestart(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"true", "true"},
		{"unexpected", "true"},
		{"false", "false"},
	}
	for _, tt := range tests {
		opt := MapProgramOption("autorestart", tt.input)
		if opt.Value != tt.want {
			t.Errorf("autorestart %q: value = %q, want %q", tt.input, opt.Value, tt.want)
		}
	}
}

func TestMapProgramOptionUnsupported(t *testing.T) {
	opt := MapProgramOption("serverurl", "AUTO")
	if !opt.Unsupported {
		t.Error("serverurl should be unsupported")
	}
	if opt.Comment == "" {
		t.Error("should have UNSUPPORTED comment")
	}
}

func TestMapProgramOptionUnknown(t *testing.T) {
	opt := MapProgramOption("xmlrpc_timeout", "30")
	if !opt.Unsupported {
		t.Error("unknown option should be unsupported")
	}
}

func TestMapProgramOptionRenamed(t *testing.T) {
	opt := MapSupervisordOption("loglevel", "debug")
	if opt.Key != "log_level" {
		t.Errorf("key = %q, want log_level", opt.Key)
	}
	if opt.Comment == "" {
		t.Error("renamed option should have comment")
	}
}

func TestMapProgramOptionUserRenamed(t *testing.T) {
	opt := MapProgramOption("user", "www-data")
	if opt.Key != "uid" {
		t.Errorf("key = %q, want uid", opt.Key)
	}
	if opt.Value != `"www-data"` {
		t.Errorf("value = %q, want quoted www-data", opt.Value)
	}
}

func TestMapSupervisordOptionNodaemonInverted(t *testing.T) {
	opt := MapSupervisordOption("nodaemon", "true")
	if opt.Key != "daemonize" {
		t.Errorf("key = %q, want daemonize", opt.Key)
	}
	if opt.Value != "false" {
		t.Errorf("value = %q, want false", opt.Value)
	}

	opt = MapSupervisordOption("nodaemon", "false")
	if opt.Value != "true" {
		t.Errorf("value = %q, want true", opt.Value)
	}
}

func TestMapProgramOptionCaptureMaxbytes(t *testing.T) {
	opt := MapProgramOption("stdout_capture_maxbytes", "1MB")
	if opt.Key != "stdout_capture" {
		t.Errorf("key = %q, want stdout_capture", opt.Key)
	}
	if opt.Value != "true" {
		t.Errorf("value = %q, want true", opt.Value)
	}

	opt = MapProgramOption("stdout_capture_maxbytes", "0")
	if opt.Value != "false" {
		t.Errorf("value = %q, want false for zero maxbytes", opt.Value)
	}
}

func TestMapByteSizePreserved(t *testing.T) {
	opt := MapProgramOption("stdout_logfile_maxbytes", "50MB")
	if opt.Value != `"50MB"` {
		t.Errorf("value = %q, want quoted 50MB", opt.Value)
	}
}

func TestNormalizeSignal(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"TERM", "TERM"},
		{"term", "TERM"},
		{"SIGTERM", "TERM"},
		{"sigterm", "TERM"},
		{"HUP", "HUP"},
		{"SIGHUP", "HUP"},
	}
	for _, tt := range tests {
		got := NormalizeSignal(tt.input)
		if got != tt.want {
			t.Errorf("NormalizeSignal(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMapProgramOptionExitcodes(t *testing.T) {
	opt := MapProgramOption("exitcodes", "0,2")
	if opt.Value != "[0, 2]" {
		t.Errorf("value = %q, want [0, 2]", opt.Value)
	}
}

func TestMapListenerOptionEvents(t *testing.T) {
	opt := MapListenerOption("events", "PROCESS_STATE_RUNNING,PROCESS_STATE_FATAL")
	if opt.Value != `["PROCESS_STATE_RUNNING", "PROCESS_STATE_FATAL"]` {
		t.Errorf("value = %q", opt.Value)
	}
}

func TestMapListenerOptionBufferSize(t *testing.T) {
	opt := MapListenerOption("buffer_size", "100")
	if opt.Value != "100" {
		t.Errorf("value = %q, want 100", opt.Value)
	}
}

func TestMapListenerOptionFallsBackToProgram(t *testing.T) {
	opt := MapListenerOption("command", "/usr/bin/crashmail")
	if opt.Unsupported {
		t.Error("listener command should be supported")
	}
	if opt.Value != `"/usr/bin/crashmail"` {
		t.Errorf("value = %q", opt.Value)
	}
}

func TestMapProgramOptionSignal(t *testing.T) {
	opt := MapProgramOption("stopsignal", "SIGTERM")
	if opt.Value != `"TERM"` {
		t.Errorf("value = %q, want \"TERM\"", opt.Value)
	}
}
