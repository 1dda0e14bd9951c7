package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandStringTemplateVars(t *testing.T) {
	ctx := ExpandContext{
		Here:        "/etc/steward",
		ProgramName: "worker",
		ProcessNum:  3,
		GroupName:   "workers",
		NumProcs:    5,
	}

	result, err := ExpandString("%(here)s/logs/%(program_name)s-%(process_num)d.log", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != "/etc/steward/logs/worker-3.log" {
		t.Fatalf("result = %q, want /etc/steward/logs/worker-3.log", result)
	}
}

func TestExpandStringEnvVars(t *testing.T) {
	t.Setenv("STEWARD_EXTRA_TEST_VAR", "myvalue")

	ctx := ExpandContext{Here: "/etc"}
	result, err := ExpandString("prefix-${STEWARD_EXTRA_TEST_VAR}-suffix", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != "prefix-myvalue-suffix" {
		t.Fatalf("result = %q, want prefix-myvalue-suffix", result)
	}
}

func TestExpandStringEmpty(t *testing.T) {
	ctx := ExpandContext{}
	result, err := ExpandString("", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != "" {
		t.Fatalf("result = %q, want empty", result)
	}
}

func TestExpandStringNumprocs(t *testing.T) {
	ctx := ExpandContext{NumProcs: 8}
	result, err := ExpandString("%(numprocs)d workers", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != "8 workers" {
		t.Fatalf("result = %q, want '8 workers'", result)
	}
}

func TestExpandStringUnclosedTemplate(t *testing.T) {
	ctx := ExpandContext{}
	_, err := ExpandString("%(unclosed", ctx)
	if err == nil {
		t.Fatal("expected error for unclosed template")
	}
}

func TestExpandStringUnclosedEnvVar(t *testing.T) {
	ctx := ExpandContext{}
	_, err := ExpandString("${UNCLOSED", ctx)
	if err == nil {
		t.Fatal("expected error for unclosed env var")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.toml")
	if err := os.WriteFile(path, []byte("not valid toml [[["), 0644); err != nil {
		t.Fatal(err)
	}

	_, _, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML")
	}
	if !strings.Contains(err.Error(), "parse error") {
		t.Fatalf("error = %q, want parse error", err)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	_, _, err := Load("/nonexistent/file.toml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestExpandVariablesServerField(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Unix: UnixServerConfig{
				File: "%(here)s/steward.sock",
			},
		},
		Programs: make(map[string]ProgramConfig),
	}

	err := ExpandVariables(cfg, "/etc/steward/steward.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Unix.File != "/etc/steward/steward.sock" {
		t.Fatalf("server.unix.file = %q, want /etc/steward/steward.sock", cfg.Server.Unix.File)
	}
}

func TestExpandVariablesUIDField(t *testing.T) {
	t.Setenv("STEWARD_UID_TEST", "1000")

	cfg := &Config{
		Programs: map[string]ProgramConfig{
			"web": {UID: "${STEWARD_UID_TEST}"},
		},
	}

	err := ExpandVariables(cfg, "/etc/steward.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Programs["web"].UID != "1000" {
		t.Fatalf("uid = %q, want 1000", cfg.Programs["web"].UID)
	}
}

func TestExpandVariablesListenerSection(t *testing.T) {
	cfg := &Config{
		Listeners: map[string]ListenerConfig{
			"crashmail": {
				ProgramConfig: ProgramConfig{
					Command: "%(here)s/bin/crashmail",
				},
				Events: []string{"ProcessStateChangeEvent"},
			},
		},
	}

	err := ExpandVariables(cfg, "/etc/steward/steward.toml")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Listeners["crashmail"].Command; got != "/etc/steward/bin/crashmail" {
		t.Fatalf("command = %q", got)
	}
}
