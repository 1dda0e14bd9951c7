package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestWritePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		t.Fatalf("pid file content %q is not a number", pidStr)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestWritePIDFileEmpty(t *testing.T) {
	// Empty path should be a no-op.
	if err := WritePIDFile(""); err != nil {
		t.Fatal(err)
	}
}

func TestWritePIDFileBadPath(t *testing.T) {
	if err := WritePIDFile("/nonexistent/dir/steward.pid"); err == nil {
		t.Fatal("expected error for unwritable pid file path")
	}
}

func TestRemovePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.pid")

	_ = WritePIDFile(path)
	RemovePIDFile(path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file should be removed")
	}
}

func TestRemovePIDFileEmpty(t *testing.T) {
	// Should not panic.
	RemovePIDFile("")
}

func TestValidateSocketPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.sock")

	if err := ValidateSocketPermissions(path); err != nil {
		t.Fatal(err)
	}
}

func TestValidateSocketPermissionsNonexistentDir(t *testing.T) {
	err := ValidateSocketPermissions("/nonexistent/dir/steward.sock")
	if err == nil {
		t.Fatal("expected error for nonexistent directory")
	}
}
