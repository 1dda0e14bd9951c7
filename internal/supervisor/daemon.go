package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// WritePIDFile writes the current process PID to the given path.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write PID file: %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes the PID file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ValidateSocketPermissions checks that the API socket's directory
// exists and is writable before the daemon commits to starting.
func ValidateSocketPermissions(socketPath string) error {
	dir := filepath.Dir(socketPath)

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("socket directory does not exist: %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("socket path parent is not a directory: %s", dir)
	}

	// Check write permission by trying to create a temp file.
	tmpPath := filepath.Join(dir, ".steward_perm_check")
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("permission denied: cannot create socket in %s: %w", dir, err)
	}
	f.Close()
	os.Remove(tmpPath)

	return nil
}

// Daemonize performs a double-fork to become a background daemon.
// Returns true in the parent (which should exit), false in the daemon
// child.
func Daemonize(logger *slog.Logger) (bool, error) {
	// First fork.
	pid, errno := sysFork()
	if errno != 0 {
		return false, fmt.Errorf("first fork failed: %v", errno)
	}
	if pid > 0 {
		// Parent process, caller exits.
		return true, nil
	}

	// Detach from the controlling terminal.
	if _, err := syscall.Setsid(); err != nil {
		return false, fmt.Errorf("setsid failed: %w", err)
	}

	// Second fork so the daemon can never reacquire a terminal.
	pid, errno = sysFork()
	if errno != 0 {
		return false, fmt.Errorf("second fork failed: %v", errno)
	}
	if pid > 0 {
		// First child exits.
		os.Exit(0)
	}

	// Redirect stdio to /dev/null.
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("cannot open /dev/null: %w", err)
	}
	_ = sysDup2(int(devNull.Fd()), int(os.Stdin.Fd()))
	_ = sysDup2(int(devNull.Fd()), int(os.Stdout.Fd()))
	_ = sysDup2(int(devNull.Fd()), int(os.Stderr.Fd()))
	devNull.Close()

	logger.Info("daemonized", "pid", os.Getpid())
	return false, nil
}
