package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecArgs resolves a command string into the file to execute and its
// argv. The command is split with shell-style quoting. A program that
// contains a path separator is used as given; otherwise each directory
// on $PATH is searched and the first existing entry wins. The resolved
// file must exist, not be a directory, and carry an execute bit.
func ExecArgs(command string) (string, []string, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return "", nil, fmt.Errorf("can't parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return "", nil, fmt.Errorf("can't parse command %q: command is empty", command)
	}

	prog := argv[0]
	filename := prog
	if !strings.ContainsRune(prog, os.PathSeparator) {
		found, ok := searchPath(prog)
		if !ok {
			return "", nil, fmt.Errorf("can't find command %q", prog)
		}
		filename = found
	}

	info, err := os.Stat(filename)
	if err != nil {
		return "", nil, fmt.Errorf("can't find command %q", filename)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("command at %q is a directory", filename)
	}
	if info.Mode().Perm()&0111 == 0 {
		return "", nil, fmt.Errorf("command at %q is not executable", filename)
	}

	argv[0] = filename
	return filename, argv, nil
}

// searchPath walks $PATH and returns the first existing candidate,
// whether or not it is executable: a found-but-unexecutable file
// produces the more specific diagnostic from the caller's mode check.
func searchPath(prog string) (string, bool) {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/bin:/usr/bin:/usr/local/bin"
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, prog)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
