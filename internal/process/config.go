package process

import "syscall"

// Config is the resolved runtime configuration for one managed process.
// The config package produces it from the TOML program sections; it is
// immutable for the life of the Subprocess.
type Config struct {
	Name     string
	Group    string
	Command  string
	Priority int

	Startsecs    int // minimum uptime in seconds before RUNNING
	Startretries int // failed starts tolerated before FATAL
	Stopsignal   syscall.Signal
	Stopwaitsecs int // grace period before SIGKILL escalation

	Autostart   bool
	Autorestart bool
	Exitcodes   []int

	Directory   string
	Environment map[string]string
	User        string // "uid" or "uid:gid", "" = inherit supervisor credentials
	Umask       int    // -1 = inherit

	RedirectStderr bool
	StdoutLogfile  string
	StderrLogfile  string
	StdoutMaxbytes string
	StderrMaxbytes string
	StdoutBackups  int
	StderrBackups  int
	StdoutCapture  bool
	StderrCapture  bool
	StripAnsi      bool
	Description    string
}

// ExpectedExit reports whether code is in the configured exitcodes set.
func (c *Config) ExpectedExit(code int) bool {
	for _, ec := range c.Exitcodes {
		if ec == code {
			return true
		}
	}
	return false
}
