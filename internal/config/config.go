// Package config handles loading and validating steward configuration.
package config

// Config is the top-level steward configuration.
type Config struct {
	Steward   StewardConfig             `toml:"steward"`
	Programs  map[string]ProgramConfig  `toml:"programs"`
	Listeners map[string]ListenerConfig `toml:"eventlisteners"`
	Server    ServerConfig              `toml:"server"`
}

// StewardConfig holds daemon-level settings.
type StewardConfig struct {
	Logfile         string `toml:"logfile"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	Pidfile         string `toml:"pidfile"`
	Directory       string `toml:"directory"`
	Identifier      string `toml:"identifier"`
	Minfds          int    `toml:"minfds"`
	Umask           string `toml:"umask"`
	Daemonize       bool   `toml:"daemonize"`
	ShutdownTimeout int    `toml:"shutdown_timeout"`
}

// ProgramConfig holds per-program settings. Fields whose zero value is
// meaningful (autostart false, startsecs 0, ...) are pointers so
// ApplyDefaults can tell "absent" from "explicitly zero"; they are
// always non-nil after ApplyDefaults.
type ProgramConfig struct {
	Command               string            `toml:"command"`
	ProcessName           string            `toml:"process_name"`
	Numprocs              int               `toml:"numprocs"`
	NumprocsStart         int               `toml:"numprocs_start"`
	Priority              *int              `toml:"priority"`
	Autostart             *bool             `toml:"autostart"`
	Autorestart           bool              `toml:"autorestart"`
	Startsecs             *int              `toml:"startsecs"`
	Startretries          *int              `toml:"startretries"`
	Exitcodes             []int             `toml:"exitcodes"`
	Stopsignal            string            `toml:"stopsignal"`
	Stopwaitsecs          int               `toml:"stopwaitsecs"`
	UID                   string            `toml:"uid"`
	Umask                 string            `toml:"umask"`
	Directory             string            `toml:"directory"`
	Environment           map[string]string `toml:"environment"`
	RedirectStderr        bool              `toml:"redirect_stderr"`
	StdoutLogfile         string            `toml:"stdout_logfile"`
	StdoutLogfileMaxbytes string            `toml:"stdout_logfile_maxbytes"`
	StdoutLogfileBackups  int               `toml:"stdout_logfile_backups"`
	StdoutCapture         bool              `toml:"stdout_capture"`
	StderrLogfile         string            `toml:"stderr_logfile"`
	StderrLogfileMaxbytes string            `toml:"stderr_logfile_maxbytes"`
	StderrLogfileBackups  int               `toml:"stderr_logfile_backups"`
	StderrCapture         bool              `toml:"stderr_capture"`
	StripAnsi             bool              `toml:"strip_ansi"`
	Description           string            `toml:"description"`
}

// ListenerConfig holds per-event-listener settings. A listener is a
// program that additionally consumes events on stdin.
type ListenerConfig struct {
	ProgramConfig
	Events     []string `toml:"events"`
	BufferSize int      `toml:"buffer_size"`
}

// ServerConfig holds API listener settings.
type ServerConfig struct {
	Unix UnixServerConfig `toml:"unix"`
	HTTP HTTPServerConfig `toml:"http"`
}

// UnixServerConfig holds Unix domain socket settings.
type UnixServerConfig struct {
	File  string `toml:"file"`
	Chmod string `toml:"chmod"`
}

// HTTPServerConfig holds TCP API settings. PasswordHash is a bcrypt
// hash produced by `steward hash-password`.
type HTTPServerConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
}
