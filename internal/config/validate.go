package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stewardteam/steward/internal/events"
)

// validSignals lists the supported stop signals.
var validSignals = map[string]bool{
	"TERM": true, "HUP": true, "INT": true, "QUIT": true,
	"KILL": true, "USR1": true, "USR2": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Steward.Umask != "" {
		if _, err := strconv.ParseInt(cfg.Steward.Umask, 8, 32); err != nil {
			errs = append(errs, fmt.Errorf("steward: invalid umask %q", cfg.Steward.Umask))
		}
	}
	if cfg.Server.HTTP.Enabled && cfg.Server.HTTP.Username != "" && cfg.Server.HTTP.PasswordHash == "" {
		errs = append(errs, fmt.Errorf("server.http: username set without password_hash"))
	}

	for name, p := range cfg.Programs {
		errs = append(errs, validateProgram(fmt.Sprintf("programs.%s", name), &p)...)
	}

	for name, l := range cfg.Listeners {
		prefix := fmt.Sprintf("eventlisteners.%s", name)
		errs = append(errs, validateProgram(prefix, &l.ProgramConfig)...)
		if len(l.Events) == 0 {
			errs = append(errs, fmt.Errorf("%s: events is required", prefix))
		}
		for _, ev := range l.Events {
			if _, ok := events.TypeByName(ev); !ok {
				errs = append(errs, fmt.Errorf("%s: unknown event type %q", prefix, ev))
			}
		}
		if l.BufferSize < 1 {
			errs = append(errs, fmt.Errorf("%s: buffer_size must be >= 1, got %d", prefix, l.BufferSize))
		}
		if _, dup := cfg.Programs[name]; dup {
			errs = append(errs, fmt.Errorf("%s: name collides with programs.%s", prefix, name))
		}
	}

	return errs
}

// validCredential accepts the numeric "uid" and "uid:gid" forms.
func validCredential(s string) bool {
	uidStr, gidStr, hasGid := strings.Cut(s, ":")
	if _, err := strconv.ParseUint(uidStr, 10, 32); err != nil {
		return false
	}
	if hasGid {
		if _, err := strconv.ParseUint(gidStr, 10, 32); err != nil {
			return false
		}
	}
	return true
}

func validateProgram(prefix string, p *ProgramConfig) []error {
	var errs []error

	if strings.TrimSpace(p.Command) == "" {
		errs = append(errs, fmt.Errorf("%s: command is required", prefix))
	}

	if p.Priority != nil && (*p.Priority < 0 || *p.Priority > 999) {
		errs = append(errs, fmt.Errorf("%s: priority must be between 0 and 999, got %d", prefix, *p.Priority))
	}

	if p.Startsecs != nil && *p.Startsecs < 0 {
		errs = append(errs, fmt.Errorf("%s: startsecs must be >= 0, got %d", prefix, *p.Startsecs))
	}
	if p.Startretries != nil && *p.Startretries < 0 {
		errs = append(errs, fmt.Errorf("%s: startretries must be >= 0, got %d", prefix, *p.Startretries))
	}

	sig := strings.TrimPrefix(strings.ToUpper(p.Stopsignal), "SIG")
	if !validSignals[sig] {
		errs = append(errs, fmt.Errorf("%s: invalid stopsignal %q", prefix, p.Stopsignal))
	}

	if p.Numprocs < 1 {
		errs = append(errs, fmt.Errorf("%s: numprocs must be >= 1, got %d", prefix, p.Numprocs))
	}
	if p.Numprocs > 1 && p.ProcessName != "" && !strings.Contains(p.ProcessName, "%(process_num)d") {
		errs = append(errs, fmt.Errorf("%s: process_name must contain %%(process_num)d when numprocs > 1", prefix))
	}

	if p.UID != "" && !validCredential(p.UID) {
		errs = append(errs, fmt.Errorf("%s: uid must be %q or %q, got %q", prefix, "uid", "uid:gid", p.UID))
	}
	if p.Umask != "" {
		if _, err := strconv.ParseInt(p.Umask, 8, 32); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid umask %q", prefix, p.Umask))
		}
	}

	return errs
}
