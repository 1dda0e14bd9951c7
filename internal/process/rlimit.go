package process

import (
	"strconv"
	"strings"
	"syscall"
)

// RLimit is one resource limit to impose on a child before exec.
type RLimit struct {
	Resource int
	Cur      uint64
	Max      uint64
}

// ParseRLimits extracts resource limits from a process's environment
// overlay. Limits ride in well-known STEWARD_RLIMIT_* keys so the
// config schema stays flat; the keys are also exported to the child.
func ParseRLimits(cfg Config) []RLimit {
	var limits []RLimit
	for k, v := range cfg.Environment {
		k = strings.ToUpper(k)
		var resource int
		switch k {
		case "STEWARD_RLIMIT_NOFILE":
			resource = int(syscall.RLIMIT_NOFILE)
		case "STEWARD_RLIMIT_NPROC":
			resource = rlimitNproc
		case "STEWARD_RLIMIT_CORE":
			resource = int(syscall.RLIMIT_CORE)
		case "STEWARD_RLIMIT_FSIZE":
			resource = int(syscall.RLIMIT_FSIZE)
		case "STEWARD_RLIMIT_AS":
			resource = rlimitAS
		case "STEWARD_RLIMIT_DATA":
			resource = int(syscall.RLIMIT_DATA)
		case "STEWARD_RLIMIT_STACK":
			resource = int(syscall.RLIMIT_STACK)
		case "STEWARD_RLIMIT_RSS":
			resource = rlimitRSS
		default:
			continue
		}

		cur, max, ok := parseRLimitValue(v)
		if !ok {
			continue
		}
		limits = append(limits, RLimit{Resource: resource, Cur: cur, Max: max})
	}
	return limits
}

// parseRLimitValue parses "soft:hard" or "value" into cur and max.
func parseRLimitValue(s string) (cur, max uint64, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 2 {
		c, err1 := parseUint64(parts[0])
		m, err2 := parseUint64(parts[1])
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return c, m, true
	}

	val, err := parseUint64(parts[0])
	if err != nil {
		return 0, 0, false
	}
	return val, val, true
}

func parseUint64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.ToLower(s) == "unlimited" || s == "-1" {
		return ^uint64(0), nil // RLIM_INFINITY
	}
	return strconv.ParseUint(s, 10, 64)
}

// pushRLimits imposes limits on the calling process and returns the
// saved originals. Children inherit limits at fork, so the spawner
// applies them around Start and restores afterwards.
func pushRLimits(limits []RLimit) []RLimit {
	var saved []RLimit
	for _, rl := range limits {
		var old syscall.Rlimit
		if err := syscall.Getrlimit(rl.Resource, &old); err != nil {
			continue
		}
		if err := syscall.Setrlimit(rl.Resource, &syscall.Rlimit{Cur: rl.Cur, Max: rl.Max}); err != nil {
			continue
		}
		saved = append(saved, RLimit{Resource: rl.Resource, Cur: old.Cur, Max: old.Max})
	}
	return saved
}

// popRLimits restores limits previously saved by pushRLimits.
func popRLimits(saved []RLimit) {
	for _, rl := range saved {
		_ = syscall.Setrlimit(rl.Resource, &syscall.Rlimit{Cur: rl.Cur, Max: rl.Max})
	}
}
