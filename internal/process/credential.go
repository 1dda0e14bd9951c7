package process

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// ParseCredential parses a "uid" or "uid:gid" string into a spawn
// credential. An empty string means inherit the supervisor's identity.
// With no explicit gid, gid defaults to uid.
func ParseCredential(user string) (*syscall.Credential, error) {
	if user == "" {
		return nil, nil
	}

	parts := strings.SplitN(user, ":", 2)
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in user %q: %w", user, err)
	}

	gid := uid
	if len(parts) > 1 {
		gid, err = strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid gid in user %q: %w", user, err)
		}
	}

	return &syscall.Credential{
		Uid: uint32(uid),
		Gid: uint32(gid),
	}, nil
}
