package supervisor

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/stewardteam/steward/internal/api"
	"github.com/stewardteam/steward/internal/metrics"
	"github.com/stewardteam/steward/internal/process"
	"github.com/stewardteam/steward/internal/states"
	"github.com/stewardteam/steward/internal/version"
)

// Control adapts the supervisor for the management API. Every method
// hands its work to the run loop via Dispatch, so callers may live on
// any goroutine while the process core stays single-threaded.
type Control struct {
	s *Supervisor
}

// Control returns the management facade for the API server.
func (s *Supervisor) Control() *Control { return &Control{s: s} }

// List returns every managed process, sorted by name.
func (c *Control) List() []api.ProcessInfo {
	var infos []api.ProcessInfo
	c.s.Dispatch(func() {
		for _, p := range c.s.manager.Processes() {
			infos = append(infos, c.infoFor(p))
		}
	})
	return infos
}

// Get returns one process by name.
func (c *Control) Get(name string) (api.ProcessInfo, error) {
	var info api.ProcessInfo
	var err error
	c.s.Dispatch(func() {
		var p *process.Subprocess
		p, err = c.s.manager.Process(name)
		if err != nil {
			return
		}
		info = c.infoFor(p)
	})
	return info, err
}

// Start spawns a stopped process.
func (c *Control) Start(name string) error {
	var err error
	c.s.Dispatch(func() {
		var p *process.Subprocess
		p, err = c.s.manager.Process(name)
		if err != nil {
			return
		}
		if !p.State().Startable() {
			err = fmt.Errorf("process %q already started", name)
			return
		}
		_, err = p.Spawn()
	})
	return err
}

// Stop requests an administrative stop.
func (c *Control) Stop(name string) error {
	var err error
	c.s.Dispatch(func() {
		var p *process.Subprocess
		p, err = c.s.manager.Process(name)
		if err != nil {
			return
		}
		if !p.State().Stoppable() {
			err = fmt.Errorf("process %q not running", name)
			return
		}
		err = p.Stop()
	})
	return err
}

// Restart stops the process, waits for the exit to be reaped, then
// spawns it again. An already-stopped process is simply started.
func (c *Control) Restart(name string) error {
	var stopErr error
	var wait time.Duration
	c.s.Dispatch(func() {
		p, err := c.s.manager.Process(name)
		if err != nil {
			stopErr = err
			return
		}
		if p.State().Stoppable() {
			stopErr = p.Stop()
			wait = time.Duration(p.Config().Stopwaitsecs+5) * time.Second
		}
	})
	if stopErr != nil {
		return stopErr
	}
	if wait > 0 {
		if err := c.waitStartable(name, wait); err != nil {
			return err
		}
	}
	return c.Start(name)
}

// waitStartable polls until the named process may be spawned again.
func (c *Control) waitStartable(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var startable bool
		c.s.Dispatch(func() {
			if p, err := c.s.manager.Process(name); err == nil {
				startable = p.State().Startable()
			}
		})
		if startable {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("process %q did not stop in time for restart", name)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Signal delivers an arbitrary signal to a running process.
func (c *Control) Signal(name, signal string) error {
	sig, err := process.ParseSignal(signal)
	if err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	c.s.Dispatch(func() {
		var p *process.Subprocess
		p, err = c.s.manager.Process(name)
		if err != nil {
			return
		}
		err = p.Signal(sig)
	})
	return err
}

// WriteStdin appends data to a process's stdin buffer.
func (c *Control) WriteStdin(name string, data []byte) error {
	var err error
	c.s.Dispatch(func() {
		var p *process.Subprocess
		p, err = c.s.manager.Process(name)
		if err != nil {
			return
		}
		err = p.Write(data)
	})
	return err
}

// ReadLog returns the tail of a process's captured output channel.
func (c *Control) ReadLog(name, stream string, n int) ([]byte, error) {
	var data []byte
	var err error
	c.s.Dispatch(func() {
		data, err = c.s.manager.ReadLog(name, stream, n)
	})
	return data, err
}

// ListGroups returns program groups and listener pools in start order.
func (c *Control) ListGroups() []api.GroupInfo {
	var infos []api.GroupInfo
	c.s.Dispatch(func() {
		for _, pool := range c.s.manager.Pools() {
			infos = append(infos, groupInfo(pool.Group, true))
		}
		for _, g := range c.s.manager.Groups() {
			infos = append(infos, groupInfo(g, false))
		}
	})
	return infos
}

func groupInfo(g *process.Group, listener bool) api.GroupInfo {
	names := make([]string, 0, len(g.Processes()))
	for _, p := range g.Processes() {
		names = append(names, p.Name())
	}
	return api.GroupInfo{
		Name:      g.Name(),
		Priority:  g.Priority(),
		Listener:  listener,
		Processes: names,
	}
}

// StartGroup spawns every startable member of a group.
func (c *Control) StartGroup(name string) error {
	var err error
	c.s.Dispatch(func() {
		var g *process.Group
		g, err = c.s.manager.Group(name)
		if err != nil {
			return
		}
		for _, p := range g.Processes() {
			if !p.State().Startable() {
				continue
			}
			if _, spawnErr := p.Spawn(); spawnErr != nil && err == nil {
				err = spawnErr
			}
		}
	})
	return err
}

// StopGroup stops every running member of a group.
func (c *Control) StopGroup(name string) error {
	var err error
	c.s.Dispatch(func() {
		var g *process.Group
		g, err = c.s.manager.Group(name)
		if err != nil {
			return
		}
		g.StopAll()
	})
	return err
}

// RestartGroup stops the group, waits for the members to come down,
// then starts them again.
func (c *Control) RestartGroup(name string) error {
	var err error
	var members []string
	var wait time.Duration
	c.s.Dispatch(func() {
		var g *process.Group
		g, err = c.s.manager.Group(name)
		if err != nil {
			return
		}
		for _, p := range g.Processes() {
			members = append(members, p.Name())
			if w := time.Duration(p.Config().Stopwaitsecs+5) * time.Second; w > wait {
				wait = w
			}
		}
		g.StopAll()
	})
	if err != nil {
		return err
	}
	for _, member := range members {
		if waitErr := c.waitStartable(member, wait); waitErr != nil {
			return waitErr
		}
	}
	return c.StartGroup(name)
}

// State returns the daemon lifecycle state name.
func (c *Control) State() string { return c.s.State().String() }

// PID returns the daemon's own pid.
func (c *Control) PID() int { return os.Getpid() }

// Version returns build metadata.
func (c *Control) Version() map[string]string {
	return map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
		"go":      runtime.Version(),
	}
}

// Shutdown requests a graceful daemon shutdown.
func (c *Control) Shutdown() { c.s.Shutdown() }

// MetricsHandler wraps the collector's scrape handler with a roster
// refresh, so gauges that cannot be event-fed (uptime, buffered
// events, per-state counts) are current at scrape time.
func (c *Control) MetricsHandler(col *metrics.Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.refreshMetrics(col)
		col.Handler().ServeHTTP(w, r)
	})
}

func (c *Control) refreshMetrics(col *metrics.Collector) {
	c.s.Dispatch(func() {
		counts := make(map[states.ProcessState]int)
		for _, p := range c.s.manager.Processes() {
			counts[p.State()]++
			col.SetProcessUptime(p.Name(), float64(p.Uptime()))
		}
		for st := states.Stopped; st <= states.Unknown; st++ {
			col.SetProcessCount(st.String(), counts[st])
		}
		for _, pool := range c.s.manager.Pools() {
			col.SetBufferedEvents(pool.Name(), pool.BufferedEvents())
		}
	})
}

func (c *Control) infoFor(p *process.Subprocess) api.ProcessInfo {
	info := api.ProcessInfo{
		Name:      p.Name(),
		Group:     p.Group(),
		State:     p.State().String(),
		StateCode: int(p.State()),
		PID:       p.Pid(),
		Uptime:    p.Uptime(),
		SpawnErr:  p.SpawnErr(),
	}
	if code, ok := p.ExitStatus(); ok {
		es := code
		info.ExitStatus = &es
	}
	info.Description = describe(p)
	return info
}

// describe renders the human status column shown by `steward ctl
// status`.
func describe(p *process.Subprocess) string {
	switch p.State() {
	case states.Running, states.Stopping:
		return fmt.Sprintf("pid %d, uptime %s", p.Pid(), formatUptime(p.Uptime()))
	case states.Backoff, states.Fatal:
		if p.SpawnErr() != "" {
			return p.SpawnErr()
		}
		return "exited too quickly"
	case states.Exited, states.Stopped:
		if !p.LastStop().IsZero() {
			return p.LastStop().Format("Jan 02 03:04 PM")
		}
		return "not started"
	}
	return ""
}

func formatUptime(secs int64) string {
	days := secs / 86400
	rem := secs % 86400
	h, m, s := rem/3600, rem%3600/60, rem%60
	switch {
	case days == 1:
		return fmt.Sprintf("1 day, %d:%02d:%02d", h, m, s)
	case days > 1:
		return fmt.Sprintf("%d days, %d:%02d:%02d", days, h, m, s)
	default:
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
}
