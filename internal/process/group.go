package process

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stewardteam/steward/internal/states"
)

// Group owns an ordered set of subprocesses and drives their
// collective lifecycle from the run loop.
type Group struct {
	name      string
	priority  int
	processes map[string]*Subprocess
}

// NewGroup creates a group over the given processes.
func NewGroup(name string, priority int, procs []*Subprocess) *Group {
	g := &Group{
		name:      name,
		priority:  priority,
		processes: make(map[string]*Subprocess, len(procs)),
	}
	for _, p := range procs {
		g.processes[p.Name()] = p
	}
	return g
}

// Name implements events.Subject.
func (g *Group) Name() string { return g.name }

// Priority orders groups relative to each other.
func (g *Group) Priority() int { return g.priority }

// Process returns the named member, or nil.
func (g *Group) Process(name string) *Subprocess { return g.processes[name] }

// Processes returns the members in ascending start order.
func (g *Group) Processes() []*Subprocess { return g.byPriority(false) }

// byPriority returns members ordered by configured priority, name as
// the stable tiebreak. desc reverses the comparison for stop order.
func (g *Group) byPriority(desc bool) []*Subprocess {
	procs := make([]*Subprocess, 0, len(g.processes))
	for _, p := range g.processes {
		procs = append(procs, p)
	}
	sort.SliceStable(procs, func(i, j int) bool {
		pi, pj := procs[i].Config().Priority, procs[j].Config().Priority
		if pi != pj {
			if desc {
				return pi > pj
			}
			return pi < pj
		}
		if desc {
			return procs[i].Name() > procs[j].Name()
		}
		return procs[i].Name() < procs[j].Name()
	})
	return procs
}

// StartNecessary spawns, in ascending priority order, every member
// that should be running: never-started autostart processes, exited
// processes with autorestart, and backoff processes whose retry
// deadline has passed. Spawn failures land the member in BACKOFF and
// are not propagated; the next tick retries.
func (g *Group) StartNecessary(now time.Time) {
	for _, p := range g.byPriority(false) {
		switch p.State() {
		case states.Stopped:
			if p.Config().Autostart && p.LastStart().IsZero() {
				_, _ = p.Spawn()
			}
		case states.Exited:
			if p.Config().Autorestart {
				_, _ = p.Spawn()
			}
		case states.Backoff:
			if now.After(p.Delay()) {
				_, _ = p.Spawn()
			}
		}
	}
}

// StopAll stops every member in descending priority order. Members
// waiting in BACKOFF have nothing to signal and give up immediately.
func (g *Group) StopAll() {
	for _, p := range g.byPriority(true) {
		switch p.State() {
		case states.Running, states.Starting:
			_ = p.Stop()
		case states.Backoff:
			p.GiveUp()
		}
	}
}

// Undead returns members still in STOPPING past their kill deadline.
func (g *Group) Undead(now time.Time) []*Subprocess {
	var undead []*Subprocess
	for _, p := range g.byPriority(false) {
		if p.State() == states.Stopping && !p.Delay().IsZero() && !now.Before(p.Delay()) {
			undead = append(undead, p)
		}
	}
	return undead
}

// KillUndead escalates to SIGKILL for every undead member. A child
// that survives SIGKILL stays in STOPPING; there is no further
// escalation.
func (g *Group) KillUndead(now time.Time) {
	for _, p := range g.Undead(now) {
		_ = p.Kill(unix.SIGKILL)
	}
}

// Transition runs one tick: escalate overdue kills, then advance each
// member's state machine.
func (g *Group) Transition(now time.Time) {
	g.KillUndead(now)
	for _, p := range g.byPriority(false) {
		p.Transition()
	}
}

// DelayProcesses returns members with an armed deadline. The run loop
// uses the soonest of these to cap its poll timeout.
func (g *Group) DelayProcesses() []*Subprocess {
	var delayed []*Subprocess
	for _, p := range g.processes {
		if !p.Delay().IsZero() {
			delayed = append(delayed, p)
		}
	}
	return delayed
}

// Dispatchers returns the union of member dispatchers keyed by fd.
func (g *Group) Dispatchers() map[int]Dispatcher {
	all := map[int]Dispatcher{}
	for _, p := range g.processes {
		for fd, d := range p.Dispatchers() {
			all[fd] = d
		}
	}
	return all
}

// StoppedPids reports whether no member holds a live pid.
func (g *Group) StoppedPids() bool {
	for _, p := range g.processes {
		if p.Pid() != 0 {
			return false
		}
	}
	return true
}
