package process

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stewardteam/steward/internal/config"
	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/logging"
)

// Manager owns the full process roster: one Group per program, one
// ListenerPool per event listener section, the shared pid history, and
// the capture writers backing process logs. All mutating methods run
// on the supervisor loop.
type Manager struct {
	groups     map[string]*Group
	pools      map[string]*ListenerPool
	captures   map[string]*logging.CaptureWriter
	pidHistory map[int]*Subprocess

	bus     *events.Bus
	logger  *slog.Logger
	spawner Spawner
	clock   Clock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock substitutes the time source for every process the
// manager creates.
func WithManagerClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates an empty manager.
func NewManager(spawner Spawner, bus *events.Bus, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		groups:     make(map[string]*Group),
		pools:      make(map[string]*ListenerPool),
		captures:   make(map[string]*logging.CaptureWriter),
		pidHistory: make(map[int]*Subprocess),
		bus:        bus,
		logger:     logger,
		spawner:    spawner,
		clock:      RealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadConfig builds groups and pools from a parsed, defaulted config.
func (m *Manager) LoadConfig(cfg *config.Config) error {
	progNames := make([]string, 0, len(cfg.Programs))
	for name := range cfg.Programs {
		progNames = append(progNames, name)
	}
	sort.Strings(progNames)

	for _, progName := range progNames {
		progCfg := cfg.Programs[progName]
		procs, err := m.buildProcesses(progName, progCfg, false)
		if err != nil {
			return fmt.Errorf("program %q: %w", progName, err)
		}
		m.groups[progName] = NewGroup(progName, *progCfg.Priority, procs)
	}

	poolNames := make([]string, 0, len(cfg.Listeners))
	for name := range cfg.Listeners {
		poolNames = append(poolNames, name)
	}
	sort.Strings(poolNames)

	for _, poolName := range poolNames {
		lisCfg := cfg.Listeners[poolName]
		procs, err := m.buildProcesses(poolName, lisCfg.ProgramConfig, true)
		if err != nil {
			return fmt.Errorf("eventlistener %q: %w", poolName, err)
		}
		types, err := resolveEventTypes(lisCfg.Events)
		if err != nil {
			return fmt.Errorf("eventlistener %q: %w", poolName, err)
		}
		group := NewGroup(poolName, *lisCfg.Priority, procs)
		m.pools[poolName] = NewListenerPool(group, m.bus, m.logger, lisCfg.BufferSize, types)
	}
	return nil
}

// buildProcesses expands numprocs and constructs the subprocesses for
// one program or listener section.
func (m *Manager) buildProcesses(progName string, progCfg config.ProgramConfig, listener bool) ([]*Subprocess, error) {
	var procs []*Subprocess
	for _, inst := range ExpandNumprocs(progName, progCfg) {
		cfg, err := runtimeConfig(inst.Name, progName, inst.Config)
		if err != nil {
			return nil, err
		}
		p := NewSubprocess(cfg, m.spawner, m.bus, m.logger,
			WithClock(m.clock),
			WithPidHistory(m.pidHistory),
			WithDispatcherFactory(m.dispatcherFactory(listener)),
		)
		procs = append(procs, p)
	}
	return procs, nil
}

// runtimeConfig converts a defaulted file-level program section into
// the core's flat runtime config.
func runtimeConfig(name, group string, c config.ProgramConfig) (Config, error) {
	sig, err := ParseSignal(c.Stopsignal)
	if err != nil {
		return Config{}, err
	}
	if _, err := ParseCredential(c.UID); err != nil {
		return Config{}, err
	}
	umask, err := ParseUmask(c.Umask)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Name:           name,
		Group:          group,
		Command:        c.Command,
		Priority:       *c.Priority,
		Startsecs:      *c.Startsecs,
		Startretries:   *c.Startretries,
		Stopsignal:     sig,
		Stopwaitsecs:   c.Stopwaitsecs,
		Autostart:      *c.Autostart,
		Autorestart:    c.Autorestart,
		Exitcodes:      c.Exitcodes,
		Directory:      c.Directory,
		Environment:    c.Environment,
		User:           c.UID,
		Umask:          umask,
		RedirectStderr: c.RedirectStderr,
		StdoutLogfile:  c.StdoutLogfile,
		StderrLogfile:  c.StderrLogfile,
		StdoutMaxbytes: c.StdoutLogfileMaxbytes,
		StderrMaxbytes: c.StderrLogfileMaxbytes,
		StdoutBackups:  c.StdoutLogfileBackups,
		StderrBackups:  c.StderrLogfileBackups,
		StdoutCapture:  c.StdoutCapture,
		StderrCapture:  c.StderrCapture,
		StripAnsi:      c.StripAnsi,
		Description:    c.Description,
	}, nil
}

// ParseSignal resolves a signal name ("TERM", "SIGTERM") to its number.
func ParseSignal(name string) (syscall.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	if sig := unix.SignalNum(upper); sig != 0 {
		return syscall.Signal(sig), nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

func resolveEventTypes(names []string) ([]*events.Type, error) {
	types := make([]*events.Type, 0, len(names))
	for _, name := range names {
		t, ok := events.TypeByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		types = append(types, t)
	}
	return types, nil
}

// dispatcherFactory returns the factory wired to real pipes and the
// process's capture writers. Listener children get the protocol
// dispatcher on stdout instead of the plain output dispatcher.
func (m *Manager) dispatcherFactory(listener bool) DispatcherFactory {
	return func(p *Subprocess) (map[int]Dispatcher, *Pipes, error) {
		cfg := p.Config()
		pipes, err := NewPipes(cfg.RedirectStderr)
		if err != nil {
			return nil, nil, err
		}

		stdoutCW, err := m.capture(p, "stdout")
		if err != nil {
			return nil, pipes, err
		}

		dispatchers := map[int]Dispatcher{}
		in := NewInputDispatcher(p, pipes.Stdin, p.logger)
		dispatchers[in.FD()] = in

		if listener {
			out := NewListenerDispatcher(p, pipes.Stdout, stdoutCW, m.bus, p.logger)
			dispatchers[out.FD()] = out
		} else {
			out := NewOutputDispatcher(p, "stdout", pipes.Stdout, stdoutCW, m.bus, p.logger, cfg.StdoutCapture)
			dispatchers[out.FD()] = out
		}

		if pipes.Stderr != nil {
			stderrCW, err := m.capture(p, "stderr")
			if err != nil {
				return nil, pipes, err
			}
			errd := NewOutputDispatcher(p, "stderr", pipes.Stderr, stderrCW, m.bus, p.logger, cfg.StderrCapture)
			dispatchers[errd.FD()] = errd
		}
		return dispatchers, pipes, nil
	}
}

// capture returns the (cached) capture writer for one channel of p.
func (m *Manager) capture(p *Subprocess, channel string) (*logging.CaptureWriter, error) {
	key := p.Name() + ":" + channel
	if cw, ok := m.captures[key]; ok {
		return cw, nil
	}
	cfg := p.Config()
	logfile, maxBytes := cfg.StdoutLogfile, cfg.StdoutMaxbytes
	backups := cfg.StdoutBackups
	if channel == "stderr" {
		logfile, maxBytes = cfg.StderrLogfile, cfg.StderrMaxbytes
		backups = cfg.StderrBackups
	}
	cw, err := logging.NewCaptureWriter(logging.CaptureConfig{
		ProcessName: cfg.Name,
		Stream:      channel,
		Logfile:     logfile,
		StripAnsi:   cfg.StripAnsi,
		MaxBytes:    maxBytes,
		Backups:     backups,
		Logger:      m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.captures[key] = cw
	return cw, nil
}

// ProcessInstance is one expanded process of a program section.
type ProcessInstance struct {
	Name   string
	Config config.ProgramConfig
}

// ExpandNumprocs expands a program section into its process instances.
// With numprocs 1 the instance keeps the section name unless a
// process_name template overrides it.
func ExpandNumprocs(progName string, cfg config.ProgramConfig) []ProcessInstance {
	if cfg.Numprocs <= 1 {
		name := progName
		if cfg.ProcessName != "" {
			name = expandProcessName(cfg.ProcessName, progName, cfg.NumprocsStart, 1)
		}
		return []ProcessInstance{{Name: name, Config: cfg}}
	}

	instances := make([]ProcessInstance, 0, cfg.Numprocs)
	for i := cfg.NumprocsStart; i < cfg.NumprocsStart+cfg.Numprocs; i++ {
		name := expandProcessName(cfg.ProcessName, progName, i, cfg.Numprocs)
		if name == "" {
			name = fmt.Sprintf("%s_%d", progName, i)
		}
		instances = append(instances, ProcessInstance{Name: name, Config: cfg})
	}
	return instances
}

// expandProcessName substitutes the supervisor-style template
// variables in a process_name template.
func expandProcessName(template, progName string, num, numprocs int) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"%(program_name)s", progName,
		"%(group_name)s", progName,
		"%(process_num)d", fmt.Sprintf("%d", num),
		"%(numprocs)d", fmt.Sprintf("%d", numprocs),
	)
	return r.Replace(template)
}

// Groups returns program groups in ascending priority order.
func (m *Manager) Groups() []*Group {
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	sortGroups(groups, false)
	return groups
}

// Pools returns listener pools in ascending priority order.
func (m *Manager) Pools() []*ListenerPool {
	pools := make([]*ListenerPool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].Priority() != pools[j].Priority() {
			return pools[i].Priority() < pools[j].Priority()
		}
		return pools[i].Name() < pools[j].Name()
	})
	return pools
}

func sortGroups(groups []*Group, desc bool) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Priority() != groups[j].Priority() {
			if desc {
				return groups[i].Priority() > groups[j].Priority()
			}
			return groups[i].Priority() < groups[j].Priority()
		}
		if desc {
			return groups[i].Name() > groups[j].Name()
		}
		return groups[i].Name() < groups[j].Name()
	})
}

// allGroups returns pool groups appended after program groups, each in
// start order.
func (m *Manager) allGroups(desc bool) []*Group {
	groups := make([]*Group, 0, len(m.groups)+len(m.pools))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	sortGroups(groups, desc)

	poolGroups := make([]*Group, 0, len(m.pools))
	for _, pool := range m.pools {
		poolGroups = append(poolGroups, pool.Group)
	}
	sortGroups(poolGroups, desc)

	// Pools start before and stop after program groups so listeners
	// see the whole lifecycle of the processes they watch.
	if desc {
		return append(groups, poolGroups...)
	}
	return append(poolGroups, groups...)
}

// Group finds a program group or a listener pool's group by name.
func (m *Manager) Group(name string) (*Group, error) {
	if g, ok := m.groups[name]; ok {
		return g, nil
	}
	if pool, ok := m.pools[name]; ok {
		return pool.Group, nil
	}
	return nil, fmt.Errorf("no such group: %s", name)
}

// Process finds a process by name across groups and pools.
func (m *Manager) Process(name string) (*Subprocess, error) {
	for _, g := range m.groups {
		if p := g.Process(name); p != nil {
			return p, nil
		}
	}
	for _, pool := range m.pools {
		if p := pool.Process(name); p != nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no such process: %s", name)
}

// Processes returns every managed process sorted by name.
func (m *Manager) Processes() []*Subprocess {
	var procs []*Subprocess
	for _, g := range m.allGroups(false) {
		procs = append(procs, g.Processes()...)
	}
	sort.SliceStable(procs, func(i, j int) bool { return procs[i].Name() < procs[j].Name() })
	return procs
}

// ByPid resolves a reaped pid to its subprocess, nil when the pid is
// not ours (for example an orphan inherited as pid 1).
func (m *Manager) ByPid(pid int) *Subprocess { return m.pidHistory[pid] }

// LivePids reports whether any managed child is still alive.
func (m *Manager) LivePids() bool { return len(m.pidHistory) > 0 }

// StartNecessary runs the start pass over pools first, then groups in
// ascending priority order.
func (m *Manager) StartNecessary() {
	now := m.clock.Now()
	for _, g := range m.allGroups(false) {
		g.StartNecessary(now)
	}
}

// Transition runs one tick over every group and pool.
func (m *Manager) Transition() {
	now := m.clock.Now()
	for _, g := range m.Groups() {
		g.Transition(now)
	}
	for _, pool := range m.Pools() {
		pool.Transition(now)
	}
}

// StopAll begins shutdown: every group in descending priority order,
// listener pools last so they drain the final events.
func (m *Manager) StopAll() {
	for _, g := range m.allGroups(true) {
		g.StopAll()
	}
}

// ForceKillAll sends SIGKILL to every child still holding a pid. Used
// when the shutdown grace period runs out.
func (m *Manager) ForceKillAll() {
	for _, p := range m.Processes() {
		if p.Pid() != 0 {
			_ = p.Kill(syscall.SIGKILL)
		}
	}
}

// Dispatchers returns every live dispatcher keyed by fd.
func (m *Manager) Dispatchers() map[int]Dispatcher {
	all := map[int]Dispatcher{}
	for _, g := range m.allGroups(false) {
		for fd, d := range g.Dispatchers() {
			all[fd] = d
		}
	}
	return all
}

// SoonestDelay returns the nearest armed deadline across the roster.
// ok is false when no process holds a deadline.
func (m *Manager) SoonestDelay() (time.Time, bool) {
	var soonest time.Time
	found := false
	for _, g := range m.allGroups(false) {
		for _, p := range g.DelayProcesses() {
			if !found || p.Delay().Before(soonest) {
				soonest = p.Delay()
				found = true
			}
		}
	}
	return soonest, found
}

// ReadLog returns the last n bytes of a process channel's ring buffer.
func (m *Manager) ReadLog(name, channel string, n int) ([]byte, error) {
	if _, err := m.Process(name); err != nil {
		return nil, err
	}
	cw, ok := m.captures[name+":"+channel]
	if !ok || cw == nil {
		return []byte{}, nil
	}
	return cw.ReadTail(n), nil
}

// ReopenLogs reopens every capture log file, for external rotation.
func (m *Manager) ReopenLogs() {
	for key, cw := range m.captures {
		if cw == nil {
			continue
		}
		if err := cw.Reopen(); err != nil {
			m.logger.Error("log reopen failed", "capture", key, "error", err)
		}
	}
}

// CloseLogs closes every capture writer at shutdown.
func (m *Manager) CloseLogs() {
	for _, cw := range m.captures {
		if cw != nil {
			_ = cw.Close()
		}
	}
}
