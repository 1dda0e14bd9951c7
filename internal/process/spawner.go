package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// StartRequest holds everything needed to start one child.
type StartRequest struct {
	Path string   // resolved executable path
	Argv []string // full argv, Argv[0] == Path
	Dir  string   // working directory ("" = inherit)
	Env  []string // complete child environment (KEY=VALUE)

	// Child-side pipe ends. Stderr may alias Stdout when stderr is
	// redirected.
	Stdin, Stdout, Stderr *os.File

	Credential *syscall.Credential // nil = inherit
	RLimits    []RLimit
	Umask      int // -1 = inherit
}

// Spawner starts and signals children. ExecSpawner is the real
// implementation; MockSpawner is the test double.
type Spawner interface {
	Start(req StartRequest) (pid int, err error)
	Kill(pid int, sig syscall.Signal) error
}

// ExecSpawner starts real OS processes via os/exec. Children are
// placed in their own process group so supervisor-directed signals
// never reach them implicitly.
type ExecSpawner struct{}

// Start launches the child and releases the process handle: reaping is
// the run loop's job, via Wait4. Resource limits and umask are imposed
// on the supervisor around the start so the child inherits them, then
// restored.
func (ExecSpawner) Start(req StartRequest) (int, error) {
	cmd := exec.Command(req.Path)
	cmd.Args = req.Argv
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: req.Credential,
	}

	saved := pushRLimits(req.RLimits)
	prevMask := ApplyUmask(req.Umask)
	err := cmd.Start()
	if req.Umask >= 0 {
		ApplyUmask(prevMask)
	}
	popRLimits(saved)
	if err != nil {
		return 0, fmt.Errorf("spawn %q: %w", req.Path, err)
	}

	pid := cmd.Process.Pid
	// Drop the handle; cmd.Wait is never called.
	_ = cmd.Process.Release()
	return pid, nil
}

// Kill delivers sig to pid.
func (ExecSpawner) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, unix.Signal(sig))
}

// MockSpawner records starts and kills for tests.
type MockSpawner struct {
	StartFn func(req StartRequest) (int, error)
	KillFn  func(pid int, sig syscall.Signal) error

	StartCalls []StartRequest
	KillCalls  []KillCall

	nextPid int
}

// KillCall records one Kill invocation.
type KillCall struct {
	Pid int
	Sig syscall.Signal
}

func (m *MockSpawner) Start(req StartRequest) (int, error) {
	m.StartCalls = append(m.StartCalls, req)
	if m.StartFn != nil {
		return m.StartFn(req)
	}
	m.nextPid++
	return 1000 + m.nextPid, nil
}

func (m *MockSpawner) Kill(pid int, sig syscall.Signal) error {
	m.KillCalls = append(m.KillCalls, KillCall{Pid: pid, Sig: sig})
	if m.KillFn != nil {
		return m.KillFn(pid, sig)
	}
	return nil
}
