//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

type osRunner struct{}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (osRunner) Start(spec Spec) (process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Terminate() {
	signalGroup(p.cmd.Process.Pid, syscall.SIGTERM)
}

func (p *osProcess) Kill() {
	signalGroup(p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Err() error { return p.err }

// signalGroup signals a whole process group, falling back to the
// process itself when the group is gone.
func signalGroup(pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = syscall.Kill(pid, sig)
}

// findProcess reattaches to a live pid recorded by a previous daemon.
func findProcess(pid int) (process, bool) {
	if syscall.Kill(pid, 0) != nil {
		return nil, false
	}
	p := &pidProcess{pid: pid, done: make(chan struct{})}
	go p.poll()
	return p, true
}

// pidProcess is a process readopted by pid. Exit is observed by
// polling since a non-child cannot be waited on.
type pidProcess struct {
	pid  int
	done chan struct{}
}

func (p *pidProcess) poll() {
	for {
		time.Sleep(500 * time.Millisecond)
		if syscall.Kill(p.pid, 0) != nil {
			close(p.done)
			return
		}
	}
}

func (p *pidProcess) PID() int { return p.pid }

func (p *pidProcess) Terminate() {
	signalGroup(p.pid, syscall.SIGTERM)
}

func (p *pidProcess) Kill() {
	signalGroup(p.pid, syscall.SIGKILL)
}

func (p *pidProcess) Done() <-chan struct{} { return p.done }

func (p *pidProcess) Err() error { return nil }
