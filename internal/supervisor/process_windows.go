//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

type osRunner struct{}

// osProcess holds the subprocess inside a job object so that closing
// the job tears down the whole process tree.
type osProcess struct {
	cmd  *exec.Cmd
	job  windows.Handle
	done chan struct{}
	err  error
}

func (osRunner) Start(spec Spec) (process, error) {
	job, err := createJobObject()
	if err != nil {
		job = 0
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}

	if err := cmd.Start(); err != nil {
		if job != 0 {
			windows.CloseHandle(job)
		}
		return nil, err
	}

	if job != 0 {
		if err := assignProcessToJob(job, cmd.Process.Pid); err != nil {
			windows.CloseHandle(job)
			job = 0
		}
	}

	p := &osProcess{cmd: cmd, job: job, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Terminate() {
	if p.job != 0 {
		windows.CloseHandle(p.job)
		p.job = 0
		return
	}
	_ = p.cmd.Process.Kill()
}

func (p *osProcess) Kill() {
	_ = p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Err() error { return p.err }

func createJobObject() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}

	return job, nil
}

func assignProcessToJob(job windows.Handle, pid int) error {
	handle, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	return windows.AssignProcessToJobObject(job, handle)
}

// findProcess reattaches to a live pid recorded by a previous daemon.
func findProcess(pid int) (process, bool) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return nil, false
	}
	p := &pidProcess{pid: pid, handle: handle, done: make(chan struct{})}
	go p.poll()
	return p, true
}

type pidProcess struct {
	pid    int
	handle windows.Handle
	done   chan struct{}
}

func (p *pidProcess) poll() {
	for {
		time.Sleep(500 * time.Millisecond)
		var code uint32
		if err := windows.GetExitCodeProcess(p.handle, &code); err != nil || code != 259 {
			// 259 is STILL_ACTIVE.
			windows.CloseHandle(p.handle)
			close(p.done)
			return
		}
	}
}

func (p *pidProcess) PID() int { return p.pid }

func (p *pidProcess) Terminate() {
	_ = windows.TerminateProcess(p.handle, 1)
}

func (p *pidProcess) Kill() {
	_ = windows.TerminateProcess(p.handle, 1)
}

func (p *pidProcess) Done() <-chan struct{} { return p.done }

func (p *pidProcess) Err() error { return nil }
