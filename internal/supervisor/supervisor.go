// Package supervisor manages the station's subprocesses. Each managed
// process runs in its own process group, is started against a readiness
// probe, and is stopped with a graceful signal that escalates to a kill
// after a grace window.
//
// The supervisor can also adopt a process that is already listening,
// which is how a freshly swapped hypervisor reattaches to an inference
// runtime that survived the swap.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/registry"
)

const (
	// DefaultStartupTimeout bounds how long a process may take to
	// become ready before it is killed.
	DefaultStartupTimeout = 100 * time.Second

	// startAttempts is how many times a process that crashes during
	// startup is relaunched before the failure surfaces.
	startAttempts = 3
)

// Spec describes how to launch and probe one managed process.
type Spec struct {
	// Path is the executable to run.
	Path string

	// Args are passed to the executable.
	Args []string

	// Dir is the working directory. Empty means the parent's.
	Dir string

	// Env entries are appended to the parent environment.
	Env []string

	// Port is a TCP readiness port. Zero disables the port probe.
	Port int

	// HealthURL is an HTTP readiness endpoint. When set it takes
	// precedence over Port.
	HealthURL string

	// PIDFile, when set, records the process id on start so a
	// successor daemon can readopt the process with signal control.
	PIDFile string

	// StartupTimeout overrides DefaultStartupTimeout when positive.
	StartupTimeout time.Duration
}

// Handle describes a running managed process.
type Handle struct {
	Component registry.Component
	PID       int
	Adopted   bool
}

// process is one launched operating system process. The default runner
// backs it with exec.Cmd in its own process group; tests substitute
// fakes.
type process interface {
	PID() int
	Terminate()
	Kill()
	Done() <-chan struct{}
	Err() error
}

// runner launches processes.
type runner interface {
	Start(spec Spec) (process, error)
}

// managed pairs a spec with its live process. proc is nil for a
// process adopted by probe only.
type managed struct {
	spec     Spec
	proc     process
	stopping atomic.Bool
}

// Supervisor owns the lifecycle of the station's subprocesses.
type Supervisor struct {
	logger *slog.Logger
	run    runner

	grace      time.Duration
	settle     time.Duration
	backoff    time.Duration
	probeEvery time.Duration

	onExit func(c registry.Component, err error)

	mu    sync.Mutex
	procs map[registry.Component]*managed
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStopGrace sets the window between the graceful stop signal and
// the forced kill.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithSettle sets the delay between stop and start on Restart.
func WithSettle(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.settle = d
		}
	}
}

// WithExitHandler registers a callback for processes that exit without
// being stopped. The callback runs on the watcher goroutine.
func WithExitHandler(fn func(c registry.Component, err error)) Option {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// New creates a Supervisor with no managed processes.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:     slog.Default(),
		run:        osRunner{},
		grace:      15 * time.Second,
		settle:     5 * time.Second,
		backoff:    time.Second,
		probeEvery: 250 * time.Millisecond,
		procs:      make(map[registry.Component]*managed),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches a process and blocks until it is ready or the startup
// timeout elapses. A process that crashes before becoming ready is
// relaunched with linear backoff; a process that hangs is killed. Any
// previous instance of the component is stopped first.
func (s *Supervisor) Start(ctx context.Context, c registry.Component, spec Spec) (*Handle, error) {
	s.Stop(c)

	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, errors.New(errors.CodeProcessStart).
					WithComponent(c.String()).Wrap(ctx.Err())
			case <-time.After(time.Duration(attempt-1) * s.backoff):
			}
		}

		proc, err := s.run.Start(spec)
		if err != nil {
			return nil, errors.New(errors.CodeProcessStart).
				WithComponent(c.String()).Wrap(err)
		}
		s.logger.Info("process started",
			"component", c.String(), "pid", proc.PID(), "attempt", attempt)
		writePIDFile(spec.PIDFile, proc.PID())

		err = s.awaitReady(ctx, spec, proc, timeout)
		if err == nil {
			s.track(c, &managed{spec: spec, proc: proc})
			return &Handle{Component: c, PID: proc.PID()}, nil
		}

		select {
		case <-proc.Done():
			// Crashed during startup. Retry with backoff.
			lastErr = errors.New(errors.CodeProcessCrash).
				WithComponent(c.String()).Wrap(proc.Err())
			s.logger.Warn("process crashed during startup",
				"component", c.String(), "attempt", attempt, "error", proc.Err())
			continue
		default:
		}

		s.halt(proc)
		removePIDFile(spec.PIDFile)
		return nil, errors.New(errors.CodeProcessStart).
			WithComponent(c.String()).WithDetail("not ready after %s", timeout).Wrap(err)
	}
	return nil, lastErr
}

// Stop terminates a component's process group, escalating to a kill
// after the grace window. Stopping an unmanaged component is a no-op.
// A process adopted without a pid record cannot be signalled and is
// left running.
func (s *Supervisor) Stop(c registry.Component) {
	s.mu.Lock()
	m := s.procs[c]
	delete(s.procs, c)
	s.mu.Unlock()
	if m == nil {
		return
	}

	m.stopping.Store(true)
	if m.proc == nil {
		s.logger.Warn("adopted process has no pid record, leaving it running",
			"component", c.String())
		return
	}

	s.halt(m.proc)
	removePIDFile(m.spec.PIDFile)
	s.logger.Info("process stopped", "component", c.String())
}

// Restart stops a component, waits out the settle delay, and starts it
// with the given spec.
func (s *Supervisor) Restart(ctx context.Context, c registry.Component, spec Spec) (*Handle, error) {
	s.Stop(c)
	if s.settle > 0 {
		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeProcessStart).
				WithComponent(c.String()).Wrap(ctx.Err())
		case <-time.After(s.settle):
		}
	}
	return s.Start(ctx, c, spec)
}

// Adopt attaches to a process that is already listening on the spec's
// probe target, without spawning anything. A pid record left by a
// previous daemon restores signal control; otherwise the process is
// tracked by probe only. Returns false when nothing is listening.
func (s *Supervisor) Adopt(c registry.Component, spec Spec) (*Handle, bool) {
	if err := probeOnce(spec); err != nil {
		return nil, false
	}

	m := &managed{spec: spec}
	h := &Handle{Component: c, Adopted: true}
	if pid, ok := readPIDFile(spec.PIDFile); ok {
		if proc, alive := findProcess(pid); alive {
			m.proc = proc
			h.PID = pid
		}
	}
	s.track(c, m)
	s.logger.Info("process adopted", "component", c.String(), "pid", h.PID)
	return h, true
}

// Health reports whether a component's process is up and answering its
// readiness probe. It never blocks beyond the probe's own dial timeout
// and never mutates component state.
func (s *Supervisor) Health(c registry.Component) bool {
	s.mu.Lock()
	m := s.procs[c]
	s.mu.Unlock()
	if m == nil {
		return false
	}

	if m.proc != nil {
		select {
		case <-m.proc.Done():
			return false
		default:
		}
	}
	if m.spec.Port == 0 && m.spec.HealthURL == "" {
		return m.proc != nil
	}
	return probeOnce(m.spec) == nil
}

// Running reports whether a component has a tracked process.
func (s *Supervisor) Running(c registry.Component) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[c]
	return ok
}

// Watch probes a component on a fixed interval until ctx ends and
// reports readiness transitions to fn. The initial state is reported
// once before the loop starts.
func (s *Supervisor) Watch(ctx context.Context, c registry.Component, every time.Duration, fn func(healthy bool)) {
	if every <= 0 {
		every = 5 * time.Second
	}
	last := s.Health(c)
	fn(last)

	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			now := s.Health(c)
			if now != last {
				last = now
				fn(now)
			}
		}
	}
}

// StopAll stops every managed process. Used on daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	components := make([]registry.Component, 0, len(s.procs))
	for c := range s.procs {
		components = append(components, c)
	}
	s.mu.Unlock()

	for _, c := range components {
		s.Stop(c)
	}
}

// track records a managed process and watches it for unexpected exit.
func (s *Supervisor) track(c registry.Component, m *managed) {
	s.mu.Lock()
	s.procs[c] = m
	s.mu.Unlock()

	if m.proc == nil {
		return
	}
	go func() {
		<-m.proc.Done()
		if m.stopping.Load() {
			return
		}
		err := m.proc.Err()
		s.logger.Warn("process exited unexpectedly",
			"component", c.String(), "error", err)

		s.mu.Lock()
		if s.procs[c] == m {
			delete(s.procs, c)
		}
		s.mu.Unlock()
		removePIDFile(m.spec.PIDFile)

		if s.onExit != nil {
			s.onExit(c, err)
		}
	}()
}

// awaitReady polls the readiness probe until it answers, the process
// exits, the timeout elapses, or ctx is cancelled. Specs with no probe
// target are ready as soon as the process is running.
func (s *Supervisor) awaitReady(ctx context.Context, spec Spec, proc process, timeout time.Duration) error {
	if spec.Port == 0 && spec.HealthURL == "" {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.probeEvery)
	defer tick.Stop()

	for {
		if probeOnce(spec) == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return proc.Err()
		case <-deadline.C:
			return fmt.Errorf("readiness probe timed out")
		case <-tick.C:
		}
	}
}

// halt signals a process group to terminate and escalates to a kill
// after the grace window.
func (s *Supervisor) halt(p process) {
	p.Terminate()
	select {
	case <-p.Done():
	case <-time.After(s.grace):
		p.Kill()
		<-p.Done()
	}
}

// probeOnce performs a single readiness check.
func probeOnce(spec Spec) error {
	if spec.HealthURL != "" {
		client := http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(spec.HealthURL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", spec.Port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func writePIDFile(path string, pid int) {
	if path == "" {
		return
	}
	_ = os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

func readPIDFile(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
