package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

// Handle is a companion process the supervisor holds, spawned or attached.
type Handle interface {
	PID() int
	// Exited reports whether the process has been observed to exit.
	Exited() bool
	// Done is closed once the process exits.
	Done() <-chan struct{}
	// Kill requests immediate termination.
	Kill() error
	// Release frees any resources associated with the handle.
	Release() error
}

// Finder locates a running process by name.
type Finder interface {
	Find(name string) (pid int, found bool, err error)
}

// Spawner starts the companion executable.
type Spawner interface {
	Spawn(ctx context.Context, path, dir string) (Handle, error)
}

// Attacher wraps an already running process in a Handle.
type Attacher interface {
	Attach(pid int) (Handle, error)
}

var errNotAlive = errors.New("process is not running")

// commLen is the length Linux truncates process names to in /proc/<pid>/stat.
const commLen = 15

// matchesName reports whether a process executable name refers to name.
func matchesName(exe, name string) bool {
	if len(exe) > 4 && strings.EqualFold(exe[len(exe)-4:], ".exe") {
		exe = exe[:len(exe)-4]
	}
	if strings.EqualFold(exe, name) {
		return true
	}
	return len(exe) == commLen && len(name) > commLen && strings.HasPrefix(name, exe)
}

// PsFinder implements Finder over the OS process table.
type PsFinder struct{}

// Find returns the first process other than this one whose executable
// name matches name.
func (PsFinder) Find(name string) (int, bool, error) {
	procs, err := ps.Processes()
	if err != nil {
		return 0, false, err
	}
	self := os.Getpid()
	for _, p := range procs {
		if p.Pid() == self {
			continue
		}
		if matchesName(p.Executable(), name) {
			return p.Pid(), true, nil
		}
	}
	return 0, false, nil
}

// ExecSpawner starts the executable directly, without a shell and without
// a console window. Output is forwarded to the log.
type ExecSpawner struct{}

// Spawn starts path with working directory dir.
func (s ExecSpawner) Spawn(ctx context.Context, path, dir string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := monitoring.WithComponent("sender").WithField("exe", filepath.Base(path)).WriterLevel(logrus.InfoLevel)

	cmd := exec.Command(path)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, err
	}

	h := &childHandle{cmd: cmd, out: out, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type childHandle struct {
	cmd  *exec.Cmd
	out  io.Closer
	done chan struct{}
	err  error
}

func (h *childHandle) wait() {
	h.err = h.cmd.Wait()
	h.out.Close()
	close(h.done)
}

func (h *childHandle) PID() int              { return h.cmd.Process.Pid }
func (h *childHandle) Done() <-chan struct{} { return h.done }

func (h *childHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *childHandle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killProcess(h.cmd.Process)
}

// Release is a no-op: the wait goroutine reaps the child.
func (h *childHandle) Release() error { return nil }

// ProcessAttacher implements Attacher for processes this program did not
// start. Exit is detected by polling liveness.
type ProcessAttacher struct {
	Clock        timeutil.Clock
	PollInterval time.Duration
}

// Attach returns a handle for pid, or an error if it is not alive.
func (a ProcessAttacher) Attach(pid int) (Handle, error) {
	if !processAlive(pid) {
		return nil, errNotAlive
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}

	clock := a.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := a.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	h := &attachedHandle{
		proc: proc,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go h.watch(clock.NewTicker(interval))
	return h, nil
}

type attachedHandle struct {
	proc     *os.Process
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *attachedHandle) watch(t timeutil.Ticker) {
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C():
			if !processAlive(h.proc.Pid) {
				close(h.done)
				return
			}
		}
	}
}

func (h *attachedHandle) PID() int              { return h.proc.Pid }
func (h *attachedHandle) Done() <-chan struct{} { return h.done }

func (h *attachedHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return !processAlive(h.proc.Pid)
	}
}

func (h *attachedHandle) Kill() error {
	err := h.proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *attachedHandle) Release() error {
	h.stopOnce.Do(func() { close(h.stop) })
	return h.proc.Release()
}
