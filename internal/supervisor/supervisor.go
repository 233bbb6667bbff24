// Package supervisor finds or spawns the companion sender process and
// notifies listeners when it starts and before it is stopped.
//
// Start and Stop are expected to run on the host tick goroutine. Listeners
// are invoked synchronously on that goroutine and must not call Start or
// Stop themselves.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/pose-receiver/internal/assets"
	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

// DefaultStopTimeout bounds how long Stop waits for the process to exit.
const DefaultStopTimeout = 2 * time.Second

var (
	// ErrExecutableMissing is returned when the companion executable is not
	// installed under the asset root.
	ErrExecutableMissing = errors.New("sender executable not found")
	// ErrShutdownTimeout is logged when the process outlives the stop bound.
	ErrShutdownTimeout = errors.New("sender did not exit within stop timeout")
)

// SpawnError wraps a failure to start the companion executable.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// LifecycleListener is notified of companion process transitions.
type LifecycleListener interface {
	ProcessStarted()
	ProcessStopped()
}

// ListenerFuncs adapts a pair of functions to LifecycleListener. Nil
// fields are skipped.
type ListenerFuncs struct {
	Started func()
	Stopped func()
}

func (l ListenerFuncs) ProcessStarted() {
	if l.Started != nil {
		l.Started()
	}
}

func (l ListenerFuncs) ProcessStopped() {
	if l.Stopped != nil {
		l.Stopped()
	}
}

// EventKind classifies supervisor events for recording.
type EventKind string

const (
	EventAttached          EventKind = "attached"
	EventSpawned           EventKind = "spawned"
	EventExecutableMissing EventKind = "executable_missing"
	EventSpawnFailed       EventKind = "spawn_failed"
	EventStopped           EventKind = "stopped"
	EventStopTimeout       EventKind = "stop_timeout"
	EventExitedUnobserved  EventKind = "exited"
)

// Event is one recorded supervisor transition.
type Event struct {
	Kind   EventKind
	PID    int
	Detail string
	At     time.Time
}

// EventRecorder receives supervisor events. It must not block.
type EventRecorder interface {
	RecordEvent(Event)
}

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	Finder      Finder
	Spawner     Spawner
	Attacher    Attacher
	Clock       timeutil.Clock
	Recorder    EventRecorder
	StopTimeout time.Duration
	ProcessName string
}

type listenerEntry struct {
	id string
	l  LifecycleListener
}

// Supervisor owns at most one companion process handle.
type Supervisor struct {
	layout      assets.Layout
	finder      Finder
	spawner     Spawner
	attacher    Attacher
	clock       timeutil.Clock
	recorder    EventRecorder
	stopTimeout time.Duration
	name        string
	log         *logrus.Entry

	opMu sync.Mutex // serialises Start and Stop

	mu        sync.Mutex
	handle    Handle
	attached  bool
	listeners []listenerEntry
}

// New creates a supervisor for the companion installed under layout.
func New(layout assets.Layout, opts Options) *Supervisor {
	s := &Supervisor{
		layout:      layout,
		finder:      opts.Finder,
		spawner:     opts.Spawner,
		attacher:    opts.Attacher,
		clock:       opts.Clock,
		recorder:    opts.Recorder,
		stopTimeout: opts.StopTimeout,
		name:        opts.ProcessName,
		log:         monitoring.WithComponent("supervisor"),
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.finder == nil {
		s.finder = PsFinder{}
	}
	if s.spawner == nil {
		s.spawner = ExecSpawner{}
	}
	if s.attacher == nil {
		s.attacher = ProcessAttacher{Clock: s.clock}
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.name == "" {
		s.name = assets.ProcessName
	}
	return s
}

// Subscribe registers l and returns an ID for Unsubscribe.
func (s *Supervisor) Subscribe(l LifecycleListener) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.listeners = append(s.listeners, listenerEntry{id: id, l: l})
	s.mu.Unlock()
	return id
}

// Unsubscribe removes the listener registered under id.
func (s *Supervisor) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.listeners {
		if e.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Running reports whether a live process handle is held.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && !s.handle.Exited()
}

// Attached reports whether the held process was found rather than spawned.
func (s *Supervisor) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.attached
}

// PID returns the held process ID, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Start attaches to a running companion or spawns a new one, then fires
// Started. A failed start fires nothing and is not retried.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		if !h.Exited() {
			return nil
		}
		s.log.Warnf("%s (pid %d) exited on its own", s.name, h.PID())
		s.record(EventExitedUnobserved, h.PID(), "")
		s.release(h)
	}

	if h, ok := s.attach(); ok {
		s.hold(h, true)
		s.log.Infof("%s already running - attached (pid %d)", s.name, h.PID())
		s.record(EventAttached, h.PID(), "")
		s.fireStarted()
		return nil
	}

	path := s.layout.ExecutablePath()
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		err := fmt.Errorf("%w: %s", ErrExecutableMissing, path)
		s.log.Error(err.Error())
		s.record(EventExecutableMissing, 0, path)
		return err
	}

	h, err := s.spawner.Spawn(ctx, path, s.layout.Root)
	if err != nil {
		spawnErr := &SpawnError{Path: path, Err: err}
		s.log.Error(spawnErr.Error())
		s.record(EventSpawnFailed, 0, err.Error())
		return spawnErr
	}

	s.hold(h, false)
	s.log.Infof("%s started (pid %d)", s.name, h.PID())
	s.record(EventSpawned, h.PID(), path)
	s.fireStarted()
	return nil
}

func (s *Supervisor) attach() (Handle, bool) {
	pid, found, err := s.finder.Find(s.name)
	if err != nil {
		s.log.Warnf("Process lookup failed: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	h, err := s.attacher.Attach(pid)
	if err != nil {
		s.log.Debugf("Cannot attach to pid %d: %v", pid, err)
		return nil, false
	}
	return h, true
}

// Stop fires Stopped, kills the process and waits up to the stop timeout
// for it to exit. The handle is always released. Errors are logged, never
// returned.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}
	defer s.release(h)

	if h.Exited() {
		s.record(EventExitedUnobserved, h.PID(), "")
		return
	}

	s.fireStopped()

	if err := h.Kill(); err != nil {
		s.log.Warnf("Failed to kill %s (pid %d): %v", s.name, h.PID(), err)
	}

	select {
	case <-h.Done():
		s.log.Infof("%s stopped (pid %d)", s.name, h.PID())
		s.record(EventStopped, h.PID(), "")
	case <-s.clock.After(s.stopTimeout):
		s.log.Warnf("%v (pid %d, waited %v)", ErrShutdownTimeout, h.PID(), s.stopTimeout)
		s.record(EventStopTimeout, h.PID(), s.stopTimeout.String())
	}
}

func (s *Supervisor) hold(h Handle, attached bool) {
	s.mu.Lock()
	s.handle = h
	s.attached = attached
	s.mu.Unlock()
}

func (s *Supervisor) release(h Handle) {
	if err := h.Release(); err != nil {
		s.log.Debugf("release pid %d: %v", h.PID(), err)
	}
	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
		s.attached = false
	}
	s.mu.Unlock()
}

func (s *Supervisor) snapshotListeners() []LifecycleListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleListener, len(s.listeners))
	for i, e := range s.listeners {
		out[i] = e.l
	}
	return out
}

func (s *Supervisor) fireStarted() {
	for _, l := range s.snapshotListeners() {
		l.ProcessStarted()
	}
}

func (s *Supervisor) fireStopped() {
	for _, l := range s.snapshotListeners() {
		l.ProcessStopped()
	}
}

func (s *Supervisor) record(kind EventKind, pid int, detail string) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordEvent(Event{Kind: kind, PID: pid, Detail: detail, At: s.clock.Now()})
}
