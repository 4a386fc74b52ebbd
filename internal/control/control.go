// Package control serializes every configuration mutation (device change,
// routing change, layout change, session parameter change) through a
// single command-queue goroutine, so the callback path and worker loops are
// never held by a control-surface lock, per the design's concurrency model.
package control

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/asiofanout/asiofanout/internal/layout"
	"github.com/asiofanout/asiofanout/internal/listener"
	"github.com/asiofanout/asiofanout/internal/registry"
	"github.com/asiofanout/asiofanout/internal/scheduler"
	"github.com/asiofanout/asiofanout/internal/session"
)

var (
	ErrUnknownListener = errors.New("control: unknown listener")
	ErrClosed          = errors.New("control: surface closed")
)

// Surface is the single owner of device sessions and attached listeners. All
// public methods are synchronous to the caller but serialize internally
// through a command channel drained by Run.
type Surface struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	logger    *log.Logger
	ctx       *malgo.AllocatedContext

	cmds   chan func()
	stop   chan struct{}
	closed chan struct{}

	mu        sync.Mutex
	sessions  map[int]*session.Session // by device index
	listeners map[string]*listener.Listener
	deviceOf  map[string]int // listener id -> device index
}

// New creates a control surface bound to the given driver context, registry
// and scheduler. Call Run in its own goroutine before issuing commands.
func New(ctx *malgo.AllocatedContext, reg *registry.Registry, sched *scheduler.Scheduler, logger *log.Logger) *Surface {
	if logger == nil {
		logger = log.Default()
	}
	return &Surface{
		registry:  reg,
		scheduler: sched,
		logger:    logger.With("component", "control"),
		ctx:       ctx,
		cmds:      make(chan func(), 16),
		stop:      make(chan struct{}),
		closed:    make(chan struct{}),
		sessions:  map[int]*session.Session{},
		listeners: map[string]*listener.Listener{},
		deviceOf:  map[string]int{},
	}
}

// Run drains the command queue until Close is called. It should run in its
// own goroutine; it never blocks the callback path because session
// Start/Stop calls happen here, not inside the ring/listener hot paths.
func (s *Surface) Run() {
	defer close(s.closed)
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.stop:
			// Drain any already-queued commands before exiting so callers
			// blocked on a result channel are not abandoned.
			for {
				select {
				case cmd := <-s.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// Close stops Run and waits for it to exit.
func (s *Surface) Close() {
	close(s.stop)
	<-s.closed
}

func (s *Surface) exec(fn func() error) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	result := make(chan error, 1)
	select {
	case s.cmds <- func() { result <- fn() }:
	case <-s.stop:
		return ErrClosed
	}
	return <-result
}

// sessionFor returns (creating if necessary) the session for deviceIndex.
// Must run on the command goroutine.
func (s *Surface) sessionFor(deviceIndex int) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deviceIndex]; ok {
		return sess, nil
	}
	desc, err := s.registry.Info(deviceIndex)
	if err != nil {
		return nil, err
	}
	sess := session.New(s.ctx, desc, s.logger)
	s.sessions[deviceIndex] = sess
	return sess, nil
}

// countListenersOn reports how many listeners are currently attached to
// deviceIndex. Must run on the command goroutine.
func (s *Surface) countListenersOn(deviceIndex int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, idx := range s.deviceOf {
		if idx == deviceIndex {
			n++
		}
	}
	return n
}

// AttachListener attaches l to deviceIndex with the given session
// parameters and routing/layout. If the device's session is not already
// running, this starts it; adding a second listener to an already-running
// device does not restart it.
func (s *Surface) AttachListener(l *listener.Listener, deviceIndex int, params session.Params, routing listener.RoutingTable, lay layout.SpeakerLayout) error {
	return s.exec(func() error {
		sess, err := s.sessionFor(deviceIndex)
		if err != nil {
			return err
		}

		if sess.State() == session.Unprepared || sess.State() == session.Stopped {
			if err := sess.Prepare(params); err != nil {
				return err
			}
		}
		if sess.State() == session.Prepared {
			if err := sess.Start(); err != nil {
				return err
			}
		}

		l.SetRouting(routing)
		l.SetOutputLayout(lay)
		if err := l.Attach(s.scheduler, sess); err != nil {
			return err
		}

		s.mu.Lock()
		s.listeners[l.ID()] = l
		s.deviceOf[l.ID()] = deviceIndex
		s.mu.Unlock()
		return nil
	})
}

// DetachListener detaches the listener identified by id. If it was the last
// listener on its device, the session is allowed (but not required) to
// stop; this implementation leaves it running so a future attach is cheap,
// matching the "policy permits" language in the design rather than forcing
// a teardown.
func (s *Surface) DetachListener(id string) error {
	return s.exec(func() error {
		s.mu.Lock()
		l, ok := s.listeners[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownListener, id)
		}
		delete(s.listeners, id)
		delete(s.deviceOf, id)
		s.mu.Unlock()

		return l.Detach()
	})
}

// SetRouting replaces id's routing table.
func (s *Surface) SetRouting(id string, table listener.RoutingTable) error {
	return s.exec(func() error {
		l, err := s.listenerFor(id)
		if err != nil {
			return err
		}
		l.SetRouting(table)
		return nil
	})
}

// SetOutputLayout replaces id's speaker layout.
func (s *Surface) SetOutputLayout(id string, lay layout.SpeakerLayout) error {
	return s.exec(func() error {
		l, err := s.listenerFor(id)
		if err != nil {
			return err
		}
		l.SetOutputLayout(lay)
		return nil
	})
}

// SetSessionParams reconfigures the session backing deviceIndex. Any
// attached listener keeps its identity; it simply observes the session go
// through Stop -> Prepare -> Start underneath it.
func (s *Surface) SetSessionParams(deviceIndex int, params session.Params) error {
	return s.exec(func() error {
		sess, err := s.sessionFor(deviceIndex)
		if err != nil {
			return err
		}
		return sess.Reconfigure(params)
	})
}

// SelectDevice moves listener id from its current device (if any) to
// deviceIndex, implemented as detach + attach per the design's rule that a
// device change is never an in-place mutation.
func (s *Surface) SelectDevice(id string, deviceIndex int, params session.Params) error {
	return s.exec(func() error {
		s.mu.Lock()
		l, ok := s.listeners[id]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownListener, id)
		}

		routing := l.Routing()
		n := l.OutputCount()
		_ = n // layout is re-derived by the caller via SetOutputLayout if needed

		if err := l.Detach(); err != nil {
			return err
		}

		sess, err := s.sessionFor(deviceIndex)
		if err != nil {
			return err
		}
		if sess.State() == session.Unprepared || sess.State() == session.Stopped {
			if err := sess.Prepare(params); err != nil {
				return err
			}
		}
		if sess.State() == session.Prepared {
			if err := sess.Start(); err != nil {
				return err
			}
		}

		l.SetRouting(routing)
		if err := l.Attach(s.scheduler, sess); err != nil {
			return err
		}

		s.mu.Lock()
		s.deviceOf[id] = deviceIndex
		s.mu.Unlock()
		return nil
	})
}

func (s *Surface) listenerFor(id string) (*listener.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownListener, id)
	}
	return l, nil
}

// Rescan re-enumerates the registry and logs any session whose device has
// disappeared; per the design's resolved open question, such sessions are
// not automatically migrated to a reappearing device of the same name.
func (s *Surface) Rescan() error {
	return s.exec(func() error {
		before := map[int]string{}
		for idx, sess := range s.sessions {
			before[idx] = sess.Descriptor().Name
		}
		if err := s.registry.Rescan(); err != nil {
			return err
		}
		for idx, name := range before {
			if _, found := s.registry.FindByName(name); !found {
				s.logger.Warn("device disappeared, its session is orphaned", "device", name, "index", idx)
			}
		}
		return nil
	})
}
