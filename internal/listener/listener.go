// Package listener implements one host-facing capture source: a routing
// table, a cursor into a device's ring buffer, and a worker loop that drains
// the ring, applies per-channel routing (including synthesized silence for
// muted channels), and forwards frames to a sink.
package listener

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/asiofanout/asiofanout/internal/layout"
	"github.com/asiofanout/asiofanout/internal/ring"
	"github.com/asiofanout/asiofanout/internal/scheduler"
	"github.com/asiofanout/asiofanout/internal/session"
	"github.com/asiofanout/asiofanout/internal/sink"
)

// MaxOutputChannels bounds the routing table to the largest speaker layout
// the pipeline supports (7.1).
const MaxOutputChannels = 8

// MuteChannel is the routing-table sentinel for a muted output channel.
const MuteChannel int32 = -1

var (
	ErrNoSession = errors.New("listener: not attached to a session")
)

// RoutingTable maps output channel index -> device input channel index, or
// MuteChannel.
type RoutingTable [MaxOutputChannels]int32

// MutedRoutingTable returns a table with every channel muted.
func MutedRoutingTable() RoutingTable {
	var t RoutingTable
	for i := range t {
		t[i] = MuteChannel
	}
	return t
}

// Listener is one host-side capture source. Its identity is the sink handle
// it writes to.
type Listener struct {
	id     string
	snk    sink.Sink
	logger *log.Logger
	layout layout.SpeakerLayout

	routing     atomic.Pointer[RoutingTable]
	outputCount atomic.Uint32

	sess atomic.Pointer[session.Session]

	readSeq atomic.Uint64
	active  atomic.Bool

	overrunCount atomic.Uint64

	silence []byte

	sched *scheduler.Scheduler
}

// New creates a detached listener that will emit to the given sink.
func New(id string, s sink.Sink, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	l := &Listener{
		id:     id,
		snk:    s,
		logger: logger.With("listener", id),
	}
	table := MutedRoutingTable()
	l.routing.Store(&table)
	return l
}

// ID returns the listener's sink identity.
func (l *Listener) ID() string { return l.id }

// SetRouting atomically replaces the routing table. The worker loads the
// table once per ring slot, so the new table applies from the next slot it
// routes (copy-on-write publication via acquire/release on the pointer).
func (l *Listener) SetRouting(t RoutingTable) {
	l.routing.Store(&t)
}

// Routing returns the currently published routing table.
func (l *Listener) Routing() RoutingTable {
	return *l.routing.Load()
}

// SetOutputLayout restricts routing reads to [0, layout.OutputChannels()).
func (l *Listener) SetOutputLayout(lay layout.SpeakerLayout) {
	l.layout = lay
	n := lay.OutputChannels()
	if n > MaxOutputChannels {
		n = MaxOutputChannels
	}
	l.outputCount.Store(uint32(n))
}

// OutputCount returns the currently configured output channel count.
func (l *Listener) OutputCount() int { return int(l.outputCount.Load()) }

// OverrunCount returns how many times the worker has had to skip forward due
// to a ring overrun.
func (l *Listener) OverrunCount() uint64 { return l.overrunCount.Load() }

// Attach subscribes the listener to sess's ring starting at its current
// write_seq, so a newly attached listener only sees future frames, then
// enqueues its worker on sched. Any previous attachment is detached first.
func (l *Listener) Attach(sched *scheduler.Scheduler, sess *session.Session) error {
	if l.active.Load() {
		if err := l.Detach(); err != nil {
			return err
		}
	}

	l.sess.Store(sess)
	l.readSeq.Store(sess.Ring().CurrentWriteSeq())
	l.sched = sched
	l.active.Store(true)

	return sched.Spawn(l.id, l.run)
}

// Detach signals the worker to exit at its next iteration and joins it
// before returning; no further sink emission occurs after Detach returns.
func (l *Listener) Detach() error {
	if !l.active.CompareAndSwap(true, false) {
		return nil
	}
	err := l.sched.CancelAndWait(l.id)
	l.sess.Store(nil)
	return err
}

// Destroy detaches and releases listener resources.
func (l *Listener) Destroy() error {
	return l.Detach()
}

// run is the worker loop: wait on the ring's edge-triggered signal or a
// bounded poll timeout, drain all committed slots, route channels, and hand
// frames to the sink. It returns promptly once stop is closed, per the
// scheduler's contract.
func (l *Listener) run(stop <-chan struct{}) {
	for {
		sess := l.sess.Load()
		if sess == nil {
			return
		}
		r := sess.Ring()

		notify := r.Notify()
		timer := time.NewTimer(pollInterval(sess))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}

		if !l.active.Load() {
			return
		}
		if sess.State() != session.Running {
			// The session is between Stop and a fresh Start/Reconfigure;
			// the listener becomes a no-op until it resumes, matching the
			// scheduler's stale-current_callback rule.
			continue
		}

		l.drain(r)

		select {
		case <-stop:
			return
		default:
		}
	}
}

func pollInterval(sess *session.Session) time.Duration {
	p := sess.Params()
	if p.SampleRate == 0 || p.BufferSize == 0 {
		return time.Millisecond
	}
	period := time.Duration(p.BufferSize) * time.Second / time.Duration(p.SampleRate)
	half := period / 2
	if half < time.Millisecond {
		return time.Millisecond
	}
	return half
}

// drain advances readSeq through every slot the writer has committed since
// the last call, routes channels for each, and emits to the sink.
func (l *Listener) drain(r *ring.Buffer) {
	write := r.CurrentWriteSeq()
	readSeq := l.readSeq.Load()

	if n := r.N(); write > n && write-readSeq > n {
		dropped := write - readSeq - (n - 1)
		readSeq = write - n + 1
		l.overrunCount.Add(dropped)
		l.logger.Warn("listener overrun, skipping forward", "dropped", dropped, "read_seq", readSeq)
	}

	for readSeq < write {
		slot, err := r.ReadAt(readSeq)
		if err != nil {
			// Another overrun opened up while we were routing; recover the
			// same way and keep draining.
			write = r.CurrentWriteSeq()
			if n := r.N(); write-readSeq > n {
				dropped := write - readSeq - (n - 1)
				readSeq = write - n + 1
				l.overrunCount.Add(dropped)
				continue
			}
			break
		}

		table := l.Routing()
		outputCount := l.OutputCount()

		if outputCount > 0 {
			l.ensureSilence(int(slot.Frames) * slot.Format.BytesPerSample())

			channels := make([][]byte, outputCount)
			anyUnmuted := false
			for o := 0; o < outputCount; o++ {
				dev := table[o]
				if dev == MuteChannel || dev >= int32(slot.Channels) {
					channels[o] = l.silence
				} else {
					channels[o] = slot.Data[dev]
					anyUnmuted = true
				}
			}

			if anyUnmuted {
				frame := sink.Frame{
					Format:     slot.Format,
					SampleRate: slot.SampleRate,
					Frames:     slot.Frames,
					Timestamp:  slot.Timestamp,
					Channels:   channels,
					Layout:     l.layout,
				}
				if err := l.snk.Emit(frame); err != nil {
					l.logger.Debug("sink emit failed", "err", err)
				}
			}
		}

		readSeq++
	}

	l.readSeq.Store(readSeq)
}

func (l *Listener) ensureSilence(size int) {
	if len(l.silence) >= size {
		return
	}
	l.silence = make([]byte, size) // zero-filled by allocation
}
