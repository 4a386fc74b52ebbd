// Package session manages one device's open/running lifecycle: it owns the
// device's ring buffer, installs the real-time driver callback, and carries
// the device through Unprepared -> Prepared -> Running -> Stopped ->
// Destroyed. It is the generalized, multi-channel descendant of the
// teacher's internal/audio package, which opened a single malgo capture
// device for one mono/stereo stream; here the same malgo wiring drives an
// arbitrary channel count into a shared ring instead of a single consumer
// channel.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/asiofanout/asiofanout/internal/audiofmt"
	"github.com/asiofanout/asiofanout/internal/registry"
	"github.com/asiofanout/asiofanout/internal/ring"
)

// State is one of the five lifecycle states a Session moves through.
type State int32

const (
	Unprepared State = iota
	Prepared
	Running
	Stopped
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unprepared:
		return "unprepared"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var (
	ErrStartFailed        = errors.New("session: start failed")
	ErrAllocationFailure  = errors.New("session: allocation failure")
	ErrInvalidTransition  = errors.New("session: invalid state transition")
	ErrUnsupportedFormat  = errors.New("session: unsupported sample format")
)

// Params is the mutable session configuration; changing it requires a
// restart via Reconfigure.
type Params struct {
	SampleRate     uint32
	BufferSize     uint32
	Format         audiofmt.Format
	ActiveChannels uint32
}

// DriverEventKind distinguishes the two driver-initiated notifications the
// design calls out.
type DriverEventKind int

const (
	SampleRateChanged DriverEventKind = iota
	ResetRequested
)

// DriverEvent describes a driver notification. Session.Events() exposes a
// buffered channel of them; nothing in this package sends on it and the
// Control surface does not read it. HandleSampleRateChange and
// HandleResetRequest perform the corresponding restart when called.
type DriverEvent struct {
	Kind          DriverEventKind
	NewSampleRate uint32
}

// Session owns one device's malgo handle and ring buffer.
type Session struct {
	descriptor registry.Descriptor
	ctx        *malgo.AllocatedContext
	logger     *log.Logger

	mu     sync.Mutex
	device *malgo.Device
	ring   *ring.Buffer
	params Params
	state  atomic.Int32

	overflowCount atomic.Uint64
	events        chan DriverEvent
}

// New creates a session for descriptor, bound to an already-initialized
// driver context. The session starts Unprepared.
func New(ctx *malgo.AllocatedContext, descriptor registry.Descriptor, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		descriptor: descriptor,
		ctx:        ctx,
		logger:     logger.With("device", descriptor.Name),
		events:     make(chan DriverEvent, 4),
	}
	s.state.Store(int32(Unprepared))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Descriptor returns the device this session is bound to.
func (s *Session) Descriptor() registry.Descriptor { return s.descriptor }

// Ring returns the session's ring buffer. Valid once Prepared.
func (s *Session) Ring() *ring.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring
}

// Params returns the currently active parameters.
func (s *Session) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// OverflowCount returns the number of callbacks whose input could not be
// deinterleaved into the ring slot. Such a callback is counted, not logged,
// and commits no slot; driver overflow flags are not read.
func (s *Session) OverflowCount() uint64 { return s.overflowCount.Load() }

// Events exposes driver notifications for the Control surface to drain.
func (s *Session) Events() <-chan DriverEvent { return s.events }

// Prepare allocates (or reuses) the ring for p and opens the device's
// parameter set without starting the stream. It is idempotent when p is
// unchanged and the session is already Prepared.
func (s *Session) Prepare(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch State(s.state.Load()) {
	case Unprepared, Stopped, Prepared:
	default:
		return fmt.Errorf("%w: cannot prepare from %s", ErrInvalidTransition, s.State())
	}

	if State(s.state.Load()) == Prepared && p == s.params {
		return nil
	}

	if p.Format.BytesPerSample() == 0 {
		return ErrUnsupportedFormat
	}

	newN := ring.SlotCount(p.BufferSize)
	if s.ring == nil || s.ring.N() != newN {
		s.ring = ring.New(newN)
	}
	if err := s.ring.Prepare(p.ActiveChannels, p.BufferSize, p.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrAllocationFailure, err)
	}

	s.params = p
	s.state.Store(int32(Prepared))
	return nil
}

// Start opens the driver device with the prepared parameters and begins the
// stream. It fails with ErrStartFailed if the driver rejects them, leaving
// the session Prepared (not Running).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != Prepared {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, s.State())
	}

	deviceConfig := malgo.DeviceConfig{
		DeviceType:         malgo.Capture,
		SampleRate:         s.params.SampleRate,
		PeriodSizeInFrames: s.params.BufferSize,
		Capture: malgo.SubConfig{
			Format:   nativeMalgoFormat(s.params.Format),
			Channels: s.params.ActiveChannels,
		},
	}
	if id := s.descriptor.ID; id != (malgo.DeviceID{}) {
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: s.onRecvFrames,
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("%w: init device: %v", ErrStartFailed, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("%w: start device: %v", ErrStartFailed, err)
	}

	s.device = device
	s.state.Store(int32(Running))
	return nil
}

// Stop halts the stream. Ring contents remain valid for readers already in
// flight.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != Running {
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, s.State())
	}

	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			s.logger.Warn("device stop reported an error", "err", err)
		}
		s.device.Uninit()
		s.device = nil
	}
	s.state.Store(int32(Stopped))
	return nil
}

// Reconfigure applies new parameters: stop -> prepare -> start. The ring is
// reused while the slot count stays the same (its per-channel storage only
// grows); a buffer size that changes the slot count allocates a new ring.
// The stream is stopped before Prepare and Start run, so if either fails
// the session is left not running with the old parameters not restored.
func (s *Session) Reconfigure(p Params) error {
	if State(s.state.Load()) == Running {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	if err := s.Prepare(p); err != nil {
		return err
	}
	return s.Start()
}

// Release closes the device and transitions to Destroyed from any state.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		_ = s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	s.state.Store(int32(Destroyed))
	return nil
}

// HandleSampleRateChange implements the "sample-rate change" driver event:
// stop, update sample_rate, re-prepare (no storage growth if bytes-per-frame
// is unchanged), restart.
func (s *Session) HandleSampleRateChange(newRate uint32) error {
	s.mu.Lock()
	p := s.params
	s.mu.Unlock()
	p.SampleRate = newRate
	return s.Reconfigure(p)
}

// HandleResetRequest implements the "reset request" driver event: stop,
// re-prepare with current params, restart.
func (s *Session) HandleResetRequest() error {
	s.mu.Lock()
	p := s.params
	s.mu.Unlock()
	return s.Reconfigure(p)
}

// onRecvFrames is the real-time driver callback. It copies into the
// pre-sized ring slot and does not block on readers; CommitWrite's signal
// takes the ring's short signal mutex and allocates a fresh broadcast
// channel on every commit.
func (s *Session) onRecvFrames(_ []byte, inputSamples []byte, frameCount uint32) {
	if frameCount == 0 || len(inputSamples) == 0 {
		return
	}

	r := s.ring
	if r == nil {
		return
	}

	params := s.params
	slot := r.BeginWrite()

	bps := params.Format.BytesPerSample()
	if err := audiofmt.Deinterleave(slot.Data, inputSamples, int(params.ActiveChannels), bps); err != nil {
		s.overflowCount.Add(1)
		return
	}

	nowNanos := time.Now().UnixNano()
	durationNanos := int64(frameCount) * 1_000_000_000 / int64(params.SampleRate)
	timestamp := nowNanos - durationNanos

	r.CommitWrite(frameCount, params.SampleRate, timestamp)
}

func nativeMalgoFormat(f audiofmt.Format) malgo.FormatType {
	switch f {
	case audiofmt.U8Planar:
		return malgo.FormatU8
	case audiofmt.S16Planar:
		return malgo.FormatS16
	case audiofmt.S32Planar:
		return malgo.FormatS32
	default:
		return malgo.FormatF32
	}
}
