// Package registry discovers capture devices through the wrapped driver
// context at startup and exposes a stable index -> descriptor catalog, as
// the teacher's internal/audio package does with capture.ListDevices,
// generalized to a standing registry rather than a one-shot listing.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/asiofanout/asiofanout/internal/audiofmt"
)

var ErrDeviceNotFound = errors.New("registry: device not found")

// BufferSizeRule captures spec section 3's granularity rule for a device's
// supported buffer sizes: power-of-two doubling when Granularity is -1,
// a single fixed size when 0, or an arithmetic step when positive.
type BufferSizeRule struct {
	Min         uint32
	Max         uint32
	Granularity int32
}

// Capabilities is the immutable capability view of a device. The wrapped
// driver layer used in this pack (malgo) reports only device name and ID,
// not sample-rate/format/channel capability lists, so capabilities here are
// declared through Registry.SetCapabilities rather than read back from the
// driver, and the Supports* methods check a value against them. The Control
// surface calls neither: session parameters are not validated against
// declared capabilities. See DESIGN.md for the resolved open question.
type Capabilities struct {
	SampleRates    []uint32
	BufferSizes    BufferSizeRule
	Formats        []audiofmt.Format
	InputChannels  int
	OutputChannels int
	ChannelNames   []string
}

// SupportsSampleRate reports whether rate is in the declared list; an empty
// list accepts any rate.
func (c Capabilities) SupportsSampleRate(rate uint32) bool {
	for _, r := range c.SampleRates {
		if r == rate {
			return true
		}
	}
	return len(c.SampleRates) == 0
}

// SupportsBufferSize validates size against the granularity rule.
func (c Capabilities) SupportsBufferSize(size uint32) bool {
	r := c.BufferSizes
	if r.Max == 0 {
		return true // no declared rule: accept anything
	}
	if size < r.Min || size > r.Max {
		return false
	}
	switch {
	case r.Granularity < 0:
		// power-of-two doubling starting at Min
		for v := r.Min; v <= r.Max; v *= 2 {
			if v == size {
				return true
			}
			if v == 0 {
				break
			}
		}
		return false
	case r.Granularity == 0:
		return size == r.Min
	default:
		step := uint32(r.Granularity)
		return (size-r.Min)%step == 0
	}
}

// Descriptor is a device's stable identity plus its capability view.
type Descriptor struct {
	Index        int
	Name         string
	ID           malgo.DeviceID
	Capabilities Capabilities
}

// Registry enumerates the driver's device list once and serves a stable
// index-based catalog until Rescan is called.
type Registry struct {
	ctx *malgo.AllocatedContext

	mu      sync.RWMutex
	devices []Descriptor
	byName  map[string]int
}

// New wraps an already-initialized driver context.
func New(ctx *malgo.AllocatedContext) *Registry {
	return &Registry{ctx: ctx, byName: map[string]int{}}
}

// Enumerate performs the initial device scan. Call once at startup.
func (r *Registry) Enumerate() error {
	return r.Rescan()
}

// Rescan produces a new snapshot of the driver's device list. Callers that
// hold sessions keyed by index must treat indices as potentially
// reassigned. control.Surface.Rescan logs sessions whose device name is gone
// and does not re-key, migrate or release any session.
func (r *Registry) Rescan() error {
	infos, err := r.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("registry: enumerate devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.byName
	descriptors := make([]Descriptor, len(infos))
	byName := make(map[string]int, len(infos))
	for i, info := range infos {
		name := info.Name()
		caps := Capabilities{}
		if prevIdx, ok := old[name]; ok && prevIdx < len(r.devices) {
			caps = r.devices[prevIdx].Capabilities
		}
		descriptors[i] = Descriptor{
			Index:        i,
			Name:         name,
			ID:           info.ID,
			Capabilities: caps,
		}
		byName[name] = i
	}
	r.devices = descriptors
	r.byName = byName
	return nil
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Info returns the descriptor for index i.
func (r *Registry) Info(i int) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.devices) {
		return Descriptor{}, ErrDeviceNotFound
	}
	return r.devices[i], nil
}

// FindByName returns the index of the device with the given name.
func (r *Registry) FindByName(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	return idx, ok
}

// Capabilities returns the declared capability view for index i.
func (r *Registry) Capabilities(i int) (Capabilities, error) {
	d, err := r.Info(i)
	if err != nil {
		return Capabilities{}, err
	}
	return d.Capabilities, nil
}

// SetCapabilities lets the Control surface declare (or update) the
// capability view for a device, e.g. from persisted settings or a static
// profile keyed by device name.
func (r *Registry) SetCapabilities(i int, caps Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.devices) {
		return ErrDeviceNotFound
	}
	r.devices[i].Capabilities = caps
	return nil
}

// All returns a snapshot copy of every known descriptor, ordered by index.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.devices))
	copy(out, r.devices)
	return out
}
