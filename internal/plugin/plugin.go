// Package plugin implements the host-facing lifecycle hooks a host
// collaborator (e.g. a video/stream compositor's plugin loader) calls
// directly: create, destroy, update, get_defaults, get_properties, and
// get_name. The host plugin registration shim itself is an external
// collaborator out of scope (see spec section 1); this package is the
// surface it is expected to bind to.
package plugin

import (
	"fmt"
	"sync/atomic"

	"github.com/asiofanout/asiofanout/internal/config"
	"github.com/asiofanout/asiofanout/internal/layout"
	"github.com/asiofanout/asiofanout/internal/listener"
	"github.com/asiofanout/asiofanout/internal/registry"
	"github.com/asiofanout/asiofanout/internal/session"
	"github.com/asiofanout/asiofanout/internal/sink"

	"github.com/asiofanout/asiofanout/internal/control"
)

// Name is the value get_name() returns.
const Name = "Device Fanout Audio Capture"

var handleSeq atomic.Uint64

// Source is one host-facing capture source created by create().
type Source struct {
	id       string
	control  *control.Surface
	registry *registry.Registry
	listener *listener.Listener
	settings config.Settings
}

// GetName returns the display name the host shows for this plugin kind.
func GetName() string { return Name }

// GetDefaults returns the settings map a freshly inserted source starts
// with.
func GetDefaults() map[string]any {
	return config.Defaults().ToMap()
}

// Create implements create(settings) -> handle: it decodes the settings
// map, resolves the named device in reg, and attaches a new listener to it
// via ctrl.
func Create(settings map[string]any, snk sink.Sink, reg *registry.Registry, ctrl *control.Surface) (*Source, error) {
	s, err := config.FromMap(settings)
	if err != nil {
		return nil, fmt.Errorf("plugin: create: %w", err)
	}

	id := fmt.Sprintf("source-%d", handleSeq.Add(1))
	l := listener.New(id, snk, nil)

	src := &Source{
		id:       id,
		control:  ctrl,
		registry: reg,
		listener: l,
		settings: s,
	}

	if s.DeviceID != "" {
		if err := src.attach(s); err != nil {
			return nil, err
		}
	}

	return src, nil
}

func (s *Source) attach(settings config.Settings) error {
	idx, ok := s.registry.FindByName(settings.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, settings.DeviceID)
	}
	params := session.Params{
		SampleRate:     settings.SampleRate,
		BufferSize:     settings.BufferSize,
		Format:         settings.Format,
		ActiveChannels: uint32(maxRoute(settings.Routes[:]) + 1),
	}
	return s.control.AttachListener(s.listener, idx, params, settings.RoutingTable(), settings.SpeakerLayout)
}

func maxRoute(routes []int32) int32 {
	var max int32 = -1
	for _, r := range routes {
		if r > max {
			max = r
		}
	}
	if max < 0 {
		return 0
	}
	return max
}

// Destroy implements destroy(handle): it detaches the listener and frees
// it. A Source must not be used after Destroy returns.
func (s *Source) Destroy() error {
	return s.control.DetachListener(s.id)
}

// Update implements update(handle, settings): it decodes the new settings
// and issues the minimal Control surface commands needed to apply them
// (device change is a detach+attach; routing/layout changes are atomic
// swaps; session parameter changes restart only the backing session).
func (s *Source) Update(settings map[string]any) error {
	next, err := config.FromMap(settings)
	if err != nil {
		return fmt.Errorf("plugin: update: %w", err)
	}

	prev := s.settings
	s.settings = next

	if next.DeviceID == "" {
		return nil
	}

	if prev.DeviceID != next.DeviceID {
		return s.attach(next)
	}

	idx, ok := s.registry.FindByName(next.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, next.DeviceID)
	}

	if prev.SampleRate != next.SampleRate || prev.BufferSize != next.BufferSize || prev.Format != next.Format {
		params := session.Params{
			SampleRate:     next.SampleRate,
			BufferSize:     next.BufferSize,
			Format:         next.Format,
			ActiveChannels: uint32(maxRoute(next.Routes[:]) + 1),
		}
		if err := s.control.SetSessionParams(idx, params); err != nil {
			return err
		}
	}

	if prev.Routes != next.Routes {
		if err := s.control.SetRouting(s.id, next.RoutingTable()); err != nil {
			return err
		}
	}
	if prev.SpeakerLayout != next.SpeakerLayout {
		if err := s.control.SetOutputLayout(s.id, next.SpeakerLayout); err != nil {
			return err
		}
	}

	return nil
}

// GetProperties builds the property tree described in the external
// interfaces design: device list, speaker-layout enum, per-channel routing
// options populated from the selected device's channel names, plus the
// driver control panel and about buttons.
func (s *Source) GetProperties() PropertyTree {
	var tree PropertyTree

	deviceOptions := make([]Option, 0, s.registry.Count())
	for _, d := range s.registry.All() {
		deviceOptions = append(deviceOptions, Option{Value: d.Name, Label: d.Name})
	}
	tree.Nodes = append(tree.Nodes, PropertyNode{
		Key: "device_id", Label: "Device", Kind: NodeList, Options: deviceOptions,
	})

	layoutOptions := []Option{}
	for _, l := range []layout.SpeakerLayout{layout.Mono, layout.Stereo, layout.TwoPointOne, layout.Quad, layout.FourPointOne, layout.Surround51, layout.Surround71} {
		layoutOptions = append(layoutOptions, Option{Value: fmt.Sprintf("%d", int(l)), Label: l.String()})
	}
	tree.Nodes = append(tree.Nodes, PropertyNode{
		Key: "speaker_layout", Label: "Speaker Layout", Kind: NodeEnum, Options: layoutOptions,
	})

	var channelNames []string
	if idx, ok := s.registry.FindByName(s.settings.DeviceID); ok {
		if d, err := s.registry.Info(idx); err == nil {
			channelNames = d.Capabilities.ChannelNames
		}
	}
	routeOptions := []Option{{Value: "-1", Label: "Mute"}}
	for i, name := range channelNames {
		routeOptions = append(routeOptions, Option{Value: fmt.Sprintf("%d", i), Label: name})
	}
	for i := 0; i < listener.MaxOutputChannels; i++ {
		tree.Nodes = append(tree.Nodes, PropertyNode{
			Key: fmt.Sprintf("route %d", i), Label: fmt.Sprintf("Output channel %d", i), Kind: NodeEnum, Options: routeOptions,
		})
	}

	tree.Nodes = append(tree.Nodes,
		PropertyNode{Key: "control_panel", Label: "Device Control Panel", Kind: NodeButton},
		PropertyNode{Key: "about", Label: "About", Kind: NodeButton},
	)

	return tree
}
