package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asiofanout/asiofanout/internal/audiofmt"
)

// newTestRegistry builds a Registry with a fixed device list, bypassing the
// driver context since Enumerate/Rescan require a real malgo context.
func newTestRegistry(names ...string) *Registry {
	r := &Registry{byName: map[string]int{}}
	for i, name := range names {
		r.devices = append(r.devices, Descriptor{Index: i, Name: name})
		r.byName[name] = i
	}
	return r
}

func TestInfo_OutOfRange(t *testing.T) {
	r := newTestRegistry("Scarlett 2i2")
	_, err := r.Info(5)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = r.Info(-1)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestInfo_InRange(t *testing.T) {
	r := newTestRegistry("Scarlett 2i2", "Built-in Mic")
	d, err := r.Info(1)
	require.NoError(t, err)
	assert.Equal(t, "Built-in Mic", d.Name)
}

func TestFindByName(t *testing.T) {
	r := newTestRegistry("Scarlett 2i2", "Built-in Mic")
	idx, ok := r.FindByName("Built-in Mic")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = r.FindByName("nonexistent")
	assert.False(t, ok)
}

func TestCount_All(t *testing.T) {
	r := newTestRegistry("A", "B", "C")
	assert.Equal(t, 3, r.Count())
	assert.Len(t, r.All(), 3)
}

func TestSetCapabilities_GetCapabilities(t *testing.T) {
	r := newTestRegistry("Scarlett 2i2")
	caps := Capabilities{
		SampleRates:   []uint32{44100, 48000},
		BufferSizes:   BufferSizeRule{Min: 64, Max: 1024, Granularity: -1},
		Formats:       []audiofmt.Format{audiofmt.F32Planar},
		InputChannels: 2,
		ChannelNames:  []string{"L", "R"},
	}
	require.NoError(t, r.SetCapabilities(0, caps))

	got, err := r.Capabilities(0)
	require.NoError(t, err)
	assert.Equal(t, caps, got)
}

func TestSetCapabilities_OutOfRange(t *testing.T) {
	r := newTestRegistry("A")
	assert.ErrorIs(t, r.SetCapabilities(9, Capabilities{}), ErrDeviceNotFound)
}

func TestCapabilities_SupportsSampleRate(t *testing.T) {
	c := Capabilities{SampleRates: []uint32{44100, 48000}}
	assert.True(t, c.SupportsSampleRate(48000))
	assert.False(t, c.SupportsSampleRate(96000))

	empty := Capabilities{}
	assert.True(t, empty.SupportsSampleRate(192000), "no declared rates means accept anything")
}

func TestCapabilities_SupportsBufferSize_PowerOfTwo(t *testing.T) {
	c := Capabilities{BufferSizes: BufferSizeRule{Min: 64, Max: 2048, Granularity: -1}}
	assert.True(t, c.SupportsBufferSize(64))
	assert.True(t, c.SupportsBufferSize(256))
	assert.True(t, c.SupportsBufferSize(2048))
	assert.False(t, c.SupportsBufferSize(100))
	assert.False(t, c.SupportsBufferSize(4096))
}

func TestCapabilities_SupportsBufferSize_Fixed(t *testing.T) {
	c := Capabilities{BufferSizes: BufferSizeRule{Min: 256, Max: 256, Granularity: 0}}
	assert.True(t, c.SupportsBufferSize(256))
	assert.False(t, c.SupportsBufferSize(512))
}

func TestCapabilities_SupportsBufferSize_Step(t *testing.T) {
	c := Capabilities{BufferSizes: BufferSizeRule{Min: 128, Max: 1024, Granularity: 128}}
	assert.True(t, c.SupportsBufferSize(384))
	assert.False(t, c.SupportsBufferSize(400))
}

func TestCapabilities_SupportsBufferSize_NoRule(t *testing.T) {
	c := Capabilities{}
	assert.True(t, c.SupportsBufferSize(12345))
}
