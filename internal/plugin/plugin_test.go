package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asiofanout/asiofanout/internal/config"
	"github.com/asiofanout/asiofanout/internal/control"
	"github.com/asiofanout/asiofanout/internal/registry"
	"github.com/asiofanout/asiofanout/internal/scheduler"
	"github.com/asiofanout/asiofanout/internal/sink"
)

func newTestControl(t *testing.T) (*control.Surface, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	ctrl := control.New(nil, reg, scheduler.New(), nil)
	go ctrl.Run()
	t.Cleanup(ctrl.Close)
	return ctrl, reg
}

func TestGetName(t *testing.T) {
	assert.Equal(t, "Device Fanout Audio Capture", GetName())
}

func TestGetDefaults_MatchesConfigDefaults(t *testing.T) {
	assert.Equal(t, config.Defaults().ToMap(), GetDefaults())
}

func TestCreate_WithoutDeviceIDDoesNotAttach(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["device_id"] = ""

	src, err := Create(settings, sink.NewChan(1), reg, ctrl)
	require.NoError(t, err)
	assert.NotEmpty(t, src.id)
}

func TestCreate_RejectsInvalidSettings(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["sample_rate"] = 0

	_, err := Create(settings, sink.NewChan(1), reg, ctrl)
	assert.Error(t, err)
}

func TestCreate_WithUnknownDeviceIDFails(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["device_id"] = "a device that does not exist"

	_, err := Create(settings, sink.NewChan(1), reg, ctrl)
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
}

func TestDestroy_WithoutAttachmentReturnsUnknownListener(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["device_id"] = ""

	src, err := Create(settings, sink.NewChan(1), reg, ctrl)
	require.NoError(t, err)

	err = src.Destroy()
	assert.ErrorIs(t, err, control.ErrUnknownListener)
}

func TestUpdate_WithoutDeviceIDIsNoop(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["device_id"] = ""

	src, err := Create(settings, sink.NewChan(1), reg, ctrl)
	require.NoError(t, err)

	settings["sample_rate"] = 96000
	require.NoError(t, src.Update(settings))
	assert.EqualValues(t, 96000, src.settings.SampleRate)
}

func TestUpdate_RejectsInvalidSettings(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["device_id"] = ""

	src, err := Create(settings, sink.NewChan(1), reg, ctrl)
	require.NoError(t, err)

	bad := config.Defaults().ToMap()
	bad["buffer_size"] = 0
	assert.Error(t, src.Update(bad))
}

func TestMaxRoute(t *testing.T) {
	assert.EqualValues(t, 0, maxRoute([]int32{-1, -1, -1}))
	assert.EqualValues(t, 3, maxRoute([]int32{0, 3, -1}))
	assert.EqualValues(t, 0, maxRoute(nil))
}

func TestGetProperties_IncludesRoutingAndDeviceNodes(t *testing.T) {
	ctrl, reg := newTestControl(t)
	settings := config.Defaults().ToMap()
	settings["device_id"] = ""

	src, err := Create(settings, sink.NewChan(1), reg, ctrl)
	require.NoError(t, err)

	tree := src.GetProperties()
	_, ok := tree.Find("device_id")
	assert.True(t, ok)
	_, ok = tree.Find("speaker_layout")
	assert.True(t, ok)
	_, ok = tree.Find("route 0")
	assert.True(t, ok)
	_, ok = tree.Find("control_panel")
	assert.True(t, ok)
}
