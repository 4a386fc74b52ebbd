package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asiofanout/asiofanout/internal/layout"
	"github.com/asiofanout/asiofanout/internal/listener"
	"github.com/asiofanout/asiofanout/internal/registry"
	"github.com/asiofanout/asiofanout/internal/scheduler"
	"github.com/asiofanout/asiofanout/internal/session"
	"github.com/asiofanout/asiofanout/internal/sink"
)

// newTestSurface builds a Surface with an empty registry (no real driver
// context), since Info/Rescan against a live device requires hardware.
func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	reg := registry.New(nil)
	s := New(nil, reg, scheduler.New(), nil)
	go s.Run()
	t.Cleanup(s.Close)
	return s
}

func TestExec_RunsQueuedCommand(t *testing.T) {
	s := newTestSurface(t)
	ran := false
	err := s.exec(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestExec_AfterCloseReturnsErrClosed(t *testing.T) {
	reg := registry.New(nil)
	s := New(nil, reg, scheduler.New(), nil)
	go s.Run()
	s.Close()

	err := s.exec(func() error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAttachListener_UnknownDeviceIndex(t *testing.T) {
	s := newTestSurface(t)
	l := listener.New("a", sink.NewChan(1), nil)

	err := s.AttachListener(l, 0, session.Params{}, listener.MutedRoutingTable(), layout.Stereo)
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
}

func TestSetSessionParams_UnknownDeviceIndex(t *testing.T) {
	s := newTestSurface(t)
	err := s.SetSessionParams(0, session.Params{})
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
}

func TestDetachListener_UnknownID(t *testing.T) {
	s := newTestSurface(t)
	err := s.DetachListener("nonexistent")
	assert.ErrorIs(t, err, ErrUnknownListener)
}

func TestSetRouting_UnknownID(t *testing.T) {
	s := newTestSurface(t)
	err := s.SetRouting("nonexistent", listener.MutedRoutingTable())
	assert.ErrorIs(t, err, ErrUnknownListener)
}

func TestSetOutputLayout_UnknownID(t *testing.T) {
	s := newTestSurface(t)
	err := s.SetOutputLayout("nonexistent", layout.Stereo)
	assert.ErrorIs(t, err, ErrUnknownListener)
}

func TestSelectDevice_UnknownID(t *testing.T) {
	s := newTestSurface(t)
	err := s.SelectDevice("nonexistent", 0, session.Params{})
	assert.ErrorIs(t, err, ErrUnknownListener)
}

func TestCountListenersOn_CountsByDeviceIndex(t *testing.T) {
	s := newTestSurface(t)
	s.mu.Lock()
	s.deviceOf["a"] = 0
	s.deviceOf["b"] = 0
	s.deviceOf["c"] = 1
	s.mu.Unlock()

	assert.Equal(t, 2, s.countListenersOn(0))
	assert.Equal(t, 1, s.countListenersOn(1))
	assert.Equal(t, 0, s.countListenersOn(2))
}

func TestSessionFor_ReusesExistingSession(t *testing.T) {
	s := newTestSurface(t)
	existing := session.New(nil, registry.Descriptor{Index: 0, Name: "x"}, nil)
	s.mu.Lock()
	s.sessions[0] = existing
	s.mu.Unlock()

	got, err := s.sessionFor(0)
	require.NoError(t, err)
	assert.Same(t, existing, got)
}

func TestClose_WaitsForRunToExit(t *testing.T) {
	reg := registry.New(nil)
	s := New(nil, reg, scheduler.New(), nil)
	go s.Run()

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return once Run exited")
	}
}
