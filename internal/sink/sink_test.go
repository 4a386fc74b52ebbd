package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunc_AdaptsPlainFunction(t *testing.T) {
	var got Frame
	s := Func(func(fr Frame) error {
		got = fr
		return nil
	})

	want := Frame{Frames: 128, SampleRate: 48000}
	require.NoError(t, s.Emit(want))
	assert.Equal(t, want, got)
}

func TestFunc_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	s := Func(func(Frame) error { return boom })
	assert.ErrorIs(t, s.Emit(Frame{}), boom)
}

func TestChan_EmitAndDrain(t *testing.T) {
	c := NewChan(2)
	require.NoError(t, c.Emit(Frame{Frames: 1}))
	require.NoError(t, c.Emit(Frame{Frames: 2}))

	first := <-c.Frames()
	second := <-c.Frames()
	assert.EqualValues(t, 1, first.Frames)
	assert.EqualValues(t, 2, second.Frames)
}

func TestChan_DropsWhenFull(t *testing.T) {
	c := NewChan(1)
	require.NoError(t, c.Emit(Frame{Frames: 1}))
	require.NoError(t, c.Emit(Frame{Frames: 2})) // dropped, not blocked

	got := <-c.Frames()
	assert.EqualValues(t, 1, got.Frames)

	select {
	case <-c.Frames():
		t.Fatal("expected the second frame to have been dropped")
	default:
	}
}
