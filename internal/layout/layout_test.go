package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	valid := []SpeakerLayout{Mono, Stereo, TwoPointOne, Quad, FourPointOne, Surround51, Surround71}
	for _, l := range valid {
		assert.True(t, l.Valid(), l.String())
	}

	invalid := []SpeakerLayout{Unknown, SpeakerLayout(7), SpeakerLayout(9), SpeakerLayout(-1)}
	for _, l := range invalid {
		assert.False(t, l.Valid())
	}
}

func TestOutputChannels(t *testing.T) {
	assert.Equal(t, 1, Mono.OutputChannels())
	assert.Equal(t, 2, Stereo.OutputChannels())
	assert.Equal(t, 3, TwoPointOne.OutputChannels())
	assert.Equal(t, 4, Quad.OutputChannels())
	assert.Equal(t, 5, FourPointOne.OutputChannels())
	assert.Equal(t, 6, Surround51.OutputChannels())
	assert.Equal(t, 8, Surround71.OutputChannels())
	assert.Equal(t, 0, Unknown.OutputChannels())
}

func TestString(t *testing.T) {
	assert.Equal(t, "stereo", Stereo.String())
	assert.Equal(t, "5.1", Surround51.String())
	assert.Contains(t, SpeakerLayout(42).String(), "unknown")
}
