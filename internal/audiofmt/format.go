// Package audiofmt describes the planar PCM formats used internally by the
// pipeline and the deinterleave/interleave routines that move bytes between
// the driver's wire layout and a ring slot's per-channel storage.
//
// Conversion here is always a byte-copy, never a value conversion: a sample
// format change downstream of this package is out of scope (see spec
// Non-goals).
package audiofmt

import (
	"errors"
	"unsafe"
)

// Format tags a buffer's sample width. All formats used inside the pipeline
// are planar; the driver's interleaved wire layout has no Format value of its
// own and is described only by the Deinterleave/Interleave arguments.
type Format int

const (
	Unknown Format = iota
	U8Planar
	S16Planar
	S32Planar
	F32Planar
)

var ErrUnknownFormat = errors.New("audiofmt: unknown sample format")

// BytesPerSample returns the byte width of one sample in one channel.
func (f Format) BytesPerSample() int {
	switch f {
	case U8Planar:
		return 1
	case S16Planar:
		return 2
	case S32Planar, F32Planar:
		return 4
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case U8Planar:
		return "u8 planar"
	case S16Planar:
		return "s16 planar"
	case S32Planar:
		return "s32 planar"
	case F32Planar:
		return "f32 planar"
	default:
		return "unknown"
	}
}

// Preferred chooses the internal planar format for an opened session: float32
// is preferred whenever the device can supply it, otherwise the device's
// native width is promoted to its planar equivalent. This follows the
// observed driver behavior described in the spec rather than honoring a
// user-facing format toggle.
func Preferred(nativeBitsPerSample int, nativeIsFloat bool) Format {
	if nativeIsFloat {
		return F32Planar
	}
	switch nativeBitsPerSample {
	case 8:
		return U8Planar
	case 32:
		return S32Planar
	default:
		return S16Planar
	}
}

// Deinterleave splits src, laid out as frames of channels consecutive
// samples, into dst, one contiguous buffer per channel. dst must already
// have exactly channels entries, each sized to hold frames samples.
func Deinterleave(dst [][]byte, src []byte, channels int, bytesPerSample int) error {
	if channels <= 0 || bytesPerSample <= 0 {
		return errors.New("audiofmt: invalid channel count or sample width")
	}
	if len(dst) != channels {
		return errors.New("audiofmt: dst channel count mismatch")
	}
	frameStride := channels * bytesPerSample
	if frameStride == 0 || len(src)%frameStride != 0 {
		return errors.New("audiofmt: src is not a whole number of frames")
	}
	frames := len(src) / frameStride
	for c := 0; c < channels; c++ {
		if len(dst[c]) < frames*bytesPerSample {
			return errors.New("audiofmt: dst channel buffer too small")
		}
	}
	for f := 0; f < frames; f++ {
		base := f * frameStride
		for c := 0; c < channels; c++ {
			srcOff := base + c*bytesPerSample
			dstOff := f * bytesPerSample
			copy(dst[c][dstOff:dstOff+bytesPerSample], src[srcOff:srcOff+bytesPerSample])
		}
	}
	return nil
}

// Interleave is the inverse of Deinterleave, used by round-trip tests and by
// collaborators that need the driver's original wire layout back.
func Interleave(dst []byte, src [][]byte, channels int, bytesPerSample int) error {
	if channels <= 0 || bytesPerSample <= 0 {
		return errors.New("audiofmt: invalid channel count or sample width")
	}
	if len(src) != channels {
		return errors.New("audiofmt: src channel count mismatch")
	}
	if len(src) == 0 {
		return nil
	}
	frames := len(src[0]) / bytesPerSample
	frameStride := channels * bytesPerSample
	if len(dst) < frames*frameStride {
		return errors.New("audiofmt: dst too small")
	}
	for f := 0; f < frames; f++ {
		base := f * frameStride
		for c := 0; c < channels; c++ {
			srcOff := f * bytesPerSample
			dstOff := base + c*bytesPerSample
			copy(dst[dstOff:dstOff+bytesPerSample], src[c][srcOff:srcOff+bytesPerSample])
		}
	}
	return nil
}

// BytesAsFloat32 reinterprets a byte slice delivered by the driver as a
// float32 slice without copying. The returned slice shares memory with data
// and is only valid for as long as the caller holds onto data.
func BytesAsFloat32(data []byte) []float32 {
	const bytesPerFloat32 = 4
	if len(data) < bytesPerFloat32 {
		return nil
	}
	numSamples := len(data) / bytesPerFloat32
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), numSamples)
}
