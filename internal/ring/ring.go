// Package ring implements the single-writer, multi-reader slot buffer that
// sits between a device session's callback and its listener workers. The
// writer never blocks on readers; a slow reader is truncated forward
// (Overrun) rather than ever stalling the real-time callback.
package ring

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/asiofanout/asiofanout/internal/audiofmt"
)

var (
	// ErrOverrun is returned by ReadAt when the requested sequence has
	// already fallen more than the slot count behind the writer.
	ErrOverrun = errors.New("ring: reader overrun")
	// ErrNotCommitted is returned by ReadAt when the requested sequence
	// has not been written yet.
	ErrNotCommitted = errors.New("ring: slot not yet committed")
)

// Slot is one callback's worth of planar PCM plus its metadata. Slots are
// allocated once at Prepare and reused in place; per-channel storage is
// reallocated only when it needs to grow.
type Slot struct {
	Frames      uint32
	Channels    uint32
	Format      audiofmt.Format
	SampleRate  uint32
	Timestamp   int64 // nanoseconds
	Data        [][]byte
}

// Buffer is the fixed-size ring described in the design: slot count
// N = max(4, ceil(2048/bufferSize)), a monotonic write_seq, and
// independent reader cursors owned by the callers of ReadAt.
type Buffer struct {
	slots []Slot
	n     uint64

	writeSeq atomic.Uint64

	channels uint32
	frames   uint32
	format   audiofmt.Format

	// sigMu guards swapping the broadcast channel; held only around the
	// swap itself, never across a blocking wait.
	sigMu sync.Mutex
	sig   chan struct{}
}

// SlotCount implements the N = max(4, ceil(2048/bufferSize)) rule.
func SlotCount(bufferSize uint32) uint64 {
	if bufferSize == 0 {
		return 4
	}
	n := (2048 + uint64(bufferSize) - 1) / uint64(bufferSize)
	if n < 4 {
		n = 4
	}
	return n
}

// New allocates a ring with slotCount empty slots. Call Prepare before use.
func New(slotCount uint64) *Buffer {
	if slotCount < 1 {
		slotCount = 4
	}
	b := &Buffer{
		slots: make([]Slot, slotCount),
		n:     slotCount,
		sig:   make(chan struct{}),
	}
	return b
}

// Prepare is idempotent when parameters are unchanged. When frames*bps grows
// past the current per-channel storage it reallocates; storage never
// shrinks, matching the "only growing" rule in the design.
func (b *Buffer) Prepare(channels, frames uint32, format audiofmt.Format) error {
	bps := format.BytesPerSample()
	if bps == 0 {
		return audiofmt.ErrUnknownFormat
	}
	if channels == b.channels && frames == b.frames && format == b.format {
		return nil
	}
	needed := int(frames) * bps
	for i := range b.slots {
		s := &b.slots[i]
		if len(s.Data) != int(channels) {
			s.Data = make([][]byte, channels)
		}
		for c := range s.Data {
			if len(s.Data[c]) < needed {
				s.Data[c] = make([]byte, needed)
			}
		}
		s.Channels = channels
		s.Format = format
	}
	b.channels = channels
	b.frames = frames
	b.format = format
	b.writeSeq.Store(0)
	return nil
}

// N returns the slot count.
func (b *Buffer) N() uint64 { return b.n }

// BeginWrite returns the slot the caller must fill before calling
// CommitWrite. Valid only from the single device-callback writer.
func (b *Buffer) BeginWrite() *Slot {
	seq := b.writeSeq.Load()
	return &b.slots[seq%b.n]
}

// CommitWrite publishes the slot returned by the most recent BeginWrite:
// it stamps the slot's metadata, releases it to readers, and advances
// write_seq with release semantics before signalling.
func (b *Buffer) CommitWrite(frames uint32, sampleRate uint32, timestampNanos int64) {
	seq := b.writeSeq.Load()
	s := &b.slots[seq%b.n]
	s.Frames = frames
	s.SampleRate = sampleRate
	s.Timestamp = timestampNanos
	b.writeSeq.Store(seq + 1) // release
	b.signal()
}

// CurrentWriteSeq is an acquire load of write_seq.
func (b *Buffer) CurrentWriteSeq() uint64 {
	return b.writeSeq.Load()
}

// ReadAt returns a read-only view of slot seq. It fails with ErrOverrun when
// the writer has advanced more than N slots past seq, and ErrNotCommitted
// when seq has not been written yet.
func (b *Buffer) ReadAt(seq uint64) (*Slot, error) {
	write := b.writeSeq.Load() // acquire
	if seq >= write {
		return nil, ErrNotCommitted
	}
	if write-seq > b.n {
		return nil, ErrOverrun
	}
	return &b.slots[seq%b.n], nil
}

// Notify returns a channel that closes the next time CommitWrite runs. It is
// edge-triggered and safe to call repeatedly: a missed edge is harmless
// because callers are expected to also poll CurrentWriteSeq on a timeout.
func (b *Buffer) Notify() <-chan struct{} {
	b.sigMu.Lock()
	defer b.sigMu.Unlock()
	return b.sig
}

func (b *Buffer) signal() {
	b.sigMu.Lock()
	old := b.sig
	b.sig = make(chan struct{})
	b.sigMu.Unlock()
	close(old)
}
