// Package inputbus holds the per-port latched controller input for the
// current frame and distinguishes live input from replayed input.
package inputbus

import "log"

// NumPorts is the number of controller ports the bus tracks (N64 has 4).
const NumPorts = 4

// Decoded is the unpacked view of a raw input word: low 16 bits are
// digital buttons, next 8 bits are signed analog-X, top 8 bits are
// signed analog-Y.
type Decoded struct {
	Buttons uint16
	StickX  int8
	StickY  int8
}

// Decode splits a packed 32-bit input word into buttons and stick axes.
// It is a pure function: Decode(Encode(d)) == d for every Decoded value.
func Decode(raw uint32) Decoded {
	return Decoded{
		Buttons: uint16(raw & 0xFFFF),
		StickX:  int8(raw >> 16),
		StickY:  int8(raw >> 24),
	}
}

// Encode packs a Decoded value back into a raw 32-bit input word.
func Encode(d Decoded) uint32 {
	return uint32(d.Buttons) | uint32(uint8(d.StickX))<<16 | uint32(uint8(d.StickY))<<24
}

// slot is the per-port latched state for the current frame.
type slot struct {
	raw          uint32
	present      bool
	fromPlayback bool
	latchedFrame uint64
}

// Bus is the per-frame, per-port input bus. It is not safe for
// concurrent use; it is driven exclusively from the emulator's vblank
// handler and its input-poll callback on the main thread.
type Bus struct {
	slots [NumPorts]slot
}

// New returns an empty Bus with no port latched.
func New() *Bus {
	return &Bus{}
}

// Latch resets present/fromPlayback for every port and publishes frame
// as the currently latched frame. Called once per vblank, before any
// Record calls for that frame.
func (b *Bus) Latch(frame uint64) {
	for p := range b.slots {
		b.slots[p].present = false
		b.slots[p].fromPlayback = false
		b.slots[p].latchedFrame = frame
	}
}

// Record stores raw for port at the currently latched frame. A second
// Record for the same (port, latched frame) silently replaces the
// first — last-writer-wins, so a late playback correction can override
// an earlier speculative live read.
//
// If frame does not match the latched frame the call is still honored
// (the raw word is stored against the bus's current latch), but a
// diagnostic is logged: the mismatch indicates the caller is out of
// step with Latch, which is an upstream error rather than something
// inputbus itself can repair.
func (b *Bus) Record(port int, frame uint64, raw uint32, fromPlayback bool) {
	if port < 0 || port >= NumPorts {
		log.Printf("[inputbus] record: port %d out of range", port)
		return
	}
	s := &b.slots[port]
	if frame != s.latchedFrame {
		log.Printf("[inputbus] record: port %d frame %d does not match latched frame %d", port, frame, s.latchedFrame)
	}
	s.raw = raw
	s.present = true
	s.fromPlayback = fromPlayback
}

// Raw returns the raw input word last recorded for port this frame.
func (b *Bus) Raw(port int) uint32 {
	if port < 0 || port >= NumPorts {
		return 0
	}
	return b.slots[port].raw
}

// Present reports whether port has a recorded input for the currently
// latched frame.
func (b *Bus) Present(port int) bool {
	if port < 0 || port >= NumPorts {
		return false
	}
	return b.slots[port].present
}

// FromPlayback reports whether port's current input came from the
// Replay Log rather than a live or predicted source.
func (b *Bus) FromPlayback(port int) bool {
	if port < 0 || port >= NumPorts {
		return false
	}
	return b.slots[port].fromPlayback
}

// LatchedFrame returns the frame most recently published by Latch.
func (b *Bus) LatchedFrame() uint64 {
	return b.slots[0].latchedFrame
}
