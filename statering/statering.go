// Package statering implements the fixed-depth circular buffer of
// opaque serialized emulator-state blobs indexed by frame. It is the
// building block rollback.Controller restores from when a
// misprediction is detected.
//
// The format of a slot's bytes is entirely the host emulator's concern;
// this package only owns the ring bookkeeping — save/overwrite/load by
// frames-back offset.
package statering

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// DefaultDepth is the reference implementation's ring depth. The design
// permits 4-16; depth bounds acceptable one-way latency to roughly
// depth*frame_period - delta*frame_period.
const DefaultDepth = 5

// Snapshotter is the host-provided, bit-exact save/restore pair. Save
// must write a deterministic, byte-identical-across-peers encoding of
// the emulator's full state into dst, returning the number of bytes
// written. Restore must reproduce the exact emulator state given the
// same bytes. Both are expected to be allocation-free on the hot path:
// Ring owns the buffers and only ever passes existing slices.
type Snapshotter interface {
	Save(dst []byte) (int, error)
	Restore(src []byte) error
}

type slot struct {
	data  []byte
	n     int
	frame uint64
	valid bool
}

// Ring is a fixed-depth circular buffer of serialized emulator-state
// blobs. Each slot owns its own backing buffer (capacity capBytes); no
// allocator churn occurs after New — buffers are allocated once at
// session start, and slots are never compressed, so the hot path is
// pure memcpy.
//
// The ring allocates one more physical slot than the reported Depth:
// frames_back==0 always addresses the most recent save, so recovering
// the full Depth worth of history behind it — frames_back in
// [0, Depth] inclusive, Depth+1 distinct points in time — needs Depth+1
// slots. Depth() reports the logical value (frames recoverable behind
// the most recent save), not the physical slot count.
//
// Not safe for concurrent use: single-writer, single-reader,
// single-threaded, per the Concurrency & Resource Model.
type Ring struct {
	slots    []slot
	head     int
	count    int
	capBytes int
}

// New allocates a Ring with the given depth and per-slot capacity (in
// bytes; ~16 MiB in the reference implementation). depth is the
// logical rollback depth D; New allocates D+1 physical slots so
// frames_back==D addresses a genuinely distinct, non-aliased slot.
func New(depth int, capBytes int) *Ring {
	if depth < 1 {
		depth = DefaultDepth
	}
	slots := make([]slot, depth+1)
	for i := range slots {
		slots[i].data = make([]byte, capBytes)
	}
	return &Ring{slots: slots, capBytes: capBytes}
}

// Depth returns the ring's logical depth: the furthest frames_back
// value Load will accept (see New).
func (r *Ring) Depth() int { return len(r.slots) - 1 }

// Save serializes the emulator's state into the next ring slot via snap.Save,
// tags it with frame, marks it valid, and advances the head. Overwriting
// the oldest slot is silent — there is no protected slot; a late packet
// past the ring depth is a lost cause.
func (r *Ring) Save(snap Snapshotter, frame uint64) error {
	s := &r.slots[r.head]
	n, err := snap.Save(s.data)
	if err != nil {
		return fmt.Errorf("statering: save frame %d: %w", frame, err)
	}
	s.n = n
	s.frame = frame
	s.valid = true
	r.head = (r.head + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
	return nil
}

// Load restores the slot framesBack positions behind the most recently
// saved one (frames_back == 0 is the most recent save). frames_back
// equal to Depth() is the oldest recoverable slot and succeeds;
// frames_back == Depth()+1 fails cleanly — without partial
// restoration — as does a target slot that was never validly written.
func (r *Ring) Load(snap Snapshotter, framesBack int) error {
	if framesBack < 0 || framesBack > r.Depth() {
		return fmt.Errorf("statering: frames_back %d exceeds ring depth %d", framesBack, r.Depth())
	}
	idx := (r.head - 1 - framesBack + len(r.slots)*2) % len(r.slots)
	s := &r.slots[idx]
	if !s.valid {
		return fmt.Errorf("statering: slot at frames_back %d is not valid", framesBack)
	}
	if err := snap.Restore(s.data[:s.n]); err != nil {
		return fmt.Errorf("statering: restore frame %d: %w", s.frame, err)
	}
	return nil
}

// FrameAt returns the frame index stored framesBack behind the most
// recent save, and whether that slot is valid.
func (r *Ring) FrameAt(framesBack int) (uint64, bool) {
	if framesBack < 0 || framesBack > r.Depth() {
		return 0, false
	}
	idx := (r.head - 1 - framesBack + len(r.slots)*2) % len(r.slots)
	s := &r.slots[idx]
	return s.frame, s.valid
}

// Count returns how many slots have ever been validly written
// (saturates at the ring's physical capacity, Depth()+1).
func (r *Ring) Count() int { return r.count }

// String renders a human-readable summary of ring occupancy, e.g. for
// startup logging.
func (r *Ring) String() string {
	return fmt.Sprintf("statering(depth=%d, slot=%s, filled=%d)", r.Depth(), humanize.Bytes(uint64(r.capBytes)), r.count)
}
