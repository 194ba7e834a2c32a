// Package replay implements the append-only per-frame input log (C3):
// recording with write-side buffering to tolerate out-of-order per-port
// writes, and playback via a one-shot in-memory index over the file.
package replay

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// RecordSize is the on-disk size of one replay record: port (i32),
// frame (u64), raw (u32), little-endian, packed.
const RecordSize = 4 + 8 + 4

// MaxPorts bounds the valid port range accepted from a replay stream.
const MaxPorts = 4

// CommitDelay is how many frames old a staged frame must be, relative
// to the current frame, before it is flushed to disk — long enough that
// every port has had a chance to report for it.
const CommitDelay = 5

// stageDepth is the size of the write-side staging ring.
const stageDepth = 64

// FlushEvery is the maximum number of frames between forced flushes.
const FlushEvery = 60

// PauseButtonMask is the Start/Pause button bit. It is masked off on the
// playback consumption path so pausing during a recorded session does
// not desynchronize replay.
const PauseButtonMask = 0x0010

// Record is one persisted (port, frame, raw) triple.
type Record struct {
	Port  int32
	Frame uint64
	Raw   uint32
}

func (r Record) encode() [RecordSize]byte {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Port))
	binary.LittleEndian.PutUint64(buf[4:12], r.Frame)
	binary.LittleEndian.PutUint32(buf[12:16], r.Raw)
	return buf
}

func decodeRecord(buf []byte) Record {
	return Record{
		Port:  int32(binary.LittleEndian.Uint32(buf[0:4])),
		Frame: binary.LittleEndian.Uint64(buf[4:12]),
		Raw:   binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// frameSlot is one frame's worth of staged per-port inputs, keyed by
// frame mod stageDepth in the write-side staging ring.
type frameSlot struct {
	frame  uint64
	valid  bool
	raw    [MaxPorts]uint32
	hasRaw [MaxPorts]bool
}

// Writer records input to an append-only replay log, staging recent
// frames in a small ring so per-port writes that arrive out of order
// within a frame are still committed together.
//
// Not safe for concurrent use.
type Writer struct {
	fs       afero.Fs
	path     string
	f        afero.File
	stage    [stageDepth]frameSlot
	sinceFsh int
	disabled bool
}

// OpenWriter opens path for binary append, creating it and its parent
// directories if necessary.
func OpenWriter(fs afero.Fs, path string) (*Writer, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("replay: create directory for %s: %w", path, err)
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replay: open writer %s: %w", path, err)
	}
	w := &Writer{fs: fs, path: path, f: f}
	for i := range w.stage {
		w.stage[i] = frameSlot{}
	}
	return w, nil
}

// Close flushes any remaining staged frames and closes the underlying
// file handle. Guaranteed-release semantics: callers must defer Close
// after a successful OpenWriter.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	w.flushAll()
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *Writer) stageIndex(frame uint64) uint64 { return frame % stageDepth }

func (w *Writer) slotFor(frame uint64) *frameSlot {
	s := &w.stage[w.stageIndex(frame)]
	if !s.valid || s.frame != frame {
		*s = frameSlot{frame: frame, valid: true}
	}
	return s
}

// Append stages one port's input for frame. It does not write to disk
// immediately — see Commit, which is driven by the caller once per
// frame-advance so that CommitDelay can elapse.
func (w *Writer) Append(port int, frame uint64, raw uint32) {
	if w.disabled {
		return
	}
	if port < 0 || port >= MaxPorts {
		log.Printf("[replay] append: port %d out of range, skipping", port)
		return
	}
	s := w.slotFor(frame)
	s.raw[port] = raw
	s.hasRaw[port] = true
}

// Commit flushes every staged frame at least CommitDelay frames older
// than currentFrame, then force-flushes the OS buffer every FlushEvery
// calls. Call once per vblank after Append for the frame has been
// issued for every port.
func (w *Writer) Commit(currentFrame uint64) {
	if w.disabled {
		return
	}
	if currentFrame < CommitDelay {
		return
	}
	threshold := currentFrame - CommitDelay
	for i := range w.stage {
		s := &w.stage[i]
		if !s.valid || s.frame > threshold {
			continue
		}
		w.writeFrame(s)
		*s = frameSlot{}
	}
	w.sinceFsh++
	if w.sinceFsh >= FlushEvery {
		w.sync()
	}
}

// WriteRetroactiveFrame appends a frame out of the normal staging flow,
// immediately, without waiting for CommitDelay. This exists for the
// start-of-match edge case: when the game's status transitions
// WAIT->ONGOING, the inputs that caused that transition live in the
// *previous* frame, which may already be staged — in that case the
// staged copy is promoted and written immediately instead of waiting
// for CommitDelay to elapse naturally. If nothing is staged for frame,
// nothing is written and a diagnostic is logged.
func (w *Writer) WriteRetroactiveFrame(frame uint64) {
	if w.disabled {
		return
	}
	s := &w.stage[w.stageIndex(frame)]
	if !s.valid || s.frame != frame {
		log.Printf("[replay] retroactive write requested for frame %d but nothing staged", frame)
		return
	}
	w.writeFrame(s)
	*s = frameSlot{}
}

func (w *Writer) writeFrame(s *frameSlot) {
	for port := 0; port < MaxPorts; port++ {
		if !s.hasRaw[port] {
			continue
		}
		rec := Record{Port: int32(port), Frame: s.frame, Raw: s.raw[port]}
		buf := rec.encode()
		if _, err := w.f.Write(buf[:]); err != nil {
			log.Printf("[replay] write failed, disabling recording for remainder of session: %v", err)
			w.disabled = true
			return
		}
	}
}

func (w *Writer) flushAll() {
	for i := range w.stage {
		s := &w.stage[i]
		if s.valid {
			w.writeFrame(s)
			*s = frameSlot{}
		}
	}
	w.sync()
}

func (w *Writer) sync() {
	w.sinceFsh = 0
	if f, ok := w.f.(interface{ Sync() error }); ok {
		if err := f.Sync(); err != nil {
			log.Printf("[replay] sync failed: %v", err)
		}
	}
}

// Disabled reports whether a write failure has disabled recording for
// the remainder of the session.
func (w *Writer) Disabled() bool { return w.disabled }

// frameEntry is one frame's worth of decoded input for up to MaxPorts,
// as produced by a full scan of a replay file.
type frameEntry struct {
	frame   uint64
	raw     [MaxPorts]uint32
	present [MaxPorts]bool
}

// Reader provides frame-indexed, mostly-sequential random access over a
// previously recorded replay file. It scans the file once into an
// in-memory index sorted by frame, then serves lookups via binary
// search with a one-step "last index" cache for the common sequential
// access pattern.
type Reader struct {
	entries  []frameEntry
	lastIdx  int
}

// OpenReader scans path once and returns a Reader ready for playback.
func OpenReader(fs afero.Fs, path string) (*Reader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open reader %s: %w", path, err)
	}
	defer f.Close()

	byFrame := make(map[uint64]*frameEntry)
	order := make([]uint64, 0, 1024)
	var lastFrame uint64
	haveLast := false

	buf := make([]byte, RecordSize)
	for {
		n, err := io.ReadFull(f, buf)
		if err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				log.Printf("[replay] short record header (got %d of %d bytes) at end of stream, treating as EOF", n, RecordSize)
				break
			}
			return nil, fmt.Errorf("replay: read %s: %w", path, err)
		}
		rec := decodeRecord(buf)

		if rec.Port < 0 || int(rec.Port) >= MaxPorts {
			log.Printf("[replay] invalid port %d at frame %d, skipping record", rec.Port, rec.Frame)
			continue
		}
		if haveLast && rec.Frame < lastFrame {
			log.Printf("[replay] non-monotonic frame %d after %d, discarding record", rec.Frame, lastFrame)
			continue
		}
		lastFrame = rec.Frame
		haveLast = true

		e, ok := byFrame[rec.Frame]
		if !ok {
			e = &frameEntry{frame: rec.Frame}
			byFrame[rec.Frame] = e
			order = append(order, rec.Frame)
		}
		e.raw[rec.Port] = rec.Raw
		e.present[rec.Port] = true
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	entries := make([]frameEntry, 0, len(order))
	for _, fr := range order {
		entries = append(entries, *byFrame[fr])
	}
	return &Reader{entries: entries}, nil
}

// At returns the decoded, pause-filtered raw input for (port, frame),
// and whether the frame was present in the log at all. The Start/Pause
// button bit is always masked off here, regardless of which port set
// it, so pausing during the original recording cannot desynchronize
// playback.
func (r *Reader) At(port int, frame uint64) (raw uint32, ok bool) {
	if port < 0 || port >= MaxPorts {
		return 0, false
	}
	idx, found := r.find(frame)
	if !found {
		return 0, false
	}
	e := &r.entries[idx]
	if !e.present[port] {
		return 0, false
	}
	return e.raw[port] &^ PauseButtonMask, true
}

// find locates frame in the sorted index via binary search, checking
// the last-returned index first since most accesses are sequential.
func (r *Reader) find(frame uint64) (int, bool) {
	if r.lastIdx >= 0 && r.lastIdx < len(r.entries) {
		if r.entries[r.lastIdx].frame == frame {
			return r.lastIdx, true
		}
		if r.lastIdx+1 < len(r.entries) && r.entries[r.lastIdx+1].frame == frame {
			r.lastIdx++
			return r.lastIdx, true
		}
	}
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].frame >= frame })
	if i < len(r.entries) && r.entries[i].frame == frame {
		r.lastIdx = i
		return i, true
	}
	return 0, false
}

// Len returns the number of distinct frames present in the index.
func (r *Reader) Len() int { return len(r.entries) }
