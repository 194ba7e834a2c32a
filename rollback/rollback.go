// Package rollback implements prediction and rollback: the core
// netcode loop that lets two peers keep a 60 Hz simulation in lockstep
// over an Internet round trip without waiting on the network for every
// frame.
//
// Local input measured at vblank for frame F is scheduled Δ frames
// ahead; remote input is speculated as "held the same buttons" until
// the real packet arrives. A speculation that turns out wrong latches
// a rollback, which is carried out at the next natural entry to the
// per-frame loop rather than inline from the packet handler.
package rollback

import (
	"fmt"
	"log"

	"github.com/JimmiTeam/mupen64plus-core/inputring"
	"github.com/JimmiTeam/mupen64plus-core/statering"
)

// Delta is the fixed buffer-target delay applied to locally measured
// input before it is scheduled and sent, mirroring session.BufferTarget
// so the two stay in lockstep; callers construct a Controller with the
// same value they configured on the Session.
type Delta = int

// predictionFlag marks what, if anything, is known about a (port,
// frame) pair in the rollback window.
type predictionFlag uint8

const (
	flagNone predictionFlag = iota
	flagPredicted
	flagConfirmed
)

// predictionTable is a small ring, keyed the same way as inputring.Ring,
// tracking only the flag (not the input bytes — inputring already holds
// those) for the rollback window.
type predictionTable struct {
	size  uint64
	mask  uint64
	flags [][]predictionFlag // [port][index mod size]
}

func newPredictionTable(ports int, size uint64) *predictionTable {
	flags := make([][]predictionFlag, ports)
	for p := range flags {
		flags[p] = make([]predictionFlag, size)
	}
	return &predictionTable{size: size, mask: size - 1, flags: flags}
}

func (t *predictionTable) get(port int, frame uint64) predictionFlag {
	if port < 0 || port >= len(t.flags) {
		return flagNone
	}
	return t.flags[port][frame&t.mask]
}

func (t *predictionTable) set(port int, frame uint64, f predictionFlag) {
	if port < 0 || port >= len(t.flags) {
		return
	}
	t.flags[port][frame&t.mask] = f
}

// clearRange clears flags for every frame in [from, to] inclusive, for
// every port — used when a rollback rewinds the simulation and the
// cleared window must re-accumulate fresh predictions without false
// matches against stale flags.
func (t *predictionTable) clearRange(from, to uint64) {
	for port := range t.flags {
		for f := from; f <= to; f++ {
			t.flags[port][f&t.mask] = flagNone
		}
	}
}

// PendingRollback describes a latched rollback awaiting execution at
// the next clock-sync hook.
type PendingRollback struct {
	TargetFrame   uint64
	FramesBack    int
	OffendingPort int
}

// Status bits surfaced for diagnostics.
type Status uint32

const (
	StatusIdle Status = iota
	StatusResimming
	StatusUnrecoverable
)

// Controller owns prediction bookkeeping, rollback latching, and resim
// progression for one session. It does not itself touch the network —
// callers feed it confirmed remote input via OnRemoteInput (wired as
// session.InputObserver) and call its accessors from the emulator's
// per-port input-read path.
//
// Not safe for concurrent use; driven entirely from the emulator's
// single cooperative thread, same as every other component here.
type Controller struct {
	ring       *inputring.Ring
	states     *statering.Ring
	snap       statering.Snapshotter
	pred       *predictionTable
	delta      Delta
	localPort  int
	numPorts   int

	currentF uint64 // the publicly observed "current simulated frame"
	lastInputs [8]uint32 // last known input per port, used as a fallback/speculation source
	lastPlugin [8]uint8

	pending  *PendingRollback
	resimLeft int
	status   Status

	// suppressed holds mispredictions that arrived while status was
	// StatusResimming, deferred here instead of being latched inline so
	// resim doesn't recurse into a second rollback mid-flight.
	suppressed []suppressedMismatch
}

type suppressedMismatch struct {
	port  int
	frame uint64
}

// New creates a Controller. ring and states must already be sized for
// the session (inputring.New / statering.New); snap is the emulator's
// save/restore pair, used for both State Ring capture and rollback
// restore.
func New(ring *inputring.Ring, states *statering.Ring, snap statering.Snapshotter, numPorts int, localPort int, delta Delta) *Controller {
	if delta < 1 {
		delta = 1
	}
	return &Controller{
		ring:      ring,
		states:    states,
		snap:      snap,
		pred:      newPredictionTable(numPorts, ring.Size()),
		delta:     delta,
		localPort: localPort,
		numPorts:  numPorts,
	}
}

// Status reports the controller's current phase.
func (c *Controller) Status() Status { return c.status }

// CurrentFrame returns the rollback-adjusted "current simulated frame":
// it rewinds for the duration of a resim and tracks forward again as
// resim progresses, unlike frameclock.Clock.Current which never
// rewinds.
func (c *Controller) CurrentFrame() uint64 { return c.currentF }

// SaveState captures the emulator's state for frame before it is
// simulated. Callers invoke this exactly once per vblank, before CPU
// advance, whenever rollback is enabled.
func (c *Controller) SaveState(frame uint64) error {
	return c.states.Save(c.snap, frame)
}

// RecordLocal schedules locally measured input for frame F at F+Δ: it
// is inserted into the ring at F+Δ so the delayed input lands exactly
// Δ frames later, per the normal local-port read path.
func (c *Controller) RecordLocal(frame uint64, raw uint32, plugin uint8) (targetFrame uint64) {
	targetFrame = frame + uint64(c.delta)
	c.ring.Put(c.localPort, targetFrame, raw, plugin)
	return targetFrame
}

// OnRemoteInput is called for every confirmed input packet arriving
// from the peer, for frame F' on remotePort. If a prior speculation for
// (remotePort, F') disagrees with the arriving bytes, a rollback is
// latched (unless a rollback to the same or an earlier frame is already
// pending, or the controller is mid resim — the post-resim scan takes
// over that case instead of
// recursing into a second rollback while the first is still playing
// out). Otherwise the prediction slot is simply marked confirmed.
func (c *Controller) OnRemoteInput(remotePort int, frame uint64, raw uint32, plugin uint8) {
	prior, hadPrior := c.ring.Get(remotePort, frame)
	mispredicted := hadPrior && c.pred.get(remotePort, frame) == flagPredicted &&
		(prior.Raw != raw || prior.Plugin != plugin)

	c.ring.Put(remotePort, frame, raw, plugin)

	if mispredicted {
		if c.status == StatusResimming {
			// Arrived mid-resim: defer to the post-resim scan instead of
			// recursing into a second rollback while the first is still
			// playing out.
			c.suppressed = append(c.suppressed, suppressedMismatch{port: remotePort, frame: frame})
			return
		}
		c.latchRollback(remotePort, frame)
		return
	}
	c.pred.set(remotePort, frame, flagConfirmed)
}

func (c *Controller) latchRollback(offendingPort int, targetFrame uint64) {
	if c.pending != nil {
		// A rollback is already queued; the deeper one subsumes it.
		if targetFrame >= c.pending.TargetFrame {
			return
		}
	}
	if targetFrame > c.currentF {
		return // nothing to roll back — the offending frame hasn't executed yet
	}
	framesBack := int(c.currentF - targetFrame)
	if framesBack > c.states.Depth() {
		log.Printf("[rollback] frame %d is %d frames back, beyond state-ring depth %d: unrecoverable", targetFrame, framesBack, c.states.Depth())
		c.status = StatusUnrecoverable
		return
	}
	c.pending = &PendingRollback{TargetFrame: targetFrame, FramesBack: framesBack, OffendingPort: offendingPort}
}

// Pending returns the currently latched rollback, if any.
func (c *Controller) Pending() *PendingRollback { return c.pending }

// CheckSync is the clock-sync hook, invoked once per frame before CPU
// advance. It executes a latched rollback (if any) and advances resim
// bookkeeping. It returns true if a rollback was executed this call.
func (c *Controller) CheckSync() (rolledBack bool, err error) {
	if c.pending != nil {
		if err := c.execute(*c.pending); err != nil {
			c.pending = nil
			return false, err
		}
		c.pending = nil
		return true, nil
	}
	if c.status == StatusResimming {
		c.advanceResim()
	}
	return false, nil
}

func (c *Controller) execute(pr PendingRollback) error {
	originalF := c.currentF
	if err := c.states.Load(c.snap, pr.FramesBack); err != nil {
		// A worse visual hitch than a clean rollback, but not a crash:
		// continue with the uncorrected state.
		log.Printf("[rollback] state load failed for frames_back=%d: %v", pr.FramesBack, err)
		return fmt.Errorf("rollback: load state: %w", err)
	}
	c.currentF = pr.TargetFrame
	c.pred.clearRange(pr.TargetFrame, originalF)
	c.resimLeft = pr.FramesBack
	c.status = StatusResimming
	log.Printf("[rollback] executing: target=%d frames_back=%d offending_port=%d", pr.TargetFrame, pr.FramesBack, pr.OffendingPort)
	return nil
}

// advanceResim decrements the resim counter and, once it reaches zero,
// runs the post-resim scan for mispredictions that arrived while the
// inline check was suppressed.
func (c *Controller) advanceResim() {
	c.currentF++
	c.resimLeft--
	if c.resimLeft > 0 {
		return
	}
	c.status = StatusIdle
	c.postResimScan()
}

// postResimScan replays the mismatches OnRemoteInput deferred while
// resim was in progress. Latching the deepest of them is enough: a
// shallower one would have been rewound by the same rollback anyway.
func (c *Controller) postResimScan() {
	deferred := c.suppressed
	c.suppressed = nil
	for _, m := range deferred {
		c.latchRollback(m.port, m.frame)
	}
}

// InputFor returns the input to use for (port, frame) this read,
// implementing the three lookup rules: local/normal, remote/normal,
// and any-port/resim.
func (c *Controller) InputFor(port int, frame uint64) (raw uint32, plugin uint8) {
	if slot, ok := c.ring.Get(port, frame); ok {
		return slot.Raw, slot.Plugin
	}
	if c.status != StatusResimming && port != c.localPort {
		// Remote port, normal mode, nothing arrived yet: speculate as
		// "held the same buttons" and record the prediction.
		raw, plugin = c.lastFor(port)
		c.ring.Put(port, frame, raw, plugin)
		c.pred.set(port, frame, flagPredicted)
		return raw, plugin
	}
	// Local port fallback, or any-port resim fallback: use the last
	// known input without recording a new prediction.
	return c.lastFor(port)
}

func (c *Controller) lastFor(port int) (uint32, uint8) {
	if port < 0 || port >= len(c.lastInputs) {
		return 0, 0
	}
	return c.lastInputs[port], c.lastPlugin[port]
}

// Observe updates the last-known-input fallback for port, intended to
// be called once InputFor's result (or a freshly measured local input)
// is known to be the frame's real value.
func (c *Controller) Observe(port int, raw uint32, plugin uint8) {
	if port < 0 || port >= len(c.lastInputs) {
		return
	}
	c.lastInputs[port] = raw
	c.lastPlugin[port] = plugin
}

// SeedCurrentFrame sets the rollback-adjusted current frame at session
// start, before any rollback has occurred.
func (c *Controller) SeedCurrentFrame(frame uint64) { c.currentF = frame }

// Advance moves the rollback-adjusted current frame forward by one,
// for ordinary per-vblank progression outside of a resim. Callers
// invoke this once per vblank, after SeedCurrentFrame has run; it is a
// no-op while status is StatusResimming, since advanceResim already
// tracks currentF forward one step per CheckSync call during resim.
func (c *Controller) Advance() {
	if c.status == StatusResimming {
		return
	}
	c.currentF++
}
