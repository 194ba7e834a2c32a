// Package netplay is the top-level glue the emulator host talks to: it
// wires the Frame Clock, Input Bus, Replay Log, Game Probe, Rendezvous
// Client, Peer Session, Input Ring, Prediction & Rollback, and State
// Ring together behind the three calls the host actually drives —
// OnVBlank, UpdateInput, CheckSync — plus the setup call that
// establishes a netplay session in the first place.
package netplay

import (
	"log"

	"github.com/JimmiTeam/mupen64plus-core/frameclock"
	"github.com/JimmiTeam/mupen64plus-core/inputbus"
	"github.com/JimmiTeam/mupen64plus-core/inputring"
	"github.com/JimmiTeam/mupen64plus-core/probe"
	"github.com/JimmiTeam/mupen64plus-core/replay"
	"github.com/JimmiTeam/mupen64plus-core/rollback"
	"github.com/JimmiTeam/mupen64plus-core/session"
	"github.com/JimmiTeam/mupen64plus-core/statering"
)

// defaultPlugin is the plugin byte attached to locally measured input
// when the host does not distinguish controller-pak types.
const defaultPlugin = 0

// syncCompareInterval is how many CheckSync calls elapse between
// CP0-register sync packets sent to the peer, matching the reference
// core's every-600-VI cadence.
const syncCompareInterval = 600

func logf(format string, args ...any) {
	log.Printf("[netplay] "+format, args...)
}

// Session is the single netplay-capable session bound to one emulator
// instance. It is usable offline (recording/playback only, no peer) by
// leaving netplay unstarted; Start wires in the Peer Session and
// Prediction & Rollback controller once a remote peer is established.
//
// Not safe for concurrent use; driven exclusively from the emulator's
// single cooperative thread, same as every component it wires.
type Session struct {
	clock *frameclock.Clock
	bus   *inputbus.Bus
	probe *probe.Probe

	rec  *replay.Writer
	play *replay.Reader

	sess *session.Session
	roll *rollback.Controller

	localPort int
	rawMode   [inputbus.NumPorts]bool

	lastGameStatus uint32
	sawGameStatus  bool

	syncTick   int
	pendingCP0 []uint32
	desynced   bool
}

// New returns a Session with the Frame Clock and Input Bus always
// active; ram may be nil if the Game Probe's back-button patch and
// retroactive-replay-write features are not needed.
func New(ram probe.RAM) *Session {
	s := &Session{
		clock: frameclock.New(),
		bus:   inputbus.New(),
	}
	if ram != nil {
		s.probe = probe.New(ram)
	}
	return s
}

// EnableRecording binds an already-opened replay writer; every
// controller read recorded from here on is appended to it.
func (s *Session) EnableRecording(w *replay.Writer) {
	s.rec = w
}

// EnablePlayback binds a replay reader whose At() results take priority
// over any live or netplay-resolved input.
func (s *Session) EnablePlayback(r *replay.Reader) {
	s.play = r
}

// SetRawMode marks port as a raw-passthrough controller, so UpdateInput
// synthesizes the fake STATUS/RESET/PAK replies the reference core
// emits for controllers that skip normal plugin negotiation.
func (s *Session) SetRawMode(port int, raw bool) {
	if port < 0 || port >= len(s.rawMode) {
		return
	}
	s.rawMode[port] = raw
}

// AttachNetplay wires an already-established Peer Session and its
// matching Prediction & Rollback controller into this Session. Callers
// typically obtain both from Start (see setup.go); this is also the
// seam integration tests use to inject fakes.
func (s *Session) AttachNetplay(sess *session.Session, roll *rollback.Controller, localPort int) {
	s.sess = sess
	s.roll = roll
	s.localPort = localPort
	s.roll.SeedCurrentFrame(s.clock.Current())
	s.sess.SetObserver(s.roll)
	s.sess.SetControlObserver(s)
}

// NetplayActive reports whether a Peer Session is currently wired in.
func (s *Session) NetplayActive() bool { return s.sess != nil }

// PeerSession exposes the wired Peer Session, or nil if netplay is not
// active. Exported for the diagnostics surface.
func (s *Session) PeerSession() *session.Session { return s.sess }

// Desynced reports whether the session has observed an unrecoverable
// desync (a misprediction outside the rollback window, or a failed
// periodic CP0 compare). Play continues in this state, degraded.
func (s *Session) Desynced() bool {
	return s.desynced || (s.roll != nil && s.roll.Status() == rollback.StatusUnrecoverable)
}

// RollbackController exposes the wired Prediction & Rollback
// controller, or nil if netplay is not active. Exported for the
// diagnostics surface and for hosts that want direct State Ring
// control (e.g. capturing the initial snapshot before playback).
func (s *Session) RollbackController() *rollback.Controller { return s.roll }

// Clock exposes the Frame Clock, e.g. so a host can report the current
// frame on its diagnostics endpoint.
func (s *Session) Clock() *frameclock.Clock { return s.clock }

// OnVBlank drives the Frame Clock, resets the Input Bus for the new
// frame, commits any due Replay Log frames, saves State Ring state
// ahead of this frame's CPU execution (when netplay is active), and
// watches the Game Probe for the WAIT->ONGOING transition that needs a
// retroactive replay write.
func (s *Session) OnVBlank() Result {
	s.clock.OnVBlank()
	frame := s.clock.Current()
	s.bus.Latch(frame)

	if s.roll != nil {
		s.roll.Advance()
		if err := s.roll.SaveState(frame); err != nil {
			logf("save state: %v", err)
		}
	}

	s.checkGameTransition(frame)

	if s.rec != nil {
		s.rec.Commit(frame)
	}
	return ResultSuccess
}

// checkGameTransition watches for the match-start transition
// (WAIT -> an ongoing/unpaused status) and promotes the previous
// frame's staged input immediately: the inputs that caused the
// transition are recorded against the frame before it, which may
// already be sitting in the Writer's staging ring waiting for the
// normal commit delay to elapse.
func (s *Session) checkGameTransition(frame uint64) {
	if s.probe == nil || s.rec == nil {
		return
	}
	status := s.probe.GameStatus()
	defer func() { s.lastGameStatus = status; s.sawGameStatus = true }()

	if !s.sawGameStatus || frame == 0 {
		return
	}
	wasWaiting := s.lastGameStatus == probe.StatusWait
	nowOngoing := probe.IsPausedLike(status) || status == probe.StatusOngoing
	if wasWaiting && nowOngoing {
		s.rec.WriteRetroactiveFrame(frame - 1)
	}
}

// Shutdown tears down the Peer Session (if any) and the Replay Writer
// (if any), flushing staged frames.
func (s *Session) Shutdown() Result {
	var failed bool
	if s.sess != nil {
		if err := s.sess.Shutdown(); err != nil {
			logf("shutdown transport: %v", err)
			failed = true
		}
		s.sess = nil
		s.roll = nil
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			logf("close replay writer: %v", err)
			failed = true
		}
		s.rec = nil
	}
	if failed {
		return ResultSystemFail
	}
	return ResultSuccess
}

// newRollbackController builds the Prediction & Rollback controller and
// its backing Input Ring / State Ring for a freshly established peer
// session.
func newRollbackController(snap statering.Snapshotter, localPort int, delta int, stateDepth int, stateSlotBytes int) *rollback.Controller {
	ring := inputring.New(inputbus.NumPorts, inputring.DefaultSize)
	states := statering.New(stateDepth, stateSlotBytes)
	return rollback.New(ring, states, snap, inputbus.NumPorts, localPort, delta)
}
