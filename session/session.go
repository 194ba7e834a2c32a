package session

import (
	"fmt"
	"log"
	"time"

	"github.com/JimmiTeam/mupen64plus-core/wire"
)

// Role distinguishes the host (authoritative for registration, settings,
// and the initial save file) from the client.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

// Redundancy is how many of a port's most recent inputs are included in
// every outgoing input packet, so a single dropped datagram does not
// stall playback.
const Redundancy = 3

// DefaultBufferTarget is the frames of input delay scheduled ahead,
// absent an explicit configuration.
const DefaultBufferTarget = 1

// MaxBufferTarget bounds the configurable input delay.
const MaxBufferTarget = 6

// stallCeiling is the hard upper bound on the buffer-target stall.
const stallCeiling = 500 * time.Millisecond

// setupTimeouts bound the blocking session-establishment calls.
const (
	SaveSyncTimeout     = 30 * time.Second
	SettingsSyncTimeout = 10 * time.Second
	ClientReadyTimeout  = 30 * time.Second
	RegistrationTimeout = 5 * time.Second
)

// SyncStatus bits describing session health, exposed for diagnostics.
type SyncStatus uint32

const (
	SyncOK SyncStatus = 1 << iota
	SyncDesynced
	SyncStalling
)

// InputObserver is notified whenever a confirmed remote input packet is
// received, so rollback.Controller can compare it against its
// predictions. It is the seam between session and rollback.
type InputObserver interface {
	OnRemoteInput(port int, frame uint64, raw uint32, plugin uint8)
}

// ControlObserver is notified of every control-channel message that
// Poll does not itself interpret (registration, settings, and save-sync
// are consumed directly during setup; anything arriving afterward, such
// as a periodic sync-data packet, is handed to this observer instead of
// being dropped).
type ControlObserver interface {
	OnControlMessage(data []byte)
}

// Session owns the single Peer Session: one remote peer, registration,
// settings and save-game sync, and the steady-state exchange of input
// packets.
//
// Not safe for concurrent use from multiple goroutines beyond the
// background readers Transport itself manages; Session's own methods
// are intended to be driven from the emulator's single cooperative
// thread.
type Session struct {
	t    Transport
	role Role

	localPort     int
	bufferTarget  int
	remoteFrame   uint64
	syncStatus    SyncStatus
	lastSentFor   map[int]uint64 // port -> highest frame sent, for redundancy window bookkeeping

	observer        InputObserver
	controlObserver ControlObserver

	// history holds each port's most recently sent inputs, newest
	// first, to build the redundancy window.
	history map[int][]wire.InputEvent
}

// New creates a Session bound to an already-established Transport.
func New(t Transport, role Role, localPort int) *Session {
	return &Session{
		t:            t,
		role:         role,
		localPort:    localPort,
		bufferTarget: DefaultBufferTarget,
		syncStatus:   SyncOK,
		lastSentFor:  make(map[int]uint64),
		history:      make(map[int][]wire.InputEvent),
	}
}

// SetObserver registers the rollback controller (or any other listener)
// to be notified of confirmed remote inputs.
func (s *Session) SetObserver(o InputObserver) { s.observer = o }

// SetControlObserver registers a listener for control-channel messages
// arriving after setup has completed (e.g. periodic sync-data packets).
func (s *Session) SetControlObserver(o ControlObserver) { s.controlObserver = o }

// SendControl transmits a raw, already-encoded message on the reliable
// control channel. Exposed for post-setup traffic (sync-data) that
// doesn't warrant its own Session method.
func (s *Session) SendControl(data []byte) error {
	return s.t.Send(ChannelControl, data)
}

// SetBufferTarget sets Δ, clamped to [1, MaxBufferTarget].
func (s *Session) SetBufferTarget(delta int) {
	if delta < 1 {
		delta = 1
	}
	if delta > MaxBufferTarget {
		delta = MaxBufferTarget
	}
	s.bufferTarget = delta
}

// BufferTarget returns the currently configured Δ.
func (s *Session) BufferTarget() int { return s.bufferTarget }

// RemoteFrame returns the highest frame observed from the remote peer.
func (s *Session) RemoteFrame() uint64 { return s.remoteFrame }

// SyncStatus returns the current health bitfield.
func (s *Session) SyncStatus() SyncStatus { return s.syncStatus }

// SendInput transmits the local port's input for targetFrame (already
// offset by Δ by the caller — rollback.Controller, in the normal
// flow), annotated with up to Redundancy-1 of its predecessors.
func (s *Session) SendInput(targetFrame uint64, raw uint32, plugin uint8) error {
	hist := append([]wire.InputEvent{{Frame: targetFrame, Raw: raw, Plugin: plugin}}, s.history[s.localPort]...)
	if len(hist) > Redundancy {
		hist = hist[:Redundancy]
	}
	s.history[s.localPort] = hist

	msg := wire.SendKeyInfo{
		Player:   uint8(s.localPort),
		SenderVI: uint32(targetFrame),
		Events:   hist,
	}
	return s.t.Send(ChannelInput, wire.EncodeSendKeyInfo(msg))
}

// Poll drains the transport and dispatches whatever input packets
// arrived, updating remote_frame and notifying the observer once for
// every input event each packet carries, redundant repeats included.
// It never blocks.
func (s *Session) Poll() error {
	events, err := s.t.Poll()
	if err != nil {
		return fmt.Errorf("session: poll: %w", err)
	}
	for _, ev := range events {
		if ev.Channel != ChannelInput {
			if s.controlObserver != nil {
				s.controlObserver.OnControlMessage(ev.Data)
			}
			continue
		}
		if len(ev.Data) == 0 || ev.Data[0] != wire.TypeSendKeyInfo {
			continue
		}
		msg, err := wire.DecodeSendKeyInfo(ev.Data[1:])
		if err != nil {
			log.Printf("[session] malformed input packet: %v", err)
			continue
		}
		if uint64(msg.SenderVI) > s.remoteFrame {
			s.remoteFrame = uint64(msg.SenderVI)
		}
		for _, e := range msg.Events {
			if s.observer != nil {
				s.observer.OnRemoteInput(int(msg.Player), uint64(e.Frame), e.Raw, e.Plugin)
			}
		}
	}
	return nil
}

// Stall spins on Poll while localFrame - remoteFrame exceeds the buffer
// target, bounded by a 500 ms hard ceiling after which it proceeds
// regardless (prediction covers the remaining gap).
func (s *Session) Stall(localFrame uint64) {
	deadline := time.Now().Add(stallCeiling)
	for {
		if localFrame <= s.remoteFrame || int64(localFrame-s.remoteFrame) <= int64(s.bufferTarget) {
			return
		}
		if time.Now().After(deadline) {
			s.syncStatus |= SyncStalling
			return
		}
		if err := s.Poll(); err != nil {
			log.Printf("[session] stall poll error: %v", err)
			return
		}
		s.syncStatus &^= SyncStalling
	}
}

// Shutdown tears down the underlying transport. A disconnect drains
// nothing further; the caller's emulator continues offline.
func (s *Session) Shutdown() error {
	return s.t.Shutdown()
}
