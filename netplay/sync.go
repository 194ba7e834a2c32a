package netplay

import "github.com/JimmiTeam/mupen64plus-core/wire"

// CheckSync is the stall-and-resim-advance hook: called once per frame
// before CPU execution. It drains the transport, applies the
// buffer-target stall, advances any in-flight rollback resim, and every
// syncCompareInterval frames exchanges a CP0 register snapshot with the
// peer to catch a silent desync that rollback's own misprediction check
// cannot see (a compare mismatch with no contradicted input, e.g. a
// floating-point rounding difference between the two hosts).
func (s *Session) CheckSync(cp0 []uint32) Result {
	if s.clock == nil {
		return ResultNotInitialized
	}
	if s.sess == nil {
		return ResultSuccess
	}

	s.sess.Stall(s.clock.Current())

	if s.roll != nil {
		if _, err := s.roll.CheckSync(); err != nil {
			logf("rollback check sync: %v", err)
		}
	}

	s.pendingCP0 = cp0
	s.syncTick++
	if s.syncTick >= syncCompareInterval {
		s.syncTick = 0
		if err := s.sendSyncData(cp0); err != nil {
			logf("send sync data: %v", err)
		}
	}

	if err := s.sess.Poll(); err != nil {
		logf("poll: %v", err)
	}

	return ResultSuccess
}

func (s *Session) sendSyncData(cp0 []uint32) error {
	msg := wire.SyncData{Frame: uint32(s.clock.Current()), Regs: cp0}
	return s.sess.SendControl(wire.EncodeSyncData(msg))
}

// OnControlMessage implements session.ControlObserver, handling the one
// control message type that can legitimately arrive mid-session: a
// peer's periodic CP0 snapshot. Registration, settings, and save-sync
// are consumed directly during Start and never reach here.
func (s *Session) OnControlMessage(data []byte) {
	if len(data) == 0 || data[0] != wire.TypeSyncData {
		return
	}
	peer, err := wire.DecodeSyncData(data[1:])
	if err != nil {
		logf("malformed sync-data packet: %v", err)
		return
	}
	if len(s.pendingCP0) != len(peer.Regs) {
		return
	}
	for i := range s.pendingCP0 {
		if s.pendingCP0[i] != peer.Regs[i] {
			logf("CP0 desync at frame %d: register %d local=%#x peer=%#x", peer.Frame, i, s.pendingCP0[i], peer.Regs[i])
			s.desynced = true
			return
		}
	}
}
