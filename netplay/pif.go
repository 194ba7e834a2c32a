package netplay

import "encoding/binary"

// PIF controller command bytes, as written into a channel's transmit
// buffer by the game. Values match the reference core's jcmd_t enum.
const (
	JCMDStatus          = 0x00
	JCMDControllerRead   = 0x01
	JCMDPakRead          = 0x02
	JCMDPakWrite         = 0x03
	JCMDReset            = 0xFF
)

// JDT device-type bits synthesized into a fake STATUS/RESET reply for
// raw-mode controllers (ones without the normal plugin status
// negotiation).
const (
	JDTJoyAbsCounters = 0x0500
	JDTJoyPort        = 0x0001
)

// pakAbsent is the byte value the reference core returns from a mempak
// read/write when no pak is attached.
const pakAbsent = 0xFF

// PIFChannel is one of the four controller-port transactions the
// emulator core exposes for a single update_input call. TxBuf holds the
// command the game issued; RxBuf is filled in place with the reply, the
// same buffer the real controller plugin would have already written
// into before this hook runs.
type PIFChannel struct {
	Tx    bool
	TxBuf []byte
	RxBuf []byte
}

// cmd returns the channel's command byte, or JCMDStatus if the
// transmit buffer is empty.
func (c *PIFChannel) cmd() byte {
	if len(c.TxBuf) == 0 {
		return JCMDStatus
	}
	return c.TxBuf[0]
}

// PIF is the four-channel controller transaction buffer the emulator
// passes to UpdateInput on every controller poll.
type PIF struct {
	Channels [4]PIFChannel
}

func getRaw(buf []byte) uint32 {
	if len(buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:4])
}

func putRaw(buf []byte, raw uint32) {
	if len(buf) < 4 {
		return
	}
	binary.LittleEndian.PutUint32(buf[:4], raw)
}

func writeFakeStatus(ch *PIFChannel) {
	if len(ch.RxBuf) < 3 {
		return
	}
	typ := uint16(JDTJoyAbsCounters | JDTJoyPort)
	ch.RxBuf[0] = byte(typ)
	ch.RxBuf[1] = byte(typ >> 8)
	ch.RxBuf[2] = 0
}

func writeFakePakAbsent(ch *PIFChannel) {
	if len(ch.RxBuf) < 33 {
		return
	}
	ch.RxBuf[32] = pakAbsent
}

func writeFakePakWriteAck(ch *PIFChannel) {
	if len(ch.RxBuf) < 1 {
		return
	}
	ch.RxBuf[0] = pakAbsent
}

// UpdateInput services one controller-poll call from the emulator. For
// every channel that issued a transaction this poll, it resolves
// CONTROLLER_READ through the Replay Log (if playing back) or the
// Prediction & Rollback controller (if netplay is active), and
// synthesizes the raw-mode STATUS/RESET/PAK fakes the reference core
// emits for controllers that skip normal plugin negotiation.
func (s *Session) UpdateInput(pif *PIF) Result {
	if s.clock == nil {
		return ResultNotInitialized
	}
	if pif == nil {
		return ResultInvalidInput
	}
	frame := s.clock.Current()
	for port := range pif.Channels {
		ch := &pif.Channels[port]
		if !ch.Tx {
			continue
		}
		switch ch.cmd() {
		case JCMDControllerRead:
			s.handleControllerRead(port, frame, ch)
		case JCMDStatus, JCMDReset:
			if s.rawMode[port] {
				writeFakeStatus(ch)
			}
		case JCMDPakRead:
			if s.rawMode[port] {
				writeFakePakAbsent(ch)
			}
		case JCMDPakWrite:
			if s.rawMode[port] {
				writeFakePakWriteAck(ch)
			}
		}
	}
	return ResultSuccess
}

// handleControllerRead resolves the input word for (port, frame) and
// writes it into the channel's reply buffer, recording it to the
// Input Bus and Replay Log along the way.
func (s *Session) handleControllerRead(port int, frame uint64, ch *PIFChannel) {
	if s.play != nil {
		if raw, ok := s.play.At(port, frame); ok {
			s.bus.Record(port, frame, raw, true)
			putRaw(ch.RxBuf, raw)
			return
		}
	}

	if s.roll != nil {
		if port == s.localPort {
			// The real plugin already wrote this frame's hardware input
			// into RxBuf; capture it before overwriting with the
			// delayed/resolved value.
			raw := getRaw(ch.RxBuf)
			s.bus.Record(port, frame, raw, false)
			s.roll.Observe(port, raw, defaultPlugin)
			target := s.roll.RecordLocal(frame, raw, defaultPlugin)
			if s.sess != nil {
				if err := s.sess.SendInput(target, raw, defaultPlugin); err != nil {
					logf("send input: %v", err)
				}
			}
		}
		resolved, _ := s.roll.InputFor(port, frame)
		putRaw(ch.RxBuf, resolved)
		if port != s.localPort {
			s.bus.Record(port, frame, resolved, false)
		}
	} else {
		s.bus.Record(port, frame, getRaw(ch.RxBuf), false)
	}

	if s.rec != nil {
		s.rec.Append(port, frame, s.bus.Raw(port))
	}
}
