// Package wire encodes and decodes the Peer Session control-channel
// message types: registration, settings sync, save-game sync, and
// input-info packets. The first byte of every message is its type code.
package wire

import (
	"encoding/binary"
	"errors"
)

// Message type codes.
const (
	TypeSendKeyInfo      = 0  // client -> host
	TypeReceiveKeyInfo   = 1  // host -> client
	TypeSendSave         = 10 // either direction
	TypeReceiveSave      = 11 // either direction, request
	TypeSendSettings     = 12 // host -> client
	TypeSyncData         = 13 // either direction, periodic CP0 compare
	TypeRegisterPlayer   = 14 // client -> host
	TypeRegistrationAck  = 255 // host -> client, ack of 14 (out-of-band value, clear of the low type range)
	TypeGetRegistration  = 15 // client -> host
	TypeReceiveRegistration = 16 // host -> client
	TypeClientReady      = 17 // client -> host
)

var errShort = errors.New("wire: message too short")

// InputEvent is one frame's worth of input, as carried in a
// SendKeyInfo/ReceiveKeyInfo packet.
type InputEvent struct {
	Frame  uint32
	Raw    uint32
	Plugin uint8
}

func encodeEvent(buf []byte, e InputEvent) []byte {
	var tmp [9]byte
	binary.BigEndian.PutUint32(tmp[0:4], e.Frame)
	binary.BigEndian.PutUint32(tmp[4:8], e.Raw)
	tmp[8] = e.Plugin
	return append(buf, tmp[:]...)
}

func decodeEvent(b []byte) (InputEvent, []byte, error) {
	if len(b) < 9 {
		return InputEvent{}, nil, errShort
	}
	e := InputEvent{
		Frame:  binary.BigEndian.Uint32(b[0:4]),
		Raw:    binary.BigEndian.Uint32(b[4:8]),
		Plugin: b[8],
	}
	return e, b[9:], nil
}

// SendKeyInfo is sent client->host with the current input plus up to
// Redundancy-1 of its predecessors, so a single dropped datagram does
// not stall playback.
type SendKeyInfo struct {
	Player   uint8
	SenderVI uint32
	Events   []InputEvent // most recent first
}

// EncodeSendKeyInfo serializes msg as: type(1) player(1) count(1)
// sender_vi(4) [events...].
func EncodeSendKeyInfo(msg SendKeyInfo) []byte {
	buf := make([]byte, 0, 7+len(msg.Events)*9)
	buf = append(buf, TypeSendKeyInfo, msg.Player, uint8(len(msg.Events)))
	var vi [4]byte
	binary.BigEndian.PutUint32(vi[:], msg.SenderVI)
	buf = append(buf, vi[:]...)
	for _, e := range msg.Events {
		buf = encodeEvent(buf, e)
	}
	return buf
}

// DecodeSendKeyInfo parses a SendKeyInfo payload (excluding the leading
// type byte, which the caller has already consumed to dispatch here).
func DecodeSendKeyInfo(body []byte) (SendKeyInfo, error) {
	if len(body) < 6 {
		return SendKeyInfo{}, errShort
	}
	player := body[0]
	count := int(body[1])
	senderVI := binary.BigEndian.Uint32(body[2:6])
	rest := body[6:]
	events := make([]InputEvent, 0, count)
	for i := 0; i < count; i++ {
		e, tail, err := decodeEvent(rest)
		if err != nil {
			return SendKeyInfo{}, err
		}
		events = append(events, e)
		rest = tail
	}
	return SendKeyInfo{Player: player, SenderVI: senderVI, Events: events}, nil
}

// ReceiveKeyInfo is sent host->client: the input for Player, plus
// bookkeeping the client uses to judge lag.
type ReceiveKeyInfo struct {
	Player   uint8
	Status   uint8
	Lag      uint8
	SenderVI uint32
	Events   []InputEvent
}

// EncodeReceiveKeyInfo serializes msg as: type(1) player(1) status(1)
// lag(1) count(1) sender_vi(4) [events...].
func EncodeReceiveKeyInfo(msg ReceiveKeyInfo) []byte {
	buf := make([]byte, 0, 9+len(msg.Events)*9)
	buf = append(buf, TypeReceiveKeyInfo, msg.Player, msg.Status, msg.Lag, uint8(len(msg.Events)))
	var vi [4]byte
	binary.BigEndian.PutUint32(vi[:], msg.SenderVI)
	buf = append(buf, vi[:]...)
	for _, e := range msg.Events {
		buf = encodeEvent(buf, e)
	}
	return buf
}

// DecodeReceiveKeyInfo parses a ReceiveKeyInfo payload (type byte
// already consumed).
func DecodeReceiveKeyInfo(body []byte) (ReceiveKeyInfo, error) {
	if len(body) < 8 {
		return ReceiveKeyInfo{}, errShort
	}
	msg := ReceiveKeyInfo{
		Player:   body[0],
		Status:   body[1],
		Lag:      body[2],
		SenderVI: binary.BigEndian.Uint32(body[4:8]),
	}
	count := int(body[3])
	rest := body[8:]
	for i := 0; i < count; i++ {
		e, tail, err := decodeEvent(rest)
		if err != nil {
			return ReceiveKeyInfo{}, err
		}
		msg.Events = append(msg.Events, e)
		rest = tail
	}
	return msg, nil
}

// RegisterPlayer is sent client->host to claim a player slot.
type RegisterPlayer struct {
	Player uint8
	Plugin uint8
	Raw    uint8
	RegID  uint32
}

func EncodeRegisterPlayer(m RegisterPlayer) []byte {
	buf := make([]byte, 8)
	buf[0] = TypeRegisterPlayer
	buf[1] = m.Player
	buf[2] = m.Plugin
	buf[3] = m.Raw
	binary.BigEndian.PutUint32(buf[4:8], m.RegID)
	return buf
}

func DecodeRegisterPlayer(body []byte) (RegisterPlayer, error) {
	if len(body) < 7 {
		return RegisterPlayer{}, errShort
	}
	return RegisterPlayer{
		Player: body[0],
		Plugin: body[1],
		Raw:    body[2],
		RegID:  binary.BigEndian.Uint32(body[3:7]),
	}, nil
}

// RegistrationAck is the host's reply to RegisterPlayer.
type RegistrationAck struct {
	PlayerID     uint8
	BufferTarget uint8
}

func EncodeRegistrationAck(m RegistrationAck) []byte {
	return []byte{TypeRegistrationAck, m.PlayerID, m.BufferTarget}
}

func DecodeRegistrationAck(body []byte) (RegistrationAck, error) {
	if len(body) < 2 {
		return RegistrationAck{}, errShort
	}
	return RegistrationAck{PlayerID: body[0], BufferTarget: body[1]}, nil
}

// PlayerRegistration is one entry of a RECEIVE_REGISTRATION reply.
type PlayerRegistration struct {
	RegID  uint32
	Plugin uint8
	Raw    uint8
}

// EncodeReceiveRegistration serializes exactly 4 registration slots.
func EncodeReceiveRegistration(regs [4]PlayerRegistration) []byte {
	buf := make([]byte, 1+4*6)
	buf[0] = TypeReceiveRegistration
	for i, r := range regs {
		off := 1 + i*6
		binary.BigEndian.PutUint32(buf[off:off+4], r.RegID)
		buf[off+4] = r.Plugin
		buf[off+5] = r.Raw
	}
	return buf
}

func DecodeReceiveRegistration(body []byte) ([4]PlayerRegistration, error) {
	var out [4]PlayerRegistration
	if len(body) < 4*6 {
		return out, errShort
	}
	for i := range out {
		off := i * 6
		out[i] = PlayerRegistration{
			RegID:  binary.BigEndian.Uint32(body[off : off+4]),
			Plugin: body[off+4],
			Raw:    body[off+5],
		}
	}
	return out, nil
}

// SendSettings carries the six emulator-wide settings synced from host
// to client at session start.
type SendSettings struct {
	Values [6]uint32
}

func EncodeSendSettings(m SendSettings) []byte {
	buf := make([]byte, 1+6*4)
	buf[0] = TypeSendSettings
	for i, v := range m.Values {
		binary.BigEndian.PutUint32(buf[1+i*4:5+i*4], v)
	}
	return buf
}

func DecodeSendSettings(body []byte) (SendSettings, error) {
	var m SendSettings
	if len(body) < 6*4 {
		return m, errShort
	}
	for i := range m.Values {
		m.Values[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
	}
	return m, nil
}

// SyncData carries one peer's CP0 register bank at a given frame, sent
// periodically so the other side can detect a silent desync.
type SyncData struct {
	Frame uint32
	Regs  []uint32
}

func EncodeSyncData(m SyncData) []byte {
	buf := make([]byte, 0, 1+4+4*len(m.Regs))
	buf = append(buf, TypeSyncData)
	var frameBuf [4]byte
	binary.BigEndian.PutUint32(frameBuf[:], m.Frame)
	buf = append(buf, frameBuf[:]...)
	for _, r := range m.Regs {
		var rb [4]byte
		binary.BigEndian.PutUint32(rb[:], r)
		buf = append(buf, rb[:]...)
	}
	return buf
}

func DecodeSyncData(body []byte) (SyncData, error) {
	if len(body) < 4 {
		return SyncData{}, errShort
	}
	m := SyncData{Frame: binary.BigEndian.Uint32(body[0:4])}
	rest := body[4:]
	if len(rest)%4 != 0 {
		return SyncData{}, errShort
	}
	m.Regs = make([]uint32, len(rest)/4)
	for i := range m.Regs {
		m.Regs[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return m, nil
}

// SendSave carries a save-game file (SRAM/EEPROM/Flash share this
// message via the extension string). An all-zeroes payload means "no
// save file exists" — IsEmptySave detects this (empty Data or all
// bytes zero).
type SendSave struct {
	Ext  string // without leading dot, NUL-terminated on the wire
	Data []byte
}

func EncodeSendSave(m SendSave) []byte {
	buf := make([]byte, 0, 1+len(m.Ext)+1+4+len(m.Data))
	buf = append(buf, TypeSendSave)
	buf = append(buf, []byte(m.Ext)...)
	buf = append(buf, 0)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(m.Data)))
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, m.Data...)
	return buf
}

func DecodeSendSave(body []byte) (SendSave, error) {
	nul := indexByte(body, 0)
	if nul < 0 {
		return SendSave{}, errors.New("wire: send_save missing extension terminator")
	}
	ext := string(body[:nul])
	rest := body[nul+1:]
	if len(rest) < 4 {
		return SendSave{}, errShort
	}
	size := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint32(len(rest)) < size {
		return SendSave{}, errShort
	}
	return SendSave{Ext: ext, Data: rest[:size]}, nil
}

// IsEmptySave reports whether data represents "no save file exists":
// empty or entirely zero bytes.
func IsEmptySave(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ReceiveSaveRequest is sent by either peer to request the other's
// current save file.
func EncodeReceiveSaveRequest() []byte { return []byte{TypeReceiveSave} }

// ClientReady signals the client has finished its setup and is ready
// to begin simulation.
func EncodeClientReady() []byte { return []byte{TypeClientReady} }

// GetRegistration asks the host for the current player->plugin table.
func EncodeGetRegistration() []byte { return []byte{TypeGetRegistration} }
