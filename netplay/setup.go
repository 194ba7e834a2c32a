package netplay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/spf13/afero"

	"github.com/JimmiTeam/mupen64plus-core/rendezvous"
	"github.com/JimmiTeam/mupen64plus-core/session"
	"github.com/JimmiTeam/mupen64plus-core/statering"
	"github.com/JimmiTeam/mupen64plus-core/wire"
)

// StartParams are the netplay start parameters named in the emulator's
// CLI & config surface: all three are required, there is no default.
type StartParams struct {
	RelayHost string
	Token     string
	IsHost    bool

	// LocalPort is this host's claimed player slot.
	LocalPort int
	// SaveExt/SavePath identify the on-disk save file to sync at
	// session start (host reads and sends it; client overwrites its
	// local copy with whatever arrives, including an empty payload
	// meaning "no save file exists").
	SaveExt  string
	SavePath string
	Fs       afero.Fs

	// StateDepth/StateSlotBytes size the State Ring; zero selects the
	// package defaults.
	StateDepth     int
	StateSlotBytes int
	BufferTarget   int
}

// quicProtocol is the ALPN identifier for the direct peer-to-peer QUIC
// connection established after rendezvous.
const quicProtocol = "jimmi-netplay-1"

// Start performs the full session-establishment sequence: rendezvous
// handshake over the data socket, a direct QUIC dial/accept to the
// peer, player registration, settings sync, save-game sync, and the
// client-ready signal. On success the Peer Session and Prediction &
// Rollback controller are wired into s via AttachNetplay.
func (s *Session) Start(ctx context.Context, params StartParams, snap statering.Snapshotter) Result {
	if s.clock == nil {
		return ResultNotInitialized
	}
	if params.RelayHost == "" || params.Token == "" {
		return ResultInvalidInput
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		logf("bind data socket: %v", err)
		return ResultSystemFail
	}

	brokerAddr, err := net.ResolveUDPAddr("udp", params.RelayHost)
	if err != nil {
		conn.Close()
		logf("resolve relay host: %v", err)
		return ResultInvalidInput
	}

	rc := rendezvous.New(conn)
	peerAddr, err := rc.Handshake(brokerAddr, params.Token, uint16(conn.LocalAddr().(*net.UDPAddr).Port))
	if err != nil {
		conn.Close()
		logf("rendezvous handshake: %v", err)
		return ResultSystemFail
	}

	qt, role, err := dialOrAccept(ctx, conn, peerAddr, params.IsHost)
	if err != nil {
		conn.Close()
		logf("peer connect: %v", err)
		return ResultSystemFail
	}

	sess := session.New(qt, role, params.LocalPort)

	queue := &controlQueue{}
	sess.SetControlObserver(queue)
	if err := runHandshake(sess, queue, params); err != nil {
		sess.Shutdown()
		logf("setup handshake: %v", err)
		return ResultSystemFail
	}

	delta := params.BufferTarget
	if delta < 1 {
		delta = session.DefaultBufferTarget
	}
	depth := params.StateDepth
	if depth < 1 {
		depth = statering.DefaultDepth
	}
	slotBytes := params.StateSlotBytes
	if slotBytes < 1 {
		slotBytes = 16 << 20
	}
	roll := newRollbackController(snap, params.LocalPort, delta, depth, slotBytes)
	sess.SetBufferTarget(delta)

	s.AttachNetplay(sess, roll, params.LocalPort)
	return ResultSuccess
}

// dialOrAccept establishes the direct QUIC connection over the same
// socket used for rendezvous, so the broker-observed NAT mapping stays
// valid: the host only listens and accepts the client's incoming
// connection, and the client dials the host. The host does not dial
// the client.
func dialOrAccept(ctx context.Context, conn *net.UDPConn, peerAddr *net.UDPAddr, isHost bool) (*session.QUICTransport, error) {
	tlsConf := session.TLSConfigInsecure([]string{quicProtocol})
	quicConf := &quic.Config{EnableDatagrams: true}

	tr := &quic.Transport{Conn: conn}

	dialCtx, cancel := context.WithTimeout(ctx, session.DialTimeout)
	defer cancel()

	if isHost {
		ln, err := tr.Listen(tlsConf, quicConf)
		if err != nil {
			return nil, fmt.Errorf("listen for peer: %w", err)
		}
		qc, err := ln.Accept(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("accept peer: %w", err)
		}
		return session.AcceptPeer(dialCtx, qc)
	}

	qc, err := tr.Dial(dialCtx, peerAddr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial peer: %w", err)
	}
	return session.DialPeer(dialCtx, qc)
}

// runHandshake drives registration, settings sync, save-game sync, and
// the client-ready signal, in this order: both sides register, the host
// sends its settings and save file, the client stores the save, and the
// client announces ready. The player->plugin registration table is not
// exchanged.
func runHandshake(sess *session.Session, queue *controlQueue, params StartParams) error {
	regID := uuid.New().ID()
	ack, err := registerPlayer(sess, queue, uint8(params.LocalPort), regID)
	if err != nil {
		return fmt.Errorf("register player: %w", err)
	}
	sess.SetBufferTarget(int(ack.BufferTarget))

	if params.IsHost {
		if err := sendSettingsAndSave(sess, params); err != nil {
			return err
		}
		if err := awaitControl(sess, queue, session.ClientReadyTimeout, wire.TypeClientReady); err != nil {
			return err
		}
	} else {
		if err := receiveSettingsAndSave(sess, queue, params); err != nil {
			return err
		}
		if err := sess.SendControl(wire.EncodeClientReady()); err != nil {
			return fmt.Errorf("send client ready: %w", err)
		}
	}
	return nil
}

func registerPlayer(sess *session.Session, queue *controlQueue, player uint8, regID uint32) (wire.RegistrationAck, error) {
	msg := wire.RegisterPlayer{Player: player, Plugin: 0, Raw: 0, RegID: regID}
	if err := sess.SendControl(wire.EncodeRegisterPlayer(msg)); err != nil {
		return wire.RegistrationAck{}, err
	}
	data, err := awaitControlData(sess, queue, session.RegistrationTimeout, wire.TypeRegistrationAck)
	if err != nil {
		return wire.RegistrationAck{}, err
	}
	return wire.DecodeRegistrationAck(data[1:])
}

func sendSettingsAndSave(sess *session.Session, params StartParams) error {
	// Caller-provided settings are expected to already be encoded into
	// params by a higher layer (the emulator core owns count_per_op and
	// friends); a zero-valued settings message is sent when none are
	// supplied, matching "no override" semantics.
	if err := sess.SendControl(wire.EncodeSendSettings(wire.SendSettings{})); err != nil {
		return fmt.Errorf("send settings: %w", err)
	}
	data, err := loadSaveFile(params)
	if err != nil {
		return fmt.Errorf("read save file: %w", err)
	}
	msg := wire.SendSave{Ext: params.SaveExt, Data: data}
	if err := sess.SendControl(wire.EncodeSendSave(msg)); err != nil {
		return fmt.Errorf("send save: %w", err)
	}
	return nil
}

func receiveSettingsAndSave(sess *session.Session, queue *controlQueue, params StartParams) error {
	if _, err := awaitControlData(sess, queue, session.SettingsSyncTimeout, wire.TypeSendSettings); err != nil {
		return fmt.Errorf("await settings: %w", err)
	}
	data, err := awaitControlData(sess, queue, session.SaveSyncTimeout, wire.TypeSendSave)
	if err != nil {
		return fmt.Errorf("await save: %w", err)
	}
	save, err := wire.DecodeSendSave(data[1:])
	if err != nil {
		return fmt.Errorf("decode save: %w", err)
	}
	if wire.IsEmptySave(save.Data) {
		return nil // no save file on the host side; nothing to overwrite
	}
	return afero.WriteFile(params.Fs, params.SavePath, save.Data, 0o644)
}

func loadSaveFile(params StartParams) ([]byte, error) {
	if params.Fs == nil || params.SavePath == "" {
		return nil, nil
	}
	data, err := afero.ReadFile(params.Fs, params.SavePath)
	if err != nil {
		if _, statErr := params.Fs.Stat(params.SavePath); statErr != nil {
			return nil, nil // no save file exists
		}
		return nil, err
	}
	return data, nil
}

// pollInterval paces the blocking awaitControl spin so setup doesn't
// peg a CPU core while waiting on the network.
const pollInterval = 2 * time.Millisecond

// controlQueue buffers every control-channel message that arrives
// during setup, in order, so a Poll batch that contains more than one
// message type (e.g. settings and save-sync arriving back to back)
// never loses one to a type-filtered single-shot reader.
type controlQueue struct {
	pending [][]byte
}

func (q *controlQueue) OnControlMessage(data []byte) {
	q.pending = append(q.pending, data)
}

func (q *controlQueue) take(wantType byte) []byte {
	for i, d := range q.pending {
		if len(d) > 0 && d[0] == wantType {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return d
		}
	}
	return nil
}

// awaitControlData blocks, polling sess and draining into queue, until
// a message with the given leading type byte is available or timeout
// elapses.
func awaitControlData(sess *session.Session, queue *controlQueue, timeout time.Duration, wantType byte) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if data := queue.take(wantType); data != nil {
			return data, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for control message type %d", wantType)
		}
		if err := sess.Poll(); err != nil {
			return nil, err
		}
		time.Sleep(pollInterval)
	}
}

// awaitControl is awaitControlData without the payload, for callers
// that only need the arrival signal (client-ready).
func awaitControl(sess *session.Session, queue *controlQueue, timeout time.Duration, wantType byte) error {
	_, err := awaitControlData(sess, queue, timeout, wantType)
	return err
}
