// Package session implements the Peer Session: the single
// reliable-plus-unreliable channel pair to the one remote peer, carrying
// registration, settings sync, save-game sync, and input packets.
//
// The transport is a small capability contract rather than a concrete
// library type, so a substrate other than the QUIC-backed implementation
// below could stand in without touching Session itself.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"
)

// Channel selects which of the two logical lanes a Send/receive uses.
type Channel int

const (
	// ChannelControl is a reliable, ordered stream: registration,
	// settings, save-game sync, and CLIENT_READY.
	ChannelControl Channel = iota
	// ChannelInput is an unreliable datagram lane: SEND_KEY_INFO /
	// RECEIVE_KEY_INFO. Redundancy in the payload compensates for loss.
	ChannelInput
)

// Event is one inbound message pulled off either channel.
type Event struct {
	Channel Channel
	Data    []byte
}

// Transport is the minimal capability set a Peer Session substrate must
// offer. Send on ChannelControl must be reliable and ordered; Send on
// ChannelInput may silently drop.
type Transport interface {
	Send(ch Channel, data []byte) error
	// Poll drains and returns whatever events are currently available
	// without blocking. It is called once per vblank and again inside
	// the buffer-target stall loop.
	Poll() ([]Event, error)
	Shutdown() error
}

// quicConn is the subset of quic-go's connection type this package
// depends on, named as an interface so tests can substitute a fake.
type quicConn interface {
	OpenStream() (quic.Stream, error)
	AcceptStream(ctx context.Context) (quic.Stream, error)
	SendDatagram(data []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code quic.ApplicationErrorCode, reason string) error
}

// QUICTransport implements Transport over a single established QUIC
// connection: one bidirectional stream for the control channel
// (length-prefixed frames) and QUIC's unreliable datagrams for the
// input channel.
type QUICTransport struct {
	conn   quicConn
	ctrl   io.ReadWriter
	events chan Event
	cancel context.CancelFunc
}

// frameHeaderSize is the length prefix on every control-stream frame.
const frameHeaderSize = 4

// DialPeer opens the control stream on an already-hole-punched QUIC
// connection (role: the side that dials). The caller is expected to
// have obtained conn via quic.Dial using the socket used for rendezvous.
func DialPeer(ctx context.Context, conn *quic.Conn) (*QUICTransport, error) {
	stream, err := conn.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("session: open control stream: %w", err)
	}
	return newQUICTransport(conn, stream), nil
}

// AcceptPeer accepts the incoming control stream (role: the side that
// listened for and accepted the peer's connection).
func AcceptPeer(ctx context.Context, conn *quic.Conn) (*QUICTransport, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: accept control stream: %w", err)
	}
	return newQUICTransport(conn, stream), nil
}

func newQUICTransport(conn quicConn, stream io.ReadWriter) *QUICTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &QUICTransport{
		conn:   conn,
		ctrl:   stream,
		events: make(chan Event, 256),
		cancel: cancel,
	}
	go t.readControl(ctx)
	go t.readDatagrams(ctx)
	return t
}

func (t *QUICTransport) readControl(ctx context.Context) {
	var lenBuf [frameHeaderSize]byte
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := readFull(t.ctrl, lenBuf[:]); err != nil {
			return
		}
		n := be32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(t.ctrl, body); err != nil {
			return
		}
		select {
		case t.events <- Event{Channel: ChannelControl, Data: body}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *QUICTransport) readDatagrams(ctx context.Context) {
	for {
		data, err := t.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		cp := append([]byte(nil), data...)
		select {
		case t.events <- Event{Channel: ChannelInput, Data: cp}:
		case <-ctx.Done():
			return
		}
	}
}

// Send transmits data on ch.
func (t *QUICTransport) Send(ch Channel, data []byte) error {
	switch ch {
	case ChannelControl:
		var lenBuf [frameHeaderSize]byte
		putBE32(lenBuf[:], uint32(len(data)))
		if _, err := t.ctrl.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("session: write control frame header: %w", err)
		}
		if _, err := t.ctrl.Write(data); err != nil {
			return fmt.Errorf("session: write control frame body: %w", err)
		}
		return nil
	case ChannelInput:
		return t.conn.SendDatagram(data)
	default:
		return fmt.Errorf("session: unknown channel %d", ch)
	}
}

// Poll drains whatever events have arrived since the last call, without
// blocking.
func (t *QUICTransport) Poll() ([]Event, error) {
	var out []Event
	for {
		select {
		case e := <-t.events:
			out = append(out, e)
		default:
			return out, nil
		}
	}
}

// Shutdown cancels the background readers and closes the connection.
func (t *QUICTransport) Shutdown() error {
	t.cancel()
	return t.conn.CloseWithError(0, "session shutdown")
}

func readFull(s io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// TLSConfigInsecure builds a permissive TLS config suitable for a
// direct P2P QUIC connection between two hole-punched peers that have
// already authenticated via the rendezvous broker's opaque token — the
// transport layer here is providing framing and loss recovery, not a
// second authentication factor.
func TLSConfigInsecure(nextProtos []string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
	}
}

// DialTimeout bounds the QUIC handshake once the peer address is known.
const DialTimeout = 10 * time.Second
