// Package rendezvous implements the UDP handshake with a third-party
// broker that exchanges public addresses between two NAT-bound peers so
// they can bind directly to each other (C5). The wire protocol is a
// small fixed framing: magic "NRLY", a version byte, and a type byte.
package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Magic is the four-byte frame prefix every message begins with.
var Magic = [4]byte{'N', 'R', 'L', 'Y'}

// Version is the only wire version this client speaks.
const Version = 1

// Message types.
const (
	TypeHello = 0x01
	TypeReady = 0x02
	TypeError = 0x03
)

// Error codes carried in an ERROR message body.
const (
	ErrInvalidToken = iota
	ErrTokenExpired
	ErrRoleTaken
	ErrUnknownRoom
	ErrMalformed
	ErrRateLimited
)

// ErrorCodeNames maps wire error codes to readable names for logging
// and for ServerError.Error().
var ErrorCodeNames = map[byte]string{
	ErrInvalidToken: "INVALID_TOKEN",
	ErrTokenExpired: "TOKEN_EXPIRED",
	ErrRoleTaken:    "ROLE_TAKEN",
	ErrUnknownRoom:  "UNKNOWN_ROOM",
	ErrMalformed:    "MALFORMED",
	ErrRateLimited:  "RATE_LIMITED",
}

// ServerError wraps a broker-reported ERROR code.
type ServerError struct {
	Code byte
}

func (e *ServerError) Error() string {
	name, ok := ErrorCodeNames[e.Code]
	if !ok {
		name = fmt.Sprintf("UNKNOWN(%d)", e.Code)
	}
	return "rendezvous: broker reported " + name
}

// resendInterval is how often HELLO is retransmitted while waiting for
// READY or ERROR.
const resendInterval = 500 * time.Millisecond

// HandshakeTimeout is the overall wall-clock bound on the handshake.
const HandshakeTimeout = 120 * time.Second

func encodeHello(token string, localDataPort uint16) []byte {
	buf := make([]byte, 0, 4+1+1+2+len(token)+2+1)
	buf = append(buf, Magic[:]...)
	buf = append(buf, Version, TypeHello)
	var tokLen [2]byte
	binary.BigEndian.PutUint16(tokLen[:], uint16(len(token)))
	buf = append(buf, tokLen[:]...)
	buf = append(buf, token...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], localDataPort)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, 0) // terminator
	return buf
}

func parseHeader(b []byte) (msgType byte, body []byte, ok bool) {
	if len(b) < 6 {
		return 0, nil, false
	}
	if b[0] != Magic[0] || b[1] != Magic[1] || b[2] != Magic[2] || b[3] != Magic[3] {
		return 0, nil, false
	}
	if b[4] != Version {
		return 0, nil, false
	}
	return b[5], b[6:], true
}

// Client drives the rendezvous handshake over a caller-supplied UDP
// socket — the same socket the caller will reuse for subsequent peer
// traffic, so the broker observes the correct NAT mapping.
type Client struct {
	conn *net.UDPConn
}

// New wraps an already-bound UDP connection.
func New(conn *net.UDPConn) *Client {
	return &Client{conn: conn}
}

// Handshake sends HELLO to brokerAddr (re-sent every 500 ms) and blocks
// until READY, ERROR, or HandshakeTimeout elapses. On success it
// returns the peer's public address, obtained over the same socket
// Client was constructed with.
func (c *Client) Handshake(brokerAddr *net.UDPAddr, token string, localDataPort uint16) (*net.UDPAddr, error) {
	hello := encodeHello(token, localDataPort)

	deadline := time.Now().Add(HandshakeTimeout)
	limiter := rate.NewLimiter(rate.Every(resendInterval), 1)
	// Seed the limiter so the very first send isn't throttled.
	limiter.Allow()

	if _, err := c.conn.WriteToUDP(hello, brokerAddr); err != nil {
		return nil, fmt.Errorf("rendezvous: send HELLO: %w", err)
	}

	readBuf := make([]byte, 1500)
	for {
		if time.Now().After(deadline) {
			return nil, errors.New("rendezvous: handshake timed out waiting for broker")
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(resendInterval))
		n, _, err := c.conn.ReadFromUDP(readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if limiter.Allow() {
					if _, werr := c.conn.WriteToUDP(hello, brokerAddr); werr != nil {
						return nil, fmt.Errorf("rendezvous: resend HELLO: %w", werr)
					}
				}
				continue
			}
			return nil, fmt.Errorf("rendezvous: read: %w", err)
		}

		msgType, body, ok := parseHeader(readBuf[:n])
		if !ok {
			continue // not a well-formed NRLY frame, ignore
		}

		switch msgType {
		case TypeReady:
			addr, ok := decodeReady(body)
			if !ok {
				continue
			}
			return addr, nil
		case TypeError:
			if len(body) < 1 {
				continue
			}
			return nil, &ServerError{Code: body[0]}
		}
	}
}

func decodeReady(body []byte) (*net.UDPAddr, bool) {
	if len(body) < 6 {
		return nil, false
	}
	ip := net.IPv4(body[0], body[1], body[2], body[3])
	port := binary.BigEndian.Uint16(body[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, true
}
