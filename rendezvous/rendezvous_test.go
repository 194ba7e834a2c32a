package rendezvous

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return conn
}

func TestHandshakeReady(t *testing.T) {
	broker := mustListenUDP(t)
	defer broker.Close()

	clientConn := mustListenUDP(t)
	defer clientConn.Close()

	go func() {
		buf := make([]byte, 1500)
		n, clientAddr, err := broker.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msgType, body, ok := parseHeader(buf[:n])
		if !ok || msgType != TypeHello {
			return
		}
		tokLen := binary.BigEndian.Uint16(body[0:2])
		token := string(body[2 : 2+tokLen])
		if token != "abcd" {
			t.Errorf("expected token 'abcd', got %q", token)
		}

		reply := make([]byte, 0, 12)
		reply = append(reply, Magic[:]...)
		reply = append(reply, Version, TypeReady)
		reply = append(reply, 192, 168, 1, 5)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], 55555)
		reply = append(reply, portBuf[:]...)
		broker.WriteToUDP(reply, clientAddr)
	}()

	c := New(clientConn)
	addr, err := c.Handshake(broker.LocalAddr().(*net.UDPAddr), "abcd", 51234)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if addr.IP.String() != "192.168.1.5" || addr.Port != 55555 {
		t.Fatalf("expected peer 192.168.1.5:55555, got %s", addr)
	}
}

func TestHandshakeError(t *testing.T) {
	broker := mustListenUDP(t)
	defer broker.Close()
	clientConn := mustListenUDP(t)
	defer clientConn.Close()

	go func() {
		buf := make([]byte, 1500)
		_, clientAddr, err := broker.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply := append(append([]byte{}, Magic[:]...), Version, TypeError, ErrInvalidToken)
		broker.WriteToUDP(reply, clientAddr)
	}()

	c := New(clientConn)
	_, err := c.Handshake(broker.LocalAddr().(*net.UDPAddr), "bad-token", 51234)
	if err == nil {
		t.Fatal("expected error")
	}
	serr, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("expected *ServerError, got %T: %v", err, err)
	}
	if serr.Code != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %d", serr.Code)
	}
}

func TestHandshakeResendsHello(t *testing.T) {
	broker := mustListenUDP(t)
	defer broker.Close()
	clientConn := mustListenUDP(t)
	defer clientConn.Close()

	received := make(chan *net.UDPAddr, 10)
	go func() {
		buf := make([]byte, 1500)
		for i := 0; i < 2; i++ {
			n, clientAddr, err := broker.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if msgType, _, ok := parseHeader(buf[:n]); ok && msgType == TypeHello {
				received <- clientAddr
			}
		}
		// Reply only once a third HELLO arrives, i.e. after two resends.
		buf2 := make([]byte, 1500)
		n, clientAddr, err := broker.ReadFromUDP(buf2)
		_ = n
		if err == nil {
			reply := append(append([]byte{}, Magic[:]...), Version, TypeReady, 10, 0, 0, 1)
			var portBuf [2]byte
			binary.BigEndian.PutUint16(portBuf[:], 9999)
			reply = append(reply, portBuf[:]...)
			broker.WriteToUDP(reply, clientAddr)
		}
	}()

	start := time.Now()
	c := New(clientConn)
	addr, err := c.Handshake(broker.LocalAddr().(*net.UDPAddr), "tok", 1)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if addr.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", addr.Port)
	}
	if elapsed < resendInterval {
		t.Fatalf("expected handshake to take at least one resend interval, took %v", elapsed)
	}
}
