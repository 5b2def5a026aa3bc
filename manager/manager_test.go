package manager

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kjartanhr/transceiver/peerwire"
)

// serverHandshake accepts one connection on ln and replies with a valid
// plaintext handshake for infoHash, simulating a minimal remote peer.
func serverHandshake(t *testing.T, ln net.Listener, infoHash, peerID [20]byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	buf := make([]byte, peerwire.HandshakeSize)
	if _, err := conn.Read(buf); err != nil {
		t.Errorf("server read handshake: %v", err)
		return
	}
	reply := peerwire.Build(infoHash, peerID, false, false, false)
	conn.Write(reply)
	time.Sleep(200 * time.Millisecond)
}

func TestDialAllConnectsAndTracksSession(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	copy(remoteID[:], []byte("remote-peer-id-0001"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go serverHandshake(t, ln, infoHash, remoteID)

	pool := New(infoHash, localID, 10, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pool.DialAll(ctx, []string{ln.Addr().String()})

	if pool.Count() != 1 {
		t.Fatalf("expected one connected peer, got %d", pool.Count())
	}
	s, ok := pool.Session(ln.Addr().String())
	if !ok {
		t.Fatal("expected a session for the dialed address")
	}
	if s.Handshake().InfoHash != infoHash {
		t.Fatal("unexpected info hash on session handshake")
	}
}

func TestReserveSkipsDuplicateAndFull(t *testing.T) {
	var infoHash, localID [20]byte
	pool := New(infoHash, localID, 1, 1)
	if !pool.reserve("a:1") {
		t.Fatal("expected first reservation to succeed")
	}
	if pool.reserve("a:1") {
		t.Fatal("expected duplicate reservation to fail")
	}
}

func TestRemoveClosesSession(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go serverHandshake(t, ln, infoHash, remoteID)

	pool := New(infoHash, localID, 1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pool.DialAll(ctx, []string{ln.Addr().String()})

	addr := ln.Addr().String()
	if _, ok := pool.Session(addr); !ok {
		t.Fatal("expected session present before removal")
	}
	pool.Remove(addr)
	if _, ok := pool.Session(addr); ok {
		t.Fatal("expected session gone after removal")
	}
}
