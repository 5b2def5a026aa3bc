package peerwire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestBuildAndReadHandshake(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], []byte("aaaaaaaaaaaaaaaaaaaa"))
	copy(peerID[:], []byte("-GT0200-bbbbbbbbbbbb"))

	raw := Build(infoHash, peerID, true, true, true)
	if len(raw) != HandshakeSize {
		t.Fatalf("got length %d want %d", len(raw), HandshakeSize)
	}

	h, err := ReadHandshake(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if h.InfoHash != infoHash || h.PeerID != peerID {
		t.Fatalf("hash/id mismatch")
	}
	if !h.SupportsDHT() || !h.SupportsFast() || !h.SupportsExtension() {
		t.Fatalf("expected all features set: %+v", h.Reserved)
	}
}

func TestReadHandshakeRejectsBadPstrlen(t *testing.T) {
	raw := Build([20]byte{}, [20]byte{}, false, false, false)
	raw[0] = 5
	_, err := ReadHandshake(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for bad pstrlen")
	}
}

func TestFeatureFlagsIndependent(t *testing.T) {
	raw := Build([20]byte{}, [20]byte{}, true, false, false)
	h, err := ReadHandshake(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if !h.SupportsDHT() || h.SupportsFast() || h.SupportsExtension() {
		t.Fatalf("expected only DHT set: %+v", h.Reserved)
	}
}
