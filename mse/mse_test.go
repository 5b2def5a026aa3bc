package mse

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"

	"golang.org/x/crypto/rc4"
)

func TestHandshakeOverPipe(t *testing.T) {
	// Pad lengths are drawn randomly on every call (0..512 bytes), so
	// run enough iterations to exercise the resync logic across a range
	// of offsets rather than relying on one lucky (or unlucky) draw.
	for i := 0; i < 20; i++ {
		testHandshakeOverPipeOnce(t)
	}
}

func testHandshakeOverPipeOnce(t *testing.T) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var infoHash [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0x42}, 20))

	type result struct {
		stream   *Stream
		selected uint32
		ia       []byte
		err      error
	}

	clientDone := make(chan result, 1)
	serverDone := make(chan result, 1)

	go func() {
		s, sel, err := Connect(clientConn, infoHash, CryptoPlaintext|CryptoRC4, []byte("hello"))
		clientDone <- result{stream: s, selected: sel, err: err}
	}()
	go func() {
		s, sel, ia, err := Accept(serverConn, func(req2 []byte) ([20]byte, bool) {
			if bytes.Equal(req2, hash([]byte("req2"), infoHash[:])) {
				return infoHash, true
			}
			return [20]byte{}, false
		}, CryptoPlaintext|CryptoRC4)
		serverDone <- result{stream: s, selected: sel, ia: ia, err: err}
	}()

	cr := <-clientDone
	sr := <-serverDone

	if cr.err != nil {
		t.Fatalf("client: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server: %v", sr.err)
	}
	if cr.selected != CryptoRC4 || sr.selected != CryptoRC4 {
		t.Fatalf("expected RC4 selection, got client=%d server=%d", cr.selected, sr.selected)
	}
	if string(sr.ia) != "hello" {
		t.Fatalf("initial payload mismatch: %q", sr.ia)
	}
}

func TestSyncToMarkerSkipsArbitraryPad(t *testing.T) {
	marker := bytes.Repeat([]byte{0xAB}, 20)
	for _, padLen := range []int{0, 1, 137, maxPadLen} {
		pad := bytes.Repeat([]byte{0xCD}, padLen)
		trailing := []byte("trailing-bytes")
		buf := bytes.NewBuffer(append(append(append([]byte{}, pad...), marker...), trailing...))
		r := bufio.NewReader(buf)
		if err := syncToMarker(r, marker); err != nil {
			t.Fatalf("padLen=%d: expected marker to be found: %v", padLen, err)
		}
		got := make([]byte, len(trailing))
		if _, err := io.ReadFull(r, got); err != nil {
			t.Fatalf("padLen=%d: %v", padLen, err)
		}
		if !bytes.Equal(got, trailing) {
			t.Fatalf("padLen=%d: reader left at wrong position, got %q", padLen, got)
		}
	}
}

func TestSyncToVCSkipsArbitraryPad(t *testing.T) {
	for _, padLen := range []int{0, 1, 211, maxPadLen} {
		key := []byte("a fixed test key for rc4 stream")
		base, err := rc4.NewCipher(key)
		if err != nil {
			t.Fatal(err)
		}

		sender, err := rc4.NewCipher(key)
		if err != nil {
			t.Fatal(err)
		}
		vc := make([]byte, 8)
		trailing := []byte("after-vc")
		ciphertext := append(append([]byte{}, vc...), trailing...)
		sender.XORKeyStream(ciphertext, ciphertext)

		pad := bytes.Repeat([]byte{0xEF}, padLen)
		buf := bytes.NewBuffer(append(append([]byte{}, pad...), ciphertext...))
		r := bufio.NewReader(buf)

		synced, err := syncToVC(r, base)
		if err != nil {
			t.Fatalf("padLen=%d: expected VC to be found: %v", padLen, err)
		}
		got := make([]byte, len(trailing))
		if _, err := io.ReadFull(r, got); err != nil {
			t.Fatalf("padLen=%d: %v", padLen, err)
		}
		synced.XORKeyStream(got, got)
		if !bytes.Equal(got, trailing) {
			t.Fatalf("padLen=%d: decrypted trailing mismatch, got %q", padLen, got)
		}
	}
}

func TestSelectCryptoPrefersRC4(t *testing.T) {
	if got := selectCrypto(CryptoPlaintext|CryptoRC4, CryptoPlaintext|CryptoRC4); got != CryptoRC4 {
		t.Fatalf("got %d", got)
	}
}

func TestSelectCryptoFallsBackToPlaintext(t *testing.T) {
	if got := selectCrypto(CryptoPlaintext, CryptoPlaintext|CryptoRC4); got != CryptoPlaintext {
		t.Fatalf("got %d", got)
	}
}
