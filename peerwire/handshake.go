// Package peerwire implements the BitTorrent peer wire protocol: the
// fixed handshake, length-prefixed message framing, and the extended
// message ID table including the Fast Extension (BEP-6) and the
// Extension Protocol (BEP-10).
package peerwire

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// Protocol is the fixed protocol name sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the total length of a handshake message in bytes:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeSize = 49 + len(Protocol)

// Reserved-byte feature flags (BEP-4/BEP-5/BEP-6/BEP-10 convention: byte
// index counted from the high end, i.e. reserved[7] holds the low byte).
const (
	FeatureDHT       = 0x01 // reserved[7] bit 0: BEP-5 DHT
	FeatureFast      = 0x04 // reserved[7] bit 2: BEP-6 Fast Extension
	FeatureExtension = 0x10 // reserved[5] bit 4: BEP-10 Extension Protocol
)

// Handshake is the decoded fixed 68-byte handshake message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// SupportsDHT reports the DHT reserved bit.
func (h Handshake) SupportsDHT() bool { return h.Reserved[7]&FeatureDHT != 0 }

// SupportsFast reports the Fast Extension reserved bit.
func (h Handshake) SupportsFast() bool { return h.Reserved[7]&FeatureFast != 0 }

// SupportsExtension reports the Extension Protocol reserved bit.
func (h Handshake) SupportsExtension() bool { return h.Reserved[5]&FeatureExtension != 0 }

// Build serializes the handshake for writing to the wire.
func Build(infoHash, peerID [20]byte, dht, fast, extension bool) []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, byte(len(Protocol)))
	buf = append(buf, Protocol...)
	var reserved [8]byte
	if dht {
		reserved[7] |= FeatureDHT
	}
	if fast {
		reserved[7] |= FeatureFast
	}
	if extension {
		reserved[5] |= FeatureExtension
	}
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r *bufio.Reader) (*Handshake, error) {
	pstrlen, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "peerwire: read pstrlen")
	}
	if int(pstrlen) != len(Protocol) {
		return nil, errors.Errorf("peerwire: unexpected pstrlen %d", pstrlen)
	}
	rest := make([]byte, HandshakeSize-1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "peerwire: read handshake body")
	}
	if string(rest[:len(Protocol)]) != Protocol {
		return nil, errors.New("peerwire: unexpected protocol string")
	}
	h := &Handshake{}
	copy(h.Reserved[:], rest[len(Protocol):len(Protocol)+8])
	copy(h.InfoHash[:], rest[len(Protocol)+8:len(Protocol)+28])
	copy(h.PeerID[:], rest[len(Protocol)+28:len(Protocol)+48])
	return h, nil
}
