package transceiver

import "crypto/rand"

// clientIDPrefix is the Azureus-style client identifier this
// transceiver announces itself as, bumped from the teacher's
// '-GT0104-' for the rewritten wire stack.
var clientIDPrefix = [8]byte{'-', 'G', 'T', '0', '2', '0', '0', '-'}

// NewPeerID returns a fresh 20-byte peer id: the client prefix followed
// by 12 random bytes.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], clientIDPrefix[:])
	_, err := rand.Read(id[8:])
	return id, err
}
