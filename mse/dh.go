package mse

import (
	"crypto/rand"
	"math/big"
)

// pHex is the fixed 768-bit MODP Diffie-Hellman prime BEP-8 mandates
// (RFC 2409 Group 1), shared by every MSE implementation so peers need
// not negotiate or transmit it.
const pHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"

var (
	p = mustBig(pHex)
	g = big.NewInt(2)
)

func mustBig(hexStr string) *big.Int {
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		panic("mse: invalid prime constant")
	}
	return n
}

// privateKeyBits is the size of the locally generated DH exponent.
// BEP-8 recommends at least 128 random bits.
const privateKeyBits = 160

// KeyPair is one side's Diffie-Hellman exponent and public key.
type KeyPair struct {
	private *big.Int
	Public  *big.Int
}

// GenerateKeyPair samples a fresh random exponent and computes the
// corresponding public key G^x mod P.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), privateKeyBits))
	if err != nil {
		return nil, err
	}
	pub := new(big.Int).Exp(g, priv, p)
	return &KeyPair{private: priv, Public: pub}, nil
}

// SharedSecret computes the DH shared secret given the remote public key.
func (kp *KeyPair) SharedSecret(remotePublic *big.Int) []byte {
	s := new(big.Int).Exp(remotePublic, kp.private, p)
	return padTo96(s)
}

// padTo96 left-pads a big.Int's bytes to the fixed 96-byte (768-bit)
// width MSE transmits public keys and secrets at.
func padTo96(n *big.Int) []byte {
	const width = 96
	b := n.Bytes()
	if len(b) >= width {
		return b[len(b)-width:]
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}

// PublicKeyBytes returns the 96-byte padded public key for wire
// transmission.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return padTo96(kp.Public)
}

// BytesToPublic parses a 96-byte wire public key.
func BytesToPublic(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
