// Package mse implements Message Stream Encryption (BEP-8): a
// Diffie-Hellman key exchange followed by RC4 obfuscation of the peer
// wire handshake, used to evade naive deep-packet-inspection blocking of
// BitTorrent traffic.
package mse

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/rc4"
)

// Crypto method bits for crypto_provide/crypto_select.
const (
	CryptoPlaintext uint32 = 1 << 0
	CryptoRC4       uint32 = 1 << 1
)

const (
	maxPadLen    = 512
	discardBytes = 1024 // keystream bytes discarded per BEP-8 step 4/5
)

// Stream wraps a peer connection with independent RC4 keystreams for
// each direction. Reads go through r rather than the raw connection
// directly, so any bytes the handshake's pad-resynchronization already
// pulled into its buffer are not lost once the handshake completes.
type Stream struct {
	r       io.Reader
	w       io.Writer
	encrypt *rc4.Cipher
	decrypt *rc4.Cipher
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 && s.decrypt != nil {
		s.decrypt.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.encrypt != nil {
		out := make([]byte, len(p))
		s.encrypt.XORKeyStream(out, p)
		return s.w.Write(out)
	}
	return s.w.Write(p)
}

func hash(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func randomPad(maxLen int) ([]byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxLen+1)))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n.Int64())
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func newRC4Pair(secret, skey []byte) (send, recv *rc4.Cipher, err error) {
	keyA := hash([]byte("keyA"), secret, skey)
	keyB := hash([]byte("keyB"), secret, skey)
	ca, err := rc4.NewCipher(keyA)
	if err != nil {
		return nil, nil, err
	}
	cb, err := rc4.NewCipher(keyB)
	if err != nil {
		return nil, nil, err
	}
	discard := make([]byte, discardBytes)
	ca.XORKeyStream(discard, discard)
	cb.XORKeyStream(discard, discard)
	return ca, cb, nil
}

// syncToMarker reads r one byte at a time until the most recently read
// len(marker) bytes equal marker, or the search runs past the pad
// window BEP-8 allows. PadA precedes HASH('req1', S) with no length
// prefix, so the receiver has no way to know where it ends except by
// scanning for the known plaintext marker that follows it.
func syncToMarker(r *bufio.Reader, marker []byte) error {
	window := make([]byte, len(marker))
	for i := 0; i < maxPadLen+len(marker); i++ {
		b, err := r.ReadByte()
		if err != nil {
			return errors.Wrap(err, "mse: resync: req1 marker not found")
		}
		copy(window, window[1:])
		window[len(window)-1] = b
		if bytes.Equal(window, marker) {
			return nil
		}
	}
	return errors.New("mse: resync: req1 marker not found within pad window")
}

// syncToVC reads r one byte at a time, and for every 8-byte window seen
// so far, tests whether decrypting it with a fresh copy of base (i.e.
// from the start of its keystream) yields all zero bytes, the plaintext
// value of VC. PadB precedes the encrypted VC with no length prefix, so
// the true start of the ciphertext can only be found by trying every
// offset within the pad window. On a match it returns the cipher copy
// that performed the successful trial, which is now correctly
// positioned just past VC to decrypt whatever follows.
func syncToVC(r *bufio.Reader, base *rc4.Cipher) (*rc4.Cipher, error) {
	var raw [8]byte
	filled := 0
	for i := 0; i < maxPadLen+len(raw); i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "mse: resync: VC not found within pad window")
		}
		if filled < len(raw) {
			raw[filled] = b
			filled++
			if filled < len(raw) {
				continue
			}
		} else {
			copy(raw[:], raw[1:])
			raw[len(raw)-1] = b
		}
		trial := *base
		dec := raw
		trial.XORKeyStream(dec[:], dec[:])
		if dec == ([8]byte{}) {
			return &trial, nil
		}
	}
	return nil, errors.New("mse: resync: VC not found within pad window")
}

// Connect performs the initiator (A) side of the handshake over rw,
// given the torrent's info hash as SKEY and the set of crypto methods
// this client can speak. It returns a Stream ready to carry the
// (still-plaintext-framed, but now wire-obfuscated) peer handshake, plus
// the crypto method the responder selected.
func Connect(rw io.ReadWriter, infoHash [20]byte, provide uint32, initialPayload []byte) (*Stream, uint32, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, 0, errors.Wrap(err, "mse: generate key pair")
	}
	padA, err := randomPad(maxPadLen)
	if err != nil {
		return nil, 0, err
	}
	if _, err := rw.Write(append(kp.PublicKeyBytes(), padA...)); err != nil {
		return nil, 0, errors.Wrap(err, "mse: send Ya")
	}

	r := bufio.NewReader(rw)
	ybBuf := make([]byte, 96)
	if _, err := io.ReadFull(r, ybBuf); err != nil {
		return nil, 0, errors.Wrap(err, "mse: read Yb")
	}
	yb := BytesToPublic(ybBuf)
	secret := kp.SharedSecret(yb)

	skey := infoHash[:]
	req1 := hash([]byte("req1"), secret)
	req2 := hash([]byte("req2"), skey)
	req3 := hash([]byte("req3"), secret)
	xored := xorBytes(req2, req3)

	sendCipher, recvCipher, err := newRC4Pair(secret, skey)
	if err != nil {
		return nil, 0, err
	}

	var vc [8]byte
	provideBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(provideBuf, provide)
	padC, err := randomPad(maxPadLen)
	if err != nil {
		return nil, 0, err
	}

	var plain bytes.Buffer
	plain.Write(vc[:])
	plain.Write(provideBuf)
	writeLenPrefixed(&plain, padC)
	writeLenPrefixed(&plain, initialPayload)

	encrypted := make([]byte, plain.Len())
	sendCipher.XORKeyStream(encrypted, plain.Bytes())

	out := append(append(req1, xored...), encrypted...)
	if _, err := rw.Write(out); err != nil {
		return nil, 0, errors.Wrap(err, "mse: send encrypted handshake")
	}

	// Yb was followed immediately by PadB, an unknown-length (0-512
	// byte) run of random bytes with no length prefix; resync past it
	// onto the real start of B's encrypted VC before trusting recvCipher
	// to decrypt anything further.
	recvCipher, err = syncToVC(r, recvCipher)
	if err != nil {
		return nil, 0, errors.Wrap(err, "mse: resync on VC")
	}

	stream := &Stream{r: r, w: rw, encrypt: sendCipher, decrypt: recvCipher}

	selectBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, selectBuf); err != nil {
		return nil, 0, errors.Wrap(err, "mse: read crypto_select")
	}
	recvCipher.XORKeyStream(selectBuf, selectBuf)
	selected := binary.BigEndian.Uint32(selectBuf)

	padDLen, err := readLenPrefixLen(r, recvCipher)
	if err != nil {
		return nil, 0, err
	}
	if padDLen > 0 {
		padD := make([]byte, padDLen)
		if _, err := io.ReadFull(r, padD); err != nil {
			return nil, 0, errors.Wrap(err, "mse: read padD")
		}
		recvCipher.XORKeyStream(padD, padD)
	}

	return stream, selected, nil
}

// Accept performs the responder (B) side. skeyLookup resolves the SKEY
// hash presented by the initiator to the actual info hash; it returns
// ok=false if no matching torrent is known, in which case the caller
// should drop the connection.
func Accept(rw io.ReadWriter, skeyLookup func(req2Hash []byte) (infoHash [20]byte, ok bool), provide uint32) (*Stream, uint32, []byte, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: generate key pair")
	}

	r := bufio.NewReader(rw)
	yaBuf := make([]byte, 96)
	if _, err := io.ReadFull(r, yaBuf); err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: read Ya")
	}
	ya := BytesToPublic(yaBuf)
	secret := kp.SharedSecret(ya)

	padB, err := randomPad(maxPadLen)
	if err != nil {
		return nil, 0, nil, err
	}
	if _, err := rw.Write(append(kp.PublicKeyBytes(), padB...)); err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: send Yb")
	}

	// Ya was followed immediately by PadA, an unknown-length run of
	// random bytes with no length prefix; resync past it by scanning
	// for the plaintext marker HASH('req1', S) that must follow it.
	req1 := hash([]byte("req1"), secret)
	if err := syncToMarker(r, req1); err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: resync on req1")
	}

	xored := make([]byte, 20)
	if _, err := io.ReadFull(r, xored); err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: read xored SKEY hash")
	}
	req3 := hash([]byte("req3"), secret)
	req2 := xorBytes(xored, req3)

	infoHash, ok := skeyLookup(req2)
	if !ok {
		return nil, 0, nil, errors.New("mse: unknown info hash (SKEY mismatch)")
	}
	skey := infoHash[:]

	sendCipher, recvCipher, err := newRC4Pair(secret, skey)
	// Note: caller is the responder, so our "recv" stream decrypts what
	// the initiator encrypted with its own send key, i.e. keyA, and we
	// encrypt with keyB -- swap relative to Connect's assignment.
	recvCipher, sendCipher = sendCipher, recvCipher
	if err != nil {
		return nil, 0, nil, err
	}

	vc := make([]byte, 8)
	if _, err := io.ReadFull(r, vc); err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: read VC")
	}
	recvCipher.XORKeyStream(vc, vc)

	provideBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, provideBuf); err != nil {
		return nil, 0, nil, errors.Wrap(err, "mse: read crypto_provide")
	}
	recvCipher.XORKeyStream(provideBuf, provideBuf)
	peerProvide := binary.BigEndian.Uint32(provideBuf)

	padCLen, err := readLenPrefixLen(r, recvCipher)
	if err != nil {
		return nil, 0, nil, err
	}
	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err := io.ReadFull(r, padC); err != nil {
			return nil, 0, nil, err
		}
		recvCipher.XORKeyStream(padC, padC)
	}

	iaLen, err := readLenPrefixLen(r, recvCipher)
	if err != nil {
		return nil, 0, nil, err
	}
	var ia []byte
	if iaLen > 0 {
		ia = make([]byte, iaLen)
		if _, err := io.ReadFull(r, ia); err != nil {
			return nil, 0, nil, err
		}
		recvCipher.XORKeyStream(ia, ia)
	}

	selected := selectCrypto(provide, peerProvide)

	var respVC [8]byte
	selectBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(selectBuf, selected)
	padD, err := randomPad(maxPadLen)
	if err != nil {
		return nil, 0, nil, err
	}
	var plain bytes.Buffer
	plain.Write(respVC[:])
	plain.Write(selectBuf)
	writeLenPrefixed(&plain, padD)

	encrypted := make([]byte, plain.Len())
	sendCipher.XORKeyStream(encrypted, plain.Bytes())
	if _, err := rw.Write(encrypted); err != nil {
		return nil, 0, nil, err
	}

	return &Stream{r: r, w: rw, encrypt: sendCipher, decrypt: recvCipher}, selected, ia, nil
}

// selectCrypto picks the strongest method both sides support, preferring
// RC4 over plaintext when both offer it.
func selectCrypto(ours, theirs uint32) uint32 {
	common := ours & theirs
	if common&CryptoRC4 != 0 {
		return CryptoRC4
	}
	if common&CryptoPlaintext != 0 {
		return CryptoPlaintext
	}
	return 0
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readLenPrefixLen(r io.Reader, cipher *rc4.Cipher) (int, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return 0, errors.Wrap(err, "mse: read length prefix")
	}
	cipher.XORKeyStream(lenBuf, lenBuf)
	return int(binary.BigEndian.Uint16(lenBuf)), nil
}
