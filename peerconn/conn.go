// Package peerconn establishes a handshaked connection to a peer --
// plaintext or MSE-obfuscated -- and runs the per-peer wire-protocol
// session on top of it.
package peerconn

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/mse"
	"github.com/kjartanhr/transceiver/peerwire"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Conn is an established connection to a peer: the raw or MSE-wrapped
// wire, past the BitTorrent handshake, ready to frame messages.
type Conn struct {
	netConn   net.Conn
	rw        io.ReadWriter
	r         *bufio.Reader
	Handshake peerwire.Handshake
	Encrypted bool
}

// Dial connects outbound to address and exchanges handshakes. When
// preferMSE is set, it first tries Message Stream Encryption with the
// BitTorrent handshake carried as MSE's initial payload; if that
// negotiation fails it falls back to a fresh plaintext dial rather than
// giving up, since a peer that cannot or will not speak MSE is still
// worth connecting to.
func Dial(ctx context.Context, address string, infoHash, peerID [20]byte, dht, fast, extension, preferMSE bool) (*Conn, error) {
	handshakeBytes := peerwire.Build(infoHash, peerID, dht, fast, extension)

	if preferMSE {
		conn, err := dialEncrypted(ctx, address, infoHash, handshakeBytes)
		if err == nil {
			return conn, nil
		}
	}
	return dialPlaintext(ctx, address, infoHash, handshakeBytes)
}

func dialTCP(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: dial")
	}
	netConn.SetDeadline(time.Now().Add(handshakeTimeout))
	return netConn, nil
}

func dialEncrypted(ctx context.Context, address string, infoHash [20]byte, handshakeBytes []byte) (*Conn, error) {
	netConn, err := dialTCP(ctx, address)
	if err != nil {
		return nil, err
	}
	stream, _, err := mse.Connect(netConn, infoHash, mse.CryptoPlaintext|mse.CryptoRC4, handshakeBytes)
	if err != nil {
		netConn.Close()
		return nil, errors.Wrap(err, "peerconn: mse connect")
	}
	return finishDial(netConn, stream, infoHash, true)
}

func dialPlaintext(ctx context.Context, address string, infoHash [20]byte, handshakeBytes []byte) (*Conn, error) {
	netConn, err := dialTCP(ctx, address)
	if err != nil {
		return nil, err
	}
	if _, err := netConn.Write(handshakeBytes); err != nil {
		netConn.Close()
		return nil, errors.Wrap(err, "peerconn: send handshake")
	}
	return finishDial(netConn, netConn, infoHash, false)
}

// finishDial reads and validates the remote handshake over rw (either
// the raw connection or an MSE Stream wrapping it), which already holds
// any bytes buffered during the preceding negotiation.
func finishDial(netConn net.Conn, rw io.ReadWriter, infoHash [20]byte, encrypted bool) (*Conn, error) {
	defer netConn.SetDeadline(time.Time{})
	r := bufio.NewReader(rw)
	hs, err := peerwire.ReadHandshake(r)
	if err != nil {
		netConn.Close()
		return nil, errors.Wrap(err, "peerconn: read handshake")
	}
	if hs.InfoHash != infoHash {
		netConn.Close()
		return nil, errors.New("peerconn: info hash mismatch")
	}
	return &Conn{netConn: netConn, rw: rw, r: r, Handshake: *hs, Encrypted: encrypted}, nil
}

// rwPair adapts a buffered reader over netConn plus netConn's own
// Write into a single io.ReadWriter, so bytes already buffered by the
// plaintext-detection peek are not lost when handed to mse.Accept.
type rwPair struct {
	io.Reader
	io.Writer
}

// Accept completes the responder side of an inbound connection,
// auto-detecting plaintext versus MSE by peeking the first byte: a
// plaintext handshake always starts with pstrlen (19); anything else is
// assumed to be the start of an MSE key exchange. skeyLookup resolves
// an MSE SKEY hash to a known info hash; knownHash additionally
// validates a plaintext handshake's declared info hash.
func Accept(netConn net.Conn, peerID [20]byte, dht, fast, extension bool, skeyLookup func([]byte) ([20]byte, bool), knownHash func([20]byte) bool) (*Conn, error) {
	netConn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer netConn.SetDeadline(time.Time{})

	br := bufio.NewReader(netConn)
	first, err := br.Peek(1)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: peek first byte")
	}

	if first[0] == byte(len(peerwire.Protocol)) {
		hs, err := peerwire.ReadHandshake(br)
		if err != nil {
			return nil, errors.Wrap(err, "peerconn: read handshake")
		}
		if !knownHash(hs.InfoHash) {
			return nil, errors.New("peerconn: unknown info hash")
		}
		reply := peerwire.Build(hs.InfoHash, peerID, dht, fast, extension)
		if _, err := netConn.Write(reply); err != nil {
			return nil, errors.Wrap(err, "peerconn: send handshake")
		}
		return &Conn{netConn: netConn, rw: netConn, r: br, Handshake: *hs}, nil
	}

	rw := rwPair{Reader: br, Writer: netConn}
	stream, _, ia, err := mse.Accept(rw, skeyLookup, mse.CryptoPlaintext|mse.CryptoRC4)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: mse accept")
	}
	hs, err := peerwire.ReadHandshake(bufio.NewReader(bytes.NewReader(ia)))
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: parse handshake carried as mse initial payload")
	}
	if !knownHash(hs.InfoHash) {
		return nil, errors.New("peerconn: unknown info hash")
	}
	reply := peerwire.Build(hs.InfoHash, peerID, dht, fast, extension)
	if _, err := stream.Write(reply); err != nil {
		return nil, errors.Wrap(err, "peerconn: send handshake over mse stream")
	}
	return &Conn{netConn: netConn, rw: stream, r: bufio.NewReader(stream), Handshake: *hs, Encrypted: true}, nil
}

func (c *Conn) ReadMessage() (*peerwire.Message, error) {
	return peerwire.ReadMessage(c.r)
}

func (c *Conn) WriteMessage(msg *peerwire.Message) error {
	return peerwire.WriteMessage(c.rw, msg)
}

func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error { return c.netConn.SetDeadline(t) }

func (c *Conn) Close() error { return c.netConn.Close() }
