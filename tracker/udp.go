package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const (
	udpProtocolID  uint64 = 0x41727101980
	udpBaseTimeout        = 15 * time.Second
	udpMaxRetries         = 8

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

// AnnounceUDP performs a BEP-15 connect+announce exchange, retrying
// with the protocol's mandated exponential backoff (15s * 2^n) up to
// udpMaxRetries times.
func AnnounceUDP(ctx context.Context, trackerURL *url.URL, params AnnounceParams) (*Response, error) {
	scheme := trackerURL.Scheme
	addr, err := net.ResolveUDPAddr(scheme, trackerURL.Host)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: resolve udp tracker")
	}
	conn, err := net.DialUDP(scheme, nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: dial udp tracker")
	}
	defer conn.Close()

	for attempt := 0; attempt < udpMaxRetries; attempt++ {
		timeout := udpBaseTimeout * time.Duration(1<<uint(attempt))
		deadline := time.Now().Add(timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		conn.SetDeadline(deadline)

		connID, err := udpConnect(conn)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}

		resp, err := udpAnnounce(conn, connID, params, scheme == "udp6")
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, errors.New("tracker: udp announce timed out after all retries")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	transactionID := randUint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req, udpProtocolID)
	binary.BigEndian.PutUint32(req[8:], actionConnect)
	binary.BigEndian.PutUint32(req[12:], transactionID)

	if _, err := conn.Write(req); err != nil {
		return 0, errors.Wrap(err, "tracker: send connect")
	}

	res := make([]byte, 16)
	n, err := conn.Read(res)
	if err != nil {
		return 0, err
	}
	if n != 16 {
		return 0, errors.Errorf("tracker: connect response length %d, want 16", n)
	}
	if action := binary.BigEndian.Uint32(res[:4]); action != actionConnect {
		return 0, errors.Errorf("tracker: connect response action %d, want %d", action, actionConnect)
	}
	if got := binary.BigEndian.Uint32(res[4:8]); got != transactionID {
		return 0, errors.New("tracker: connect transaction id mismatch")
	}
	return binary.BigEndian.Uint64(res[8:16]), nil
}

func udpAnnounce(conn *net.UDPConn, connID uint64, p AnnounceParams, ipv6 bool) (*Response, error) {
	transactionID := randUint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], transactionID)
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(p.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEventCode(p.Event))
	binary.BigEndian.PutUint32(req[84:88], 0) // IP address: default
	binary.BigEndian.PutUint32(req[88:92], randUint32())
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want: all
	binary.BigEndian.PutUint16(req[96:98], uint16(p.Port))

	if _, err := conn.Write(req); err != nil {
		return nil, errors.Wrap(err, "tracker: send announce")
	}

	res := make([]byte, 508)
	n, err := conn.Read(res)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, errors.Errorf("tracker: announce response too short: %d bytes", n)
	}
	res = res[:n]

	if action := binary.BigEndian.Uint32(res[:4]); action != actionAnnounce {
		return nil, errors.Errorf("tracker: announce response action %d, want %d", action, actionAnnounce)
	}
	if got := binary.BigEndian.Uint32(res[4:8]); got != transactionID {
		return nil, errors.New("tracker: announce transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(res[8:12])
	peers, err := parseCompactPeers(res[20:], ipv6)
	if err != nil {
		return nil, err
	}
	return &Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func randUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
