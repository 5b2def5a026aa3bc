package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/bencode"
)

const httpTimeout = 30 * time.Second

// AnnounceHTTP performs a BEP-3 HTTP/HTTPS GET announce, parsing a
// bencoded response with BEP-23 compact peer lists (IPv4 "peers" and
// IPv6 "peers6").
func AnnounceHTTP(ctx context.Context, trackerURL *url.URL, params AnnounceParams) (*Response, error) {
	announceURL := buildAnnounceURL(trackerURL, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build request")
	}
	client := &http.Client{Timeout: httpTimeout}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: http announce")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker: unexpected status %s", res.Status)
	}

	v, err := bencode.DecodeLenient(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode response")
	}
	return parseHTTPResponse(v)
}

func buildAnnounceURL(u *url.URL, p AnnounceParams) string {
	q := url.Values{
		"info_hash":  []string{string(p.InfoHash[:])},
		"peer_id":    []string{string(p.PeerID[:])},
		"port":       []string{strconv.Itoa(p.Port)},
		"uploaded":   []string{strconv.FormatInt(p.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(p.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(p.Left, 10)},
		"compact":    []string{"1"},
	}
	if ev := eventString(p.Event); ev != "" {
		q.Set("event", ev)
	}
	result := *u
	result.RawQuery = q.Encode()
	return result.String()
}

func eventString(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

func parseHTTPResponse(v *bencode.Value) (*Response, error) {
	if v.Kind != bencode.KindDict {
		return nil, errors.New("tracker: response is not a dictionary")
	}
	if reason, ok := v.GetString("failure reason"); ok {
		return nil, errors.Errorf("tracker: failure: %s", reason)
	}

	interval, _ := v.GetInt("interval")

	var peers []string
	if raw, ok := v.GetString("peers"); ok {
		p, err := parseCompactPeers([]byte(raw), false)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p...)
	}
	if raw, ok := v.GetString("peers6"); ok {
		p, err := parseCompactPeers([]byte(raw), true)
		if err == nil {
			peers = append(peers, p...)
		}
	}

	return &Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

// parseCompactPeers decodes a BEP-23 compact peer list.
func parseCompactPeers(data []byte, ipv6 bool) ([]string, error) {
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	peerSize := ipSize + 2
	if len(data)%peerSize != 0 {
		return nil, errors.Errorf("tracker: compact peer list length %d not a multiple of %d", len(data), peerSize)
	}
	out := make([]string, 0, len(data)/peerSize)
	for i := 0; i+peerSize <= len(data); i += peerSize {
		ip := net.IP(data[i : i+ipSize])
		port := binary.BigEndian.Uint16(data[i+ipSize:])
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return out, nil
}
