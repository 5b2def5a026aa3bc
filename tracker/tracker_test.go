package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kjartanhr/transceiver/bencode"
)

func TestAnnounceHTTPParsesCompactPeers(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	resp := bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"interval": bencode.Int(1800),
		"peers":    bencode.Bytes(peerBytes),
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(resp)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	var infoHash, peerID [20]byte
	got, err := AnnounceHTTP(context.Background(), u, AnnounceParams{InfoHash: infoHash, PeerID: peerID, Port: 6881})
	if err != nil {
		t.Fatal(err)
	}
	if got.Interval != 1800*time.Second {
		t.Fatalf("unexpected interval: %v", got.Interval)
	}
	if len(got.Peers) != 1 || got.Peers[0] != "127.0.0.1:6881" {
		t.Fatalf("unexpected peers: %v", got.Peers)
	}
}

func TestAnnounceHTTPReportsFailureReason(t *testing.T) {
	resp := bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"failure reason": bencode.String("not registered"),
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(resp)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	var infoHash, peerID [20]byte
	_, err := AnnounceHTTP(context.Background(), u, AnnounceParams{InfoHash: infoHash, PeerID: peerID})
	if err == nil {
		t.Fatal("expected failure reason error")
	}
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3}, false)
	if err == nil {
		t.Fatal("expected length-validation error")
	}
}

func TestAnnounceUDPRoundTrip(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		buf := make([]byte, 98)
		n, raddr, err := ln.ReadFromUDP(buf)
		if err != nil || n != 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		connectResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connectResp[0:4], actionConnect)
		binary.BigEndian.PutUint32(connectResp[4:8], txID)
		binary.BigEndian.PutUint64(connectResp[8:16], 42)
		ln.WriteToUDP(connectResp, raddr)

		n, raddr, err = ln.ReadFromUDP(buf)
		if err != nil || n != 98 {
			return
		}
		annTxID := binary.BigEndian.Uint32(buf[12:16])
		annResp := make([]byte, 26)
		binary.BigEndian.PutUint32(annResp[0:4], actionAnnounce)
		binary.BigEndian.PutUint32(annResp[4:8], annTxID)
		binary.BigEndian.PutUint32(annResp[8:12], 900)  // interval
		binary.BigEndian.PutUint32(annResp[12:16], 0)   // leechers
		binary.BigEndian.PutUint32(annResp[16:20], 1)   // seeders
		copy(annResp[20:24], []byte{10, 0, 0, 1})
		binary.BigEndian.PutUint16(annResp[24:26], 6881)
		ln.WriteToUDP(annResp, raddr)
	}()

	u, _ := url.Parse("udp://" + ln.LocalAddr().String())
	var infoHash, peerID [20]byte
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := AnnounceUDP(ctx, u, AnnounceParams{InfoHash: infoHash, PeerID: peerID, Port: 6881})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Interval != 900*time.Second {
		t.Fatalf("unexpected interval: %v", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0] != "10.0.0.1:6881" {
		t.Fatalf("unexpected peers: %v", resp.Peers)
	}
}
