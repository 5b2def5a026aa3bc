package metainfo

import "testing"

func TestParseMagnetHex(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef01234567"
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + hash[:40] + "&dn=file&tr=http://tracker.example/announce")
	if err != nil {
		t.Fatal(err)
	}
	if m.HashHex() != hash[:40] {
		t.Fatalf("got %s want %s", m.HashHex(), hash[:40])
	}
	if m.Name != "file" {
		t.Fatalf("dn mismatch: %q", m.Name)
	}
	if !m.HasTrackers() {
		t.Fatal("expected trackers")
	}
}

func TestParseMagnetRejectsMultihash(t *testing.T) {
	_, err := ParseMagnet("magnet:?xt=urn:btmh:1220" + "00112233445566778899aabbccddeeff0011223344556677889900112233445566")
	if err == nil {
		t.Fatal("expected rejection of urn:btmh")
	}
}

func TestParseMagnetMissingXT(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=onlyname")
	if err == nil {
		t.Fatal("expected error for missing xt")
	}
}

func TestParseMagnetNotAMagnetURI(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	if err == nil {
		t.Fatal("expected error for non-magnet scheme")
	}
}

func TestParseMagnetPeerAddresses(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&x.pe=1.2.3.4:6881&x.pe=5.6.7.8:6882")
	if err != nil {
		t.Fatal(err)
	}
	if !m.HasPeers() || len(m.PeerAddresses) != 2 {
		t.Fatalf("got %v", m.PeerAddresses)
	}
}
