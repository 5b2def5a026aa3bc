package transceiver

import "testing"

func TestNewPeerIDHasPrefixAndIsRandom(t *testing.T) {
	a, err := NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	if string(a[:8]) != "-GT0200-" {
		t.Fatalf("unexpected prefix: %q", a[:8])
	}
	if a == b {
		t.Fatal("expected distinct peer ids across calls")
	}
}
