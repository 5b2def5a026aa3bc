package scheduler

import (
	"testing"

	"github.com/kjartanhr/transceiver/bitfield"
	"github.com/kjartanhr/transceiver/metainfo"
)

func testInfo(numPieces int, pieceLength int64) *metainfo.Info {
	return &metainfo.Info{
		PieceLength: pieceLength,
		Pieces:      make([][20]byte, numPieces),
		Length:      pieceLength * int64(numPieces),
	}
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestRarestFirstPrefersLeastAvailable(t *testing.T) {
	info := testInfo(3, 16*1024)
	s := New(info, bitfield.New(3), DefaultOptions())

	peerA := bitfield.New(3)
	peerA.Set(0)
	peerA.Set(1)
	s.RegisterPeer(peerA)

	peerB := bitfield.New(3)
	peerB.Set(1)
	s.RegisterPeer(peerB)

	// piece 0: availability 1, piece 1: availability 2, piece 2: availability 0
	idx, ok := s.NextPiece(fullBitfield(3))
	if !ok {
		t.Fatal("expected a piece")
	}
	if idx != 2 {
		t.Fatalf("expected rarest piece 2, got %d", idx)
	}
}

func TestNextPieceRespectsPeerHas(t *testing.T) {
	info := testInfo(2, 16*1024)
	s := New(info, bitfield.New(2), DefaultOptions())

	only1 := bitfield.New(2)
	only1.Set(1)
	idx, ok := s.NextPiece(only1)
	if !ok || idx != 1 {
		t.Fatalf("expected piece 1, got %d ok=%v", idx, ok)
	}
}

func TestCompleteAndReturnPiece(t *testing.T) {
	info := testInfo(1, 16*1024)
	s := New(info, bitfield.New(1), DefaultOptions())
	idx, ok := s.NextPiece(fullBitfield(1))
	if !ok {
		t.Fatal("expected piece")
	}
	s.ReturnPiece(idx)
	if !s.HasPending() {
		t.Fatal("expected piece back in pending")
	}
	idx, ok = s.NextPiece(fullBitfield(1))
	if !ok {
		t.Fatal("expected to reacquire piece")
	}
	s.CompletePiece(idx)
	if !s.AllComplete() {
		t.Fatal("expected all complete")
	}
}

func TestQueueBlockLifecycle(t *testing.T) {
	const BlockSize = 16 * 1024
	q := NewQueue(0, 40*1024, BlockSize, 1)
	if q.Complete() {
		t.Fatal("should not start complete")
	}
	var blocks []BlockDesc
	for {
		b, ok := q.NextBlock("peerA")
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks for a 40KiB piece, got %d", len(blocks))
	}
	if blocks[2].Length != 40*1024-2*BlockSize {
		t.Fatalf("unexpected final block length %d", blocks[2].Length)
	}
	for _, b := range blocks {
		if q.MarkReceived(b.Begin, "peerA", b.Length) && b.Begin != blocks[len(blocks)-1].Begin {
			t.Fatal("reported complete before the final block")
		}
	}
	if !q.Complete() {
		t.Fatal("expected piece complete after all blocks received")
	}
	if q.PeerBytes("peerA") != 40*1024 {
		t.Fatalf("expected full piece credited to peerA, got %d", q.PeerBytes("peerA"))
	}
}

func TestQueueCancelPeerFreesBlock(t *testing.T) {
	const BlockSize = 16 * 1024
	q := NewQueue(0, BlockSize, BlockSize, 1)
	if _, ok := q.NextBlock("peerA"); !ok {
		t.Fatal("expected a block")
	}
	if _, ok := q.NextBlock("peerB"); ok {
		t.Fatal("block should be saturated at maxPending=1")
	}
	q.CancelPeer("peerA")
	if _, ok := q.NextBlock("peerB"); !ok {
		t.Fatal("expected block to be free again after cancel")
	}
}

func TestEndgameActivatesWhenNothingRemains(t *testing.T) {
	info := testInfo(1, 16*1024)
	s := New(info, bitfield.New(1), DefaultOptions())
	idx, _ := s.NextPiece(fullBitfield(1))
	s.CompletePiece(idx) // triggers refreshEndgame: 0 remaining of 1 total

	if !s.Endgame() {
		t.Fatal("expected endgame mode with zero remaining pieces")
	}
}

func TestNextPieceSequentialIgnoresRarity(t *testing.T) {
	info := testInfo(3, 16*1024)
	s := New(info, bitfield.New(3), DefaultOptions())

	// piece 2 is rarest (only peerB has it), but sequential mode should
	// still pick piece 0 first since it is pending and offered.
	peerA := bitfield.New(3)
	peerA.Set(0)
	peerA.Set(1)
	s.RegisterPeer(peerA)

	peerB := bitfield.New(3)
	peerB.Set(0)
	peerB.Set(1)
	peerB.Set(2)
	s.RegisterPeer(peerB)

	idx, ok := s.NextPieceSequential(fullBitfield(3))
	if !ok {
		t.Fatal("expected a piece")
	}
	if idx != 0 {
		t.Fatalf("expected sequential piece 0, got %d", idx)
	}
}

func TestReciprocationChokePicksTopContributors(t *testing.T) {
	stats := []PeerStat{
		{Peer: "slow", Recv: 10},
		{Peer: "fast", Recv: 100},
		{Peer: "medium", Recv: 50},
	}
	unchoked := ReciprocationChoke(stats, 0, 2)
	if !unchoked["fast"] || !unchoked["medium"] {
		t.Fatalf("expected fast and medium unchoked, got %v", unchoked)
	}
	if unchoked["slow"] {
		t.Fatal("did not expect slow to be unchoked")
	}
}

func TestReciprocationChokeExcludesImbalancedPeer(t *testing.T) {
	stats := []PeerStat{
		{Peer: "owesUs", Sent: 1000, Recv: 10},
		{Peer: "fair", Sent: 50, Recv: 50},
	}
	unchoked := ReciprocationChoke(stats, 100, 2)
	if unchoked["owesUs"] {
		t.Fatal("peer we have sent far more to than it sent us plus margin should be choked")
	}
	if !unchoked["fair"] {
		t.Fatal("expected balanced peer to stay unchoked")
	}
}

func TestOptimisticUnchokeRotates(t *testing.T) {
	candidates := []string{"b", "a", "c"}
	p0, ok := OptimisticUnchoke(candidates, 0)
	if !ok || p0 != "a" {
		t.Fatalf("expected a, got %s", p0)
	}
	p1, _ := OptimisticUnchoke(candidates, 1)
	if p1 != "b" {
		t.Fatalf("expected b, got %s", p1)
	}
}
