package transceiver

import "testing"

func TestLoadStateFreshIsEmpty(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	s, err := loadState("deadbeef00000000000000000000000000000000", 4, "/tmp/out")
	if err != nil {
		t.Fatal(err)
	}
	if s.Progress() != 0 {
		t.Fatalf("expected zero progress, got %f", s.Progress())
	}
	if s.IsComplete() {
		t.Fatal("expected incomplete")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	hash := "cafebabe00000000000000000000000000000000"

	s, err := loadState(hash, 4, "/tmp/out")
	if err != nil {
		t.Fatal(err)
	}
	s.MarkPieceComplete(0)
	s.MarkPieceComplete(2)
	s.AddPeers([]string{"1.2.3.4:6881", "1.2.3.4:6881"})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := loadState(hash, 4, "/tmp/out")
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsPieceComplete(0) || !reloaded.IsPieceComplete(2) {
		t.Fatal("expected pieces 0 and 2 to survive reload")
	}
	if reloaded.IsPieceComplete(1) {
		t.Fatal("piece 1 should not be complete")
	}
	if len(reloaded.KnownPeers) != 1 {
		t.Fatalf("expected deduplicated peer list, got %v", reloaded.KnownPeers)
	}
	if err := reloaded.Delete(); err != nil {
		t.Fatal(err)
	}
}

func TestClearPieceAfterResumeVerificationFailure(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	s, err := loadState("0123456789abcdef0123456789abcdef01234567", 2, "/tmp/out")
	if err != nil {
		t.Fatal(err)
	}
	s.MarkPieceComplete(0)
	s.ClearPiece(0)
	if s.IsPieceComplete(0) {
		t.Fatal("expected piece to be cleared")
	}
}
