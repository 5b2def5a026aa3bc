package config

import "testing"

func TestDefaultIsUsable(t *testing.T) {
	c := Default()
	if c.BlockSize != 16384 {
		t.Errorf("expected block size 16384, got %d", c.BlockSize)
	}
	if c.EndgameThreshold <= 0 || c.EndgameThreshold >= 1 {
		t.Errorf("expected endgame threshold in (0, 1), got %f", c.EndgameThreshold)
	}
	if c.MaxAssignments < 1 {
		t.Errorf("expected at least one assignment per block outside endgame, got %d", c.MaxAssignments)
	}
	if c.UpdateQueueSize <= 0 {
		t.Errorf("expected a positive update queue size, got %d", c.UpdateQueueSize)
	}
}
