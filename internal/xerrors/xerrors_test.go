package xerrors

import (
	"fmt"
	"testing"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New("storage", KindIO, fmt.Errorf("disk full"))
	want := "storage: io: disk full"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New("peerconn", KindClosed, nil)
	want := "peerconn: closed"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestIsMatchesWrappedKind(t *testing.T) {
	err := New("tracker", KindTimeout, fmt.Errorf("context deadline exceeded"))
	wrapped := fmt.Errorf("announce failed: %w", err)
	if !Is(wrapped, KindTimeout) {
		t.Fatal("expected Is to find the wrapped Kind")
	}
	if Is(wrapped, KindIO) {
		t.Fatal("did not expect a match for a different Kind")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(fmt.Errorf("plain"), KindOther) {
		t.Fatal("expected no match for an error with no Kind")
	}
}
