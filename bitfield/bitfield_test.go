package bitfield

import (
	"math/rand"
	"testing"
)

const ntests = 1000

func TestSetGet(t *testing.T) {
	bf := New(16)
	for i := 0; i < 16; i++ {
		if bf.Get(i) {
			t.Fatalf("bit %d should start clear", i)
		}
	}
	bf.Set(3)
	bf.Set(15)
	for i := 0; i < 16; i++ {
		want := i == 3 || i == 15
		if bf.Get(i) != want {
			t.Fatalf("bit %d: got %v want %v", i, bf.Get(i), want)
		}
	}
}

func TestUnset(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	bf.Unset(0)
	if bf.Get(0) {
		t.Fatal("bit 0 should be clear after unset")
	}
}

func TestMSBFirstOrdering(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	if bf[0] != 0x80 {
		t.Fatalf("bit 0 should map to the high bit of byte 0, got %08b", bf[0])
	}
}

func TestOutOfRangeIsNoop(t *testing.T) {
	bf := New(4)
	bf.Set(1000)
	bf.Unset(1000)
	if bf.Get(1000) {
		t.Fatal("out of range bit should read false")
	}
}

func TestCountAndAll(t *testing.T) {
	for trial := 0; trial < ntests; trial++ {
		n := rand.Intn(200) + 1
		bf := New(n)
		want := 0
		for i := 0; i < n; i++ {
			if rand.Intn(2) == 0 {
				bf.Set(i)
				want++
			}
		}
		if got := bf.Count(n); got != want {
			t.Fatalf("count mismatch: got %d want %d", got, want)
		}
		if bf.All(n) != (want == n) {
			t.Fatalf("all mismatch: count=%d n=%d", want, n)
		}
	}
}

func TestHasAny(t *testing.T) {
	a := New(8)
	b := New(8)
	a.Set(2)
	if a.HasAny(b, 8) != true {
		t.Fatal("a has piece 2 that b lacks")
	}
	b.Set(2)
	if a.HasAny(b, 8) != false {
		t.Fatal("b now has everything a has")
	}
}

func TestClone(t *testing.T) {
	a := New(8)
	a.Set(1)
	c := a.Clone()
	c.Set(2)
	if a.Get(2) {
		t.Fatal("clone should be independent")
	}
}
