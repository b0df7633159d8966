package pmm

import "testing"

func TestAllocateFreeRoundTrip(t *testing.T) {
	m := New(0, 4)

	f1 := m.Allocate()
	f2 := m.Allocate()
	if f1 == Invalid || f2 == Invalid {
		t.Fatalf("allocate returned Invalid")
	}
	if f1 == f2 {
		t.Fatalf("allocate returned the same frame twice: %#x", uint64(f1))
	}
	if got := m.GetRefcount(f1); got != 1 {
		t.Fatalf("fresh allocation refcount = %d, want 1", got)
	}

	m.Free(f1)
	m.Free(f2)

	if got, want := m.FreeCount(), 4; got != want {
		t.Fatalf("FreeCount after freeing both = %d, want %d", got, want)
	}
}

func TestExhaustion(t *testing.T) {
	m := New(0, 2)
	m.Allocate()
	m.Allocate()
	if got := m.Allocate(); got != Invalid {
		t.Fatalf("expected Invalid on exhaustion, got %#x", uint64(got))
	}
}

func TestDoubleFreePanics(t *testing.T) {
	m := New(0, 1)
	f := m.Allocate()
	m.Free(f)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	m.Free(f)
}

func TestRefcounting(t *testing.T) {
	m := New(0, 1)
	f := m.Allocate()

	m.IncrementRefcount(f)
	m.IncrementRefcount(f)
	if got := m.GetRefcount(f); got != 3 {
		t.Fatalf("refcount = %d, want 3", got)
	}

	if m.DecrementRefcount(f) {
		t.Fatalf("decrement from 3 should not report zero")
	}
	if m.DecrementRefcount(f) {
		t.Fatalf("decrement from 2 should not report zero")
	}
	if !m.DecrementRefcount(f) {
		t.Fatalf("decrement from 1 should report zero")
	}
	m.Free(f)
}

func TestCopyPageAndZero(t *testing.T) {
	m := New(0, 2)
	a := m.Allocate()
	b := m.Allocate()

	src := m.Bytes(a)
	src[0] = 0x42
	m.CopyPage(b, a)

	if got := m.Bytes(b)[0]; got != 0x42 {
		t.Fatalf("CopyPage did not copy byte 0: got %#x", got)
	}

	m.Zero(b)
	if got := m.Bytes(b)[0]; got != 0 {
		t.Fatalf("Zero left byte 0 = %#x, want 0", got)
	}
}
