package paging

import (
	"testing"
)

func TestEntryFlags(t *testing.T) {
	var e Entry

	e.SetFlags(FlagPresent | FlagRW)
	if !e.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected present+rw flags to be set")
	}
	if e.HasFlags(FlagUser) {
		t.Fatal("did not expect user flag to be set")
	}
	if !e.HasAnyFlag(FlagUser | FlagRW) {
		t.Fatal("expected HasAnyFlag to match RW")
	}

	e.ClearFlags(FlagRW)
	if e.HasFlags(FlagRW) {
		t.Fatal("expected RW flag to be cleared")
	}
}

func TestEntryFrameRoundTrip(t *testing.T) {
	var e Entry
	addr := uintptr(0x1234000)

	e.SetFrameAddress(addr)
	e.SetFlags(FlagPresent | FlagRW | FlagNoExecute)

	if got := e.FrameAddress(); got != addr {
		t.Fatalf("expected frame address 0x%x, got 0x%x", addr, got)
	}
	if !e.HasFlags(FlagPresent | FlagRW | FlagNoExecute) {
		t.Fatal("expected flags to survive SetFrameAddress")
	}
}

func TestReplaceFlags(t *testing.T) {
	var e Entry
	e.SetFrameAddress(0x7000)
	e.SetFlags(FlagPresent | FlagRW | FlagUser)

	e.ReplaceFlags(FlagPresent | FlagUser | FlagNoExecute)

	if e.HasFlags(FlagRW) {
		t.Fatal("expected RW to be cleared by ReplaceFlags")
	}
	if !e.HasFlags(FlagPresent | FlagUser | FlagNoExecute) {
		t.Fatal("expected new flags to be set")
	}
	if got := e.FrameAddress(); got != 0x7000 {
		t.Fatal("ReplaceFlags must not disturb the address field")
	}
}

func TestIndexExtraction(t *testing.T) {
	// Every index extracted from a canonical lower-half address must fall
	// within a 512-entry table.
	addr := uintptr(0x0000_1020_3040_5000)

	for level := 0; level < Levels; level++ {
		idx := Index(level, addr)
		if idx < 0 || idx > 511 {
			t.Fatalf("level %d: index %d out of range", level, idx)
		}
	}
}

func TestCheckDepthForward(t *testing.T) {
	if got := CheckDepthForward(0x1000, 0x1000); got != Levels-1 {
		t.Fatalf("first page of a range should request full depth, got %d", got)
	}

	// Consecutive pages within the same PT only require re-checking the
	// last level.
	if got := CheckDepthForward(0x1000, 0x2000); got != 0 {
		t.Fatalf("expected depth 0 for pages sharing every parent table, got %d", got)
	}

	// Crossing a PD boundary (bit 21) requires checking PD and PT.
	a := uintptr(0x1FF000)
	b := uintptr(0x200000)
	if got := CheckDepthForward(a, b); got < 1 {
		t.Fatalf("expected deeper check depth across PD boundary, got %d", got)
	}
}
