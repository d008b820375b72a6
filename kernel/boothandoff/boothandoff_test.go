package boothandoff

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel/mem"
)

func bitSet(bitmap []byte, bit uintptr) bool {
	return bitmap[bit/8]&(0x80>>(bit%8)) != 0
}

func TestReserveAndClearBitRangeWithinOneByte(t *testing.T) {
	bitmap := make([]byte, 1)

	reserveBitRange(bitmap, 2, 5)
	if bitmap[0] != 0b00111100 {
		t.Fatalf("expected 0b00111100, got %08b", bitmap[0])
	}

	clearBitRange(bitmap, 3, 4)
	if bitmap[0] != 0b00100100 {
		t.Fatalf("expected 0b00100100, got %08b", bitmap[0])
	}
}

func TestReserveBitRangeSpanningBytes(t *testing.T) {
	bitmap := make([]byte, 4)

	reserveBitRange(bitmap, 5, 20)
	if bitmap[0] != 0b00000111 {
		t.Fatalf("byte 0: expected 0b00000111, got %08b", bitmap[0])
	}
	if bitmap[1] != 0xFF {
		t.Fatalf("byte 1: expected 0xFF, got %08b", bitmap[1])
	}
	if bitmap[2] != 0b11111000 {
		t.Fatalf("byte 2: expected 0b11111000, got %08b", bitmap[2])
	}
	if bitmap[3] != 0 {
		t.Fatalf("byte 3: expected untouched, got %08b", bitmap[3])
	}
}

func TestMemoryBitmapReserveSelfCoversItsOwnBytes(t *testing.T) {
	const mappedBytes = uintptr(256) * uintptr(mem.PageSize)
	bitmap := make([]byte, mappedBytes/uintptr(mem.PageSize)/8)

	mb := MemoryBitmap{Bitmap: bitmap, MappedBytes: mappedBytes}
	mb.reserveSelf()

	start := uintptr(unsafe.Pointer(&bitmap[0]))
	end := start + uintptr(len(bitmap)) - 1

	for bit := start / bitRatio; bit <= end/bitRatio; bit++ {
		if !bitSet(bitmap, bit) {
			t.Fatalf("expected bit %d (covering the bitmap's own storage) to be reserved", bit)
		}
	}
}

func TestBuildAllocatorReservesBitmapStorage(t *testing.T) {
	const mappedBytes = uintptr(256) * uintptr(mem.PageSize)
	bitmap := make([]byte, mappedBytes/uintptr(mem.PageSize)/8)
	// Mark everything else usable; only the bitmap's own backing bytes
	// should end up reserved once BuildAllocator runs.

	args := &Args{
		MemoryBitmap: MemoryBitmap{Bitmap: bitmap, MappedBytes: mappedBytes},
	}

	alloc := args.BuildAllocator()
	if alloc.TotalPages() != 256 {
		t.Fatalf("expected 256 total pages, got %d", alloc.TotalPages())
	}
	if alloc.FreePages() == alloc.TotalPages() {
		t.Fatal("expected the bitmap's own storage to reserve at least one page")
	}
}
