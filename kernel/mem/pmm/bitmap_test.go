package pmm

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
)

// testArena backs tableAtFn with real Go memory so that tests can walk
// page tables without a host process's identity-mapped physical address
// space. Physical addresses are fabricated frame numbers (see Frame.Address)
// and are allocated a backing *paging.Table lazily, on first reference.
type testArena struct {
	tables map[uintptr]*paging.Table
}

func (ar *testArena) tableAt(physAddr uintptr) *paging.Table {
	if t, ok := ar.tables[physAddr]; ok {
		return t
	}
	t := &paging.Table{}
	ar.tables[physAddr] = t
	return t
}

// newTestAllocator wires a BitmapAllocator against a fake kernel PML4 and
// overrides the package's physical-memory hooks to redirect onto a
// testArena instead of dereferencing fabricated physical addresses.
func newTestAllocator(t *testing.T, totalPages uint32) (*BitmapAllocator, *paging.Table) {
	t.Helper()

	bitmapLen := int((totalPages + 7) / 8)
	bitmapBuf := make([]byte, bitmapLen)

	const kernelPML4Phys = uintptr(0x1000)
	arena := &testArena{tables: map[uintptr]*paging.Table{}}

	origTableAt := tableAtFn
	tableAtFn = arena.tableAt
	t.Cleanup(func() { tableAtFn = origTableAt })

	origZero := zeroFrameFn
	zeroFrameFn = func(uintptr, byte, mem.Size) {}
	t.Cleanup(func() { zeroFrameFn = origZero })

	origSwitch := switchPDTFn
	switchPDTFn = func(uintptr) {}
	t.Cleanup(func() { switchPDTFn = origSwitch })

	var a BitmapAllocator
	a.Init(uintptr(unsafe.Pointer(&bitmapBuf[0])), bitmapLen, totalPages, kernelPML4Phys)

	return &a, arena.tableAt(kernelPML4Phys)
}

func TestReserveAnyAndFree(t *testing.T) {
	a, _ := newTestAllocator(t, 64)

	if got, want := a.FreePages(), uint32(64); got != want {
		t.Fatalf("expected %d free pages, got %d", want, got)
	}

	fA, err := a.ReserveAny()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fB, _ := a.ReserveAny()
	fC, _ := a.ReserveAny()

	if a.UsedPages() != 3 {
		t.Fatalf("expected 3 used pages, got %d", a.UsedPages())
	}

	a.Free(fA)
	if got := a.UsedPages(); got != 2 {
		t.Fatalf("expected 2 used pages after free, got %d", got)
	}

	fA2, err := a.ReserveAny()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fA2 != fA {
		t.Fatalf("expected reserve_any to return freed frame %d again, got %d", fA, fA2)
	}

	if a.FreePages()+a.UsedPages() != a.TotalPages() {
		t.Fatal("free_pages + used_pages must equal total_pages")
	}

	_, _ = fB, fC
}

func TestReserveAnyExhaustion(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	for i := 0; i < 8; i++ {
		if _, err := a.ReserveAny(); err != nil {
			t.Fatalf("unexpected error reserving frame %d: %v", i, err)
		}
	}

	if _, err := a.ReserveAny(); err == nil {
		t.Fatal("expected OutOfPages once the bitmap is exhausted")
	} else if !err.Is(kernel.KindOutOfPages) {
		t.Fatal("expected error to carry the OutOfPages kind")
	}
}

func TestFreeIgnoresOutOfRange(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	a.Free(Frame(1000)) // must not panic or corrupt state
	if a.FreePages() != 8 {
		t.Fatal("out-of-range free must be a no-op")
	}
}

func TestMapTranslationAndUnmap(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)

	virt := uintptr(0x20_0000)
	phys, err := a.ReserveAny()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.MapTranslation(virt, virt, paging.FlagRW); err != nil {
		t.Fatalf("unexpected error mapping translation: %v", err)
	}

	if !a.IsIdentityMapped(virt) {
		t.Fatal("expected virt to be identity mapped after MapTranslation(phys=virt)")
	}

	if !a.CheckFlags(virt, 1, paging.FlagPresent|paging.FlagRW) {
		t.Fatal("expected CheckFlags to observe Present|RW")
	}

	if err := a.MapTranslation(phys.Address(), virt, paging.FlagRW); err == nil {
		t.Fatal("expected PageAlreadyExists on second MapTranslation of the same address")
	}

	a.Unmap(virt)
	if a.IsIdentityMapped(virt) {
		t.Fatal("expected unmap to clear the mapping")
	}
}

func TestMapAnonymousFreesFrameOnFailure(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)

	virt := uintptr(0x40_0000)
	if err := a.MapAnonymous(virt, paging.FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := a.FreePages()
	if err := a.MapAnonymous(virt, paging.FlagRW); err == nil {
		t.Fatal("expected PageAlreadyExists mapping the same virt twice")
	}
	if a.FreePages() != before {
		t.Fatal("expected the frame reserved for the failed mapping to be released")
	}
}
