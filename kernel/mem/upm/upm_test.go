package upm

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
)

// testArena backs tableAtFn/pageBytesFn with real Go memory, the same way
// pmm's own bitmap_test.go does, since a hosted test binary has no
// identity-mapped physical address space to dereference fabricated frame
// addresses against.
type testArena struct {
	tables map[uintptr]*paging.Table
}

func newTestArena() *testArena {
	return &testArena{tables: map[uintptr]*paging.Table{}}
}

func (ar *testArena) tableAt(physAddr uintptr) *paging.Table {
	if t, ok := ar.tables[physAddr]; ok {
		return t
	}
	t := &paging.Table{}
	ar.tables[physAddr] = t
	return t
}

func (ar *testArena) pageBytes(physAddr uintptr) *[4096]byte {
	t := ar.tableAt(physAddr)
	return (*[4096]byte)(unsafe.Pointer(t))
}

// fakeAllocator is a trivial bump/free-list FrameAllocator: it hands out
// sequential frame numbers and recycles freed ones, so tests can drive
// OutOfMemory deterministically with a tiny capacity.
type fakeAllocator struct {
	capacity uint64
	used     map[pmm.Frame]bool
	free     []pmm.Frame
	next     pmm.Frame
}

func newFakeAllocator(capacity uint64) *fakeAllocator {
	return &fakeAllocator{capacity: capacity, used: map[pmm.Frame]bool{}}
}

func (a *fakeAllocator) ReserveAny() (pmm.Frame, *kernel.Error) {
	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		a.used[f] = true
		return f, nil
	}
	if uint64(a.next) >= a.capacity {
		return pmm.InvalidFrame, &kernel.Error{Module: "fakeAllocator", Message: "out of frames", Kind: kernel.KindOutOfMemory}
	}
	f := a.next
	a.next++
	a.used[f] = true
	return f, nil
}

func (a *fakeAllocator) Free(f pmm.Frame) {
	if !a.used[f] {
		return
	}
	delete(a.used, f)
	a.free = append(a.free, f)
}

func (a *fakeAllocator) usedCount() int { return len(a.used) }

// newTestMapper wires a Mapper against a fake kernel PML4 (with one upper-half
// entry set, so the snapshot-copy behavior is observable) and a fakeAllocator
// with the given frame capacity.
func newTestMapper(t *testing.T, capacity uint64) (*Mapper, *fakeAllocator, *testArena) {
	t.Helper()

	arena := newTestArena()
	origTableAt, origPageBytes := tableAtFn, pageBytesFn
	tableAtFn = arena.tableAt
	pageBytesFn = arena.pageBytes
	t.Cleanup(func() { tableAtFn, pageBytesFn = origTableAt, origPageBytes })

	const kernelPML4Phys = uintptr(0x9000)
	kernelTable := arena.tableAt(kernelPML4Phys)
	kernelTable[256].SetFrameAddress(pmm.Frame(0xAAA).Address())
	kernelTable[256].SetFlags(paging.FlagPresent | paging.FlagRW)

	alloc := newFakeAllocator(capacity)
	mapper, err := New(alloc, kernelPML4Phys)
	if err != nil {
		t.Fatalf("unexpected error constructing mapper: %v", err)
	}

	return mapper, alloc, arena
}

func TestNewCopiesKernelUpperHalf(t *testing.T) {
	mapper, _, arena := newTestMapper(t, 16)

	table := arena.tableAt(mapper.PML4Address())
	if !table[256].HasFlags(paging.FlagPresent) || table[256].FrameAddress() != pmm.Frame(0xAAA).Address() {
		t.Fatal("expected upper half to be copied from the kernel PML4")
	}
	for i := 0; i < 256; i++ {
		if table[i] != 0 {
			t.Fatalf("expected lower half entry %d to start cleared, got %#x", i, table[i])
		}
	}
}

func TestMapBlankPageAndUnmap(t *testing.T) {
	mapper, alloc, _ := newTestMapper(t, 16)

	var pagesUsed uint64
	const virt = uintptr(0x1000)
	if err := mapper.MapBlankPage(virt, paging.FlagRW, &pagesUsed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A fresh PML4 requires 3 parent frames (PDPT, PD, PT) plus the leaf.
	if pagesUsed != 4 {
		t.Fatalf("expected 4 frames consumed for a first mapping, got %d", pagesUsed)
	}

	if err := mapper.MapBlankPage(virt, paging.FlagRW, &pagesUsed); err == nil {
		t.Fatal("expected PageAlreadyExists remapping the same address")
	} else if !err.Is(kernel.KindPageAlreadyExists) {
		t.Fatal("expected the error to carry the PageAlreadyExists kind")
	}

	if freed := mapper.UnmapPage(virt, paging.Levels-1); freed != 4 {
		t.Fatalf("expected unmap at full depth to free 4 frames, got %d", freed)
	}
	if alloc.usedCount() != 1 { // only the PML4 frame itself remains reserved
		t.Fatalf("expected only the PML4 frame to remain reserved, got %d used frames", alloc.usedCount())
	}
}

func TestMapBlankPageOutOfMemoryUnwinds(t *testing.T) {
	// Capacity 2: one frame for the PML4 itself (consumed by newTestMapper),
	// one more for MapBlankPage's first parent table, then exhaustion.
	mapper, alloc, _ := newTestMapper(t, 2)

	var pagesUsed uint64
	err := mapper.MapBlankPage(0x1000, paging.FlagRW, &pagesUsed)
	if err == nil || !err.Is(kernel.KindOutOfMemory) {
		t.Fatalf("expected OutOfMemory, got %v", err)
	}
	if pagesUsed != 0 {
		t.Fatalf("expected pagesUsed to unwind back to 0, got %d", pagesUsed)
	}
	if alloc.usedCount() != 1 {
		t.Fatalf("expected only the PML4 frame to remain reserved after unwind, got %d", alloc.usedCount())
	}
}

func TestMapBlankPageOutOfMemoryUnwindClearsParentEntries(t *testing.T) {
	// Capacity 2: one frame for the PML4 itself, one more for MapBlankPage's
	// first parent table, then exhaustion before the second parent.
	mapper, alloc, arena := newTestMapper(t, 2)

	var pagesUsed uint64
	const virt = uintptr(0x1000)
	if err := mapper.MapBlankPage(virt, paging.FlagRW, &pagesUsed); err == nil || !err.Is(kernel.KindOutOfMemory) {
		t.Fatalf("expected OutOfMemory, got %v", err)
	}

	table := arena.tableAt(mapper.PML4Address())
	idx := paging.Index(0, virt)
	if table[idx] != 0 {
		t.Fatalf("expected the PML4 entry created before the failed reservation to be cleared, got %#x", table[idx])
	}
	if alloc.usedCount() != 1 {
		t.Fatalf("expected only the PML4 frame to remain reserved, got %d", alloc.usedCount())
	}

	// A subsequent mapping at the same address must see no stale, present
	// entry left over from the unwound attempt.
	if err := mapper.MapBlankPage(virt, paging.FlagRW, &pagesUsed); err != nil && err.Is(kernel.KindPageAlreadyExists) {
		t.Fatal("stale parent entry from the unwound attempt was not cleared")
	}
}

func TestUnmapPageOnAbsentMappingIsNoop(t *testing.T) {
	mapper, _, _ := newTestMapper(t, 16)

	if freed := mapper.UnmapPage(0x5000, paging.Levels-1); freed != 0 {
		t.Fatalf("expected 0 frames freed for an absent mapping, got %d", freed)
	}
}

func TestChangeFlagsAndRelaxing(t *testing.T) {
	mapper, _, arena := newTestMapper(t, 16)

	var pagesUsed uint64
	const virt = uintptr(0x2000)
	if err := mapper.MapBlankPage(virt, paging.FlagRW, &pagesUsed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mapper.ChangeFlags(virt, mem.PageSize, paging.FlagUser)

	table := arena.tableAt(mapper.PML4Address())
	for level := 0; level < paging.Levels-1; level++ {
		idx := paging.Index(level, virt)
		table = arena.tableAt(table[idx].FrameAddress())
	}
	idx := paging.Index(paging.Levels-1, virt)
	leaf := table[idx]
	if leaf.HasFlags(paging.FlagRW) {
		t.Fatal("ChangeFlags should have cleared RW, it was not in the replacement set")
	}
	if !leaf.HasFlags(paging.FlagUser | paging.FlagPresent) {
		t.Fatal("ChangeFlags should have set User and kept Present")
	}

	mapper.ChangeFlagsRelaxing(virt, mem.PageSize, paging.FlagRW)
	leaf = table[idx]
	if !leaf.HasFlags(paging.FlagRW) {
		t.Fatal("ChangeFlagsRelaxing should have added RW")
	}
	if leaf.HasFlags(paging.FlagNoExecute) {
		t.Fatal("ChangeFlagsRelaxing should have cleared NoExecute since flags did not request it")
	}
}

func TestMapMemCopyFromBuffer(t *testing.T) {
	mapper, _, _ := newTestMapper(t, 16)

	data := []byte("hello, userspace")
	const virt = uintptr(0x3050) // unaligned, to exercise the offset path

	if err := mapper.MapMemCopyFromBuffer(virt, mem.Size(len(data)), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	table := pageWalk(t, mapper, virt)
	idx := paging.Index(paging.Levels-1, virt)
	leaf := table[idx]
	pageBuf := pageBytesFn(leaf.FrameAddress())

	offset := int(virt % uintptr(mem.PageSize))
	for i, b := range data {
		if pageBuf[offset+i] != b {
			t.Fatalf("byte %d: expected %q, got %q", i, b, pageBuf[offset+i])
		}
	}
}

func pageWalk(t *testing.T, mapper *Mapper, virt uintptr) *paging.Table {
	t.Helper()
	table := tableAtFn(mapper.PML4Address())
	for level := 0; level < paging.Levels-1; level++ {
		idx := paging.Index(level, virt)
		table = tableAtFn(table[idx].FrameAddress())
	}
	return table
}

func TestReleaseFreesLowerHalfOnly(t *testing.T) {
	mapper, alloc, _ := newTestMapper(t, 16)

	var pagesUsed uint64
	if err := mapper.MapBlankPage(0x1000, paging.FlagRW, &pagesUsed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	beforeRelease := alloc.usedCount()
	if beforeRelease != 5 { // PML4 + 3 parents + leaf
		t.Fatalf("expected 5 frames reserved before Release, got %d", beforeRelease)
	}

	mapper.Release()
	if alloc.usedCount() != 0 {
		t.Fatalf("expected Release to free every reserved frame, got %d still used", alloc.usedCount())
	}
}
