// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
)

// earlyReserveTop is the highest address the early virtual-region bump
// allocator hands out from, working downward, mirroring the donor's own
// "reserve from the end of the kernel address space" early allocator.
const earlyReserveTop = uintptr(0xFFFF_FFFF_FFFF_F000)

var (
	earlyReserveLastUsed  = earlyReserveTop
	errEarlyReserveNoSpace = &kernel.Error{Module: "goruntime", Message: "remaining kernel virtual address space not large enough to satisfy reservation request", Kind: kernel.KindInvalidArgument}
)

// earlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of size bytes (rounded up to a whole page count) by bumping a
// pointer down from earlyReserveTop. It never maps anything; the caller is
// expected to map pages into the returned range afterward.
func earlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

var (
	ppa *pmm.BitmapAllocator

	earlyReserveRegionFn = earlyReserveRegion
	mapAnonymousFn        = func(virt uintptr, flags paging.EntryFlag) *kernel.Error { return ppa.MapAnonymous(virt, flags) }
)

// Init records the physical page allocator the Go runtime's sysReserve/
// sysMap/sysAlloc replacements will drive; it must run before any code path
// that could grow the Go heap (i.e. before any allocation at all).
func Init(allocator *pmm.BitmapAllocator) *kernel.Error {
	ppa = allocator
	return nil
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionStartAddr, err := earlyReserveRegionFn(mem.Size(size))
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap establishes a mapping for a particular memory region that has been
// reserved previously via a call to sysReserve.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// We trust the allocator to call sysMap with an address inside a reserved region.
	regionStartAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	pageCount := regionSize >> mem.PageShift

	for page := regionStartAddr; pageCount > 0; pageCount, page = pageCount-1, page+uintptr(mem.PageSize) {
		if err := mapAnonymousFn(page, paging.FlagRW|paging.FlagNoExecute); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc reserves a fresh virtual region and maps it in one step.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	pageCount := regionSize >> mem.PageShift
	for page := regionStartAddr; pageCount > 0; pageCount, page = pageCount-1, page+uintptr(mem.PageSize) {
		if err := mapAnonymousFn(page, paging.FlagRW|paging.FlagNoExecute); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
