// Package kmain wires together the kernel's boot-time subsystems: the
// terminal, the physical page allocator, the Go runtime's memory hooks and
// the first process's address space.
package kmain

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/boothandoff"
	"nyxkernel/kernel/goruntime"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/upm"
	"nyxkernel/kernel/mem/vma"
	"nyxkernel/kernel/multiboot"
	"nyxkernel/kernel/syscall"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// bitmapStorage backs the physical frame bitmap built at boot. It has to be
// a static allocation: nothing able to satisfy a make() request (the Go
// runtime's own sysAlloc) exists until goruntime.Init has a physical
// allocator to drive, and building that allocator is what this array is
// for. Sized for up to 4 GiB of physical memory at one bit per page.
var bitmapStorage [uint64(4<<30) / uint64(mem.PageSize) / 8]byte

// highestMappedAddress walks the bootloader-reported memory map and returns
// one past the highest address any region, available or not, covers. The
// frame bitmap and the allocator it drives both need to span this range.
func highestMappedAddress() uintptr {
	var top uintptr
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if end := uintptr(region.PhysAddress + region.Length); end > top {
			top = end
		}
		return true
	})
	return top
}

const (
	// userBreakBase is the address the first process's heap (its break
	// segment) starts growing from.
	userBreakBase = uintptr(0x0000_0000_1000_0000)

	// userDebugScratch is the fixed scratch address the debug syscall
	// reuses on every call to write its argument buffer into the
	// process's address space.
	userDebugScratch = uintptr(0x0000_0000_0FFF_F000)
)

// Kmain is the only Go symbol visible (exported) to the rt0 initialization
// code. It is invoked after the rt0 assembly sets up the GDT, enables long
// mode's identity-mapped page tables and switches onto a minimal g0 stack.
//
// The rt0 code passes the multiboot info payload's address, the kernel
// image's physical start/end and the physical address of the PML4 the
// assembly installed before jumping here.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPML4Phys uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	mappedBytes := highestMappedAddress()
	bitmapBytes := (uint64(mappedBytes)/uint64(mem.PageSize) + 7) / 8
	if bitmapBytes > uint64(len(bitmapStorage)) {
		kernel.Panic(&kernel.Error{Module: "kmain", Message: "reported physical memory exceeds the static frame bitmap's capacity"})
	}
	bitmap := bitmapStorage[:bitmapBytes]

	ppa := boothandoff.BuildAllocatorFromRegions(bitmap, mappedBytes, kernelStart, kernelEnd, kernelPML4Phys)

	if err := goruntime.Init(ppa); err != nil {
		panic(err)
	}

	mapper, err := upm.New(ppa, kernelPML4Phys)
	if err != nil {
		panic(err)
	}

	allocator, err := vma.New(ppa, mapper)
	if err != nil {
		panic(err)
	}

	// The first process's init program is loaded and entered by the
	// scheduler, outside this package's scope; constructing it here
	// keeps the VMA allocator, the user page mapper and the syscall
	// dispatcher wired together from the moment the kernel has a
	// physical allocator to back them with.
	_ = syscall.NewProcess(allocator, mapper, userBreakBase, userDebugScratch)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
