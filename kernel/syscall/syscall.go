// Package syscall dispatches the kernel's five user-visible system calls
// against a per-process VMA allocator and user page mapper pair.
package syscall

import (
	"reflect"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/kfmt/early"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/upm"
	"nyxkernel/kernel/mem/vma"
)

// bufferAt reconstructs a []byte view of the len bytes starting at addr,
// the same raw-address-to-slice idiom the physical allocator and memory
// bitmap use, for the one place a syscall receives a bare pointer+length
// pair instead of an already-typed Go value.
func bufferAt(addr, length uintptr) []byte {
	if length == 0 {
		return nil
	}
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(length),
		Cap:  int(length),
	}))
}

// Number identifies one of the five stable syscall numbers. The values are
// part of the ABI and must never be renumbered.
type Number uint8

const (
	SetBreak Number = iota
	MoveBreak
	MapMem
	UnmapMem
	Debug
)

// Error is the stable syscall error taxonomy returned to userspace. Like
// Number, these values are part of the ABI.
type Error uint8

const (
	UnknownSyscall Error = iota
	InvalidArgument
	OutOfMemory
)

// neverSuspend drives a rewindable mem-task to completion in a single Run
// call; the suspendable form exists for a future scheduler hook that has
// nothing to hook into yet.
func neverSuspend() bool { return false }

// fromKernelError classifies a *kernel.Error raised by the VMA allocator or
// UPM into the small ABI-stable Error set a syscall can return.
func fromKernelError(err *kernel.Error) Error {
	if err.Is(kernel.KindOutOfMemory) || err.Is(kernel.KindOutOfPages) {
		return OutOfMemory
	}
	return InvalidArgument
}

// Process bundles the address-space state one running process needs to
// service syscalls: its VMA allocator, the UPM it drives, and the
// program-break bookkeeping SetBreak/MoveBreak mutate.
//
// A process's VMA allocator already serializes access to the tree and,
// transitively, to the UPM; Process itself holds no additional lock.
type Process struct {
	vma    *vma.Allocator
	mapper *upm.Mapper

	brkBase uintptr
	brkSize mem.Size

	debugScratch     uintptr
	debugScratchSize mem.Size
}

// NewProcess wires a fresh Process around an already-constructed VMA
// allocator and mapper. brkBase is the page-aligned address the process's
// break segment grows from; debugScratch is a page-aligned scratch address
// reserved for the Debug syscall's pre-driver console output.
func NewProcess(allocator *vma.Allocator, mapper *upm.Mapper, brkBase, debugScratch uintptr) *Process {
	return &Process{vma: allocator, mapper: mapper, brkBase: brkBase, debugScratch: debugScratch}
}

// runMapTask drives a MapTask started by the VMA allocator to completion,
// translating its result into a syscall Error.
func runMapTask(task *vma.MapTask, err *kernel.Error) Error {
	if err != nil {
		return fromKernelError(err)
	}
	if _, err := task.Run(neverSuspend); err != nil {
		return fromKernelError(err)
	}
	return 0
}

// runUnmapTask drives an UnmapTask started by the VMA allocator to
// completion.
func runUnmapTask(task *vma.UnmapTask, err *kernel.Error) Error {
	if err != nil {
		return fromKernelError(err)
	}
	task.Run(neverSuspend)
	return 0
}

// setBreakSegment resizes the process's break segment to exactly newSize
// bytes, rounded up to a whole number of pages. A newSize of zero deletes
// the segment entirely; growing or shrinking to a non-zero size tears down
// whatever is there and force-maps a fresh segment of the requested size,
// since the break segment's contents are not preserved across a resize
// (it is a raw bump allocator, not a realloc).
func (p *Process) setBreakSegment(newSize mem.Size) Error {
	if p.brkSize > 0 {
		task, err := p.vma.StartUnmap(p.brkBase)
		if err != nil && !err.Is(kernel.KindSegmentAlreadyUnmapped) {
			return fromKernelError(err)
		}
		if task != nil {
			if code := runUnmapTask(task, nil); code != 0 {
				return code
			}
		}
		p.brkSize = 0
	}

	if newSize == 0 {
		return 0
	}

	pages := newSize.Pages()
	seg := vma.Segment{Start: p.brkBase, Len: mem.Size(pages) * mem.PageSize, Flags: vma.FlagRead | vma.FlagWrite}
	task, err := p.vma.StartForceMapAt(seg)
	if code := runMapTask(task, err); code != 0 {
		return code
	}

	p.brkSize = seg.Len
	return 0
}

// SetBreak sets the process's break segment to exactly newSize bytes.
func (p *Process) SetBreak(newSize mem.Size) Error {
	return p.setBreakSegment(newSize)
}

// MoveBreak grows or shrinks the break segment by delta bytes (negative
// shrinks) and returns the resulting size. A delta that would bring the
// break below zero is rejected without side effects.
func (p *Process) MoveBreak(delta int64) (mem.Size, Error) {
	next := int64(p.brkSize) + delta
	if next < 0 {
		return p.brkSize, InvalidArgument
	}
	if code := p.setBreakSegment(mem.Size(next)); code != 0 {
		return p.brkSize, code
	}
	return p.brkSize, 0
}

// MapMem finds room for size bytes somewhere in the process's address
// space and maps it with the given flags, returning the address it chose.
func (p *Process) MapMem(size mem.Size, flags vma.SegmentFlags) (uintptr, Error) {
	pages := size.Pages()
	seg := mem.Size(pages) * mem.PageSize

	task, err := p.vma.StartFindMap(seg, flags)
	if err != nil {
		return 0, fromKernelError(err)
	}
	start := task.Segment().Start
	if code := runMapTask(task, nil); code != 0 {
		return 0, code
	}
	return start, 0
}

// UnmapMem removes the mapping starting at addr.
func (p *Process) UnmapMem(addr uintptr) Error {
	task, err := p.vma.StartUnmap(addr)
	return runUnmapTask(task, err)
}

// debugScratchPages is the fixed size, in pages, of the Debug syscall's
// scratch window.
const debugScratchPages = 1

// debugLine writes one line's worth of buffer to the scratch window via
// MapMemCopyFromBuffer, then prints the same bytes from buf through the
// early console, exercising the same copy-into-freshly-mapped-pages path
// a process image loader would use, just for a diagnostic string instead
// of an ELF segment. The first call reserves the scratch window as a VMA
// segment so that no other mapping can be placed over it.
func (p *Process) debugLine(buf []byte) Error {
	if p.debugScratchSize == 0 {
		seg := vma.Segment{Start: p.debugScratch, Len: mem.PageSize * debugScratchPages, Flags: vma.FlagRead}
		task, err := p.vma.StartTryMapAt(seg)
		if code := runMapTask(task, err); code != 0 {
			return code
		}
		p.debugScratchSize = seg.Len
	}
	if len(buf) > int(p.debugScratchSize) {
		buf = buf[:p.debugScratchSize]
	}

	if err := p.mapper.MapMemCopyFromBuffer(p.debugScratch, mem.Size(len(buf)), buf); err != nil {
		return fromKernelError(err)
	}

	early.Printf("%s", buf)
	return 0
}

// Debug writes buf to the early console, truncating at the scratch
// window's size. It exists for pre-driver debugging, before a real
// console/tty device is attached.
func (p *Process) Debug(buf []byte) Error {
	return p.debugLine(buf)
}

// Dispatch routes one syscall invocation by number. a0/a1 carry the
// syscall's arguments; their meaning depends on num (see the doc comment
// of the corresponding Process method). The
// returned uintptr is the syscall's result value (0 when not meaningful).
func Dispatch(p *Process, num Number, a0, a1 uintptr) (uintptr, Error) {
	switch num {
	case SetBreak:
		return 0, p.SetBreak(mem.Size(a0))
	case MoveBreak:
		newSize, code := p.MoveBreak(int64(a0))
		return uintptr(newSize), code
	case MapMem:
		addr, code := p.MapMem(mem.Size(a0), vma.SegmentFlags(a1))
		return addr, code
	case UnmapMem:
		return 0, p.UnmapMem(a0)
	case Debug:
		return 0, p.Debug(bufferAt(a0, a1))
	default:
		return 0, UnknownSyscall
	}
}
