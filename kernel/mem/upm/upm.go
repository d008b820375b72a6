// Package upm implements the user page mapper: a per-process PML4 whose
// upper half aliases the kernel's page tables and whose lower half is
// privately owned, plus the rewindable bulk map/unmap tasks the VMA
// allocator drives.
package upm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
)

var (
	errPageAlreadyExists = &kernel.Error{Module: "upm", Message: "a mapping already exists for this address", Kind: kernel.KindPageAlreadyExists}
	errOutOfMemory       = &kernel.Error{Module: "upm", Message: "out of physical memory while mapping user pages", Kind: kernel.KindOutOfMemory}

	// tableAtFn and pageBytesFn isolate the points where this package
	// dereferences a raw physical address as real memory; tests override
	// them the same way the pmm package's own tableAtFn is overridden.
	tableAtFn   = paging.TableAt
	pageBytesFn = paging.PageBytes
)

// parentFlags are installed on every non-leaf table this package creates:
// user mappings are always readable, writable and executable at every
// level above the leaf, with the leaf's own flags doing the restricting.
const parentFlags = paging.FlagPresent | paging.FlagRW | paging.FlagUser

// FrameAllocator is the subset of the physical page allocator the user page
// mapper depends on. Satisfied by *pmm.BitmapAllocator.
type FrameAllocator interface {
	ReserveAny() (pmm.Frame, *kernel.Error)
	Free(pmm.Frame)
}

// Mapper owns a per-process PML4. Its upper half (kernel indices 256-511)
// is a snapshot of the kernel PML4 taken at construction time; its lower
// half (indices 0-255) is privately owned and freed on Release.
type Mapper struct {
	ppa  FrameAllocator
	pml4 pmm.Frame
}

// New reserves a fresh PML4 frame, clears its lower half and copies the
// kernel PML4's upper half into it verbatim.
func New(ppa FrameAllocator, kernelPML4Phys uintptr) (*Mapper, *kernel.Error) {
	frame, err := ppa.ReserveAny()
	if err != nil {
		return nil, errOutOfMemory
	}

	table := tableAtFn(frame.Address())
	for i := 0; i < 256; i++ {
		table[i] = 0
	}

	kernelTable := tableAtFn(kernelPML4Phys)
	copy(table[256:512], kernelTable[256:512])

	return &Mapper{ppa: ppa, pml4: frame}, nil
}

// PML4Address returns the physical address to load into the page-table
// base register to activate this address space.
func (m *Mapper) PML4Address() uintptr { return m.pml4.Address() }

// MapBlankPage maps a single fresh, zeroed page at virt (aligned down to
// the nearest page boundary), creating any missing parent tables along the
// way. Parent tables are always installed read/write/execute; the leaf
// gets the present/user bits plus whatever of write/no-execute flags is
// set. pagesUsed, if non-nil, is incremented for every frame this call
// reserves (parent or leaf) and decremented again for every frame freed
// during a rewind, so a caller can track a task's total allocation across
// many calls.
func (m *Mapper) MapBlankPage(virt uintptr, flags paging.EntryFlag, pagesUsed *uint64) *kernel.Error {
	childFlags := (flags & (paging.FlagPresent | paging.FlagRW | paging.FlagUser | paging.FlagNoExecute)) | paging.FlagPresent | paging.FlagUser

	// createdParent tracks a parent entry this call installed, so a rewind
	// can zero the entry before freeing its frame: freeing the frame
	// without clearing the entry that points at it would leave a
	// present entry aimed at a frame some unrelated caller now owns.
	type createdParent struct {
		entry *paging.Entry
		frame pmm.Frame
	}
	var createdParents [paging.Levels - 1]createdParent
	createdCount := 0

	rewind := func() {
		for i := 0; i < createdCount; i++ {
			*createdParents[i].entry = 0
			m.ppa.Free(createdParents[i].frame)
			if pagesUsed != nil {
				*pagesUsed--
			}
		}
	}

	table := tableAtFn(m.pml4.Address())
	for level := 0; level < paging.Levels; level++ {
		idx := paging.Index(level, virt)
		entry := &table[idx]

		if entry.HasFlags(paging.FlagHuge) {
			kernel.Panic("upm: encountered a huge page entry while mapping a blank page")
		}

		if level == paging.Levels-1 {
			if entry.HasFlags(paging.FlagPresent) {
				return errPageAlreadyExists
			}
			frame, ferr := m.ppa.ReserveAny()
			if ferr != nil {
				rewind()
				return errOutOfMemory
			}
			if pagesUsed != nil {
				*pagesUsed++
			}
			*entry = 0
			entry.SetFrameAddress(frame.Address())
			entry.SetFlags(childFlags)
			return nil
		}

		if !entry.HasFlags(paging.FlagPresent) {
			frame, ferr := m.ppa.ReserveAny()
			if ferr != nil {
				rewind()
				return errOutOfMemory
			}
			if pagesUsed != nil {
				*pagesUsed++
			}
			*entry = 0
			entry.SetFrameAddress(frame.Address())
			entry.SetFlags(parentFlags)
			createdParents[createdCount] = createdParent{entry: entry, frame: frame}
			createdCount++
		}

		table = tableAtFn(entry.FrameAddress())
	}

	return nil
}

// UnmapPage walks PML4 down to the leaf for virt and, if present, frees the
// backing frame. It then walks back up for at most freeTableCheckDepth
// additional levels, freeing each level's now-childless table, stopping
// the first time a level's table still holds a non-zero entry. A level's
// entry is always freed before that level's own table is checked for
// emptiness — this loop deliberately mirrors that exact ordering rather
// than checking first, since callers may depend on it.
func (m *Mapper) UnmapPage(virt uintptr, freeTableCheckDepth int) int {
	virt &^= uintptr(mem.PageSize - 1)

	var tablePhys [paging.Levels]uintptr
	var indices [paging.Levels]int

	phys := m.pml4.Address()
	for level := 0; level < paging.Levels; level++ {
		idx := paging.Index(level, virt)
		indices[level] = idx
		tablePhys[level] = phys

		table := tableAtFn(phys)
		entry := &table[idx]
		if entry.HasFlags(paging.FlagHuge) {
			kernel.Panic("upm: encountered a huge page entry during unmap")
		}
		if !entry.HasFlags(paging.FlagPresent) {
			return 0
		}
		phys = entry.FrameAddress()
	}

	pagesFreed := 0
	tablesChecked := 0
	for level := paging.Levels - 1; level >= 0; level-- {
		table := tableAtFn(tablePhys[level])
		idx := indices[level]

		m.ppa.Free(pmm.Frame(table[idx].FrameAddress() >> mem.PageShift))
		table[idx] = 0
		pagesFreed++

		if tablesChecked >= freeTableCheckDepth {
			break
		}

		empty := true
		for i := range table {
			if table[i] != 0 {
				empty = false
				break
			}
		}
		tablesChecked++
		if !empty {
			break
		}
	}

	return pagesFreed
}

// MapMemCopyFromBuffer maps the pages spanning [virt, virt+size), creating
// parent tables as read/write/execute and leaves as read-only, and fills
// them with buffer's contents (zero-padding past the buffer's length).
// Reservation failures leave the partially mapped pages in place; the
// caller is expected to discard the whole address space rather than
// attempt to unwind this call.
func (m *Mapper) MapMemCopyFromBuffer(virt uintptr, size mem.Size, buffer []byte) *kernel.Error {
	const leafFlags = paging.FlagPresent | paging.FlagUser

	const pageSize = int(mem.PageSize)

	lower := virt &^ uintptr(pageSize-1)
	upper := (virt + uintptr(size) - 1) &^ uintptr(pageSize-1)
	numPages := int((upper-lower)>>mem.PageShift) + 1

	startOffset := int(virt & uintptr(pageSize-1))
	written := 0

	for p := 0; p < numPages; p++ {
		pageVirt := virt + uintptr(p)<<mem.PageShift
		table := tableAtFn(m.pml4.Address())

		var leaf *paging.Entry
		for level := 0; level < paging.Levels; level++ {
			idx := paging.Index(level, pageVirt)
			entry := &table[idx]

			if !entry.HasFlags(paging.FlagPresent) {
				frame, err := m.ppa.ReserveAny()
				if err != nil {
					return errOutOfMemory
				}
				*entry = 0
				entry.SetFrameAddress(frame.Address())
				if level == paging.Levels-1 {
					entry.SetFlags(leafFlags)
				} else {
					entry.SetFlags(parentFlags)
				}
			}

			if level == paging.Levels-1 {
				leaf = entry
				break
			}
			table = tableAtFn(entry.FrameAddress())
		}

		pageBuf := pageBytesFn(leaf.FrameAddress())
		dataToWrite := len(buffer) - written
		if max := pageSize - startOffset; dataToWrite > max {
			dataToWrite = max
		}
		if dataToWrite < 0 {
			dataToWrite = 0
		}
		copy(pageBuf[startOffset:], buffer[written:written+dataToWrite])
		for i := startOffset + dataToWrite; i < pageSize; i++ {
			pageBuf[i] = 0
		}

		written += dataToWrite
		startOffset = 0
	}

	return nil
}

// ChangeFlags overwrites the permission bits (write, user, no-execute) of
// every leaf entry spanning [virt, virt+size) with flags, leaving the
// address and every parent table untouched. Pages not yet present are
// skipped.
func (m *Mapper) ChangeFlags(virt uintptr, size mem.Size, flags paging.EntryFlag) {
	m.walkLeaves(virt, size, func(entry *paging.Entry) {
		entry.ReplaceFlags(paging.FlagPresent | flags)
	})
}

// ChangeFlagsRelaxing widens (never narrows) the permission bits of every
// leaf entry spanning [virt, virt+size): present/write/user are OR-ed in,
// and no-execute is cleared if flags does not request it. Pages not yet
// present are skipped.
func (m *Mapper) ChangeFlagsRelaxing(virt uintptr, size mem.Size, flags paging.EntryFlag) {
	widen := paging.FlagPresent | (flags & (paging.FlagRW | paging.FlagUser))
	clearNX := flags&paging.FlagNoExecute == 0

	m.walkLeaves(virt, size, func(entry *paging.Entry) {
		entry.SetFlags(widen)
		if clearNX {
			entry.ClearFlags(paging.FlagNoExecute)
		}
	})
}

func (m *Mapper) walkLeaves(virt uintptr, size mem.Size, fn func(*paging.Entry)) {
	lower := virt &^ uintptr(mem.PageSize-1)
	upper := (virt + uintptr(size) - 1) &^ uintptr(mem.PageSize-1)
	numPages := (upper-lower)>>mem.PageShift + 1

	for p := uintptr(0); p < numPages; p++ {
		pageVirt := lower + p<<mem.PageShift
		table := tableAtFn(m.pml4.Address())

		var leaf *paging.Entry
		for level := 0; level < paging.Levels; level++ {
			idx := paging.Index(level, pageVirt)
			entry := &table[idx]
			if entry.HasFlags(paging.FlagHuge) {
				kernel.Panic("upm: encountered a huge page entry while changing flags")
			}
			if !entry.HasFlags(paging.FlagPresent) {
				leaf = nil
				break
			}
			if level == paging.Levels-1 {
				leaf = entry
				break
			}
			table = tableAtFn(entry.FrameAddress())
		}

		if leaf != nil {
			fn(leaf)
		}
	}
}

// Release recursively frees every reserved frame reachable from the lower
// half of the PML4, then frees the PML4 frame itself. The upper (kernel)
// half is never touched.
func (m *Mapper) Release() {
	table := tableAtFn(m.pml4.Address())
	for i := 0; i < 256; i++ {
		if table[i].HasFlags(paging.FlagPresent) {
			m.freeSubtree(table[i], 0)
		}
	}
	m.ppa.Free(m.pml4)
}

func (m *Mapper) freeSubtree(entry paging.Entry, level int) {
	if entry.HasFlags(paging.FlagHuge) {
		kernel.Panic("upm: encountered a huge page entry while releasing an address space")
	}

	if level < paging.Levels-1 {
		table := tableAtFn(entry.FrameAddress())
		for i := range table {
			if table[i].HasFlags(paging.FlagPresent) {
				m.freeSubtree(table[i], level+1)
			}
		}
	}

	m.ppa.Free(pmm.Frame(entry.FrameAddress() >> mem.PageShift))
}
