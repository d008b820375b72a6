package upm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
)

// TaskStatus reports whether a rewindable bulk task has finished or needs
// to be resumed by calling Run again.
type TaskStatus int

const (
	// TaskPending means should_suspend asked the task to yield; call Run
	// again with the same task to resume from exactly where it left off.
	TaskPending TaskStatus = iota
	// TaskDone means the task ran to completion (successfully or, for a
	// MapMemTask, after a full rewind).
	TaskDone
)

type mapMemState int

const (
	stateMapping mapMemState = iota
	stateFailRewinding
)

// MapMemTask maps num_pages consecutive pages starting at startAddress,
// page by page, honoring a should_suspend poll between every page. If a
// page mapping fails with OutOfMemory partway through, the task switches
// into a rewinding state that walks backward over every page it mapped,
// freeing them, before reporting failure. PagesUsed returns 0 once a
// rewind completes.
type MapMemTask struct {
	startAddress   uintptr
	currentAddress uintptr
	pagesLeft      uint64
	pagesUsed      uint64
	flags          paging.EntryFlag
	state          mapMemState
}

// NewMapMemTask creates a task that will map numPages pages starting at
// startAddress with the given permission flags.
func NewMapMemTask(startAddress uintptr, numPages uint64, flags paging.EntryFlag) *MapMemTask {
	return &MapMemTask{
		startAddress:   startAddress,
		currentAddress: startAddress,
		pagesLeft:      numPages,
		flags:          flags,
		state:          stateMapping,
	}
}

// StartAddress returns the first virtual address this task maps.
func (t *MapMemTask) StartAddress() uintptr { return t.startAddress }

// PagesUsed returns the number of frames reserved so far by this task.
func (t *MapMemTask) PagesUsed() uint64 { return t.pagesUsed }

// Run drives the task forward one page at a time until it completes or
// shouldSuspend returns true. On success it returns (TaskDone, nil). On a
// completed rewind it returns (TaskDone, err) where err carries the
// OutOfMemory kind; by then pagesUsed is guaranteed to be 0.
func (t *MapMemTask) Run(mapper *Mapper, shouldSuspend func() bool) (TaskStatus, *kernel.Error) {
	for {
		if shouldSuspend() {
			return TaskPending, nil
		}

		switch t.state {
		case stateMapping:
			pageAddress := t.currentAddress
			err := mapper.MapBlankPage(pageAddress, t.flags, &t.pagesUsed)
			if err != nil {
				if err.Is(kernel.KindPageAlreadyExists) {
					kernel.Panic("upm: MapMemTask found an existing page inside a range the VMA tree had proven empty")
				}
				t.currentAddress = pageAddress
				t.state = stateFailRewinding
				continue
			}

			t.currentAddress = pageAddress + uintptr(mem.PageSize)
			t.pagesLeft--
			if t.pagesLeft == 0 {
				return TaskDone, nil
			}

		case stateFailRewinding:
			pageAddress := t.currentAddress
			prevAddress := pageAddress - uintptr(mem.PageSize)
			depth := paging.Levels - 1
			if pageAddress != t.startAddress {
				depth = paging.CheckDepthForward(pageAddress, prevAddress)
			}

			freed := mapper.UnmapPage(pageAddress, depth)
			t.pagesUsed -= uint64(freed)
			t.currentAddress = prevAddress

			if pageAddress == t.startAddress {
				return TaskDone, errOutOfMemory
			}
		}
	}
}

// UnmapMemTask walks forward through numPages pages starting at
// startAddress, unmapping each one and accumulating the total number of
// frames freed, honoring a should_suspend poll between every page.
type UnmapMemTask struct {
	currentAddress uintptr
	pagesLeft      uint64
	pagesFreed     uint64
}

// NewUnmapMemTask creates a task that will unmap numPages pages starting
// at startAddress.
func NewUnmapMemTask(startAddress uintptr, numPages uint64) *UnmapMemTask {
	return &UnmapMemTask{currentAddress: startAddress, pagesLeft: numPages}
}

// Run drives the task forward one page at a time until it completes or
// shouldSuspend returns true. On success it returns (TaskDone, total pages
// freed).
func (t *UnmapMemTask) Run(mapper *Mapper, shouldSuspend func() bool) (TaskStatus, uint64) {
	for {
		if shouldSuspend() {
			return TaskPending, t.pagesFreed
		}

		pageAddress := t.currentAddress
		nextAddress := pageAddress + uintptr(mem.PageSize)

		// pagesLeft counts this page plus everything after it; a value of 1
		// means this is the last page the task will touch, so there is no
		// "next" mapping in this range left to preserve sharing for.
		depth := paging.Levels - 1
		if t.pagesLeft > 1 {
			depth = paging.CheckDepthForward(pageAddress, nextAddress)
		}

		t.pagesFreed += uint64(mapper.UnmapPage(pageAddress, depth))
		t.currentAddress = nextAddress
		t.pagesLeft--

		if t.pagesLeft == 0 {
			return TaskDone, t.pagesFreed
		}
	}
}
