package vma

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/upm"
	vmasync "nyxkernel/kernel/sync"
)

var errInvalidArgument = &kernel.Error{Module: "vma", Message: "segment start/length must be page-aligned and fit below the highest user address", Kind: kernel.KindInvalidArgument}

// Segment describes a range a caller wants mapped or has mapped.
type Segment struct {
	Start uintptr
	Len   mem.Size
	Flags SegmentFlags
}

func toEntryFlags(flags SegmentFlags) paging.EntryFlag {
	out := paging.FlagUser
	if flags&FlagWrite != 0 {
		out |= paging.FlagRW
	}
	if flags&FlagExecute == 0 {
		out |= paging.FlagNoExecute
	}
	return out
}

// Allocator owns one VMA tree and the user page mapper it drives. One
// Allocator exists per process; its mutex is the only thing protecting
// both the tree and (indirectly, since the UPM is never shared) the
// process's page tables.
type Allocator struct {
	mu     vmasync.Spinlock
	mapper *upm.Mapper
	tree   *Tree
}

// New builds a fresh Allocator: an empty VMA tree (a single Empty leaf
// spanning the whole user address range) driving the given mapper.
func New(ppa FrameAllocator, mapper *upm.Mapper) (*Allocator, *kernel.Error) {
	storage, err := NewNodeStorage(ppa)
	if err != nil {
		return nil, err
	}
	tree, err := NewTree(storage)
	if err != nil {
		return nil, err
	}
	return &Allocator{mapper: mapper, tree: tree}, nil
}

// GetLeafContaining answers which segment owns addr.
func (a *Allocator) GetLeafContaining(addr uintptr) Leaf {
	a.mu.Acquire()
	defer a.mu.Release()
	return a.tree.getLeafContaining(addr)
}

// MaxEmptyAreaSize reports the size of the single largest gap in the tree.
func (a *Allocator) MaxEmptyAreaSize() mem.Size {
	a.mu.Acquire()
	defer a.mu.Release()
	return a.tree.MaxEmptyAreaSize()
}

func validateSegment(seg Segment) *kernel.Error {
	if uintptr(seg.Start)%uintptr(mem.PageSize) != 0 || uintptr(seg.Len)%uintptr(mem.PageSize) != 0 || seg.Len == 0 {
		return errInvalidArgument
	}
	if seg.Start+uintptr(seg.Len)-1 > paging.HighestUserAddress {
		return errInvalidArgument
	}
	return nil
}

// StartTryMapAt reserves seg as a locked Used leaf and returns a MapTask
// that, when run to completion, actually populates the page tables. It
// fails SegmentAlreadyExists without touching the tree if seg overlaps an
// existing Used segment or runs past the end of the Empty leaf it starts
// in.
func (a *Allocator) StartTryMapAt(seg Segment) (*MapTask, *kernel.Error) {
	if err := validateSegment(seg); err != nil {
		return nil, err
	}

	a.mu.Acquire()
	defer a.mu.Release()

	if err := a.tree.insert(seg.Start, seg.Len, seg.Flags); err != nil {
		return nil, err
	}
	if _, err := a.tree.lock(seg.Start); err != nil {
		kernel.Panic("vma: failed to lock a segment this call just inserted")
	}

	return a.newMapTask(seg), nil
}

// StartForceMapAt behaves like StartTryMapAt but first tears down whatever
// already occupies seg's exact range instead of failing
// SegmentAlreadyExists, for placing a process's initial image at a fixed
// address. It only handles the common case of seg falling entirely inside
// a single existing leaf; see the design notes for why that is sufficient
// here.
func (a *Allocator) StartForceMapAt(seg Segment) (*MapTask, *kernel.Error) {
	if err := validateSegment(seg); err != nil {
		return nil, err
	}

	a.mu.Acquire()
	existing := a.tree.getLeafContaining(seg.Start)
	a.mu.Release()

	if existing.Kind == leafUsed {
		unmapTask, err := a.StartUnmap(existing.Start)
		if err != nil {
			return nil, err
		}
		neverSuspend := func() bool { return false }
		if status, _ := unmapTask.Run(neverSuspend); status != upm.TaskDone {
			kernel.Panic("vma: StartForceMapAt's synchronous teardown did not run to completion")
		}
	}

	return a.StartTryMapAt(seg)
}

// StartFindMap locates the lowest address with room for size bytes via the
// max-empty-area cache and behaves like StartTryMapAt there.
func (a *Allocator) StartFindMap(size mem.Size, flags SegmentFlags) (*MapTask, *kernel.Error) {
	a.mu.Acquire()
	addr, ok := a.tree.findGap(size)
	a.mu.Release()
	if !ok {
		return nil, errOutOfPages
	}

	return a.StartTryMapAt(Segment{Start: addr, Len: size, Flags: flags})
}

func (a *Allocator) newMapTask(seg Segment) *MapTask {
	numPages := uint64(seg.Len.Pages())
	inner := upm.NewMapMemTask(seg.Start, numPages, toEntryFlags(seg.Flags))
	return &MapTask{alloc: a, segment: seg, inner: inner}
}

// StartUnmap locks the Used leaf at addr and returns an UnmapTask driving
// its removal. It fails SegmentAlreadyUnmapped if addr falls in an Empty
// leaf and SegmentLocked if another task already holds it.
func (a *Allocator) StartUnmap(addr uintptr) (*UnmapTask, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	leaf, err := a.tree.lock(addr)
	if err != nil {
		return nil, err
	}

	numPages := uint64(leaf.Size().Pages())
	return &UnmapTask{alloc: a, start: leaf.Start, inner: upm.NewUnmapMemTask(leaf.Start, numPages)}, nil
}

// MapTask drives a locked segment's page-by-page mapping to completion.
// On success it unlocks the segment in place; on OutOfMemory the inner
// mem-task has already rewound every page it mapped, so the task deletes
// the tentative Used leaf instead.
type MapTask struct {
	alloc   *Allocator
	segment Segment
	inner   *upm.MapMemTask
}

// Segment reports the segment this task is mapping (or, for
// StartFindMap, the segment the allocator chose).
func (t *MapTask) Segment() Segment { return t.segment }

// Run drives the task forward until it completes or shouldSuspend asks it
// to yield.
func (t *MapTask) Run(shouldSuspend func() bool) (upm.TaskStatus, *kernel.Error) {
	status, err := t.inner.Run(t.alloc.mapper, shouldSuspend)
	if status == upm.TaskPending {
		return upm.TaskPending, nil
	}

	t.alloc.mu.Acquire()
	defer t.alloc.mu.Release()

	if err != nil {
		t.alloc.tree.unlock(t.segment.Start)
		if delErr := t.alloc.tree.delete(t.segment.Start); delErr != nil {
			kernel.Panic("vma: failed to remove a tentative segment after a failed MapTask")
		}
		return upm.TaskDone, err
	}

	t.alloc.tree.unlock(t.segment.Start)
	return upm.TaskDone, nil
}

// UnmapTask drives a locked segment's page-by-page unmapping to
// completion, deleting its Used leaf (coalescing with neighboring Empty
// leaves) once every page has been freed.
type UnmapTask struct {
	alloc *Allocator
	start uintptr
	inner *upm.UnmapMemTask
}

// Run drives the task forward until it completes or shouldSuspend asks it
// to yield. The returned count is the number of page-table frames freed so
// far (cumulative across suspend/resume calls).
func (t *UnmapTask) Run(shouldSuspend func() bool) (upm.TaskStatus, uint64) {
	status, freed := t.inner.Run(t.alloc.mapper, shouldSuspend)
	if status == upm.TaskPending {
		return upm.TaskPending, freed
	}

	t.alloc.mu.Acquire()
	defer t.alloc.mu.Release()

	t.alloc.tree.unlock(t.start)
	if err := t.alloc.tree.delete(t.start); err != nil {
		kernel.Panic("vma: failed to delete a segment this task had already locked for unmapping")
	}
	return upm.TaskDone, freed
}
