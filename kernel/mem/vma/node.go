// Package vma implements the virtual-memory-area allocator: a red-black
// interval tree over a process's user address space, distinguishing empty
// gaps from used segments, backed by paged node storage, driving the
// suspendable map/unmap tasks the user page mapper exposes.
package vma

import (
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pmm"
)

// color applies to branch nodes only; leaves have no stored color and are
// always treated as black, the way an external nil node is in a classic
// red-black tree. This lets every branch child be either a leaf or another
// branch without needing a sentinel nil node anywhere.
type color uint8

const (
	red color = iota
	black
)

type kind uint8

const (
	kindBranch kind = iota
	kindLeaf
)

// leafKind distinguishes a free gap from an active mapping.
type leafKind uint8

const (
	leafEmpty leafKind = iota
	leafUsed
)

// SegmentFlags describes the permissions carried by a Used leaf.
type SegmentFlags uint8

// Segment permission bits.
const (
	FlagRead SegmentFlags = 1 << iota
	FlagWrite
	FlagExecute
)

// nodeRef addresses a single tree node: a flat index into the node arena's
// slab storage. The zero value is a valid reference (arena ordinal 0, slot
// 0, which is always the first node ever allocated by NewTree); nilRef uses
// a reserved out-of-range value instead to mean "no node".
type nodeRef uint32

const nilRef nodeRef = ^nodeRef(0)

func (r nodeRef) isNil() bool { return r == nilRef }

// node is a single VMA tree node. Branch fields (pivot, maxEmpty, left,
// right, color) are meaningless on a leaf; leaf fields (leafKind, size,
// flags, locked) are meaningless on a branch. parent is shared by both.
type node struct {
	kind   kind
	parent nodeRef

	// Branch fields.
	color    color
	pivot    uintptr
	maxEmpty mem.Size
	left     nodeRef
	right    nodeRef

	// Leaf fields.
	leafKind leafKind
	size     mem.Size
	flags    SegmentFlags
	locked   bool
}

// nodesPerArena and arenaBitmapBytes size one arena page (a node array plus
// its usage bitmap) to fit comfortably inside a single 4 KiB frame.
const nodesPerArena = 63
const arenaBitmapBytes = (nodesPerArena + 7) / 8

type arenaPage struct {
	nodes   [nodesPerArena]node
	bitmap  [arenaBitmapBytes]byte
	freeCnt uint32
}

// arenaPageAtFn reinterprets a physical frame as an arena page. Overridden
// by tests the same way paging.TableAt is overridden elsewhere, since a
// hosted test binary has no identity-mapped physical address space.
var arenaPageAtFn = func(physAddr uintptr) *arenaPage {
	return (*arenaPage)(unsafe.Pointer(physAddr))
}

func initArenaPage(p *arenaPage) {
	for i := range p.bitmap {
		p.bitmap[i] = 0
	}
	p.freeCnt = nodesPerArena
}

func (p *arenaPage) findFreeSlot() (int, bool) {
	for i := 0; i < arenaBitmapBytes; i++ {
		if p.bitmap[i] == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			slot := i*8 + bit
			if slot >= nodesPerArena {
				break
			}
			mask := byte(0x80 >> uint(bit))
			if p.bitmap[i]&mask == 0 {
				return slot, true
			}
		}
	}
	return 0, false
}

func (p *arenaPage) markUsed(slot int) {
	p.bitmap[slot/8] |= 0x80 >> uint(slot%8)
	p.freeCnt--
}

func (p *arenaPage) markFree(slot int) {
	p.bitmap[slot/8] &^= 0x80 >> uint(slot%8)
	p.freeCnt++
}

// FrameAllocator is the subset of the physical page allocator the node
// arena depends on. Satisfied by *pmm.BitmapAllocator.
type FrameAllocator interface {
	ReserveAny() (pmm.Frame, *kernel.Error)
	Free(pmm.Frame)
}

// NodeStorage is the VMA tree's node allocator. Node data lives in
// fixed-size arena pages reserved from the physical page allocator one at a
// time, as needed; pages map is a flat, Go-heap-resident index (ordinal ->
// physical page address) rather than an intrusive linked list, since
// nodeRef is itself a flat index (see the arena+typed-handle redesign
// noted for this package) and the Go allocator is available for ordinary
// bookkeeping slices by the time any process address space exists. The
// node data itself, however, always lives in PPA-owned physical frames:
// only arena page 0 (the head) is guaranteed to persist for the life of
// the allocator, exactly as the fixed-count design requires.
type NodeStorage struct {
	ppa   FrameAllocator
	pages []uintptr
}

var errOutOfPages = &kernel.Error{Module: "vma", Message: "out of physical memory while growing the VMA node arena", Kind: kernel.KindOutOfPages}

// NewNodeStorage reserves the head arena page and returns a ready allocator.
func NewNodeStorage(ppa FrameAllocator) (*NodeStorage, *kernel.Error) {
	frame, err := ppa.ReserveAny()
	if err != nil {
		return nil, errOutOfPages
	}
	page := arenaPageAtFn(frame.Address())
	initArenaPage(page)
	return &NodeStorage{ppa: ppa, pages: []uintptr{frame.Address()}}, nil
}

func (s *NodeStorage) get(ref nodeRef) *node {
	ordinal := int(ref) / nodesPerArena
	slot := int(ref) % nodesPerArena
	return &arenaPageAtFn(s.pages[ordinal]).nodes[slot]
}

// alloc reserves a fresh node slot, first-fit across existing arena pages,
// growing the arena by one page if every existing page is full.
func (s *NodeStorage) alloc() (nodeRef, *kernel.Error) {
	for ordinal, addr := range s.pages {
		if addr == 0 && ordinal != 0 {
			continue
		}
		page := arenaPageAtFn(addr)
		if slot, ok := page.findFreeSlot(); ok {
			page.markUsed(slot)
			ref := nodeRef(ordinal*nodesPerArena + slot)
			*s.get(ref) = node{parent: nilRef, left: nilRef, right: nilRef}
			return ref, nil
		}
	}

	frame, err := s.ppa.ReserveAny()
	if err != nil {
		return nilRef, errOutOfPages
	}
	addr := frame.Address()
	page := arenaPageAtFn(addr)
	initArenaPage(page)
	page.markUsed(0)

	ordinal := -1
	for i, a := range s.pages {
		if a == 0 && i != 0 {
			s.pages[i] = addr
			ordinal = i
			break
		}
	}
	if ordinal == -1 {
		s.pages = append(s.pages, addr)
		ordinal = len(s.pages) - 1
	}

	ref := nodeRef(ordinal*nodesPerArena + 0)
	*s.get(ref) = node{parent: nilRef, left: nilRef, right: nilRef}
	return ref, nil
}

// free releases a node slot. If that empties a non-head arena page, the
// page's backing frame is returned to the allocator.
func (s *NodeStorage) free(ref nodeRef) {
	ordinal := int(ref) / nodesPerArena
	slot := int(ref) % nodesPerArena
	addr := s.pages[ordinal]
	page := arenaPageAtFn(addr)

	page.markFree(slot)
	page.nodes[slot] = node{}

	if page.freeCnt == nodesPerArena && ordinal != 0 {
		s.ppa.Free(pmm.Frame(addr >> mem.PageShift))
		s.pages[ordinal] = 0
	}
}
