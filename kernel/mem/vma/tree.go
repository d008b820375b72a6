package vma

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
)

var (
	errSegmentAlreadyExists    = &kernel.Error{Module: "vma", Message: "the requested range overlaps an existing segment", Kind: kernel.KindSegmentAlreadyExists}
	errSegmentAlreadyUnmapped  = &kernel.Error{Module: "vma", Message: "the address does not belong to a used segment", Kind: kernel.KindSegmentAlreadyUnmapped}
	errSegmentLocked           = &kernel.Error{Module: "vma", Message: "the segment is locked by another in-flight operation", Kind: kernel.KindSegmentLocked}
)

// Leaf describes a tree leaf the way callers observe it: the exact address
// range it owns plus its segment data.
type Leaf struct {
	ref    nodeRef
	Start  uintptr
	End    uintptr // inclusive
	Kind   leafKind
	Flags  SegmentFlags
	Locked bool
}

// IsEmpty reports whether this leaf is a free gap.
func (l Leaf) IsEmpty() bool { return l.Kind == leafEmpty }

// Size returns the number of bytes this leaf covers.
func (l Leaf) Size() mem.Size { return mem.Size(l.End-l.Start) + 1 }

// Tree is a red-black interval tree over [0, HighestUserAddress]. The
// initial state is always a single Empty leaf spanning the whole range.
type Tree struct {
	storage *NodeStorage
	root    nodeRef
}

// NewTree allocates the root leaf and returns a fresh, empty tree.
func NewTree(storage *NodeStorage) (*Tree, *kernel.Error) {
	ref, err := storage.alloc()
	if err != nil {
		return nil, err
	}
	n := storage.get(ref)
	n.kind = kindLeaf
	n.leafKind = leafEmpty
	n.size = mem.Size(paging.HighestUserAddress) + 1
	n.parent = nilRef
	return &Tree{storage: storage, root: ref}, nil
}

// GetLeafContaining returns the leaf owning addr.
func (t *Tree) GetLeafContaining(addr uintptr) Leaf {
	return t.getLeafContaining(addr)
}

func (t *Tree) getLeafContaining(addr uintptr) Leaf {
	ref := t.root
	lo := uintptr(0)
	for {
		n := t.storage.get(ref)
		if n.kind == kindLeaf {
			return Leaf{ref: ref, Start: lo, End: lo + uintptr(n.size) - 1, Kind: n.leafKind, Flags: n.flags, Locked: n.locked}
		}
		if addr < n.pivot {
			ref = n.left
		} else {
			lo = n.pivot
			ref = n.right
		}
	}
}

// MaxEmptyAreaSize returns the largest Empty leaf size anywhere in the tree.
func (t *Tree) MaxEmptyAreaSize() mem.Size {
	return t.maxEmptyOf(t.root)
}

func (t *Tree) leafMaxEmpty(n *node) mem.Size {
	if n.leafKind == leafEmpty {
		return n.size
	}
	return 0
}

func (t *Tree) maxEmptyOf(ref nodeRef) mem.Size {
	n := t.storage.get(ref)
	if n.kind == kindLeaf {
		return t.leafMaxEmpty(n)
	}
	return n.maxEmpty
}

func (t *Tree) recalcMaxEmpty(ref nodeRef) {
	n := t.storage.get(ref)
	if n.kind != kindBranch {
		return
	}
	l, r := t.maxEmptyOf(n.left), t.maxEmptyOf(n.right)
	if l > r {
		n.maxEmpty = l
	} else {
		n.maxEmpty = r
	}
}

func (t *Tree) updateMaxEmptyUp(ref nodeRef) {
	for !ref.isNil() {
		t.recalcMaxEmpty(ref)
		ref = t.storage.get(ref).parent
	}
}

func (t *Tree) colorOf(ref nodeRef) color {
	n := t.storage.get(ref)
	if n.kind == kindLeaf {
		return black
	}
	return n.color
}

func (t *Tree) setColor(ref nodeRef, c color) {
	n := t.storage.get(ref)
	if n.kind == kindLeaf {
		return
	}
	n.color = c
}

// rotateLeft and rotateRight are the standard BST rotations. They only need
// to recompute the max-empty-area cache locally on the two rotated nodes:
// rotation rearranges structure without changing which leaves live in the
// affected subtree, so every ancestor's cached aggregate remains valid.
func (t *Tree) rotateLeft(x nodeRef) {
	xn := t.storage.get(x)
	y := xn.right
	yn := t.storage.get(y)

	xn.right = yn.left
	if !yn.left.isNil() {
		t.storage.get(yn.left).parent = x
	}
	yn.parent = xn.parent
	if xn.parent.isNil() {
		t.root = y
	} else {
		p := t.storage.get(xn.parent)
		if p.left == x {
			p.left = y
		} else {
			p.right = y
		}
	}
	yn.left = x
	xn.parent = y

	t.recalcMaxEmpty(x)
	t.recalcMaxEmpty(y)
}

func (t *Tree) rotateRight(x nodeRef) {
	xn := t.storage.get(x)
	y := xn.left
	yn := t.storage.get(y)

	xn.left = yn.right
	if !yn.right.isNil() {
		t.storage.get(yn.right).parent = x
	}
	yn.parent = xn.parent
	if xn.parent.isNil() {
		t.root = y
	} else {
		p := t.storage.get(xn.parent)
		if p.left == x {
			p.left = y
		} else {
			p.right = y
		}
	}
	yn.right = x
	xn.parent = y

	t.recalcMaxEmpty(x)
	t.recalcMaxEmpty(y)
}

// replaceWithBranch splices a brand new branch node into the tree position
// currently held by oldRef, with leftChild/rightChild as its two children
// (one of which is very often oldRef itself, shrunk in place to become one
// of the two new leaves). The branch starts red, per the standard
// red-black insertion discipline; fixInsert runs afterward.
func (t *Tree) replaceWithBranch(oldRef, branchRef, leftChild, rightChild nodeRef, pivot uintptr) {
	parentRef := t.storage.get(oldRef).parent

	branch := t.storage.get(branchRef)
	*branch = node{kind: kindBranch, color: red, parent: parentRef, pivot: pivot, left: leftChild, right: rightChild}

	t.storage.get(leftChild).parent = branchRef
	t.storage.get(rightChild).parent = branchRef

	if parentRef.isNil() {
		t.root = branchRef
	} else {
		p := t.storage.get(parentRef)
		if p.left == oldRef {
			p.left = branchRef
		} else {
			p.right = branchRef
		}
	}

	t.recalcMaxEmpty(branchRef)
	t.updateMaxEmptyUp(parentRef)
}

// fixInsert restores the red-black properties after x (a freshly linked
// red branch) has been spliced into the tree. Leaves are always black, so
// an "uncle" or "sibling" that is a leaf is simply treated as black,
// without needing CLRS's sentinel nil node.
func (t *Tree) fixInsert(x nodeRef) {
	for {
		xn := t.storage.get(x)
		parentRef := xn.parent
		if parentRef.isNil() || t.colorOf(parentRef) == black {
			break
		}

		parentN := t.storage.get(parentRef)
		gpRef := parentN.parent // parent is red, so it cannot be root
		gpN := t.storage.get(gpRef)

		if parentRef == gpN.left {
			uncleRef := gpN.right
			if t.colorOf(uncleRef) == red {
				t.setColor(parentRef, black)
				t.setColor(uncleRef, black)
				t.setColor(gpRef, red)
				x = gpRef
				continue
			}
			if x == parentN.right {
				x = parentRef
				t.rotateLeft(x)
				xn = t.storage.get(x)
				parentRef = xn.parent
				parentN = t.storage.get(parentRef)
				gpRef = parentN.parent
				gpN = t.storage.get(gpRef)
			}
			t.setColor(parentRef, black)
			t.setColor(gpRef, red)
			t.rotateRight(gpRef)
		} else {
			uncleRef := gpN.left
			if t.colorOf(uncleRef) == red {
				t.setColor(parentRef, black)
				t.setColor(uncleRef, black)
				t.setColor(gpRef, red)
				x = gpRef
				continue
			}
			if x == parentN.left {
				x = parentRef
				t.rotateRight(x)
				xn = t.storage.get(x)
				parentRef = xn.parent
				parentN = t.storage.get(parentRef)
				gpRef = parentN.parent
				gpN = t.storage.get(gpRef)
			}
			t.setColor(parentRef, black)
			t.setColor(gpRef, red)
			t.rotateLeft(gpRef)
		}
		break
	}
	t.setColor(t.root, black)
}

// insert places a Used leaf of the given size and flags at startAddr,
// which must fall inside an Empty leaf covering at least
// [startAddr, startAddr+size).
func (t *Tree) insert(startAddr uintptr, size mem.Size, flags SegmentFlags) *kernel.Error {
	leaf := t.getLeafContaining(startAddr)
	endAddr := startAddr + uintptr(size) - 1
	if leaf.Kind != leafEmpty || endAddr > leaf.End {
		return errSegmentAlreadyExists
	}

	switch {
	case startAddr == leaf.Start && endAddr == leaf.End:
		n := t.storage.get(leaf.ref)
		n.leafKind = leafUsed
		n.flags = flags
		n.locked = false
		t.updateMaxEmptyUp(n.parent)
		return nil

	case endAddr == leaf.End:
		// Left-aligned: Empty(shrunk) | Used, pivot = startAddr.
		usedRef, err := t.storage.alloc()
		if err != nil {
			return err
		}
		branchRef, err := t.storage.alloc()
		if err != nil {
			t.storage.free(usedRef)
			return err
		}

		t.storage.get(leaf.ref).size = mem.Size(startAddr - leaf.Start)
		*t.storage.get(usedRef) = node{kind: kindLeaf, leafKind: leafUsed, size: size, flags: flags, parent: nilRef, left: nilRef, right: nilRef}

		t.replaceWithBranch(leaf.ref, branchRef, leaf.ref, usedRef, startAddr)
		t.fixInsert(branchRef)
		return nil

	case startAddr == leaf.Start:
		// Right-aligned: Used | Empty(shrunk), pivot = endAddr+1.
		usedRef, err := t.storage.alloc()
		if err != nil {
			return err
		}
		branchRef, err := t.storage.alloc()
		if err != nil {
			t.storage.free(usedRef)
			return err
		}

		newEmptyStart := endAddr + 1
		t.storage.get(leaf.ref).size = mem.Size(leaf.End - newEmptyStart + 1)
		*t.storage.get(usedRef) = node{kind: kindLeaf, leafKind: leafUsed, size: size, flags: flags, parent: nilRef, left: nilRef, right: nilRef}

		t.replaceWithBranch(leaf.ref, branchRef, usedRef, leaf.ref, newEmptyStart)
		t.fixInsert(branchRef)
		return nil

	default:
		// Strictly inside: split into Empty(head) | rest, then split rest
		// into Used | Empty(tail). Each step is an honest single red-leaf
		// insertion, so the standard fixup applies unmodified both times.
		restRef, err := t.storage.alloc()
		if err != nil {
			return err
		}
		outerRef, err := t.storage.alloc()
		if err != nil {
			t.storage.free(restRef)
			return err
		}

		oldEnd := leaf.End
		t.storage.get(leaf.ref).size = mem.Size(startAddr - leaf.Start)
		*t.storage.get(restRef) = node{kind: kindLeaf, leafKind: leafEmpty, size: mem.Size(oldEnd - startAddr + 1), parent: nilRef, left: nilRef, right: nilRef}

		t.replaceWithBranch(leaf.ref, outerRef, leaf.ref, restRef, startAddr)
		t.fixInsert(outerRef)

		usedRef, err := t.storage.alloc()
		if err != nil {
			return err
		}
		innerRef, err := t.storage.alloc()
		if err != nil {
			t.storage.free(usedRef)
			return err
		}

		*t.storage.get(usedRef) = node{kind: kindLeaf, leafKind: leafUsed, size: size, flags: flags, parent: nilRef, left: nilRef, right: nilRef}
		t.storage.get(restRef).size = mem.Size(oldEnd - endAddr)

		t.replaceWithBranch(restRef, innerRef, usedRef, restRef, endAddr+1)
		t.fixInsert(innerRef)
		return nil
	}
}

// fixDeleteDoubleBlack restores the red-black properties after x has taken
// over a position that lost one black ancestor (p, its former parent, was
// black and has just been spliced out by delete's coalescing walk).
func (t *Tree) fixDeleteDoubleBlack(x, xParent nodeRef) {
	for x != t.root && t.colorOf(x) == black {
		xp := t.storage.get(xParent)
		if x == xp.left {
			w := xp.right
			if t.colorOf(w) == red {
				t.setColor(w, black)
				t.setColor(xParent, red)
				t.rotateLeft(xParent)
				xp = t.storage.get(xParent)
				w = xp.right
			}
			wn := t.storage.get(w)
			if t.colorOf(wn.left) == black && t.colorOf(wn.right) == black {
				t.setColor(w, red)
				x = xParent
				xParent = t.storage.get(x).parent
				continue
			}
			if t.colorOf(wn.right) == black {
				t.setColor(wn.left, black)
				t.setColor(w, red)
				t.rotateRight(w)
				xp = t.storage.get(xParent)
				w = xp.right
				wn = t.storage.get(w)
			}
			t.setColor(w, t.colorOf(xParent))
			t.setColor(xParent, black)
			t.setColor(wn.right, black)
			t.rotateLeft(xParent)
			x = t.root
			break
		}

		w := xp.left
		if t.colorOf(w) == red {
			t.setColor(w, black)
			t.setColor(xParent, red)
			t.rotateRight(xParent)
			xp = t.storage.get(xParent)
			w = xp.left
		}
		wn := t.storage.get(w)
		if t.colorOf(wn.left) == black && t.colorOf(wn.right) == black {
			t.setColor(w, red)
			x = xParent
			xParent = t.storage.get(x).parent
			continue
		}
		if t.colorOf(wn.left) == black {
			t.setColor(wn.right, black)
			t.setColor(w, red)
			t.rotateLeft(w)
			xp = t.storage.get(xParent)
			w = xp.left
			wn = t.storage.get(w)
		}
		t.setColor(w, t.colorOf(xParent))
		t.setColor(xParent, black)
		t.setColor(wn.left, black)
		t.rotateRight(xParent)
		x = t.root
		break
	}
	t.setColor(x, black)
}

// spliceOutParent removes branch p and its leaf child cur from the tree,
// promoting p's other child x to occupy p's old slot. cur's value has
// already been folded into whichever leaf x carries; this purely performs
// the structural removal and rebalances if p was black.
func (t *Tree) spliceOutParent(p, cur, x nodeRef) {
	pn := t.storage.get(p)
	parentRef := pn.parent
	pWasBlack := t.colorOf(p) == black

	t.storage.get(x).parent = parentRef
	if parentRef.isNil() {
		t.root = x
	} else {
		gp := t.storage.get(parentRef)
		if gp.left == p {
			gp.left = x
		} else {
			gp.right = x
		}
	}

	t.storage.free(p)
	t.storage.free(cur)

	if pWasBlack {
		t.fixDeleteDoubleBlack(x, parentRef)
	}

	t.recalcMaxEmpty(x)
	t.updateMaxEmptyUp(parentRef)
}

// adjacentLeaf walks to the leaf bordering the node just absorbed: the
// minimum leaf of subtreeRoot if the absorbed node was the left child,
// otherwise the maximum leaf. ok is false unless that leaf is Empty.
func (t *Tree) adjacentLeaf(subtreeRoot nodeRef, wasLeftChild bool) (nodeRef, bool) {
	ref := subtreeRoot
	for {
		n := t.storage.get(ref)
		if n.kind == kindLeaf {
			return ref, n.leafKind == leafEmpty
		}
		if wasLeftChild {
			ref = n.left
		} else {
			ref = n.right
		}
	}
}

// delete converts the Used leaf at addr back to Empty, then repeatedly
// coalesces it with an adjacent Empty leaf (walking up through redundant
// branches) as far as the merge extends. Every branch removed during this
// walk always has the leaf just absorbed as one direct child, so the
// splice is always a simple one-child promotion; the two-child,
// successor-based case a generic red-black delete needs never arises here.
func (t *Tree) delete(addr uintptr) *kernel.Error {
	leaf := t.getLeafContaining(addr)
	if leaf.Kind != leafUsed {
		return errSegmentAlreadyUnmapped
	}
	if leaf.Locked {
		return errSegmentLocked
	}

	n := t.storage.get(leaf.ref)
	n.leafKind = leafEmpty
	n.flags = 0
	t.updateMaxEmptyUp(n.parent)

	cur := leaf.ref
	for {
		curN := t.storage.get(cur)
		parentRef := curN.parent
		if parentRef.isNil() {
			break
		}
		p := t.storage.get(parentRef)

		curWasLeft := p.left == cur
		var siblingRef nodeRef
		if curWasLeft {
			siblingRef = p.right
		} else {
			siblingRef = p.left
		}

		boundaryRef, isEmpty := t.adjacentLeaf(siblingRef, curWasLeft)
		if !isEmpty {
			break
		}

		boundaryN := t.storage.get(boundaryRef)
		boundaryN.size += curN.size
		t.updateMaxEmptyUp(boundaryN.parent)

		t.spliceOutParent(parentRef, cur, siblingRef)
		cur = boundaryRef
	}

	return nil
}

// lock marks the Used leaf at addr as locked, failing if it is Empty or
// already locked.
func (t *Tree) lock(addr uintptr) (Leaf, *kernel.Error) {
	leaf := t.getLeafContaining(addr)
	if leaf.Kind != leafUsed {
		return Leaf{}, errSegmentAlreadyUnmapped
	}
	if leaf.Locked {
		return Leaf{}, errSegmentLocked
	}
	t.storage.get(leaf.ref).locked = true
	leaf.Locked = true
	return leaf, nil
}

// unlock clears the locked flag on the Used leaf at addr.
func (t *Tree) unlock(addr uintptr) {
	leaf := t.getLeafContaining(addr)
	t.storage.get(leaf.ref).locked = false
}

// findGap descends toward the subtree most likely to hold a fitting Empty
// leaf (guided by the max-empty-area cache) and returns the lowest address
// of the first Empty leaf it finds whose size is at least want.
func (t *Tree) findGap(want mem.Size) (uintptr, bool) {
	ref := t.root
	lo := uintptr(0)
	for {
		n := t.storage.get(ref)
		if n.kind == kindLeaf {
			if n.leafKind == leafEmpty && n.size >= want {
				return lo, true
			}
			return 0, false
		}
		if t.maxEmptyOf(n.left) >= want {
			ref = n.left
			continue
		}
		if t.maxEmptyOf(n.right) >= want {
			lo = n.pivot
			ref = n.right
			continue
		}
		return 0, false
	}
}
