package paging

import "unsafe"

// Levels is the depth of x86_64 paging: PML4, PDPT, PD, PT.
const Levels = 4

// HighestUserAddress is the largest virtual address a lower-half (user)
// mapping may occupy.
const HighestUserAddress = uintptr(0x0000_7FFF_FFFF_FFFF)

// LevelMasks holds, for each paging level (0 = PML4 .. 3 = PT), the bitmask
// that isolates that level's 9-bit index field out of a virtual address.
// These values are intrinsic to x86_64 paging and must match exactly.
var LevelMasks = [Levels]uintptr{
	0xFF80_0000_0000,
	0x007F_C000_0000,
	0x0000_3FE0_0000,
	0x0000_001F_F000,
}

// LevelShifts holds the shift amount needed to turn LevelMasks[i]&addr into
// a plain 0-511 index.
var LevelShifts = [Levels]uint{39, 30, 21, 12}

// Index extracts the page-table index for the given level (0 = PML4) out of
// a virtual address.
func Index(level int, virtAddr uintptr) int {
	return int((virtAddr & LevelMasks[level]) >> LevelShifts[level])
}

// Table is a single page table: 512 64-bit entries occupying exactly one
// physical frame.
type Table [512]Entry

// TableAt reinterprets a physical address as a page table. This kernel
// keeps all physical memory identity-mapped (a prerequisite the boot
// handoff guarantees — see boothandoff), so a physical address can be
// dereferenced directly without a temporary mapping step.
func TableAt(physAddr uintptr) *Table {
	return (*Table)(unsafe.Pointer(physAddr))
}

// PageBytes reinterprets a physical frame address as its raw 4 KiB
// contents, for callers (map_mem_copy_from_buffer) that need to write data
// into a freshly mapped leaf frame rather than walk it as a table.
func PageBytes(physAddr uintptr) *[4096]byte {
	return (*[4096]byte)(unsafe.Pointer(physAddr))
}

// checkDepthFromAddresses computes the "free_table_check_depth" used by
// unmap_page / UnmapMemTask: (Levels-1) minus the shallowest level whose
// index differs between two consecutive virtual addresses, i.e. one less
// than the number of trailing levels (counting from the PT upward) whose
// index differs. Addresses that differ only in their PT index give 0, so
// only the leaf is freed; tables whose index is unchanged for the next
// address still hold that address's entries and are never re-examined.
func checkDepthFromAddresses(a, b uintptr) int {
	depth := 0
	for level := Levels - 1; level >= 0; level-- {
		if Index(level, a) != Index(level, b) {
			depth = Levels - 1 - level
		}
	}
	return depth
}

// CheckDepthForward returns the free_table_check_depth to use when
// unmapping prevAddr, given that nextAddr is the page the same walk will
// unmap right after it (the next page up in UnmapMemTask, the next page
// down in MapMemTask's rewind). Equal addresses give the full depth (3).
func CheckDepthForward(prevAddr, nextAddr uintptr) int {
	if prevAddr == nextAddr {
		return Levels - 1
	}
	return checkDepthFromAddresses(prevAddr, nextAddr)
}
