package paging

import (
	"lmboot/kernel"
	"lmboot/kernel/mm"
	"unsafe"
)

const (
	// pageLevels indicates the number of page levels supported by the amd64
	// architecture.
	pageLevels = 4

	// EntriesPerTable is the number of entries in a table of any level.
	EntriesPerTable = 1 << pageLevelBits

	// pageLevelBits is the number of virtual address bits that index a
	// table at each level.
	pageLevelBits = 9

	// TablePoolSize is the number of tables that BootTables can hand out.
	// A 4K-granular mapping of a 2M image in both windows uses 7 of them.
	TablePoolSize = 16
)

var (
	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address, from the root table down.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// ErrTablePoolExhausted is returned when a mapping needs more tables
	// than the pool holds.
	ErrTablePoolExhausted = &kernel.Error{Module: "paging", Message: "image does not fit the boot table pool"}
)

// PML4 is the root table.
type PML4 [EntriesPerTable]PML4E

// PDPT is a level-3 table.
type PDPT [EntriesPerTable]PDPTE

// PD is a level-2 table.
type PD [EntriesPerTable]PDE

// PT is a level-1 table.
type PT [EntriesPerTable]PTE

// Every table occupies exactly one page and every entry is 64 bits wide:
// referencing entries store table addresses with the low 12 bits dropped.
var (
	_ [mm.PageSize]byte = [unsafe.Sizeof(PML4{})]byte{}
	_ [mm.PageSize]byte = [unsafe.Sizeof(PDPT{})]byte{}
	_ [mm.PageSize]byte = [unsafe.Sizeof(PD{})]byte{}
	_ [mm.PageSize]byte = [unsafe.Sizeof(PT{})]byte{}
	_ [1 << mm.EntryShift]byte = [unsafe.Sizeof(PTE(0))]byte{}
)

// The large-page PAT bit, the reserved ranges and NX must never overlap the
// address field they share an entry with.
var (
	_ [0]struct{} = [uint64(flagPATLarge) & addrMask2M]struct{}{}
	_ [0]struct{} = [uint64(flagPATLarge) & addrMask1G]struct{}{}
	_ [0]struct{} = [reservedLeaf1G & addrMask1G]struct{}{}
	_ [0]struct{} = [reservedLeaf2M & addrMask2M]struct{}{}
	_ [0]struct{} = [uint64(FlagNoExecute) & addrMask4K]struct{}{}
)

// BootTables owns every paging structure built by the init stage. It must
// live in static storage: the pool is carved into 4K-aligned tables whose
// physical addresses end up in the entries and in CR3.
type BootTables struct {
	// pool holds TablePoolSize tables plus one page of slack because the
	// Go linker cannot align a variable to a page boundary.
	pool [(TablePoolSize + 1) * mm.PageSize]byte

	// alignOff is the offset of the first page-aligned byte in pool.
	alignOff uintptr

	// physBase is the physical address of the first aligned table.
	physBase uint64

	used int
}

// reset clears the pool and pins the aligned tables to physical addresses.
// A zero poolPhysAddr derives the address from the pool's location.
func (bt *BootTables) reset(poolPhysAddr, physOffset uint64) {
	addr := uintptr(unsafe.Pointer(&bt.pool[0]))
	bt.alignOff = (mm.PageSize - addr&(mm.PageSize-1)) & (mm.PageSize - 1)
	bt.used = 0

	bt.physBase = poolPhysAddr
	if bt.physBase == 0 {
		bt.physBase = uint64(addr+bt.alignOff) - physOffset
	}

	kernel.Memset(addr, 0, uintptr(len(bt.pool)))
}

// tablePtr returns a pointer to the index-th table of the pool.
func (bt *BootTables) tablePtr(index int) unsafe.Pointer {
	return unsafe.Pointer(&bt.pool[bt.alignOff+uintptr(index)*mm.PageSize])
}

// tablePhys returns the physical address of the index-th table of the pool.
func (bt *BootTables) tablePhys(index int) uint64 {
	return bt.physBase + uint64(index)*mm.PageSize
}

// lookup maps a physical table address back to the pool. The root table is
// always resolvable so that an unbuilt BootTables walks as empty.
func (bt *BootTables) lookup(phys uint64) unsafe.Pointer {
	limit := bt.used
	if limit == 0 {
		limit = 1
	}

	if phys < bt.physBase || !mm.IsAligned(phys-bt.physBase, mm.PageSize) {
		return nil
	}

	if index := (phys - bt.physBase) >> mm.PageShift; index < uint64(limit) {
		return bt.tablePtr(int(index))
	}
	return nil
}

// alloc hands out the next cleared table of the pool.
func (bt *BootTables) alloc() (int, *kernel.Error) {
	if bt.used == TablePoolSize {
		return 0, ErrTablePoolExhausted
	}

	bt.used++
	return bt.used - 1, nil
}

// Root returns the physical address of the root table; this is the value
// loaded into CR3.
func (bt *BootTables) Root() uint64 {
	return bt.physBase
}

// TablesUsed returns the number of pool tables populated by Build.
func (bt *BootTables) TablesUsed() int {
	return bt.used
}

// pml4 returns the root table.
func (bt *BootTables) pml4() *PML4 {
	return (*PML4)(bt.tablePtr(0))
}

// Bytes returns the raw contents of the populated tables, root first.
func (bt *BootTables) Bytes() []byte {
	return bt.pool[bt.alignOff : bt.alignOff+uintptr(bt.used)*mm.PageSize]
}
