package paging

import (
	"lmboot/kernel"
	"lmboot/kernel/mm"
)

// RegionKind identifies a section class of the boot image.
type RegionKind uint8

const (
	// RegionText holds executable code; it is the only executable region.
	RegionText RegionKind = iota

	// RegionROData holds read-only data.
	RegionROData

	// RegionData holds initialized writable data.
	RegionData

	// RegionBSS holds zero-initialized writable data.
	RegionBSS

	// RegionCount is the number of region classes.
	RegionCount
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionText:
		return "text"
	case RegionROData:
		return "rodata"
	case RegionData:
		return "data"
	case RegionBSS:
		return "bss"
	default:
		return "unknown"
	}
}

// attrs returns the leaf protection for a region class.
func (k RegionKind) attrs() Attrs {
	return Attrs{
		Writable:  k == RegionData || k == RegionBSS,
		NoExecute: k != RegionText,
		Global:    true,
	}
}

// Region is a physical address range of the boot image.
type Region struct {
	Base uint64
	Size uint64
}

// Layout describes the physical placement of the boot image sections.
type Layout struct {
	// LoadAddr is the physical address the image was loaded at. No region
	// may start below it.
	LoadAddr uint64

	// Regions is indexed by RegionKind. Zero-sized regions are skipped.
	Regions [RegionCount]Region
}

// HighHalf selects the virtual window where the kernel is permanently
// mapped.
type HighHalf uint8

const (
	// HighHalfTop places the window in the last GiB of the address space
	// (root slot 511, PDPT slot 511).
	HighHalfTop HighHalf = iota

	// HighHalfMid places the window at the start of the upper canonical
	// half (root slot 256).
	HighHalfMid
)

const (
	// HighHalfTopBase is the virtual address of physical address 0 in the
	// HighHalfTop window.
	HighHalfTopBase = uint64(0xffffffffc0000000)

	// HighHalfMidBase is the virtual address of physical address 0 in the
	// HighHalfMid window.
	HighHalfMidBase = uint64(0xffff800000000000)

	// identityLimit is the first address past the lower canonical half.
	identityLimit = uint64(1) << 47
)

// Base returns the virtual address at which physical address 0 appears.
func (h HighHalf) Base() uint64 {
	if h == HighHalfMid {
		return HighHalfMidBase
	}
	return HighHalfTopBase
}

// size returns the number of physical bytes that fit in the window.
func (h HighHalf) size() uint64 {
	if h == HighHalfMid {
		return uint64(1) << pageLevelShifts[0]
	}
	return mm.GiantPageSize
}

// Granule is the size of the page mapped by a leaf entry.
type Granule uint8

const (
	// Granule4K leaves are level-1 entries.
	Granule4K Granule = iota

	// Granule2M leaves are level-2 entries.
	Granule2M

	// Granule1G leaves are level-3 entries. The CPU must report PDPE1GB.
	Granule1G
)

var granuleShifts = [...]uint8{
	Granule4K: mm.PageShift,
	Granule2M: mm.HugePageShift,
	Granule1G: mm.GiantPageShift,
}

// Size returns the number of bytes mapped by a leaf of this granule.
func (g Granule) Size() uint64 {
	return uint64(1) << granuleShifts[g]
}

// String implements fmt.Stringer for Granule.
func (g Granule) String() string {
	switch g {
	case Granule2M:
		return "2M"
	case Granule1G:
		return "1G"
	default:
		return "4K"
	}
}

// Config controls how Build lays out the mappings.
type Config struct {
	// HighHalf selects the kernel window.
	HighHalf HighHalf

	// MaxGranule is the largest leaf Build may use.
	MaxGranule Granule

	// MapLowMemory identity maps [0, lowest region) read/write/NX.
	MapLowMemory bool

	// NoExecute sets NX in non-executable leaves. It must only be set if
	// the CPU supports EFER.NXE; otherwise bit 63 is reserved.
	NoExecute bool

	// PhysOffset is the difference between the link-time address of the
	// table pool and its physical address. It is 0 while executing
	// identity mapped.
	PhysOffset uint64

	// PoolPhysAddr overrides the physical address of the first pool table.
	// When 0 it is derived from the pool location and PhysOffset.
	PoolPhysAddr uint64

	// IdentityGiB, if non-zero, replaces the identity mapping of the image
	// with a read/write/executable mapping of the first IdentityGiB GiB of
	// physical memory.
	IdentityGiB int
}

// DefaultConfig returns a configuration for CPUs that support NX but not 1G
// pages.
func DefaultConfig() Config {
	return Config{
		HighHalf:     HighHalfTop,
		MaxGranule:   Granule2M,
		MapLowMemory: true,
		NoExecute:    true,
	}
}

var (
	// ErrOutsideWindow is returned when a region cannot be mapped by the
	// identity or high window.
	ErrOutsideWindow = &kernel.Error{Module: "paging", Message: "region lies outside the mappable window"}

	// ErrMappingConflict is returned when a page is mapped twice.
	ErrMappingConflict = &kernel.Error{Module: "paging", Message: "virtual page is already mapped"}

	// ErrDanglingTable is returned by Verify when a table entry points
	// outside the boot table pool.
	ErrDanglingTable = &kernel.Error{Module: "paging", Message: "table entry points outside the boot table pool"}

	// tableAttrs is used by every table entry; access is restricted by the
	// leaves alone.
	tableAttrs = Attrs{Writable: true}
)

// span is a page-aligned physical range with uniform protection.
type span struct {
	start, end uint64
	attrs      Attrs
}

// spanList holds the normalized image spans. Four regions produce at most
// eight boundaries, hence seven spans.
type spanList struct {
	spans [2 * RegionCount]span
	count int
}

func (l *spanList) add(s span) {
	if l.count > 0 {
		last := &l.spans[l.count-1]
		if last.end == s.start && last.attrs == s.attrs {
			last.end = s.end
			return
		}
	}

	l.spans[l.count] = s
	l.count++
}

// normalize rounds every region to page boundaries and splits the image into
// spans of uniform protection. A page shared by several regions receives the
// union of their access rights.
func normalize(layout *Layout) (spanList, *kernel.Error) {
	var (
		list     spanList
		starts   [RegionCount]uint64
		ends     [RegionCount]uint64
		points   [2 * RegionCount]uint64
		numPts   int
		occupied [RegionCount]bool
	)

	if !mm.IsAligned(layout.LoadAddr, mm.PageSize) {
		return list, ErrMisaligned
	}

	for kind, region := range layout.Regions {
		if region.Size == 0 {
			continue
		}

		end := region.Base + region.Size
		if end < region.Base || region.Base < layout.LoadAddr || end > identityLimit {
			return list, ErrOutsideWindow
		}

		occupied[kind] = true
		starts[kind] = mm.AlignDown(region.Base, mm.PageSize)
		ends[kind] = mm.AlignUp(end, mm.PageSize)
		numPts = insertPoint(&points, numPts, starts[kind])
		numPts = insertPoint(&points, numPts, ends[kind])
	}

	for i := 0; i+1 < numPts; i++ {
		s := span{start: points[i], end: points[i+1], attrs: Attrs{NoExecute: true, Global: true}}

		covered := false
		for kind := range layout.Regions {
			if !occupied[kind] || starts[kind] > s.start || ends[kind] < s.end {
				continue
			}

			regionAttrs := RegionKind(kind).attrs()
			s.attrs.Writable = s.attrs.Writable || regionAttrs.Writable
			s.attrs.NoExecute = s.attrs.NoExecute && regionAttrs.NoExecute
			covered = true
		}

		if covered {
			list.add(s)
		}
	}

	return list, nil
}

// insertPoint keeps points sorted and free of duplicates.
func insertPoint(points *[2 * RegionCount]uint64, count int, p uint64) int {
	pos := 0
	for ; pos < count && points[pos] < p; pos++ {
	}

	if pos < count && points[pos] == p {
		return count
	}

	copy(points[pos+1:count+1], points[pos:count])
	points[pos] = p
	return count + 1
}

// Build populates the table pool with an identity mapping and a high mapping
// of the regions described by layout. Build clears the pool first so calling
// it twice with the same input yields identical tables. Any error leaves the
// tables in an unspecified state and must be treated as fatal.
func (bt *BootTables) Build(layout *Layout, cfg Config) *kernel.Error {
	if !mm.IsAligned(cfg.PoolPhysAddr, mm.PageSize) {
		return ErrMisaligned
	}

	bt.reset(cfg.PoolPhysAddr, cfg.PhysOffset)
	if _, err := bt.alloc(); err != nil {
		return err
	}

	list, err := normalize(layout)
	if err != nil {
		return err
	}

	if list.count == 0 {
		return nil
	}

	if !cfg.NoExecute {
		for i := 0; i < list.count; i++ {
			list.spans[i].attrs.NoExecute = false
		}
	}

	lowest, highest := list.spans[0].start, list.spans[list.count-1].end
	if highest > cfg.HighHalf.size() {
		return ErrOutsideWindow
	}

	// Identity window.
	switch {
	case cfg.IdentityGiB > 0:
		if cfg.IdentityGiB > EntriesPerTable {
			return ErrOutsideWindow
		}

		coarse := Attrs{Writable: true, Global: true}
		if err = bt.mapRange(0, 0, uint64(cfg.IdentityGiB)*mm.GiantPageSize, coarse, cfg.MaxGranule); err != nil {
			return err
		}
	default:
		if cfg.MapLowMemory && lowest > 0 {
			gap := Attrs{Writable: true, NoExecute: cfg.NoExecute, Global: true}
			if err = bt.mapRange(0, 0, lowest, gap, cfg.MaxGranule); err != nil {
				return err
			}
		}

		for i := 0; i < list.count; i++ {
			s := &list.spans[i]
			if err = bt.mapRange(s.start, s.start, s.end-s.start, s.attrs, cfg.MaxGranule); err != nil {
				return err
			}
		}
	}

	// High window.
	base := cfg.HighHalf.Base()
	for i := 0; i < list.count; i++ {
		s := &list.spans[i]
		if err = bt.mapRange(base+s.start, s.start, s.end-s.start, s.attrs, cfg.MaxGranule); err != nil {
			return err
		}
	}

	return nil
}

// mapRange maps size bytes at virt to phys using the largest leaves that
// fit.
func (bt *BootTables) mapRange(virt, phys, size uint64, attrs Attrs, maxGranule Granule) *kernel.Error {
	for size > 0 {
		mapped, err := bt.mapOne(virt, phys, size, attrs, maxGranule)
		if err != nil {
			return err
		}

		virt, phys, size = virt+mapped, phys+mapped, size-mapped
	}

	return nil
}

// canUse returns true if a leaf of granule g can map virt to phys and
// still lie within the remaining size.
func canUse(g, maxGranule Granule, virt, phys, size uint64) bool {
	return g <= maxGranule &&
		size >= g.Size() &&
		mm.IsAligned(virt, g.Size()) &&
		mm.IsAligned(phys, g.Size())
}

// mapOne installs a single leaf for virt and returns the number of bytes it
// maps. Missing tables are allocated from the pool on the way down.
func (bt *BootTables) mapOne(virt, phys, size uint64, attrs Attrs, maxGranule Granule) (uint64, *kernel.Error) {
	pml4e := &bt.pml4()[tableIndex(virt, 0)]
	if !pml4e.Present() {
		next, err := bt.allocTable()
		if err != nil {
			return 0, err
		}
		if *pml4e, err = MakePML4E(next, tableAttrs); err != nil {
			return 0, err
		}
	}

	pdpt := (*PDPT)(bt.lookup(pml4e.Decode().Addr))
	if pdpt == nil {
		return 0, ErrMappingConflict
	}

	pdpte := &pdpt[tableIndex(virt, 1)]
	switch {
	case pdpte.Present() && pdpte.IsLeaf():
		return 0, ErrMappingConflict
	case !pdpte.Present() && canUse(Granule1G, maxGranule, virt, phys, size):
		leaf, err := MakePDPTELeaf(phys, attrs)
		*pdpte = leaf
		return mm.GiantPageSize, err
	case !pdpte.Present():
		next, err := bt.allocTable()
		if err != nil {
			return 0, err
		}
		if *pdpte, err = MakePDPTETable(next, tableAttrs); err != nil {
			return 0, err
		}
	}

	pd := (*PD)(bt.lookup(pdpte.Decode().Addr))
	if pd == nil {
		return 0, ErrMappingConflict
	}

	pde := &pd[tableIndex(virt, 2)]
	switch {
	case pde.Present() && pde.IsLeaf():
		return 0, ErrMappingConflict
	case !pde.Present() && canUse(Granule2M, maxGranule, virt, phys, size):
		leaf, err := MakePDELeaf(phys, attrs)
		*pde = leaf
		return mm.HugePageSize, err
	case !pde.Present():
		next, err := bt.allocTable()
		if err != nil {
			return 0, err
		}
		if *pde, err = MakePDETable(next, tableAttrs); err != nil {
			return 0, err
		}
	}

	pt := (*PT)(bt.lookup(pde.Decode().Addr))
	if pt == nil {
		return 0, ErrMappingConflict
	}

	pte := &pt[tableIndex(virt, 3)]
	if pte.Present() {
		return 0, ErrMappingConflict
	}

	leaf, err := MakePTE(phys, attrs)
	*pte = leaf
	return mm.PageSize, err
}

// allocTable allocates a pool table and returns its physical address.
func (bt *BootTables) allocTable() (uint64, *kernel.Error) {
	index, err := bt.alloc()
	if err != nil {
		return 0, err
	}
	return bt.tablePhys(index), nil
}

// tableIndex returns the index into the table at the given level (0 being
// the root) selected by virt.
func tableIndex(virt uint64, level int) int {
	return int((virt >> pageLevelShifts[level]) & (EntriesPerTable - 1))
}

// signExtend turns a 48-bit virtual address into its canonical form.
func signExtend(virt uint64) uint64 {
	if virt&(identityLimit) != 0 {
		return virt | ^(identityLimit - 1)
	}
	return virt
}

// Verify reads back every populated entry and checks its reserved bits and
// that every table entry points inside the pool.
func (bt *BootTables) Verify() *kernel.Error {
	var err *kernel.Error
	walkErr := bt.visit(func(level int, virt uint64, raw uint64) bool {
		switch level {
		case 0:
			err = PML4E(raw).Validate()
		case 1:
			err = PDPTE(raw).Validate()
		case 2:
			err = PDE(raw).Validate()
		default:
			err = PTE(raw).Validate()
		}
		return err == nil
	})

	if err != nil {
		return err
	}
	return walkErr
}

// LeafVisitor is invoked by VisitLeaves for every leaf in ascending order of
// virtual address within each window. Returning false stops the visit.
type LeafVisitor func(virt uint64, granule Granule, leaf Entry) bool

// VisitLeaves calls visitor for every leaf entry.
func (bt *BootTables) VisitLeaves(visitor LeafVisitor) *kernel.Error {
	return bt.visit(func(level int, virt uint64, raw uint64) bool {
		switch level {
		case 1:
			if e := PDPTE(raw).Decode(); e.Kind == KindLeaf {
				return visitor(virt, Granule1G, e)
			}
		case 2:
			if e := PDE(raw).Decode(); e.Kind == KindLeaf {
				return visitor(virt, Granule2M, e)
			}
		case 3:
			return visitor(virt, Granule4K, PTE(raw).Decode())
		}
		return true
	})
}

// visit walks every present entry of the tree depth-first and invokes fn with
// the level (0 being the root), the canonical virtual address the entry
// starts at and its raw value. The walk stops early if fn returns false.
func (bt *BootTables) visit(fn func(level int, virt uint64, raw uint64) bool) *kernel.Error {
	if bt.used == 0 {
		return nil
	}

	_, err := bt.visitTable(0, (*[EntriesPerTable]uint64)(bt.tablePtr(0)), 0, fn)
	return err
}

func (bt *BootTables) visitTable(level int, table *[EntriesPerTable]uint64, base uint64, fn func(int, uint64, uint64) bool) (bool, *kernel.Error) {
	for index, raw := range table {
		if raw&uint64(FlagPresent) == 0 {
			continue
		}

		virt := signExtend(base | uint64(index)<<pageLevelShifts[level])
		if !fn(level, virt, raw) {
			return false, nil
		}

		if level == pageLevels-1 || (level > 0 && raw&uint64(FlagPageSize) != 0) {
			continue
		}

		next := (*[EntriesPerTable]uint64)(bt.lookup(raw & addrMask4K))
		if next == nil {
			return false, ErrDanglingTable
		}

		if more, err := bt.visitTable(level+1, next, virt, fn); !more || err != nil {
			return false, err
		}
	}

	return true, nil
}
