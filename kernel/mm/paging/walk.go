package paging

import (
	"lmboot/kernel"
	"lmboot/kernel/mm"
	"unsafe"
)

// Status classifies the outcome of a software table walk.
type Status uint8

const (
	// StatusFound means the address resolved to a physical address.
	StatusFound Status = iota

	// StatusNonCanonical means bits 48..63 do not all equal bit 47. No
	// table was read.
	StatusNonCanonical

	// StatusPML4EAbsent means the root table entry is not present.
	StatusPML4EAbsent

	// StatusPDPTEAbsent means the level-3 entry is not present.
	StatusPDPTEAbsent

	// StatusPDEAbsent means the level-2 entry is not present.
	StatusPDEAbsent

	// StatusPTEAbsent means the level-1 entry is not present.
	StatusPTEAbsent
)

var statusNames = [...]string{
	StatusFound:        "found",
	StatusNonCanonical: "noncanonical",
	StatusPML4EAbsent:  "PML4E absent",
	StatusPDPTEAbsent:  "PDPTE absent",
	StatusPDEAbsent:    "PDE absent",
	StatusPTEAbsent:    "PTE absent",
}

// String implements fmt.Stringer for Status.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

var (
	errNonCanonical = &kernel.Error{Module: "paging", Message: "virtual address is not canonical"}
	errPML4EAbsent  = &kernel.Error{Module: "paging", Message: "virtual address not mapped: PML4E absent"}
	errPDPTEAbsent  = &kernel.Error{Module: "paging", Message: "virtual address not mapped: PDPTE absent"}
	errPDEAbsent    = &kernel.Error{Module: "paging", Message: "virtual address not mapped: PDE absent"}
	errPTEAbsent    = &kernel.Error{Module: "paging", Message: "virtual address not mapped: PTE absent"}

	statusErrors = [...]*kernel.Error{
		StatusNonCanonical: errNonCanonical,
		StatusPML4EAbsent:  errPML4EAbsent,
		StatusPDPTEAbsent:  errPDPTEAbsent,
		StatusPDEAbsent:    errPDEAbsent,
		StatusPTEAbsent:    errPTEAbsent,
	}

	// tablePtrFn returns a pointer to the pool table stored at the supplied
	// physical address or nil if the address is not a pool table. Tests
	// override it to observe table accesses.
	tablePtrFn = func(bt *BootTables, phys uint64) unsafe.Pointer {
		return bt.lookup(phys)
	}
)

// Translation is the result of a software table walk.
type Translation struct {
	Status Status

	// PhysAddr is valid when Status is StatusFound.
	PhysAddr uint64

	// Indices holds the table index selected at each level, root first.
	// It is filled in even when the walk fails.
	Indices [pageLevels]uint16

	// Offset is the 4K page offset of the address.
	Offset uint64

	// Level is the number of levels read before the walk ended; 4 for a
	// 4K leaf, 0 for a noncanonical address.
	Level int

	// Granule is the size of the leaf that resolved the address.
	Granule Granule

	// Leaf holds the attributes of the resolving leaf entry.
	Leaf Attrs

	// Effective combines the access bits of every entry along the walk.
	Effective Attrs
}

// Err returns nil for a found translation and a *kernel.Error describing
// the failure otherwise.
func (t Translation) Err() *kernel.Error {
	if t.Status == StatusFound || int(t.Status) >= len(statusErrors) {
		return nil
	}
	return statusErrors[t.Status]
}

// IsCanonical returns true if bits 48..63 of virt all equal bit 47.
func IsCanonical(virt uint64) bool {
	upper := virt >> 47
	return upper == 0 || upper == (1<<17)-1
}

// combine folds the access bits of an entry into the effective rights.
func (t *Translation) combine(a Attrs) {
	t.Effective.Writable = t.Effective.Writable && a.Writable
	t.Effective.User = t.Effective.User && a.User
	t.Effective.NoExecute = t.Effective.NoExecute || a.NoExecute
}

// resolve records a leaf at the given level and computes the physical
// address from the low bits of virt.
func (t *Translation) resolve(virt uint64, e Entry, g Granule) Translation {
	t.Status = StatusFound
	t.Granule = g
	t.Leaf = e.Attrs
	t.combine(e.Attrs)
	t.Effective.Global = e.Attrs.Global
	t.Effective.PAT = e.Attrs.PAT
	t.Effective.WriteThrough = e.Attrs.WriteThrough
	t.Effective.CacheDisable = e.Attrs.CacheDisable
	t.PhysAddr = e.Addr | virt&(g.Size()-1)
	return *t
}

// Translate walks the tables the same way the MMU does and reports where
// virt resolves to, or at which level the walk stopped. It never accesses
// virt itself and is safe to call before paging is enabled. Only pool tables
// are followed: an entry pointing outside the pool ends the walk with the
// absent status of the level it points to.
func (bt *BootTables) Translate(virt uint64) Translation {
	t := Translation{
		Offset:    virt & (mm.PageSize - 1),
		Effective: Attrs{Writable: true, User: true},
	}

	if !IsCanonical(virt) {
		t.Status = StatusNonCanonical
		return t
	}

	for level := 0; level < pageLevels; level++ {
		t.Indices[level] = uint16(tableIndex(virt, level))
	}

	t.Level = 1
	pml4 := (*PML4)(tablePtrFn(bt, bt.Root()))
	pml4e := pml4[t.Indices[0]].Decode()
	if pml4e.Kind == KindAbsent {
		t.Status = StatusPML4EAbsent
		return t
	}
	t.combine(pml4e.Attrs)

	t.Level = 2
	pdpt := (*PDPT)(tablePtrFn(bt, pml4e.Addr))
	if pdpt == nil {
		t.Status = StatusPDPTEAbsent
		return t
	}
	pdpte := pdpt[t.Indices[1]].Decode()
	switch pdpte.Kind {
	case KindAbsent:
		t.Status = StatusPDPTEAbsent
		return t
	case KindLeaf:
		return t.resolve(virt, pdpte, Granule1G)
	}
	t.combine(pdpte.Attrs)

	t.Level = 3
	pd := (*PD)(tablePtrFn(bt, pdpte.Addr))
	if pd == nil {
		t.Status = StatusPDEAbsent
		return t
	}
	pde := pd[t.Indices[2]].Decode()
	switch pde.Kind {
	case KindAbsent:
		t.Status = StatusPDEAbsent
		return t
	case KindLeaf:
		return t.resolve(virt, pde, Granule2M)
	}
	t.combine(pde.Attrs)

	t.Level = 4
	pt := (*PT)(tablePtrFn(bt, pde.Addr))
	if pt == nil {
		t.Status = StatusPTEAbsent
		return t
	}
	pte := pt[t.Indices[3]].Decode()
	if pte.Kind == KindAbsent {
		t.Status = StatusPTEAbsent
		return t
	}

	return t.resolve(virt, pte, Granule4K)
}
