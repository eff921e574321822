package paging

import (
	"lmboot/kernel"
	"lmboot/kernel/mm"
)

// EntryFlag describes a flag bit shared by the 4-level page table entry
// formats.
type EntryFlag uint64

const (
	// FlagPresent is set when the entry maps a page or points to a table.
	FlagPresent EntryFlag = 1 << iota

	// FlagRW is set if the mapped range can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access the range.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents the range from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the entry is used for a
	// translation.
	FlagAccessed

	// FlagDirty is set by the CPU when a page mapped by a leaf entry is
	// written to.
	FlagDirty

	// FlagPageSize marks level-3 and level-2 entries as leaves. It must be
	// clear in level-4 entries. In level-1 entries the same bit selects
	// the PAT index (see flagPATSmall).
	FlagPageSize

	// FlagGlobal if set, prevents the TLB from flushing the translation
	// when the root table is reloaded (needs CR4.PGE).
	FlagGlobal

	// FlagNoExecute if set, prevents instruction fetches from the range
	// (needs EFER.NXE).
	FlagNoExecute EntryFlag = 1 << 63

	// flagPATLarge is the PAT bit of 1G and 2M leaf entries.
	flagPATLarge EntryFlag = 1 << 12

	// flagPATSmall is the PAT bit of 4K leaf entries.
	flagPATSmall = FlagPageSize
)

const (
	// Address fields of each granule. All of them stop at bit 51.
	addrMask4K = uint64(0x000ffffffffff000)
	addrMask2M = uint64(0x000fffffffe00000)
	addrMask1G = uint64(0x000fffffc0000000)

	// Reserved bits per entry format; setting any of them makes the CPU
	// raise a page fault when it walks the entry.
	reservedPML4E     = uint64(FlagPageSize)
	reservedLeaf2M    = uint64(0x00000000001fe000) // bits 13..20
	reservedLeaf1G    = uint64(0x000000003fffe000) // bits 13..29
	physAddrLimitBits = mm.MaxPhysAddrBits
)

var (
	// ErrMisaligned is returned when an entry is constructed for an
	// address that is not aligned to the entry's granule.
	ErrMisaligned = &kernel.Error{Module: "paging", Message: "address is not aligned to the entry granule"}

	// ErrAddressTooWide is returned when an address does not fit in the
	// 52-bit physical address space.
	ErrAddressTooWide = &kernel.Error{Module: "paging", Message: "address does not fit the entry address field"}

	// ErrReservedBits is returned by Validate for entries that have
	// reserved bits set.
	ErrReservedBits = &kernel.Error{Module: "paging", Message: "entry has reserved bits set"}
)

// Attrs describes the access and caching attributes of an entry. For table
// entries only Writable, User, WriteThrough, CacheDisable and NoExecute are
// meaningful; they restrict the whole subtree.
type Attrs struct {
	Writable     bool
	User         bool
	WriteThrough bool
	CacheDisable bool
	NoExecute    bool

	// Leaf-only attributes.
	Global bool
	PAT    bool

	// Set by the CPU; reported when decoding, ignored for table entries.
	Accessed bool
	Dirty    bool
}

// flags encodes the attributes for an entry format whose PAT bit is patBit.
// A zero patBit encodes a table entry.
func (a Attrs) flags(patBit EntryFlag) EntryFlag {
	flags := FlagPresent
	if a.Writable {
		flags |= FlagRW
	}
	if a.User {
		flags |= FlagUserAccessible
	}
	if a.WriteThrough {
		flags |= FlagWriteThroughCaching
	}
	if a.CacheDisable {
		flags |= FlagDoNotCache
	}
	if a.Accessed {
		flags |= FlagAccessed
	}
	if a.NoExecute {
		flags |= FlagNoExecute
	}

	if patBit == 0 {
		return flags
	}

	if a.Dirty {
		flags |= FlagDirty
	}
	if a.Global {
		flags |= FlagGlobal
	}
	if a.PAT {
		flags |= patBit
	}
	return flags
}

// decodeAttrs is the inverse of Attrs.flags.
func decodeAttrs(raw uint64, patBit EntryFlag) Attrs {
	has := func(f EntryFlag) bool { return raw&uint64(f) != 0 }

	a := Attrs{
		Writable:     has(FlagRW),
		User:         has(FlagUserAccessible),
		WriteThrough: has(FlagWriteThroughCaching),
		CacheDisable: has(FlagDoNotCache),
		Accessed:     has(FlagAccessed),
		NoExecute:    has(FlagNoExecute),
	}

	if patBit != 0 {
		a.Dirty = has(FlagDirty)
		a.Global = has(FlagGlobal)
		a.PAT = has(patBit)
	}
	return a
}

// encode combines an address with flags after checking that the address fits
// an address field starting at bit granuleShift.
func encode(addr uint64, granuleShift uint, flags EntryFlag) (uint64, *kernel.Error) {
	switch {
	case addr>>physAddrLimitBits != 0:
		return 0, ErrAddressTooWide
	case !mm.IsAligned(addr, 1<<granuleShift):
		return 0, ErrMisaligned
	}

	return addr | uint64(flags), nil
}

// Kind identifies which interpretation of a decoded entry is valid.
type Kind uint8

const (
	// KindAbsent is reported for entries without FlagPresent; no other
	// Entry field is meaningful.
	KindAbsent Kind = iota

	// KindTable entries point to the next level table at Entry.Addr.
	KindTable

	// KindLeaf entries map the page that starts at Entry.Addr.
	KindLeaf
)

// Entry is the decoded form of a raw entry. Kind selects whether Addr holds
// the physical address of a lower table or of a mapped page.
type Entry struct {
	Kind  Kind
	Addr  uint64
	Attrs Attrs
}

// PML4E is a level-4 (root table) entry. It always points to a PDPT.
type PML4E uint64

// MakePML4E returns a present entry pointing to the PDPT at tablePhys.
func MakePML4E(tablePhys uint64, attrs Attrs) (PML4E, *kernel.Error) {
	raw, err := encode(tablePhys, mm.PageShift, attrs.flags(0))
	return PML4E(raw), err
}

// Present returns true if the entry points to a PDPT.
func (e PML4E) Present() bool { return uint64(e)&uint64(FlagPresent) != 0 }

// Decode returns the decoded entry.
func (e PML4E) Decode() Entry {
	if !e.Present() {
		return Entry{}
	}
	return Entry{Kind: KindTable, Addr: uint64(e) & addrMask4K, Attrs: decodeAttrs(uint64(e), 0)}
}

// Validate checks that no reserved bits are set.
func (e PML4E) Validate() *kernel.Error {
	if e.Present() && uint64(e)&reservedPML4E != 0 {
		return ErrReservedBits
	}
	return nil
}

// PDPTE is a level-3 entry. FlagPageSize selects between a pointer to a page
// directory and a 1G leaf.
type PDPTE uint64

// MakePDPTETable returns a present entry pointing to the PD at tablePhys.
func MakePDPTETable(tablePhys uint64, attrs Attrs) (PDPTE, *kernel.Error) {
	raw, err := encode(tablePhys, mm.PageShift, attrs.flags(0))
	return PDPTE(raw), err
}

// MakePDPTELeaf returns an entry mapping the 1G page at pagePhys.
func MakePDPTELeaf(pagePhys uint64, attrs Attrs) (PDPTE, *kernel.Error) {
	raw, err := encode(pagePhys, mm.GiantPageShift, attrs.flags(flagPATLarge)|FlagPageSize)
	return PDPTE(raw), err
}

// Present returns true if the entry maps a page or points to a table.
func (e PDPTE) Present() bool { return uint64(e)&uint64(FlagPresent) != 0 }

// IsLeaf returns true if the entry maps a 1G page.
func (e PDPTE) IsLeaf() bool { return uint64(e)&uint64(FlagPageSize) != 0 }

// Decode reads the page size bit and returns the matching interpretation.
func (e PDPTE) Decode() Entry {
	switch {
	case !e.Present():
		return Entry{}
	case e.IsLeaf():
		return Entry{Kind: KindLeaf, Addr: uint64(e) & addrMask1G, Attrs: decodeAttrs(uint64(e), flagPATLarge)}
	default:
		return Entry{Kind: KindTable, Addr: uint64(e) & addrMask4K, Attrs: decodeAttrs(uint64(e), 0)}
	}
}

// Validate checks that no reserved bits are set.
func (e PDPTE) Validate() *kernel.Error {
	if e.Present() && e.IsLeaf() && uint64(e)&reservedLeaf1G != 0 {
		return ErrReservedBits
	}
	return nil
}

// PDE is a level-2 entry. FlagPageSize selects between a pointer to a page
// table and a 2M leaf.
type PDE uint64

// MakePDETable returns a present entry pointing to the PT at tablePhys.
func MakePDETable(tablePhys uint64, attrs Attrs) (PDE, *kernel.Error) {
	raw, err := encode(tablePhys, mm.PageShift, attrs.flags(0))
	return PDE(raw), err
}

// MakePDELeaf returns an entry mapping the 2M page at pagePhys.
func MakePDELeaf(pagePhys uint64, attrs Attrs) (PDE, *kernel.Error) {
	raw, err := encode(pagePhys, mm.HugePageShift, attrs.flags(flagPATLarge)|FlagPageSize)
	return PDE(raw), err
}

// Present returns true if the entry maps a page or points to a table.
func (e PDE) Present() bool { return uint64(e)&uint64(FlagPresent) != 0 }

// IsLeaf returns true if the entry maps a 2M page.
func (e PDE) IsLeaf() bool { return uint64(e)&uint64(FlagPageSize) != 0 }

// Decode reads the page size bit and returns the matching interpretation.
func (e PDE) Decode() Entry {
	switch {
	case !e.Present():
		return Entry{}
	case e.IsLeaf():
		return Entry{Kind: KindLeaf, Addr: uint64(e) & addrMask2M, Attrs: decodeAttrs(uint64(e), flagPATLarge)}
	default:
		return Entry{Kind: KindTable, Addr: uint64(e) & addrMask4K, Attrs: decodeAttrs(uint64(e), 0)}
	}
}

// Validate checks that no reserved bits are set.
func (e PDE) Validate() *kernel.Error {
	if e.Present() && e.IsLeaf() && uint64(e)&reservedLeaf2M != 0 {
		return ErrReservedBits
	}
	return nil
}

// PTE is a level-1 entry. It always maps a 4K page.
type PTE uint64

// MakePTE returns an entry mapping the 4K page at pagePhys.
func MakePTE(pagePhys uint64, attrs Attrs) (PTE, *kernel.Error) {
	raw, err := encode(pagePhys, mm.PageShift, attrs.flags(flagPATSmall))
	return PTE(raw), err
}

// Present returns true if the entry maps a page.
func (e PTE) Present() bool { return uint64(e)&uint64(FlagPresent) != 0 }

// Decode returns the decoded entry.
func (e PTE) Decode() Entry {
	if !e.Present() {
		return Entry{}
	}
	return Entry{Kind: KindLeaf, Addr: uint64(e) & addrMask4K, Attrs: decodeAttrs(uint64(e), flagPATSmall)}
}

// Validate checks that no reserved bits are set. Level-1 entries have none
// below the physical address limit.
func (e PTE) Validate() *kernel.Error {
	return nil
}
