// Package multiboot reads the multiboot2 information structure that the boot
// loader hands to the init stage. Only the tags needed to locate the kernel
// image and describe physical memory are decoded.
package multiboot

import (
	"reflect"
	"unsafe"
)

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// elfSections is the fixed part of the ELF symbols tag; the section headers
// follow it.
type elfSections struct {
	numSections        uint32
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

// elfSection32 is a section header of an ELF32 image such as the 386 init
// stage.
type elfSection32 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint32
	address     uint32
	offset      uint32
	size        uint32
	link        uint32
	info        uint32
	addrAlign   uint32
	entSize     uint32
}

// elfSection64 is a section header of an ELF64 image.
type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionType is the sh_type of a section.
type ElfSectionType uint32

const (
	// ElfSectionProgBits sections hold data from the image file.
	ElfSectionProgBits ElfSectionType = 1

	// ElfSectionNoBits sections occupy memory but no file space (.bss).
	ElfSectionNoBits ElfSectionType = 8
)

// ElfSection describes a section of the loaded kernel image.
type ElfSection struct {
	Name    string
	Type    ElfSectionType
	Flags   ElfSectionFlag
	Address uint64
	Size    uint64
}

// ElfSectionVisitor defies a visitor function that gets invoked by VisitElfSections
// for rach ELF section that belongs to the loaded kernel image.
type ElfSectionVisitor func(*ElfSection)

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitElfSections invokes visitor for each non-empty ELF section of the
// loaded kernel image. Both ELF32 and ELF64 section headers are understood;
// the header width is taken from the tag.
func VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		ptrElfSections = (*elfSections)(unsafe.Pointer(curPtr))
		secPtr         = uintptr(unsafe.Pointer(&ptrElfSections.sectionData))
		sizeofSection  = uintptr(ptrElfSections.sectionSize)
		is64           = sizeofSection >= unsafe.Sizeof(elfSection64{})
		strTabAddr     = readSection(secPtr+uintptr(ptrElfSections.strtabSectionIndex)*sizeofSection, is64).Address
		section        ElfSection
		nameIndex      uint32
		secNameHeader  = (*reflect.StringHeader)(unsafe.Pointer(&section.Name))
	)

	for secIndex := uint32(0); secIndex < ptrElfSections.numSections; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		section, nameIndex = readSection(secPtr, is64), sectionNameIndex(secPtr)
		if section.Size == 0 {
			continue
		}

		// String table entries are C-style NULL-terminated strings
		nameAddr := uintptr(strTabAddr) + uintptr(nameIndex)
		end := nameAddr
		for ; *(*byte)(unsafe.Pointer(end)) != 0; end++ {
		}

		secNameHeader.Len = int(end - nameAddr)
		secNameHeader.Data = nameAddr

		visitor(&section)
	}
}

// sectionNameIndex returns the string table offset of a section header; it
// sits at the start of both header formats.
func sectionNameIndex(secPtr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(secPtr))
}

// readSection decodes the section header at secPtr without its name.
func readSection(secPtr uintptr, is64 bool) ElfSection {
	if is64 {
		sec := (*elfSection64)(unsafe.Pointer(secPtr))
		return ElfSection{
			Type:    ElfSectionType(sec.sectionType),
			Flags:   ElfSectionFlag(sec.flags),
			Address: sec.address,
			Size:    sec.size,
		}
	}

	sec := (*elfSection32)(unsafe.Pointer(secPtr))
	return ElfSection{
		Type:    ElfSectionType(sec.sectionType),
		Flags:   ElfSectionFlag(sec.flags),
		Address: uint64(sec.address),
		Size:    uint64(sec.size),
	}
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
