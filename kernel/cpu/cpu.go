// +build 386 amd64

// Package cpu exposes the privileged x86 instructions needed to take the
// processor from protected mode into long mode. The primitives are
// implemented in assembly for both the 32-bit init stage (386) and the 64-bit
// kernel (amd64); control registers are machine-word sized on each.
package cpu

var (
	cpuidFn = ID
)

// Control register and MSR bits touched by the boot sequence.
const (
	// CR0WriteProtect makes supervisor writes honour read-only pages.
	CR0WriteProtect = uintptr(1) << 16

	// CR0Paging enables the page table walk.
	CR0Paging = uintptr(1) << 31

	// CR4PAE enables 64-bit page table entries.
	CR4PAE = uintptr(1) << 5

	// CR4PGE enables global pages.
	CR4PGE = uintptr(1) << 7

	// MSREFER is the extended feature enable register.
	MSREFER = uint32(0xc0000080)

	// EFERLongModeEnable arms long mode; it activates together with CR0.PG.
	EFERLongModeEnable = uint64(1) << 8

	// EFERNoExecuteEnable makes the NX bit in page table entries effective.
	EFERNoExecuteEnable = uint64(1) << 11
)

const (
	leafMaxExtended = uint32(0x80000000)
	leafExtFeatures = uint32(0x80000001)
	leafStdFeatures = uint32(0x00000001)

	extEdxNX        = uint32(1) << 20
	extEdxGiantPage = uint32(1) << 26
	extEdxLongMode  = uint32(1) << 29
	stdEdxPGE       = uint32(1) << 13
)

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt arrives. With
// interrupts disabled it never returns on real hardware.
func Halt()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf (ECX=0) and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uintptr

// WriteCR0 stores value in the CR0 register. Setting CR0Paging switches on
// address translation for the very next instruction fetch.
func WriteCR0(value uintptr)

// WriteCR3 loads the physical address of a root page table and flushes all
// non-global TLB entries.
func WriteCR3(rootPhysAddr uintptr)

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uintptr

// WriteCR4 stores value in the CR4 register.
func WriteCR4(value uintptr)

// readMSR and writeMSR operate on the EDX:EAX halves of a model specific
// register.
func readMSR(reg uint32) (lo, hi uint32)
func writeMSR(reg, lo, hi uint32)

// ReadMSR returns the 64-bit contents of a model specific register.
func ReadMSR(reg uint32) uint64 {
	lo, hi := readMSR(reg)
	return uint64(hi)<<32 | uint64(lo)
}

// WriteMSR stores value into a model specific register.
func WriteMSR(reg uint32, value uint64) {
	writeMSR(reg, uint32(value), uint32(value>>32))
}

// extFeatures returns EDX of the extended feature leaf or 0 if the CPU does
// not implement it.
func extFeatures() uint32 {
	if maxLeaf, _, _, _ := cpuidFn(leafMaxExtended); maxLeaf < leafExtFeatures {
		return 0
	}

	_, _, _, edx := cpuidFn(leafExtFeatures)
	return edx
}

// LongModeSupported returns true if the CPU can execute 64-bit code.
func LongModeSupported() bool {
	return extFeatures()&extEdxLongMode != 0
}

// NXSupported returns true if the CPU honours the no-execute page bit.
func NXSupported() bool {
	return extFeatures()&extEdxNX != 0
}

// GiantPagesSupported returns true if level-3 entries can map 1G pages.
func GiantPagesSupported() bool {
	return extFeatures()&extEdxGiantPage != 0
}

// GlobalPagesSupported returns true if CR4.PGE can be set.
func GlobalPagesSupported() bool {
	_, _, _, edx := cpuidFn(leafStdFeatures)
	return edx&stdEdxPGE != 0
}
