package mm

// AlignDown rounds addr down to a multiple of size. Size must be a power of 2.
func AlignDown(addr, size uint64) uint64 {
	return addr &^ (size - 1)
}

// AlignUp rounds addr up to a multiple of size. Size must be a power of 2.
// Addresses within size-1 bytes of the top of the address space wrap to 0.
func AlignUp(addr, size uint64) uint64 {
	return (addr + size - 1) &^ (size - 1)
}

// IsAligned returns true if addr is a multiple of size.
func IsAligned(addr, size uint64) bool {
	return addr&(size-1) == 0
}
