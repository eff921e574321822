package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's base page size in bytes.
	PageSize = 1 << PageShift

	// HugePageShift is equal to log2(HugePageSize).
	HugePageShift = 21

	// HugePageSize is the size of a page mapped by a level-2 leaf entry.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is equal to log2(GiantPageSize).
	GiantPageShift = 30

	// GiantPageSize is the size of a page mapped by a level-3 leaf entry.
	GiantPageSize = 1 << GiantPageShift

	// EntryShift is equal to log2 of the size of a page table entry. Entries
	// are 64 bits wide regardless of the width of the code that builds them.
	EntryShift = 3

	// MaxPhysAddrBits is the architectural physical address width.
	MaxPhysAddrBits = 52
)
