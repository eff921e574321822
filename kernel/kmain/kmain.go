// +build 386 amd64

package kmain

import (
	"lmboot/kernel"
	"lmboot/kernel/cpu"
	"lmboot/kernel/kfmt"
	"lmboot/kernel/longmode"
	"lmboot/kernel/mm"
	"lmboot/kernel/mm/paging"
	"lmboot/multiboot"
	"strings"
)

var (
	// tables and sequence live in static storage: their addresses must
	// be known before any allocator exists.
	tables   paging.BootTables
	sequence longmode.Sequence

	log = kfmt.PrefixWriter{Sink: kfmt.ActiveSink(), Prefix: []byte("[kmain] ")}

	// The following functions are mocked by tests.
	visitElfSectionsFn     = multiboot.VisitElfSections
	visitMemRegionsFn      = multiboot.VisitMemRegions
	nxSupportedFn          = cpu.NXSupported
	giantPagesSupportedFn  = cpu.GiantPagesSupported
	globalPagesSupportedFn = cpu.GlobalPagesSupported
	runSequenceFn          = (*longmode.Sequence).Run
	panicFn                = kfmt.Panic

	// gdtInitFn installs descriptor tables with 64-bit code and data
	// selectors. They are owned by rt0; the default is a no-op.
	gdtInitFn = func() {}

	errNoImage       = &kernel.Error{Module: "kmain", Message: "boot loader did not report any executable ELF section"}
	errImageNotInRAM = &kernel.Error{Module: "kmain", Message: "kernel image is not located in available memory"}
	errSelfTest      = &kernel.Error{Module: "kmain", Message: "boot page tables do not map the kernel image"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is invoked once, in 32-bit protected mode with
// interrupts disabled, with the address of the multiboot info payload.
//
// Kmain builds the boot page tables, checks them with the software walker
// and switches the CPU to long mode. It returns to rt0 (which performs the
// far jump into 64-bit code) only on success; any failure halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	if err := boot(); err != nil {
		// Use kfmt.Panic instead of panic to prevent the compiler from
		// treating kfmt.Panic as dead-code and eliminating it.
		panicFn(err)
	}
}

func boot() *kernel.Error {
	layout, err := LayoutFromElfSections(visitElfSectionsFn)
	if err != nil {
		return err
	}

	if err = checkImageInRAM(&layout); err != nil {
		return err
	}

	cfg, opts := probeFeatures()
	kfmt.Fprintf(&log, "NX: %t, 1G pages: %t, global pages: %t\n", opts.NoExecute, cfg.MaxGranule == paging.Granule1G, opts.GlobalPages)

	if err = tables.Build(&layout, cfg); err != nil {
		return err
	}

	if err = tables.Verify(); err != nil {
		return err
	}

	if err = selfTest(&tables, &layout, cfg); err != nil {
		return err
	}

	kfmt.Fprintf(&log, "root table at 0x%8x, %d/%d tables used\n", tables.Root(), tables.TablesUsed(), paging.TablePoolSize)

	gdtInitFn()

	if sequence, err = longmode.New(tables.Root(), opts); err != nil {
		return err
	}

	if err = runSequenceFn(&sequence); err != nil {
		return err
	}

	kfmt.Fprintf(&log, "long mode enabled\n")
	return nil
}

// probeFeatures selects the paging configuration and the optional transition
// steps supported by the CPU.
func probeFeatures() (paging.Config, longmode.Options) {
	cfg := paging.DefaultConfig()
	opts := longmode.DefaultOptions()

	if giantPagesSupportedFn() {
		cfg.MaxGranule = paging.Granule1G
	}

	// Without EFER.NXE bit 63 of every entry is reserved.
	opts.NoExecute = nxSupportedFn()
	cfg.NoExecute = opts.NoExecute

	opts.GlobalPages = globalPagesSupportedFn()
	return cfg, opts
}

// LayoutFromElfSections folds the allocated ELF sections reported by the boot
// loader into a paging.Layout. Each region spans from the lowest start to the
// highest end of the sections of its class:
//  - executable sections form the text region
//  - writable NOBITS or .bss* sections form the bss region
//  - other writable sections form the data region
//  - the remaining allocated sections form the rodata region
func LayoutFromElfSections(visit func(multiboot.ElfSectionVisitor)) (paging.Layout, *kernel.Error) {
	var (
		layout     paging.Layout
		starts     [paging.RegionCount]uint64
		ends       [paging.RegionCount]uint64
		haveRegion [paging.RegionCount]bool
		lowest     = ^uint64(0)
	)

	visit(func(sec *multiboot.ElfSection) {
		if sec.Flags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		var kind paging.RegionKind
		switch {
		case sec.Flags&multiboot.ElfSectionExecutable != 0:
			kind = paging.RegionText
		case sec.Flags&multiboot.ElfSectionWritable != 0 && (sec.Type == multiboot.ElfSectionNoBits || strings.HasPrefix(sec.Name, ".bss")):
			kind = paging.RegionBSS
		case sec.Flags&multiboot.ElfSectionWritable != 0:
			kind = paging.RegionData
		default:
			kind = paging.RegionROData
		}

		end := sec.Address + sec.Size
		if !haveRegion[kind] || sec.Address < starts[kind] {
			starts[kind] = sec.Address
		}
		if !haveRegion[kind] || end > ends[kind] {
			ends[kind] = end
		}
		haveRegion[kind] = true

		if sec.Address < lowest {
			lowest = sec.Address
		}
	})

	if !haveRegion[paging.RegionText] {
		return layout, errNoImage
	}

	layout.LoadAddr = mm.AlignDown(lowest, mm.PageSize)
	for kind := range layout.Regions {
		if haveRegion[kind] {
			layout.Regions[kind] = paging.Region{Base: starts[kind], Size: ends[kind] - starts[kind]}
		}
	}

	return layout, nil
}

// checkImageInRAM ensures that the image is fully contained in a region that
// the boot loader reports as available. Boot loaders that do not provide a
// memory map are trusted.
func checkImageInRAM(layout *paging.Layout) *kernel.Error {
	var (
		start, end = imageBounds(layout)
		haveMap    bool
		contained  bool
	)

	visitMemRegionsFn(func(entry *multiboot.MemoryMapEntry) bool {
		haveMap = true
		kfmt.Fprintf(&log, "mem 0x%16x - 0x%16x %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Type.String())

		if entry.Type == multiboot.MemAvailable && entry.PhysAddress <= start && end <= entry.PhysAddress+entry.Length {
			contained = true
		}
		return true
	})

	if haveMap && !contained {
		return errImageNotInRAM
	}
	return nil
}

// imageBounds returns the lowest and highest physical address of the mapped
// regions.
func imageBounds(layout *paging.Layout) (uint64, uint64) {
	start, end := ^uint64(0), uint64(0)
	for _, region := range layout.Regions {
		if region.Size == 0 {
			continue
		}
		if region.Base < start {
			start = region.Base
		}
		if regionEnd := region.Base + region.Size; regionEnd > end {
			end = regionEnd
		}
	}
	return start, end
}

// selfTest walks the first and last byte of every region through both
// windows and checks the resolved address and the leaf protection.
func selfTest(bt *paging.BootTables, layout *paging.Layout, cfg paging.Config) *kernel.Error {
	var windows = [2]uint64{0, cfg.HighHalf.Base()}

	for kind, region := range layout.Regions {
		if region.Size == 0 {
			continue
		}

		kfmt.Fprintf(&log, "%6s 0x%16x - 0x%16x\n", paging.RegionKind(kind).String(), region.Base, region.Base+region.Size)

		for _, base := range windows {
			for _, phys := range [2]uint64{region.Base, region.Base + region.Size - 1} {
				tr := bt.Translate(base + phys)
				if tr.Status != paging.StatusFound || tr.PhysAddr != phys {
					kfmt.Fprintf(&log, "0x%16x: %s\n", base+phys, tr.Status.String())
					return errSelfTest
				}

				exact := !sharesPage(layout, paging.RegionKind(kind), phys) && (base != 0 || cfg.IdentityGiB == 0)
				if !protectionMatches(paging.RegionKind(kind), tr.Leaf, exact, cfg.NoExecute) {
					kfmt.Fprintf(&log, "0x%16x: unexpected protection\n", base+phys)
					return errSelfTest
				}
			}
		}
	}

	return nil
}

// sharesPage returns true if the page containing phys also holds bytes of
// another region.
func sharesPage(layout *paging.Layout, kind paging.RegionKind, phys uint64) bool {
	page := mm.AlignDown(phys, mm.PageSize)
	for other, region := range layout.Regions {
		if paging.RegionKind(other) == kind || region.Size == 0 {
			continue
		}
		if page < mm.AlignUp(region.Base+region.Size, mm.PageSize) && mm.AlignDown(region.Base, mm.PageSize) <= page {
			return true
		}
	}
	return false
}

// protectionMatches returns true if a leaf grants the access a region needs.
// Unless exact is set the leaf may grant more, which is the case for pages
// shared with a neighbouring region and for the coarse identity window.
// noExec reports whether the tables carry NX bits at all.
func protectionMatches(kind paging.RegionKind, leaf paging.Attrs, exact, noExec bool) bool {
	var needWrite, needExec bool
	switch kind {
	case paging.RegionText:
		needExec = true
	case paging.RegionData, paging.RegionBSS:
		needWrite = true
	}

	switch {
	case needWrite && !leaf.Writable, needExec && leaf.NoExecute:
		return false
	case !exact:
		return true
	}

	return leaf.Writable == needWrite && (!noExec || leaf.NoExecute != needExec)
}
