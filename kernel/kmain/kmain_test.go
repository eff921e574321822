// +build 386 amd64

package kmain

import (
	"bytes"
	"lmboot/kernel"
	"lmboot/kernel/kfmt"
	"lmboot/kernel/longmode"
	"lmboot/kernel/mm/paging"
	"lmboot/multiboot"
	"strings"
	"testing"
)

var testSections = []multiboot.ElfSection{
	{Name: ".text", Type: multiboot.ElfSectionProgBits, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x100000, Size: 0x2800},
	{Name: ".init", Type: multiboot.ElfSectionProgBits, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x102800, Size: 0x800},
	{Name: ".rodata", Type: multiboot.ElfSectionProgBits, Flags: multiboot.ElfSectionAllocated, Address: 0x103000, Size: 0x1000},
	{Name: ".data", Type: multiboot.ElfSectionProgBits, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x104000, Size: 0x800},
	{Name: ".bss", Type: multiboot.ElfSectionNoBits, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x105000, Size: 0x2000},
	{Name: ".comment", Type: multiboot.ElfSectionProgBits, Address: 0, Size: 0x40},
}

func visitSections(sections []multiboot.ElfSection) func(multiboot.ElfSectionVisitor) {
	return func(visitor multiboot.ElfSectionVisitor) {
		for i := range sections {
			visitor(&sections[i])
		}
	}
}

func visitMemMap(entries []multiboot.MemoryMapEntry) func(multiboot.MemRegionVisitor) {
	return func(visitor multiboot.MemRegionVisitor) {
		for i := range entries {
			if !visitor(&entries[i]) {
				return
			}
		}
	}
}

var testMemMap = []multiboot.MemoryMapEntry{
	{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
	{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
}

// mockBoot replaces every collaborator of Kmain and returns a func that
// restores them.
func mockBoot(ops *[]string, panicked *interface{}) func() {
	origVisitElf, origVisitMem := visitElfSectionsFn, visitMemRegionsFn
	origNX, origGiant, origGlobal := nxSupportedFn, giantPagesSupportedFn, globalPagesSupportedFn
	origRun, origPanic, origGDT := runSequenceFn, panicFn, gdtInitFn

	visitElfSectionsFn = visitSections(testSections)
	visitMemRegionsFn = visitMemMap(testMemMap)
	nxSupportedFn = func() bool { return true }
	giantPagesSupportedFn = func() bool { return false }
	globalPagesSupportedFn = func() bool { return true }
	gdtInitFn = func() { *ops = append(*ops, "gdt") }
	runSequenceFn = func(s *longmode.Sequence) *kernel.Error {
		*ops = append(*ops, "run")
		if s.State() != longmode.StateReset {
			*ops = append(*ops, "stale sequence")
		}
		return nil
	}
	panicFn = func(e interface{}) { *panicked = e }

	return func() {
		visitElfSectionsFn, visitMemRegionsFn = origVisitElf, origVisitMem
		nxSupportedFn, giantPagesSupportedFn, globalPagesSupportedFn = origNX, origGiant, origGlobal
		runSequenceFn, panicFn, gdtInitFn = origRun, origPanic, origGDT
		sequence = longmode.Sequence{}
		kfmt.SetOutputSink(nil)
	}
}

func TestKmain(t *testing.T) {
	var (
		ops      []string
		panicked interface{}
		buf      bytes.Buffer
	)
	defer mockBoot(&ops, &panicked)()
	kfmt.SetOutputSink(&buf)

	Kmain(0)

	if panicked != nil {
		t.Fatalf("unexpected panic: %v", panicked)
	}

	if exp, got := "gdt,run", strings.Join(ops, ","); got != exp {
		t.Errorf("expected collaborators to be invoked in order %q; got %q", exp, got)
	}

	for _, virt := range []uint64{0x100000, 0x106fff, paging.HighHalfTopBase + 0x104000} {
		if tr := tables.Translate(virt); tr.Status != paging.StatusFound {
			t.Errorf("expected 0x%x to be mapped; got %q", virt, tr.Status)
		}
	}

	out := buf.String()
	for _, exp := range []string{
		"[kmain] NX: true, 1G pages: false, global pages: true\n",
		"[kmain]   text 0x0000000000100000 - 0x0000000000103000\n",
		"[kmain]    bss 0x0000000000105000 - 0x0000000000107000\n",
		"[kmain] long mode enabled\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected log output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestKmainErrors(t *testing.T) {
	errRun := &kernel.Error{Module: "test", Message: "sequence failed"}

	specs := []struct {
		descr    string
		setup    func()
		expErr   *kernel.Error
		expNoRun bool
	}{
		{
			"no executable section",
			func() { visitElfSectionsFn = visitSections(testSections[2:]) },
			errNoImage,
			true,
		},
		{
			"image outside available memory",
			func() { visitMemRegionsFn = visitMemMap(testMemMap[:1]) },
			errImageNotInRAM,
			true,
		},
		{
			"image outside the kernel window",
			func() {
				visitElfSectionsFn = visitSections([]multiboot.ElfSection{
					{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x40000000, Size: 0x1000},
				})
				visitMemRegionsFn = visitMemMap(nil)
			},
			paging.ErrOutsideWindow,
			true,
		},
		{
			"sequence failure",
			func() {
				runSequenceFn = func(*longmode.Sequence) *kernel.Error { return errRun }
			},
			errRun,
			false,
		},
	}

	for specIndex, spec := range specs {
		var (
			ops      []string
			panicked interface{}
		)

		restore := mockBoot(&ops, &panicked)
		spec.setup()
		Kmain(0)
		restore()

		if err, ok := panicked.(*kernel.Error); !ok || err != spec.expErr {
			t.Errorf("[spec %d] %s: expected panic with %v; got %v", specIndex, spec.descr, spec.expErr, panicked)
		}

		if ran := strings.Contains(strings.Join(ops, ","), "gdt"); ran == spec.expNoRun {
			t.Errorf("[spec %d] %s: unexpected collaborator calls %v", specIndex, spec.descr, ops)
		}
	}
}

func TestLayoutFromElfSections(t *testing.T) {
	layout, err := LayoutFromElfSections(visitSections(testSections))
	if err != nil {
		t.Fatal(err)
	}

	if exp := uint64(0x100000); layout.LoadAddr != exp {
		t.Errorf("expected load address 0x%x; got 0x%x", exp, layout.LoadAddr)
	}

	expRegions := [paging.RegionCount]paging.Region{
		paging.RegionText:   {Base: 0x100000, Size: 0x3000},
		paging.RegionROData: {Base: 0x103000, Size: 0x1000},
		paging.RegionData:   {Base: 0x104000, Size: 0x800},
		paging.RegionBSS:    {Base: 0x105000, Size: 0x2000},
	}
	if layout.Regions != expRegions {
		t.Errorf("expected regions %+v; got %+v", expRegions, layout.Regions)
	}

	// a writable section named .bss* is treated as bss even if the linker
	// emitted it as PROGBITS
	layout, err = LayoutFromElfSections(visitSections([]multiboot.ElfSection{
		{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x200000, Size: 0x10},
		{Name: ".bss.stack", Type: multiboot.ElfSectionProgBits, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x201000, Size: 0x1000},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := layout.Regions[paging.RegionBSS]; got.Base != 0x201000 || got.Size != 0x1000 {
		t.Errorf("expected .bss.stack to form the bss region; got %+v", got)
	}
	if got := layout.Regions[paging.RegionData]; got.Size != 0 {
		t.Errorf("expected empty data region; got %+v", got)
	}

	if _, err = LayoutFromElfSections(visitSections(nil)); err != errNoImage {
		t.Errorf("expected %v; got %v", errNoImage, err)
	}
}

func TestProbeFeatures(t *testing.T) {
	defer func(origNX, origGiant, origGlobal func() bool) {
		nxSupportedFn, giantPagesSupportedFn, globalPagesSupportedFn = origNX, origGiant, origGlobal
	}(nxSupportedFn, giantPagesSupportedFn, globalPagesSupportedFn)

	specs := []struct {
		nx, giant, global bool
		expGranule        paging.Granule
	}{
		{true, true, true, paging.Granule1G},
		{false, false, false, paging.Granule2M},
		{true, false, true, paging.Granule2M},
	}

	for specIndex, spec := range specs {
		spec := spec
		nxSupportedFn = func() bool { return spec.nx }
		giantPagesSupportedFn = func() bool { return spec.giant }
		globalPagesSupportedFn = func() bool { return spec.global }

		cfg, opts := probeFeatures()
		if cfg.MaxGranule != spec.expGranule {
			t.Errorf("[spec %d] expected max granule %s; got %s", specIndex, spec.expGranule, cfg.MaxGranule)
		}
		if cfg.NoExecute != spec.nx || opts.NoExecute != spec.nx {
			t.Errorf("[spec %d] expected NX to follow CPU support", specIndex)
		}
		if opts.GlobalPages != spec.global || !opts.WriteProtect {
			t.Errorf("[spec %d] unexpected options %+v", specIndex, opts)
		}
	}
}

func TestSelfTestFailure(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	built := paging.Layout{}
	built.Regions[paging.RegionText] = paging.Region{Base: 0x100000, Size: 0x1000}

	bt := new(paging.BootTables)
	cfg := paging.DefaultConfig()
	if err := bt.Build(&built, cfg); err != nil {
		t.Fatal(err)
	}

	claimed := built
	claimed.Regions[paging.RegionData] = paging.Region{Base: 0x101000, Size: 0x1000}
	if err := selfTest(bt, &claimed, cfg); err != errSelfTest {
		t.Errorf("expected %v; got %v", errSelfTest, err)
	}
	if !strings.Contains(buf.String(), "PTE absent") {
		t.Errorf("expected failure to be logged; got:\n%s", buf.String())
	}

	if err := selfTest(bt, &built, cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProtectionMatches(t *testing.T) {
	specs := []struct {
		kind   paging.RegionKind
		leaf   paging.Attrs
		exact  bool
		noExec bool
		exp    bool
	}{
		{paging.RegionText, paging.Attrs{}, true, true, true},
		{paging.RegionText, paging.Attrs{NoExecute: true}, false, true, false},
		{paging.RegionText, paging.Attrs{Writable: true}, true, true, false},
		{paging.RegionText, paging.Attrs{Writable: true}, false, true, true},
		{paging.RegionData, paging.Attrs{Writable: true, NoExecute: true}, true, true, true},
		{paging.RegionData, paging.Attrs{Writable: true}, true, true, false},
		{paging.RegionData, paging.Attrs{Writable: true}, true, false, true},
		{paging.RegionBSS, paging.Attrs{NoExecute: true}, false, true, false},
		{paging.RegionROData, paging.Attrs{NoExecute: true}, true, true, true},
		{paging.RegionROData, paging.Attrs{Writable: true, NoExecute: true}, true, true, false},
		{paging.RegionROData, paging.Attrs{}, true, true, false},
		{paging.RegionROData, paging.Attrs{}, true, false, true},
		{paging.RegionROData, paging.Attrs{Writable: true}, false, true, true},
	}

	for specIndex, spec := range specs {
		if got := protectionMatches(spec.kind, spec.leaf, spec.exact, spec.noExec); got != spec.exp {
			t.Errorf("[spec %d] expected %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestSharesPage(t *testing.T) {
	var layout paging.Layout
	layout.Regions[paging.RegionText] = paging.Region{Base: 0x100000, Size: 0x1800}
	layout.Regions[paging.RegionROData] = paging.Region{Base: 0x101800, Size: 0x800}
	layout.Regions[paging.RegionData] = paging.Region{Base: 0x103000, Size: 0x1000}

	specs := []struct {
		kind paging.RegionKind
		phys uint64
		exp  bool
	}{
		{paging.RegionText, 0x100000, false},
		{paging.RegionText, 0x1017ff, true},
		{paging.RegionROData, 0x101fff, true},
		{paging.RegionData, 0x103000, false},
		{paging.RegionData, 0x103fff, false},
	}

	for specIndex, spec := range specs {
		if got := sharesPage(&layout, spec.kind, spec.phys); got != spec.exp {
			t.Errorf("[spec %d] expected %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestSelfTestChecksReadOnlyData(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	// rodata built as data ends up writable in the tables
	built := paging.Layout{}
	built.Regions[paging.RegionText] = paging.Region{Base: 0x100000, Size: 0x1000}
	built.Regions[paging.RegionData] = paging.Region{Base: 0x101000, Size: 0x1000}

	bt := new(paging.BootTables)
	cfg := paging.DefaultConfig()
	if err := bt.Build(&built, cfg); err != nil {
		t.Fatal(err)
	}

	claimed := paging.Layout{}
	claimed.Regions[paging.RegionText] = built.Regions[paging.RegionText]
	claimed.Regions[paging.RegionROData] = built.Regions[paging.RegionData]
	if err := selfTest(bt, &claimed, cfg); err != errSelfTest {
		t.Errorf("expected %v; got %v", errSelfTest, err)
	}
	if !strings.Contains(buf.String(), "unexpected protection") {
		t.Errorf("expected failure to be logged; got:\n%s", buf.String())
	}

	// the coarse identity window grants more than rodata needs; the high
	// window still must match
	built.Regions[paging.RegionROData], built.Regions[paging.RegionData] = built.Regions[paging.RegionData], paging.Region{}
	cfg.MaxGranule = paging.Granule1G
	cfg.IdentityGiB = 1
	if err := bt.Build(&built, cfg); err != nil {
		t.Fatal(err)
	}
	if err := selfTest(bt, &built, cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
