package paging

import (
	"lmboot/kernel"
	"lmboot/kernel/mm"
	"testing"
	"unsafe"
)

func TestTranslateCanonicalGate(t *testing.T) {
	defer func(origTablePtr func(*BootTables, uint64) unsafe.Pointer) {
		tablePtrFn = origTablePtr
	}(tablePtrFn)

	bt := mustBuild(t, scenarioLayout(), scenarioConfig())

	var tableReads int
	tablePtrFn = func(bt *BootTables, phys uint64) unsafe.Pointer {
		tableReads++
		return bt.lookup(phys)
	}

	specs := []uint64{
		0x0000800000000000,
		0xffff7fffffffffff,
		0x0001000000000000,
		0x8000000000000000,
		0xfffe000000001000,
	}

	for specIndex, virt := range specs {
		tableReads = 0
		tr := bt.Translate(virt)
		if tr.Status != StatusNonCanonical {
			t.Errorf("[spec %d] expected 0x%x to be %q; got %q", specIndex, virt, StatusNonCanonical, tr.Status)
		}
		if tableReads != 0 {
			t.Errorf("[spec %d] expected no table reads; got %d", specIndex, tableReads)
		}
		if tr.Level != 0 || tr.Indices != [pageLevels]uint16{} {
			t.Errorf("[spec %d] expected walk to stop before index extraction; got %+v", specIndex, tr)
		}
	}

	// canonical upper half addresses are walked
	tableReads = 0
	tr := bt.Translate(HighHalfMidBase)
	if tr.Status != StatusPML4EAbsent || tableReads != 1 {
		t.Errorf("expected %q after a single table read; got %q after %d", StatusPML4EAbsent, tr.Status, tableReads)
	}
	if exp := [pageLevels]uint16{256, 0, 0, 0}; tr.Indices != exp {
		t.Errorf("expected indices %v; got %v", exp, tr.Indices)
	}
}

func TestTranslateIndices(t *testing.T) {
	bt := mustBuild(t, scenarioLayout(), scenarioConfig())

	specs := []struct {
		virt       uint64
		expStatus  Status
		expIndices [pageLevels]uint16
		expLevel   int
	}{
		{HighHalfTopBase + 0x1234, StatusFound, [pageLevels]uint16{511, 511, 0, 1}, 4},
		{0x0000008000000000, StatusPML4EAbsent, [pageLevels]uint16{1, 0, 0, 0}, 1},
		{0x0000000040000000, StatusPDPTEAbsent, [pageLevels]uint16{0, 1, 0, 0}, 2},
		{0x0000000000200000, StatusPDEAbsent, [pageLevels]uint16{0, 0, 1, 0}, 3},
		{0x0000000000007abc, StatusPTEAbsent, [pageLevels]uint16{0, 0, 0, 7}, 4},
		{0xffffffffffffffff, StatusPDEAbsent, [pageLevels]uint16{511, 511, 511, 511}, 3},
	}

	for specIndex, spec := range specs {
		tr := bt.Translate(spec.virt)
		if tr.Status != spec.expStatus {
			t.Errorf("[spec %d] expected status %q; got %q", specIndex, spec.expStatus, tr.Status)
		}
		if tr.Indices != spec.expIndices {
			t.Errorf("[spec %d] expected indices %v; got %v", specIndex, spec.expIndices, tr.Indices)
		}
		if tr.Level != spec.expLevel {
			t.Errorf("[spec %d] expected walk to stop at level %d; got %d", specIndex, spec.expLevel, tr.Level)
		}
		if exp := spec.virt & (mm.PageSize - 1); tr.Offset != exp {
			t.Errorf("[spec %d] expected offset 0x%x; got 0x%x", specIndex, exp, tr.Offset)
		}
	}
}

func TestTranslateEffectiveAttrs(t *testing.T) {
	bt := mustBuild(t, scenarioLayout(), scenarioConfig())

	pml4 := bt.pml4()
	pml4[0] = PML4E(uint64(pml4[0])&^uint64(FlagRW) | uint64(FlagNoExecute))

	tr := bt.Translate(0)
	if tr.Status != StatusFound {
		t.Fatalf("expected %q; got %q", StatusFound, tr.Status)
	}
	if tr.Leaf.NoExecute || tr.Leaf.Writable {
		t.Errorf("expected leaf attributes to be unchanged; got %+v", tr.Leaf)
	}
	if !tr.Effective.NoExecute || tr.Effective.User {
		t.Errorf("expected NX to be inherited from the root entry; got %+v", tr.Effective)
	}

	tr = bt.Translate(4 * mm.PageSize)
	if !tr.Leaf.Writable || tr.Effective.Writable {
		t.Errorf("expected a read-only root entry to restrict a writable leaf; got leaf %+v effective %+v", tr.Leaf, tr.Effective)
	}

	// the high window is unaffected
	tr = bt.Translate(HighHalfTopBase + 4*mm.PageSize)
	if !tr.Effective.Writable || !tr.Effective.NoExecute || !tr.Effective.Global {
		t.Errorf("expected effective attributes to match the leaf; got %+v", tr.Effective)
	}
}

func TestTranslateOutsidePool(t *testing.T) {
	bt := mustBuild(t, scenarioLayout(), scenarioConfig())

	pml4 := bt.pml4()
	pdpt := (*PDPT)(bt.lookup(pml4[0].Decode().Addr))
	pd := (*PD)(bt.lookup(pdpt[0].Decode().Addr))

	var err *kernel.Error

	// none of these addresses may be dereferenced on the host
	const outside = uint64(0x1000)
	specs := []struct {
		patch     func()
		virt      uint64
		expStatus Status
		expLevel  int
	}{
		{
			func() { pd[1], err = MakePDETable(outside, tableAttrs) },
			mm.HugePageSize + 3*mm.PageSize,
			StatusPTEAbsent,
			4,
		},
		{
			func() { pdpt[1], err = MakePDPTETable(outside, tableAttrs) },
			mm.GiantPageSize,
			StatusPDEAbsent,
			3,
		},
		{
			func() { pml4[1], err = MakePML4E(bt.Root()+TablePoolSize*mm.PageSize, tableAttrs) },
			1 << 39,
			StatusPDPTEAbsent,
			2,
		},
	}

	for specIndex, spec := range specs {
		if spec.patch(); err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}

		tr := bt.Translate(spec.virt)
		if tr.Status != spec.expStatus || tr.Level != spec.expLevel {
			t.Errorf("[spec %d] expected status %q at level %d; got %q at level %d", specIndex, spec.expStatus, spec.expLevel, tr.Status, tr.Level)
		}
	}

	if err = bt.Verify(); err != ErrDanglingTable {
		t.Errorf("expected Verify to report %v; got %v", ErrDanglingTable, err)
	}
}

func TestTranslateBeforeBuild(t *testing.T) {
	var bt = new(BootTables)

	if got := bt.Translate(0x1000).Status; got != StatusPML4EAbsent {
		t.Errorf("expected unbuilt tables to report %q; got %q", StatusPML4EAbsent, got)
	}
}

func TestTranslationError(t *testing.T) {
	specs := []struct {
		status Status
		exp    string
	}{
		{StatusFound, ""},
		{StatusNonCanonical, errNonCanonical.Message},
		{StatusPML4EAbsent, errPML4EAbsent.Message},
		{StatusPDPTEAbsent, errPDPTEAbsent.Message},
		{StatusPDEAbsent, errPDEAbsent.Message},
		{StatusPTEAbsent, errPTEAbsent.Message},
	}

	for specIndex, spec := range specs {
		err := Translation{Status: spec.status}.Err()
		switch {
		case spec.exp == "" && err != nil:
			t.Errorf("[spec %d] expected no error; got %v", specIndex, err)
		case spec.exp != "" && (err == nil || err.Message != spec.exp):
			t.Errorf("[spec %d] expected error %q; got %v", specIndex, spec.exp, err)
		}
	}
}

func TestStatusString(t *testing.T) {
	specs := []struct {
		status Status
		exp    string
	}{
		{StatusFound, "found"},
		{StatusNonCanonical, "noncanonical"},
		{StatusPML4EAbsent, "PML4E absent"},
		{StatusPDPTEAbsent, "PDPTE absent"},
		{StatusPDEAbsent, "PDE absent"},
		{StatusPTEAbsent, "PTE absent"},
		{Status(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.status.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestIsCanonical(t *testing.T) {
	specs := []struct {
		virt uint64
		exp  bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0x0000800000000000, false},
		{0xffff800000000000, true},
		{0xffffffffffffffff, true},
		{0x7fff800000000000, false},
	}

	for specIndex, spec := range specs {
		if got := IsCanonical(spec.virt); got != spec.exp {
			t.Errorf("[spec %d] expected IsCanonical(0x%x) to return %t; got %t", specIndex, spec.virt, spec.exp, got)
		}
	}
}
