// +build 386 amd64

package cpu

import "testing"

func TestExtendedFeatures(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		maxLeaf  uint32
		extEdx   uint32
		stdEdx   uint32
		expLM    bool
		expNX    bool
		expGiant bool
		expPGE   bool
	}{
		// 64-bit CPU with every paging feature
		{0x80000008, extEdxLongMode | extEdxNX | extEdxGiantPage, stdEdxPGE, true, true, true, true},
		// 64-bit CPU without 1G pages
		{0x80000008, extEdxLongMode | extEdxNX, stdEdxPGE, true, true, false, true},
		// 32-bit only CPU that still reports the extended leaf
		{0x80000004, extEdxNX, 0, false, true, false, false},
		// Extended leaf not implemented; EDX must be ignored
		{0x80000000, extEdxLongMode | extEdxNX | extEdxGiantPage, stdEdxPGE, false, false, false, true},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
			switch leaf {
			case leafMaxExtended:
				return spec.maxLeaf, 0, 0, 0
			case leafExtFeatures:
				return 0, 0, 0, spec.extEdx
			case leafStdFeatures:
				return 0, 0, 0, spec.stdEdx
			}
			t.Fatalf("[spec %d] unexpected CPUID leaf 0x%x", specIndex, leaf)
			return 0, 0, 0, 0
		}

		if got := LongModeSupported(); got != spec.expLM {
			t.Errorf("[spec %d] expected LongModeSupported to return %t; got %t", specIndex, spec.expLM, got)
		}
		if got := NXSupported(); got != spec.expNX {
			t.Errorf("[spec %d] expected NXSupported to return %t; got %t", specIndex, spec.expNX, got)
		}
		if got := GiantPagesSupported(); got != spec.expGiant {
			t.Errorf("[spec %d] expected GiantPagesSupported to return %t; got %t", specIndex, spec.expGiant, got)
		}
		if got := GlobalPagesSupported(); got != spec.expPGE {
			t.Errorf("[spec %d] expected GlobalPagesSupported to return %t; got %t", specIndex, spec.expPGE, got)
		}
	}
}

func TestID(t *testing.T) {
	// CPUID is not privileged so it can run on the test host; leaf 0
	// always reports a non-zero max standard leaf.
	if maxLeaf, _, _, _ := ID(0); maxLeaf == 0 {
		t.Fatal("expected CPUID leaf 0 to report a non-zero max leaf")
	}
}
