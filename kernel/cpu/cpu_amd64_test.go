package cpu

import "testing"

func TestIsBSP(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		ebx uint32
		exp bool
	}{
		// initial APIC ID 0 -> bootstrap processor
		{0x00010800, true},
		// initial APIC ID 3 -> application processor
		{0x03010800, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return 0, spec.ebx, 0, 0
		}

		if got := IsBSP(); got != spec.exp {
			t.Errorf("[spec %d] expected IsBSP to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}
