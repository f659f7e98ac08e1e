package devmap

import (
	"testing"

	"fdt"
)

func TestClassifyPrefixes(t *testing.T) {
	cases := map[string]string{
		"uart@10000000":         "uart",
		"virtio_mmio@10001000":  "virtio_mmio",
		"plic@c000000":          "plic",
		"clint@2000000":         "clint",
		"memory@80000000":       "unknown",
	}
	for name, want := range cases {
		if got := Classify(name).String(); got != want {
			t.Errorf("Classify(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestMapNodeGrantsExecuteOnlyForKernelText(t *testing.T) {
	n := &fdt.Node{Name: "uart@10000000", Props: []fdt.Prop{
		{Name: "reg", Value: []byte{0, 0, 0, 0, 0x10, 0, 0, 0, 0, 0, 0, 0x00, 0x10, 0, 0, 0}},
	}, AddressCells: 2, SizeCells: 2}

	m, ok := MapNode(n, false)
	if !ok {
		t.Fatalf("MapNode: expected a mapping")
	}
	if m.Perms&PermX != 0 {
		t.Fatalf("device mapping should not be executable")
	}
	m2, _ := MapNode(n, true)
	if m2.Perms&PermX == 0 {
		t.Fatalf("kernel-text mapping should be executable")
	}
}

func TestValidateVirtioWindow(t *testing.T) {
	good := make([]byte, 16)
	good[0], good[1], good[2], good[3] = 0x76, 0x69, 0x72, 0x74 // "virt" LE
	good[4] = 1                                                 // version 1
	good[8] = 2                                                 // device id: block
	good[12], good[13], good[14], good[15] = 0x51, 0x45, 0x4d, 0x55 // "QEMU" LE
	if err := ValidateVirtioWindow(good); err != nil {
		t.Fatalf("ValidateVirtioWindow: %v", err)
	}

	bad := make([]byte, 16)
	if err := ValidateVirtioWindow(bad); err == nil {
		t.Fatalf("expected error for zeroed window")
	}
}

func TestValidateVirtioWindowRejectsWrongDeviceID(t *testing.T) {
	window := make([]byte, 16)
	window[0], window[1], window[2], window[3] = 0x76, 0x69, 0x72, 0x74
	window[4] = 1
	window[8] = 0 // device id reads 0, not a block device
	window[12], window[13], window[14], window[15] = 0x51, 0x45, 0x4d, 0x55
	if err := ValidateVirtioWindow(window); err == nil {
		t.Fatalf("expected error for a device id that doesn't match the block device")
	}
}
