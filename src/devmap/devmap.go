// Package devmap classifies device-tree nodes by name prefix into the
// small set of devices this kernel knows how to drive, and computes
// the page permissions each one should be mapped with.
//
// Every device maps R|W; only the kernel's own text carve-out also
// gets X. ValidateVirtioWindow checks a virtio_mmio window's
// magic/version/device-ID/vendor-ID handshake when it is handed the
// window's bytes; MapNode does not read device memory and does not call
// it, so a virtio_mmio@ node is accepted on its name and reg alone.
package devmap

import (
	"fmt"
	"strings"

	"defs"
	"fdt"
)

// Perm is a page-permission bitmask: read, write, execute.
type Perm int

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// Mapping is one device's computed MMIO window and permissions.
type Mapping struct {
	Kind  defs.DeviceKind
	Name  string
	Reg   fdt.RegEntry
	Perms Perm
}

// prefixes is checked in order; the first match wins, so more specific
// prefixes must come before shorter/ambiguous ones.
var prefixes = []struct {
	prefix string
	kind   defs.DeviceKind
}{
	{"uart@", defs.DeviceUART},
	{"virtio_mmio@", defs.DeviceVirtioMMIO},
	{"plic@", defs.DevicePLIC},
	{"clint@", defs.DeviceCLINT},
}

// Classify returns the device kind implied by a node's name, or
// DeviceUnknown if no known prefix matches.
func Classify(name string) defs.DeviceKind {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.kind
		}
	}
	return defs.DeviceUnknown
}

// virtio MMIO transport handshake constants (virtio-v1.1, section 4.2.2).
// This kernel only speaks the legacy version-1 transport to a block
// device backed by QEMU's virtio-mmio implementation; anything else
// at a virtio_mmio@ node is rejected rather than driven blind.
const (
	virtioMagicValue  = 0x74726976 // "virt" little-endian
	virtioVersion1    = 1
	virtioVendorQEMU  = 0x554d4551 // "QEMU" little-endian
	virtioDeviceBlock = 2
)

// ValidateVirtioWindow checks the magic/version/device-ID/vendor-ID
// handshake at the start of a mapped virtio_mmio window. window must
// be at least 16 bytes: MagicValue, Version, DeviceID, VendorID, each
// a little-endian uint32, per the virtio MMIO transport layout. Only
// the legacy version-1 QEMU block-device combination is accepted.
func ValidateVirtioWindow(window []byte) error {
	if len(window) < 16 {
		return fmt.Errorf("devmap: virtio window too short to hold the handshake header")
	}
	magic := leU32(window[0:4])
	if magic != virtioMagicValue {
		return fmt.Errorf("devmap: virtio magic = 0x%x, want 0x%x", magic, virtioMagicValue)
	}
	version := leU32(window[4:8])
	if version != virtioVersion1 {
		return fmt.Errorf("devmap: virtio version = %d, want %d", version, virtioVersion1)
	}
	deviceID := leU32(window[8:12])
	if deviceID != virtioDeviceBlock {
		return fmt.Errorf("devmap: virtio device id = %d, want %d (block)", deviceID, virtioDeviceBlock)
	}
	vendorID := leU32(window[12:16])
	if vendorID != virtioVendorQEMU {
		return fmt.Errorf("devmap: virtio vendor id = 0x%x, want 0x%x (QEMU)", vendorID, virtioVendorQEMU)
	}
	return nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// MapNode classifies n and returns its mapping with the standard
// permission set: R|W for every device, plus X only when isKernelText
// is set (used for the kernel's own text carve-out, never for a real
// device node).
func MapNode(n *fdt.Node, isKernelText bool) (Mapping, bool) {
	kind := Classify(n.Name)
	if kind == defs.DeviceUnknown {
		return Mapping{}, false
	}
	regs := n.Reg()
	if len(regs) == 0 {
		return Mapping{}, false
	}
	perms := PermR | PermW
	if isKernelText {
		perms |= PermX
	}
	return Mapping{Kind: kind, Name: n.Name, Reg: regs[0], Perms: perms}, true
}
