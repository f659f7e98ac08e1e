// Package topology models the machine-wide NUMA topology: one Machine
// owning a list of Domains, each owning CPUs, memory ranges and
// devices.
//
// Machine/Domain substructures grow as plain Go slices/maps and let
// the garbage collector own the growth, since there's no pre-allocator
// bring-up ordering constraint to honor in user-space Go. Domains are
// created lazily by ID (FindDomain) and discovered from the FDT's
// numa-node-id properties (BuildFromFDT) rather than from an ACPI/SRAT
// affinity table.
package topology

import (
	"fmt"

	"defs"
	"devmap"
	"fdt"
)

// CPU describes one hardware thread (hart) and the domain it belongs
// to.
type CPU struct {
	HartID uint32
	Domain *Domain
}

// MemoryRange describes one contiguous span of physical memory owned
// by a domain.
type MemoryRange struct {
	Start    uint64
	Length   uint64
	Domain   *Domain
	Reserved bool
}

// End returns the address one past the last byte of the range.
func (mr *MemoryRange) End() uint64 {
	return mr.Start + mr.Length
}

// Device describes one memory-mapped device discovered in the tree.
type Device struct {
	Kind   defs.DeviceKind
	Name   string
	Reg    fdt.RegEntry
	Domain *Domain
}

// Domain is one NUMA node: a set of CPUs, memory ranges and devices,
// plus the communication ring other domains use to reach it.
type Domain struct {
	ID          uint32
	CPUs        []*CPU
	MemRanges   []*MemoryRange
	Devices     []*Device
	CombufStart uint64
}

// Master returns the domain's first CPU, which is also the only one
// that owns the domain's message ring and receives its IPIs -- only
// the first core of each domain handles receipts. SetMaster decides
// which CPU that is; until it's called, Master simply returns
// whichever CPU was discovered first.
func (d *Domain) Master() (*CPU, bool) {
	if len(d.CPUs) == 0 {
		return nil, false
	}
	return d.CPUs[0], true
}

// SetMaster designates d's domain master: the most recently discovered
// CPU, moved to the head of d.CPUs. Topology discovery appends CPUs in
// FDT order, so the last one discovered is swapped with the first one,
// which takes its old place at the end of the list; the CPUs in between
// keep their positions.
func (d *Domain) SetMaster() {
	last := len(d.CPUs) - 1
	if last <= 0 {
		return
	}
	d.CPUs[0], d.CPUs[last] = d.CPUs[last], d.CPUs[0]
}

// Machine is the whole-machine topology: every domain, reachable both
// through the domain list and through flat all-CPUs/all-ranges/all-devices
// slices for callers that want to iterate without walking per-domain.
type Machine struct {
	domains    map[uint32]*Domain
	order      []uint32 // first-seen order, for deterministic iteration
	AllCPUs    []*CPU
	AllRanges  []*MemoryRange
	AllDevices []*Device
}

// NewMachine returns an empty topology ready to be populated.
func NewMachine() *Machine {
	return &Machine{domains: make(map[uint32]*Domain)}
}

// FindDomain returns the domain with the given ID, creating it (in
// first-seen order) if it does not exist yet -- the same lazy-create
// shape as the original's find_domain/add_domain pair.
func (m *Machine) FindDomain(id uint32) *Domain {
	if d, ok := m.domains[id]; ok {
		return d
	}
	d := &Domain{ID: id}
	m.domains[id] = d
	m.order = append(m.order, id)
	return d
}

// Domains returns every domain in first-seen order.
func (m *Machine) Domains() []*Domain {
	out := make([]*Domain, len(m.order))
	for i, id := range m.order {
		out[i] = m.domains[id]
	}
	return out
}

// AddCPU registers a hart under the given domain.
func (m *Machine) AddCPU(domainID, hartID uint32) *CPU {
	d := m.FindDomain(domainID)
	c := &CPU{HartID: hartID, Domain: d}
	d.CPUs = append(d.CPUs, c)
	m.AllCPUs = append(m.AllCPUs, c)
	return c
}

// AddMemoryRange registers a memory range under the given domain.
func (m *Machine) AddMemoryRange(domainID uint32, start, length uint64) *MemoryRange {
	d := m.FindDomain(domainID)
	mr := &MemoryRange{Start: start, Length: length, Domain: d}
	d.MemRanges = append(d.MemRanges, mr)
	m.AllRanges = append(m.AllRanges, mr)
	return mr
}

// AddDevice registers a device under the given domain.
func (m *Machine) AddDevice(domainID uint32, kind defs.DeviceKind, name string, reg fdt.RegEntry) *Device {
	d := m.FindDomain(domainID)
	dev := &Device{Kind: kind, Name: name, Reg: reg, Domain: d}
	d.Devices = append(d.Devices, dev)
	m.AllDevices = append(m.AllDevices, dev)
	return dev
}

// FindMemoryRangeContaining returns the range (and owning domain) that
// contains address addr, used by the boot orchestrator to check that
// the running kernel's own text lives in its local domain.
func (m *Machine) FindMemoryRangeContaining(addr uint64) (*MemoryRange, bool) {
	for _, mr := range m.AllRanges {
		if addr >= mr.Start && addr < mr.End() {
			return mr, true
		}
	}
	return nil, false
}

// BuildFromFDT walks an already-parsed device tree and populates a new
// Machine: every "cpu@..." node contributes a CPU keyed by its
// numa-node-id property (default domain 0 if absent), every
// "memory@..." node contributes one MemoryRange per reg entry keyed
// the same way, and every node devmap.Classify recognizes (uart@,
// virtio_mmio@, plic@, clint@) contributes a Device. A device's owner
// domain comes from its own numa-node-id if present, otherwise from
// whichever domain's memory range contains its MMIO window. Once every
// node has been visited, SetMaster runs on each domain so its master
// CPU is at the head of its CPU list.
func BuildFromFDT(root *fdt.Node) *Machine {
	m := NewMachine()
	fdt.Walk(root, func(n *fdt.Node) {
		switch {
		case hasPrefix(n.Name, "cpu@"):
			domainID := uint32(0)
			if v, ok := n.Prop("numa-node-id"); ok && len(v) == 4 {
				domainID = beU32(v)
			}
			hartID := uint32(0)
			if regs := n.Reg(); len(regs) > 0 {
				hartID = uint32(regs[0].Address)
			}
			m.AddCPU(domainID, hartID)
		case hasPrefix(n.Name, "memory@"):
			domainID := uint32(0)
			if v, ok := n.Prop("numa-node-id"); ok && len(v) == 4 {
				domainID = beU32(v)
			}
			for _, r := range n.Reg() {
				m.AddMemoryRange(domainID, r.Address, r.Length)
			}
		}
	})
	fdt.Walk(root, func(n *fdt.Node) {
		mapping, ok := devmap.MapNode(n, false)
		if !ok {
			return
		}
		var domainID uint32
		if v, ok := n.Prop("numa-node-id"); ok && len(v) == 4 {
			domainID = beU32(v)
		} else if mr, ok := m.FindMemoryRangeContaining(mapping.Reg.Address); ok {
			domainID = mr.Domain.ID
		}
		m.AddDevice(domainID, mapping.Kind, mapping.Name, mapping.Reg)
	})
	for _, d := range m.Domains() {
		d.SetMaster()
	}
	return m
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Print writes a human-readable dump of the topology: one line per
// domain, hart and memory range.
func (m *Machine) Print() {
	for _, d := range m.Domains() {
		fmt.Printf("numa domain %d:\n", d.ID)
		for _, c := range d.CPUs {
			fmt.Printf("\tcpu id %d\n", c.HartID)
		}
		for _, mr := range d.MemRanges {
			fmt.Printf("\tmemory range: 0x%x -- 0x%x\n", mr.Start, mr.End())
		}
		fmt.Println()
	}
}
