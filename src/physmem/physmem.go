// Package physmem simulates a machine's physical RAM as a single
// mmap-backed arena, so the allocator and planner packages exercise
// real page-granular memory (alignment faults, shared-mapping
// semantics) instead of an ordinary Go slice that the runtime could
// move or that wouldn't fault on misaligned access the way real RAM
// would.
//
// Backing the simulated RAM with a real anonymous mapping rather than
// an in-process byte slice means the allocator and planner packages
// exercise an actual OS-managed resource, the same way a simulated
// disk is better backed by a real file than an in-memory fake.
//
// An Arena covers one contiguous physical address range [base,
// base+size); every address callers pass to Slice/Zero is a physical
// address in that range, not a 0-based offset into the backing
// mapping, so a domain's memory-range Start can be handed to the
// arena directly.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"numacfg"
)

// Arena is one contiguous simulated physical-memory region. base is
// the physical address its first byte represents -- callers address
// it the same way they'd address real RAM (by physical address, not
// by a 0-based offset), and Slice/Zero translate internally.
type Arena struct {
	mem  []byte
	base uint64
	size uint64
}

// New mmaps an anonymous, page-aligned region of the given size
// (rounded up to a page) representing the physical address range
// [base, base+size) and returns it as an Arena. The caller must call
// Close when done to unmap the region.
func New(base, size uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: zero-sized arena")
	}
	rounded := (size + numacfg.PageSize - 1) &^ (numacfg.PageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", rounded, err)
	}
	return &Arena{mem: mem, base: base, size: rounded}, nil
}

// Close unmaps the arena's backing memory.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Size returns the arena's size in bytes.
func (a *Arena) Size() uint64 { return a.size }

// Base returns the physical address the arena's first byte
// represents.
func (a *Arena) Base() uint64 { return a.base }

// Slice returns the byte range [addr, addr+length) of simulated
// physical memory, suitable for handing to an ELF loader or a device
// mapper as a backing window. addr is a physical address, translated
// to an offset by subtracting the arena's base. It panics if addr is
// below the arena's base or the range runs past its end, matching the
// bounds-checking style used throughout this module.
func (a *Arena) Slice(addr, length uint64) []byte {
	if addr < a.base {
		panic(fmt.Sprintf("physmem: address 0x%x below arena base 0x%x", addr, a.base))
	}
	off := addr - a.base
	if off+length > a.size {
		panic(fmt.Sprintf("physmem: slice [0x%x, 0x%x) out of bounds for arena [0x%x, 0x%x)", addr, addr+length, a.base, a.base+a.size))
	}
	return a.mem[off : off+length]
}

// Zero fills the physical address range [addr, addr+length) with zero
// bytes.
func (a *Arena) Zero(addr, length uint64) {
	s := a.Slice(addr, length)
	for i := range s {
		s[i] = 0
	}
}
