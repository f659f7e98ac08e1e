// Package planner implements the memory-range carve-out sequence that
// turns one raw memory range into the reserved-memory region, the DTB
// extent, the kernel image, and the communication buffer (combuf) a
// domain needs.
//
// The local domain's own combuf is placed at the first page boundary
// after its kernel image (LocalCombufCarve); a remote domain's combuf is
// chosen blind from the caller's side, so it takes the first memrange
// in that domain's list with enough room for kernel image plus combuf.
package planner

import (
	"fmt"

	"numacfg"
	"topology"
	"util"
)

// Carve is one piece carved out of a larger range: where it starts,
// how long it is, and what it's for.
type Carve struct {
	Name   string
	Start  uint64
	Length uint64
}

func (c Carve) End() uint64 { return c.Start + c.Length }

// SeparateMemrange splits src into, in fixed order: a leading
// reserved-memory carve-out, a DTB-extent carve-out, a kernel-image
// carve-out, and a trailing communication-buffer carve-out, plus
// whatever is left over as free space. Each carve-out is a pure
// interval split -- no carve-out may overlap another, and any
// zero-length carve-out is simply omitted. It returns an error if src
// is not large enough to hold every requested non-zero carve-out.
func SeparateMemrange(src topology.MemoryRange, reservedLen, dtbLen, kernelLen, combufLen uint64) ([]Carve, error) {
	cursor := src.Start
	remaining := src.Length
	var out []Carve

	take := func(name string, length uint64) error {
		if length == 0 {
			return nil
		}
		if length > remaining {
			return fmt.Errorf("planner: range 0x%x..0x%x too small for %s (need 0x%x, have 0x%x)",
				src.Start, src.End(), name, length, remaining)
		}
		out = append(out, Carve{Name: name, Start: cursor, Length: length})
		cursor += length
		remaining -= length
		return nil
	}

	if err := take("reserved-memory", reservedLen); err != nil {
		return nil, err
	}
	if err := take("dtb", dtbLen); err != nil {
		return nil, err
	}
	if err := take("kernel", kernelLen); err != nil {
		return nil, err
	}

	// The combuf is carved from the *tail* of the range, not the
	// cursor: a domain handling its own combuf placement already knows
	// its one memrange and can put the record at the very end of it.
	if combufLen > 0 {
		if combufLen > remaining {
			return nil, fmt.Errorf("planner: range 0x%x..0x%x too small for combuf (need 0x%x, have 0x%x)",
				src.Start, src.End(), combufLen, remaining)
		}
		out = append(out, Carve{Name: "combuf", Start: src.End() - combufLen, Length: combufLen})
		remaining -= combufLen
	}

	if remaining > 0 {
		out = append(out, Carve{Name: "free", Start: cursor, Length: remaining})
	}
	return out, nil
}

// LocalCombufCarve returns the combuf carve-out for a domain's own
// memory range: it is placed immediately after the kernel-image
// carve-out supplied by kernelEnd, at a page-aligned offset, holding
// numacfg.CommBufSize bytes.
func LocalCombufCarve(mr *topology.MemoryRange, kernelEnd uint64) (Carve, error) {
	start := util.Roundup(kernelEnd, uint64(numacfg.PageSize))
	end := start + numacfg.CommBufSize
	if end > mr.End() {
		return Carve{}, fmt.Errorf("planner: domain %d has no room for a local combuf after kernel end 0x%x", mr.Domain.ID, kernelEnd)
	}
	return Carve{Name: "combuf", Start: start, Length: numacfg.CommBufSize}, nil
}

// RemoteCombufCarve picks the communication buffer location for a
// domain reached from another domain's boot code: the first
// non-reserved memory range in that domain's list (in discovery order)
// large enough to hold both the kernel image and the combuf.
func RemoteCombufCarve(d *topology.Domain, kernelLen uint64) (*topology.MemoryRange, Carve, error) {
	need := kernelLen + numacfg.CommBufSize
	for _, mr := range d.MemRanges {
		if mr.Reserved {
			continue
		}
		if mr.Length >= need {
			return mr, Carve{Name: "combuf", Start: mr.Start + kernelLen, Length: numacfg.CommBufSize}, nil
		}
	}
	return nil, Carve{}, fmt.Errorf("planner: domain %d has no memory range large enough for kernel+combuf (need 0x%x)", d.ID, need)
}
