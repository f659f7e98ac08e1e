// Package palloc is the physical page allocator: a bootstrap mode with
// one global free list, and a NUMA mode with one free list per domain
// plus cross-domain fallback.
//
// Freeing a page junk-fills it with 0x01 before linking it onto a free
// list; allocating a page junk-fills it with 0x05 before returning it.
// Those two fill patterns are what let a free catch a double free: a
// page still carrying the alloc pattern has not been handed back yet.
package palloc

import (
	"fmt"
	"sync"

	"numacfg"
)

const (
	freeFill  = 0x01
	allocFill = 0x05
)

// Page is one page-sized chunk of backing memory. Allocator methods
// hand out and take back *Page values; callers must not retain a Page
// across a Free call.
type Page struct {
	Bytes [numacfg.PageSize]byte
}

func (p *Page) fill(b byte) {
	for i := range p.Bytes {
		p.Bytes[i] = b
	}
}

// leadByte reports the fill byte at the start of the page, used only
// for double-free detection -- it is not meaningful once the page has
// been written to by its owner.
func (p *Page) leadByte() byte {
	return p.Bytes[0]
}

// Allocator is satisfied by both the bootstrap and NUMA allocators so
// the boot orchestrator can swap from one to the other without
// plumbing a mode flag through every call site, replacing the
// original's "if(!numa_ready)" branch in kalloc/kfree with an
// interface the Go way.
type Allocator interface {
	Alloc() (*Page, error)
	Free(p *Page) error
}

// freelist is a single free list (a slice used as a stack) guarded by
// a mutex --
// the direct translation of struct kmem { spinlock, *run freelist }.
type freelist struct {
	mu    sync.Mutex
	pages []*Page
}

func (f *freelist) alloc() (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.pages)
	if n == 0 {
		return nil, fmt.Errorf("palloc: out of memory")
	}
	p := f.pages[n-1]
	f.pages = f.pages[:n-1]
	p.fill(allocFill)
	return p, nil
}

func (f *freelist) free(p *Page) error {
	if p.leadByte() == freeFill {
		return fmt.Errorf("palloc: double free")
	}
	p.fill(freeFill)
	f.mu.Lock()
	f.pages = append(f.pages, p)
	f.mu.Unlock()
	return nil
}

// Bootstrap is the single-free-list allocator used before the NUMA
// topology is known, matching kalloc/kfree's !numa_ready path.
type Bootstrap struct {
	list freelist
}

// NewBootstrap seeds a bootstrap allocator with n freshly-allocated
// pages, standing in for freerange(end, PHYSTOP).
func NewBootstrap(n int) *Bootstrap {
	b := &Bootstrap{}
	for i := 0; i < n; i++ {
		p := &Page{}
		p.fill(freeFill)
		b.list.pages = append(b.list.pages, p)
	}
	return b
}

func (b *Bootstrap) Alloc() (*Page, error) { return b.list.alloc() }
func (b *Bootstrap) Free(p *Page) error    { return b.list.free(p) }

// NUMA is the per-domain allocator used once numa_ready is set. Each
// domain gets its own free list; an allocation that finds its local
// list empty falls back to another domain's list rather than failing,
// since losing locality is preferable to panicking during boot.
type NUMA struct {
	mu    sync.Mutex
	lists map[uint32]*freelist
	order []uint32
}

// NewNUMA builds an empty per-domain allocator. Seed populates a
// domain's free list with the pages that belong to it.
func NewNUMA() *NUMA {
	return &NUMA{lists: make(map[uint32]*freelist)}
}

func (n *NUMA) domain(id uint32) *freelist {
	n.mu.Lock()
	defer n.mu.Unlock()
	fl, ok := n.lists[id]
	if !ok {
		fl = &freelist{}
		n.lists[id] = fl
		n.order = append(n.order, id)
	}
	return fl
}

// Seed adds count freshly-allocated pages to domain id's free list.
func (n *NUMA) Seed(id uint32, count int) {
	fl := n.domain(id)
	fl.mu.Lock()
	for i := 0; i < count; i++ {
		p := &Page{}
		p.fill(freeFill)
		fl.pages = append(fl.pages, p)
	}
	fl.mu.Unlock()
}

// AllocLocal allocates from domain id's own free list without
// fallback, returning an error if that domain is out of memory.
func (n *NUMA) AllocLocal(id uint32) (*Page, error) {
	return n.domain(id).alloc()
}

// Alloc allocates from domain 0's free list with fallback to any other
// domain with free pages, for callers that have no NUMA locality of
// their own.
func (n *NUMA) Alloc() (*Page, error) {
	return n.AllocFor(0)
}

// AllocFor tries domain id first, then falls back to the remaining
// domains in registration order.
func (n *NUMA) AllocFor(id uint32) (*Page, error) {
	if p, err := n.AllocLocal(id); err == nil {
		return p, nil
	}
	n.mu.Lock()
	order := append([]uint32(nil), n.order...)
	n.mu.Unlock()
	for _, other := range order {
		if other == id {
			continue
		}
		if p, err := n.domain(other).alloc(); err == nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("palloc: out of memory on every domain")
}

// Free returns p to domain id's free list.
func (n *NUMA) Free(id uint32, p *Page) error {
	return n.domain(id).free(p)
}

// DomainView adapts one domain of a NUMA allocator to the Allocator
// interface, so boot/planner code with a fixed domain in hand doesn't
// need to thread the domain ID through every call.
type DomainView struct {
	numa *NUMA
	id   uint32
}

// View returns an Allocator bound to domain id.
func (n *NUMA) View(id uint32) DomainView {
	return DomainView{numa: n, id: id}
}

func (v DomainView) Alloc() (*Page, error) { return v.numa.AllocFor(v.id) }
func (v DomainView) Free(p *Page) error    { return v.numa.Free(v.id, p) }
