// Package ring implements the per-domain MPSC message ring used to
// deliver function-call IPIs between domains.
//
// A slot's validity is published by atomically storing a non-nil
// function pointer into it (release) and observed by atomically
// loading it (acquire); Process drains every slot with a non-nil
// function and clears each one back to nil after invoking it.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"numacfg"
)

// Func is the signature of a message handler: two machine-word
// arguments, no return value, matching void (*)(uintptr_t, uintptr_t).
type Func func(a1, a2 uintptr)

type slot struct {
	fn unsafe.Pointer // *Func, published/observed atomically
	a1 uintptr
	a2 uintptr
}

func (s *slot) load() Func {
	p := atomic.LoadPointer(&s.fn)
	if p == nil {
		return nil
	}
	return *(*Func)(p)
}

func (s *slot) publish(f Func) {
	atomic.StorePointer(&s.fn, unsafe.Pointer(&f))
}

func (s *slot) clear() {
	atomic.StorePointer(&s.fn, nil)
}

// Ring is one domain's inbound message queue, sized to
// numacfg.NMessages slots (NMessages*MessageSize <= CommBufSize).
// Send-side producers serialize through mu around the publish
// sequence, since user-space Go has no interrupt-disable primitive to
// borrow; the mutex guarantees no other producer observes a
// half-published slot.
type Ring struct {
	messages [numacfg.NMessages]slot
	iprod    uint64
	icons    uint64
	mu       sync.Mutex
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{}
}

// Full reports whether the ring has no room for another message.
func (r *Ring) Full() bool {
	iprod := atomic.LoadUint64(&r.iprod)
	icons := atomic.LoadUint64(&r.icons)
	return (iprod+1)%numacfg.NMessages == icons
}

// Send enqueues a call to fn(a1, a2) on r and reports whether the ring
// accepted it. False means the ring was full; Send never blocks the
// caller indefinitely and leaves the retry decision to the caller.
func (r *Ring) Send(fn Func, a1, a2 uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	iprod := atomic.LoadUint64(&r.iprod)
	icons := atomic.LoadUint64(&r.icons)
	iprodinc := (iprod + 1) % numacfg.NMessages
	if iprodinc == icons {
		return false
	}
	r.messages[iprod].a1 = a1
	r.messages[iprod].a2 = a2
	r.messages[iprod].publish(fn)
	atomic.StoreUint64(&r.iprod, iprodinc)
	return true
}

// Process drains every pending message in FIFO order, invoking each
// handler and clearing its slot.
func (r *Ring) Process() {
	icons := atomic.LoadUint64(&r.icons)
	for {
		fn := r.messages[icons].load()
		if fn == nil {
			break
		}
		fn(r.messages[icons].a1, r.messages[icons].a2)
		r.messages[icons].clear()
		icons = (icons + 1) % numacfg.NMessages
	}
	atomic.StoreUint64(&r.icons, icons)
}

// String reports the ring's current occupancy, for diagnostics.
func (r *Ring) String() string {
	iprod := atomic.LoadUint64(&r.iprod)
	icons := atomic.LoadUint64(&r.icons)
	used := (iprod - icons + numacfg.NMessages) % numacfg.NMessages
	return fmt.Sprintf("ring{used=%d/%d}", used, numacfg.NMessages)
}
