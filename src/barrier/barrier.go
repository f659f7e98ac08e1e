// Package barrier implements the cross-domain synchronization
// primitive built entirely on top of a ring: a waiter records the
// address of a local flag and sends an on_barrier message to the
// barrier's owner domain, then spins on that flag until the owner
// releases it.
//
// Domains never share memory, so the owner cannot simply write a
// waiter's flag itself once every participant has checked in -- it
// must send a release message back through that waiter's own ring.
// Go's ring.Func closes over the flag pointer directly rather than
// threading it through two machine-word arguments, but the message
// round-trip itself is kept: on the transition of its remaining count
// to zero, the owner iterates every recorded waiter and sends one
// release message per waiter, to that waiter's domain.
package barrier

import (
	"sync"
	"sync/atomic"

	"ring"
)

// Sender is whatever can deliver a message to a domain's ring --
// satisfied by a thin wrapper around boot's domain table, kept as an
// interface here so barrier has no dependency on topology/boot.
type Sender interface {
	// Send enqueues fn on the domain dest's ring.
	Send(dest uint32, fn ring.Func)
}

type waiter struct {
	domain uint32
	flag   *int32
}

// Barrier is a single n-party rendezvous owned by one domain.
type Barrier struct {
	remaining int64
	owner     uint32
	sender    Sender

	mu   sync.Mutex
	wait []waiter
}

// Create allocates a new barrier for n parties, owned by the calling
// domain (ownerDomain), using sender to deliver on_barrier/
// release_barrier messages -- the only way to obtain a *Barrier.
func Create(n int, ownerDomain uint32, sender Sender) *Barrier {
	return &Barrier{remaining: int64(n), owner: ownerDomain, sender: sender}
}

// onBarrier runs on the owner domain when a participant's on_barrier
// message is processed: it records the waiter's domain and flag, and
// decrements remaining. On the transition to zero it sends a
// release_barrier message back to every recorded waiter's domain,
// since nothing else in the protocol will.
func (b *Barrier) onBarrier(fromDomain uint32, flag *int32) {
	b.mu.Lock()
	b.wait = append(b.wait, waiter{domain: fromDomain, flag: flag})
	remaining := atomic.AddInt64(&b.remaining, -1)
	var toRelease []waiter
	if remaining == 0 {
		toRelease = b.wait
		b.wait = nil
	}
	b.mu.Unlock()

	for _, w := range toRelease {
		f := w.flag
		b.sender.Send(w.domain, func(uintptr, uintptr) {
			atomic.StoreInt32(f, 0)
		})
	}
}

// Wait blocks the calling participant (running as domain myDomain)
// until every party has reached the barrier: it sends an on_barrier
// message to the barrier's owner and spins on its local flag.
func (b *Barrier) Wait(myDomain uint32) {
	flag := int32(1)
	b.sender.Send(b.owner, func(uintptr, uintptr) { b.onBarrier(myDomain, &flag) })
	for atomic.LoadInt32(&flag) != 0 {
		// spin; no pause/yield hook is wired in here.
	}
}
