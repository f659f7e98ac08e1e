package ring

import (
	"sync"
	"testing"

	"numacfg"
)

func TestSendThenProcessInFIFOOrder(t *testing.T) {
	r := New()
	var got []uintptr
	fn := func(a1, a2 uintptr) { got = append(got, a1) }

	for i := uintptr(0); i < 5; i++ {
		if !r.Send(fn, i, 0) {
			t.Fatalf("Send(%d) reported full", i)
		}
	}
	r.Process()
	if len(got) != 5 {
		t.Fatalf("processed %d messages, want 5", len(got))
	}
	for i, v := range got {
		if v != uintptr(i) {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSendReportsFullWhenRingSaturated(t *testing.T) {
	r := New()
	fn := func(a1, a2 uintptr) {}
	accepted := 0
	for i := 0; i < numacfg.NMessages+10; i++ {
		if r.Send(fn, 0, 0) {
			accepted++
		}
	}
	if accepted != numacfg.NMessages-1 {
		t.Fatalf("accepted %d messages, want %d (capacity - 1 slot reserved to distinguish full from empty)", accepted, numacfg.NMessages-1)
	}
}

func TestConcurrentSendersDoNotCorruptSlots(t *testing.T) {
	r := New()
	var mu sync.Mutex
	seen := map[uintptr]bool{}
	fn := func(a1, a2 uintptr) {
		mu.Lock()
		seen[a1] = true
		mu.Unlock()
	}

	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 20
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base uintptr) {
			defer wg.Done()
			for i := uintptr(0); i < perProducer; i++ {
				for !r.Send(fn, base+i, 0) {
					r.Process()
				}
			}
		}(uintptr(p * 1000))
	}
	wg.Wait()
	r.Process()

	if len(seen) != producers*perProducer {
		t.Fatalf("observed %d distinct messages, want %d", len(seen), producers*perProducer)
	}
}
