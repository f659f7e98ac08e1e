// Package boot is the boot orchestrator: the four roles a hart can
// play (machine master, domain-master wakeup stub, domain master,
// slave), and the kload/kexec machinery that loads a kernel image
// into a remote domain's memory and wakes it.
//
// Since this module has no real machine code to jump to, a hart
// "jumping to an entry address" is modeled as looking that address up
// in an EntryTable and invoking the registered Go function with the
// same (hartid, satp, bootArg) arguments a real jump would carry in
// registers a0/a1/a2.
package boot

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sync/atomic"

	"golang.org/x/arch/riscv64/riscv64asm"
	"golang.org/x/sync/errgroup"

	"numacfg"
	"physmem"
	"planner"
	"ring"
	"sbi"
	"topology"
	"util"
)

// BootArg is the record a booting hart reads to learn how it was
// started; KExec writes it at the first page boundary just past the
// kernel image it loaded into the domain's chosen memory range.
type BootArg struct {
	DTBAddr       uint64
	CurrentDomain uint32

	// Entry and Satp are set by the waking code and observed by the
	// spinning hart; both must be non-zero before the wakeup stub
	// proceeds.
	entry uint64
	satp  uint64
}

// Publish sets Entry and Satp, releasing a hart spinning in
// WaitForEntry. Entry is stored last so a concurrent reader never
// observes a non-zero Entry with a stale zero Satp.
func (b *BootArg) Publish(entry, satp uint64) {
	atomic.StoreUint64(&b.satp, satp)
	atomic.StoreUint64(&b.entry, entry)
}

// WaitForEntry busy-waits until both Entry and Satp are non-zero, then
// returns them.
func (b *BootArg) WaitForEntry() (entry, satp uint64) {
	for {
		e := atomic.LoadUint64(&b.entry)
		s := atomic.LoadUint64(&b.satp)
		if e != 0 && s != 0 {
			return e, s
		}
	}
}

// bootArgSize is the on-the-wire width of a BootArg record: DTBAddr,
// CurrentDomain (widened to 8 bytes), Entry, Satp, each big-endian.
const bootArgSize = 32

// WriteTo serializes b into mem, which must be at least bootArgSize
// bytes, so a hart reading its own domain's memory (rather than the Go
// value KExec built) can recover the same record.
func (b *BootArg) WriteTo(mem []byte) {
	util.PutBe64(mem, 0, b.DTBAddr)
	util.PutBe64(mem, 8, uint64(b.CurrentDomain))
	util.PutBe64(mem, 16, atomic.LoadUint64(&b.entry))
	util.PutBe64(mem, 24, atomic.LoadUint64(&b.satp))
}

// ReadBootArg deserializes a BootArg previously written by WriteTo.
func ReadBootArg(mem []byte) BootArg {
	return BootArg{
		DTBAddr:       util.Be64(mem, 0),
		CurrentDomain: uint32(util.Be64(mem, 8)),
		entry:         util.Be64(mem, 16),
		satp:          util.Be64(mem, 24),
	}
}

// EntryFunc is what a hart "jumps to": the same arguments a real jump
// would carry in a0 (hartid), a1 (satp) and a2 (bootarg pointer,
// carried here as the BootArg itself since this module has no raw
// pointers into simulated memory).
type EntryFunc func(hartID uint32, satp uint64, args *BootArg)

// EntryTable stands in for the fixed link-time addresses a hart would
// otherwise jump to (a wakeup stub's address, a freshly kexec'd
// kernel's entry address): callers register a function under a
// synthetic address and DomainMasterWakeup resolves the published
// entry back through the same table.
type EntryTable struct {
	next    uint64
	entries map[uint64]EntryFunc
}

// NewEntryTable returns an empty table. Addresses start at a
// non-zero value so a zero BootArg.Entry always means "not yet
// published".
func NewEntryTable() *EntryTable {
	return &EntryTable{next: 0x1000, entries: make(map[uint64]EntryFunc)}
}

// Register assigns fn a synthetic entry address and returns it.
func (t *EntryTable) Register(fn EntryFunc) uint64 {
	addr := t.next
	t.next += 8
	t.entries[addr] = fn
	return addr
}

// Lookup resolves an address back to its registered function.
func (t *EntryTable) Lookup(addr uint64) (EntryFunc, bool) {
	fn, ok := t.entries[addr]
	return fn, ok
}

// Fabric is the shared per-domain ring table the boot orchestrator and
// barrier package send through; it also owns the simulated SBI
// firmware so sending an IPI actually drains the destination domain's
// ring.
type Fabric struct {
	rings    map[uint32]*ring.Ring
	machine  *sbi.Machine
	hartMask map[uint32]uint32 // domain id -> its master hart's IPI bit
}

// NewFabric builds a ring for every domain in m and wires the
// simulated SBI firmware's IPI hook to drain the destination domain's
// ring once the IPI lands.
func NewFabric(m *topology.Machine, firmware *sbi.Machine) *Fabric {
	f := &Fabric{rings: make(map[uint32]*ring.Ring), machine: firmware, hartMask: make(map[uint32]uint32)}
	for _, d := range m.Domains() {
		f.rings[d.ID] = ring.New()
		if master, ok := d.Master(); ok {
			f.hartMask[d.ID] = master.HartID
		}
	}
	firmware.OnIPI = func(hartID uint32) {
		for domain, hart := range f.hartMask {
			if hart == hartID {
				f.rings[domain].Process()
			}
		}
	}
	return f
}

// Send enqueues fn on domain dest's ring and signals its master hart
// via a (simulated) IPI.
func (f *Fabric) Send(dest uint32, fn ring.Func) {
	r, ok := f.rings[dest]
	if !ok {
		return
	}
	if !r.Send(fn, 0, 0) {
		panic(fmt.Sprintf("boot: ring full for domain %d", dest))
	}
	hart, ok := f.hartMask[dest]
	if !ok {
		return
	}
	f.machine.SendIPI(1 << hart)
}

// validateKernelImage checks that image looks like a loadable 64-bit
// RISC-V ELF and that its entry point decodes as a real instruction,
// going beyond "is this an ELF at all" to "will jumping into this
// actually execute something".
func validateKernelImage(image []byte) (*elf.File, error) {
	ef, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("boot: not an ELF image: %w", err)
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("boot: kernel image is not 64-bit")
	}
	if ef.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("boot: kernel image is not RISC-V")
	}
	entryOff := ef.Entry
	if entryOff+4 > uint64(len(image)) {
		return nil, fmt.Errorf("boot: entry point 0x%x outside image", entryOff)
	}
	if _, err := riscv64asm.Decode(image[entryOff : entryOff+4]); err != nil {
		return nil, fmt.Errorf("boot: entry point does not decode as an instruction: %w", err)
	}
	return ef, nil
}

// KLoad copies a validated kernel image into dst (a domain's chosen
// memory range) inside arena, returning the absolute entry address and
// the page-aligned address just past the image where a BootArg record
// belongs.
func KLoad(image []byte, dst *topology.MemoryRange, arena *physmem.Arena) (entryAddr, bootArgAddr uint64, err error) {
	ef, err := validateKernelImage(image)
	if err != nil {
		return 0, 0, err
	}
	if uint64(len(image)) > dst.Length {
		return 0, 0, fmt.Errorf("boot: domain %d memory range too small for kernel image (need 0x%x, have 0x%x)",
			dst.Domain.ID, len(image), dst.Length)
	}
	copy(arena.Slice(dst.Start, uint64(len(image))), image)
	entryAddr = dst.Start + ef.Entry
	bootArgAddr = util.Roundup(dst.Start+uint64(len(image)), uint64(numacfg.PageSize))
	return entryAddr, bootArgAddr, nil
}

// KExec loads image into a memory range chosen from dest (refusing the
// local domain), publishes a BootArg record naming dtbAddr and dest's
// ID and writes it into the domain's own memory just past the loaded
// image, and starts the domain's master hart at wakeupEntry with the
// constructed satp value.
func KExec(dest *topology.Domain, localDomain uint32, image []byte, dtbAddr uint64, arena *physmem.Arena,
	wakeupEntry uint64, firmware *sbi.Machine) (*BootArg, error) {
	if dest.ID == localDomain {
		return nil, fmt.Errorf("boot: refusing to kexec the local domain")
	}
	mr, _, err := planner.RemoteCombufCarve(dest, uint64(len(image)))
	if err != nil {
		return nil, err
	}
	_, bootArgAddr, err := KLoad(image, mr, arena)
	if err != nil {
		return nil, err
	}

	bargs := &BootArg{DTBAddr: dtbAddr, CurrentDomain: dest.ID}

	master, ok := dest.Master()
	if !ok {
		return nil, fmt.Errorf("boot: domain %d has no master hart", dest.ID)
	}
	satp := makeSatp(mr.Start)
	bargs.Publish(wakeupEntry, satp)
	bargs.WriteTo(arena.Slice(bootArgAddr, bootArgSize))

	ret := firmware.StartHart(master.HartID, wakeupEntry, satp)
	if ret.Error != sbi.Success {
		return nil, fmt.Errorf("boot: %s", sbi.Describe(master.HartID, ret))
	}
	return bargs, nil
}

// makeSatp constructs a minimal Sv39 SATP value pointing at a
// direct-mapped root page table for pageTableBase. The exact
// page-table format is out of scope here (no MMU is simulated), so
// only the mode field and the physical page number are meaningful.
func makeSatp(pageTableBase uint64) uint64 {
	const satpModeSv39 = 8
	ppn := pageTableBase >> 12
	return satpModeSv39<<60 | ppn
}

// MachineMaster runs the single hart that parses the device tree,
// builds the topology, brings up its own domain, and wakes every
// other domain's master hart.
type MachineMaster struct {
	Machine  *topology.Machine
	Arena    *physmem.Arena
	Firmware *sbi.Machine
	Fabric   *Fabric

	LocalDomain   uint32
	DTBAddr       uint64
	KernelImage   []byte
	KernelTextPA  uint64
	WakeupEntry   uint64
}

// Run checks that the kernel's own text lives in local memory --
// returning an error rather than proceeding if it doesn't, since
// relocating kernel text across domains isn't supported -- and then
// wakes every remote domain concurrently via errgroup.
func (mm *MachineMaster) Run() error {
	mr, ok := mm.Machine.FindMemoryRangeContaining(mm.KernelTextPA)
	if !ok || mr.Domain.ID != mm.LocalDomain {
		return fmt.Errorf("boot: kernel text is on a distant memory range: unimplemented")
	}

	g := new(errgroup.Group)
	for _, d := range mm.Machine.Domains() {
		if d.ID == mm.LocalDomain {
			continue
		}
		d := d
		g.Go(func() error {
			_, err := KExec(d, mm.LocalDomain, mm.KernelImage, mm.DTBAddr, mm.Arena, mm.WakeupEntry, mm.Firmware)
			return err
		})
	}
	return g.Wait()
}

// DomainMasterWakeup is the stub a freshly started remote hart runs:
// it spins on its BootArg until the machine master publishes an entry
// point and satp, then dispatches through the entry table.
func DomainMasterWakeup(hartID uint32, bargs *BootArg, entries *EntryTable) {
	entry, satp := bargs.WaitForEntry()
	fn, ok := entries.Lookup(entry)
	if !ok {
		panic(fmt.Sprintf("boot: no entry registered at 0x%x", entry))
	}
	fn(hartID, satp, bargs)
}

// DomainMaster is the role a domain's first hart takes on once
// DomainMasterWakeup's busy-wait releases it: it looks its own domain
// up in the shared topology by the BootArg's CurrentDomain, then wakes
// every other hart in that domain. Waking is simulated: a slave's hart
// ID is recorded in WokenSlaves and no SBI call is made.
type DomainMaster struct {
	Machine *topology.Machine
	Fabric  *Fabric

	args *BootArg

	WokenSlaves []uint32
}

// Run consumes the BootArg this domain master was woken with, locates
// its own domain in the shared topology, and wakes every hart in that
// domain other than itself by recording its hart ID in WokenSlaves;
// it does not start those harts through the firmware.
func (dm *DomainMaster) Run(args *BootArg) error {
	dm.args = args
	d := dm.Machine.FindDomain(args.CurrentDomain)
	master, ok := d.Master()
	if !ok {
		return fmt.Errorf("boot: domain %d has no master hart to run as", args.CurrentDomain)
	}
	for _, c := range d.CPUs {
		if c.HartID == master.HartID {
			continue
		}
		dm.WokenSlaves = append(dm.WokenSlaves, c.HartID)
	}
	return nil
}

// Slave is the idle role every non-master hart in a domain ends up in
// after its trap vector and PLIC claim are installed. There is
// nothing left for it to simulate beyond existing, so Slave only
// records that it ran.
type Slave struct {
	HartID uint32
	Ran    bool
}

func (s *Slave) Run() { s.Ran = true }
