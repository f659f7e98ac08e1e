package boot

import (
	"debug/elf"
	"testing"

	"barrier"
	"numacfg"
	"physmem"
	"sbi"
	"topology"
	"util"
)

// fakeKernelImage builds a minimal valid 64-bit RISC-V ELF whose entry
// point is a real (if meaningless) instruction, for KLoad/KExec tests
// that only care about placement and handshake behavior.
func fakeKernelImage(t *testing.T) []byte {
	t.Helper()
	const entryOff = 0x1000
	buf := make([]byte, entryOff+4096)

	// addi x0, x0, 0 (nop), little-endian 32-bit encoding.
	buf[entryOff+0] = 0x13
	buf[entryOff+1] = 0x00
	buf[entryOff+2] = 0x00
	buf[entryOff+3] = 0x00

	hdr := elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entryOff,
		Ehsize:    64,
		Phentsize: 56,
	}
	putHeader(buf, hdr)
	return buf
}

func putHeader(buf []byte, hdr elf.Header64) {
	copy(buf[0:16], hdr.Ident[:])
	putU16(buf[16:18], hdr.Type)
	putU16(buf[18:20], hdr.Machine)
	putU32(buf[20:24], hdr.Version)
	putU64(buf[24:32], hdr.Entry)
	putU64(buf[32:40], hdr.Phoff)
	putU64(buf[40:48], hdr.Shoff)
	putU32(buf[48:52], hdr.Flags)
	putU16(buf[52:54], hdr.Ehsize)
	putU16(buf[54:56], hdr.Phentsize)
	putU16(buf[56:58], hdr.Phnum)
	putU16(buf[58:60], hdr.Shentsize)
	putU16(buf[60:62], hdr.Shnum)
	putU16(buf[62:64], hdr.Shstrndx)
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func buildTwoDomainMachine() *topology.Machine {
	m := topology.NewMachine()
	m.AddCPU(0, 0)
	m.AddMemoryRange(0, 0x80000000, 64*1024*1024)
	m.AddCPU(1, 1)
	m.AddMemoryRange(1, 0xc0000000, 64*1024*1024)
	return m
}

func TestKExecHandshakeWakesRemoteDomainMaster(t *testing.T) {
	m := buildTwoDomainMachine()
	arena, err := physmem.New(0x80000000, 0x44000000)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer arena.Close()

	firmware := sbi.NewMachine([]uint32{0, 1})
	entries := NewEntryTable()

	woken := make(chan uint32, 1)
	wakeupEntry := entries.Register(func(hartID uint32, satp uint64, args *BootArg) {
		if satp == 0 {
			t.Errorf("wakeup stub observed satp=0")
		}
		woken <- args.CurrentDomain
	})

	image := fakeKernelImage(t)
	remote := m.FindDomain(1)

	bargs, err := KExec(remote, 0, image, 0x1000, arena, wakeupEntry, firmware)
	if err != nil {
		t.Fatalf("KExec: %v", err)
	}

	h := firmware.Harts[1]
	if !h.Started {
		t.Fatalf("remote master hart was never started")
	}
	DomainMasterWakeup(1, bargs, entries)

	select {
	case domain := <-woken:
		if domain != 1 {
			t.Fatalf("woken domain = %d, want 1", domain)
		}
	default:
		t.Fatalf("wakeup stub never ran")
	}
}

func TestKExecWritesBootArgIntoArena(t *testing.T) {
	m := buildTwoDomainMachine()
	arena, err := physmem.New(0x80000000, 0x44000000)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer arena.Close()

	firmware := sbi.NewMachine([]uint32{0, 1})
	entries := NewEntryTable()
	wakeupEntry := entries.Register(func(uint32, uint64, *BootArg) {})

	image := fakeKernelImage(t)
	remote := m.FindDomain(1)
	dtbAddr := uint64(0x1000)

	bargs, err := KExec(remote, 0, image, dtbAddr, arena, wakeupEntry, firmware)
	if err != nil {
		t.Fatalf("KExec: %v", err)
	}

	mr := remote.MemRanges[0]
	bootArgAddr := util.Roundup(mr.Start+uint64(len(image)), uint64(numacfg.PageSize))
	got := ReadBootArg(arena.Slice(bootArgAddr, bootArgSize))
	if got.DTBAddr != dtbAddr {
		t.Fatalf("arena BootArg.DTBAddr = 0x%x, want 0x%x", got.DTBAddr, dtbAddr)
	}
	if got.CurrentDomain != remote.ID {
		t.Fatalf("arena BootArg.CurrentDomain = %d, want %d", got.CurrentDomain, remote.ID)
	}
	gotEntry, gotSatp := got.WaitForEntry()
	wantEntry, wantSatp := bargs.WaitForEntry()
	if gotEntry != wantEntry || gotSatp != wantSatp {
		t.Fatalf("arena BootArg entry/satp = (0x%x, 0x%x), want (0x%x, 0x%x)", gotEntry, gotSatp, wantEntry, wantSatp)
	}
}

func TestKExecRefusesLocalDomain(t *testing.T) {
	m := buildTwoDomainMachine()
	arena, err := physmem.New(0, 64*1024*1024)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer arena.Close()

	firmware := sbi.NewMachine([]uint32{0, 1})
	entries := NewEntryTable()
	wakeupEntry := entries.Register(func(uint32, uint64, *BootArg) {})

	local := m.FindDomain(0)
	if _, err := KExec(local, 0, fakeKernelImage(t), 0, arena, wakeupEntry, firmware); err == nil {
		t.Fatalf("expected KExec to refuse kexec'ing the local domain")
	}
}

func TestMachineMasterRunWakesAllRemoteDomains(t *testing.T) {
	m := topology.NewMachine()
	m.AddCPU(0, 0)
	m.AddMemoryRange(0, 0x80000000, 64*1024*1024)
	m.AddCPU(1, 1)
	m.AddMemoryRange(1, 0xc0000000, 64*1024*1024)
	m.AddCPU(2, 2)
	m.AddMemoryRange(2, 0x100000000, 64*1024*1024)

	arena, err := physmem.New(0x80000000, 0x84000000)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer arena.Close()

	firmware := sbi.NewMachine([]uint32{0, 1, 2})
	entries := NewEntryTable()
	wakeupEntry := entries.Register(func(uint32, uint64, *BootArg) {})

	mm := &MachineMaster{
		Machine:      m,
		Arena:        arena,
		Firmware:     firmware,
		LocalDomain:  0,
		KernelImage:  fakeKernelImage(t),
		KernelTextPA: 0x80000000,
		WakeupEntry:  wakeupEntry,
	}
	if err := mm.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, id := range []uint32{1, 2} {
		if !firmware.Harts[id].Started {
			t.Fatalf("domain %d master hart was never started", id)
		}
	}
	if firmware.Harts[0].Started {
		t.Fatalf("local domain's own hart should not be started by Run")
	}
}

func TestMachineMasterRunRejectsDistantKernelText(t *testing.T) {
	m := buildTwoDomainMachine()
	arena, err := physmem.New(0, 64*1024*1024)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer arena.Close()

	firmware := sbi.NewMachine([]uint32{0, 1})
	entries := NewEntryTable()
	wakeupEntry := entries.Register(func(uint32, uint64, *BootArg) {})

	mm := &MachineMaster{
		Machine:      m,
		Arena:        arena,
		Firmware:     firmware,
		LocalDomain:  0,
		KernelImage:  fakeKernelImage(t),
		KernelTextPA: 0xc0000000, // lives in domain 1's range, not domain 0's
		WakeupEntry:  wakeupEntry,
	}
	if err := mm.Run(); err == nil {
		t.Fatalf("expected Run to reject kernel text outside the local domain")
	}
}

func TestSlaveRunRecordsThatItRan(t *testing.T) {
	s := &Slave{HartID: 3}
	s.Run()
	if !s.Ran {
		t.Fatalf("Slave.Run did not record execution")
	}
}

func TestDomainMasterRunWakesItsOwnSlaves(t *testing.T) {
	m := topology.NewMachine()
	m.AddCPU(1, 10)
	m.AddCPU(1, 11)
	m.AddCPU(1, 12)
	m.AddMemoryRange(1, 0xc0000000, 64*1024*1024)

	dm := &DomainMaster{Machine: m}
	if err := dm.Run(&BootArg{CurrentDomain: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dm.WokenSlaves) != 2 {
		t.Fatalf("woken slaves = %v, want 2 harts excluding the master", dm.WokenSlaves)
	}
	for _, hart := range dm.WokenSlaves {
		if hart == 10 {
			t.Fatalf("DomainMaster woke its own master hart (10) as a slave")
		}
	}
}

// TestFabricSatisfiesBarrierSender confirms the same Fabric a boot
// sequence uses to deliver kexec IPIs can also carry a Barrier's
// on_barrier/release_barrier round trip, since both are just messages
// on the same per-domain rings.
func TestFabricSatisfiesBarrierSender(t *testing.T) {
	m := topology.NewMachine()
	m.AddCPU(0, 0)
	m.AddCPU(1, 1)
	m.AddCPU(2, 2)
	firmware := sbi.NewMachine([]uint32{0, 1, 2})
	fabric := NewFabric(m, firmware)

	b := barrier.Create(3, 0, fabric)
	done := make(chan uint32, 3)
	for _, d := range []uint32{0, 1, 2} {
		d := d
		go func() {
			b.Wait(d)
			done <- d
		}()
	}

	// Drive message delivery: process every domain's ring until all
	// three waiters have reported completion.
	seen := map[uint32]bool{}
	for len(seen) < 3 {
		for _, d := range []uint32{0, 1, 2} {
			fabric.rings[d].Process()
		}
		select {
		case d := <-done:
			seen[d] = true
		default:
		}
	}
}
