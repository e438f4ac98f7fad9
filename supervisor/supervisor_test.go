package supervisor

import (
	"testing"

	"github.com/bobuhiro11/kvmdos/kvm"
	"github.com/bobuhiro11/kvmdos/memory"
)

func TestReturnFromTrap(t *testing.T) {
	mem := memory.NewFromBuf(make([]byte, memory.MemSize))
	s := &Supervisor{mem: mem}

	sregs := &kvm.Sregs{}
	sregs.SS.SetReal(0x0100)

	regs := &kvm.Regs{}
	regs.SetSP(0xFFF0)

	stackAddr := memory.Seg(0x0100, 0xFFF0)
	mem.WriteBytes(stackAddr, []byte{0x34, 0x12, 0x00, 0x02, 0x01, 0x00}) // ip=0x1234 cs=0x0200 flags=0x0001

	if err := s.returnFromTrap(regs, sregs); err != nil {
		t.Fatalf("returnFromTrap: %v", err)
	}

	if regs.IP() != 0x1234 {
		t.Fatalf("ip = %#x, want 0x1234", regs.IP())
	}

	if sregs.CS.Selector != 0x0200 {
		t.Fatalf("cs = %#x, want 0x0200", sregs.CS.Selector)
	}

	if sregs.CS.Base != 0x0200<<4 {
		t.Fatalf("cs base = %#x, want %#x", sregs.CS.Base, uint64(0x0200)<<4)
	}

	if regs.SP() != 0xFFF6 {
		t.Fatalf("sp = %#x, want 0xfff6", regs.SP())
	}
}

func TestReturnFromTrapOutOfBounds(t *testing.T) {
	// A full 2 MiB buffer holds every real-mode address, so this guest
	// memory ends at ss:sp and the 6-byte return frame cannot fit.
	mem := memory.NewFromBuf(make([]byte, memory.Seg(0xFFFF, 0xFFFF)))
	s := &Supervisor{mem: mem}

	sregs := &kvm.Sregs{}
	sregs.SS.SetReal(0xFFFF)

	regs := &kvm.Regs{}
	regs.SetSP(0xFFFF)

	if err := s.returnFromTrap(regs, sregs); err == nil {
		t.Fatal("expected an error for an out-of-bounds return address")
	}
}

func TestReadWord(t *testing.T) {
	mem := memory.NewFromBuf(make([]byte, memory.MemSize))
	mem.WriteBytes(0x3000, []byte{0xCD, 0xAB})

	if got := readWord(mem, 0x3000); got != 0xABCD {
		t.Fatalf("readWord = %#x, want 0xabcd", got)
	}
}
