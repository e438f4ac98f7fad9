//go:build debugtrace

// Package debugtrace reinstates the register dump and IO-port tracing
// that kvikdos.c prints when built with DEBUG defined. It is compiled in
// only under the debugtrace build tag, mirroring that compile-time
// toggle without paying for it in the default build.
package debugtrace

import (
	"fmt"
	"log"

	"github.com/bobuhiro11/kvmdos/kvm"
	"github.com/bobuhiro11/kvmdos/memory"
	"golang.org/x/arch/x86/x86asm"
)

// DumpRegs logs the full 16-bit register file and segment selectors, the
// way kvikdos.c's dump_regs does on every trapped exit.
func DumpRegs(regs *kvm.Regs, sregs *kvm.Sregs) {
	log.Printf("ax=%04x bx=%04x cx=%04x dx=%04x si=%04x di=%04x sp=%04x bp=%04x ip=%04x flags=%04x",
		regs.AX(), regs.BX(), regs.CX(), regs.DX(),
		uint16(regs.RSI), uint16(regs.RDI), regs.SP(), uint16(regs.RBP), regs.IP(), uint16(regs.RFLAGS))
	log.Printf("cs=%04x ds=%04x es=%04x fs=%04x gs=%04x ss=%04x",
		sregs.CS.Selector, sregs.DS.Selector, sregs.ES.Selector,
		sregs.FS.Selector, sregs.GS.Selector, sregs.SS.Selector)
}

// LogPortIO logs one ignored EXITIO access before the dispatch loop's
// anti-busy-loop sleep, the same diagnostic kvikdos.c prints for every
// KVM_EXIT_IO before its sleep(1).
func LogPortIO(port, direction, size, count uint64) {
	dir := "in"
	if direction == kvm.EXITIOOUT {
		dir = "out"
	}

	log.Printf("port %s: port=%#x size=%d count=%d", dir, port, size, count)
}

// LogHalt disassembles the faulting instruction at cs:ip for a halt that
// RecoverTrap rejected as a real hlt, giving the same "what did the
// guest actually run" diagnostic as machine.Asm/machine.CallInfo in the
// teacher, adapted to 16-bit real mode.
func LogHalt(mem *memory.GuestMemory, cs, ip uint16) {
	// The saved ip points one past the single-byte hlt that exited.
	ip--

	addr := memory.Seg(cs, ip)

	n := 16
	if !mem.InBounds(addr, n) {
		n = mem.Len() - int(addr)
	}

	if n <= 0 {
		log.Printf("halt at %04x:%04x: no bytes to disassemble", cs, ip)

		return
	}

	insn := mem.ReadBytes(addr, n)

	d, err := x86asm.Decode(insn, 16)
	if err != nil {
		log.Printf("halt at %04x:%04x: %s (undecodable: %v)", cs, ip, fmt.Sprintf("% x", insn), err)

		return
	}

	log.Printf("halt at %04x:%04x: %s", cs, ip, x86asm.GNUSyntax(d, uint64(ip), nil))
}
