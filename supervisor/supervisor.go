// Package supervisor owns the main run/exit loop: resume the vCPU,
// interpret the exit reason, dispatch trapped DOS services, and update
// the register file before resuming — the same role machine.RunOnce and
// machine.RunInfiniteLoop play in the teacher, narrowed to five exit
// cases: port IO, MMIO, shutdown, hlt, and everything else.
package supervisor

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/bobuhiro11/kvmdos/debugtrace"
	"github.com/bobuhiro11/kvmdos/dos"
	"github.com/bobuhiro11/kvmdos/kvm"
	"github.com/bobuhiro11/kvmdos/loader"
	"github.com/bobuhiro11/kvmdos/memory"
	"golang.org/x/sys/unix"
)

// ErrFatal wraps every non-recoverable exit: MMIO, shutdown, a real hlt,
// an unsupported DOS service, or an unexpected exit reason. Per spec.md
// §7 these all map to host exit code 252.
var ErrFatal = errors.New("fatal supervisor exit")

// initialStackPointer is where the stack starts, growing down in the ss
// segment, per spec.md §3.
const initialStackPointer = 0xFFFE

// portIOStall is the brief pause the dispatch loop takes on an ignored
// PortIo exit, so a guest that busy-polls a port does not spin the host
// CPU. kvikdos.c uses sleep(1) (one second); a guest .com program has no
// legitimate reason to poll fast enough for a shorter stall to matter,
// and this one stays well under a second.
const portIOStall = 200 * time.Microsecond

// ExitCode is returned from Run when a DOS service terminates the guest
// program. It carries the code the host process should exit with.
type ExitCode int

func (e ExitCode) Error() string { return fmt.Sprintf("dos program exited with code %d", int(e)) }

// Supervisor is one VM, one vCPU, one guest program.
type Supervisor struct {
	kvmFd, vmFd, vcpuFd uintptr
	run                 *kvm.RunData
	mem                 *memory.GuestMemory
	streams             dos.Streams
}

// New opens /dev/kvm, creates a VM and a single vCPU, maps the run-state
// region, and builds guest memory (magic interrupt table included).
func New(kvmPath string, streams dos.Streams) (*Supervisor, error) {
	kvmFd, err := kvm.OpenKVM(kvmPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kvmPath, err)
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		return nil, fmt.Errorf("create vcpu: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("get vcpu mmap size: %w", err)
	}

	runBuf, err := unix.Mmap(int(vcpuFd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap run region: %w", err)
	}

	mem, err := memory.New(vmFd)
	if err != nil {
		return nil, fmt.Errorf("init guest memory: %w", err)
	}

	return &Supervisor{
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		vcpuFd:  vcpuFd,
		run:     (*kvm.RunData)(unsafe.Pointer(&runBuf[0])),
		mem:     mem,
		streams: streams,
	}, nil
}

// Memory exposes the guest buffer so main can run the loader and PSP
// builder against it before booting.
func (s *Supervisor) Memory() *memory.GuestMemory { return s.mem }

// Boot places the vCPU at the program's entry point: cs:ip =
// base:ImageOffset, every segment register = base, sp at the top of the
// stack, with a single zero word pushed there. This matches the
// real-DOS convention that a .com program's stray near `ret` pops ip=0
// and, with cs still equal to the PSP segment, lands on the INT 20h
// opcode at PSP:0000 rather than jumping into the weeds. See spec.md
// §3/§4.1/§6.
func (s *Supervisor) Boot(base uint16) error {
	regs, err := kvm.GetRegs(s.vcpuFd)
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	regs.SetIP(loader.ImageOffset)
	regs.SetSP(initialStackPointer)

	if err := kvm.SetRegs(s.vcpuFd, regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	sregs, err := kvm.GetSregs(s.vcpuFd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	sregs.CS.SetReal(base)
	sregs.DS.SetReal(base)
	sregs.ES.SetReal(base)
	sregs.FS.SetReal(base)
	sregs.GS.SetReal(base)
	sregs.SS.SetReal(base)

	if err := kvm.SetSregs(s.vcpuFd, sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	stackTop := memory.Seg(base, initialStackPointer)
	if !s.mem.InBounds(stackTop, 2) {
		return fmt.Errorf("initial stack pointer %04x:%04x out of bounds", base, initialStackPointer)
	}

	s.mem.WriteBytes(stackTop, []byte{0x00, 0x00})

	return nil
}

// RunOnce runs the vCPU until one exit and handles it, per spec.md
// §4.5. The returned bool reports whether the dispatch loop should keep
// running; when it is false, err explains why — either an ExitCode from
// a terminating DOS service, or an error wrapping ErrFatal.
func (s *Supervisor) RunOnce() (bool, error) {
	if err := kvm.Run(s.vcpuFd); err != nil {
		return false, fmt.Errorf("%w: run: %v", ErrFatal, err)
	}

	switch exit := kvm.ExitType(s.run.ExitReason); exit {
	case kvm.EXITIO:
		direction, size, port, count, _ := s.run.IO()
		debugtrace.LogPortIO(port, direction, size, count)
		time.Sleep(portIOStall)

		return true, nil

	case kvm.EXITMMIO:
		return false, fmt.Errorf("%w: mmio access", ErrFatal)

	case kvm.EXITSHUTDOWN:
		return false, fmt.Errorf("%w: vcpu shutdown", ErrFatal)

	case kvm.EXITHLT:
		return s.handleHalt()

	default:
		return false, fmt.Errorf("%w: %s", ErrFatal, exit)
	}
}

func (s *Supervisor) handleHalt() (bool, error) {
	regs, err := kvm.GetRegs(s.vcpuFd)
	if err != nil {
		return false, fmt.Errorf("%w: get regs: %v", ErrFatal, err)
	}

	sregs, err := kvm.GetSregs(s.vcpuFd)
	if err != nil {
		return false, fmt.Errorf("%w: get sregs: %v", ErrFatal, err)
	}

	intNum, ok := memory.RecoverTrap(sregs.CS.Selector, regs.IP())
	if !ok {
		debugtrace.LogHalt(s.mem, sregs.CS.Selector, regs.IP())

		return false, fmt.Errorf("%w: real hlt at %04x:%04x", ErrFatal, sregs.CS.Selector, regs.IP())
	}

	debugtrace.DumpRegs(regs, sregs)

	result, err := dos.Handle(intNum, regs, sregs, s.mem, s.streams)
	if err != nil {
		return false, fmt.Errorf("%w: int %#02x: %v", ErrFatal, intNum, err)
	}

	if result.Terminate {
		return false, ExitCode(result.ExitCode)
	}

	if err := s.returnFromTrap(regs, sregs); err != nil {
		return false, fmt.Errorf("%w: %v", ErrFatal, err)
	}

	if err := kvm.SetRegs(s.vcpuFd, regs); err != nil {
		return false, fmt.Errorf("%w: set regs: %v", ErrFatal, err)
	}

	if err := kvm.SetSregs(s.vcpuFd, sregs); err != nil {
		return false, fmt.Errorf("%w: set sregs: %v", ErrFatal, err)
	}

	return true, nil
}

// returnFromTrap implements the return protocol in spec.md §4.4: pop
// ip, cs, and flags off the guest stack, restore cs:ip (both selector
// and base), and advance sp by 6. The popped flags word is discarded —
// any carry flag a DOS service set already lives on the live register
// file, and is never written back into the stack image.
func (s *Supervisor) returnFromTrap(regs *kvm.Regs, sregs *kvm.Sregs) error {
	sp := regs.SP()
	base := memory.Seg(sregs.SS.Selector, sp)

	if !s.mem.InBounds(base, 6) {
		return fmt.Errorf("return address at ss:%04x out of bounds", sp)
	}

	retIP := readWord(s.mem, base)
	retCS := readWord(s.mem, base+2)

	sregs.CS.SetReal(retCS)
	regs.SetIP(retIP)
	regs.SetSP(sp + 6)

	return nil
}

func readWord(mem *memory.GuestMemory, addr uint32) uint16 {
	b := mem.ReadBytes(addr, 2)

	return uint16(b[0]) | uint16(b[1])<<8
}

// Run drives the dispatch loop to completion. It returns an ExitCode on
// a clean or guest-initiated termination, or an error wrapping ErrFatal
// on any structural failure.
func (s *Supervisor) Run() error {
	for {
		cont, err := s.RunOnce()
		if !cont {
			return err
		}
	}
}
