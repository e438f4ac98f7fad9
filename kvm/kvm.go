// Package kvm wraps the handful of /dev/kvm ioctls a single-vCPU,
// real-mode-only supervisor needs: create the VM, create the vCPU,
// publish guest memory, move register state back and forth, and run.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl numbers, lifted from <linux/kvm.h>. Apart from
// kvmGetAPIVersion, which nothing issues, only the ones this
// supervisor actually issues are declared; the rest of the KVM ioctl
// surface (IRQ chip, PIT, CPUID, debug regs, ...) has no caller here
// because a 16-bit real-mode DOS program never needs it.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
)

func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// OpenKVM opens the KVM character device and returns its fd.
func OpenKVM(path string) (uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)

	return uintptr(fd), err
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vCPU 0 on the given VM. Exactly one vCPU is ever
// created: this supervisor runs one guest program on one CPU.
func CreateVCPU(vmFd uintptr) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, 0)
}

// GetVCPUMMapSize returns the size of the kvm_run shared region.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	sz, err := ioctl(kvmFd, kvmGetVCPUMMapSize, 0)

	return int(sz), err
}

// Run blocks until the vCPU exits back to userspace.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)

	return err
}

// Regs is the 16-bit-visible subset of KVM's general purpose register
// file. Only the low 16 bits of each field are meaningful in real mode;
// the fields are still full width because that's the shape the ioctl
// expects.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// AX, BX, CX, DX, SP, IP return the 16-bit register views
// real-mode code actually addresses.
func (r *Regs) AX() uint16 { return uint16(r.RAX) }
func (r *Regs) BX() uint16 { return uint16(r.RBX) }
func (r *Regs) CX() uint16 { return uint16(r.RCX) }
func (r *Regs) DX() uint16 { return uint16(r.RDX) }
func (r *Regs) SP() uint16 { return uint16(r.RSP) }
func (r *Regs) IP() uint16 { return uint16(r.RIP) }

// AL, AH, ... return the 8-bit halves the DOS service table is keyed on.
func (r *Regs) AL() uint8 { return uint8(r.RAX) }
func (r *Regs) AH() uint8 { return uint8(r.RAX >> 8) }
func (r *Regs) DL() uint8 { return uint8(r.RDX) }

// SetAX, SetBX, ... overwrite only the low 16 bits, preserving whatever
// KVM keeps in the upper 48 (always zero for a real-mode guest, but no
// reason to assume it).
func (r *Regs) SetAX(v uint16) { r.RAX = r.RAX&^0xFFFF | uint64(v) }
func (r *Regs) SetBX(v uint16) { r.RBX = r.RBX&^0xFFFF | uint64(v) }
func (r *Regs) SetCX(v uint16) { r.RCX = r.RCX&^0xFFFF | uint64(v) }
func (r *Regs) SetIP(v uint16) { r.RIP = r.RIP&^0xFFFF | uint64(v) }
func (r *Regs) SetSP(v uint16) { r.RSP = r.RSP&^0xFFFF | uint64(v) }

// FlagCF is the carry flag bit in RFLAGS.
const FlagCF = 1 << 0

// SetCF sets or clears the carry flag on the live register file. Per
// spec.md §4.4/§9, this is the only place the supervisor writes flags
// back to the guest: the flags word already pushed on the guest stack
// by the trapped INT is never touched.
func (r *Regs) SetCF(set bool) {
	if set {
		r.RFLAGS |= FlagCF
	} else {
		r.RFLAGS &^= FlagCF
	}
}

// GetRegs fetches the general purpose registers for a vCPU.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general purpose registers for a vCPU.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is one x86 segment descriptor as KVM represents it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDT/IDT pointer. Real mode never consults these, but
// KVM_GET/SET_SREGS always carries them.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs are the "special" registers: segments, control registers, and
// the interrupt bitmap.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// SetReal sets selector and shadow base together, the discipline spec.md
// §9 calls out as mandatory: a segment register write that sets only
// the selector (or only the base) leaves KVM's real-mode execution
// inconsistent with what the guest observes via `mov ds, ax`-style
// instructions.
func (s *Segment) SetReal(selector uint16) {
	s.Selector = selector
	s.Base = uint64(selector) << 4
}

// GetSregs fetches the special registers for a vCPU.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the special registers for a vCPU.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}

// UserspaceMemoryRegion registers a slice of host memory as guest
// physical RAM.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemFlagReadonly marks a region as read-only from the guest's
// perspective; a guest write faults through as an MMIO exit instead of
// silently landing in host memory.
const MemFlagReadonly = 1 << 1

// SetUserMemoryRegion installs or updates a memory slot on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// RunData mirrors struct kvm_run, the shared mmap'd region through
// which KVM reports why a run() call returned.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXITIO exit: direction (0=in,
// 1=out), operand size in bytes, port number, repeat count, and the
// byte offset (from the start of RunData) of the data buffer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the kvm_run.mmio union for an EXITMMIO exit: physical
// address, up to 8 bytes of data, length, and whether it was a write.
func (r *RunData) MMIO() (physAddr uint64, data [8]byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]

	b := r.Data[1]
	for i := 0; i < 8; i++ {
		data[i] = byte(b >> (8 * i))
	}

	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = r.Data[2]>>32&0xFF != 0

	return physAddr, data, length, isWrite
}

const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)
