// Package memory owns the 2 MiB guest-physical buffer: the magic
// interrupt table that turns every software interrupt into a trappable
// vCPU exit, and the bounds-checked byte access the loader, PSP
// builder, and DOS service layer all need.
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/kvmdos/kvm"
	"golang.org/x/sys/unix"
)

// Layout, in guest-physical bytes. See spec.md §4.1.
const (
	// MemSize is the whole flat guest address space: 2 MiB.
	MemSize = 1 << 21

	// IVTBase and HaltTableBase make up the "magic interrupt table":
	// 256 far pointers (cs=0x0040) followed by 256 hlt opcodes.
	IVTBase       = 0x0000
	HaltTableBase = 0x0400

	// ROEnd is the end of the read-only slot. It is page aligned so KVM
	// will accept it as a memory region on its own.
	ROEnd = 0x1000

	// HaltOpcode is the x86 HLT instruction byte.
	HaltOpcode = 0xF4

	// HaltSegment is the synthetic code segment every IVT entry points
	// into; it exists only so a halt's saved cs:ip can be recognized as
	// a synthetic trap rather than a real hlt in guest code.
	HaltSegment = 0x0040
)

var (
	// ErrOutOfBounds is returned when a caller-requested guest memory
	// range falls outside the allocated buffer.
	ErrOutOfBounds = errors.New("guest memory access out of bounds")

	errMmap = errors.New("mmap guest memory")
)

// GuestMemory is the host-side backing store for guest physical RAM,
// split into a read-only low region (IVT + halt table + reserved) and a
// read-write region for everything above it, each published to KVM as
// its own memory slot.
type GuestMemory struct {
	buf []byte
}

// New allocates the flat 2 MiB buffer, builds the magic interrupt
// table, and registers the two memory slots with the given VM. The
// buffer is allocated before the table is built and before either slot
// is registered, so the read-only slot genuinely starts out read-only
// from the guest's point of view.
func New(vmFd uintptr) (*GuestMemory, error) {
	buf, err := unix.Mmap(-1, 0, MemSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMmap, err)
	}

	m := &GuestMemory{buf: buf}
	BuildMagicInterruptTable(m.buf)

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    ROEnd,
		UserspaceAddr: addrOf(buf),
		Flags:         kvm.MemFlagReadonly,
	}); err != nil {
		return nil, fmt.Errorf("register read-only region: %w", err)
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          1,
		GuestPhysAddr: ROEnd,
		MemorySize:    uint64(MemSize - ROEnd),
		UserspaceAddr: addrOf(buf) + ROEnd,
	}); err != nil {
		return nil, fmt.Errorf("register read-write region: %w", err)
	}

	return m, nil
}

// NewFromBuf wraps an already-allocated buffer (MemSize bytes for a full
// guest; at least ROEnd) as a GuestMemory and builds the magic interrupt table into it,
// without touching KVM at all. Used by tests and by any caller that
// wants to build the PSP and image layout before a VM exists.
func NewFromBuf(buf []byte) *GuestMemory {
	m := &GuestMemory{buf: buf}
	BuildMagicInterruptTable(m.buf)

	return m
}

// BuildMagicInterruptTable fills in the IVT (each entry a far pointer
// to HaltSegment:n) and the halt opcode table right after it, in an
// arbitrary byte buffer at least ROEnd bytes long. See spec.md §3/§4.4.
func BuildMagicInterruptTable(buf []byte) {
	for n := 0; n < 256; n++ {
		off := IVTBase + 4*n
		buf[off+0] = byte(n)
		buf[off+1] = byte(n >> 8)
		buf[off+2] = HaltSegment & 0xFF
		buf[off+3] = HaltSegment >> 8
	}

	for i := 0; i < 256; i++ {
		buf[HaltTableBase+i] = HaltOpcode
	}
}

// RecoverTrap implements spec.md §4.4's recovery rule: a halt whose
// saved cs:ip lands in the halt table is a synthetic trap for interrupt
// number ip-1; anything else is a real hlt in guest code.
func RecoverTrap(cs, ip uint16) (intNum uint8, ok bool) {
	if cs != HaltSegment || ip < 1 || ip > 0x100 {
		return 0, false
	}

	return uint8(ip - 1), true
}

// Seg computes a physical address from a real-mode segment:offset pair.
// No 20-bit wraparound is modeled, per spec.md §9.
func Seg(selector, offset uint16) uint32 {
	return uint32(selector)<<4 + uint32(offset)
}

// InBounds reports whether [addr, addr+n) lies entirely within the
// allocated guest buffer.
func (m *GuestMemory) InBounds(addr uint32, n int) bool {
	if n < 0 {
		return false
	}

	end := uint64(addr) + uint64(n)

	return end <= uint64(len(m.buf))
}

// ReadBytes copies n bytes starting at addr. It is the caller's job to
// bounds-check first with InBounds; services that skip the check are a
// defect per spec.md §4.6/§9.
func (m *GuestMemory) ReadBytes(addr uint32, n int) []byte {
	out := make([]byte, n)
	copy(out, m.buf[addr:addr+uint32(n)])

	return out
}

// WriteBytes copies b into guest memory starting at addr.
func (m *GuestMemory) WriteBytes(addr uint32, b []byte) {
	copy(m.buf[addr:], b)
}

// ReadByte and WriteByte are single-byte conveniences used by the
// command-tail and print-string scanning code.
func (m *GuestMemory) ReadByte(addr uint32) byte     { return m.buf[addr] }
func (m *GuestMemory) WriteByte(addr uint32, v byte) { m.buf[addr] = v }

// Len returns the size of the guest buffer, for bounds arithmetic
// outside this package (the loader needs it to reject oversize images).
func (m *GuestMemory) Len() int { return len(m.buf) }

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
