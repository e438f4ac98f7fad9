// Package loader reads the raw .com guest image into guest memory and
// builds the DOS Program Segment Prefix, the way machine.LoadLinux in
// the teacher loads a kernel image and its boot parameters — except
// there is no header to parse: the file's first byte is the entry
// point.
package loader

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bobuhiro11/kvmdos/memory"
)

// ImageOffset is the offset within the program segment at which the
// .com image is loaded and entered: BASE_PARA:0x100.
const ImageOffset = 0x100

// TopOfMemoryParagraph is the value DOS reports at PSP+0x02 as the
// first paragraph past the end of available memory.
const TopOfMemoryParagraph = 0xA000

// PSP field offsets, per spec.md §3.
const (
	pspTerminateOpcode  = 0x00
	pspTopOfMemory      = 0x02
	pspCommandTailLen   = 0x80
	pspCommandTailBytes = 0x81
)

// maxTailBytes is the longest command tail content (excluding the
// trailing \r) that fits in the PSP: with 126 bytes the \r lands at
// offset 0xFF, the last byte before the image at ImageOffset.
const maxTailBytes = 126

var (
	// ErrTailTooLong is returned when the assembled command tail would
	// be longer than maxTailBytes.
	ErrTailTooLong = errors.New("dos command tail longer than 126 bytes")

	// ErrImageTooLarge is returned when the guest image does not fit
	// below the top of guest memory.
	ErrImageTooLarge = errors.New("guest image exceeds guest memory")
)

// LoadImage reads the raw .com file at path into guest memory starting
// at (base<<4)+ImageOffset. It performs no relocation or header
// parsing: the file is loaded byte for byte.
func LoadImage(path string, mem *memory.GuestMemory, base uint16) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open guest image: %w", err)
	}

	addr := memory.Seg(base, ImageOffset)
	if !mem.InBounds(addr, len(b)) {
		return fmt.Errorf("%w: %d bytes at %#x exceeds %d-byte guest memory",
			ErrImageTooLarge, len(b), addr, mem.Len())
	}

	mem.WriteBytes(addr, b)

	return nil
}

// BuildCommandTail concatenates the host's extra arguments into a DOS
// command tail: each argument preceded by a single space (matching the
// MS-DOS convention that the byte before the first argument is itself a
// space), with no trailing \r included in the returned slice — the
// caller adds that when writing it into the PSP.
func BuildCommandTail(args []string) ([]byte, error) {
	var b strings.Builder

	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}

	if b.Len() > maxTailBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTailTooLong, b.Len())
	}

	return []byte(b.String()), nil
}

// BuildPSP writes the Program Segment Prefix fields this supervisor
// populates at BASE_PARA:0000: the INT 20h terminate opcode, the
// top-of-memory paragraph, and the command tail (length byte, bytes,
// trailing \r). See spec.md §3/§4.3.
func BuildPSP(mem *memory.GuestMemory, base uint16, tail []byte) error {
	if len(tail) > maxTailBytes {
		return fmt.Errorf("%w: %d bytes", ErrTailTooLong, len(tail))
	}

	pspAddr := memory.Seg(base, 0)

	mem.WriteByte(pspAddr+pspTerminateOpcode, 0xCD)
	mem.WriteByte(pspAddr+pspTerminateOpcode+1, 0x20)

	mem.WriteByte(pspAddr+pspTopOfMemory, byte(TopOfMemoryParagraph))
	mem.WriteByte(pspAddr+pspTopOfMemory+1, byte(TopOfMemoryParagraph>>8))

	mem.WriteByte(pspAddr+pspCommandTailLen, byte(len(tail)))
	mem.WriteBytes(pspAddr+pspCommandTailBytes, tail)
	mem.WriteByte(pspAddr+pspCommandTailBytes+uint32(len(tail)), '\r')

	return nil
}
