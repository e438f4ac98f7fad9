// Package dos emulates the handful of INT 20h/21h/29h/10h services a
// DOS .com program needs, the way serial.Serial emulates a 16550 UART
// in the teacher: given a register snapshot and the shared guest
// memory, mutate registers and host streams, and report the outcome.
package dos

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmdos/kvm"
	"github.com/bobuhiro11/kvmdos/memory"
)

// Streams are the host file descriptors visible to the guest. They are
// interfaces (not *os.File) so tests can substitute buffers.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ErrUnsupportedService is returned for any (int, ah) pair this
// supervisor does not implement. Per spec.md §4.6/§7, this is always
// fatal: there is no safe default DOS behavior to fall back to.
var ErrUnsupportedService = errors.New("unsupported dos service")

// errPrintStringWrap is returned when a $-terminated string scan would
// wrap the 16-bit offset without finding its terminator. spec.md §4.6
// declares this unsupported rather than looping forever.
var errPrintStringWrap = errors.New("print-string scan wrapped without finding '$'")

// Result describes the guest-visible outcome of one trapped service.
type Result struct {
	// Terminate is true when the service ends the DOS program (INT 20h,
	// or INT 21h AH=4Ch).
	Terminate bool
	// ExitCode is meaningful only when Terminate is true.
	ExitCode int
}

// DOS handle numbers, and where they land on a real file descriptor.
// BX==4 is intentionally asymmetric: spec.md §4.6 preserves the
// original source's STDPRN alias, which reads from stdin but writes to
// stdout.
const (
	handleStdin  = 0
	handleStdout = 1
	handleStderr = 2
	handleStdaux = 3
	handleStdprn = 4
)

// DOS error codes used by AH=40h/3Fh on failure. See
// https://stanislavs.org/helppc/dos_error_codes.html.
const (
	errInvalidHandle = 6
	errWriteFault    = 0x1D
	errReadFault     = 0x1E
)

// Handle dispatches one trapped software interrupt to the service table
// in spec.md §4.6. regs and sregs are mutated in place with the
// service's guest-visible effects (AX/BX/CX/DX, CF); the caller is
// responsible for the iret arithmetic (restoring cs:ip, advancing sp)
// once Handle returns successfully.
func Handle(intNum uint8, regs *kvm.Regs, sregs *kvm.Sregs, mem *memory.GuestMemory, streams Streams) (Result, error) {
	switch intNum {
	case 0x20:
		return Result{Terminate: true, ExitCode: 0}, nil
	case 0x21:
		return handleInt21(regs, sregs, mem, streams)
	case 0x29:
		if err := writeByte(streams.Stdout, regs.AL()); err != nil {
			return Result{}, fmt.Errorf("fast console output: %w", err)
		}

		return Result{}, nil
	case 0x10:
		if regs.AH() == 0x0E {
			if err := writeByte(streams.Stdout, regs.AL()); err != nil {
				return Result{}, fmt.Errorf("teletype output: %w", err)
			}

			return Result{}, nil
		}

		return Result{}, fmt.Errorf("%w: int 10h ah=%#02x", ErrUnsupportedService, regs.AH())
	default:
		return Result{}, fmt.Errorf("%w: int %#02x", ErrUnsupportedService, intNum)
	}
}

// writeByte writes a single raw guest byte to a host stream, the same
// one-byte write(fd, &c, 1) the original source does for every
// character-output service. fmt.Fprintf's "%c" verb would instead
// encode the byte as a UTF-8 rune, corrupting any value >= 0x80.
func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})

	return err
}

func handleInt21(regs *kvm.Regs, sregs *kvm.Sregs, mem *memory.GuestMemory, streams Streams) (Result, error) {
	switch regs.AH() {
	case 0x4C:
		return Result{Terminate: true, ExitCode: int(regs.AL())}, nil

	case 0x30:
		regs.SetAX(0x0005)
		regs.SetBX(0xFF00)
		regs.SetCX(0)
		regs.SetCF(false)

		return Result{}, nil

	case 0x06:
		if regs.DL() != 0xFF {
			if err := writeByte(streams.Stdout, regs.DL()); err != nil {
				return Result{}, fmt.Errorf("direct console output: %w", err)
			}
		}

		return Result{}, nil

	case 0x04:
		if err := writeByte(streams.Stderr, regs.DL()); err != nil {
			return Result{}, fmt.Errorf("write to stdaux: %w", err)
		}

		return Result{}, nil

	case 0x05:
		if err := writeByte(streams.Stdout, regs.DL()); err != nil {
			return Result{}, fmt.Errorf("write to stdprn: %w", err)
		}

		return Result{}, nil

	case 0x09:
		return Result{}, printString(regs, sregs, mem, streams)

	case 0x40:
		return Result{}, writeHandle(regs, sregs, mem, streams)

	case 0x3F:
		return Result{}, readHandle(regs, sregs, mem, streams)

	default:
		return Result{}, fmt.Errorf("%w: int 21h ah=%#02x", ErrUnsupportedService, regs.AH())
	}
}

// printString implements INT 21h AH=09h: print the bytes at DS:DX up to
// (excluding) the first '$' byte.
func printString(regs *kvm.Regs, sregs *kvm.Sregs, mem *memory.GuestMemory, streams Streams) error {
	start := regs.DX()
	dx := start

	for {
		addr := memory.Seg(uint16(sregs.DS.Selector), dx)
		if !mem.InBounds(addr, 1) {
			regs.SetAX(errInvalidHandle)
			regs.SetCF(true)

			return nil
		}

		if mem.ReadByte(addr) == '$' {
			break
		}

		if dx == 0xFFFF {
			return errPrintStringWrap
		}

		dx++
	}

	base := memory.Seg(uint16(sregs.DS.Selector), start)
	n := int(dx - start)

	if _, err := streams.Stdout.Write(mem.ReadBytes(base, n)); err != nil {
		return fmt.Errorf("print string: %w", err)
	}

	return nil
}

// writeHandle implements INT 21h AH=40h. BX in 0..4 is accepted as a
// handle number; BX==0 (stdin) is accepted as a handle but always faults
// on the actual write, matching the original source passing fd 0
// straight into write(2) with no validation that it is writable.
func writeHandle(regs *kvm.Regs, sregs *kvm.Sregs, mem *memory.GuestMemory, streams Streams) error {
	if regs.BX() > 4 {
		regs.SetAX(errInvalidHandle)
		regs.SetCF(true)

		return nil
	}

	if regs.BX() == handleStdin {
		regs.SetAX(errWriteFault)
		regs.SetCF(true)

		return nil
	}

	addr := memory.Seg(uint16(sregs.DS.Selector), regs.DX())
	n := int(regs.CX())

	if !mem.InBounds(addr, n) {
		regs.SetAX(errInvalidHandle)
		regs.SetCF(true)

		return nil
	}

	w := writerFor(regs.BX(), streams)

	got, err := w.Write(mem.ReadBytes(addr, n))
	if err != nil {
		regs.SetAX(errWriteFault)
		regs.SetCF(true)

		return nil
	}

	regs.SetAX(uint16(got))
	regs.SetCF(false)

	return nil
}

// readHandle implements INT 21h AH=3Fh. BX in 0..4 is accepted as a
// handle number; only 0 and 4 (remapped to stdin) are actually
// readable — 1, 2, and 3 (remapped to stderr) fault on the read, again
// matching the original source's unconditional fd passthrough.
func readHandle(regs *kvm.Regs, sregs *kvm.Sregs, mem *memory.GuestMemory, streams Streams) error {
	if regs.BX() > 4 {
		regs.SetAX(errInvalidHandle)
		regs.SetCF(true)

		return nil
	}

	if regs.BX() != handleStdin && regs.BX() != handleStdprn {
		regs.SetAX(errReadFault)
		regs.SetCF(true)

		return nil
	}

	addr := memory.Seg(uint16(sregs.DS.Selector), regs.DX())
	n := int(regs.CX())

	if !mem.InBounds(addr, n) {
		regs.SetAX(errInvalidHandle)
		regs.SetCF(true)

		return nil
	}

	buf := make([]byte, n)

	got, err := streams.Stdin.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		regs.SetAX(errReadFault)
		regs.SetCF(true)

		return nil
	}

	mem.WriteBytes(addr, buf[:got])
	regs.SetAX(uint16(got))
	regs.SetCF(false)

	return nil
}

// writerFor maps a DOS handle to a host writer for BX in {1,2,3,4}, per
// spec.md §4.6: 1 is stdout, 2 and 3 (STDAUX alias) are stderr, 4
// (STDPRN alias) is stdout — the asymmetry spec.md calls out relative
// to the read side, where 4 means stdin.
func writerFor(bx uint16, s Streams) io.Writer {
	switch bx {
	case handleStderr, handleStdaux:
		return s.Stderr
	default: // handleStdout, handleStdprn
		return s.Stdout
	}
}
