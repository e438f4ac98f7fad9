package dos_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmdos/dos"
	"github.com/bobuhiro11/kvmdos/kvm"
	"github.com/bobuhiro11/kvmdos/memory"
)

const testDS = 0x0100

func newFixture(t *testing.T) (*memory.GuestMemory, *kvm.Regs, *kvm.Sregs, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	mem := memory.NewFromBuf(make([]byte, memory.MemSize))
	regs := &kvm.Regs{}
	sregs := &kvm.Sregs{}
	sregs.DS.SetReal(testDS)

	var stdout, stderr bytes.Buffer

	return mem, regs, sregs, &stdout, &stderr
}

func TestTerminate(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	res, err := dos.Handle(0x20, regs, sregs, mem, streams)
	if err != nil {
		t.Fatalf("Handle(int20h): %v", err)
	}

	if !res.Terminate || res.ExitCode != 0 {
		t.Fatalf("Handle(int20h) = %+v, want Terminate=true ExitCode=0", res)
	}
}

func TestExitWithCode(t *testing.T) {
	for code := 0; code < 256; code += 37 {
		mem, regs, sregs, stdout, stderr := newFixture(t)
		streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

		regs.SetAX(0x4C00 | uint16(code))

		res, err := dos.Handle(0x21, regs, sregs, mem, streams)
		if err != nil {
			t.Fatalf("Handle(int21h ah=4c): %v", err)
		}

		if !res.Terminate || res.ExitCode != code {
			t.Fatalf("exit code %d: got %+v", code, res)
		}
	}
}

func TestDOSVersion(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	regs.SetAX(0x3000)

	if _, err := dos.Handle(0x21, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(ah=30h): %v", err)
	}

	if regs.AX() != 0x0005 {
		t.Fatalf("AX = %#x, want 0x0005", regs.AX())
	}

	if regs.RBX != 0xFF00 {
		t.Fatalf("BX = %#x, want 0xff00", regs.RBX)
	}
}

func TestPrintStringHello(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	msgAddr := memory.Seg(testDS, 0x2000)
	mem.WriteBytes(msgAddr, []byte("Hello$"))

	regs.SetAX(0x0900)
	regs.RDX = 0x2000

	if _, err := dos.Handle(0x21, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(ah=09h): %v", err)
	}

	if stdout.String() != "Hello" {
		t.Fatalf("stdout = %q, want %q", stdout.String(), "Hello")
	}
}

func TestWriteHandleHello(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	bufAddr := memory.Seg(testDS, 0x3000)
	mem.WriteBytes(bufAddr, []byte("Hello"))

	regs.SetAX(0x4000)
	regs.SetBX(1)
	regs.RDX = 0x3000
	regs.SetCX(5)

	if _, err := dos.Handle(0x21, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(ah=40h): %v", err)
	}

	if stdout.String() != "Hello" {
		t.Fatalf("stdout = %q, want %q", stdout.String(), "Hello")
	}

	if regs.AX() != 5 {
		t.Fatalf("AX = %d, want 5", regs.AX())
	}

	if regs.RFLAGS&kvm.FlagCF != 0 {
		t.Fatal("CF set, want clear")
	}
}

func TestWriteHandleInvalid(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	mem.WriteBytes(memory.Seg(testDS, 0x3000), []byte{0xAA, 0xBB})

	regs.SetAX(0x4000)
	regs.SetBX(99)
	regs.RDX = 0x3000
	regs.SetCX(2)

	if _, err := dos.Handle(0x21, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(ah=40h bx=99): %v", err)
	}

	if regs.AX() != 6 {
		t.Fatalf("AX = %d, want 6", regs.AX())
	}

	if regs.RFLAGS&kvm.FlagCF == 0 {
		t.Fatal("CF clear, want set")
	}

	if stdout.Len() != 0 {
		t.Fatalf("stdout should be untouched, got %q", stdout.String())
	}

	if got := mem.ReadBytes(memory.Seg(testDS, 0x3000), 2); got[0] != 0xAA || got[1] != 0xBB {
		t.Fatal("guest memory should be untouched by an invalid-handle write")
	}
}

func TestReadHandleStdin(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader("abc"), Stdout: stdout, Stderr: stderr}

	regs.SetAX(0x3F00)
	regs.SetBX(0)
	regs.RDX = 0x4000
	regs.SetCX(3)

	if _, err := dos.Handle(0x21, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(ah=3fh): %v", err)
	}

	if regs.AX() != 3 {
		t.Fatalf("AX = %d, want 3", regs.AX())
	}

	if got := string(mem.ReadBytes(memory.Seg(testDS, 0x4000), 3)); got != "abc" {
		t.Fatalf("read buffer = %q, want %q", got, "abc")
	}
}

func TestFastConsoleOutput(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	regs.SetAX('Z')

	if _, err := dos.Handle(0x29, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(int29h): %v", err)
	}

	if stdout.String() != "Z" {
		t.Fatalf("stdout = %q, want %q", stdout.String(), "Z")
	}
}

func TestTeletypeOutput(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	regs.SetAX(0x0E41) // ah=0eh, al='A'

	if _, err := dos.Handle(0x10, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(int10h ah=0eh): %v", err)
	}

	if stdout.String() != "A" {
		t.Fatalf("stdout = %q, want %q", stdout.String(), "A")
	}
}

func TestUnsupportedServiceIsFatal(t *testing.T) {
	mem, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	regs.SetAX(0x0000) // int 21h ah=00h is not in the service table

	_, err := dos.Handle(0x21, regs, sregs, mem, streams)
	if !errors.Is(err, dos.ErrUnsupportedService) {
		t.Fatalf("err = %v, want ErrUnsupportedService", err)
	}

	_, err = dos.Handle(0x16, regs, sregs, mem, streams) // keyboard scan codes: out of scope
	if !errors.Is(err, dos.ErrUnsupportedService) {
		t.Fatalf("err = %v, want ErrUnsupportedService", err)
	}
}

func TestPrintStringOutOfBounds(t *testing.T) {
	_, regs, sregs, stdout, stderr := newFixture(t)
	streams := dos.Streams{Stdin: strings.NewReader(""), Stdout: stdout, Stderr: stderr}

	// A full 2 MiB buffer holds every real-mode address, so this guest
	// memory ends 8 bytes past DS:DX, before the scan reaches offset 0xFFFF.
	mem := memory.NewFromBuf(make([]byte, memory.Seg(0xFFFF, 0xFFF8)))

	regs.SetAX(0x0900)
	sregs.DS.SetReal(0xFFFF)
	regs.RDX = 0xFFF0

	if _, err := dos.Handle(0x21, regs, sregs, mem, streams); err != nil {
		t.Fatalf("Handle(ah=09h out of bounds): %v", err)
	}

	if regs.AX() != 6 {
		t.Fatalf("AX = %d, want 6", regs.AX())
	}

	if regs.RFLAGS&kvm.FlagCF == 0 {
		t.Fatal("CF clear, want set")
	}
}
