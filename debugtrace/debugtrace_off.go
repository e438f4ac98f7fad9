//go:build !debugtrace

// Package debugtrace is a no-op stand-in for the debugtrace build tag's
// register dump and IO-port tracing, so the supervisor and dispatch loop
// can call it unconditionally.
package debugtrace

import (
	"github.com/bobuhiro11/kvmdos/kvm"
	"github.com/bobuhiro11/kvmdos/memory"
)

// DumpRegs is a no-op outside the debugtrace build.
func DumpRegs(regs *kvm.Regs, sregs *kvm.Sregs) {}

// LogPortIO is a no-op outside the debugtrace build.
func LogPortIO(port, direction, size, count uint64) {}

// LogHalt is a no-op outside the debugtrace build.
func LogHalt(mem *memory.GuestMemory, cs, ip uint16) {}
