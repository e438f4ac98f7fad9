package kvm

import (
	"errors"
	"fmt"
)

// ErrUnexpectedExitReason is returned for any KVM exit reason the
// supervisor does not treat as a recoverable trap.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ExitType is a KVM_EXIT_* reason code.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
)

// String gives a human name for a ExitType, for diagnostics. Unlike the
// teacher's stringer-generated table this is hand-rolled: the set of
// reasons this supervisor cares about is small.
func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "EXITUNKNOWN"
	case EXITEXCEPTION:
		return "EXITEXCEPTION"
	case EXITIO:
		return "EXITIO"
	case EXITHYPERCALL:
		return "EXITHYPERCALL"
	case EXITDEBUG:
		return "EXITDEBUG"
	case EXITHLT:
		return "EXITHLT"
	case EXITMMIO:
		return "EXITMMIO"
	case EXITIRQWINDOWOPEN:
		return "EXITIRQWINDOWOPEN"
	case EXITSHUTDOWN:
		return "EXITSHUTDOWN"
	case EXITFAILENTRY:
		return "EXITFAILENTRY"
	case EXITINTR:
		return "EXITINTR"
	default:
		return fmt.Sprintf("EXIT(%d)", uint32(e))
	}
}
