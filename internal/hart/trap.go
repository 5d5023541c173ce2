package hart

import "fmt"

// Privilege is one of the three RISC-V privilege levels, mirroring the teacher's Privilege
// ordering for CPU mode but widened to include Supervisor.
type Privilege uint8

const (
	User       Privilege = 0
	Supervisor Privilege = 1
	Machine    Privilege = 3
)

func (p Privilege) String() string {
	switch p {
	case User:
		return "U"
	case Supervisor:
		return "S"
	case Machine:
		return "M"
	default:
		return "?"
	}
}

// Exception causes, from the privileged architecture's cause register table. Interrupt causes set
// the top bit of mcause/scause; these constants hold only the low bits.
const (
	CauseInstructionAddressMisaligned = 0
	CauseInstructionAccessFault       = 1
	CauseIllegalInstruction           = 2
	CauseBreakpoint                   = 3
	CauseLoadAddressMisaligned        = 4
	CauseLoadAccessFault              = 5
	CauseStoreAddressMisaligned       = 6
	CauseStoreAccessFault             = 7
	CauseECallFromU                   = 8
	CauseECallFromS                   = 9
	CauseECallFromM                   = 11
	CauseInstructionPageFault         = 12
	CauseLoadPageFault                = 13
	CauseStorePageFault               = 15
)

// Interrupt causes (low bits; the interrupt flag is applied by the caller).
const (
	IntSSI = 1
	IntMSI = 3
	IntSTI = 5
	IntMTI = 7
	IntSEI = 9
	IntMEI = 11
)

const interruptBit64 = uint64(1) << 63

// TrapError is the typed error every trap-raising operation returns, analogous to the teacher's
// interrupt/acv types in internal/vm/intr.go: Step() catches it with errors.As and drives the
// CSR/privilege state transition, rather than every instruction doing so inline.
type TrapError struct {
	Cause       uint64 // low bits only; Interrupt distinguishes trap vs. interrupt.
	Interrupt   bool
	TVal        uint64
	HasTVal     bool
}

func (e *TrapError) Error() string {
	kind := "exception"
	if e.Interrupt {
		kind = "interrupt"
	}

	return fmt.Sprintf("hart: %s cause=%d tval=%#x", kind, e.Cause, e.TVal)
}

// Is lets callers use errors.Is(err, ErrTrap) to test "any trap at all" without caring which.
func (e *TrapError) Is(target error) bool { return target == ErrTrap }

// ErrTrap is the sentinel every *TrapError matches via Is, letting callers use a single
// errors.Is check before unwrapping with errors.As for the cause/tval detail.
var ErrTrap = fmt.Errorf("hart: trap")

// deliver transitions the hart into the trap handler for err, choosing the M-mode or S-mode
// vector per medeleg/mideleg delegation, and saving/restoring the privilege stack the way the
// teacher's interrupt.Handle pushes PSR and PC in internal/vm/intr.go.
func (h *Hart) deliver(t *TrapError) {
	// Any trap drops an outstanding LR reservation.
	h.ReservationValid = false
	if h.Space != nil {
		h.Space.ClearReservation(h.ID)
	}

	delegated := h.isDelegated(t)

	if delegated {
		h.deliverTo(Supervisor, t)
	} else {
		h.deliverTo(Machine, t)
	}
}

func (h *Hart) isDelegated(t *TrapError) bool {
	if h.Priv == Machine {
		return false
	}

	if t.Interrupt {
		return h.Mideleg&(uint64(1)<<t.Cause) != 0
	}

	return h.Medeleg&(uint64(1)<<t.Cause) != 0
}

func (h *Hart) deliverTo(target Privilege, t *TrapError) {
	causeVal := t.Cause
	if t.Interrupt {
		causeVal |= interruptBit64
	}

	prevPriv := h.Priv

	if target == Machine {
		h.Mepc = h.PC
		h.Mcause = causeVal
		h.Mtval = t.TVal

		mpie := h.Mstatus&statusMIE != 0
		h.Mstatus = h.Mstatus &^ statusMPIE
		if mpie {
			h.Mstatus |= statusMPIE
		}

		h.Mstatus = h.Mstatus &^ statusMIE
		h.Mstatus = h.Mstatus &^ statusMPPMask
		h.Mstatus |= uint64(prevPriv) << statusMPPShift

		h.Priv = Machine
		h.PC = h.trapTarget(h.Mtvec, t)

		return
	}

	h.Sepc = h.PC
	h.Scause = causeVal
	h.Stval = t.TVal

	spie := h.Mstatus&statusSIE != 0
	h.Mstatus = h.Mstatus &^ statusSPIE
	if spie {
		h.Mstatus |= statusSPIE
	}

	h.Mstatus = h.Mstatus &^ statusSIE
	h.Mstatus = h.Mstatus &^ statusSPP
	if prevPriv == Supervisor {
		h.Mstatus |= statusSPP
	}

	h.Priv = Supervisor
	h.PC = h.trapTarget(h.Stvec, t)
}

// trapTarget applies the vectored-mode offset (tvec[1:0] == 1) for interrupts.
func (h *Hart) trapTarget(tvec uint64, t *TrapError) uint64 {
	base := tvec &^ 0b11

	if t.Interrupt && tvec&0b11 == 1 {
		return base + 4*t.Cause
	}

	return base
}

// MRET returns from an M-mode trap handler, restoring the privilege and interrupt-enable state
// the trap entry saved.
func (h *Hart) execMRET() error {
	if h.Priv != Machine {
		return &TrapError{Cause: CauseIllegalInstruction, TVal: 0}
	}

	mpp := Privilege((h.Mstatus & statusMPPMask) >> statusMPPShift)
	mpie := h.Mstatus&statusMPIE != 0

	h.Mstatus = h.Mstatus &^ statusMIE
	if mpie {
		h.Mstatus |= statusMIE
	}

	h.Mstatus |= statusMPIE
	h.Mstatus = h.Mstatus &^ statusMPPMask // MPP resets to U (0) after MRET.

	h.Priv = mpp
	h.PC = h.Mepc - 4 // Step() adds MRET's 4-byte size back (MRET has no compressed form).

	return nil
}

// SRET returns from an S-mode trap handler.
func (h *Hart) execSRET() error {
	if h.Priv == User {
		return &TrapError{Cause: CauseIllegalInstruction, TVal: 0}
	}

	// mstatus.TSR (trap SRET) is not modeled; supervisor may always SRET in this core.

	spp := Privilege(0)
	if h.Mstatus&statusSPP != 0 {
		spp = Supervisor
	}

	spie := h.Mstatus&statusSPIE != 0

	h.Mstatus = h.Mstatus &^ statusSIE
	if spie {
		h.Mstatus |= statusSIE
	}

	h.Mstatus |= statusSPIE
	h.Mstatus = h.Mstatus &^ statusSPP

	h.Priv = spp
	h.PC = h.Sepc - 4 // Step() adds SRET's 4-byte size back (SRET has no compressed form).

	return nil
}

// pendingInterrupt returns the highest-priority pending, enabled interrupt, if any, per the
// priority order in the privileged spec: MEI, MSI, MTI, SEI, SSI, STI.
func (h *Hart) pendingInterrupt() (*TrapError, bool) {
	pending := h.mipLoad() & h.Mie

	globalM := h.Priv != Machine || h.Mstatus&statusMIE != 0
	globalS := h.Priv == User || (h.Priv == Supervisor && h.Mstatus&statusSIE != 0)

	order := []struct {
		bit   uint64
		cause uint64
		toS   bool
	}{
		{ipMEIP, IntMEI, false},
		{ipMSIP, IntMSI, false},
		{ipMTIP, IntMTI, false},
		{ipSEIP, IntSEI, true},
		{ipSSIP, IntSSI, true},
		{ipSTIP, IntSTI, true},
	}

	for _, o := range order {
		if pending&o.bit == 0 {
			continue
		}

		delegatedToS := h.Mideleg&(uint64(1)<<o.cause) != 0

		if delegatedToS {
			if !globalS {
				continue
			}
		} else if !globalM {
			continue
		}

		return &TrapError{Cause: o.cause, Interrupt: true}, true
	}

	return nil, false
}
