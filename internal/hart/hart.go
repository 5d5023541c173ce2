// Package hart implements a single RISC-V hardware thread: its register file, CSR file, privilege
// state machine, and the fetch-decode-execute loop. It is grounded on the teacher VM's CPU
// (internal/vm/cpu.go, internal/vm/exec.go) for the overall shape — a struct embedding machine
// state plus a small set of lifecycle methods, driven by a Step() the owning machine calls in a
// loop — generalized from the LC-3's sixteen fixed opcodes to RISC-V's opcode/funct3/funct7
// dispatch the way a tinyrange RV64 emulator's execute loop does it.
package hart

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rvvmgo/rvvm/internal/irq"
	"github.com/rvvmgo/rvvm/internal/log"
	"github.com/rvvmgo/rvvm/internal/mmu"
	"github.com/rvvmgo/rvvm/internal/pmem"
)

// Hart holds one hardware thread's complete architectural state.
type Hart struct {
	ID   uint64
	XLEN int // 32 or 64

	X [32]uint64 // integer registers; x0 reads as zero, writes discarded.
	F [32]uint64 // floating point registers, NaN-boxed per rvbits.NaNBox32.
	PC uint64

	Priv Privilege

	Mstatus, Misa, Medeleg, Mideleg, Mie, Mip uint64
	Mtvec, Mscratch, Mepc, Mcause, Mtval      uint64
	Mcounteren                                uint32

	// mipMut guards Mip specifically: it is the one piece of CSR state another hart's goroutine
	// writes (SetPending, driven by an interrupt controller delivering an IPI or a device raising a
	// line) concurrently with this hart's own goroutine reading it every Step(). Every other CSR is
	// touched only by its owning hart's own goroutine and needs no lock.
	mipMut sync.Mutex

	Stvec, Sscratch, Sepc, Scause, Stval, Satp uint64
	Scounteren                                  uint32

	FCSR uint32

	Cycle, Instret uint64

	ReservationValid bool
	ReservationAddr  uint64

	Space *pmem.AddressSpace
	MMU   *mmu.MMU

	// WaitEvent is set by WFI and cleared by Step once an enabled interrupt is pending, or by Wake
	// (a spurious wakeup, permitted by the architecture).
	WaitEvent bool

	log *log.Logger
}

// mxlMisa computes the MISA value's base/extension bits for the requested XLEN, with IMAFDC set
// (the extension set this core implements).
func mxlMisa(xlen int) uint64 {
	const extIMAFDC = 1<<8 | 1<<12 | 1<<0 | 1<<5 | 1<<3 | 1<<2 // I, M, A, F, D, C
	if xlen == 64 {
		return uint64(2)<<62 | extIMAFDC
	}

	return uint64(1)<<30 | extIMAFDC
}

// New creates a hart with the given id, XLEN (32 or 64), and reset PC, wired to the given physical
// address space and MMU.
func New(id uint64, xlen int, resetPC uint64, space *pmem.AddressSpace, m *mmu.MMU) *Hart {
	h := &Hart{
		ID:    id,
		XLEN:  xlen,
		Space: space,
		MMU:   m,
		log:   log.ForComponent(log.DefaultLogger(), fmt.Sprintf("hart%d", id)),
	}

	h.Reset(resetPC)

	return h
}

// Reset restores the hart to its post-reset state: PC at resetPC, M-mode, interrupts masked, per
// the privileged architecture's reset behavior.
func (h *Hart) Reset(resetPC uint64) {
	h.X = [32]uint64{}
	h.F = [32]uint64{}
	h.PC = resetPC
	h.Priv = Machine
	h.Mstatus = 0
	h.Misa = mxlMisa(h.XLEN)
	h.Medeleg, h.Mideleg = 0, 0
	h.Mie, h.Mip = 0, 0
	h.Mtvec, h.Mscratch, h.Mepc, h.Mcause, h.Mtval = 0, 0, 0, 0, 0
	h.Stvec, h.Sscratch, h.Sepc, h.Scause, h.Stval, h.Satp = 0, 0, 0, 0, 0, 0
	h.FCSR = 0
	h.Cycle, h.Instret = 0, 0
	h.ReservationValid = false
	h.WaitEvent = false

	if h.Space != nil {
		h.Space.ClearReservation(h.ID)
	}

	if h.MMU != nil {
		h.MMU.FlushAll()
	}
}

// Reg reads integer register n; x0 always reads zero.
func (h *Hart) Reg(n uint32) uint64 {
	if n == 0 {
		return 0
	}

	return h.X[n]
}

// SetReg writes integer register n; writes to x0 are discarded.
func (h *Hart) SetReg(n uint32, v uint64) {
	if n == 0 {
		return
	}

	if h.XLEN == 32 {
		v = uint64(uint32(v))
	}

	h.X[n] = v
}

// RegSigned reads register n sign-extended to the hart's XLEN, the form most integer ops want.
func (h *Hart) RegSigned(n uint32) int64 {
	v := h.Reg(n)
	if h.XLEN == 32 {
		return int64(int32(v))
	}

	return int64(v)
}

// Snapshot is a point-in-time, loggable view of the hart's state, mirroring the teacher's
// LC3.String()/RegisterFile.LogValue() debug views.
type Snapshot struct {
	ID    uint64
	PC    uint64
	Priv  Privilege
	X     [32]uint64
	Cause uint64
}

// Snap captures the hart's current state for debugging or a monitor UI.
func (h *Hart) Snap() Snapshot {
	return Snapshot{ID: h.ID, PC: h.PC, Priv: h.Priv, X: h.X, Cause: h.Mcause}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("hart%d pc=%#x priv=%s cause=%#x", s.ID, s.PC, s.Priv, s.Cause)
}

// SetPending sets or clears one of the standard mip bits, implementing irq.PendingSetter so a
// irq.Controller (or a concrete CLINT/PLIC built against it) can raise interrupts on this hart
// without knowing about its CSR layout. May be called from a different hart's goroutine (an IPI)
// or the machine's event-loop goroutine (a timer/external device), concurrently with this hart's
// own Step(), hence the lock.
func (h *Hart) SetPending(line irq.Line, level bool) {
	bit := irq.Bit(line)

	h.mipMut.Lock()
	defer h.mipMut.Unlock()

	if level {
		h.Mip |= bit
	} else {
		h.Mip &^= bit
	}
}

// mipLoad reads Mip under mipMut, for the same cross-goroutine reason SetPending takes it.
func (h *Hart) mipLoad() uint64 {
	h.mipMut.Lock()
	defer h.mipMut.Unlock()

	return h.Mip
}

// mipUpdate applies fn to Mip under mipMut and returns the new value, for CSR writes to mip/sip.
func (h *Hart) mipUpdate(fn func(uint64) uint64) uint64 {
	h.mipMut.Lock()
	defer h.mipMut.Unlock()

	h.Mip = fn(h.Mip)

	return h.Mip
}

// Wake clears WaitEvent, resuming a hart parked in WFI. Per the architecture, WFI may also wake
// spuriously; Step() re-checks for a real pending+enabled interrupt regardless.
func (h *Hart) Wake() { h.WaitEvent = false }

func (h *Hart) LogValue() log.Value {
	return log.GroupValue(
		log.String("PC", fmt.Sprintf("%#x", h.PC)),
		log.String("PRIV", h.Priv.String()),
	)
}

// ErrHalted is returned by Step when the hart has entered WFI and no interrupt is pending; the
// owning machine should stop scheduling this hart until an interrupt line changes.
var ErrHalted = errors.New("hart: halted in wfi")

// Step executes exactly one instruction: fetch, decode (including RVC expansion), execute, and
// trap delivery on failure. It mirrors the six-stage pipeline doc comment in the teacher's
// internal/vm/exec.go, collapsed from distinct Decode/EvalAddress/Execute/Writeback interfaces
// into one dispatch switch, the way a single RISC-V instruction's semantics do not decompose as
// cleanly into the LC-3's operand-fetch/writeback stages.
func (h *Hart) Step() error {
	if h.WaitEvent {
		if _, ok := h.pendingInterrupt(); !ok {
			return ErrHalted
		}

		h.WaitEvent = false
	}

	if trap, ok := h.pendingInterrupt(); ok {
		h.deliver(trap)
		return nil
	}

	insn, size, err := h.fetch()
	if err != nil {
		var t *TrapError
		if errors.As(err, &t) {
			h.deliver(t)
			return nil
		}

		return err
	}

	if err := h.execute(insn); err != nil {
		var t *TrapError
		if errors.As(err, &t) {
			h.deliver(t)
			return nil
		}

		return err
	}

	h.PC += uint64(size)

	h.Cycle++
	h.Instret++

	return nil
}

// fetch reads one instruction word at PC, transparently expanding a compressed (16-bit) parcel.
func (h *Hart) fetch() (insn uint32, size int, err error) {
	params := h.translateParams()

	pa, terr := h.MMU.Translate(h.PC, pmem.AccessFetch, params)
	if terr != nil {
		return 0, 0, wrapPageFault(terr, pmem.AccessFetch, h.PC, CauseInstructionPageFault)
	}

	lo := make([]byte, 2)
	if err := h.Space.FetchInst(pa, lo); err != nil {
		return 0, 0, &TrapError{Cause: CauseInstructionAccessFault, TVal: h.PC}
	}

	parcel := uint16(lo[0]) | uint16(lo[1])<<8

	if isCompressed(parcel) {
		expanded, ok := expandCompressed(parcel)
		if !ok {
			return 0, 0, &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(parcel)}
		}

		return expanded, 2, nil
	}

	hiVA := h.PC + 2
	hiPA := pa + 2

	if hiVA&^uint64(0xfff) != h.PC&^uint64(0xfff) {
		// The high parcel lives on the next page, which need not be physically contiguous with
		// pa's frame, so it gets its own translation rather than reusing pa+2.
		hiPA, terr = h.MMU.Translate(hiVA, pmem.AccessFetch, params)
		if terr != nil {
			return 0, 0, wrapPageFault(terr, pmem.AccessFetch, hiVA, CauseInstructionPageFault)
		}
	}

	hi := make([]byte, 2)
	if err := h.Space.FetchInst(hiPA, hi); err != nil {
		return 0, 0, &TrapError{Cause: CauseInstructionAccessFault, TVal: hiVA}
	}

	full := uint32(parcel) | uint32(hi[0])<<16 | uint32(hi[1])<<24

	return full, 4, nil
}

// translateParams builds the mmu.Params for the hart's current CSR state.
func (h *Hart) translateParams() mmu.Params {
	priv := h.Priv

	mprv := h.Mstatus&(1<<17) != 0
	if mprv && h.Priv == Machine {
		priv = Privilege((h.Mstatus & statusMPPMask) >> statusMPPShift)
	}

	return mmu.Params{
		SATP: h.Satp,
		XLEN: h.XLEN,
		Priv: mmu.Privilege(priv),
		SUM:  h.Mstatus&statusSUM != 0,
		MXR:  h.Mstatus&statusMXR != 0,
	}
}

func wrapPageFault(_ error, _ pmem.AccessMode, vaddr uint64, cause uint64) error {
	return &TrapError{Cause: cause, TVal: vaddr}
}
