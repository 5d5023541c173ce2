package hart

import (
	"errors"
	"testing"

	"github.com/rvvmgo/rvvm/internal/mmu"
	"github.com/rvvmgo/rvvm/internal/pmem"
	"github.com/rvvmgo/rvvm/internal/rvbits"
	"github.com/rvvmgo/rvvm/internal/rvfloat"
)

const testRAMBase = 0x8000_0000

func newTestHart(t *testing.T) (*Hart, *pmem.AddressSpace) {
	t.Helper()

	ram, err := pmem.NewRAM(testRAMBase, 0x10_0000)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}

	t.Cleanup(func() { _ = ram.Close() })

	space := pmem.New(ram)
	m := mmu.New(space)

	return New(0, 64, testRAMBase, space, m), space
}

func putInsn(t *testing.T, space *pmem.AddressSpace, pc uint64, insn uint32) {
	t.Helper()

	buf := make([]byte, 4)
	rvbits.WriteLE(buf, 0, 4, uint64(insn))

	if err := space.Write(pc, buf); err != nil {
		t.Fatalf("write instruction at %#x: %v", pc, err)
	}
}

// encodeR builds an R-type instruction word.
func encodeR(f7, rs2v, rs1v, f3, rdv, op uint32) uint32 {
	return f7<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | rdv<<7 | op
}

func encodeI(op, rdv, f3, rs1v uint32, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | rs1v<<15 | f3<<12 | rdv<<7 | op
}

func encodeS(op, f3, rs1v, rs2v uint32, imm int64) uint32 {
	u := uint32(imm) & 0xfff
	return (u>>5)<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func encodeB(rs1v, rs2v, f3 uint32, imm int64) uint32 {
	u := uint32(imm) & 0x1fff
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch
}

func TestResetStateRegisterZeroReadsZero(t *testing.T) {
	h, _ := newTestHart(t)

	h.SetReg(0, 0xdead_beef)
	if h.Reg(0) != 0 {
		t.Errorf("x0 must always read zero, got %#x", h.Reg(0))
	}

	if h.PC != testRAMBase {
		t.Errorf("reset PC = %#x, want %#x", h.PC, testRAMBase)
	}

	if h.Priv != Machine {
		t.Errorf("reset privilege = %s, want M", h.Priv)
	}
}

func TestAddiAndStep(t *testing.T) {
	h, space := newTestHart(t)

	putInsn(t, space, testRAMBase, encodeI(opOpImm, 1, 0, 0, 42)) // addi x1, x0, 42

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.Reg(1) != 42 {
		t.Errorf("x1 = %d, want 42", h.Reg(1))
	}

	if h.PC != testRAMBase+4 {
		t.Errorf("PC = %#x, want %#x", h.PC, testRAMBase+4)
	}
}

func TestBranchTaken(t *testing.T) {
	h, space := newTestHart(t)

	h.SetReg(1, 5)
	h.SetReg(2, 5)

	putInsn(t, space, testRAMBase, encodeB(1, 2, 0b000, 16)) // beq x1, x2, +16

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.PC != testRAMBase+16 {
		t.Errorf("PC after taken branch = %#x, want %#x", h.PC, testRAMBase+16)
	}
}

func TestLoadStoreRoundTrip(t *testing.T) {
	h, space := newTestHart(t)

	h.SetReg(1, testRAMBase+0x100) // base address for store/load
	h.SetReg(2, 0x1234_5678)

	putInsn(t, space, testRAMBase, encodeS(opStore, 0b010, 1, 2, 0)) // sw x2, 0(x1)
	if err := h.Step(); err != nil {
		t.Fatalf("store Step: %v", err)
	}

	putInsn(t, space, h.PC, encodeI(opLoad, 3, 0b010, 1, 0)) // lw x3, 0(x1)
	if err := h.Step(); err != nil {
		t.Fatalf("load Step: %v", err)
	}

	if h.Reg(3) != 0x1234_5678 {
		t.Errorf("load after store = %#x, want 0x12345678", h.Reg(3))
	}
}

func TestECallTrapsToMachineMode(t *testing.T) {
	h, space := newTestHart(t)

	h.Mtvec = testRAMBase + 0x1000

	putInsn(t, space, testRAMBase, encodeI(opSystem, 0, 0, 0, 0)) // ecall

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.PC != h.Mtvec {
		t.Errorf("PC after ecall = %#x, want mtvec %#x", h.PC, h.Mtvec)
	}

	if h.Mcause != CauseECallFromM {
		t.Errorf("mcause = %d, want %d", h.Mcause, CauseECallFromM)
	}

	if h.Mepc != testRAMBase {
		t.Errorf("mepc = %#x, want %#x", h.Mepc, testRAMBase)
	}
}

func TestMRETRoundTrip(t *testing.T) {
	h, space := newTestHart(t)

	h.Mepc = testRAMBase + 0x200
	h.Mstatus |= statusMPIE
	h.Mstatus = h.Mstatus &^ statusMPPMask // MPP = User

	putInsn(t, space, testRAMBase, encodeI(opSystem, 0, 0, 0, 0x302)) // mret

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.PC != testRAMBase+0x200 {
		t.Errorf("PC after mret = %#x, want %#x", h.PC, testRAMBase+0x200)
	}

	if h.Priv != User {
		t.Errorf("priv after mret = %s, want U", h.Priv)
	}

	if h.Mstatus&statusMIE == 0 {
		t.Errorf("MIE should be set from MPIE after mret")
	}
}

func TestCSRReadWriteRoundTrip(t *testing.T) {
	h, space := newTestHart(t)

	h.SetReg(1, 0xdead)
	putInsn(t, space, testRAMBase, encodeI(opSystem, 2, 0b001, 1, int64(CSRMscratch))) // csrrw x2, mscratch, x1

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.Mscratch != 0xdead {
		t.Errorf("mscratch = %#x, want 0xdead", h.Mscratch)
	}

	if h.Reg(2) != 0 {
		t.Errorf("csrrw should return previous value 0, got %#x", h.Reg(2))
	}
}

func TestIllegalCSRWritePrivilegeTraps(t *testing.T) {
	h, space := newTestHart(t)

	h.Priv = User
	h.Mtvec = testRAMBase + 0x1000

	putInsn(t, space, testRAMBase, encodeI(opSystem, 2, 0b001, 0, int64(CSRMscratch))) // csrrw x2, mscratch, x0 from U mode

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.Priv != Machine {
		t.Errorf("priv-violating CSR access should trap to M, got %s", h.Priv)
	}

	if h.Mcause != CauseIllegalInstruction {
		t.Errorf("mcause = %d, want illegal instruction", h.Mcause)
	}
}

func TestAMOSWAPAndLRSC(t *testing.T) {
	h, space := newTestHart(t)

	addr := uint64(testRAMBase + 0x300)
	h.SetReg(1, addr)
	h.SetReg(2, 0x11)

	// amoswap.w x3, x2, (x1): f5=00001
	putInsn(t, space, testRAMBase, encodeR(0b0000100, 2, 1, 0b010, 3, opAMO))
	if err := h.Step(); err != nil {
		t.Fatalf("amoswap Step: %v", err)
	}

	buf := make([]byte, 4)
	if err := space.Read(addr, buf, pmem.AccessLoad); err != nil {
		t.Fatalf("read back: %v", err)
	}

	if rvbits.ReadLE(buf, 0, 4) != 0x11 {
		t.Errorf("memory after amoswap = %#x, want 0x11", rvbits.ReadLE(buf, 0, 4))
	}

	// lr.w x4, (x1): f5=00010
	putInsn(t, space, h.PC, encodeR(0b0001000|0b10, 0, 1, 0b010, 4, opAMO))
	if err := h.Step(); err != nil {
		t.Fatalf("lr Step: %v", err)
	}

	if !h.ReservationValid || h.ReservationAddr != addr {
		t.Fatalf("LR should set a valid reservation at %#x", addr)
	}

	// sc.w x5, x2, (x1): f5=00011
	putInsn(t, space, h.PC, encodeR(0b0001100|0b10, 2, 1, 0b010, 5, opAMO))
	if err := h.Step(); err != nil {
		t.Fatalf("sc Step: %v", err)
	}

	if h.Reg(5) != 0 {
		t.Errorf("SC following a valid LR should succeed (return 0), got %d", h.Reg(5))
	}
}

func TestFmvRoundTrip(t *testing.T) {
	h, space := newTestHart(t)

	h.SetReg(1, 0x3f80_0000) // 1.0f bit pattern

	// fmv.w.x f1, x1
	putInsn(t, space, testRAMBase, encodeR(0b1111000, 0, 1, 0, 1, opOpFP))
	if err := h.Step(); err != nil {
		t.Fatalf("fmv.w.x Step: %v", err)
	}

	if !rvbits.IsNaNBoxed(h.F[1]) {
		t.Fatalf("F[1] not NaN-boxed after fmv.w.x: %#x", h.F[1])
	}

	// fmv.x.w x2, f1
	putInsn(t, space, h.PC, encodeR(0b1110000, 0, 1, 0, 2, opOpFP))
	if err := h.Step(); err != nil {
		t.Fatalf("fmv.x.w Step: %v", err)
	}

	if h.Reg(2) != 0x3f80_0000 {
		t.Errorf("fmv.x.w round trip = %#x, want 0x3f800000", h.Reg(2))
	}
}

func TestBitmanipRegisterOps(t *testing.T) {
	tests := []struct {
		name     string
		f7, f3   uint32
		x1, x2   uint64
		want     uint64
	}{
		{"MIN", 0b0000101, 0b100, ^uint64(4), 3, ^uint64(4)}, // ^uint64(4) is -5 as two's complement
		{"MAX", 0b0000101, 0b110, ^uint64(4), 3, 3},
		{"ANDN", 0b0100000, 0b111, 0xf0, 0x0f, 0xf0},
		{"ORN", 0b0100000, 0b110, 0xf0, 0x0f, 0xf0 | ^uint64(0x0f)},
		{"ROL", 0b0110000, 0b001, 1, 4, 1 << 4},
		{"ROR", 0b0110000, 0b101, 1, 4, 1 << 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, space := newTestHart(t)

			h.SetReg(1, tt.x1)
			h.SetReg(2, tt.x2)

			putInsn(t, space, testRAMBase, encodeR(tt.f7, 2, 1, tt.f3, 3, opOp))

			if err := h.Step(); err != nil {
				t.Fatalf("Step: %v", err)
			}

			if h.Reg(3) != tt.want {
				t.Errorf("%s: x3 = %#x, want %#x", tt.name, h.Reg(3), tt.want)
			}
		})
	}
}

func TestBitmanipImmediateRORI(t *testing.T) {
	h, space := newTestHart(t)

	h.SetReg(1, 1)

	// rori x3, x1, 4: funct7 = 0b0110000<<0 composed with shamt 4 in the low bits of the I-imm.
	imm := int64(0b0110000<<5 | 4)
	putInsn(t, space, testRAMBase, encodeI(opOpImm, 3, 0b101, 1, imm))

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := uint64(1) << 60
	if h.Reg(3) != want {
		t.Errorf("rori x1,4 = %#x, want %#x", h.Reg(3), want)
	}
}

func TestFPArithInvalidRoundingModeTraps(t *testing.T) {
	h, space := newTestHart(t)

	h.Mtvec = testRAMBase + 0x1000

	// fadd.s f3, f1, f2, rm=101 (reserved encoding, never valid static or dynamic mode).
	putInsn(t, space, testRAMBase, encodeR(0b0000000, 2, 1, 0b101, 3, opOpFP))

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.PC != h.Mtvec {
		t.Errorf("PC after invalid rm = %#x, want mtvec %#x", h.PC, h.Mtvec)
	}

	if h.Mcause != CauseIllegalInstruction {
		t.Errorf("mcause = %d, want illegal instruction", h.Mcause)
	}
}

func TestFPArithCanonicalizesSignalingNaNResult(t *testing.T) {
	h, space := newTestHart(t)

	const sNaN32 = 0x7fa0_0001 // exponent all-1, quiet bit (22) clear, mantissa nonzero.
	const oneF32 = 0x3f80_0000

	h.SetReg(1, sNaN32)
	h.SetReg(2, oneF32)

	// fmv.w.x f1, x1 ; fmv.w.x f2, x2
	putInsn(t, space, testRAMBase, encodeR(0b1111000, 0, 1, 0, 1, opOpFP))
	if err := h.Step(); err != nil {
		t.Fatalf("fmv.w.x f1 Step: %v", err)
	}

	putInsn(t, space, h.PC, encodeR(0b1111000, 0, 2, 0, 2, opOpFP))
	if err := h.Step(); err != nil {
		t.Fatalf("fmv.w.x f2 Step: %v", err)
	}

	// fadd.s f3, f1, f2, rm=0 (RNE)
	putInsn(t, space, h.PC, encodeR(0b0000000, 2, 1, 0, 3, opOpFP))
	if err := h.Step(); err != nil {
		t.Fatalf("fadd.s Step: %v", err)
	}

	if want := rvbits.NaNBox32(rvfloat.CanonicalNaN32); h.F[3] != want {
		t.Errorf("fadd.s(sNaN, 1.0) = %#x, want canonical NaN %#x", h.F[3], want)
	}

	if h.FCSR&0x10 == 0 {
		t.Errorf("fadd.s consuming a signaling NaN should set the invalid (NV) flag, fcsr=%#x", h.FCSR)
	}
}

func TestAMOUnalignedAddressTraps(t *testing.T) {
	h, space := newTestHart(t)

	h.Mtvec = testRAMBase + 0x1000
	h.SetReg(1, testRAMBase+0x301) // misaligned for a 4-byte AMO
	h.SetReg(2, 1)

	// amoadd.w x3, x2, (x1): f5=00000
	putInsn(t, space, testRAMBase, encodeR(0b0000000, 2, 1, 0b010, 3, opAMO))

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.Mcause != CauseStoreAddressMisaligned {
		t.Errorf("mcause = %d, want CauseStoreAddressMisaligned (%d)", h.Mcause, CauseStoreAddressMisaligned)
	}

	if h.PC != h.Mtvec {
		t.Errorf("PC after misaligned AMO = %#x, want mtvec %#x", h.PC, h.Mtvec)
	}
}

func TestLRUnalignedAddressTraps(t *testing.T) {
	h, space := newTestHart(t)

	h.Mtvec = testRAMBase + 0x1000
	h.SetReg(1, testRAMBase+0x302) // misaligned for a 4-byte LR

	// lr.w x4, (x1): f5=00010
	putInsn(t, space, testRAMBase, encodeR(0b0001000, 0, 1, 0b010, 4, opAMO))

	if err := h.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if h.Mcause != CauseLoadAddressMisaligned {
		t.Errorf("mcause = %d, want CauseLoadAddressMisaligned (%d)", h.Mcause, CauseLoadAddressMisaligned)
	}
}

// TestFetchAcrossPageBoundary places a 4-byte instruction's low parcel on the last two bytes of one
// page and its high parcel on the first two bytes of the next page, so fetch() takes its split,
// re-translated path for the high parcel. In bare mode the two pages are physically adjacent.
func TestFetchAcrossPageBoundary(t *testing.T) {
	h, space := newTestHart(t)

	const pageSize = 0x1000

	// Identity-map satp is off by default in this test's reset state, so physical and virtual
	// addresses already coincide; placing the parcels across a physical page boundary exercises
	// the same split fetch() must perform for any translated, non-contiguous mapping.
	pc := uint64(testRAMBase + pageSize - 2)

	insn := encodeI(opOpImm, 1, 0, 0, 7) // addi x1, x0, 7 (4-byte, non-compressed)

	lo := make([]byte, 2)
	rvbits.WriteLE(lo, 0, 2, uint64(uint16(insn)))
	if err := space.Write(pc, lo); err != nil {
		t.Fatalf("write low parcel: %v", err)
	}

	hi := make([]byte, 2)
	rvbits.WriteLE(hi, 0, 2, uint64(uint16(insn>>16)))
	if err := space.Write(pc+2, hi); err != nil {
		t.Fatalf("write high parcel: %v", err)
	}

	h.PC = pc

	if err := h.Step(); err != nil {
		t.Fatalf("Step across page boundary: %v", err)
	}

	if h.Reg(1) != 7 {
		t.Errorf("x1 = %d, want 7 (fetch must reassemble the full-width instruction across the page split)", h.Reg(1))
	}

	if h.PC != pc+4 {
		t.Errorf("PC = %#x, want %#x", h.PC, pc+4)
	}
}

func TestWFIHaltsUntilInterruptPending(t *testing.T) {
	h, space := newTestHart(t)

	putInsn(t, space, testRAMBase, encodeI(opSystem, 0, 0, 0, 0x105)) // wfi
	if err := h.Step(); err != nil {
		t.Fatalf("wfi Step: %v", err)
	}

	if !h.WaitEvent {
		t.Fatalf("wfi should set WaitEvent")
	}

	if err := h.Step(); !errors.Is(err, ErrHalted) {
		t.Fatalf("Step while halted with nothing pending: got %v, want ErrHalted", err)
	}

	h.Mstatus |= statusMIE
	h.Mie |= ipMTIP
	h.Mip |= ipMTIP

	if err := h.Step(); err != nil {
		t.Fatalf("Step should deliver the pending timer interrupt, got %v", err)
	}

	if h.WaitEvent {
		t.Errorf("WaitEvent should clear once an interrupt is delivered")
	}
}
