package hart

import (
	"math"
	"math/bits"

	"github.com/rvvmgo/rvvm/internal/pmem"
	"github.com/rvvmgo/rvvm/internal/rvbits"
	"github.com/rvvmgo/rvvm/internal/rvfloat"
)

// execute decodes and runs one full-width instruction word, dispatching by opcode the way the
// RV64 reference emulator in the example pack does, but routing every fault through *TrapError so
// the caller's single errors.As catch handles them uniformly.
func (h *Hart) execute(insn uint32) error {
	switch opcode(insn) {
	case opLUI:
		h.SetReg(rd(insn), uint64(immU(insn)))
	case opAUIPC:
		h.SetReg(rd(insn), h.PC+uint64(immU(insn)))
	case opJAL:
		h.SetReg(rd(insn), h.PC+4)
		target := h.PC + uint64(immJ(insn))
		return h.jumpTo(target)
	case opJALR:
		target := (uint64(h.RegSigned(rs1(insn))+immI(insn))) &^ 1
		ret := h.PC + 4
		h.SetReg(rd(insn), ret)
		return h.jumpTo(target)
	case opBranch:
		return h.execBranch(insn)
	case opLoad:
		return h.execLoad(insn)
	case opStore:
		return h.execStore(insn)
	case opOpImm:
		return h.execOpImm(insn, false)
	case opOpImm32:
		return h.execOpImm(insn, true)
	case opOp:
		return h.execOp(insn, false)
	case opOp32:
		return h.execOp(insn, true)
	case opMiscMem:
		return nil // FENCE, FENCE.I: no-op; every physical access is serialized by the address space's lock and fetch reads memory directly.
	case opAMO:
		return h.execAMO(insn)
	case opSystem:
		return h.execSystem(insn)
	case opLoadFP:
		return h.execLoadFP(insn)
	case opStoreFP:
		return h.execStoreFP(insn)
	case opOpFP:
		return h.execOpFP(insn)
	case opMAdd, opMSub, opNMSub, opNMAdd:
		return h.execFMA(insn)
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	return nil
}

func (h *Hart) jumpTo(target uint64) error {
	if h.XLEN == 64 && target&1 != 0 {
		return &TrapError{Cause: CauseInstructionAddressMisaligned, TVal: target}
	}

	h.PC = target - 4 // execute() returns normally, Step() adds the instruction's size back.

	return nil
}

func (h *Hart) execBranch(insn uint32) error {
	a, b := h.RegSigned(rs1(insn)), h.RegSigned(rs2(insn))
	ua, ub := h.Reg(rs1(insn)), h.Reg(rs2(insn))

	var taken bool

	switch funct3(insn) {
	case 0b000: // BEQ
		taken = a == b
	case 0b001: // BNE
		taken = a != b
	case 0b100: // BLT
		taken = a < b
	case 0b101: // BGE
		taken = a >= b
	case 0b110: // BLTU
		taken = ua < ub
	case 0b111: // BGEU
		taken = ua >= ub
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	if taken {
		return h.jumpTo(h.PC + uint64(immB(insn)))
	}

	return nil
}

func (h *Hart) loadStoreAddr(insn uint32, imm int64) (uint64, error) {
	return uint64(h.RegSigned(rs1(insn)) + imm), nil
}

func (h *Hart) translateAndAccess(va uint64, access pmem.AccessMode) (uint64, error) {
	pa, err := h.MMU.Translate(va, access, h.translateParams())
	if err != nil {
		cause := uint64(CauseLoadPageFault)
		if access == pmem.AccessStore {
			cause = CauseStorePageFault
		}

		return 0, wrapPageFault(err, access, va, cause)
	}

	return pa, nil
}

func (h *Hart) execLoad(insn uint32) error {
	va, _ := h.loadStoreAddr(insn, immI(insn))
	f3 := funct3(insn)

	var width int

	switch f3 {
	case 0b000, 0b100: // LB, LBU
		width = 1
	case 0b001, 0b101: // LH, LHU
		width = 2
	case 0b010, 0b110: // LW, LWU
		width = 4
	case 0b011: // LD
		width = 8
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	pa, err := h.translateAndAccess(va, pmem.AccessLoad)
	if err != nil {
		return err
	}

	buf := make([]byte, width)
	if err := h.Space.Read(pa, buf, pmem.AccessLoad); err != nil {
		return &TrapError{Cause: CauseLoadAccessFault, TVal: va}
	}

	v := rvbits.ReadLE(buf, 0, width)

	switch f3 {
	case 0b000:
		h.SetReg(rd(insn), uint64(rvbits.SignExtend(v, 8)))
	case 0b001:
		h.SetReg(rd(insn), uint64(rvbits.SignExtend(v, 16)))
	case 0b010:
		h.SetReg(rd(insn), uint64(rvbits.SignExtend(v, 32)))
	default:
		h.SetReg(rd(insn), v)
	}

	return nil
}

func (h *Hart) execStore(insn uint32) error {
	va, _ := h.loadStoreAddr(insn, immS(insn))
	f3 := funct3(insn)

	var width int
	switch f3 {
	case 0b000:
		width = 1
	case 0b001:
		width = 2
	case 0b010:
		width = 4
	case 0b011:
		width = 8
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	pa, err := h.translateAndAccess(va, pmem.AccessStore)
	if err != nil {
		return err
	}

	buf := make([]byte, width)
	rvbits.WriteLE(buf, 0, width, h.Reg(rs2(insn)))

	if err := h.Space.Write(pa, buf); err != nil {
		return &TrapError{Cause: CauseStoreAccessFault, TVal: va}
	}

	return nil
}

func (h *Hart) execOpImm(insn uint32, wordOp bool) error {
	a := h.RegSigned(rs1(insn))
	ua := h.Reg(rs1(insn))
	imm := immI(insn)

	if v, ok := execBitmanipImm(insn, h.XLEN, wordOp, ua); ok {
		h.SetReg(rd(insn), v)
		return nil
	}

	var result uint64

	switch funct3(insn) {
	case 0b000: // ADDI / ADDIW
		result = uint64(a + imm)
	case 0b010: // SLTI
		if a < imm {
			result = 1
		}
	case 0b011: // SLTIU
		if ua < uint64(imm) {
			result = 1
		}
	case 0b100: // XORI
		result = ua ^ uint64(imm)
	case 0b110: // ORI
		result = ua | uint64(imm)
	case 0b111: // ANDI
		result = ua & uint64(imm)
	case 0b001: // SLLI / SLLIW
		shamt := shiftAmount(insn, h.XLEN, wordOp)
		result = ua << shamt
	case 0b101: // SRLI/SRAI, SRLIW/SRAIW
		shamt := shiftAmount(insn, h.XLEN, wordOp)
		if funct7(insn)&0b0100000 != 0 {
			if wordOp {
				result = uint64(int32(uint32(ua)) >> shamt)
			} else {
				result = uint64(int64(ua) >> shamt)
			}
		} else {
			if wordOp {
				result = uint64(uint32(ua) >> shamt)
			} else {
				result = ua >> shamt
			}
		}
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	if wordOp {
		result = uint64(int32(uint32(result)))
	}

	h.SetReg(rd(insn), result)

	return nil
}

func shiftAmount(insn uint32, xlen int, wordOp bool) uint32 {
	if wordOp || xlen == 32 {
		return (uint32(immI(insn))) & 0x1f
	}

	return (uint32(immI(insn))) & 0x3f
}

// shNaddShift returns the left-shift amount encoded in a Zba sh1add/sh2add/sh3add(.uw) funct3.
func shNaddShift(f3 uint32) uint32 {
	switch f3 {
	case 0b100:
		return 2
	case 0b110:
		return 3
	default:
		return 1
	}
}

func rotateWidth(v uint64, amt, width uint32, left bool) uint64 {
	amt %= width
	if width == 32 {
		if left {
			return uint64(bits.RotateLeft32(uint32(v), int(amt)))
		}

		return uint64(bits.RotateLeft32(uint32(v), -int(amt)))
	}

	if left {
		return bits.RotateLeft64(v, int(amt))
	}

	return bits.RotateLeft64(v, -int(amt))
}

func minMaxSelect(cond bool, a, b uint64) uint64 {
	if cond {
		return a
	}

	return b
}

// execBitmanipOp decodes the Zba/Zbb/Zbs register-register instructions. They share opOp's (and,
// for the .uw/.w forms, opOp32's) encoding space with the base integer ops, distinguished by
// funct7 values the base ISA reserves for M-extension and these extensions.
func execBitmanipOp(insn uint32, wordOp bool, xlen int, ua, ub uint64, a, b int64) (uint64, bool) {
	f3, f7 := funct3(insn), funct7(insn)

	width := uint32(64)
	if wordOp || xlen == 32 {
		width = 32
	}

	if wordOp {
		switch {
		case f7 == 0b0010000 && (f3 == 0b010 || f3 == 0b100 || f3 == 0b110): // SH1/2/3ADD.UW
			return (uint64(uint32(ua)) << shNaddShift(f3)) + ub, true
		case f7 == 0b0000100 && f3 == 0b000: // ADD.UW
			return uint64(uint32(ua)) + ub, true
		case f7 == 0b0110000 && f3 == 0b001: // ROLW
			return uint64(int64(int32(uint32(rotateWidth(ua, uint32(ub), width, true))))), true
		case f7 == 0b0110000 && f3 == 0b101: // RORW
			return uint64(int64(int32(uint32(rotateWidth(ua, uint32(ub), width, false))))), true
		}

		return 0, false
	}

	switch {
	case f7 == 0b0010000 && (f3 == 0b010 || f3 == 0b100 || f3 == 0b110): // SH1/2/3ADD
		return (ua << shNaddShift(f3)) + ub, true
	case f7 == 0b0100000 && f3 == 0b111: // ANDN
		return ua &^ ub, true
	case f7 == 0b0100000 && f3 == 0b110: // ORN
		return ua | ^ub, true
	case f7 == 0b0100000 && f3 == 0b100: // XNOR
		return ^(ua ^ ub), true
	case f7 == 0b0000101 && f3 == 0b100: // MIN
		return minMaxSelect(a < b, ua, ub), true
	case f7 == 0b0000101 && f3 == 0b101: // MINU
		return minMaxSelect(ua < ub, ua, ub), true
	case f7 == 0b0000101 && f3 == 0b110: // MAX
		return minMaxSelect(a > b, ua, ub), true
	case f7 == 0b0000101 && f3 == 0b111: // MAXU
		return minMaxSelect(ua > ub, ua, ub), true
	case f7 == 0b0110000 && f3 == 0b001: // ROL
		return rotateWidth(ua, uint32(ub), width, true), true
	case f7 == 0b0110000 && f3 == 0b101: // ROR
		return rotateWidth(ua, uint32(ub), width, false), true
	case f7 == 0b0100100 && f3 == 0b001: // BCLR
		return ua &^ (uint64(1) << (ub % uint64(width))), true
	case f7 == 0b0100100 && f3 == 0b101: // BEXT
		return (ua >> (ub % uint64(width))) & 1, true
	case f7 == 0b0110100 && f3 == 0b001: // BINV
		return ua ^ (uint64(1) << (ub % uint64(width))), true
	case f7 == 0b0010100 && f3 == 0b001: // BSET
		return ua | (uint64(1) << (ub % uint64(width))), true
	}

	return 0, false
}

// execBitmanipImm decodes the Zbb/Zbs shift-immediate-shaped instructions sharing opOpImm's (and
// opOpImm32's, for RORIW) encoding space. The funct6 discriminator is funct7(insn) with its low
// bit masked off, since that bit is the top of a 6-bit RV64 shamt rather than part of the opcode.
func execBitmanipImm(insn uint32, xlen int, wordOp bool, ua uint64) (uint64, bool) {
	f3, f6 := funct3(insn), funct7(insn)>>1
	shamt := shiftAmount(insn, xlen, wordOp)

	width := uint32(64)
	if wordOp || xlen == 32 {
		width = 32
	}

	if wordOp {
		if f3 == 0b101 && f6 == 0b011000 { // RORIW
			return uint64(int64(int32(uint32(rotateWidth(ua, shamt, width, false))))), true
		}

		return 0, false
	}

	switch {
	case f3 == 0b101 && f6 == 0b011000: // RORI
		return rotateWidth(ua, shamt, width, false), true
	case f3 == 0b101 && f6 == 0b010010: // BEXTI
		return (ua >> (uint64(shamt) % uint64(width))) & 1, true
	case f3 == 0b001 && f6 == 0b010010: // BCLRI
		return ua &^ (uint64(1) << (uint64(shamt) % uint64(width))), true
	case f3 == 0b001 && f6 == 0b011010: // BINVI
		return ua ^ (uint64(1) << (uint64(shamt) % uint64(width))), true
	case f3 == 0b001 && f6 == 0b001010: // BSETI
		return ua | (uint64(1) << (uint64(shamt) % uint64(width))), true
	case f3 == 0b001 && funct7(insn) == 0b0110000: // SEXT.B / SEXT.H (rs2 selects the op)
		switch rs2(insn) {
		case 0b00100: // SEXT.B
			return uint64(int64(int8(uint8(ua)))), true
		case 0b00101: // SEXT.H
			return uint64(int64(int16(uint16(ua)))), true
		}

		return 0, false
	}

	return 0, false
}

func (h *Hart) execOp(insn uint32, wordOp bool) error {
	if funct7(insn) == 0b0000001 {
		return h.execMulDiv(insn, wordOp)
	}

	a, b := h.RegSigned(rs1(insn)), h.RegSigned(rs2(insn))
	ua, ub := h.Reg(rs1(insn)), h.Reg(rs2(insn))

	if v, ok := execBitmanipOp(insn, wordOp, h.XLEN, ua, ub, a, b); ok {
		h.SetReg(rd(insn), v)
		return nil
	}

	var result uint64
	shiftMask := uint32(0x3f)
	if wordOp || h.XLEN == 32 {
		shiftMask = 0x1f
	}

	switch {
	case funct3(insn) == 0 && funct7(insn) == 0: // ADD/ADDW
		result = uint64(a + b)
	case funct3(insn) == 0 && funct7(insn) == 0b0100000: // SUB/SUBW
		result = uint64(a - b)
	case funct3(insn) == 0b001: // SLL/SLLW
		result = ua << (uint32(ub) & shiftMask)
	case funct3(insn) == 0b010: // SLT
		if a < b {
			result = 1
		}
	case funct3(insn) == 0b011: // SLTU
		if ua < ub {
			result = 1
		}
	case funct3(insn) == 0b100: // XOR
		result = ua ^ ub
	case funct3(insn) == 0b101 && funct7(insn) == 0: // SRL/SRLW
		if wordOp {
			result = uint64(uint32(ua) >> (uint32(ub) & shiftMask))
		} else {
			result = ua >> (uint32(ub) & shiftMask)
		}
	case funct3(insn) == 0b101 && funct7(insn) == 0b0100000: // SRA/SRAW
		if wordOp {
			result = uint64(int32(uint32(ua)) >> (uint32(ub) & shiftMask))
		} else {
			result = uint64(int64(ua) >> (uint32(ub) & shiftMask))
		}
	case funct3(insn) == 0b110: // OR
		result = ua | ub
	case funct3(insn) == 0b111: // AND
		result = ua & ub
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	if wordOp {
		result = uint64(int32(uint32(result)))
	}

	h.SetReg(rd(insn), result)

	return nil
}

func (h *Hart) execMulDiv(insn uint32, wordOp bool) error {
	a, b := h.RegSigned(rs1(insn)), h.RegSigned(rs2(insn))
	ua, ub := h.Reg(rs1(insn)), h.Reg(rs2(insn))

	var result uint64

	switch funct3(insn) {
	case 0b000: // MUL/MULW
		result = uint64(a * b)
	case 0b001: // MULH
		result = uint64(mulh(a, b))
	case 0b010: // MULHSU
		result = uint64(mulhsu(a, ub))
	case 0b011: // MULHU
		hi, _ := bits.Mul64(ua, ub)
		result = hi
	case 0b100: // DIV/DIVW
		if wordOp {
			a32, b32 := int32(a), int32(b)
			if b32 == 0 {
				result = ^uint64(0)
			} else if a32 == math.MinInt32 && b32 == -1 {
				result = uint64(int64(a32))
			} else {
				result = uint64(int32(a32 / b32))
			}
		} else {
			if b == 0 {
				result = ^uint64(0)
			} else if a == math.MinInt64 && b == -1 {
				result = uint64(a)
			} else {
				result = uint64(a / b)
			}
		}
	case 0b101: // DIVU/DIVUW
		if wordOp {
			ua32, ub32 := uint32(ua), uint32(ub)
			if ub32 == 0 {
				result = ^uint64(0)
			} else {
				result = uint64(ua32 / ub32)
			}
		} else {
			if ub == 0 {
				result = ^uint64(0)
			} else {
				result = ua / ub
			}
		}
	case 0b110: // REM/REMW
		if wordOp {
			a32, b32 := int32(a), int32(b)
			if b32 == 0 {
				result = uint64(uint32(a32))
			} else if a32 == math.MinInt32 && b32 == -1 {
				result = 0
			} else {
				result = uint64(uint32(a32 % b32))
			}
		} else {
			if b == 0 {
				result = uint64(a)
			} else if a == math.MinInt64 && b == -1 {
				result = 0
			} else {
				result = uint64(a % b)
			}
		}
	case 0b111: // REMU/REMUW
		if wordOp {
			ua32, ub32 := uint32(ua), uint32(ub)
			if ub32 == 0 {
				result = uint64(ua32)
			} else {
				result = uint64(ua32 % ub32)
			}
		} else {
			if ub == 0 {
				result = ua
			} else {
				result = ua % ub
			}
		}
	}

	if wordOp {
		result = uint64(int32(uint32(result)))
	}

	h.SetReg(rd(insn), result)

	return nil
}

// mulh computes the high 64 bits of the signed 128-bit product a*b, built on bits.Mul64's
// unsigned result: the two's-complement correction below subtracts b when a is negative and a
// when b is negative, the standard identity for deriving a signed high-multiply from an unsigned
// one.
func mulh(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))

	if a < 0 {
		hi -= uint64(b)
	}

	if b < 0 {
		hi -= uint64(a)
	}

	return int64(hi)
}

// mulhsu computes the high 64 bits of the product of signed a and unsigned ub.
func mulhsu(a int64, ub uint64) int64 {
	hi, _ := bits.Mul64(uint64(a), ub)

	if a < 0 {
		hi -= ub
	}

	return int64(hi)
}

func (h *Hart) execAMO(insn uint32) error {
	f5 := funct7(insn) >> 2
	width := 4
	if funct3(insn) == 0b011 {
		width = 8
	}

	addr := h.Reg(rs1(insn))

	switch f5 {
	case 0b00010: // LR
		if addr%uint64(width) != 0 {
			return &TrapError{Cause: CauseLoadAddressMisaligned, TVal: addr}
		}

		pa, err := h.translateAndAccess(addr, pmem.AccessLoad)
		if err != nil {
			return err
		}

		buf := make([]byte, width)
		if err := h.Space.Read(pa, buf, pmem.AccessLoad); err != nil {
			return &TrapError{Cause: CauseLoadAccessFault, TVal: addr}
		}

		v := rvbits.ReadLE(buf, 0, width)
		if width == 4 {
			h.SetReg(rd(insn), uint64(rvbits.SignExtend(v, 32)))
		} else {
			h.SetReg(rd(insn), v)
		}

		h.ReservationValid = true
		h.ReservationAddr = addr
		h.Space.Reserve(h.ID, addr, width)

		return nil

	case 0b00011: // SC
		if addr%uint64(width) != 0 {
			return &TrapError{Cause: CauseStoreAddressMisaligned, TVal: addr}
		}

		h.ReservationValid = false

		if !h.Space.CheckAndClearReservation(h.ID, addr) {
			h.SetReg(rd(insn), 1)
			return nil
		}

		pa, err := h.translateAndAccess(addr, pmem.AccessStore)
		if err != nil {
			return err
		}

		buf := make([]byte, width)
		rvbits.WriteLE(buf, 0, width, h.Reg(rs2(insn)))

		if err := h.Space.Write(pa, buf); err != nil {
			return &TrapError{Cause: CauseStoreAccessFault, TVal: addr}
		}

		h.SetReg(rd(insn), 0)

		return nil
	}

	// Ordinary AMOs: a single atomic read-modify-write through the address space's lock, so a
	// second hart's AMO or ordinary store to the same word can never land between this op's load
	// and its store.
	if addr%uint64(width) != 0 {
		return &TrapError{Cause: CauseStoreAddressMisaligned, TVal: addr}
	}

	switch f5 {
	case 0b00001, 0b00000, 0b00100, 0b01100, 0b01000, 0b10000, 0b10100, 0b11000, 0b11100:
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	pa, err := h.translateAndAccess(addr, pmem.AccessStore)
	if err != nil {
		return err
	}

	operand := h.Reg(rs2(insn))

	old, err := h.Space.ReadModifyWrite(pa, width, pmem.AccessLoad, func(old uint64) uint64 {
		oldSigned := old
		if width == 4 {
			oldSigned = uint64(rvbits.SignExtend(old, 32))
		}

		switch f5 {
		case 0b00001: // AMOSWAP
			return operand
		case 0b00000: // AMOADD
			return old + operand
		case 0b00100: // AMOXOR
			return old ^ operand
		case 0b01100: // AMOAND
			return old & operand
		case 0b01000: // AMOOR
			return old | operand
		case 0b10000: // AMOMIN
			if int64(oldSigned) < int64(operand) {
				return old
			}

			return operand
		case 0b10100: // AMOMAX
			if int64(oldSigned) > int64(operand) {
				return old
			}

			return operand
		case 0b11000: // AMOMINU
			if old < operand {
				return old
			}

			return operand
		default: // AMOMAXU
			if old > operand {
				return old
			}

			return operand
		}
	})
	if err != nil {
		return &TrapError{Cause: CauseStoreAccessFault, TVal: addr}
	}

	oldSigned := old
	if width == 4 {
		oldSigned = uint64(rvbits.SignExtend(old, 32))
	}

	h.SetReg(rd(insn), oldSigned)

	return nil
}

func (h *Hart) execSystem(insn uint32) error {
	f3 := funct3(insn)

	if f3 == 0 {
		switch {
		case insn>>20 == 0: // ECALL
			cause := uint64(CauseECallFromU)
			switch h.Priv {
			case Supervisor:
				cause = CauseECallFromS
			case Machine:
				cause = CauseECallFromM
			}

			return &TrapError{Cause: cause, TVal: 0}
		case insn>>20 == 1: // EBREAK
			return &TrapError{Cause: CauseBreakpoint, TVal: h.PC}
		case funct7(insn) == 0b0001000 && rs2(insn) == 0b00101: // WFI
			h.WaitEvent = true
			return nil
		case funct7(insn) == 0b0011000: // MRET
			return h.execMRET()
		case funct7(insn) == 0b0001000 && rs2(insn) == 0b00010: // SRET
			return h.execSRET()
		case funct7(insn) == 0b0001001: // SFENCE.VMA
			r1, r2 := rs1(insn), rs2(insn)
			switch {
			case r1 == 0 && r2 == 0:
				h.MMU.FlushAll()
			case r1 != 0 && r2 == 0:
				h.MMU.FlushVA(h.Reg(r1))
			case r1 == 0 && r2 != 0:
				h.MMU.FlushASID(uint16(h.Reg(r2)))
			default:
				h.MMU.FlushVA(h.Reg(r1))
			}

			return nil
		default:
			return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
		}
	}

	// CSR instructions.
	addr := csrAddr(insn)

	if csrMinPrivilege(addr) > h.Priv {
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	old, err := h.ReadCSR(addr)
	if err != nil {
		return err
	}

	var newVal uint64
	write := true

	switch f3 {
	case 0b001: // CSRRW
		newVal = h.Reg(rs1(insn))
	case 0b010: // CSRRS
		newVal = old | h.Reg(rs1(insn))
		write = rs1(insn) != 0
	case 0b011: // CSRRC
		newVal = old &^ h.Reg(rs1(insn))
		write = rs1(insn) != 0
	case 0b101: // CSRRWI
		newVal = uint64(rs1(insn))
	case 0b110: // CSRRSI
		newVal = old | uint64(rs1(insn))
		write = rs1(insn) != 0
	case 0b111: // CSRRCI
		newVal = old &^ uint64(rs1(insn))
		write = rs1(insn) != 0
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	if write {
		if csrReadOnly(addr) {
			return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
		}

		if err := h.WriteCSR(addr, newVal); err != nil {
			return err
		}
	}

	h.SetReg(rd(insn), old)

	return nil
}

func (h *Hart) execLoadFP(insn uint32) error {
	va, _ := h.loadStoreAddr(insn, immI(insn))

	width := 4
	if funct3(insn) == 0b011 {
		width = 8
	}

	pa, err := h.translateAndAccess(va, pmem.AccessLoad)
	if err != nil {
		return err
	}

	buf := make([]byte, width)
	if err := h.Space.Read(pa, buf, pmem.AccessLoad); err != nil {
		return &TrapError{Cause: CauseLoadAccessFault, TVal: va}
	}

	v := rvbits.ReadLE(buf, 0, width)
	if width == 4 {
		h.F[rd(insn)] = rvbits.NaNBox32(uint32(v))
	} else {
		h.F[rd(insn)] = v
	}

	return nil
}

func (h *Hart) execStoreFP(insn uint32) error {
	va, _ := h.loadStoreAddr(insn, immS(insn))

	width := 4
	if funct3(insn) == 0b011 {
		width = 8
	}

	pa, err := h.translateAndAccess(va, pmem.AccessStore)
	if err != nil {
		return err
	}

	buf := make([]byte, width)
	if width == 4 {
		rvbits.WriteLE(buf, 0, 4, uint64(uint32(h.F[rs2(insn)])))
	} else {
		rvbits.WriteLE(buf, 0, 8, h.F[rs2(insn)])
	}

	if err := h.Space.Write(pa, buf); err != nil {
		return &TrapError{Cause: CauseStoreAccessFault, TVal: va}
	}

	return nil
}

func (h *Hart) f32(n uint32) float32 { return rvbits.BitsToF32(uint32(h.F[n])) }
func (h *Hart) f64(n uint32) float64 { return rvbits.BitsToF64(h.F[n]) }

func (h *Hart) setF32(n uint32, f float32) {
	h.F[n] = rvbits.NaNBox32(rvbits.F32ToBits(f))
}

func (h *Hart) setF64(n uint32, f float64) {
	h.F[n] = rvbits.F64ToBits(f)
}

func (h *Hart) raiseFlags(flags rvfloat.Flags) {
	h.FCSR |= uint32(flags)
}

// resolveRM decodes an FP instruction's rm field (bits 14:12, the same bit position as funct3),
// substituting fcsr.frm when the instruction asks for the dynamic mode, and traps illegal if
// either the static or the resolved dynamic mode is one of the two reserved encodings.
func (h *Hart) resolveRM(insn uint32) (rvfloat.RoundingMode, error) {
	rm := uint8(funct3(insn))
	if !rvfloat.ValidRM(rm) {
		return 0, &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}

	if rm == uint8(rvfloat.RDyn) {
		rm = uint8((h.FCSR >> 5) & 0x7)
		if !rvfloat.ValidRM(rm) || rm == uint8(rvfloat.RDyn) {
			return 0, &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
		}
	}

	return rvfloat.RoundingMode(rm), nil
}

func (h *Hart) execFMA(insn uint32) error {
	isDouble := funct2(insn) == 0b01

	rm, err := h.resolveRM(insn)
	if err != nil {
		return err
	}

	if isDouble {
		a, b, c := h.f64(rs1(insn)), h.f64(rs2(insn)), h.f64(rs3(insn))

		var result float64
		var flags rvfloat.Flags

		switch opcode(insn) {
		case opMAdd:
			result, flags = rvfloat.FMA64(a, b, c, rm)
		case opMSub:
			result, flags = rvfloat.FMA64(a, b, -c, rm)
		case opNMSub:
			result, flags = rvfloat.FMA64(-a, b, c, rm)
		case opNMAdd:
			result, flags = rvfloat.FMA64(-a, b, -c, rm)
		}

		h.raiseFlags(flags)
		h.setF64(rd(insn), result)

		return nil
	}

	a, b, c := h.f32(rs1(insn)), h.f32(rs2(insn)), h.f32(rs3(insn))

	var result float32
	var flags rvfloat.Flags

	switch opcode(insn) {
	case opMAdd:
		result, flags = rvfloat.FMA32(a, b, c, rm)
	case opMSub:
		result, flags = rvfloat.FMA32(a, b, -c, rm)
	case opNMSub:
		result, flags = rvfloat.FMA32(-a, b, c, rm)
	case opNMAdd:
		result, flags = rvfloat.FMA32(-a, b, -c, rm)
	}

	h.raiseFlags(flags)
	h.setF32(rd(insn), result)

	return nil
}

func (h *Hart) execOpFP(insn uint32) error {
	isDouble := funct2(insn) == 0b01
	f7 := funct7(insn)

	switch f7 {
	case 0b0000000, 0b0000001, 0b0000100, 0b0000101, 0b0001000, 0b0001001, 0b0001100, 0b0001101: // FADD/FSUB/FMUL/FDIV
		return h.execFPArith(insn, f7, isDouble)
	case 0b0101100, 0b0101101: // FSQRT
		if _, err := h.resolveRM(insn); err != nil {
			return err
		}

		if isDouble {
			r, flags := fsqrt64(h.f64(rs1(insn)))
			h.raiseFlags(flags)
			h.setF64(rd(insn), r)
		} else {
			r, flags := fsqrt32(h.f32(rs1(insn)))
			h.raiseFlags(flags)
			h.setF32(rd(insn), r)
		}

		return nil
	case 0b0010000, 0b0010001: // FSGNJ family
		return h.execFSGNJ(insn, isDouble)
	case 0b0010100, 0b0010101: // FMIN/FMAX
		return h.execFMinMax(insn, isDouble)
	case 0b1100000, 0b1100001: // FCVT.W/WU.S/D
		return h.execFCVTToInt(insn, isDouble)
	case 0b1101000, 0b1101001: // FCVT.S/D.W/WU
		return h.execFCVTFromInt(insn, isDouble)
	case 0b1110000, 0b1110001: // FCLASS / FMV.X.W/D
		return h.execFClassOrMove(insn, isDouble)
	case 0b1111000, 0b1111001: // FMV.W.X / FMV.D.X
		if isDouble {
			h.setF64(rd(insn), math.Float64frombits(h.Reg(rs1(insn))))
		} else {
			h.F[rd(insn)] = rvbits.NaNBox32(uint32(h.Reg(rs1(insn))))
		}

		return nil
	case 0b1010000, 0b1010001: // FEQ/FLT/FLE
		return h.execFCompare(insn, isDouble)
	case 0b0100000: // FCVT.S.D
		rm, err := h.resolveRM(insn)
		if err != nil {
			return err
		}

		d := h.f64(rs1(insn))
		narrow := rvfloat.NarrowToFloat32(d, rm)
		r32, flags := rvfloat.CanonicalizeResult32(narrow)
		h.raiseFlags(flags)
		h.setF32(rd(insn), r32)

		return nil
	case 0b0100001: // FCVT.D.S
		if _, err := h.resolveRM(insn); err != nil {
			return err
		}

		h.setF64(rd(insn), float64(h.f32(rs1(insn))))
		return nil
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(insn)}
	}
}

func (h *Hart) execFPArith(insn uint32, f7 uint32, isDouble bool) error {
	rm, err := h.resolveRM(insn)
	if err != nil {
		return err
	}

	if isDouble {
		a, b := h.f64(rs1(insn)), h.f64(rs2(insn))

		var native float64
		switch f7 >> 2 {
		case 0b00000:
			native = a + b
		case 0b00001:
			native = a - b
		case 0b00010:
			native = a * b
		case 0b00011:
			native = a / b
		}

		var r float64
		switch f7 >> 2 {
		case 0b00000:
			r = rvfloat.AddRounded64(a, b, native, rm)
		case 0b00001:
			r = rvfloat.SubRounded64(a, b, native, rm)
		case 0b00010:
			r = rvfloat.MulRounded64(a, b, native, rm)
		case 0b00011:
			r = rvfloat.DivRounded64(a, b, native, rm)
		}

		flags := rvfloat.InvalidIfSignaling64(a, b)
		r, _ = rvfloat.CanonicalizeResult64(r)
		h.raiseFlags(flags)
		h.setF64(rd(insn), r)

		return nil
	}

	a, b := h.f32(rs1(insn)), h.f32(rs2(insn))

	var native float32
	switch f7 >> 2 {
	case 0b00000:
		native = a + b
	case 0b00001:
		native = a - b
	case 0b00010:
		native = a * b
	case 0b00011:
		native = a / b
	}

	var r float32
	switch f7 >> 2 {
	case 0b00000:
		r = rvfloat.AddRounded32(a, b, native, rm)
	case 0b00001:
		r = rvfloat.SubRounded32(a, b, native, rm)
	case 0b00010:
		r = rvfloat.MulRounded32(a, b, native, rm)
	case 0b00011:
		r = rvfloat.DivRounded32(a, b, native, rm)
	}

	flags := rvfloat.InvalidIfSignaling32(a, b)
	r, _ = rvfloat.CanonicalizeResult32(r)
	h.raiseFlags(flags)
	h.setF32(rd(insn), r)

	return nil
}

func fsqrt32(a float32) (float32, rvfloat.Flags) {
	if a < 0 && !rvfloat.IsNaN32(rvbits.F32ToBits(a)) {
		r, _ := rvfloat.CanonicalizeResult32(float32(math.NaN()))
		return r, rvfloat.FlagNV
	}

	return float32(math.Sqrt(float64(a))), rvfloat.InvalidIfSignaling32(a)
}

func fsqrt64(a float64) (float64, rvfloat.Flags) {
	if a < 0 && !rvfloat.IsNaN64(rvbits.F64ToBits(a)) {
		r, _ := rvfloat.CanonicalizeResult64(math.NaN())
		return r, rvfloat.FlagNV
	}

	return math.Sqrt(a), rvfloat.InvalidIfSignaling64(a)
}

func (h *Hart) execFSGNJ(insn uint32, isDouble bool) error {
	if isDouble {
		a, b := h.f64(rs1(insn)), h.f64(rs2(insn))

		var r float64
		switch funct3(insn) {
		case 0:
			r = rvfloat.Fsgnj64(a, b)
		case 1:
			r = rvfloat.Fsgnjn64(a, b)
		case 2:
			r = rvfloat.Fsgnjx64(a, b)
		}

		h.setF64(rd(insn), r)

		return nil
	}

	a, b := h.f32(rs1(insn)), h.f32(rs2(insn))

	var r float32
	switch funct3(insn) {
	case 0:
		r = rvfloat.Fsgnj32(a, b)
	case 1:
		r = rvfloat.Fsgnjn32(a, b)
	case 2:
		r = rvfloat.Fsgnjx32(a, b)
	}

	h.setF32(rd(insn), r)

	return nil
}

func (h *Hart) execFMinMax(insn uint32, isDouble bool) error {
	if isDouble {
		a, b := h.f64(rs1(insn)), h.f64(rs2(insn))

		var r float64
		var flags rvfloat.Flags

		if funct3(insn) == 0 {
			r, flags = rvfloat.Fmin64(a, b)
		} else {
			r, flags = rvfloat.Fmax64(a, b)
		}

		h.raiseFlags(flags)
		h.setF64(rd(insn), r)

		return nil
	}

	a, b := h.f32(rs1(insn)), h.f32(rs2(insn))

	var r float32
	var flags rvfloat.Flags

	if funct3(insn) == 0 {
		r, flags = rvfloat.Fmin32(a, b)
	} else {
		r, flags = rvfloat.Fmax32(a, b)
	}

	h.raiseFlags(flags)
	h.setF32(rd(insn), r)

	return nil
}

func (h *Hart) execFCVTToInt(insn uint32, isDouble bool) error {
	rm, err := h.resolveRM(insn)
	if err != nil {
		return err
	}

	var f float64
	if isDouble {
		f = h.f64(rs1(insn))
	} else {
		f = float64(h.f32(rs1(insn)))
	}

	unsigned := rs2(insn)&1 != 0
	bitsWidth := 32
	if rs2(insn)&2 != 0 {
		bitsWidth = 64
	}

	var v int64
	var flags rvfloat.Flags

	if unsigned {
		var uv uint64
		uv, flags = rvfloat.ConvertToUint(f, bitsWidth, rm)
		v = int64(uv)
	} else {
		v, flags = rvfloat.ConvertToInt(f, bitsWidth, rm)
	}

	h.raiseFlags(flags)

	if bitsWidth == 32 {
		h.SetReg(rd(insn), uint64(int64(int32(v))))
	} else {
		h.SetReg(rd(insn), uint64(v))
	}

	return nil
}

func (h *Hart) execFCVTFromInt(insn uint32, isDouble bool) error {
	rm, err := h.resolveRM(insn)
	if err != nil {
		return err
	}

	unsigned := rs2(insn)&1 != 0
	bitsWidth := 32
	if rs2(insn)&2 != 0 {
		bitsWidth = 64
	}

	raw := h.Reg(rs1(insn))

	var uv uint64
	var sv int64

	if unsigned {
		if bitsWidth == 32 {
			uv = uint64(uint32(raw))
		} else {
			uv = raw
		}
	} else {
		if bitsWidth == 32 {
			sv = int64(int32(uint32(raw)))
		} else {
			sv = int64(raw)
		}
	}

	var flags rvfloat.Flags

	if isDouble {
		var f float64
		if unsigned {
			f, flags = rvfloat.UintToFloat64(uv, rm)
		} else {
			f, flags = rvfloat.IntToFloat64(sv, rm)
		}

		h.raiseFlags(flags)
		h.setF64(rd(insn), f)

		return nil
	}

	var f float32
	if unsigned {
		f, flags = rvfloat.UintToFloat32(uv, rm)
	} else {
		f, flags = rvfloat.IntToFloat32(sv, rm)
	}

	h.raiseFlags(flags)
	h.setF32(rd(insn), f)

	return nil
}

func (h *Hart) execFClassOrMove(insn uint32, isDouble bool) error {
	if funct3(insn) == 1 { // FCLASS
		var cls uint64
		if isDouble {
			cls = rvfloat.Fclass64(h.f64(rs1(insn)))
		} else {
			cls = rvfloat.Fclass32(h.f32(rs1(insn)))
		}

		h.SetReg(rd(insn), cls)

		return nil
	}

	// FMV.X.W / FMV.X.D
	if isDouble {
		h.SetReg(rd(insn), h.F[rs1(insn)])
	} else {
		h.SetReg(rd(insn), uint64(int64(int32(uint32(h.F[rs1(insn)])))))
	}

	return nil
}

func (h *Hart) execFCompare(insn uint32, isDouble bool) error {
	var result bool
	var flags rvfloat.Flags

	if isDouble {
		a, b := h.f64(rs1(insn)), h.f64(rs2(insn))

		switch funct3(insn) {
		case 0b010: // FEQ
			result, flags = rvfloat.Feq64(a, b)
		case 0b001: // FLT
			result, flags = rvfloat.Flt64(a, b)
		case 0b000: // FLE
			result, flags = rvfloat.Fle64(a, b)
		}
	} else {
		a, b := h.f32(rs1(insn)), h.f32(rs2(insn))

		switch funct3(insn) {
		case 0b010:
			result, flags = rvfloat.Feq32(a, b)
		case 0b001:
			result, flags = rvfloat.Flt32(a, b)
		case 0b000:
			result, flags = rvfloat.Fle32(a, b)
		}
	}

	h.raiseFlags(flags)

	var v uint64
	if result {
		v = 1
	}

	h.SetReg(rd(insn), v)

	return nil
}
