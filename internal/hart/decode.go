package hart

import "github.com/rvvmgo/rvvm/internal/rvbits"

// Base opcode field values (inst[6:0]), from the unprivileged ISA manual's opcode map.
const (
	opLoad     = 0b0000011
	opLoadFP   = 0b0000111
	opMiscMem  = 0b0001111
	opOpImm    = 0b0010011
	opAUIPC    = 0b0010111
	opOpImm32  = 0b0011011
	opStore    = 0b0100011
	opStoreFP  = 0b0100111
	opAMO      = 0b0101111
	opOp       = 0b0110011
	opLUI      = 0b0110111
	opOp32     = 0b0111011
	opMAdd     = 0b1000011
	opMSub     = 0b1000111
	opNMSub    = 0b1001011
	opNMAdd    = 0b1001111
	opOpFP     = 0b1010011
	opBranch   = 0b1100011
	opJALR     = 0b1100111
	opJAL      = 0b1101111
	opSystem   = 0b1110011
)

func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func rs3(insn uint32) uint32    { return (insn >> 27) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }
func funct2(insn uint32) uint32 { return (insn >> 25) & 0x3 }
func csrAddr(insn uint32) uint16 { return uint16(insn >> 20) }

func immI(insn uint32) int64 {
	return rvbits.SignExtend(uint64(insn)>>20, 12)
}

func immS(insn uint32) int64 {
	v := ((insn >> 25) << 5) | ((insn >> 7) & 0x1f)
	return rvbits.SignExtend(uint64(v), 12)
}

func immB(insn uint32) int64 {
	v := ((insn >> 31) << 12) | (((insn >> 7) & 1) << 11) | (((insn >> 25) & 0x3f) << 5) | (((insn >> 8) & 0xf) << 1)
	return rvbits.SignExtend(uint64(v), 13)
}

func immU(insn uint32) int64 {
	return int64(int32(insn & 0xffff_f000))
}

func immJ(insn uint32) int64 {
	v := ((insn >> 31) << 20) | (((insn >> 12) & 0xff) << 12) | (((insn >> 20) & 1) << 11) | (((insn >> 21) & 0x3ff) << 1)
	return rvbits.SignExtend(uint64(v), 21)
}

// expandCompressed translates a 16-bit RVC parcel into the equivalent 32-bit instruction word, for
// the subset of the C extension (plus Zcb) the core supports. It returns ok=false for a reserved
// or unimplemented encoding, which the caller turns into an illegal-instruction trap.
func expandCompressed(parcel uint16) (insn uint32, ok bool) {
	quadrant := parcel & 0b11
	funct3c := (parcel >> 13) & 0b111

	rdRs1 := func() uint32 { return uint32((parcel >> 7) & 0x1f) }
	rs2Full := func() uint32 { return uint32((parcel >> 2) & 0x1f) }
	rdPrime := func() uint32 { return uint32((parcel>>7)&0x7) + 8 }
	rs1Prime := func() uint32 { return uint32((parcel>>7)&0x7) + 8 }
	rs2Prime := func() uint32 { return uint32((parcel>>2)&0x7) + 8 }

	encodeI := func(op uint32, rdv, f3, rs1v uint32, imm int64) uint32 {
		return uint32(imm&0xfff)<<20 | rs1v<<15 | f3<<12 | rdv<<7 | op
	}
	encodeR := func(f7, rs2v, rs1v, f3, rdv, op uint32) uint32 {
		return f7<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | rdv<<7 | op
	}
	encodeS := func(op uint32, f3 uint32, rs1v, rs2v uint32, imm int64) uint32 {
		u := uint32(imm) & 0xfff
		return (u>>5)<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | (u&0x1f)<<7 | op
	}
	encodeB := func(rs1v, rs2v uint32, f3 uint32, imm int64) uint32 {
		u := uint32(imm) & 0x1fff
		b12 := (u >> 12) & 1
		b10_5 := (u >> 5) & 0x3f
		b4_1 := (u >> 1) & 0xf
		b11 := (u >> 11) & 1
		return b12<<31 | b10_5<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | b4_1<<8 | b11<<7 | opBranch
	}
	encodeJ := func(rdv uint32, imm int64) uint32 {
		u := uint32(imm) & 0x1f_ffff
		b20 := (u >> 20) & 1
		b10_1 := (u >> 1) & 0x3ff
		b11 := (u >> 11) & 1
		b19_12 := (u >> 12) & 0xff
		return b20<<31 | b10_1<<21 | b11<<20 | b19_12<<12 | rdv<<7 | opJAL
	}

	switch quadrant {
	case 0b00:
		switch funct3c {
		case 0b000: // C.ADDI4SPN
			nzuimm := ((parcel>>11)&0x3)<<4 | ((parcel>>7)&0xf)<<6 | ((parcel>>6)&0x1)<<2 | ((parcel>>5)&0x1)<<3
			if nzuimm == 0 {
				return 0, false
			}
			return encodeI(opOpImm, rs2Prime(), 0, 2, int64(nzuimm)), true
		case 0b001: // C.FLD
			off := ((parcel>>10)&0x7)<<3 | ((parcel>>5)&0x3)<<6
			return encodeI(opLoadFP, rs2Prime(), 0b011, rs1Prime(), int64(off)), true
		case 0b010: // C.LW
			off := ((parcel>>5)&0x1)<<6 | ((parcel>>10)&0x7)<<3 | ((parcel>>6)&0x1)<<2
			return encodeI(opLoad, rs2Prime(), 0b010, rs1Prime(), int64(off)), true
		case 0b011: // C.LD
			off := ((parcel>>10)&0x7)<<3 | ((parcel>>5)&0x3)<<6
			return encodeI(opLoad, rs2Prime(), 0b011, rs1Prime(), int64(off)), true
		case 0b101: // C.FSD
			off := ((parcel>>10)&0x7)<<3 | ((parcel>>5)&0x3)<<6
			return encodeS(opStoreFP, 0b011, rs1Prime(), rs2Prime(), int64(off)), true
		case 0b110: // C.SW
			off := ((parcel>>5)&0x1)<<6 | ((parcel>>10)&0x7)<<3 | ((parcel>>6)&0x1)<<2
			return encodeS(opStore, 0b010, rs1Prime(), rs2Prime(), int64(off)), true
		case 0b111: // C.SD
			off := ((parcel>>10)&0x7)<<3 | ((parcel>>5)&0x3)<<6
			return encodeS(opStore, 0b011, rs1Prime(), rs2Prime(), int64(off)), true
		}

	case 0b01:
		switch funct3c {
		case 0b000: // C.ADDI / C.NOP
			imm := rvbits.SignExtend(uint64(((parcel>>12)&1)<<5|((parcel>>2)&0x1f)), 6)
			return encodeI(opOpImm, rdRs1(), 0, rdRs1(), imm), true
		case 0b001: // C.ADDIW
			imm := rvbits.SignExtend(uint64(((parcel>>12)&1)<<5|((parcel>>2)&0x1f)), 6)
			return encodeI(opOpImm32, rdRs1(), 0, rdRs1(), imm), true
		case 0b010: // C.LI
			imm := rvbits.SignExtend(uint64(((parcel>>12)&1)<<5|((parcel>>2)&0x1f)), 6)
			return encodeI(opOpImm, rdRs1(), 0, 0, imm), true
		case 0b011: // C.LUI / C.ADDI16SP
			rdv := rdRs1()
			if rdv == 2 { // C.ADDI16SP
				nzimm := ((parcel>>12)&1)<<9 | ((parcel>>3)&0x3)<<7 | ((parcel>>5)&1)<<6 | ((parcel>>2)&1)<<5 | ((parcel>>6)&1)<<4
				if nzimm == 0 {
					return 0, false
				}
				imm := rvbits.SignExtend(uint64(nzimm), 10)
				return encodeI(opOpImm, 2, 0, 2, imm), true
			}

			if rdv == 0 {
				return 0, false
			}

			sixBit := ((parcel>>12)&1)<<5 | (parcel>>2)&0x1f
			if sixBit == 0 {
				return 0, false
			}

			signed := rvbits.SignExtend(uint64(sixBit), 6)

			return uint32(signed<<12)&0xffff_f000 | rdv<<7 | opLUI, true
		case 0b100: // SRLI/SRAI/ANDI (Zca), SUB/XOR/OR/AND/SUBW/ADDW/MUL/zext/sext/not (Zcb)
			funct2a := (parcel >> 10) & 0x3
			rdv := rdPrime()

			switch funct2a {
			case 0b00: // C.SRLI
				shamt := uint32((parcel>>12)&1)<<5 | uint32((parcel>>2)&0x1f)
				return encodeI(opOpImm, rdv, 0b101, rdv, int64(shamt)), true
			case 0b01: // C.SRAI
				shamt := uint32((parcel>>12)&1)<<5 | uint32((parcel>>2)&0x1f)
				return encodeI(opOpImm, rdv, 0b101, rdv, int64(shamt)|0x400), true
			case 0b10: // C.ANDI
				imm := rvbits.SignExtend(uint64(((parcel>>12)&1)<<5|((parcel>>2)&0x1f)), 6)
				return encodeI(opOpImm, rdv, 0b111, rdv, imm), true
			case 0b11:
				rs2v := rs2Prime()
				bit12 := (parcel >> 12) & 1
				sel := (parcel >> 5) & 0x3

				if bit12 == 0 {
					switch sel {
					case 0b00: // C.SUB
						return encodeR(0b0100000, rs2v, rdv, 0, rdv, opOp), true
					case 0b01: // C.XOR
						return encodeR(0, rs2v, rdv, 0b100, rdv, opOp), true
					case 0b10: // C.OR
						return encodeR(0, rs2v, rdv, 0b110, rdv, opOp), true
					case 0b11: // C.AND
						return encodeR(0, rs2v, rdv, 0b111, rdv, opOp), true
					}

					return 0, false
				}

				switch sel {
				case 0b00: // C.SUBW
					return encodeR(0b0100000, rs2v, rdv, 0, rdv, opOp32), true
				case 0b01: // C.ADDW
					return encodeR(0, rs2v, rdv, 0, rdv, opOp32), true
				case 0b10: // C.MUL (Zcb)
					return encodeR(0b0000001, rs2v, rdv, 0, rdv, opOp), true
				case 0b11: // Zcb unary group, sub-selector in bits[4:2]
					switch (parcel >> 2) & 0x7 {
					case 0b000: // C.ZEXT.B
						return encodeI(opOpImm, rdv, 0b111, rdv, 0xff), true
					case 0b001: // C.SEXT.B (Zbb SEXT.B)
						return encodeR(0b0110000, 0b00100, rdv, 0b001, rdv, opOpImm), true
					case 0b011: // C.SEXT.H (Zbb SEXT.H)
						return encodeR(0b0110000, 0b00101, rdv, 0b001, rdv, opOpImm), true
					case 0b100: // C.ZEXT.W (Zba ADD.UW rd, rd, x0)
						return encodeR(0b0000100, 0, rdv, 0, rdv, opOp32), true
					case 0b101: // C.NOT
						return encodeI(opOpImm, rdv, 0b100, rdv, -1), true
					}

					return 0, false // C.ZEXT.H (needs Zbkb PACK, unimplemented) and reserved encodings
				}
			}

			return 0, false
		case 0b101: // C.J
			u := ((parcel>>12)&1)<<11 | ((parcel>>8)&1)<<10 | ((parcel>>9)&0x3)<<8 | ((parcel>>6)&1)<<7 |
				((parcel>>7)&1)<<6 | ((parcel>>2)&1)<<5 | ((parcel>>11)&1)<<4 | ((parcel>>3)&0x7)<<1
			imm := rvbits.SignExtend(uint64(u), 12)
			return encodeJ(0, imm), true
		case 0b110, 0b111: // C.BEQZ / C.BNEZ
			u := ((parcel>>12)&1)<<8 | ((parcel>>5)&0x3)<<6 | ((parcel>>2)&0x1)<<5 | ((parcel>>10)&0x3)<<3 | ((parcel>>3)&0x3)<<1
			imm := rvbits.SignExtend(uint64(u), 9)
			f3 := uint32(0) // BEQ
			if funct3c == 0b111 {
				f3 = 1 // BNE
			}
			return encodeB(rs1Prime(), 0, f3, imm), true
		}

	case 0b10:
		switch funct3c {
		case 0b000: // C.SLLI
			shamt := ((parcel>>12)&1)<<5 | (parcel>>2)&0x1f
			return encodeI(opOpImm, rdRs1(), 0b001, rdRs1(), int64(shamt)), true
		case 0b001: // C.FLDSP
			off := ((parcel>>5)&0x3)<<3 | ((parcel>>12)&1)<<5 | ((parcel>>2)&0x7)<<6
			return encodeI(opLoadFP, rdRs1(), 0b011, 2, int64(off)), true
		case 0b010: // C.LWSP
			off := ((parcel>>4)&0x7)<<2 | ((parcel>>12)&1)<<5 | ((parcel>>2)&0x3)<<6
			return encodeI(opLoad, rdRs1(), 0b010, 2, int64(off)), true
		case 0b011: // C.LDSP
			off := ((parcel>>5)&0x3)<<3 | ((parcel>>12)&1)<<5 | ((parcel>>2)&0x7)<<6
			return encodeI(opLoad, rdRs1(), 0b011, 2, int64(off)), true
		case 0b100:
			bit12 := (parcel >> 12) & 1
			r1 := rdRs1()
			r2 := rs2Full()
			if bit12 == 0 && r2 == 0 { // C.JR
				return encodeI(opJALR, 0, 0, r1, 0), true
			}
			if bit12 == 0 { // C.MV
				return encodeR(0, r2, 0, 0, r1, opOp), true
			}
			if r1 == 0 && r2 == 0 { // C.EBREAK
				return encodeI(opSystem, 0, 0, 0, 1), true
			}
			if r2 == 0 { // C.JALR
				return encodeI(opJALR, 1, 0, r1, 0), true
			}
			// C.ADD
			return encodeR(0, r2, r1, 0, r1, opOp), true
		case 0b101: // C.FSDSP
			off := ((parcel>>10)&0x7)<<3 | ((parcel>>7)&0x7)<<6
			return encodeS(opStoreFP, 0b011, 2, rs2Full(), int64(off)), true
		case 0b110: // C.SWSP
			off := ((parcel>>9)&0xf)<<2 | ((parcel>>7)&0x3)<<6
			return encodeS(opStore, 0b010, 2, rs2Full(), int64(off)), true
		case 0b111: // C.SDSP
			off := ((parcel>>10)&0x7)<<3 | ((parcel>>7)&0x7)<<6
			return encodeS(opStore, 0b011, 2, rs2Full(), int64(off)), true
		}
	}

	return 0, false
}

func isCompressed(parcel uint16) bool { return parcel&0b11 != 0b11 }
