package hart

import "testing"

// TestExpandCompressedRegisterFields builds compressed parcels by hand and checks that each
// decoded register field lands where the unprivileged ISA manual's CL/CS/CB formats put it. These
// are regression cases for two aliasing bugs found while filling out the decode table: C.LW/C.LD/
// C.ADDI4SPN/C.FLD originally read their destination from rs1'­'s bit position (9:7) instead of
// the CL/CI-format 4:2 field, and C.SW/C.SD originally swapped base and source.
func TestExpandCompressedRegisterFields(t *testing.T) {
	tests := []struct {
		name       string
		parcel     uint16
		wantOp     uint32
		wantRd     uint32
		wantRs1    uint32
		wantRs2    uint32
		wantFunct3 uint32
		wantImm    int64
		checkImm   bool
	}{
		{
			// C.LW x9, 8(x8): rs1'=x8 (bits 9:7=000), rd'=x9 (bits 4:2=001), offset=8.
			name: "C.LW distinct rd' and rs1'",
			parcel: 0x4404,
			wantOp: opLoad, wantRd: 9, wantRs1: 8, wantFunct3: 0b010,
			wantImm: 8, checkImm: true,
		},
		{
			// C.FLD f9, 8(x8): same field layout as C.LW but into the FP register file.
			name: "C.FLD distinct rd' and rs1'",
			parcel: 0x2404,
			wantOp: opLoadFP, wantRd: 9, wantRs1: 8, wantFunct3: 0b011,
			wantImm: 8, checkImm: true,
		},
		{
			// C.SW x9, 8(x8): rs1'=x8 is the base, rs2'=x9 is the stored value, not aliased.
			name: "C.SW distinct base and source",
			parcel: 0xC404,
			wantOp: opStore, wantRs1: 8, wantRs2: 9, wantFunct3: 0b010,
			wantImm: 8, checkImm: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insn, ok := expandCompressed(tt.parcel)
			if !ok {
				t.Fatalf("expandCompressed(%#04x) = not ok, want decodable", tt.parcel)
			}

			if opcode(insn) != tt.wantOp {
				t.Errorf("opcode = %#x, want %#x", opcode(insn), tt.wantOp)
			}

			if tt.wantRd != 0 && rd(insn) != tt.wantRd {
				t.Errorf("rd = %d, want %d", rd(insn), tt.wantRd)
			}

			if rs1(insn) != tt.wantRs1 {
				t.Errorf("rs1 = %d, want %d", rs1(insn), tt.wantRs1)
			}

			if tt.wantRs2 != 0 && rs2(insn) != tt.wantRs2 {
				t.Errorf("rs2 = %d, want %d", rs2(insn), tt.wantRs2)
			}

			if funct3(insn) != tt.wantFunct3 {
				t.Errorf("funct3 = %#x, want %#x", funct3(insn), tt.wantFunct3)
			}

			if tt.checkImm {
				var imm int64
				switch tt.wantOp {
				case opLoad, opLoadFP:
					imm = immI(insn)
				case opStore, opStoreFP:
					imm = immS(insn)
				}

				if imm != tt.wantImm {
					t.Errorf("imm = %d, want %d", imm, tt.wantImm)
				}
			}
		})
	}
}

// TestExpandCompressedADDI4SPNDestination is C.ADDI4SPN's own regression case: rd' lives at
// bits[4:2], not at the shared 9:7 position used by rs1'/rdPrime's other callers.
func TestExpandCompressedADDI4SPNDestination(t *testing.T) {
	// quadrant=00, funct3=000, rd'=x9 (bits 4:2=001), bit6 set so nzuimm != 0.
	insn, ok := expandCompressed(0x0044)
	if !ok {
		t.Fatalf("expandCompressed(C.ADDI4SPN) = not ok")
	}

	if opcode(insn) != opOpImm {
		t.Errorf("opcode = %#x, want opOpImm", opcode(insn))
	}

	if rd(insn) != 9 {
		t.Errorf("rd = %d, want 9 (x9)", rd(insn))
	}

	if rs1(insn) != 2 {
		t.Errorf("rs1 = %d, want 2 (stack pointer)", rs1(insn))
	}
}

// TestExpandCompressedMiscALUGroup exercises quadrant 01's funct3==100 group (C.SUB/C.XOR/C.OR/
// C.AND plus the Zcb unary ops), the group comment 4 flagged as entirely missing.
func TestExpandCompressedMiscALUGroup(t *testing.T) {
	// C.SUB x9, x9, x10: rdv=rs1v=x9 (bits 9:7=001), rs2'=x10 (bits 4:2=010), funct2a=11, bit12=0,
	// sel=00.
	insn, ok := expandCompressed(0x8C89)
	if !ok {
		t.Fatalf("expandCompressed(C.SUB) = not ok")
	}

	if opcode(insn) != opOp {
		t.Errorf("opcode = %#x, want opOp", opcode(insn))
	}

	if rd(insn) != 9 || rs1(insn) != 9 {
		t.Errorf("rd/rs1 = %d/%d, want 9/9", rd(insn), rs1(insn))
	}

	if rs2(insn) != 10 {
		t.Errorf("rs2 = %d, want 10", rs2(insn))
	}

	if funct7(insn) != 0b0100000 {
		t.Errorf("funct7 = %#x, want SUB's 0b0100000", funct7(insn))
	}
}

// TestExpandCompressedZcbUnaryOps checks the Zcb sub-selector group nested inside funct3==100,
// sel==11, bit12==1: C.ZEXT.B/C.SEXT.B/C.SEXT.H/C.ZEXT.W/C.NOT, and that the one documented gap
// (C.ZEXT.H) is reported as undecodable rather than silently misdecoded.
func TestExpandCompressedZcbUnaryOps(t *testing.T) {
	// Common prefix for all cases below: rdv = x9 (bits 9:7 = 001), quadrant=01, funct3=100,
	// funct2a=11 (bits 11:10), sel=11 (bits 6:5), bit12=1, varying only bits 4:2 (the unary
	// sub-selector).
	base := uint16(0b1001_1100_1110_0001)

	tests := []struct {
		name    string
		subSel  uint16
		wantOp  func(insn uint32) bool
		wantOk  bool
	}{
		{
			name:   "C.ZEXT.B",
			subSel: 0b000,
			wantOk: true,
			wantOp: func(insn uint32) bool { return opcode(insn) == opOpImm && funct3(insn) == 0b111 },
		},
		{
			name:   "C.SEXT.B",
			subSel: 0b001,
			wantOk: true,
			wantOp: func(insn uint32) bool { return opcode(insn) == opOpImm && funct7(insn) == 0b0110000 && rs2(insn) == 0b00100 },
		},
		{
			name:   "C.SEXT.H",
			subSel: 0b011,
			wantOk: true,
			wantOp: func(insn uint32) bool { return opcode(insn) == opOpImm && funct7(insn) == 0b0110000 && rs2(insn) == 0b00101 },
		},
		{
			name:   "C.ZEXT.W",
			subSel: 0b100,
			wantOk: true,
			wantOp: func(insn uint32) bool { return opcode(insn) == opOp32 && funct7(insn) == 0b0000100 },
		},
		{
			name:   "C.NOT",
			subSel: 0b101,
			wantOk: true,
			wantOp: func(insn uint32) bool { return opcode(insn) == opOpImm && immI(insn) == -1 },
		},
		{
			name:   "C.ZEXT.H (unimplemented, needs Zbkb PACK)",
			subSel: 0b010,
			wantOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parcel := base | (tt.subSel << 2)

			insn, ok := expandCompressed(parcel)
			if ok != tt.wantOk {
				t.Fatalf("expandCompressed(%#04x) ok = %v, want %v", parcel, ok, tt.wantOk)
			}

			if ok && tt.wantOp != nil && !tt.wantOp(insn) {
				t.Errorf("decoded insn %#08x did not match expected shape for %s", insn, tt.name)
			}
		})
	}
}
