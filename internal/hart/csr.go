package hart

// CSR addresses this core implements, named after the privileged architecture manual. Only a
// working subset is wired — enough to run supervisor-mode guests under an SBI-less hypervisor, the
// scenario the design calls out as the core's main consumer.
const (
	CSRFflags  = 0x001
	CSRFrm     = 0x002
	CSRFcsr    = 0x003

	CSRCycle   = 0xc00
	CSRTime    = 0xc01
	CSRInstret = 0xc02

	CSRSstatus    = 0x100
	CSRSie        = 0x104
	CSRStvec      = 0x105
	CSRScounteren = 0x106
	CSRSscratch   = 0x140
	CSRSepc       = 0x141
	CSRScause     = 0x142
	CSRStval      = 0x143
	CSRSip        = 0x144
	CSRSatp       = 0x180

	CSRMstatus    = 0x300
	CSRMisa       = 0x301
	CSRMedeleg    = 0x302
	CSRMideleg    = 0x303
	CSRMie        = 0x304
	CSRMtvec      = 0x305
	CSRMcounteren = 0x306
	CSRMscratch   = 0x340
	CSRMepc       = 0x341
	CSRMcause     = 0x342
	CSRMtval      = 0x343
	CSRMip        = 0x344

	CSRMvendorid = 0xf11
	CSRMarchid   = 0xf12
	CSRMimpid    = 0xf13
	CSRMhartid   = 0xf14
)

// mstatus bit positions shared between M-mode and S-mode views of the register.
const (
	statusSIE  = 1 << 1
	statusMIE  = 1 << 3
	statusSPIE = 1 << 5
	statusMPIE = 1 << 7
	statusSPP  = 1 << 8
	statusMPPShift = 11
	statusMPPMask  = 0b11 << statusMPPShift
	statusFSShift  = 13
	statusFSMask   = 0b11 << statusFSShift
	statusSUM  = 1 << 18
	statusMXR  = 1 << 19
	statusSD64 = 1 << 63
	statusSD32 = 1 << 31
)

// mip/mie bit positions.
const (
	ipSSIP = 1 << 1
	ipMSIP = 1 << 3
	ipSTIP = 1 << 5
	ipMTIP = 1 << 7
	ipSEIP = 1 << 9
	ipMEIP = 1 << 11
)

// csrReadOnly reports whether addr's top two bits mark it read-only (csr[11:10] == 11).
func csrReadOnly(addr uint16) bool {
	return addr&0xc00 == 0xc00
}

// csrMinPrivilege is the privilege level encoded in csr[9:8], the minimum level required to access
// the register.
func csrMinPrivilege(addr uint16) Privilege {
	return Privilege((addr >> 8) & 0b11)
}

// ReadCSR reads a CSR's current value, applying the mstatus-view masking that makes sstatus a
// restricted window onto mstatus.
func (h *Hart) ReadCSR(addr uint16) (uint64, error) {
	switch addr {
	case CSRFflags:
		return uint64(h.FCSR & 0x1f), nil
	case CSRFrm:
		return uint64((h.FCSR >> 5) & 0x7), nil
	case CSRFcsr:
		return uint64(h.FCSR), nil
	case CSRCycle, CSRTime:
		return h.Cycle, nil
	case CSRInstret:
		return h.Instret, nil
	case CSRSstatus:
		return h.Mstatus & sstatusMask(h.XLEN), nil
	case CSRSie:
		return h.Mie & h.Mideleg, nil
	case CSRSip:
		return h.mipLoad() & h.Mideleg, nil
	case CSRStvec:
		return h.Stvec, nil
	case CSRScounteren:
		return uint64(h.Scounteren), nil
	case CSRSscratch:
		return h.Sscratch, nil
	case CSRSepc:
		return h.Sepc, nil
	case CSRScause:
		return h.Scause, nil
	case CSRStval:
		return h.Stval, nil
	case CSRSatp:
		return h.Satp, nil
	case CSRMstatus:
		return h.Mstatus, nil
	case CSRMisa:
		return h.Misa, nil
	case CSRMedeleg:
		return h.Medeleg, nil
	case CSRMideleg:
		return h.Mideleg, nil
	case CSRMie:
		return h.Mie, nil
	case CSRMtvec:
		return h.Mtvec, nil
	case CSRMcounteren:
		return uint64(h.Mcounteren), nil
	case CSRMscratch:
		return h.Mscratch, nil
	case CSRMepc:
		return h.Mepc, nil
	case CSRMcause:
		return h.Mcause, nil
	case CSRMtval:
		return h.Mtval, nil
	case CSRMip:
		return h.mipLoad(), nil
	case CSRMhartid:
		return h.ID, nil
	case CSRMvendorid, CSRMarchid, CSRMimpid:
		return 0, nil
	default:
		return 0, &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(addr)}
	}
}

// WriteCSR writes v to the CSR at addr, honoring WARL fields where the architecture defines them.
func (h *Hart) WriteCSR(addr uint16, v uint64) error {
	switch addr {
	case CSRFflags:
		h.FCSR = (h.FCSR &^ 0x1f) | uint32(v&0x1f)
	case CSRFrm:
		h.FCSR = (h.FCSR &^ (0x7 << 5)) | uint32((v&0x7)<<5)
	case CSRFcsr:
		h.FCSR = uint32(v & 0xff)
	case CSRSstatus:
		mask := sstatusMask(h.XLEN)
		h.Mstatus = (h.Mstatus &^ mask) | (v & mask)
	case CSRSie:
		h.Mie = (h.Mie &^ h.Mideleg) | (v & h.Mideleg)
	case CSRSip:
		writable := uint64(ipSSIP) & h.Mideleg
		h.mipUpdate(func(mip uint64) uint64 { return (mip &^ writable) | (v & writable) })
	case CSRStvec:
		h.Stvec = v &^ 0b10
	case CSRScounteren:
		h.Scounteren = uint32(v)
	case CSRSscratch:
		h.Sscratch = v
	case CSRSepc:
		h.Sepc = v &^ 1
	case CSRScause:
		h.Scause = v
	case CSRStval:
		h.Stval = v
	case CSRSatp:
		h.Satp = v
		h.MMU.FlushAll()
	case CSRMstatus:
		h.Mstatus = v
	case CSRMisa:
		// WARL: this core does not support changing MXL or extension bits at runtime.
	case CSRMedeleg:
		h.Medeleg = v
	case CSRMideleg:
		h.Mideleg = v
	case CSRMie:
		h.Mie = v
	case CSRMtvec:
		h.Mtvec = v &^ 0b10
	case CSRMcounteren:
		h.Mcounteren = uint32(v)
	case CSRMscratch:
		h.Mscratch = v
	case CSRMepc:
		h.Mepc = v &^ 1
	case CSRMcause:
		h.Mcause = v
	case CSRMtval:
		h.Mtval = v
	case CSRMip:
		writable := uint64(ipSSIP | ipSTIP)
		h.mipUpdate(func(mip uint64) uint64 { return (mip &^ writable) | (v & writable) })
	case CSRCycle, CSRTime, CSRInstret, CSRMhartid, CSRMvendorid, CSRMarchid, CSRMimpid:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(addr)}
	default:
		return &TrapError{Cause: CauseIllegalInstruction, TVal: uint64(addr)}
	}

	return nil
}

func sstatusMask(xlen int) uint64 {
	// SIE/SPIE/SPP/FS/SUM/MXR only: MIE/MPIE/MPP are machine-only and excluded from the sstatus view.
	mask := uint64(statusSIE | statusSPIE | statusSPP | statusFSMask | statusSUM | statusMXR)
	if xlen == 64 {
		mask |= statusSD64
	} else {
		mask |= statusSD32
	}

	return mask
}
