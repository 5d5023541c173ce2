// Package mmu implements the per-hart software TLBs and the Sv32/Sv39/Sv48 page table walker that
// translates virtual addresses to physical ones. It is grounded on the RISC-V privileged
// architecture's paging chapter, restructured into the teacher VM's idiom: typed errors matching
// with errors.Is/errors.As, a *log.Logger field per subsystem, and small composable structs rather
// than one monolithic CPU method set.
package mmu

import (
	"errors"
	"fmt"

	"github.com/rvvmgo/rvvm/internal/log"
	"github.com/rvvmgo/rvvm/internal/pmem"
)

// Mode identifies the paging scheme selected by satp.MODE.
type Mode uint8

const (
	ModeBare Mode = 0
	ModeSv32 Mode = 1
	ModeSv39 Mode = 8
	ModeSv48 Mode = 9
	ModeSv57 Mode = 10
)

// pteFlag bits, common to all Sv* formats.
const (
	pteValid = 1 << 0
	pteRead  = 1 << 1
	pteWrite = 1 << 2
	pteExec  = 1 << 3
	pteUser  = 1 << 4
	pteGlob  = 1 << 5
	pteAcc   = 1 << 6
	pteDirty = 1 << 7
)

// Privilege mirrors the three RISC-V privilege levels a translation request runs at.
type Privilege uint8

const (
	User       Privilege = 0
	Supervisor Privilege = 1
	Machine    Privilege = 3
)

// ErrPageFault is the sentinel all page-fault conditions wrap, so callers can test with a single
// errors.Is check before inspecting the typed *PageFaultError for cause/tval detail.
var ErrPageFault = errors.New("mmu: page fault")

// PageFaultError carries the detail a trap needs: which access faulted, and at what virtual
// address, so the hart can fill in mcause/stval.
type PageFaultError struct {
	Access pmem.AccessMode
	VAddr  uint64
}

func (e *PageFaultError) Error() string {
	return fmt.Sprintf("mmu: page fault on %s at %#x", e.Access, e.VAddr)
}

func (e *PageFaultError) Is(target error) bool { return target == ErrPageFault }

// TLBEntry is one cached virtual-to-physical translation.
type TLBEntry struct {
	Valid  bool
	VPN    uint64 // virtual page number (va >> 12)
	PPN    uint64 // physical page number
	ASID   uint16
	Global bool
	Read   bool
	Write  bool
	Exec   bool
	User   bool
	Accessed bool
	Dirty    bool
}

// TLB is a direct-mapped software translation cache, one per hart per access kind (fetch, load,
// store), as the design calls for.
type TLB struct {
	entries []TLBEntry
	mask    uint64
}

// NewTLB creates a TLB with the given power-of-two entry count.
func NewTLB(size int) *TLB {
	if size <= 0 || size&(size-1) != 0 {
		panic("mmu: TLB size must be a positive power of two")
	}

	return &TLB{entries: make([]TLBEntry, size), mask: uint64(size - 1)}
}

func (t *TLB) index(vpn uint64) uint64 { return vpn & t.mask }

// Lookup returns the cached entry for vpn/asid, honoring global entries which match any ASID.
func (t *TLB) Lookup(vpn uint64, asid uint16) (TLBEntry, bool) {
	e := t.entries[t.index(vpn)]
	if e.Valid && e.VPN == vpn && (e.Global || e.ASID == asid) {
		return e, true
	}

	return TLBEntry{}, false
}

// Insert caches a translation, evicting whatever occupied the slot.
func (t *TLB) Insert(e TLBEntry) {
	e.Valid = true
	t.entries[t.index(e.VPN)] = e
}

// Flush invalidates every entry (SFENCE.VMA with no operands, or a satp write).
func (t *TLB) Flush() {
	for i := range t.entries {
		t.entries[i].Valid = false
	}
}

// FlushVA invalidates the entry for a single virtual page (SFENCE.VMA rs1 != x0, rs2 == x0).
func (t *TLB) FlushVA(vpn uint64) {
	e := &t.entries[t.index(vpn)]
	if e.VPN == vpn {
		e.Valid = false
	}
}

// FlushASID invalidates every non-global entry for an ASID (SFENCE.VMA rs1 == x0, rs2 != x0).
func (t *TLB) FlushASID(asid uint16) {
	for i := range t.entries {
		if t.entries[i].Valid && !t.entries[i].Global && t.entries[i].ASID == asid {
			t.entries[i].Valid = false
		}
	}
}

// Params bundles the translation-time context the hart supplies: satp, the effective privilege
// (which can be lowered by mstatus.MPRV for M-mode loads/stores), and the SUM/MXR permission bits.
type Params struct {
	SATP uint64
	XLEN int // 32 or 64
	Priv Privilege
	SUM  bool // mstatus.SUM: supervisor may access user pages
	MXR  bool // mstatus.MXR: make executable pages readable
}

func (p Params) mode() Mode {
	if p.XLEN == 32 {
		if p.SATP&(1<<31) != 0 {
			return ModeSv32
		}

		return ModeBare
	}

	return Mode(p.SATP >> 60)
}

func (p Params) asid() uint16 {
	if p.XLEN == 32 {
		return uint16((p.SATP >> 22) & 0x1ff)
	}

	return uint16((p.SATP >> 44) & 0xffff)
}

func (p Params) rootPPN() uint64 {
	if p.XLEN == 32 {
		return p.SATP & 0x3f_ffff
	}

	return p.SATP & 0xfff_ffff_ffff
}

// levelLayout describes one Sv* scheme: how many levels, bits of VPN per level, and PTE size.
type levelLayout struct {
	levels   int
	vpnBits  int
	pteBytes int
}

var layouts = map[Mode]levelLayout{
	ModeSv32: {levels: 2, vpnBits: 10, pteBytes: 4},
	ModeSv39: {levels: 3, vpnBits: 9, pteBytes: 8},
	ModeSv48: {levels: 4, vpnBits: 9, pteBytes: 8},
	ModeSv57: {levels: 5, vpnBits: 9, pteBytes: 8},
}

// MMU owns the three per-hart TLBs and walks page tables against a shared physical address space.
type MMU struct {
	space     *pmem.AddressSpace
	FetchTLB  *TLB
	LoadTLB   *TLB
	StoreTLB  *TLB
	log       *log.Logger
}

// New creates an MMU with 64-entry TLBs, matching the teacher's preference for small fixed-size
// caches over growable maps.
func New(space *pmem.AddressSpace) *MMU {
	return &MMU{
		space:    space,
		FetchTLB: NewTLB(64),
		LoadTLB:  NewTLB(64),
		StoreTLB: NewTLB(64),
		log:      log.ForComponent(log.DefaultLogger(), "mmu"),
	}
}

func (m *MMU) tlbFor(access pmem.AccessMode) *TLB {
	switch access {
	case pmem.AccessFetch:
		return m.FetchTLB
	case pmem.AccessStore:
		return m.StoreTLB
	default:
		return m.LoadTLB
	}
}

// FlushAll invalidates all three TLBs, for SFENCE.VMA x0, x0 and satp writes.
func (m *MMU) FlushAll() {
	m.FetchTLB.Flush()
	m.LoadTLB.Flush()
	m.StoreTLB.Flush()
}

// FlushVA invalidates one virtual page across all three TLBs.
func (m *MMU) FlushVA(va uint64) {
	vpn := va >> 12
	m.FetchTLB.FlushVA(vpn)
	m.LoadTLB.FlushVA(vpn)
	m.StoreTLB.FlushVA(vpn)
}

// FlushASID invalidates one ASID's non-global entries across all three TLBs.
func (m *MMU) FlushASID(asid uint16) {
	m.FetchTLB.FlushASID(asid)
	m.LoadTLB.FlushASID(asid)
	m.StoreTLB.FlushASID(asid)
}

const pageShift = 12
const pageSize = 1 << pageShift

// Translate resolves a virtual address to a physical one for the given access kind, consulting the
// TLB first and walking the page table on a miss. Bare mode (satp.MODE == 0) is the identity
// mapping.
func (m *MMU) Translate(va uint64, access pmem.AccessMode, p Params) (uint64, error) {
	if p.mode() == ModeBare {
		return va, nil
	}

	vpn := va >> pageShift
	asid := p.asid()

	tlb := m.tlbFor(access)

	if entry, ok := tlb.Lookup(vpn, asid); ok {
		if err := m.checkPermissions(entry, access, p); err != nil {
			return 0, err
		}

		if m.needsADUpdate(entry, access) {
			entry, err := m.walkAndUpdate(va, access, p)
			if err != nil {
				return 0, err
			}

			tlb.Insert(entry)
		}

		offset := va & (pageSize - 1)
		return entry.PPN<<pageShift | offset, nil
	}

	entry, err := m.walkAndUpdate(va, access, p)
	if err != nil {
		return 0, err
	}

	if err := m.checkPermissions(entry, access, p); err != nil {
		return 0, err
	}

	tlb.Insert(entry)

	offset := va & (pageSize - 1)
	return entry.PPN<<pageShift | offset, nil
}

func (m *MMU) needsADUpdate(e TLBEntry, access pmem.AccessMode) bool {
	if !e.Accessed {
		return true
	}

	return access == pmem.AccessStore && !e.Dirty
}

// walkAndUpdate performs the multi-level page table walk described in the privileged spec section
// on virtual memory, updating the PTE's A bit (and D bit, for stores) as it goes. The A/D update
// goes through the address space's ReadModifyWrite so two harts walking the same PTE concurrently
// serialize on it rather than racing a separate read and write.
func (m *MMU) walkAndUpdate(va uint64, access pmem.AccessMode, p Params) (TLBEntry, error) {
	layout, ok := layouts[p.mode()]
	if !ok {
		return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
	}

	vpnBits := layout.vpnBits
	ppn := p.rootPPN()

	var pte uint64
	var pteAddr uint64
	level := layout.levels - 1

	for level >= 0 {
		shift := pageShift + vpnBits*level
		index := (va >> shift) & ((1 << vpnBits) - 1)

		pteAddr = ppn<<pageShift + index*uint64(layout.pteBytes)

		var err error
		pte, err = m.readPTE(pteAddr, layout.pteBytes)
		if err != nil {
			return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
		}

		if pte&pteValid == 0 || (pte&pteRead == 0 && pte&pteWrite != 0) {
			return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
		}

		isLeaf := pte&(pteRead|pteWrite|pteExec) != 0
		if isLeaf {
			break
		}

		ppn = pteToPPN(pte, layout.pteBytes)
		level--

		if level < 0 {
			return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
		}
	}

	if pte&(pteRead|pteWrite|pteExec) == 0 {
		return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
	}

	// Superpage misalignment: a leaf found above level 0 must have its low PPN bits zero.
	if level > 0 {
		lowBits := vpnBits * level
		if pteToPPN(pte, layout.pteBytes)&((1<<lowBits)-1) != 0 {
			return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
		}
	}

	if pte&pteAcc == 0 || (access == pmem.AccessStore && pte&pteDirty == 0) {
		updated, err := m.space.ReadModifyWrite(pteAddr, layout.pteBytes, pmem.AccessStore, func(cur uint64) uint64 {
			cur |= pteAcc
			if access == pmem.AccessStore {
				cur |= pteDirty
			}

			return cur
		})
		if err != nil {
			return TLBEntry{}, &PageFaultError{Access: access, VAddr: va}
		}

		pte = updated | pteAcc
		if access == pmem.AccessStore {
			pte |= pteDirty
		}
	}

	leafPPN := pteToPPN(pte, layout.pteBytes)

	if level > 0 {
		// Superpage: low VPN bits pass through from the virtual address directly.
		lowShift := pageShift
		lowMask := uint64(1)<<(vpnBits*level) - 1
		vpnLow := (va >> lowShift) & lowMask
		leafPPN = (leafPPN &^ lowMask) | vpnLow
	}

	return TLBEntry{
		VPN:      va >> pageShift,
		PPN:      leafPPN,
		ASID:     p.asid(),
		Global:   pte&pteGlob != 0,
		Read:     pte&pteRead != 0,
		Write:    pte&pteWrite != 0,
		Exec:     pte&pteExec != 0,
		User:     pte&pteUser != 0,
		Accessed: true,
		Dirty:    pte&pteDirty != 0 || access == pmem.AccessStore,
	}, nil
}

// pteToPPN extracts the PPN field of a PTE; Sv32 uses a 22-bit PPN at bit 10, Sv39/48/57 a 44-bit
// PPN at bit 10.
func pteToPPN(pte uint64, pteBytes int) uint64 {
	if pteBytes == 4 {
		return (pte >> 10) & 0x3f_ffff
	}

	return (pte >> 10) & 0xfff_ffff_ffff
}

func (m *MMU) readPTE(addr uint64, width int) (uint64, error) {
	buf := make([]byte, width)
	if err := m.space.Read(addr, buf, pmem.AccessLoad); err != nil {
		return 0, err
	}

	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, nil
}


// checkPermissions applies the U/S/SUM/MXR rules from the privileged spec on top of the PTE's
// R/W/X/U bits.
func (m *MMU) checkPermissions(e TLBEntry, access pmem.AccessMode, p Params) error {
	if e.User && p.Priv == Supervisor && !p.SUM {
		return &PageFaultError{Access: access, VAddr: e.VPN << pageShift}
	}

	if !e.User && p.Priv == User {
		return &PageFaultError{Access: access, VAddr: e.VPN << pageShift}
	}

	switch access {
	case pmem.AccessFetch:
		if !e.Exec {
			return &PageFaultError{Access: access, VAddr: e.VPN << pageShift}
		}
	case pmem.AccessLoad:
		if !e.Read && !(p.MXR && e.Exec) {
			return &PageFaultError{Access: access, VAddr: e.VPN << pageShift}
		}
	case pmem.AccessStore:
		if !e.Write {
			return &PageFaultError{Access: access, VAddr: e.VPN << pageShift}
		}
	}

	return nil
}
