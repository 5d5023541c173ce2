package mmu

import (
	"errors"
	"testing"

	"github.com/rvvmgo/rvvm/internal/pmem"
)

const ramBase = 0x8000_0000

func newSpace(t *testing.T) *pmem.AddressSpace {
	t.Helper()

	ram, err := pmem.NewRAM(ramBase, 0x10_0000)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}

	t.Cleanup(func() { _ = ram.Close() })

	return pmem.New(ram)
}

// writePTE64 writes an 8-byte Sv39 PTE at addr within the space.
func writePTE64(t *testing.T, space *pmem.AddressSpace, addr, pte uint64) {
	t.Helper()

	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(pte >> (8 * i))
	}

	if err := space.Write(addr, buf); err != nil {
		t.Fatalf("write PTE at %#x: %v", addr, err)
	}
}

// buildSv39LeafAtRoot constructs a single-level-deep Sv39 mapping: root table at rootPA maps VPN2
// index 0 as a 1GiB leaf superpage pointing at physPPN (which must be gigapage-aligned), with
// R/W/X/V/A/D set and U clear so supervisor-mode accesses are permitted.
func buildSv39LeafAtRoot(t *testing.T, space *pmem.AddressSpace, rootPA, physPPN uint64) {
	t.Helper()

	pte := (physPPN << 10) | pteValid | pteRead | pteWrite | pteExec | pteAcc | pteDirty
	writePTE64(t, space, rootPA, pte)
}

func TestTranslateBareModeIsIdentity(t *testing.T) {
	space := newSpace(t)
	m := New(space)

	pa, err := m.Translate(0x1234, pmem.AccessLoad, Params{SATP: 0, XLEN: 64, Priv: Supervisor})
	if err != nil {
		t.Fatalf("Translate bare: %v", err)
	}

	if pa != 0x1234 {
		t.Errorf("bare-mode translate = %#x, want identity 0x1234", pa)
	}
}

func TestTranslateSv39Superpage(t *testing.T) {
	space := newSpace(t)
	m := New(space)

	rootPA := uint64(ramBase + 0x1000)
	physPPN := uint64(ramBase) >> pageShift

	buildSv39LeafAtRoot(t, space, rootPA, physPPN)

	satp := (uint64(ModeSv39) << 60) | (rootPA >> pageShift)

	va := uint64(0x55) << pageShift // VPN2 index 0, page 0x55 within the gigapage
	pa, err := m.Translate(va+0x42, pmem.AccessLoad, Params{SATP: satp, XLEN: 64, Priv: Supervisor})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	want := (physPPN << pageShift) + va + 0x42
	if pa != want {
		t.Errorf("Translate superpage = %#x, want %#x", pa, want)
	}
}

func TestTranslateCachesInTLB(t *testing.T) {
	space := newSpace(t)
	m := New(space)

	rootPA := uint64(ramBase + 0x1000)
	physPPN := uint64(ramBase) >> pageShift
	buildSv39LeafAtRoot(t, space, rootPA, physPPN)

	satp := (uint64(ModeSv39) << 60) | (rootPA >> pageShift)
	params := Params{SATP: satp, XLEN: 64, Priv: Supervisor}

	if _, err := m.Translate(0x42, pmem.AccessLoad, params); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if _, ok := m.LoadTLB.Lookup(0, 0); !ok {
		t.Errorf("expected load TLB to be populated after translate")
	}

	m.FlushAll()

	if _, ok := m.LoadTLB.Lookup(0, 0); ok {
		t.Errorf("expected TLB entry to be gone after FlushAll")
	}
}

func TestTranslatePageFaultOnInvalidPTE(t *testing.T) {
	space := newSpace(t)
	m := New(space)

	rootPA := uint64(ramBase + 0x1000)
	satp := (uint64(ModeSv39) << 60) | (rootPA >> pageShift)

	// No PTE written: root table read is all zero, pte.V == 0.
	_, err := m.Translate(0x42, pmem.AccessLoad, Params{SATP: satp, XLEN: 64, Priv: Supervisor})

	var pf *PageFaultError
	if !errors.As(err, &pf) {
		t.Fatalf("Translate with invalid PTE: got %v, want *PageFaultError", err)
	}

	if !errors.Is(err, ErrPageFault) {
		t.Errorf("PageFaultError should match ErrPageFault sentinel")
	}
}

func TestCheckPermissionsUserVsSupervisor(t *testing.T) {
	m := New(newSpace(t))

	userPage := TLBEntry{Read: true, Write: true, Exec: true, User: true}

	if err := m.checkPermissions(userPage, pmem.AccessLoad, Params{Priv: Supervisor, SUM: false}); err == nil {
		t.Errorf("supervisor access to user page without SUM should fault")
	}

	if err := m.checkPermissions(userPage, pmem.AccessLoad, Params{Priv: Supervisor, SUM: true}); err != nil {
		t.Errorf("supervisor access to user page with SUM should succeed, got %v", err)
	}

	supervisorPage := TLBEntry{Read: true, Write: true, Exec: true, User: false}
	if err := m.checkPermissions(supervisorPage, pmem.AccessLoad, Params{Priv: User}); err == nil {
		t.Errorf("user access to supervisor-only page should fault")
	}
}

func TestCheckPermissionsMXR(t *testing.T) {
	m := New(newSpace(t))

	execOnly := TLBEntry{Read: false, Write: false, Exec: true, User: true}

	if err := m.checkPermissions(execOnly, pmem.AccessLoad, Params{Priv: Supervisor, SUM: true, MXR: false}); err == nil {
		t.Errorf("load from exec-only page without MXR should fault")
	}

	if err := m.checkPermissions(execOnly, pmem.AccessLoad, Params{Priv: Supervisor, SUM: true, MXR: true}); err != nil {
		t.Errorf("load from exec-only page with MXR should succeed, got %v", err)
	}
}
