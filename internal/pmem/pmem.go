// Package pmem implements the machine's physical address space: a contiguous RAM blob plus a
// sorted set of non-overlapping MMIO regions, and the read/write/fetch/direct-pointer primitives
// that route an access to whichever one owns it. It is the guest-visible analogue of the teacher
// VM's Memory controller (internal/vm/mem.go and internal/vm/io.go), generalized from a single
// 16-bit I/O page to an arbitrary RISC-V physical address space.
package pmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rvvmgo/rvvm/internal/log"
	"github.com/rvvmgo/rvvm/internal/rvbits"
	"golang.org/x/sys/unix"
)

// AccessMode distinguishes the three kinds of access the hart can make to physical memory; MMIO
// handlers and page-fault causes both depend on which one is in play.
type AccessMode uint8

const (
	AccessFetch AccessMode = iota
	AccessLoad
	AccessStore
)

func (m AccessMode) String() string {
	switch m {
	case AccessFetch:
		return "fetch"
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	default:
		return "access?"
	}
}

var (
	// ErrOutOfRange is returned when a physical address is covered by neither RAM nor any
	// attached MMIO region.
	ErrOutOfRange = errors.New("pmem: out of range")

	// ErrDeviceFault is returned when an MMIO handler reports failure for a read or write.
	ErrDeviceFault = errors.New("pmem: device fault")

	// ErrMisaligned is returned when an access crosses a region boundary, or violates a
	// region's min/max operation size or alignment constraints.
	ErrMisaligned = errors.New("pmem: misaligned access")

	// ErrOverlap is returned by AttachMMIO when the requested region overlaps RAM or an
	// already-attached region.
	ErrOverlap = errors.New("pmem: overlapping region")
)

// AccessError reports the physical address involved in a failed access, so callers building a
// trap can fill in `tval`.
type AccessError struct {
	Addr uint64
	Mode AccessMode
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("pmem: %s at %#x: %s", e.Mode, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

func (e *AccessError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// RAM is the machine's contiguous physical memory, backed by an anonymous mmap mapping rather than
// a bare Go slice — the way a real hypervisor backs guest physical memory, and a prerequisite for
// [AddressSpace.DirectPtr] to hand out a stable host pointer for DMA.
type RAM struct {
	base uint64
	mem  []byte
}

// NewRAM allocates size bytes of zero-filled physical memory starting at base. size must be a
// positive multiple of the host page size for the mmap to be meaningful, though this is not
// enforced; callers should round up.
func NewRAM(base, size uint64) (*RAM, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pmem: mmap ram: %w", err)
	}

	return &RAM{base: base, mem: mem}, nil
}

// Close releases the backing mapping. The RAM region must not be used afterwards.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil

	return err
}

// Reset zero-fills the RAM, as the machine's `reset` lifecycle operation requires.
func (r *RAM) Reset() {
	for i := range r.mem {
		r.mem[i] = 0
	}
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.mem)) }

func (r *RAM) contains(pa, length uint64) bool {
	return pa >= r.base && pa+length <= r.base+uint64(len(r.mem)) && pa+length >= pa
}

// Handler is the contract an MMIO collaborator implements, mirroring §6's MMIO handler contract:
// offset is always aligned to size and MinOpSize <= size <= MaxOpSize.
type Handler interface {
	Read(region *Region, dst []byte, offset, size uint64) bool
	Write(region *Region, src []byte, offset, size uint64) bool
}

// Updater is an optional hook invoked from the machine's periodic event-loop thread.
type Updater interface {
	Update(region *Region)
}

// Resetter is an optional hook invoked during machine reset.
type Resetter interface {
	Reset(region *Region)
}

// Remover is an optional hook invoked during region detach or machine free.
type Remover interface {
	Remove(region *Region)
}

// NullHandler is the null-object MMIO handler suggested by the design notes: it reads zero and
// discards writes, usable as the Handler of a region that has no real device behind it.
type NullHandler struct{}

func (NullHandler) Read(_ *Region, dst []byte, _, _ uint64) bool {
	for i := range dst {
		dst[i] = 0
	}

	return true
}

func (NullHandler) Write(*Region, []byte, uint64, uint64) bool { return true }

// Region describes one MMIO zone of the physical address space.
type Region struct {
	Addr       uint64
	Size       uint64
	MinOpSize  uint64
	MaxOpSize  uint64
	Type       string
	Handler    Handler
	Data       any // device-owned state; ownership transfers to the machine on attach.

	// Mapping, if non-nil, directly backs the region's bytes. Reads/writes go straight to this
	// buffer unless Dirty is set, in which case they fall back to Handler so the device sees the
	// access as a side effect.
	Mapping []byte
	Dirty   bool
}

func (r *Region) contains(pa, length uint64) bool {
	return pa >= r.Addr && pa+length <= r.Addr+r.Size && pa+length >= pa
}

// checkOpSize validates a region's op-size and alignment invariant: MinOpSize <= size <=
// MaxOpSize, and the access is aligned to size.
func (r *Region) checkOpSize(offset, size uint64) error {
	if size < r.MinOpSize || size > r.MaxOpSize {
		return ErrMisaligned
	}

	if offset%size != 0 {
		return ErrMisaligned
	}

	return nil
}

// AddressSpace is the sorted set of MMIO regions plus the RAM blob, and the dispatcher that routes
// an access to whichever owns it.
type AddressSpace struct {
	// mut serializes every access that reaches RAM or an MMIO region, the way a real system's
	// memory bus arbitrates between concurrent bus masters. One hart per goroutine means Read,
	// Write, and ReadModifyWrite (the latter backing AMO/LR-SC and the MMU's A/D-bit update) all
	// take this lock, so a RMW sequence observed by one hart is never interleaved with another
	// hart's access to the same word.
	mut sync.Mutex

	ram     *RAM
	regions []*Region // kept sorted by Addr for binary search.

	// reservations holds each hart's live LR reservation, keyed by hart ID. Centralizing it here
	// (rather than leaving it purely hart-local) is what lets one hart's SC or ordinary store
	// invalidate another hart's reservation to the same line, the cross-hart half of LR/SC that a
	// single-goroutine machine never had to model.
	reservations map[uint64]reservation

	log *log.Logger
}

type reservation struct {
	addr  uint64
	width uint64
}

// New creates an address space over the given RAM.
func New(ram *RAM) *AddressSpace {
	return &AddressSpace{
		ram: ram,
		log: log.ForComponent(log.DefaultLogger(), "pmem"),
	}
}

// RAM returns the address space's RAM region.
func (as *AddressSpace) RAM() *RAM { return as.ram }

// Regions returns the attached MMIO regions in address order. Callers must not mutate the slice.
func (as *AddressSpace) Regions() []*Region {
	as.mut.Lock()
	defer as.mut.Unlock()

	return as.regions
}

// AttachMMIO inserts a region into the address space. It fails with ErrOverlap if the region
// overlaps RAM or any existing region; per §7, a failed attach leaves region.Data owned by the
// caller, uncleaned. Callers attach/detach only while the machine is paused, but the lock is taken
// regardless so the region slice is never read mid-mutation by a hart goroutine still draining.
func (as *AddressSpace) AttachMMIO(r *Region) error {
	as.mut.Lock()
	defer as.mut.Unlock()

	if as.ram.contains(r.Addr, r.Size) || (r.Addr < as.ram.base+as.ram.Size() && r.Addr+r.Size > as.ram.base) {
		return fmt.Errorf("%w: region %#x/%#x overlaps RAM", ErrOverlap, r.Addr, r.Size)
	}

	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Addr >= r.Addr })

	if idx > 0 && as.regions[idx-1].Addr+as.regions[idx-1].Size > r.Addr {
		return fmt.Errorf("%w: region %#x overlaps %#x", ErrOverlap, r.Addr, as.regions[idx-1].Addr)
	}

	if idx < len(as.regions) && r.Addr+r.Size > as.regions[idx].Addr {
		return fmt.Errorf("%w: region %#x overlaps %#x", ErrOverlap, r.Addr, as.regions[idx].Addr)
	}

	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r

	as.log.Info("attached mmio region", log.String("ADDR", fmt.Sprintf("%#x", r.Addr)),
		log.String("TYPE", r.Type))

	return nil
}

// RemoveMMIO detaches the region at addr, calling its Remove hook if present.
func (as *AddressSpace) RemoveMMIO(addr uint64) (*Region, error) {
	as.mut.Lock()
	defer as.mut.Unlock()

	idx := as.regionIndex(addr)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no region at %#x", ErrOutOfRange, addr)
	}

	r := as.regions[idx]
	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)

	if remover, ok := r.Handler.(Remover); ok {
		remover.Remove(r)
	}

	return r, nil
}

// regionIndex finds the region exactly starting at addr, or -1.
func (as *AddressSpace) regionIndex(addr uint64) int {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Addr >= addr })
	if idx < len(as.regions) && as.regions[idx].Addr == addr {
		return idx
	}

	return -1
}

// findRegion performs the binary search over MMIO regions by base address described in §4.1,
// returning the region owning pa, if any.
func (as *AddressSpace) findRegion(pa uint64) (*Region, bool) {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Addr+as.regions[i].Size > pa })
	if idx < len(as.regions) && as.regions[idx].Addr <= pa {
		return as.regions[idx], true
	}

	return nil, false
}

// Read performs a physical read of len(buf) bytes at pa for the given access mode. RAM is checked
// first by arithmetic per §4.1's dispatch rule; otherwise the owning MMIO region's constraints are
// validated before its handler is invoked.
func (as *AddressSpace) Read(pa uint64, buf []byte, mode AccessMode) error {
	as.mut.Lock()
	defer as.mut.Unlock()

	return as.readLocked(pa, buf, mode)
}

func (as *AddressSpace) readLocked(pa uint64, buf []byte, mode AccessMode) error {
	length := uint64(len(buf))

	if as.ram.contains(pa, length) {
		copy(buf, as.ram.mem[pa-as.ram.base:pa-as.ram.base+length])
		return nil
	}

	region, ok := as.findRegion(pa)
	if !ok {
		return &AccessError{Addr: pa, Mode: mode, Err: ErrOutOfRange}
	}

	if !region.contains(pa, length) {
		return &AccessError{Addr: pa, Mode: mode, Err: ErrMisaligned}
	}

	offset := pa - region.Addr

	if err := region.checkOpSize(offset, length); err != nil {
		return &AccessError{Addr: pa, Mode: mode, Err: err}
	}

	if region.Mapping != nil && !region.Dirty {
		copy(buf, region.Mapping[offset:offset+length])
		return nil
	}

	if !region.Handler.Read(region, buf, offset, length) {
		return &AccessError{Addr: pa, Mode: mode, Err: ErrDeviceFault}
	}

	return nil
}

// Write performs a physical write of buf to pa.
func (as *AddressSpace) Write(pa uint64, buf []byte) error {
	as.mut.Lock()
	defer as.mut.Unlock()

	return as.writeLocked(pa, buf)
}

func (as *AddressSpace) writeLocked(pa uint64, buf []byte) error {
	length := uint64(len(buf))

	defer as.invalidateReservationsLocked(pa, length)

	if as.ram.contains(pa, length) {
		copy(as.ram.mem[pa-as.ram.base:pa-as.ram.base+length], buf)
		return nil
	}

	region, ok := as.findRegion(pa)
	if !ok {
		return &AccessError{Addr: pa, Mode: AccessStore, Err: ErrOutOfRange}
	}

	if !region.contains(pa, length) {
		return &AccessError{Addr: pa, Mode: AccessStore, Err: ErrMisaligned}
	}

	offset := pa - region.Addr

	if err := region.checkOpSize(offset, length); err != nil {
		return &AccessError{Addr: pa, Mode: AccessStore, Err: err}
	}

	if region.Mapping != nil && !region.Dirty {
		copy(region.Mapping[offset:offset+length], buf)
		return nil
	}

	if !region.Handler.Write(region, buf, offset, length) {
		return &AccessError{Addr: pa, Mode: AccessStore, Err: ErrDeviceFault}
	}

	return nil
}

// invalidateReservationsLocked drops any hart's reservation whose byte range overlaps [pa,
// pa+length), per the LR/SC rule that any store to the reserved line — by any hart, through any
// instruction — invalidates it. Must be called with mut held.
func (as *AddressSpace) invalidateReservationsLocked(pa, length uint64) {
	for id, r := range as.reservations {
		if pa < r.addr+r.width && pa+length > r.addr {
			delete(as.reservations, id)
		}
	}
}

// Reserve records hartID's load-reserved address, replacing any previous reservation it held.
func (as *AddressSpace) Reserve(hartID, addr uint64, width int) {
	as.mut.Lock()
	defer as.mut.Unlock()

	if as.reservations == nil {
		as.reservations = make(map[uint64]reservation)
	}

	as.reservations[hartID] = reservation{addr: addr, width: uint64(width)}
}

// CheckAndClearReservation reports whether hartID still holds a valid reservation on addr,
// consuming it either way (SC always clears its hart's reservation, successful or not).
func (as *AddressSpace) CheckAndClearReservation(hartID, addr uint64) bool {
	as.mut.Lock()
	defer as.mut.Unlock()

	r, ok := as.reservations[hartID]
	delete(as.reservations, hartID)

	return ok && r.addr == addr
}

// ClearReservation drops hartID's reservation, if any, without checking an address — used when a
// hart traps or is reset with a reservation outstanding.
func (as *AddressSpace) ClearReservation(hartID uint64) {
	as.mut.Lock()
	defer as.mut.Unlock()

	delete(as.reservations, hartID)
}

// ReadModifyWrite performs an atomic load-compute-store of a width-byte little-endian word at pa,
// holding the address space's single lock across the whole sequence so that a concurrent access
// from another hart's goroutine can never observe or interleave with the intermediate state. This
// is what backs the AMO/LR-SC instructions and the MMU's page-table A/D-bit update: both need a
// real read-modify-write, not two independent calls to Read and Write.
func (as *AddressSpace) ReadModifyWrite(pa uint64, width int, mode AccessMode, fn func(old uint64) uint64) (uint64, error) {
	as.mut.Lock()
	defer as.mut.Unlock()

	buf := make([]byte, width)
	if err := as.readLocked(pa, buf, mode); err != nil {
		return 0, err
	}

	old := rvbits.ReadLE(buf, 0, width)
	next := fn(old)

	rvbits.WriteLE(buf, 0, width, next)
	if err := as.writeLocked(pa, buf); err != nil {
		return 0, err
	}

	return old, nil
}

// FetchInst reads an instruction parcel (2 or 4 bytes) from pa, using AccessFetch semantics.
func (as *AddressSpace) FetchInst(pa uint64, buf []byte) error {
	return as.Read(pa, buf, AccessFetch)
}

// DirectPtr returns a host-backed slice for DMA over [pa, pa+length) if the range lies entirely
// within RAM or within a single directly-mapped MMIO region; otherwise it returns ok=false per
// §7's "DMA pointer request spanning regions" rule.
func (as *AddressSpace) DirectPtr(pa, length uint64) (ptr []byte, ok bool) {
	as.mut.Lock()
	defer as.mut.Unlock()

	if as.ram.contains(pa, length) {
		off := pa - as.ram.base
		return as.ram.mem[off : off+length], true
	}

	region, found := as.findRegion(pa)
	if !found || region.Mapping == nil || !region.contains(pa, length) {
		return nil, false
	}

	offset := pa - region.Addr

	return region.Mapping[offset : offset+length], true
}

// ResetAll zero-fills RAM and invokes every region's Reset hook, preserving attachments, as the
// machine's `reset` lifecycle operation requires. The caller (Machine.Reset) only calls this while
// every hart goroutine is stopped, but the lock still guards against a straggler mid-Read.
func (as *AddressSpace) ResetAll() {
	as.mut.Lock()
	defer as.mut.Unlock()

	as.ram.Reset()

	for _, r := range as.regions {
		if resetter, ok := r.Handler.(Resetter); ok {
			resetter.Reset(r)
		}
	}
}

// UpdateAll invokes every region's Update hook, as called from the machine's event-loop thread
// concurrently with every hart's own goroutine stepping against the same address space.
func (as *AddressSpace) UpdateAll() {
	as.mut.Lock()
	regions := append([]*Region(nil), as.regions...)
	as.mut.Unlock()

	for _, r := range regions {
		if updater, ok := r.Handler.(Updater); ok {
			updater.Update(r)
		}
	}
}

// RemoveAll detaches every region, calling Remover hooks in descending address order (the order
// as.regions is kept in); the order in which regions were attached is not tracked.
func (as *AddressSpace) RemoveAll() {
	as.mut.Lock()
	defer as.mut.Unlock()

	for i := len(as.regions) - 1; i >= 0; i-- {
		r := as.regions[i]
		if remover, ok := r.Handler.(Remover); ok {
			remover.Remove(r)
		}
	}

	as.regions = nil
}
