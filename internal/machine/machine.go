// Package machine implements the virtual machine's lifecycle: creating a set of harts over a
// shared physical address space, starting and pausing the run loop, attaching and detaching MMIO
// devices, and tearing everything down again. It mirrors the teacher VM's functional-options
// construction (internal/vm/vm.go's OptionFn, called twice per option — once early, once late, so
// a later option can see what an earlier one configured) generalized from one LC-3 CPU to an
// arbitrary number of RISC-V harts.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rvvmgo/rvvm/internal/hart"
	"github.com/rvvmgo/rvvm/internal/irq"
	"github.com/rvvmgo/rvvm/internal/log"
	"github.com/rvvmgo/rvvm/internal/mmu"
	"github.com/rvvmgo/rvvm/internal/pmem"
)

// State is the machine's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	default:
		return "state?"
	}
}

// Option is a machine knob settable through SetOpt/GetOpt after creation, per the external
// interface's enumerated option map. MemBase/MemSize/HartCount are read-only; attempting to set
// them returns ErrReadOnlyOption.
type Option int

const (
	OptJITEnable Option = iota
	OptJITCacheBytes
	OptJITHarvard
	OptVerbosity
	OptHWImitate
	OptMaxCPUPercent
	OptResetPC
	OptDTBAddr
	OptMemBase
	OptMemSize
	OptHartCount
)

var readOnlyOptions = map[Option]bool{
	OptMemBase:   true,
	OptMemSize:   true,
	OptHartCount: true,
}

var (
	// ErrNotPaused is returned by AttachMMIO/RemoveMMIO when the machine is not paused, per the
	// external interface's requirement that region topology only changes while stopped.
	ErrNotPaused = errors.New("machine: must be paused to modify mmio regions")

	// ErrReadOnlyOption is returned by SetOpt for an option the machine computes rather than
	// accepts.
	ErrReadOnlyOption = errors.New("machine: option is read-only")

	// ErrAlreadyRunning/ErrNotRunning guard the start/pause state transitions.
	ErrAlreadyRunning = errors.New("machine: already running")
	ErrNotRunning     = errors.New("machine: not running")
)

// OptionFn configures a Machine during New. Each fn runs twice — once with late=false before the
// address space and harts exist (to size them), once with late=true after (to wire in anything
// that needs a live hart or MMU) — the same two-pass shape as the teacher's vm.OptionFn.
type OptionFn func(m *Machine, late bool)

// WithHartCount sets the number of harts to create (default 1).
func WithHartCount(n int) OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			m.hartCount = n
		}
	}
}

// WithRV64 selects XLEN=64 (the default) or, if v is false, XLEN=32.
func WithRV64(v bool) OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			if v {
				m.xlen = 64
			} else {
				m.xlen = 32
			}
		}
	}
}

// WithRAM sizes the machine's physical RAM.
func WithRAM(base, size uint64) OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			m.ramBase = base
			m.ramSize = size
		}
	}
}

// WithResetPC sets every hart's reset program counter (default equal to the RAM base).
func WithResetPC(pc uint64) OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			m.resetPC = &pc
		}
	}
}

// WithOption sets one of the enumerated knobs at construction time, equivalent to calling SetOpt
// immediately after New.
func WithOption(key Option, value uint64) OptionFn {
	return func(m *Machine, late bool) {
		if late {
			_ = m.SetOpt(key, value)
		}
	}
}

// Machine owns a set of harts, the physical address space they share, and the interrupt fabric
// that connects external devices to them.
type Machine struct {
	mut sync.Mutex

	state State

	hartCount int
	xlen      int
	ramBase   uint64
	ramSize   uint64
	resetPC   *uint64

	Harts []*hart.Hart
	Space *pmem.AddressSpace
	IRQ   *irq.Controller

	opts map[Option]uint64

	cmdline string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *log.Logger
}

const defaultRAMSize = 128 << 20

// New creates a machine from the given options, allocating RAM and constructing every hart's MMU
// and register file, but does not start execution — matching the external interface's
// create_machine/start_machine split.
func New(opts ...OptionFn) (*Machine, error) {
	m := &Machine{
		hartCount: 1,
		xlen:      64,
		ramBase:   0x8000_0000,
		ramSize:   defaultRAMSize,
		opts:      make(map[Option]uint64),
		log:       log.ForComponent(log.DefaultLogger(), "machine"),
	}

	for _, opt := range opts {
		opt(m, false)
	}

	ram, err := pmem.NewRAM(m.ramBase, m.ramSize)
	if err != nil {
		return nil, fmt.Errorf("machine: create ram: %w", err)
	}

	m.Space = pmem.New(ram)
	m.IRQ = irq.NewController()

	resetPC := m.ramBase
	if m.resetPC != nil {
		resetPC = *m.resetPC
	}

	for i := 0; i < m.hartCount; i++ {
		hartMMU := mmu.New(m.Space)
		h := hart.New(uint64(i), m.xlen, resetPC, m.Space, hartMMU)
		m.Harts = append(m.Harts, h)
		m.IRQ.Attach(h)
	}

	m.opts[OptMemBase] = m.ramBase
	m.opts[OptMemSize] = m.ramSize
	m.opts[OptHartCount] = uint64(m.hartCount)
	m.opts[OptResetPC] = resetPC
	m.opts[OptMaxCPUPercent] = 100

	for _, opt := range opts {
		opt(m, true)
	}

	m.state = StateCreated

	m.log.Info("machine created", log.String("HARTS", fmt.Sprintf("%d", m.hartCount)),
		log.String("RAM", fmt.Sprintf("%#x/%#x", m.ramBase, m.ramSize)))

	return m, nil
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.state
}

// PoweredOn reports whether the machine is running or paused, as opposed to halted/freed.
func (m *Machine) PoweredOn() bool {
	s := m.State()
	return s == StateRunning || s == StatePaused
}

// Start begins execution: one goroutine per hart steps that hart's fetch-decode-execute loop, and
// a separate event-loop goroutine invokes device Update hooks periodically, all running
// concurrently and preemptively scheduled by the Go runtime until the context is cancelled or
// Pause is called. This is the multi-hart analogue of the teacher's single-CPU Run(ctx) in
// internal/vm/exec.go, which only ever had one Step() loop to drive; a hart's memory and MMU
// access are safe to run from any number of these goroutines concurrently because pmem.AddressSpace
// serializes them internally.
func (m *Machine) Start(ctx context.Context) error {
	m.mut.Lock()

	if m.state == StateRunning {
		m.mut.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StateRunning
	harts := append([]*hart.Hart(nil), m.Harts...)
	m.mut.Unlock()

	m.wg.Add(1)
	go m.eventLoop(runCtx)

	for _, h := range harts {
		m.wg.Add(1)
		go m.hartLoop(runCtx, h)
	}

	return nil
}

// eventLoop is the machine's single event-loop thread: it owns the periodic device Update tick,
// independent of however many hart goroutines are concurrently stepping below it.
func (m *Machine) eventLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Space.UpdateAll()
		}
	}
}

// hartLoop runs one hart's fetch-decode-execute loop on its own OS-schedulable goroutine, per
// design note §5's one-thread-per-hart model. A hart parked in WFI backs off briefly rather than
// busy-spinning; Step() re-checks for a pending interrupt on every call regardless.
func (m *Machine) hartLoop(ctx context.Context, h *hart.Hart) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := h.Step(); err != nil {
			if errors.Is(err, hart.ErrHalted) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
				}

				continue
			}

			m.log.Error("hart step failed", log.String("HART", fmt.Sprintf("%d", h.ID)),
				log.String("ERROR", err.Error()))

			continue
		}
	}
}

// Pause stops the event loop without discarding state; Start resumes it.
func (m *Machine) Pause() error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.state != StateRunning {
		return ErrNotRunning
	}

	m.cancel()
	m.mut.Unlock()
	m.wg.Wait()
	m.mut.Lock()

	m.state = StatePaused

	return nil
}

// Reset zero-fills RAM, resets every hart and device, and returns the machine to its post-create
// state. The machine must be paused or freshly created.
func (m *Machine) Reset() error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.state == StateRunning {
		return ErrAlreadyRunning
	}

	resetPC := m.ramBase
	if m.resetPC != nil {
		resetPC = *m.resetPC
	}

	m.Space.ResetAll()

	for _, h := range m.Harts {
		h.Reset(resetPC)
	}

	m.state = StateCreated

	return nil
}

// Free releases the machine's RAM mapping and detaches every MMIO region. The machine must not be
// running.
func (m *Machine) Free() error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.state == StateRunning {
		return ErrAlreadyRunning
	}

	m.Space.RemoveAll()

	if err := m.Space.RAM().Close(); err != nil {
		return fmt.Errorf("machine: free ram: %w", err)
	}

	m.state = StateHalted

	return nil
}

// AttachMMIO attaches a device region; the machine must be paused or not yet started.
func (m *Machine) AttachMMIO(r *pmem.Region) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.state == StateRunning {
		return ErrNotPaused
	}

	return m.Space.AttachMMIO(r)
}

// RemoveMMIO detaches a device region; the machine must be paused or not yet started.
func (m *Machine) RemoveMMIO(addr uint64) (*pmem.Region, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.state == StateRunning {
		return nil, ErrNotPaused
	}

	return m.Space.RemoveMMIO(addr)
}

// ReadRAM/WriteRAM give a caller outside the guest (a debugger, a loader) direct access to
// physical memory without going through a hart's MMU.
func (m *Machine) ReadRAM(pa uint64, buf []byte) error {
	return m.Space.Read(pa, buf, pmem.AccessLoad)
}

func (m *Machine) WriteRAM(pa uint64, buf []byte) error {
	return m.Space.Write(pa, buf)
}

// GetDMAPtr returns a host-backed slice for direct access to a physical range, for a device doing
// DMA, per DirectPtr's single-region restriction.
func (m *Machine) GetDMAPtr(pa, length uint64) ([]byte, bool) {
	return m.Space.DirectPtr(pa, length)
}

// LoadBootrom/LoadKernel copy a flat image into physical memory at the given address; DTB
// loading additionally records the address for get_fdt_root/get_fdt_soc-style consumers.
func (m *Machine) LoadBootrom(pa uint64, image []byte) error { return m.Space.Write(pa, image) }
func (m *Machine) LoadKernel(pa uint64, image []byte) error  { return m.Space.Write(pa, image) }

func (m *Machine) LoadDTB(pa uint64, dtb []byte) error {
	m.mut.Lock()
	m.opts[OptDTBAddr] = pa
	m.mut.Unlock()

	return m.Space.Write(pa, dtb)
}

// DumpDTB reads back a previously loaded device tree blob of length bytes.
func (m *Machine) DumpDTB(length uint64) ([]byte, error) {
	m.mut.Lock()
	pa := m.opts[OptDTBAddr]
	m.mut.Unlock()

	buf := make([]byte, length)
	if err := m.Space.Read(pa, buf, pmem.AccessLoad); err != nil {
		return nil, err
	}

	return buf, nil
}

// SetCmdline/AppendCmdline manage the kernel command line string a bootloader-less boot path
// hands off through the DTB's chosen node.
func (m *Machine) SetCmdline(s string) { m.mut.Lock(); m.cmdline = s; m.mut.Unlock() }

func (m *Machine) AppendCmdline(s string) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.cmdline == "" {
		m.cmdline = s
		return
	}

	m.cmdline = m.cmdline + " " + s
}

func (m *Machine) Cmdline() string {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.cmdline
}

// GetOpt/SetOpt implement the enumerated option map from the external interface.
func (m *Machine) GetOpt(key Option) uint64 {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.opts[key]
}

func (m *Machine) SetOpt(key Option, value uint64) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if readOnlyOptions[key] {
		return ErrReadOnlyOption
	}

	m.opts[key] = value

	if key == OptResetPC {
		pc := value
		m.resetPC = &pc
	}

	return nil
}
