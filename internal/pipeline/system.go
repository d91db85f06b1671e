package pipeline

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

const (
	// RootName is the name of the built-in root domain.
	RootName = "root"

	// MaxCPUs bounds the CPU mask representation.
	MaxCPUs = 64
)

var (
	ErrBadCPU            = errors.New("pipeline: cpu index out of range")
	ErrBadIRQ            = errors.New("pipeline: irq out of range")
	ErrDomainRegistered  = errors.New("pipeline: domain already registered")
	ErrDomainUnknown     = errors.New("pipeline: domain not registered")
	ErrAffinityUnsupport = errors.New("pipeline: irq chip does not support affinity")
	ErrAffinityEmpty     = errors.New("pipeline: affinity mask empty after online intersection")
)

// Config describes a pipeline system.
type Config struct {
	// CPUs is the number of model CPUs; defaults to 1.
	CPUs int
	// IRQs is the size of the IRQ number space; defaults to 64.
	IRQs int
	// Chip is the hardware interrupt controller contract, optional.
	Chip IRQChip
	// Muter overrides per-domain line enabling, optional.
	Muter Muter
	// Sink receives diagnostic events, optional.
	Sink Sink
	// Relax is called inside bounded spin-waits; defaults to
	// runtime.Gosched. Overridable so tests can substitute a bounded
	// waiter without touching callers.
	Relax func()
}

// System is an interrupt pipeline: an ordered set of domains dispatching
// over a set of model CPUs. Create one with New; the root domain exists from
// the start and is always last in dispatch order.
type System struct {
	cpus    []*CPU
	numIRQs int
	online  CPUMask

	chip  IRQChip
	muter Muter
	sink  Sink
	relax func()

	root    *Domain
	domains atomic.Pointer[[]*Domain]

	declared []bool

	// Reserved service IRQ numbers, just above the public IRQ space.
	vnmiIRQ int
	critIRQ int

	vnmi vnmiSlot
	crit critSlot

	exitHook atomic.Pointer[func(*Context, Frame)]
}

// New builds a pipeline system. The returned system is ready for dispatch;
// co-kernel domains register on top of the root domain afterwards.
func New(cfg Config) (*System, error) {
	if cfg.CPUs == 0 {
		cfg.CPUs = 1
	}
	if cfg.CPUs < 0 || cfg.CPUs > MaxCPUs {
		return nil, fmt.Errorf("pipeline: cpu count %d out of range [1, %d]", cfg.CPUs, MaxCPUs)
	}
	if cfg.IRQs == 0 {
		cfg.IRQs = 64
	}
	if cfg.IRQs < 0 {
		return nil, fmt.Errorf("pipeline: irq space size %d out of range", cfg.IRQs)
	}
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	if cfg.Relax == nil {
		cfg.Relax = runtime.Gosched
	}

	s := &System{
		numIRQs:  cfg.IRQs,
		chip:     cfg.Chip,
		muter:    cfg.Muter,
		sink:     cfg.Sink,
		relax:    cfg.Relax,
		declared: make([]bool, cfg.IRQs),
		vnmiIRQ:  cfg.IRQs,
		critIRQ:  cfg.IRQs + 1,
	}
	for i := 0; i < cfg.CPUs; i++ {
		s.cpus = append(s.cpus, newCPU(i, s))
		s.online = s.online.Set(i)
	}
	s.root = s.newDomain(RootName, 0)
	s.root.registered = true
	doms := []*Domain{s.root}
	s.domains.Store(&doms)
	return s, nil
}

// Root returns the built-in root domain.
func (s *System) Root() *Domain { return s.root }

// NumCPUs returns the number of model CPUs.
func (s *System) NumCPUs() int { return len(s.cpus) }

// NumIRQs returns the size of the IRQ number space.
func (s *System) NumIRQs() int { return s.numIRQs }

// OnlineMask returns the mask of online CPUs.
func (s *System) OnlineMask() CPUMask { return s.online }

// Domains returns the current pipeline in dispatch order, highest priority
// first, root last. The returned slice must not be mutated.
func (s *System) Domains() []*Domain { return *s.domains.Load() }

// CPU returns the model CPU with the given index.
func (s *System) CPU(id int) (*CPU, error) {
	if id < 0 || id >= len(s.cpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, id)
	}
	return s.cpus[id], nil
}

// SysInfo is a snapshot of fixed system parameters.
type SysInfo struct {
	CPUs     int
	IRQs     int
	TimerIRQ int
}

// Info reports the system parameters; TimerIRQ is the tick source of CPU 0,
// or -1 when none is registered.
func (s *System) Info() SysInfo {
	boot := s.cpus[0]
	boot.hard.Lock()
	tick := boot.tickIRQ
	boot.hard.Unlock()
	return SysInfo{
		CPUs:     len(s.cpus),
		IRQs:     s.numIRQs,
		TimerIRQ: tick,
	}
}

// Execute runs fn as kernel code on the given CPU, with hardware interrupts
// enabled on entry. The Context passed to fn is only valid for the duration
// of the call.
func (s *System) Execute(cpuID int, fn func(*Context)) error {
	if cpuID < 0 || cpuID >= len(s.cpus) {
		return fmt.Errorf("%w: %d", ErrBadCPU, cpuID)
	}
	ctx := &Context{cpu: s.cpus[cpuID]}
	fn(ctx)
	if ctx.depth != 0 {
		return fmt.Errorf("pipeline: cpu %d: unbalanced hardware mask save/restore", cpuID)
	}
	return nil
}

// SetIRQExitHook installs a callback invoked at the tail of every hardware
// interrupt flow, before interrupts are unmasked. The gateway uses it to
// deliver deferred mayday traps at the return-to-user boundary. Safe to
// call while dispatch is running; in-flight interrupts may still see the
// previous hook.
func (s *System) SetIRQExitHook(hook func(*Context, Frame)) { s.exitHook.Store(&hook) }

// RegisterDomain inserts d into the pipeline at its priority rank. The
// insertion happens under the critical rendezvous so no CPU observes a
// half-built pipeline.
func (s *System) RegisterDomain(ctx *Context, d *Domain) error {
	if d.sys != s {
		return fmt.Errorf("pipeline: domain %q belongs to another system", d.name)
	}
	if d.registered {
		return fmt.Errorf("%w: %q", ErrDomainRegistered, d.name)
	}

	cs := s.CriticalEnter(ctx, nil)
	old := *s.domains.Load()
	doms := make([]*Domain, 0, len(old)+1)
	inserted := false
	for _, cur := range old {
		if !inserted && d.priority > cur.priority {
			doms = append(doms, d)
			inserted = true
		}
		doms = append(doms, cur)
	}
	if !inserted {
		// Cannot happen while root (priority 0) is present, but keep the
		// pipeline well-formed regardless.
		doms = append(doms, d)
	}
	d.registered = true
	s.domains.Store(&doms)
	s.CriticalExit(ctx, cs)
	return nil
}

// UnregisterDomain removes d from the pipeline under the critical
// rendezvous. Pending interrupts logged for d are discarded. The root domain
// cannot be unregistered.
func (s *System) UnregisterDomain(ctx *Context, d *Domain) error {
	if d == s.root {
		return fmt.Errorf("pipeline: cannot unregister the root domain")
	}
	if !d.registered {
		return fmt.Errorf("%w: %q", ErrDomainUnknown, d.name)
	}

	cs := s.CriticalEnter(ctx, nil)
	old := *s.domains.Load()
	doms := make([]*Domain, 0, len(old))
	for _, cur := range old {
		if cur != d {
			doms = append(doms, cur)
		}
	}
	d.registered = false
	s.domains.Store(&doms)
	s.CriticalExit(ctx, cs)
	return nil
}

// RequestIRQ installs a handler for irq in domain d. The descriptor update
// runs under the critical rendezvous; the line is then enabled for the
// domain unless the IRQ number is undeclared (sparse IRQ space).
func (s *System) RequestIRQ(ctx *Context, d *Domain, irq int, h Handler, ack AckFunc, ctl Control) error {
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}
	if ctl&ControlHandle != 0 && h == nil {
		return fmt.Errorf("pipeline: irq %d: handle control requires a handler", irq)
	}

	cs := s.CriticalEnter(ctx, nil)
	d.irqs[irq] = irqSlot{handler: h, ack: ack, control: ctl}
	s.CriticalExit(ctx, cs)

	s.enableIRQDesc(d, irq)
	return nil
}

// FreeIRQ releases the descriptor of irq in domain d, restoring the default
// pass-through control.
func (s *System) FreeIRQ(ctx *Context, d *Domain, irq int) error {
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}

	cs := s.CriticalEnter(ctx, nil)
	d.irqs[irq] = irqSlot{control: ControlPass}
	s.CriticalExit(ctx, cs)

	s.disableIRQDesc(d, irq)
	return nil
}

// RootDelegate is the root domain's interrupt entry: the hook through which
// the general-purpose kernel receives interrupts that fell through the
// pipeline to it. The frame is the register snapshot of the last tick on the
// CPU, since regular interrupt delivery is deferred and batched.
type RootDelegate func(irq int, ctx *Context, fr Frame)

// VirtualizeRootIRQs requests every IRQ in the public space for the root
// domain, handing delivery to delegate and acknowledging through the chip.
// Mirrors bringing up the pipeline on the boot CPU.
func (s *System) VirtualizeRootIRQs(ctx *Context, delegate RootDelegate) error {
	if delegate == nil {
		return fmt.Errorf("pipeline: nil root delegate")
	}

	var ack AckFunc
	if s.chip != nil {
		ack = s.chip.Ack
	}
	h := HandlerFunc(func(irq int, hctx *Context) {
		delegate(irq, hctx, hctx.cpu.tickFrame)
	})

	cs := s.CriticalEnter(ctx, nil)
	for irq := 0; irq < s.numIRQs; irq++ {
		s.root.irqs[irq] = irqSlot{handler: h, ack: ack, control: ControlHandle}
	}
	s.CriticalExit(ctx, cs)

	for irq := 0; irq < s.numIRQs; irq++ {
		s.enableIRQDesc(s.root, irq)
	}
	return nil
}

// SetTimerIRQ registers irq as the tick source of the given CPU. Tick
// interrupts get their register frame snapshotted for time accounting.
func (s *System) SetTimerIRQ(cpuID, irq int) error {
	if cpuID < 0 || cpuID >= len(s.cpus) {
		return fmt.Errorf("%w: %d", ErrBadCPU, cpuID)
	}
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}
	cpu := s.cpus[cpuID]
	cpu.hard.Lock()
	cpu.tickIRQ = irq
	cpu.hard.Unlock()
	return nil
}
