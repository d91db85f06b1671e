package pipeline

import (
	"sync"
	"sync/atomic"
)

// CPUMask is a set of CPU indices, one bit per CPU.
type CPUMask uint64

// MaskOf builds a mask from the given CPU indices.
func MaskOf(cpus ...int) CPUMask {
	var m CPUMask
	for _, id := range cpus {
		m = m.Set(id)
	}
	return m
}

func (m CPUMask) Set(cpu int) CPUMask   { return m | 1<<uint(cpu) }
func (m CPUMask) Clear(cpu int) CPUMask { return m &^ (1 << uint(cpu)) }
func (m CPUMask) Has(cpu int) bool      { return m&(1<<uint(cpu)) != 0 }
func (m CPUMask) And(o CPUMask) CPUMask { return m & o }
func (m CPUMask) Empty() bool           { return m == 0 }

// CPUs returns the indices present in the mask, ascending.
func (m CPUMask) CPUs() []int {
	var out []int
	for id := 0; id < MaxCPUs; id++ {
		if m.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// vnmiSlot holds the at-most-one in-flight broadcast descriptor. The
// broadcast lock serializes senders; the data lock lets targets read the
// descriptor while the sender publishes and withdraws it.
type vnmiSlot struct {
	lock     sync.Mutex
	dataLock sync.RWMutex
	data     *vnmiData
}

// vnmiData is stack-owned by the sender of a broadcast; targets reach it
// only through the published slot reference, which is withdrawn before
// SendVNMI returns.
type vnmiData struct {
	fn   func(cpu int)
	mask atomic.Uint64
}

// SendVNMI runs fn synchronously on every CPU in mask except the caller's,
// in each target's interrupt context, and returns once all targets have run
// it. Usable with hardware interrupts masked on the caller: while waiting
// for the broadcast lock the caller services broadcasts targeting itself, so
// two CPUs sending to each other cannot deadlock. At most one broadcast is
// in flight at any time.
func (s *System) SendVNMI(ctx *Context, mask CPUMask, fn func(cpu int)) {
	for !s.vnmi.lock.TryLock() {
		if ctx.HardDisabled() {
			s.doVNMI(ctx.cpu)
		}
		s.relax()
	}

	mask = mask.And(s.online).Clear(ctx.cpu.id)
	if mask.Empty() {
		s.vnmi.lock.Unlock()
		return
	}

	data := &vnmiData{fn: fn}
	data.mask.Store(uint64(mask))

	s.vnmi.dataLock.Lock()
	s.vnmi.data = data
	s.vnmi.dataLock.Unlock()

	for _, id := range mask.CPUs() {
		go s.injectService(id, s.vnmiIRQ)
	}
	for data.mask.Load() != 0 {
		s.relax()
	}

	s.vnmi.dataLock.Lock()
	s.vnmi.data = nil
	s.vnmi.dataLock.Unlock()

	s.vnmi.lock.Unlock()
}

// doVNMI services a pending broadcast on the given CPU. Runs in the CPU's
// interrupt context, or on the CPU's own flow when it self-services while
// spinning for the broadcast lock; either way the CPU's hardware mutex is
// held, so at most one invocation per CPU runs at a time.
func (s *System) doVNMI(cpu *CPU) {
	s.vnmi.dataLock.RLock()
	defer s.vnmi.dataLock.RUnlock()

	data := s.vnmi.data
	if data == nil || !CPUMask(data.mask.Load()).Has(cpu.id) {
		return
	}
	data.fn(cpu.id)
	for {
		cur := data.mask.Load()
		if data.mask.CompareAndSwap(cur, cur&^(1<<uint(cpu.id))) {
			return
		}
	}
}

// injectService delivers a reserved service interrupt to a CPU, entering its
// interrupt context like any hardware interrupt would.
func (s *System) injectService(cpuID, irq int) {
	cpu := s.cpus[cpuID]
	ctx := cpu.enter()
	defer cpu.leave(ctx)

	s.sink.IRQEntry(cpuID, irq)
	s.dispatch(ctx, irq, irqfNoAck)
	s.sink.IRQExit(cpuID, irq)
}

type critSlot struct {
	lock sync.Mutex
	r    atomic.Pointer[rendezvous]
}

type rendezvous struct {
	pending  atomic.Uint64
	released atomic.Bool
	syncFn   func(cpu int)
}

// CriticalState carries the hardware mask token and rendezvous handle
// between CriticalEnter and CriticalExit.
type CriticalState struct {
	st     IRQState
	locked bool
	r      *rendezvous
}

// CriticalEnter stops every other online CPU at a barrier and returns once
// all of them are parked with hardware interrupts masked, leaving the caller
// alone to perform a cross-CPU-unsafe mutation. If syncFn is non-nil each
// parked CPU runs it once before spinning. On a single-CPU system this
// degenerates to masking hardware interrupts locally. There is no timeout:
// a CPU that never reaches the barrier hangs the system, by design.
func (s *System) CriticalEnter(ctx *Context, syncFn func(cpu int)) CriticalState {
	st := ctx.HardSave()
	if len(s.cpus) == 1 {
		return CriticalState{st: st}
	}

	// While contending for the critical lock, answer any rendezvous another
	// CPU is initiating, or both initiators would spin forever.
	for !s.crit.lock.TryLock() {
		s.doCriticalSync(ctx.cpu)
		s.relax()
	}

	r := &rendezvous{syncFn: syncFn}
	targets := s.online.Clear(ctx.cpu.id)
	r.pending.Store(uint64(targets))
	s.crit.r.Store(r)

	for _, id := range targets.CPUs() {
		go s.injectService(id, s.critIRQ)
	}
	for r.pending.Load() != 0 {
		s.relax()
	}
	return CriticalState{st: st, locked: true, r: r}
}

// CriticalExit releases the CPUs parked by the matching CriticalEnter and
// restores the caller's hardware mask state.
func (s *System) CriticalExit(ctx *Context, cs CriticalState) {
	if cs.locked {
		s.crit.r.Store(nil)
		cs.r.released.Store(true)
		s.crit.lock.Unlock()
	}
	ctx.HardRestore(cs.st)
}

// doCriticalSync parks the given CPU at the rendezvous barrier until the
// initiator releases it. No-op when the CPU is not a target, so late service
// interrupts from an already-finished rendezvous fall through harmlessly.
func (s *System) doCriticalSync(cpu *CPU) {
	r := s.crit.r.Load()
	if r == nil {
		return
	}
	bit := uint64(1) << uint(cpu.id)
	if r.pending.Load()&bit == 0 {
		return
	}
	// The CPU's hardware mutex keeps this single-flow per CPU, so running
	// the sync fn before acknowledging cannot double-run it. The initiator
	// must not observe the ack until the fn has completed.
	if r.syncFn != nil {
		r.syncFn(cpu.id)
	}
	for {
		cur := r.pending.Load()
		if r.pending.CompareAndSwap(cur, cur&^bit) {
			break
		}
	}
	for !r.released.Load() {
		s.relax()
	}
}
