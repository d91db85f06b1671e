package pipeline

import (
	"sync"
	"sync/atomic"
)

// CPU models one processor in the system. All fields below the hardware
// mutex are owned by the flow currently holding it, except the spurious
// counter which may be read remotely.
type CPU struct {
	id  int
	sys *System

	// hard is the hardware interrupt-enable flag: held means masked.
	hard sync.Mutex

	// Guarded by hard.
	contexts  map[*Domain]*domainContext
	curr      *domainContext
	tickIRQ   int
	tickFrame Frame

	spurious atomic.Uint64
}

// domainContext is the per-CPU execution state of one domain: the stall flag
// and the log of interrupts raised while stalled. The pending log keeps FIFO
// order; the bitmap coalesces duplicates.
type domainContext struct {
	domain  *Domain
	stalled bool
	syncing bool
	pending []int
	pendmap []uint64
}

func (dc *domainContext) logPending(irq int) {
	word, bit := irq/64, uint64(1)<<(irq%64)
	if dc.pendmap[word]&bit != 0 {
		return
	}
	dc.pendmap[word] |= bit
	dc.pending = append(dc.pending, irq)
}

func (dc *domainContext) popPending() int {
	irq := dc.pending[0]
	dc.pending = dc.pending[1:]
	dc.pendmap[irq/64] &^= uint64(1) << (irq % 64)
	return irq
}

func newCPU(id int, sys *System) *CPU {
	return &CPU{
		id:       id,
		sys:      sys,
		contexts: make(map[*Domain]*domainContext),
		tickIRQ:  -1,
	}
}

// context returns the per-CPU state of domain d, creating it on first use.
// Caller holds the hardware mutex.
func (c *CPU) context(d *Domain) *domainContext {
	dc, ok := c.contexts[d]
	if !ok {
		dc = &domainContext{
			domain:  d,
			pendmap: make([]uint64, (c.sys.numIRQs+63)/64),
		}
		c.contexts[d] = dc
	}
	return dc
}

// enter begins an interrupt flow on this CPU: hardware interrupts are masked
// for the whole flow, exactly like a real interrupt entry.
func (c *CPU) enter() *Context {
	c.hard.Lock()
	return &Context{cpu: c, depth: 1}
}

func (c *CPU) leave(ctx *Context) {
	ctx.depth--
	c.hard.Unlock()
}

// Stall sets the virtual interrupt-disable flag of domain d on the local
// CPU. Stalling an already-stalled domain is a no-op.
func (ctx *Context) Stall(d *Domain) {
	st := ctx.HardSave()
	ctx.cpu.context(d).stalled = true
	ctx.HardRestore(st)
}

// TestAndStall stalls domain d and returns the previous stall state.
func (ctx *Context) TestAndStall(d *Domain) bool {
	st := ctx.HardSave()
	dc := ctx.cpu.context(d)
	prev := dc.stalled
	dc.stalled = true
	ctx.HardRestore(st)
	return prev
}

// Stalled reports the stall state of domain d on the local CPU.
func (ctx *Context) Stalled(d *Domain) bool {
	st := ctx.HardSave()
	stalled := ctx.cpu.context(d).stalled
	ctx.HardRestore(st)
	return stalled
}

// Unstall clears the stall flag of domain d on the local CPU and then
// synchronizes the pipeline: interrupts logged while the domain was stalled
// are delivered to its handlers, in arrival order, before Unstall returns.
func (ctx *Context) Unstall(d *Domain) {
	st := ctx.HardSave()
	dc := ctx.cpu.context(d)
	dc.stalled = false
	if len(dc.pending) > 0 {
		ctx.cpu.syncStage(ctx, dc)
	}
	ctx.HardRestore(st)
}

// RestoreStall sets the stall flag of domain d wholesale, without
// synchronizing the pending log. Used around notifier chains that must not
// recurse into dispatch; the caller takes responsibility for an eventual
// Sync at a safe point.
func (ctx *Context) RestoreStall(d *Domain, stalled bool) {
	st := ctx.HardSave()
	ctx.cpu.context(d).stalled = stalled
	ctx.HardRestore(st)
}

// Sync drains the pending log of domain d on the local CPU if the domain is
// currently unstalled. Used at return points (syscall tail, IRQ exit) to
// flush interrupts that were logged while the CPU executed in another
// domain.
func (ctx *Context) Sync(d *Domain) {
	st := ctx.HardSave()
	dc := ctx.cpu.context(d)
	if !dc.stalled && len(dc.pending) > 0 {
		ctx.cpu.syncStage(ctx, dc)
	}
	ctx.HardRestore(st)
}

// syncStage replays the pending log of dc in FIFO order. The domain is
// stalled around each handler invocation so that re-raised interrupts are
// logged and picked up by the same drain instead of recursing. Caller holds
// the hardware mutex.
func (c *CPU) syncStage(ctx *Context, dc *domainContext) {
	if dc.syncing {
		return
	}
	dc.syncing = true
	defer func() { dc.syncing = false }()

	for len(dc.pending) > 0 && !dc.stalled {
		irq := dc.popPending()
		slot := dc.domain.slot(irq)
		if slot == nil || slot.control&ControlHandle == 0 || slot.handler == nil {
			continue
		}
		dc.stalled = true
		c.runHandler(ctx, dc, irq, slot.handler)
		dc.stalled = false
	}
}

// runHandler invokes h with dc as the current domain of this CPU. Caller
// holds the hardware mutex.
func (c *CPU) runHandler(ctx *Context, dc *domainContext, irq int, h Handler) {
	prev := c.curr
	c.curr = dc
	h.HandleIRQ(irq, ctx)
	c.curr = prev
}

// InRoot reports whether the local CPU currently executes in the root
// domain.
func (ctx *Context) InRoot() bool {
	st := ctx.HardSave()
	curr := ctx.cpu.curr
	ctx.HardRestore(st)
	return curr == nil || curr.domain == ctx.cpu.sys.root
}

// CurrentDomain returns the domain the local CPU presently executes in; the
// root domain when no handler is active.
func (ctx *Context) CurrentDomain() *Domain {
	st := ctx.HardSave()
	curr := ctx.cpu.curr
	ctx.HardRestore(st)
	if curr == nil {
		return ctx.cpu.sys.root
	}
	return curr.domain
}

// SpuriousCount returns the number of unclaimed interrupts observed on the
// given CPU.
func (c *CPU) SpuriousCount() uint64 { return c.spurious.Load() }
