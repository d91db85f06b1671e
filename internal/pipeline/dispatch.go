package pipeline

import "fmt"

// Frame is the register snapshot accompanying an interrupt or syscall entry.
// The pipeline only interprets the fields below; everything else about the
// interrupted context stays with the embedder.
type Frame struct {
	// PC is the interrupted program counter.
	PC uint64
	// UserMode reports whether the CPU was in user mode when interrupted.
	UserMode bool
	// IRQsOff reports whether the interrupted context had interrupts
	// logically disabled.
	IRQsOff bool
}

type dispatchFlags uint32

const irqfNoAck dispatchFlags = 1 << 0

// InjectIRQ delivers a hardware interrupt to the given CPU and runs the
// pipeline dispatch in that CPU's interrupt context, with hardware
// interrupts masked for the whole flow. If the CPU currently has hardware
// interrupts masked the call blocks until they are restored, like a latched
// line. Must not be called from a handler running on the same CPU; handlers
// use Context.Raise instead.
func (s *System) InjectIRQ(cpuID, irq int, fr Frame) error {
	if cpuID < 0 || cpuID >= len(s.cpus) {
		return fmt.Errorf("%w: %d", ErrBadCPU, cpuID)
	}
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}

	cpu := s.cpus[cpuID]
	ctx := cpu.enter()
	defer cpu.leave(ctx)

	s.sink.IRQEntry(cpuID, irq)

	if irq == cpu.tickIRQ {
		// Regular interrupt delivery is deferred and batched, so only the
		// tick keeps a register snapshot: the timer handler charges CPU
		// time from it. A tick that lands while a co-kernel domain runs is
		// recorded with interrupts marked off, so the root accounting sees
		// the time as unavailable.
		cpu.tickFrame = fr
		if cpu.curr != nil && cpu.curr.domain != s.root {
			cpu.tickFrame.IRQsOff = true
		}
	}

	s.dispatch(ctx, irq, 0)

	s.sink.IRQExit(cpuID, irq)

	if hook := s.exitHook.Load(); hook != nil {
		(*hook)(ctx, fr)
	}
	return nil
}

// Raise pushes irq at the front of the pipeline from the local CPU, exactly
// as if it had been received from a hardware source, except that no
// acknowledge is performed. Also how purely virtual interrupts enter
// dispatch.
func (ctx *Context) Raise(irq int) error {
	s := ctx.cpu.sys
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}
	st := ctx.HardSave()
	s.dispatch(ctx, irq, irqfNoAck)
	ctx.HardRestore(st)
	return nil
}

// dispatch walks the pipeline from its head for irq. Caller holds the
// hardware mutex of ctx's CPU.
func (s *System) dispatch(ctx *Context, irq int, flags dispatchFlags) {
	cpu := ctx.cpu

	// Reserved service interrupts bypass domain stall state entirely; they
	// are the virtual NMIs the cross-CPU primitives ride on.
	switch irq {
	case s.vnmiIRQ:
		s.doVNMI(cpu)
		return
	case s.critIRQ:
		s.doCriticalSync(cpu)
		return
	}

	doms := *s.domains.Load()

	if flags&irqfNoAck == 0 {
		s.ackIRQ(doms, irq)
	}

	claimed := false
	for _, d := range doms {
		dc := cpu.context(d)
		slot := d.slot(irq)

		if dc.stalled {
			dc.logPending(irq)
			// A stalled domain only claims the line when its descriptor
			// will deliver it on unstall, or holds it as pending-only. A
			// bare pass-through slot logs nothing the drain can use, so it
			// must not shadow spurious accounting.
			if slot.control&ControlHandle != 0 || slot.control&(ControlHandle|ControlPass) == 0 {
				claimed = true
			}
			if slot.control&ControlSticky != 0 {
				return
			}
			continue
		}

		if slot.control&ControlHandle != 0 {
			cpu.runHandler(ctx, dc, irq, slot.handler)
			if slot.control&ControlPass != 0 {
				claimed = true
				continue
			}
			return
		}

		if slot.control&ControlPass != 0 {
			continue
		}

		// Neither handled nor passed: log it pending and hold it here.
		// The domain sees it once it explicitly synchronizes.
		dc.logPending(irq)
		return
	}

	if claimed {
		return
	}

	// Fell through the whole pipeline unclaimed.
	cpu.spurious.Add(1)
	s.sink.SpuriousIRQ(cpu.id, irq)
}

// ackIRQ re-arms the controller line exactly once per raised IRQ, using the
// descriptor of the first domain that handles it. The acknowledge happens at
// pipeline entry so it is performed even when a stalled domain short-
// circuits dispatch with a sticky descriptor.
func (s *System) ackIRQ(doms []*Domain, irq int) {
	for _, d := range doms {
		slot := d.slot(irq)
		if slot.control&ControlHandle == 0 {
			continue
		}
		if slot.control&ControlNoAck == 0 && slot.ack != nil {
			slot.ack(irq)
		}
		return
	}
	// No domain claims the line; acknowledge through the chip so it does
	// not stay stuck even for an interrupt about to be reported spurious.
	if s.chip != nil {
		s.chip.Ack(irq)
	}
}
