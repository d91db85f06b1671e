package pipeline

import (
	"fmt"
)

// Control is the per-IRQ control bitmask of a domain descriptor. It decides
// what the dispatcher does when an interrupt reaches the domain.
type Control uint32

const (
	// ControlHandle marks the IRQ as handled in this domain.
	ControlHandle Control = 1 << iota
	// ControlPass lets the IRQ continue to the next domain after this one.
	ControlPass
	// ControlSticky stops dispatch at this domain while it is stalled: the
	// IRQ is logged pending and never reaches lower-priority domains.
	ControlSticky
	// ControlNoAck suppresses the acknowledge callback for this IRQ.
	ControlNoAck
)

// Handler receives dispatched interrupts. Implementations run in interrupt
// context with hardware interrupts masked on the local CPU; they may raise
// further interrupts or manipulate stall flags through ctx but must not
// block.
type Handler interface {
	HandleIRQ(irq int, ctx *Context)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(irq int, ctx *Context)

func (f HandlerFunc) HandleIRQ(irq int, ctx *Context) { f(irq, ctx) }

// AckFunc re-arms the interrupt controller line after an IRQ is taken off
// the hardware.
type AckFunc func(irq int)

// EventVerdict is a domain's answer to a syscall or trap notification.
type EventVerdict int

const (
	// EventPropagate declines the event; it continues down the pipeline.
	EventPropagate EventVerdict = iota
	// EventHandled terminates the event in this domain.
	EventHandled
	// EventHandledTail terminates the event but requests tail work (signal
	// delivery and the like) before returning to user space.
	EventHandledTail
)

// EventSink is the optional notification capability of a domain: a first
// look at syscalls, traps and context switches before the root domain
// processes them.
type EventSink interface {
	// WatchedSyscall reports whether the domain wants to be notified about
	// the given syscall number. Unwatched numbers take the fast path
	// straight to the root domain.
	WatchedSyscall(nr uint64) bool
	// Syscall offers the syscall to the domain.
	Syscall(ctx *Context, nr uint64, fr *Frame) EventVerdict
	// Trap offers a trap event to the domain.
	Trap(ctx *Context, trap int, fr *Frame) EventVerdict
	// Switched notifies the domain of a context switch on the local CPU.
	Switched(ctx *Context)
}

// irqSlot is the per-IRQ descriptor within a domain.
type irqSlot struct {
	handler Handler
	ack     AckFunc
	control Control
}

// Domain is one interrupt-handling context in the pipeline: a real-time
// co-kernel, or the root domain standing in for the general-purpose kernel.
// Name and priority are fixed at creation; the per-IRQ descriptor table is
// mutated only under the critical rendezvous.
type Domain struct {
	name     string
	priority int
	sys      *System

	irqs   []irqSlot
	events EventSink

	registered bool
}

// Name returns the domain's identifier.
func (d *Domain) Name() string { return d.name }

// Priority returns the domain's pipeline rank; higher ranks see interrupts
// first. The root domain has rank 0.
func (d *Domain) Priority() int { return d.priority }

// Events returns the domain's notification sink, or nil.
func (d *Domain) Events() EventSink { return d.events }

// SetEventSink installs the domain's syscall/trap/switch notification sink.
// Must be called before the domain is registered.
func (d *Domain) SetEventSink(es EventSink) error {
	if d.registered {
		return fmt.Errorf("pipeline: domain %q: event sink must be set before registration", d.name)
	}
	d.events = es
	return nil
}

func (d *Domain) slot(irq int) *irqSlot {
	if irq < 0 || irq >= len(d.irqs) {
		return nil
	}
	return &d.irqs[irq]
}

// NewDomain creates an unregistered domain with the given name and pipeline
// rank. Rank must be positive; rank 0 belongs to the root domain.
func (s *System) NewDomain(name string, priority int) (*Domain, error) {
	if name == "" {
		return nil, fmt.Errorf("pipeline: domain name must not be empty")
	}
	if priority <= 0 {
		return nil, fmt.Errorf("pipeline: domain %q: priority must be positive, got %d", name, priority)
	}
	return s.newDomain(name, priority), nil
}

func (s *System) newDomain(name string, priority int) *Domain {
	d := &Domain{
		name:     name,
		priority: priority,
		sys:      s,
		irqs:     make([]irqSlot, s.numIRQs),
	}
	// Unrequested IRQs flow down the pipeline untouched.
	for i := range d.irqs {
		d.irqs[i].control = ControlPass
	}
	return d
}
