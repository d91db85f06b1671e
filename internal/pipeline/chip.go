package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
)

// IRQChip is the hardware interrupt controller contract. The pipeline calls
// these primitives to re-arm and gate lines but never implements them; they
// belong to the platform driver.
type IRQChip interface {
	Ack(irq int)
	Mask(irq int)
	Unmask(irq int)
}

// AffinitySetter is the optional affinity capability of an IRQChip.
type AffinitySetter interface {
	SetAffinity(irq int, mask CPUMask) error
}

// Muter intercepts per-domain line enabling, for controllers that gate lines
// per pipeline stage rather than globally.
type Muter interface {
	EnableIRQDesc(d *Domain, irq int)
	DisableIRQDesc(d *Domain, irq int)
}

// DeclareIRQ marks an IRQ number as backed by a real line descriptor.
// Undeclared numbers exist in the sparse IRQ space: requesting them is legal
// (purely virtual interrupts) but enabling or disabling them never touches
// hardware state. Declaration happens during bring-up, before dispatch
// starts.
func (s *System) DeclareIRQ(irq int) error {
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}
	s.declared[irq] = true
	return nil
}

func (s *System) enableIRQDesc(d *Domain, irq int) {
	// Sparse IRQ space: numbers without a descriptor are a no-op here, not
	// an error.
	if !s.declared[irq] {
		return
	}
	if s.muter != nil {
		s.muter.EnableIRQDesc(d, irq)
		return
	}
	if s.chip != nil {
		s.chip.Unmask(irq)
	}
}

func (s *System) disableIRQDesc(d *Domain, irq int) {
	if !s.declared[irq] {
		return
	}
	if s.muter != nil {
		s.muter.DisableIRQDesc(d, irq)
		return
	}
	if s.chip != nil {
		s.chip.Mask(irq)
	}
}

// SetIRQAffinity routes a line to the CPUs in mask. Configuration problems
// are warned about and reported to the caller immediately, never retried.
func (s *System) SetIRQAffinity(irq int, mask CPUMask) error {
	if irq < 0 || irq >= s.numIRQs {
		return fmt.Errorf("%w: %d", ErrBadIRQ, irq)
	}
	setter, ok := s.chip.(AffinitySetter)
	if !ok {
		slog.Warn("pipeline: irq chip does not support affinity", "irq", irq)
		return ErrAffinityUnsupport
	}
	mask = mask.And(s.online)
	if mask.Empty() {
		slog.Warn("pipeline: affinity mask empty after online intersection", "irq", irq)
		return ErrAffinityEmpty
	}
	return setter.SetAffinity(irq, mask)
}

// LineInterrupt models an interrupt line that supports level and edge
// semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// LineSet is a software interrupt controller: it manages line state and
// feeds assertions into the pipeline of the system it is bound to. It
// implements IRQChip and AffinitySetter, so it can serve as the system's
// chip directly.
type LineSet struct {
	mu sync.Mutex

	sys *System

	lines map[int]*lineState
}

type lineState struct {
	level   bool
	masked  bool
	latched bool
	target  int
}

// NewLineSet builds an unbound LineSet; Bind wires it to a system.
func NewLineSet() *LineSet {
	return &LineSet{lines: make(map[int]*lineState)}
}

// Bind attaches the LineSet to a pipeline system. Lines allocated afterwards
// are declared in the system's IRQ space.
func (l *LineSet) Bind(sys *System) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sys = sys
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line and
// declares the line with the bound system.
func (l *LineSet) AllocateLine(irq int) (LineInterrupt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sys == nil {
		return nil, fmt.Errorf("pipeline: lineset is not bound to a system")
	}
	if err := l.sys.DeclareIRQ(irq); err != nil {
		return nil, err
	}
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}, nil
}

type lineHandle struct {
	owner *LineSet
	irq   int
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.irq, true)
	h.owner.setLevel(h.irq, false)
}

func (l *LineSet) setLevel(irq int, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	rising := high && !state.level
	state.level = high

	deliver := false
	target := state.target
	if rising {
		if state.masked {
			state.latched = true
		} else {
			deliver = true
		}
	}
	sys := l.sys
	l.mu.Unlock()

	if deliver && sys != nil {
		if err := sys.InjectIRQ(target, irq, Frame{}); err != nil {
			slog.Warn("pipeline: line assertion dropped", "irq", irq, "error", err)
		}
	}
}

// Ack implements IRQChip. Line delivery is edge-based here, so nothing needs
// re-arming.
func (l *LineSet) Ack(irq int) {}

// Mask implements IRQChip: assertions arriving while masked are latched and
// delivered on unmask.
func (l *LineSet) Mask(irq int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		state.masked = true
	}
}

// Unmask implements IRQChip.
func (l *LineSet) Unmask(irq int) {
	l.mu.Lock()
	state := l.lines[irq]
	deliver := false
	target := 0
	if state != nil {
		state.masked = false
		if state.latched {
			state.latched = false
			deliver = true
			target = state.target
		}
	}
	sys := l.sys
	l.mu.Unlock()

	if deliver && sys != nil {
		if err := sys.InjectIRQ(target, irq, Frame{}); err != nil {
			slog.Warn("pipeline: latched assertion dropped", "irq", irq, "error", err)
		}
	}
}

// SetAffinity implements AffinitySetter: the line is routed to the lowest
// CPU of the mask.
func (l *LineSet) SetAffinity(irq int, mask CPUMask) error {
	cpus := mask.CPUs()
	if len(cpus) == 0 {
		return ErrAffinityEmpty
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	if state == nil {
		return fmt.Errorf("pipeline: no line allocated for irq %d", irq)
	}
	state.target = cpus[0]
	return nil
}
