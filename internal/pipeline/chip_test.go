package pipeline

import (
	"errors"
	"testing"
)

type fakeChip struct {
	acks    []int
	masks   []int
	unmasks []int
}

func (c *fakeChip) Ack(irq int)    { c.acks = append(c.acks, irq) }
func (c *fakeChip) Mask(irq int)   { c.masks = append(c.masks, irq) }
func (c *fakeChip) Unmask(irq int) { c.unmasks = append(c.unmasks, irq) }

type fakeAffinityChip struct {
	fakeChip
	affinity map[int]CPUMask
}

func (c *fakeAffinityChip) SetAffinity(irq int, mask CPUMask) error {
	if c.affinity == nil {
		c.affinity = make(map[int]CPUMask)
	}
	c.affinity[irq] = mask
	return nil
}

func TestAffinityUnsupportedChip(t *testing.T) {
	sys, err := New(Config{CPUs: 2, IRQs: 32, Chip: &fakeChip{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sys.SetIRQAffinity(3, MaskOf(0, 1)); !errors.Is(err, ErrAffinityUnsupport) {
		t.Fatalf("expected ErrAffinityUnsupport, got %v", err)
	}
}

func TestAffinityEmptyAfterOnlineIntersection(t *testing.T) {
	sys, err := New(Config{CPUs: 2, IRQs: 32, Chip: &fakeAffinityChip{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// CPUs 4 and 5 are not online on a 2-CPU system.
	if err := sys.SetIRQAffinity(3, MaskOf(4, 5)); !errors.Is(err, ErrAffinityEmpty) {
		t.Fatalf("expected ErrAffinityEmpty, got %v", err)
	}
}

func TestAffinityIntersectsOnline(t *testing.T) {
	chip := &fakeAffinityChip{}
	sys, err := New(Config{CPUs: 2, IRQs: 32, Chip: chip})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sys.SetIRQAffinity(3, MaskOf(1, 4)); err != nil {
		t.Fatalf("SetIRQAffinity: %v", err)
	}
	if got := chip.affinity[3]; got != MaskOf(1) {
		t.Fatalf("expected affinity clipped to online cpus, got %b", got)
	}
}

func TestSparseIRQEnableIsNoop(t *testing.T) {
	chip := &fakeChip{}
	sys, err := New(Config{CPUs: 1, IRQs: 32, Chip: chip})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d, err := sys.NewDomain("rt", 1)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	sys.Execute(0, func(ctx *Context) {
		if err := sys.RegisterDomain(ctx, d); err != nil {
			t.Fatalf("RegisterDomain: %v", err)
		}
		// IRQ 9 has no declared line: requesting it is legal (virtual irq)
		// but must not touch the chip.
		if err := sys.RequestIRQ(ctx, d, 9, HandlerFunc(func(int, *Context) {}), nil, ControlHandle); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})
	if len(chip.unmasks) != 0 {
		t.Fatalf("undeclared irq touched the chip: %v", chip.unmasks)
	}

	if err := sys.DeclareIRQ(9); err != nil {
		t.Fatalf("DeclareIRQ: %v", err)
	}
	sys.Execute(0, func(ctx *Context) {
		if err := sys.RequestIRQ(ctx, d, 9, HandlerFunc(func(int, *Context) {}), nil, ControlHandle); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})
	if len(chip.unmasks) != 1 || chip.unmasks[0] != 9 {
		t.Fatalf("declared irq must unmask through the chip, got %v", chip.unmasks)
	}
}

type recordingMuter struct {
	enabled  []int
	disabled []int
}

func (m *recordingMuter) EnableIRQDesc(d *Domain, irq int)  { m.enabled = append(m.enabled, irq) }
func (m *recordingMuter) DisableIRQDesc(d *Domain, irq int) { m.disabled = append(m.disabled, irq) }

func TestMuterOverridesChip(t *testing.T) {
	chip := &fakeChip{}
	muter := &recordingMuter{}
	sys, err := New(Config{CPUs: 1, IRQs: 32, Chip: chip, Muter: muter})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sys.DeclareIRQ(4); err != nil {
		t.Fatalf("DeclareIRQ: %v", err)
	}
	sys.Execute(0, func(ctx *Context) {
		if err := sys.RequestIRQ(ctx, sys.Root(), 4, HandlerFunc(func(int, *Context) {}), nil, ControlHandle); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
		if err := sys.FreeIRQ(ctx, sys.Root(), 4); err != nil {
			t.Fatalf("FreeIRQ: %v", err)
		}
	})
	if len(muter.enabled) != 1 || len(muter.disabled) != 1 {
		t.Fatalf("muter hooks not invoked: %v/%v", muter.enabled, muter.disabled)
	}
	if len(chip.unmasks) != 0 || len(chip.masks) != 0 {
		t.Fatalf("chip must not be touched when a muter is registered")
	}
}

func TestLineSetPulseDelivers(t *testing.T) {
	ls := NewLineSet()
	sys, err := New(Config{CPUs: 2, IRQs: 32, Chip: ls})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ls.Bind(sys)

	line, err := ls.AllocateLine(5)
	if err != nil {
		t.Fatalf("AllocateLine: %v", err)
	}

	rec := &recordingHandler{}
	sys.Execute(0, func(ctx *Context) {
		if err := sys.RequestIRQ(ctx, sys.Root(), 5, rec, ls.Ack, ControlHandle); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})

	line.PulseInterrupt()
	if len(rec.irqs) != 1 || rec.irqs[0] != 5 {
		t.Fatalf("expected one delivery from pulse, got %v", rec.irqs)
	}

	// Level stays high: no second rising edge, no second delivery.
	line.SetLevel(true)
	line.SetLevel(true)
	if len(rec.irqs) != 2 {
		t.Fatalf("expected one delivery per rising edge, got %v", rec.irqs)
	}
	line.SetLevel(false)
}

func TestLineSetMaskLatches(t *testing.T) {
	ls := NewLineSet()
	sys, err := New(Config{CPUs: 1, IRQs: 32, Chip: ls})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ls.Bind(sys)

	line, err := ls.AllocateLine(6)
	if err != nil {
		t.Fatalf("AllocateLine: %v", err)
	}

	rec := &recordingHandler{}
	sys.Execute(0, func(ctx *Context) {
		if err := sys.RequestIRQ(ctx, sys.Root(), 6, rec, nil, ControlHandle|ControlNoAck); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})

	ls.Mask(6)
	line.PulseInterrupt()
	if len(rec.irqs) != 0 {
		t.Fatalf("masked line must latch, got %v", rec.irqs)
	}
	ls.Unmask(6)
	if len(rec.irqs) != 1 {
		t.Fatalf("expected latched assertion on unmask, got %v", rec.irqs)
	}
}

func TestLineSetAffinityRoutes(t *testing.T) {
	ls := NewLineSet()
	sys, err := New(Config{CPUs: 2, IRQs: 32, Chip: ls})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ls.Bind(sys)

	line, err := ls.AllocateLine(7)
	if err != nil {
		t.Fatalf("AllocateLine: %v", err)
	}

	var cpus []int
	sys.Execute(0, func(ctx *Context) {
		if err := sys.RequestIRQ(ctx, sys.Root(), 7, HandlerFunc(func(irq int, hctx *Context) {
			cpus = append(cpus, hctx.CPU())
		}), nil, ControlHandle|ControlNoAck); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})

	if err := sys.SetIRQAffinity(7, MaskOf(1)); err != nil {
		t.Fatalf("SetIRQAffinity: %v", err)
	}
	line.PulseInterrupt()
	if len(cpus) != 1 || cpus[0] != 1 {
		t.Fatalf("expected delivery on cpu 1, got %v", cpus)
	}
}
