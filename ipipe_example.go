//go:build ignore

// This file demonstrates every public API in the ipipe package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"fmt"
	"os"

	ipipe "github.com/francescodiotalevi/ipipe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// LineSet - in-memory interrupt controller
	// =========================================================================
	lines := ipipe.NewLineSet()

	// =========================================================================
	// New - pipeline with two CPUs driven by the line set
	// =========================================================================
	sys, err := ipipe.New(ipipe.Config{
		CPUs: 2,
		IRQs: 32,
		Chip: lines,
	})
	if err != nil {
		return fmt.Errorf("new system: %w", err)
	}
	lines.Bind(sys)

	timer, err := lines.AllocateLine(4)
	if err != nil {
		return fmt.Errorf("allocate timer line: %w", err)
	}
	if err := sys.SetTimerIRQ(0, 4); err != nil {
		return fmt.Errorf("set timer irq: %w", err)
	}

	// =========================================================================
	// Domain registration and IRQ descriptors
	// =========================================================================
	err = sys.Execute(0, func(ctx *ipipe.Context) {
		rt, err := sys.NewDomain("rt", 100)
		if err != nil {
			panic(err)
		}
		if err := sys.RegisterDomain(ctx, rt); err != nil {
			panic(err)
		}

		// Descriptor controls: handle in rt and pass down to root.
		handler := ipipe.HandlerFunc(func(irq int, ctx *ipipe.Context) {
			fmt.Printf("rt got irq %d on cpu %d\n", irq, ctx.CPU())
		})
		if err := sys.RequestIRQ(ctx, rt, 4, handler, nil, ipipe.ControlHandle|ipipe.ControlPass); err != nil {
			panic(err)
		}

		// Root receives everything that falls through.
		if err := sys.VirtualizeRootIRQs(ctx, func(irq int, ctx *ipipe.Context, fr ipipe.Frame) {
			fmt.Printf("root got irq %d\n", irq)
		}); err != nil {
			panic(err)
		}

		// Stall flag operations on the root domain.
		root := sys.Root()
		ctx.Stall(root)
		if !ctx.Stalled(root) {
			panic("root should be stalled")
		}
		ctx.Unstall(root) // drains pending interrupts

		// Hard masking brackets.
		st := ctx.HardSave()
		_ = ctx.HardDisabled()
		ctx.HardRestore(st)

		// vNMI to every online CPU.
		sys.SendVNMI(ctx, sys.OnlineMask(), func(cpu int) {
			fmt.Printf("vnmi on cpu %d\n", cpu)
		})

		// Critical rendezvous: all other CPUs are parked while held.
		cs := sys.CriticalEnter(ctx, nil)
		sys.CriticalExit(ctx, cs)

		// Raising from interrupt-off context defers to the pending log.
		_ = ctx.Raise(4)
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	// Hardware-edge injection through the line set.
	timer.PulseInterrupt()

	// =========================================================================
	// Gateway - syscalls, traps, mayday
	// =========================================================================
	gw := ipipe.NewGateway(sys)
	task := ipipe.NewTask("init")

	err = sys.Execute(0, func(ctx *ipipe.Context) {
		gw.SwitchTo(ctx, task)

		action, err := gw.EnterSyscall(ctx, 1, &ipipe.Frame{UserMode: true})
		if err != nil {
			panic(err)
		}
		_ = action == ipipe.ActionPropagate

		task.RaiseMayday()
		_ = gw.NotifyTrap(ctx, ipipe.TrapMayday, &ipipe.Frame{})
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// =========================================================================
	// Declarative descriptions
	// =========================================================================
	desc, err := ipipe.ParseDescription([]byte(`
version: 1
cpus: 2
irqs: 32
domains:
  - name: rt
    priority: 100
    irqs:
      - irq: 7
        control: [handle]
`))
	if err != nil {
		return fmt.Errorf("parse description: %w", err)
	}

	sys2, domains, err := ipipe.Build(desc, ipipe.Config{}, func(domain string, irq int) (ipipe.Handler, ipipe.AckFunc) {
		return ipipe.HandlerFunc(func(irq int, ctx *ipipe.Context) {}), nil
	})
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	_ = domains["rt"]

	// =========================================================================
	// Trace recorder as diagnostic sink
	// =========================================================================
	f, err := os.CreateTemp("", "ipipe-trace-*.bin")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	rec, err := ipipe.NewTraceRecorder(f, 2)
	if err != nil {
		return fmt.Errorf("trace recorder: %w", err)
	}
	defer rec.Close()

	info := sys2.Info()
	fmt.Printf("pipeline: %d cpus, %d irqs\n", info.CPUs, info.IRQs)
	return nil
}
