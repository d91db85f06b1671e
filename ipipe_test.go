package ipipe_test

import (
	"testing"

	ipipe "github.com/francescodiotalevi/ipipe"
)

func TestEndToEnd(t *testing.T) {
	lines := ipipe.NewLineSet()

	sys, err := ipipe.New(ipipe.Config{CPUs: 2, IRQs: 32, Chip: lines})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lines.Bind(sys)

	line, err := lines.AllocateLine(7)
	if err != nil {
		t.Fatalf("AllocateLine() error = %v", err)
	}

	rtGot := make(chan int, 4)
	rootGot := make(chan int, 4)

	err = sys.Execute(0, func(ctx *ipipe.Context) {
		rt, err := sys.NewDomain("rt", 100)
		if err != nil {
			t.Errorf("NewDomain() error = %v", err)
			return
		}
		if err := sys.RegisterDomain(ctx, rt); err != nil {
			t.Errorf("RegisterDomain() error = %v", err)
			return
		}

		handler := ipipe.HandlerFunc(func(irq int, ctx *ipipe.Context) {
			rtGot <- irq
		})
		if err := sys.RequestIRQ(ctx, rt, 7, handler, nil, ipipe.ControlHandle|ipipe.ControlPass); err != nil {
			t.Errorf("RequestIRQ() error = %v", err)
			return
		}

		if err := sys.VirtualizeRootIRQs(ctx, func(irq int, ctx *ipipe.Context, fr ipipe.Frame) {
			rootGot <- irq
		}); err != nil {
			t.Errorf("VirtualizeRootIRQs() error = %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// A hardware edge flows through rt first, then falls through to root.
	line.PulseInterrupt()

	select {
	case irq := <-rtGot:
		if irq != 7 {
			t.Errorf("rt handled irq %d, wanted 7", irq)
		}
	default:
		t.Fatal("rt domain did not receive the interrupt")
	}
	select {
	case irq := <-rootGot:
		if irq != 7 {
			t.Errorf("root handled irq %d, wanted 7", irq)
		}
	default:
		t.Fatal("root domain did not receive the interrupt")
	}

	// Stalling root defers delivery there without touching rt.
	err = sys.Execute(0, func(ctx *ipipe.Context) {
		root := sys.Root()
		ctx.Stall(root)
		if err := ctx.Raise(7); err != nil {
			t.Errorf("Raise() error = %v", err)
		}
		if len(rtGot) != 1 {
			t.Error("rt delivery should not wait on root's stall flag")
		}
		if len(rootGot) != 0 {
			t.Error("root delivery should be deferred while stalled")
		}
		ctx.Unstall(root)
		if len(rootGot) != 1 {
			t.Error("unstalling root should replay the pending interrupt")
		}
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	sys, err := ipipe.New(ipipe.Config{CPUs: 1, IRQs: 16})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	gw := ipipe.NewGateway(sys)
	task := ipipe.NewTask("init")

	err = sys.Execute(0, func(ctx *ipipe.Context) {
		gw.SwitchTo(ctx, task)
		if got := gw.Current(0); got != task {
			t.Errorf("Current() = %v, wanted %v", got, task)
		}

		action, err := gw.EnterSyscall(ctx, 1, &ipipe.Frame{UserMode: true})
		if err != nil {
			t.Errorf("EnterSyscall() error = %v", err)
		}
		if action != ipipe.ActionPropagate {
			t.Errorf("EnterSyscall() = %v, wanted propagate", action)
		}
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}
