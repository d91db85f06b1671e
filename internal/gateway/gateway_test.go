package gateway

import (
	"testing"

	"github.com/francescodiotalevi/ipipe/internal/pipeline"
)

type fakeEvents struct {
	watch    map[uint64]bool
	verdict  pipeline.EventVerdict
	syscalls []uint64
	traps    []int
	switches int
}

func (f *fakeEvents) WatchedSyscall(nr uint64) bool { return f.watch[nr] }

func (f *fakeEvents) Syscall(ctx *pipeline.Context, nr uint64, fr *pipeline.Frame) pipeline.EventVerdict {
	f.syscalls = append(f.syscalls, nr)
	return f.verdict
}

func (f *fakeEvents) Trap(ctx *pipeline.Context, trap int, fr *pipeline.Frame) pipeline.EventVerdict {
	f.traps = append(f.traps, trap)
	return pipeline.EventHandled
}

func (f *fakeEvents) Switched(ctx *pipeline.Context) { f.switches++ }

func newGateway(t *testing.T, events *fakeEvents) (*pipeline.System, *Gateway, *pipeline.Domain) {
	t.Helper()
	sys, err := pipeline.New(pipeline.Config{CPUs: 1, IRQs: 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d, err := sys.NewDomain("rt", 1)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	if events != nil {
		if err := d.SetEventSink(events); err != nil {
			t.Fatalf("SetEventSink: %v", err)
		}
	}
	if err := sys.Execute(0, func(ctx *pipeline.Context) {
		if err := sys.RegisterDomain(ctx, d); err != nil {
			t.Fatalf("RegisterDomain: %v", err)
		}
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return sys, New(sys), d
}

func TestUnwatchedSyscallFastPath(t *testing.T) {
	events := &fakeEvents{watch: map[uint64]bool{42: true}}
	sys, g, _ := newGateway(t, events)

	sys.Execute(0, func(ctx *pipeline.Context) {
		action, err := g.EnterSyscall(ctx, 7, &pipeline.Frame{UserMode: true})
		if err != nil {
			t.Fatalf("EnterSyscall: %v", err)
		}
		if action != ActionPropagate {
			t.Fatalf("unwatched syscall must propagate, got %v", action)
		}
	})
	if len(events.syscalls) != 0 {
		t.Fatalf("unwatched syscall must not notify domains, got %v", events.syscalls)
	}
}

func TestWatchedSyscallVerdicts(t *testing.T) {
	for _, tc := range []struct {
		verdict pipeline.EventVerdict
		want    Action
	}{
		{pipeline.EventPropagate, ActionPropagate},
		{pipeline.EventHandled, ActionHandled},
		{pipeline.EventHandledTail, ActionHandledTail},
	} {
		events := &fakeEvents{watch: map[uint64]bool{42: true}, verdict: tc.verdict}
		sys, g, _ := newGateway(t, events)

		sys.Execute(0, func(ctx *pipeline.Context) {
			action, err := g.EnterSyscall(ctx, 42, &pipeline.Frame{UserMode: true})
			if err != nil {
				t.Fatalf("EnterSyscall: %v", err)
			}
			if action != tc.want {
				t.Fatalf("verdict %v: expected action %v, got %v", tc.verdict, tc.want, action)
			}
		})
		if len(events.syscalls) != 1 || events.syscalls[0] != 42 {
			t.Fatalf("expected one notification for syscall 42, got %v", events.syscalls)
		}
	}
}

func TestPriorityOrderStopsAtClaim(t *testing.T) {
	sys, err := pipeline.New(pipeline.Config{CPUs: 1, IRQs: 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hi := &fakeEvents{watch: map[uint64]bool{42: true}, verdict: pipeline.EventHandled}
	lo := &fakeEvents{watch: map[uint64]bool{42: true}}

	dHi, _ := sys.NewDomain("hi", 20)
	dHi.SetEventSink(hi)
	dLo, _ := sys.NewDomain("lo", 10)
	dLo.SetEventSink(lo)

	sys.Execute(0, func(ctx *pipeline.Context) {
		sys.RegisterDomain(ctx, dLo)
		sys.RegisterDomain(ctx, dHi)
	})

	g := New(sys)
	sys.Execute(0, func(ctx *pipeline.Context) {
		action, err := g.EnterSyscall(ctx, 42, &pipeline.Frame{UserMode: true})
		if err != nil {
			t.Fatalf("EnterSyscall: %v", err)
		}
		if action != ActionHandled {
			t.Fatalf("expected high-priority claim, got %v", action)
		}
	})

	if len(hi.syscalls) != 1 {
		t.Fatalf("high-priority domain not notified: %v", hi.syscalls)
	}
	if len(lo.syscalls) != 0 {
		t.Fatalf("claimed syscall leaked to lower domain: %v", lo.syscalls)
	}
}

func TestMaydayDeliveredAtSyscallTail(t *testing.T) {
	events := &fakeEvents{watch: map[uint64]bool{42: true}}
	sys, g, _ := newGateway(t, events)

	task := NewTask("app")
	sys.Execute(0, func(ctx *pipeline.Context) {
		g.SwitchTo(ctx, task)
		task.RaiseMayday()

		if _, err := g.EnterSyscall(ctx, 42, &pipeline.Frame{UserMode: true}); err != nil {
			t.Fatalf("EnterSyscall: %v", err)
		}
	})

	if len(events.traps) != 1 || events.traps[0] != TrapMayday {
		t.Fatalf("expected mayday trap at syscall tail, got %v", events.traps)
	}
	if task.MaydayPending() {
		t.Fatalf("mayday flag must be consumed on delivery")
	}
}

func TestMaydayDeliveredAtIRQExit(t *testing.T) {
	events := &fakeEvents{watch: map[uint64]bool{}}
	sys, g, d := newGateway(t, events)

	sys.Execute(0, func(ctx *pipeline.Context) {
		if err := sys.RequestIRQ(ctx, d, 5, pipeline.HandlerFunc(func(int, *pipeline.Context) {}), nil, pipeline.ControlHandle); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})

	task := NewTask("app")
	sys.Execute(0, func(ctx *pipeline.Context) {
		g.SwitchTo(ctx, task)
	})
	task.RaiseMayday()

	// Interrupt from kernel mode: not a return-to-user boundary, no mayday.
	if err := sys.InjectIRQ(0, 5, pipeline.Frame{UserMode: false}); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}
	if len(events.traps) != 0 {
		t.Fatalf("mayday delivered from kernel-mode interrupt: %v", events.traps)
	}

	// Interrupt from user mode delivers the pending mayday.
	if err := sys.InjectIRQ(0, 5, pipeline.Frame{UserMode: true}); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}
	if len(events.traps) != 1 || events.traps[0] != TrapMayday {
		t.Fatalf("expected mayday trap at irq exit, got %v", events.traps)
	}
	if task.MaydayPending() {
		t.Fatalf("mayday flag must be consumed on delivery")
	}
}

func TestSwitchNotifiesDomains(t *testing.T) {
	events := &fakeEvents{watch: map[uint64]bool{}}
	sys, g, _ := newGateway(t, events)

	a := NewTask("a")
	b := NewTask("b")
	sys.Execute(0, func(ctx *pipeline.Context) {
		g.SwitchTo(ctx, a)
		g.SwitchTo(ctx, b)
	})

	if events.switches != 2 {
		t.Fatalf("expected 2 switch notifications, got %d", events.switches)
	}
	if g.Current(0) != b {
		t.Fatalf("current task not updated")
	}
}

func TestSyscallSyncsRootPending(t *testing.T) {
	sys, err := pipeline.New(pipeline.Config{CPUs: 1, IRQs: 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g := New(sys)

	var rootGot []int
	sys.Execute(0, func(ctx *pipeline.Context) {
		if err := sys.RequestIRQ(ctx, sys.Root(), 3, pipeline.HandlerFunc(func(irq int, _ *pipeline.Context) {
			rootGot = append(rootGot, irq)
		}), nil, pipeline.ControlHandle); err != nil {
			t.Fatalf("RequestIRQ: %v", err)
		}
	})

	events := &fakeEvents{watch: map[uint64]bool{9: true}}
	d, _ := sys.NewDomain("rt", 1)
	d.SetEventSink(events)
	sys.Execute(0, func(ctx *pipeline.Context) {
		sys.RegisterDomain(ctx, d)
	})

	sys.Execute(0, func(ctx *pipeline.Context) {
		// Log irq 3 for root while it is stalled, then clear the flag
		// without draining, as a notifier-chain restore would. The syscall
		// tail must pick the pending interrupt up.
		ctx.Stall(sys.Root())
		ctx.Raise(3)
		ctx.RestoreStall(sys.Root(), false)
		if len(rootGot) != 0 {
			t.Fatalf("nosync restore must not drain the pending log")
		}

		if _, err := g.EnterSyscall(ctx, 9, &pipeline.Frame{UserMode: true}); err != nil {
			t.Fatalf("EnterSyscall: %v", err)
		}
	})
	if len(rootGot) != 1 || rootGot[0] != 3 {
		t.Fatalf("expected syscall tail to drain root pending log, got %v", rootGot)
	}
}
