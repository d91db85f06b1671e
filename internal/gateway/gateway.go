// Package gateway intercepts syscalls, traps and context switches so that
// co-kernel domains get a first look at them before the root kernel, and
// delivers deferred mayday notifications at the next safe return-to-user
// boundary.
package gateway

import (
	"fmt"
	"sync/atomic"

	"github.com/francescodiotalevi/ipipe/internal/pipeline"
)

// TrapMayday is the reserved trap number for deferred mayday delivery.
const TrapMayday = 0x1000

// Action tells the embedder what to do with a syscall after domain
// notification.
type Action int

const (
	// ActionPropagate passes the syscall to the root kernel.
	ActionPropagate Action = iota
	// ActionHandled terminates the syscall; no tail work is needed.
	ActionHandled
	// ActionHandledTail terminates the syscall but tail work (signal
	// delivery and the like) must run before returning to user space.
	ActionHandledTail
)

// Gateway routes syscall, trap and scheduling events through the domain
// pipeline. Per-CPU current-task slots are injected state, owned by the CPU
// they index.
type Gateway struct {
	sys     *pipeline.System
	current []atomic.Pointer[Task]
}

// New builds a gateway over sys and hooks deferred mayday delivery into the
// system's IRQ exit path.
func New(sys *pipeline.System) *Gateway {
	g := &Gateway{
		sys:     sys,
		current: make([]atomic.Pointer[Task], sys.NumCPUs()),
	}
	sys.SetIRQExitHook(g.irqExit)
	return g
}

// Current returns the task currently installed on the given CPU, or nil.
func (g *Gateway) Current(cpu int) *Task {
	if cpu < 0 || cpu >= len(g.current) {
		return nil
	}
	return g.current[cpu].Load()
}

// SwitchTo installs next as the current task of the local CPU and notifies
// registered domains of the context switch, highest priority first.
func (g *Gateway) SwitchTo(ctx *pipeline.Context, next *Task) {
	g.current[ctx.CPU()].Store(next)
	for _, d := range g.sys.Domains() {
		if es := d.Events(); es != nil {
			es.Switched(ctx)
		}
	}
}

// EnterSyscall runs the syscall notification chain for the current task.
// Syscall numbers watched by no domain skip straight through to the root
// kernel. Otherwise domains are offered the syscall in priority order until
// one claims it. Before returning, a pending mayday on the current task is
// delivered as a trap, and — when the CPU still executes in the root domain
// — interrupts logged for root while the syscall ran are synchronized.
func (g *Gateway) EnterSyscall(ctx *pipeline.Context, nr uint64, fr *pipeline.Frame) (Action, error) {
	if ctx.HardDisabled() {
		return ActionPropagate, fmt.Errorf("gateway: syscall entry with hardware interrupts masked")
	}

	doms := g.sys.Domains()

	// Fast path: unwatched syscalls cost one walk over the watch sets.
	watched := false
	for _, d := range doms {
		if es := d.Events(); es != nil && es.WatchedSyscall(nr) {
			watched = true
			break
		}
	}
	if !watched {
		return ActionPropagate, nil
	}

	verdict := pipeline.EventPropagate
	for _, d := range doms {
		es := d.Events()
		if es == nil || !es.WatchedSyscall(nr) {
			continue
		}
		if v := es.Syscall(ctx, nr, fr); v != pipeline.EventPropagate {
			verdict = v
			break
		}
	}

	action := ActionPropagate

	st := ctx.HardSave()
	// End of the syscall notification path: a safe point to unwind a
	// deferred mayday before user space is resumed.
	if t := g.Current(ctx.CPU()); t != nil && t.takeMayday() {
		g.notifyTrap(ctx, TrapMayday, fr)
	}
	switch verdict {
	case pipeline.EventHandled:
		action = ActionHandled
	case pipeline.EventHandledTail:
		action = ActionHandledTail
	default:
		if !ctx.InRoot() {
			// A domain migrated the caller out of root: the root kernel
			// must not see the syscall.
			action = ActionHandled
		}
	}
	ctx.HardRestore(st)

	if action == ActionPropagate {
		ctx.Sync(g.sys.Root())
	}
	return action, nil
}

// NotifyTrap offers a trap event to registered domains in priority order
// until one claims it.
func (g *Gateway) NotifyTrap(ctx *pipeline.Context, trap int, fr *pipeline.Frame) pipeline.EventVerdict {
	return g.notifyTrap(ctx, trap, fr)
}

func (g *Gateway) notifyTrap(ctx *pipeline.Context, trap int, fr *pipeline.Frame) pipeline.EventVerdict {
	for _, d := range g.sys.Domains() {
		es := d.Events()
		if es == nil {
			continue
		}
		if v := es.Trap(ctx, trap, fr); v != pipeline.EventPropagate {
			return v
		}
	}
	return pipeline.EventPropagate
}

// irqExit runs at the tail of every hardware interrupt flow. A mayday on the
// current task is delivered when the interrupt came from user mode, so the
// notification is never delayed past the next return-to-user boundary.
func (g *Gateway) irqExit(ctx *pipeline.Context, fr pipeline.Frame) {
	if !fr.UserMode {
		return
	}
	if t := g.Current(ctx.CPU()); t != nil && t.takeMayday() {
		g.notifyTrap(ctx, TrapMayday, &fr)
	}
}
