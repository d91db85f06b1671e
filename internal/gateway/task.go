package gateway

import "sync/atomic"

const flagMayday uint32 = 1 << 0

// Task is the unit the gateway tracks per CPU: the thread of execution whose
// syscalls and traps are being intercepted. Flags may be set from any domain
// and are consumed at safe boundaries by the gateway.
type Task struct {
	name  string
	flags atomic.Uint32
}

// NewTask creates a task with the given name.
func NewTask(name string) *Task {
	return &Task{name: name}
}

// Name returns the task's identifier.
func (t *Task) Name() string { return t.name }

// RaiseMayday flags the task for a deferred trap notification, delivered at
// the next safe return-to-user boundary (syscall tail or IRQ exit).
func (t *Task) RaiseMayday() {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|flagMayday) {
			return
		}
	}
}

// MaydayPending reports whether a mayday is waiting for delivery.
func (t *Task) MaydayPending() bool {
	return t.flags.Load()&flagMayday != 0
}

// takeMayday consumes a pending mayday flag, returning whether one was set.
func (t *Task) takeMayday() bool {
	for {
		old := t.flags.Load()
		if old&flagMayday == 0 {
			return false
		}
		if t.flags.CompareAndSwap(old, old&^flagMayday) {
			return true
		}
	}
}
