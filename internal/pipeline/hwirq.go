package pipeline

// Hardware interrupt masking for a model CPU. Each CPU owns one hardware
// mutex; holding it is the analogue of running with the processor
// interrupt-enable flag cleared. Every piece of per-CPU pipeline state is
// only touched while the owning CPU's hardware mutex is held, so an
// interrupt can never observe a half-finished update on its own CPU.

// IRQState is the opaque token returned by Context.HardSave. Passing it back
// to Context.HardRestore restores the hardware masking state that was in
// effect when the token was produced.
type IRQState struct {
	wasEnabled bool
}

// Enabled reports whether hardware interrupts were enabled when the token
// was taken.
func (s IRQState) Enabled() bool { return s.wasEnabled }

// Context represents one execution flow on a model CPU: either kernel code
// entered through System.Execute, or an interrupt flow created by the
// dispatcher. Pipeline operations take place through a Context so that the
// hardware masking depth of the flow is always known. A Context must not be
// shared across goroutines.
type Context struct {
	cpu   *CPU
	depth int
}

// CPU returns the index of the CPU this context executes on.
func (ctx *Context) CPU() int { return ctx.cpu.id }

// System returns the owning pipeline system.
func (ctx *Context) System() *System { return ctx.cpu.sys }

// HardSave disables hardware interrupts on the local CPU and returns a token
// describing the previous state. Calls nest; each HardSave must be paired
// with exactly one HardRestore of its token, innermost first. Behaviour is
// undefined for unmatched pairs, same as the primitive it models.
func (ctx *Context) HardSave() IRQState {
	if ctx.depth == 0 {
		ctx.cpu.hard.Lock()
	}
	ctx.depth++
	return IRQState{wasEnabled: ctx.depth == 1}
}

// HardRestore restores the hardware masking state captured by the matching
// HardSave.
func (ctx *Context) HardRestore(st IRQState) {
	if !st.wasEnabled {
		ctx.depth--
		return
	}
	ctx.depth--
	ctx.cpu.hard.Unlock()
}

// HardDisabled reports whether this flow currently has hardware interrupts
// masked on its CPU.
func (ctx *Context) HardDisabled() bool { return ctx.depth > 0 }
