package pipeline

// Sink receives diagnostic events from the dispatcher. Implementations are
// purely observational: they must not block for long and cannot influence
// control flow. Entry/exit pairs nest per CPU when interrupts interrupt each
// other.
type Sink interface {
	IRQEntry(cpu, irq int)
	IRQExit(cpu, irq int)
	SpuriousIRQ(cpu, irq int)
}

type noopSink struct{}

func (noopSink) IRQEntry(int, int)    {}
func (noopSink) IRQExit(int, int)     {}
func (noopSink) SpuriousIRQ(int, int) {}
