// Package trace records interrupt dispatch latencies to a compact binary
// stream. The recorder implements the pipeline diagnostic sink: it observes
// entry/exit events per IRQ dispatch for later latency analysis and never
// influences control flow. The hot path costs one timestamp and one
// buffered channel send.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x49505452 // "IPTR"
	Version uint32 = 1
)

// Kind classifies a trace record.
type Kind uint16

const (
	KindInvalid Kind = iota
	// KindDispatch is one complete pipeline dispatch of an IRQ; the
	// duration spans entry to exit on the handling CPU.
	KindDispatch
	// KindSpurious is an interrupt that fell through the pipeline
	// unclaimed. Duration is zero.
	KindSpurious
)

func (k Kind) String() string {
	switch k {
	case KindDispatch:
		return "dispatch"
	case KindSpurious:
		return "spurious"
	default:
		return "invalid"
	}
}

type header struct {
	Magic   uint32
	Version uint32
	CPUs    uint32
	_       uint32
}

type record struct {
	Kind Kind
	CPU  uint16
	IRQ  uint32
	Nsec int64
}

// Recorder writes trace records for a pipeline system. Entry/exit events
// nest per CPU, so each CPU keeps a small stack of start times; the pipeline
// guarantees those callbacks are serialized per CPU.
type Recorder struct {
	starts [][]time.Time

	ch     chan record
	done   chan error
	closed atomic.Bool
}

// NewRecorder writes the stream header to w and starts the background
// writer.
func NewRecorder(w io.Writer, cpus int) (*Recorder, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("trace: cpu count %d out of range", cpus)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:   Magic,
		Version: Version,
		CPUs:    uint32(cpus),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}

	r := &Recorder{
		starts: make([][]time.Time, cpus),
		ch:     make(chan record, 4096),
		done:   make(chan error, 1),
	}
	go r.run(w)
	return r, nil
}

func (r *Recorder) run(w io.Writer) {
	buf := bufio.NewWriterSize(w, 4096)
	for rec := range r.ch {
		if err := binary.Write(buf, binary.LittleEndian, rec); err != nil {
			r.done <- fmt.Errorf("trace: write record: %w", err)
			return
		}
	}
	if err := buf.Flush(); err != nil {
		r.done <- fmt.Errorf("trace: flush: %w", err)
		return
	}
	r.done <- nil
}

// Close stops the recorder and flushes buffered records.
func (r *Recorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("trace: already closed")
	}
	close(r.ch)
	return <-r.done
}

func (r *Recorder) emit(rec record) {
	if r.closed.Load() {
		return
	}
	select {
	case r.ch <- rec:
	default:
		// A full buffer drops the record rather than stalling dispatch.
	}
}

// IRQEntry implements the pipeline sink.
func (r *Recorder) IRQEntry(cpu, irq int) {
	if cpu < 0 || cpu >= len(r.starts) {
		return
	}
	r.starts[cpu] = append(r.starts[cpu], time.Now())
}

// IRQExit implements the pipeline sink.
func (r *Recorder) IRQExit(cpu, irq int) {
	if cpu < 0 || cpu >= len(r.starts) {
		return
	}
	stack := r.starts[cpu]
	if len(stack) == 0 {
		return
	}
	start := stack[len(stack)-1]
	r.starts[cpu] = stack[:len(stack)-1]

	r.emit(record{
		Kind: KindDispatch,
		CPU:  uint16(cpu),
		IRQ:  uint32(irq),
		Nsec: time.Since(start).Nanoseconds(),
	})
}

// SpuriousIRQ implements the pipeline sink.
func (r *Recorder) SpuriousIRQ(cpu, irq int) {
	r.emit(record{
		Kind: KindSpurious,
		CPU:  uint16(cpu),
		IRQ:  uint32(irq),
	})
}

// ReadAllRecords reads a trace stream and calls fn per record.
func ReadAllRecords(rd io.Reader, fn func(kind Kind, cpu, irq int, d time.Duration) error) error {
	buf := bufio.NewReaderSize(rd, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("trace: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("trace: invalid version")
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("trace: read record: %w", err)
		}
		if err := fn(rec.Kind, int(rec.CPU), int(rec.IRQ), time.Duration(rec.Nsec)); err != nil {
			return err
		}
	}
	return nil
}
