// Command pipebench measures interrupt pipeline latencies: the time from
// raising an interrupt to its handler running in the highest-priority
// domain, plus vNMI round-trip and critical-section rendezvous costs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/francescodiotalevi/ipipe/internal/config"
	"github.com/francescodiotalevi/ipipe/internal/pipeline"
	"github.com/francescodiotalevi/ipipe/internal/trace"
)

type stats struct {
	samples []time.Duration
}

func (s *stats) add(d time.Duration) { s.samples = append(s.samples, d) }

func (s *stats) report(label string) string {
	if len(s.samples) == 0 {
		return fmt.Sprintf("%s: no samples", label)
	}
	sorted := make([]time.Duration, len(s.samples))
	copy(sorted, s.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg := sum / time.Duration(len(sorted))
	p99 := sorted[len(sorted)*99/100]

	return fmt.Sprintf("\x1b[1m% 10s\x1b[0m  n=% 8d  min=\x1b[32m% 12s\x1b[0m  avg=% 12s  p99=\x1b[33m% 12s\x1b[0m  max=\x1b[31m% 12s\x1b[0m",
		label, len(sorted), sorted[0], avg, p99, sorted[len(sorted)-1])
}

type bench struct {
	sys   *pipeline.System
	rt    *pipeline.Domain
	irq   int
	start time.Time
	lat   stats
}

func (b *bench) setupDefault() error {
	sys, err := pipeline.New(pipeline.Config{CPUs: 2, IRQs: 32, Sink: benchSink})
	if err != nil {
		return err
	}
	b.sys = sys
	b.irq = 7

	return sys.Execute(0, func(ctx *pipeline.Context) {
		rt, err := sys.NewDomain("rt", 100)
		if err != nil {
			panic(err)
		}
		if err := sys.RegisterDomain(ctx, rt); err != nil {
			panic(err)
		}
		if err := sys.RequestIRQ(ctx, rt, b.irq, pipeline.HandlerFunc(b.handle), nil, pipeline.ControlHandle); err != nil {
			panic(err)
		}
		b.rt = rt
	})
}

func (b *bench) setupFromFile(path string) error {
	desc, err := config.Load(path)
	if err != nil {
		return err
	}
	sys, domains, err := config.Build(desc, pipeline.Config{Sink: benchSink}, func(domain string, irq int) (pipeline.Handler, pipeline.AckFunc) {
		return pipeline.HandlerFunc(b.handle), nil
	})
	if err != nil {
		return err
	}
	b.sys = sys

	// Benchmark against the highest-priority non-root domain and its
	// first attached line.
	for _, spec := range desc.Domains {
		if b.rt == nil || spec.Priority > b.rt.Priority() {
			if len(spec.IRQs) == 0 {
				continue
			}
			b.rt = domains[spec.Name]
			b.irq = spec.IRQs[0].IRQ
		}
	}
	if b.rt == nil {
		return fmt.Errorf("config has no domain with an attached irq")
	}
	return nil
}

func (b *bench) handle(irq int, ctx *pipeline.Context) {
	b.lat.add(time.Since(b.start))
}

func (b *bench) runDispatch(n int) error {
	pb := progressbar.Default(int64(n))
	defer pb.Close()

	for range n {
		b.start = time.Now()
		if err := b.sys.InjectIRQ(0, b.irq, pipeline.Frame{}); err != nil {
			return err
		}
		pb.Add(1)
	}
	return nil
}

func (b *bench) runVNMI(n int) error {
	pb := progressbar.Default(int64(n))
	defer pb.Close()

	mask := b.sys.OnlineMask()
	return b.sys.Execute(0, func(ctx *pipeline.Context) {
		for range n {
			start := time.Now()
			b.sys.SendVNMI(ctx, mask, func(cpu int) {})
			b.lat.add(time.Since(start))
			pb.Add(1)
		}
	})
}

func (b *bench) runCritical(n int) error {
	pb := progressbar.Default(int64(n))
	defer pb.Close()

	return b.sys.Execute(0, func(ctx *pipeline.Context) {
		for range n {
			start := time.Now()
			cs := b.sys.CriticalEnter(ctx, nil)
			b.sys.CriticalExit(ctx, cs)
			b.lat.add(time.Since(start))
			pb.Add(1)
		}
	})
}

var benchSink pipeline.Sink

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	n := fs.Int("n", 100000, "number of iterations per benchmark")
	mode := fs.String("mode", "dispatch", "benchmark to run: dispatch, vnmi or critical")
	configFile := fs.String("config", "", "pipeline description file to benchmark")
	traceFile := fs.String("trace", "", "record a dispatch trace for later analysis")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	pin := fs.Bool("pin", false, "pin the benchmark to a single CPU (Linux only)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(
			os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug},
		)))
	}

	if *pin {
		if err := pinToCPU(0); err != nil {
			return fmt.Errorf("pin to cpu: %w", err)
		}
		slog.Debug("pinned benchmark thread", "cpu", 0)
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		rec, err := trace.NewRecorder(f, 64)
		if err != nil {
			return fmt.Errorf("start trace recorder: %w", err)
		}
		defer rec.Close()

		benchSink = rec
	}

	b := &bench{}
	if *configFile != "" {
		if err := b.setupFromFile(*configFile); err != nil {
			return err
		}
	} else {
		if err := b.setupDefault(); err != nil {
			return err
		}
	}
	slog.Debug("benchmark rig ready", "domain", b.rt.Name(), "irq", b.irq, "mode", *mode)

	var err error
	switch *mode {
	case "dispatch":
		err = b.runDispatch(*n)
	case "vnmi":
		err = b.runVNMI(*n)
	case "critical":
		err = b.runCritical(*n)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		return err
	}

	line := b.lat.report(*mode)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		line = ansi.Strip(line)
	}
	fmt.Println(line)

	var spurious uint64
	for i := 0; i < b.sys.Info().CPUs; i++ {
		cpu, err := b.sys.CPU(i)
		if err != nil {
			return err
		}
		spurious += cpu.SpuriousCount()
	}
	if spurious > 0 {
		fmt.Printf("spurious interrupts: %d\n", spurious)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run benchmark: %v\n", err)
		os.Exit(1)
	}
}
