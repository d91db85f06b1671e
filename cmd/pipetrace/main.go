// Command pipetrace reads a dispatch trace file recorded by pipebench and
// prints either the raw records or per-IRQ latency summaries.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/francescodiotalevi/ipipe/internal/trace"
)

type traceRecord struct {
	Kind  trace.Kind
	IRQ   int
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *traceRecord) String() string {
	avg := time.Duration(0)
	if r.Count > 0 {
		avg = r.Sum / time.Duration(r.Count)
	}
	return fmt.Sprintf("% 10s irq=% 4d count=% 8d sum=% 14s min=% 14s max=% 14s avg=% 14s",
		r.Kind, r.IRQ, r.Count, r.Sum, r.Min, r.Max, avg)
}

func (r *traceRecord) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trace file to read")
	sums := fs.Bool("sums", false, "Print per-IRQ latency summaries")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		type key struct {
			kind trace.Kind
			irq  int
		}
		records := map[key]*traceRecord{}
		displayOrder := []key{}
		if err := trace.ReadAllRecords(f, func(kind trace.Kind, cpu, irq int, d time.Duration) error {
			k := key{kind, irq}
			record, ok := records[k]
			if !ok {
				displayOrder = append(displayOrder, k)
				record = &traceRecord{Kind: kind, IRQ: irq}
				records[k] = record
			}
			record.Add(d)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
		for _, k := range displayOrder {
			fmt.Printf("%s\n", records[k].String())
		}
	} else {
		if err := trace.ReadAllRecords(f, func(kind trace.Kind, cpu, irq int, d time.Duration) error {
			fmt.Printf("%s cpu=%d irq=%d %s\n", kind, cpu, irq, d)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
	}
}
