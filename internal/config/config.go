// Package config loads declarative pipeline descriptions from YAML. A file
// names the CPU/IRQ geometry, the timer line and a set of domains with
// per-IRQ control flags; Build turns the description into a live pipeline
// with handlers supplied by the caller.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/francescodiotalevi/ipipe/internal/pipeline"
)

// Description is the top-level document.
type Description struct {
	Version  int    `yaml:"version"`
	Name     string `yaml:"name,omitempty"`
	CPUs     int    `yaml:"cpus,omitempty"`
	IRQs     int    `yaml:"irqs,omitempty"`
	TimerIRQ *int   `yaml:"timerIRQ,omitempty"`

	Domains []DomainSpec `yaml:"domains"`
}

// DomainSpec describes one pipeline stage.
type DomainSpec struct {
	Name     string    `yaml:"name"`
	Priority int       `yaml:"priority"`
	IRQs     []IRQSpec `yaml:"irqs,omitempty"`
	Syscalls []uint64  `yaml:"syscalls,omitempty"`
}

// IRQSpec attaches a descriptor to an interrupt line.
type IRQSpec struct {
	IRQ     int      `yaml:"irq"`
	Control []string `yaml:"control,omitempty"`
}

func (d *Description) normalize() {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.CPUs == 0 {
		d.CPUs = 1
	}
	if d.IRQs == 0 {
		d.IRQs = 64
	}
	for i := range d.Domains {
		if len(d.Domains[i].IRQs) > 0 {
			sort.Slice(d.Domains[i].IRQs, func(a, b int) bool {
				return d.Domains[i].IRQs[a].IRQ < d.Domains[i].IRQs[b].IRQ
			})
		}
	}
}

func (d *Description) validate() error {
	if d.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", d.Version)
	}
	if d.CPUs < 1 {
		return fmt.Errorf("config: cpus must be at least 1, got %d", d.CPUs)
	}
	if d.IRQs < 1 {
		return fmt.Errorf("config: irqs must be at least 1, got %d", d.IRQs)
	}
	if d.TimerIRQ != nil && (*d.TimerIRQ < 0 || *d.TimerIRQ >= d.IRQs) {
		return fmt.Errorf("config: timerIRQ %d out of range", *d.TimerIRQ)
	}

	seen := map[string]bool{}
	prios := map[int]string{}
	for _, dom := range d.Domains {
		if dom.Name == "" {
			return fmt.Errorf("config: domain with empty name")
		}
		if seen[dom.Name] {
			return fmt.Errorf("config: duplicate domain %q", dom.Name)
		}
		seen[dom.Name] = true
		if dom.Priority <= 0 {
			return fmt.Errorf("config: domain %q: priority must be positive, got %d", dom.Name, dom.Priority)
		}
		if prev, ok := prios[dom.Priority]; ok {
			return fmt.Errorf("config: domains %q and %q share priority %d", prev, dom.Name, dom.Priority)
		}
		prios[dom.Priority] = dom.Name

		irqSeen := map[int]bool{}
		for _, is := range dom.IRQs {
			if is.IRQ < 0 || is.IRQ >= d.IRQs {
				return fmt.Errorf("config: domain %q: irq %d out of range", dom.Name, is.IRQ)
			}
			if irqSeen[is.IRQ] {
				return fmt.Errorf("config: domain %q: duplicate irq %d", dom.Name, is.IRQ)
			}
			irqSeen[is.IRQ] = true
			if _, err := ParseControl(is.Control); err != nil {
				return fmt.Errorf("config: domain %q irq %d: %w", dom.Name, is.IRQ, err)
			}
		}
	}
	return nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	d.normalize()
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads and parses a description file.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// ParseControl maps control flag names to the descriptor bitmask. An empty
// list means handle.
func ParseControl(names []string) (pipeline.Control, error) {
	if len(names) == 0 {
		return pipeline.ControlHandle, nil
	}
	var ctl pipeline.Control
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "handle":
			ctl |= pipeline.ControlHandle
		case "pass":
			ctl |= pipeline.ControlPass
		case "sticky":
			ctl |= pipeline.ControlSticky
		case "noack":
			ctl |= pipeline.ControlNoAck
		default:
			return 0, fmt.Errorf("unknown control flag %q", n)
		}
	}
	return ctl, nil
}

// HandlerFactory supplies the handler for an IRQ attached to a named
// domain. Returning a nil handler attaches a pending-only descriptor.
type HandlerFactory func(domain string, irq int) (pipeline.Handler, pipeline.AckFunc)

// WatchSink is the event sink installed for a domain that declares a
// syscall watch set. The declared numbers take the notified path through
// the gateway; everything else keeps the fast path. Verdict callbacks are
// optional, a nil callback propagates the event to the root kernel.
type WatchSink struct {
	nrs map[uint64]bool

	// OnSyscall decides a watched syscall, OnTrap a trap event. Set them
	// before dispatch starts.
	OnSyscall func(ctx *pipeline.Context, nr uint64, fr *pipeline.Frame) pipeline.EventVerdict
	OnTrap    func(ctx *pipeline.Context, trap int, fr *pipeline.Frame) pipeline.EventVerdict
}

// NewWatchSink builds a sink watching the given syscall numbers.
func NewWatchSink(nrs ...uint64) *WatchSink {
	w := &WatchSink{nrs: make(map[uint64]bool, len(nrs))}
	for _, nr := range nrs {
		w.nrs[nr] = true
	}
	return w
}

func (w *WatchSink) WatchedSyscall(nr uint64) bool { return w.nrs[nr] }

func (w *WatchSink) Syscall(ctx *pipeline.Context, nr uint64, fr *pipeline.Frame) pipeline.EventVerdict {
	if w.OnSyscall != nil {
		return w.OnSyscall(ctx, nr, fr)
	}
	return pipeline.EventPropagate
}

func (w *WatchSink) Trap(ctx *pipeline.Context, trap int, fr *pipeline.Frame) pipeline.EventVerdict {
	if w.OnTrap != nil {
		return w.OnTrap(ctx, trap, fr)
	}
	return pipeline.EventPropagate
}

func (w *WatchSink) Switched(ctx *pipeline.Context) {}

// Build constructs a pipeline system from a description. Domains are
// registered in priority order and their descriptors attached on the boot
// CPU; a declared syscall watch set becomes a WatchSink installed before
// registration. The returned map is keyed by domain name and always
// contains the root domain under "root".
func Build(d *Description, cfg pipeline.Config, factory HandlerFactory) (*pipeline.System, map[string]*pipeline.Domain, error) {
	cfg.CPUs = d.CPUs
	cfg.IRQs = d.IRQs

	sys, err := pipeline.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	if d.TimerIRQ != nil {
		for cpu := 0; cpu < d.CPUs; cpu++ {
			if err := sys.SetTimerIRQ(cpu, *d.TimerIRQ); err != nil {
				return nil, nil, err
			}
		}
	}

	domains := map[string]*pipeline.Domain{"root": sys.Root()}

	specs := make([]DomainSpec, len(d.Domains))
	copy(specs, d.Domains)
	sort.Slice(specs, func(a, b int) bool { return specs[a].Priority < specs[b].Priority })

	var buildErr error
	err = sys.Execute(0, func(ctx *pipeline.Context) {
		for _, spec := range specs {
			dom, err := sys.NewDomain(spec.Name, spec.Priority)
			if err != nil {
				buildErr = err
				return
			}
			if len(spec.Syscalls) > 0 {
				if err := dom.SetEventSink(NewWatchSink(spec.Syscalls...)); err != nil {
					buildErr = fmt.Errorf("config: watch set for %q: %w", spec.Name, err)
					return
				}
			}
			if err := sys.RegisterDomain(ctx, dom); err != nil {
				buildErr = fmt.Errorf("config: register %q: %w", spec.Name, err)
				return
			}
			domains[spec.Name] = dom

			for _, is := range spec.IRQs {
				ctl, err := ParseControl(is.Control)
				if err != nil {
					buildErr = err
					return
				}
				var h pipeline.Handler
				var ack pipeline.AckFunc
				if factory != nil {
					h, ack = factory(spec.Name, is.IRQ)
				}
				if err := sys.RequestIRQ(ctx, dom, is.IRQ, h, ack, ctl); err != nil {
					buildErr = fmt.Errorf("config: attach irq %d to %q: %w", is.IRQ, spec.Name, err)
					return
				}
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if buildErr != nil {
		return nil, nil, buildErr
	}
	return sys, domains, nil
}
