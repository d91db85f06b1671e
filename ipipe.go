// Package ipipe models an interrupt pipeline: a priority-ordered chain of
// domains through which interrupts flow, where high-priority domains see
// every interrupt with bounded latency and lower domains only ever defer
// delivery, never delay their betters. It is a faithful software rendition
// of interrupt pipelining as used by real-time co-kernels: per-domain
// virtual stall flags, pending-interrupt logs with FIFO replay, virtual
// NMIs and a system-wide critical rendezvous.
package ipipe

import (
	"io"

	"github.com/francescodiotalevi/ipipe/internal/config"
	"github.com/francescodiotalevi/ipipe/internal/gateway"
	"github.com/francescodiotalevi/ipipe/internal/pipeline"
	"github.com/francescodiotalevi/ipipe/internal/trace"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/pipeline
// -----------------------------------------------------------------------------

// System is an interrupt pipeline: a set of model CPUs, an IRQ space and a
// priority-ordered chain of domains.
type System = pipeline.System

// Config carries the parameters for a new System.
type Config = pipeline.Config

// Domain is one interrupt-handling context in the pipeline.
type Domain = pipeline.Domain

// Context is a flow of execution on a model CPU. All stall, dispatch and
// rendezvous operations act through a Context.
type Context = pipeline.Context

// Control is the per-IRQ control bitmask of a domain descriptor.
type Control = pipeline.Control

// Handler receives dispatched interrupts.
type Handler = pipeline.Handler

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc = pipeline.HandlerFunc

// AckFunc re-arms an interrupt controller line.
type AckFunc = pipeline.AckFunc

// Frame is the register snapshot accompanying an interrupt or trap.
type Frame = pipeline.Frame

// IRQState is the opaque token returned by HardSave.
type IRQState = pipeline.IRQState

// IRQChip is the hardware interrupt controller contract.
type IRQChip = pipeline.IRQChip

// AffinitySetter is the optional chip capability of routing lines to CPUs.
type AffinitySetter = pipeline.AffinitySetter

// Muter overrides per-domain line enabling on chips that gate lines
// globally.
type Muter = pipeline.Muter

// LineSet is an in-memory interrupt controller for tests and simulations.
type LineSet = pipeline.LineSet

// LineInterrupt is one allocated line of a LineSet.
type LineInterrupt = pipeline.LineInterrupt

// CPUMask is a set of CPU indices.
type CPUMask = pipeline.CPUMask

// CriticalState is the token pairing CriticalEnter with CriticalExit.
type CriticalState = pipeline.CriticalState

// Sink receives diagnostic events from the dispatcher.
type Sink = pipeline.Sink

// SysInfo reports system parameters.
type SysInfo = pipeline.SysInfo

// EventSink is the optional syscall/trap/switch notification capability of
// a domain.
type EventSink = pipeline.EventSink

// EventVerdict is a domain's answer to an event notification.
type EventVerdict = pipeline.EventVerdict

// RootDelegate receives interrupts that fell through to the root domain.
type RootDelegate = pipeline.RootDelegate

// Gateway routes syscalls, traps and mayday requests through the domain
// chain.
type Gateway = gateway.Gateway

// Task is a schedulable entity tracked by the Gateway.
type Task = gateway.Task

// Action tells the caller of the Gateway what to do after an event.
type Action = gateway.Action

// Description is a declarative YAML pipeline description.
type Description = config.Description

// HandlerFactory supplies handlers when building from a Description.
type HandlerFactory = config.HandlerFactory

// WatchSink is the event sink installed for domains that declare syscall
// watch sets in a Description.
type WatchSink = config.WatchSink

// TraceRecorder records dispatch latencies to a binary stream. It
// implements Sink.
type TraceRecorder = trace.Recorder

// Per-IRQ control flags.
const (
	ControlHandle = pipeline.ControlHandle
	ControlPass   = pipeline.ControlPass
	ControlSticky = pipeline.ControlSticky
	ControlNoAck  = pipeline.ControlNoAck
)

// Event verdicts.
const (
	EventPropagate   = pipeline.EventPropagate
	EventHandled     = pipeline.EventHandled
	EventHandledTail = pipeline.EventHandledTail
)

// Gateway actions.
const (
	ActionPropagate   = gateway.ActionPropagate
	ActionHandled     = gateway.ActionHandled
	ActionHandledTail = gateway.ActionHandledTail
)

// TrapMayday is the synthetic trap number of a mayday delivery.
const TrapMayday = gateway.TrapMayday

// Common sentinel errors.
var (
	ErrBadCPU            = pipeline.ErrBadCPU
	ErrBadIRQ            = pipeline.ErrBadIRQ
	ErrDomainRegistered  = pipeline.ErrDomainRegistered
	ErrDomainUnknown     = pipeline.ErrDomainUnknown
	ErrAffinityUnsupport = pipeline.ErrAffinityUnsupport
	ErrAffinityEmpty     = pipeline.ErrAffinityEmpty
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New creates an interrupt pipeline with only the root domain registered.
func New(cfg Config) (*System, error) {
	return pipeline.New(cfg)
}

// NewLineSet creates an in-memory interrupt controller to drive a System
// with.
func NewLineSet() *LineSet {
	return pipeline.NewLineSet()
}

// NewGateway attaches a syscall/trap/mayday gateway to a System.
func NewGateway(sys *System) *Gateway {
	return gateway.New(sys)
}

// NewTask creates a task for Gateway tracking.
func NewTask(name string) *Task {
	return gateway.NewTask(name)
}

// NewTraceRecorder starts a dispatch-latency recorder writing to w. Pass it
// as Config.Sink to trace a System.
func NewTraceRecorder(w io.Writer, cpus int) (*TraceRecorder, error) {
	return trace.NewRecorder(w, cpus)
}

// MaskOf builds a CPUMask from CPU indices.
func MaskOf(cpus ...int) CPUMask {
	return pipeline.MaskOf(cpus...)
}

// LoadDescription reads a YAML pipeline description from a file.
func LoadDescription(path string) (*Description, error) {
	return config.Load(path)
}

// ParseDescription parses a YAML pipeline description.
func ParseDescription(data []byte) (*Description, error) {
	return config.Parse(data)
}

// NewWatchSink builds an event sink watching the given syscall numbers.
func NewWatchSink(nrs ...uint64) *WatchSink {
	return config.NewWatchSink(nrs...)
}

// Build constructs a System and its domains from a description.
func Build(d *Description, cfg Config, factory HandlerFactory) (*System, map[string]*Domain, error) {
	return config.Build(d, cfg, factory)
}
