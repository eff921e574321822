// +build 386 amd64

// Package longmode drives the processor from 32-bit protected mode into long
// mode with paging enabled. The whole transition is a fixed list of steps
// executed by a single Sequence; each step flips exactly one control
// register or MSR bit.
package longmode

import (
	"lmboot/kernel"
	"lmboot/kernel/cpu"
	"lmboot/kernel/mm"
)

// The CPU primitives used by the sequence. Tests replace them with a
// simulated CPU.
var (
	longModeSupportedFn = cpu.LongModeSupported
	disableInterruptsFn = cpu.DisableInterrupts
	haltFn              = cpu.Halt
	readCR0Fn           = cpu.ReadCR0
	writeCR0Fn          = cpu.WriteCR0
	writeCR3Fn          = cpu.WriteCR3
	readCR4Fn           = cpu.ReadCR4
	writeCR4Fn          = cpu.WriteCR4
	readMSRFn           = cpu.ReadMSR
	writeMSRFn          = cpu.WriteMSR
)

var (
	errAlreadyRun     = &kernel.Error{Module: "longmode", Message: "transition sequence already executed"}
	errNoLongMode     = &kernel.Error{Module: "longmode", Message: "CPU does not support long mode"}
	errRootMisaligned = &kernel.Error{Module: "longmode", Message: "root table address is not page aligned"}
	errRootTooHigh    = &kernel.Error{Module: "longmode", Message: "root table address cannot be loaded into CR3"}
)

// State identifies how far the transition has progressed.
type State uint8

// The states of a Sequence in the order they are entered.
const (
	StateReset State = iota
	StateCapable
	StatePAE
	StateRootLoaded
	StateLongMode
	StateNX
	StatePaging
	StateWriteProtect
	StateGlobalPages
	StateDone

	// StateHalted is terminal; it is entered instead of StateCapable when
	// the CPU cannot run 64-bit code.
	StateHalted

	stateCount
)

var stateNames = [...]string{
	StateReset:        "reset",
	StateCapable:      "capable",
	StatePAE:          "pae",
	StateRootLoaded:   "root-loaded",
	StateLongMode:     "long-mode",
	StateNX:           "nx",
	StatePaging:       "paging",
	StateWriteProtect: "write-protect",
	StateGlobalPages:  "global-pages",
	StateDone:         "done",
	StateHalted:       "halted",
}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return "unknown"
}

// Options selects the optional steps of the transition.
type Options struct {
	// NoExecute sets EFER.NXE so NX bits in the tables take effect.
	// Without it the CPU treats bit 63 of every entry as reserved.
	NoExecute bool

	// WriteProtect sets CR0.WP so supervisor writes honour read-only
	// pages.
	WriteProtect bool

	// GlobalPages sets CR4.PGE so global entries survive CR3 reloads.
	GlobalPages bool
}

// DefaultOptions enables every optional step.
func DefaultOptions() Options {
	return Options{NoExecute: true, WriteProtect: true, GlobalPages: true}
}

// step describes one transition. A nil enabled func marks a mandatory step.
type step struct {
	state   State
	enabled func(*Options) bool
	apply   func(*Sequence)
}

// steps lists the transitions after the capability check. The order is
// architectural: PAE must be on before the root table is latched and long
// mode must be armed before paging is switched on.
var steps = [...]step{
	{StatePAE, nil, func(*Sequence) {
		writeCR4Fn(readCR4Fn() | cpu.CR4PAE)
	}},
	{StateRootLoaded, nil, func(s *Sequence) {
		writeCR3Fn(uintptr(s.root))
	}},
	{StateLongMode, nil, func(*Sequence) {
		writeMSRFn(cpu.MSREFER, readMSRFn(cpu.MSREFER)|cpu.EFERLongModeEnable)
	}},
	{StateNX, func(o *Options) bool { return o.NoExecute }, func(*Sequence) {
		writeMSRFn(cpu.MSREFER, readMSRFn(cpu.MSREFER)|cpu.EFERNoExecuteEnable)
	}},
	{StatePaging, nil, func(*Sequence) {
		writeCR0Fn(readCR0Fn() | cpu.CR0Paging)
	}},
	{StateWriteProtect, func(o *Options) bool { return o.WriteProtect }, func(*Sequence) {
		writeCR0Fn(readCR0Fn() | cpu.CR0WriteProtect)
	}},
	{StateGlobalPages, func(o *Options) bool { return o.GlobalPages }, func(*Sequence) {
		writeCR4Fn(readCR4Fn() | cpu.CR4PGE)
	}},
}

// Sequence is a one-shot state machine that performs the transition. It
// holds no pointers so it can live in static storage.
type Sequence struct {
	root  uint64
	opts  Options
	state State

	trace    [stateCount]State
	traceLen int
}

// New returns a Sequence that loads the root table at the physical address
// root. The address must be page aligned and reachable through CR3 from the
// running mode.
func New(root uint64, opts Options) (Sequence, *kernel.Error) {
	switch {
	case !mm.IsAligned(root, mm.PageSize):
		return Sequence{}, errRootMisaligned
	case root != uint64(uintptr(root)):
		return Sequence{}, errRootTooHigh
	}

	return Sequence{root: root, opts: opts}, nil
}

// State returns the current state.
func (s *Sequence) State() State {
	return s.state
}

// Trace returns the states entered so far, in order. Optional steps that the
// Options disabled are never entered and do not appear.
func (s *Sequence) Trace() []State {
	return s.trace[:s.traceLen]
}

func (s *Sequence) advance(next State) {
	s.state = next
	s.trace[s.traceLen] = next
	s.traceLen++
}

// Run performs the transition. If the CPU cannot run 64-bit code the
// sequence enters StateHalted and Run never returns on real hardware. Any
// other outcome leaves the CPU in long mode (compatibility submode until the
// caller reloads CS) with paging enabled and the sequence in StateDone.
// Calling Run more than once returns an error without touching the CPU.
func (s *Sequence) Run() *kernel.Error {
	if s.state != StateReset {
		return errAlreadyRun
	}

	if !longModeSupportedFn() {
		s.advance(StateHalted)
		s.halt()
		return errNoLongMode
	}
	s.advance(StateCapable)

	for i := range steps {
		if steps[i].enabled != nil && !steps[i].enabled(&s.opts) {
			continue
		}
		steps[i].apply(s)
		s.advance(steps[i].state)
	}

	s.advance(StateDone)
	return nil
}

// halt parks the CPU with interrupts disabled.
func (s *Sequence) halt() {
	disableInterruptsFn()
	for {
		haltFn()
	}
}
