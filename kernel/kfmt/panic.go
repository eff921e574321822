package kfmt

import (
	"lmboot/kernel"
	"lmboot/kernel/cpu"
)

var (
	// cpuHaltFn and cpuDisableInterruptsFn are mocked by tests and are
	// automatically inlined by the compiler.
	cpuHaltFn              = cpu.Halt
	cpuDisableInterruptsFn = cpu.DisableInterrupts

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the active output sink and
// halts the CPU with interrupts disabled. Calls to Panic never return on real
// hardware.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** boot panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuDisableInterruptsFn()
	cpuHaltFn()
}
