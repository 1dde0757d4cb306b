package frame

// Caller transfers control to a native entry point with a populated register
// image, applying the return lanes and the exception out-slot back into regs
// when the call finishes. Production embedders supply platform glue for
// this; the simrt package supplies the implementation used by tests. The
// returned error covers invocation mechanics only (no code at entry, glue
// missing); a fault raised by the callee travels in regs.Fault.
type Caller interface {
	Invoke(entry uintptr, regs *Registers) error
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(entry uintptr, regs *Registers) error

func (fn CallerFunc) Invoke(entry uintptr, regs *Registers) error {
	return fn(entry, regs)
}
