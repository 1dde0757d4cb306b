// Package modkit intercepts native functions in the process it is loaded
// into: it installs detours on resolved method addresses and runs mod-
// supplied advice (prefix, postfix, finalizer) around the original call,
// forwarding arguments and results across the native boundary by argument
// class.
//
// The package is the process-scoped owner. Attach builds the stack in
// dependency order: the executable code arena, the hook registry, the stub
// cache, the advice dispatcher, and the patch registry; Detach removes every
// installed hook and restores the original bytes. Only one System may be
// attached at a time.
//
// Known limitations:
//
//   - Arguments are classed as pointer-sized, float32, or float64. Structs
//     passed by value are not supported.
//   - A hook patches the first instructions of its target. Targets shorter
//     than the patch jump, or entered past their first instruction, cannot
//     be hooked safely.
//   - A mis-declared signature for a raw-address target corrupts argument
//     lanes silently. ValidateTrampoline is the opt-in check for this.
package modkit
