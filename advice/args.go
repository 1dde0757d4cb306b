package advice

import (
	"fmt"
	"math"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/sig"
)

// Args is the bound view an advice function receives: its declared bindings
// materialized over the live frame. Accessors address bindings by their
// position in the declaration and check the slot's class; disagreement is a
// bug in the mod's declaration and panics rather than silently
// reinterpreting bits. The dispatcher catches the panic at the call
// boundary.
type Args struct {
	frame *frame.Frame
	binds []Binding
}

// Len returns the number of declared bindings.
func (a *Args) Len() int { return len(a.binds) }

func (a *Args) bind(i int) Binding {
	if i < 0 || i >= len(a.binds) {
		panic(fmt.Sprintf("advice args: no binding %d, advice declared %d", i, len(a.binds)))
	}
	return a.binds[i]
}

func (a *Args) argValue(i int, b Binding, want sig.Class) *frame.Value {
	v := &a.frame.Args[b.Arg]
	if v.Class() != want {
		panic(fmt.Sprintf("advice args: binding %d addresses argument %d as %v, frame holds %v",
			i, b.Arg, want, v.Class()))
	}
	return v
}

func (a *Args) resultValue(i int, want sig.Class) *frame.Value {
	v := &a.frame.Result
	if v.Class() != want {
		panic(fmt.Sprintf("advice args: binding %d addresses the result as %v, frame holds %v",
			i, want, v.Class()))
	}
	return v
}

// Pointer reads binding i as a pointer-class value.
func (a *Args) Pointer(i int) uintptr {
	b := a.bind(i)
	switch b.Slot {
	case SlotInstance:
		return a.frame.Instance
	case SlotResult:
		return a.resultValue(i, sig.Pointer).Pointer()
	default:
		return a.argValue(i, b, sig.Pointer).Pointer()
	}
}

// SetPointer writes binding i as a pointer-class value. The instance slot is
// read-only.
func (a *Args) SetPointer(i int, v uintptr) {
	b := a.bind(i)
	switch b.Slot {
	case SlotInstance:
		panic(fmt.Sprintf("advice args: binding %d: the instance slot is read-only", i))
	case SlotResult:
		a.resultValue(i, sig.Pointer).SetBits(uint64(v))
	default:
		a.argValue(i, b, sig.Pointer).SetBits(uint64(v))
	}
}

// Float32 reads binding i as a single-precision float.
func (a *Args) Float32(i int) float32 {
	b := a.bind(i)
	switch b.Slot {
	case SlotInstance:
		panic(fmt.Sprintf("advice args: binding %d reads the instance slot as F", i))
	case SlotResult:
		return a.resultValue(i, sig.Float32).Float32()
	default:
		return a.argValue(i, b, sig.Float32).Float32()
	}
}

// SetFloat32 writes binding i as a single-precision float.
func (a *Args) SetFloat32(i int, v float32) {
	b := a.bind(i)
	switch b.Slot {
	case SlotInstance:
		panic(fmt.Sprintf("advice args: binding %d writes the instance slot as F", i))
	case SlotResult:
		a.resultValue(i, sig.Float32).SetBits(uint64(math.Float32bits(v)))
	default:
		a.argValue(i, b, sig.Float32).SetBits(uint64(math.Float32bits(v)))
	}
}

// Float64 reads binding i as a double-precision float.
func (a *Args) Float64(i int) float64 {
	b := a.bind(i)
	switch b.Slot {
	case SlotInstance:
		panic(fmt.Sprintf("advice args: binding %d reads the instance slot as D", i))
	case SlotResult:
		return a.resultValue(i, sig.Float64).Float64()
	default:
		return a.argValue(i, b, sig.Float64).Float64()
	}
}

// SetFloat64 writes binding i as a double-precision float.
func (a *Args) SetFloat64(i int, v float64) {
	b := a.bind(i)
	switch b.Slot {
	case SlotInstance:
		panic(fmt.Sprintf("advice args: binding %d writes the instance slot as D", i))
	case SlotResult:
		a.resultValue(i, sig.Float64).SetBits(math.Float64bits(v))
	default:
		a.argValue(i, b, sig.Float64).SetBits(math.Float64bits(v))
	}
}
