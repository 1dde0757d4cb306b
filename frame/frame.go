// Package frame carries one native call across the interception boundary.
// A Frame is the normalized view advice code sees; a Registers value is the
// raw register-file image the platform entry glue fills in and consumes.
// The pack/unpack functions in this package own every calling-convention
// placement rule, so nothing above it needs to know which register an
// argument of a given class lands in.
package frame

import (
	"errors"
	"fmt"
	"math"

	"github.com/modkit-go/modkit/sig"
)

var (
	ErrArity = errors.New("argument count does not match descriptor")
	ErrClass = errors.New("argument class does not match descriptor")
)

// Value is one argument or result slot: a class plus the raw bits. The
// accessors reinterpret bits without checking the class; the typed views in
// the advice layer enforce class agreement at bind time.
type Value struct {
	class sig.Class
	bits  uint64
}

func PointerValue(p uintptr) Value {
	return Value{class: sig.Pointer, bits: uint64(p)}
}

func Float32Value(f float32) Value {
	return Value{class: sig.Float32, bits: uint64(math.Float32bits(f))}
}

func Float64Value(f float64) Value {
	return Value{class: sig.Float64, bits: math.Float64bits(f)}
}

func (v Value) Class() sig.Class { return v.class }
func (v Value) Bits() uint64     { return v.bits }
func (v Value) Pointer() uintptr { return uintptr(v.bits) }
func (v Value) Float32() float32 { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }

func (v Value) String() string {
	switch v.class {
	case sig.Float32:
		return fmt.Sprintf("F(%v)", v.Float32())
	case sig.Float64:
		return fmt.Sprintf("D(%v)", v.Float64())
	default:
		return fmt.Sprintf("P(%#x)", v.Pointer())
	}
}

// SetBits replaces the raw bits, keeping the slot's class.
func (v *Value) SetBits(bits uint64) { v.bits = bits }

// Fault is a native exception crossing the boundary as a value. It never
// unwinds through a native call frame; it travels in the Frame and in the
// Registers exception slot.
type Fault struct {
	// Object is the runtime exception object, zero when the fault was
	// raised on this side of the boundary.
	Object  uintptr
	Message string
}

func (f *Fault) Error() string {
	if f.Object != 0 {
		return fmt.Sprintf("native fault %#x: %s", f.Object, f.Message)
	}
	return f.Message
}

// Faultf builds a Fault with a formatted message.
func Faultf(format string, args ...any) *Fault {
	return &Fault{Message: fmt.Sprintf(format, args...)}
}

// FaultFromPanic converts a recovered panic value into a Fault.
func FaultFromPanic(v any) *Fault {
	switch x := v.(type) {
	case *Fault:
		return x
	case error:
		return &Fault{Message: x.Error()}
	default:
		return &Fault{Message: fmt.Sprint(x)}
	}
}

// Frame is the per-invocation container. It lives on the invoking call's
// stack path and is never shared: a hooked function calling itself gets a
// fresh Frame on the inner call.
type Frame struct {
	// Instance is the instance pointer, zero for static calls.
	Instance uintptr

	// Args are the argument slots, typed per the descriptor.
	Args []Value

	// Result is the return slot. Its class is fixed by the descriptor;
	// writes replace the bits.
	Result Value

	// Fault is the exception slot, nil while no exception is standing.
	Fault *Fault

	// SkipOriginal suppresses the call-through to the original.
	SkipOriginal bool
}

// New builds a Frame shaped by d: Args pre-typed per parameter class, Result
// pre-typed per return class.
func New(d sig.Descriptor) *Frame {
	f := &Frame{}
	if n := d.NumParams(); n > 0 {
		f.Args = make([]Value, n)
		for i := 0; i < n; i++ {
			f.Args[i].class = d.Param(i)
		}
	}
	if ret, ok := d.Return(); ok {
		f.Result.class = ret
	}
	return f
}

// SetArgs copies vs into the frame, checking arity and class against the
// pre-shaped slots.
func (f *Frame) SetArgs(vs ...Value) error {
	if len(vs) != len(f.Args) {
		return fmt.Errorf("%w: got %d, want %d", ErrArity, len(vs), len(f.Args))
	}
	for i, v := range vs {
		if v.class != f.Args[i].class {
			return fmt.Errorf("%w: argument %d is %v, want %v", ErrClass, i, v.class, f.Args[i].class)
		}
		f.Args[i] = v
	}
	return nil
}
